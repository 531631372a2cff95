package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"os"
	"strings"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/pkg/logger"
)

type credential struct {
	digest  [sha256.Size]byte
	subject Subject
}

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode        Mode
	credentials []credential
	audit       *slog.Logger
}

// NewService 根据配置构造认证服务。static 模式下至少需要一个可用令牌。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeStatic:
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported auth mode: %s", cfg.Mode))
	}

	seen := make(map[[sha256.Size]byte]string, len(cfg.Tokens))
	for i, tc := range cfg.Tokens {
		name := strings.TrimSpace(tc.Name)
		if name == "" {
			name = fmt.Sprintf("token-%d", i)
		}
		token := strings.TrimSpace(tc.Token)
		if token == "" && tc.TokenEnv != "" {
			token = strings.TrimSpace(os.Getenv(tc.TokenEnv))
		}
		if token == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "auth token is empty",
				xerrors.WithMetadata("name", name))
		}
		digest := sha256.Sum256([]byte(token))
		if other, dup := seen[digest]; dup {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "duplicate auth token",
				xerrors.WithMetadata("name", name), xerrors.WithMetadata("other", other))
		}
		seen[digest] = name
		svc.credentials = append(svc.credentials, credential{
			digest: digest,
			subject: Subject{
				Name:        name,
				UserID:      strings.TrimSpace(tc.UserID),
				Permissions: append([]string(nil), tc.Permissions...),
			},
		})
	}
	if len(svc.credentials) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "static auth requires at least one token")
	}
	return svc, nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Enabled 判断是否需要校验令牌。
func (s *Service) Enabled() bool {
	return s.Mode() != ModeDisabled
}

// Authenticate 校验令牌并返回对应主体的副本。
// 每次都比较全部令牌，耗时与命中位置无关。
func (s *Service) Authenticate(token string) (*Subject, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, xerrors.New(xerrors.CodeUnauthorized, "missing bearer token")
	}
	digest := sha256.Sum256([]byte(token))
	match := -1
	for i := range s.credentials {
		if subtle.ConstantTimeCompare(digest[:], s.credentials[i].digest[:]) == 1 {
			match = i
		}
	}
	if match < 0 {
		return nil, xerrors.New(xerrors.CodeUnauthorized, "invalid token")
	}
	subject := s.credentials[match].subject
	subject.Permissions = append([]string(nil), subject.Permissions...)
	return &subject, nil
}
