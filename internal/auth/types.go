// Package auth 为 REST 接口提供基于静态令牌的身份认证。
// 每个令牌对应一个主体，主体可以绑定到某个用户，绑定后只能代表该用户发起请求。
package auth

import (
	"strings"

	xerrors "AgentFlow/internal/errors"
)

// Mode 表示认证模式。
type Mode string

const (
	// ModeDisabled 不校验令牌。
	ModeDisabled Mode = "disabled"
	// ModeStatic 使用配置文件中声明的令牌。
	ModeStatic Mode = "static"
)

// 接口权限。
const (
	PermTurnsWrite = "turns:write"
	PermJobsWrite  = "jobs:write"
	PermJobsRead   = "jobs:read"
	PermRulesCheck = "rules:check"
	PermToolsRead  = "tools:read"
	// PermAll 授予全部权限。
	PermAll = "*"
)

// CodePermissionDenied 表示主体缺少权限或越权访问其他用户的数据。
const CodePermissionDenied xerrors.Code = "PERMISSION_DENIED"

func init() {
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{
		Message:  "permission denied",
		Severity: xerrors.SeverityWarning,
	})
}

// Config 描述认证配置。
type Config struct {
	Mode   Mode          `yaml:"mode"`
	Tokens []TokenConfig `yaml:"tokens"`
}

// TokenConfig 声明一个访问令牌。Token 为空时从 TokenEnv 指定的环境变量读取。
type TokenConfig struct {
	Name        string   `yaml:"name"`
	Token       string   `yaml:"token"`
	TokenEnv    string   `yaml:"token_env"`
	UserID      string   `yaml:"user_id"`
	Permissions []string `yaml:"permissions"`
}

// Subject 是通过认证的调用方。
type Subject struct {
	Name        string
	UserID      string
	Permissions []string
}

// HasPermission 判断主体是否拥有指定权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	permission = strings.ToLower(strings.TrimSpace(permission))
	for _, p := range s.Permissions {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == PermAll || p == permission {
			return true
		}
	}
	return false
}

// Authorize 确认主体拥有全部所需权限。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return xerrors.New(xerrors.CodeUnauthorized, "missing subject")
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.New(CodePermissionDenied, "permission denied",
				xerrors.WithMetadata("permission", perm),
				xerrors.WithMetadata("subject", s.Name))
		}
	}
	return nil
}

// ScopeUser 返回主体可以代表的用户。
// 未绑定用户的主体（服务令牌）原样返回 requested；绑定用户的主体在 requested
// 为空时返回自己的用户，不一致时返回 PERMISSION_DENIED。
func (s *Subject) ScopeUser(requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	if s == nil || s.UserID == "" {
		return requested, nil
	}
	if requested == "" || requested == s.UserID {
		return s.UserID, nil
	}
	return "", xerrors.New(CodePermissionDenied, "subject cannot act for another user",
		xerrors.WithMetadata("subject", s.Name),
		xerrors.WithMetadata("user_id", requested))
}
