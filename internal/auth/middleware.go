package auth

import (
	"net/http"
	"strings"
	"time"

	xerrors "AgentFlow/internal/errors"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// Permission 是访问该路由所需的权限，为空表示只需认证。
	Permission string
	// AuditEvent 指定记录审计日志时使用的事件名称。
	AuditEvent string
	// OnError 负责写出认证失败的响应，为空时使用 http.Error。
	OnError func(w http.ResponseWriter, err error)
}

// Middleware 返回一个 HTTP 中间件，用于处理身份认证和授权。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.Authenticate(bearerToken(r.Header.Get("Authorization")))
			if err == nil {
				err = subject.Authorize(cfg.Permission)
			}
			if err != nil {
				s.deny(w, r, cfg, subject, err)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.audit.Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"subject", subject.Name,
				"user_id", subject.UserID,
			)
		})
	}
}

func (s *Service) deny(w http.ResponseWriter, r *http.Request, cfg MiddlewareConfig, subject *Subject, err error) {
	status := http.StatusUnauthorized
	if xerrors.HasCode(err, CodePermissionDenied) {
		status = http.StatusForbidden
	}
	args := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
	}
	if subject != nil {
		args = append(args, "subject", subject.Name)
	}
	s.audit.Warn("access_denied", args...)
	if cfg.OnError != nil {
		cfg.OnError(w, err)
		return
	}
	http.Error(w, http.StatusText(status), status)
}

// bearerToken 解析 "Bearer <token>" 形式的 Authorization 头。
func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// auditWriter 包装 http.ResponseWriter，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
