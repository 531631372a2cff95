package api

import (
	"encoding/json"
	"net/http"
	"time"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/auth"
	"AgentFlow/internal/jobs"
	"AgentFlow/internal/observability/metrics"
	"AgentFlow/pkg/logger"
)

// ErrorBody 是所有错误响应的格式。
type ErrorBody struct {
	Code     xerrors.Code      `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

var statusByCode = map[xerrors.Code]int{
	xerrors.CodeInvalidArgument:       http.StatusBadRequest,
	xerrors.CodeInvalidParameters:     http.StatusBadRequest,
	jobs.CodeJobValidation:            http.StatusBadRequest,
	xerrors.CodeUnauthorized:          http.StatusUnauthorized,
	xerrors.CodeInsufficientCredits:   http.StatusPaymentRequired,
	xerrors.CodeQuotaExceeded:         http.StatusPaymentRequired,
	xerrors.CodeRiskDenied:            http.StatusForbidden,
	auth.CodePermissionDenied:         http.StatusForbidden,
	xerrors.CodeNotFound:              http.StatusNotFound,
	xerrors.CodeToolNotFound:          http.StatusNotFound,
	jobs.CodeJobNotFound:              http.StatusNotFound,
	xerrors.CodeConflict:              http.StatusConflict,
	jobs.CodeJobConflict:              http.StatusConflict,
	jobs.CodeJobCompleted:             http.StatusConflict,
	xerrors.CodeRateLimited:           http.StatusTooManyRequests,
	xerrors.CodeUpstream:              http.StatusBadGateway,
	xerrors.CodeInitializationFailure: http.StatusServiceUnavailable,
	xerrors.CodeTimeout:               http.StatusGatewayTimeout,
}

// StatusFor 将错误码映射为 HTTP 状态码，未知编码返回 500。
func StatusFor(code xerrors.Code) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Named("api").Warn("响应编码失败", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := ErrorBody{Code: xerrors.CodeOf(err), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Metadata = e.Metadata()
	}
	status := StatusFor(body.Code)
	if status >= http.StatusInternalServerError {
		logger.Named("api").Error("请求处理失败", "code", string(body.Code), "error", err)
	}
	writeJSON(w, status, body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 记录每个路由的请求数与耗时。
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}
