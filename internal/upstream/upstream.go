// Package upstream 将外部 HTTP 服务的失败映射为统一错误码，
// 供生成能力、投放 API 与媒体生成等客户端共用。
package upstream

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	xerrors "AgentFlow/internal/errors"
)

// maxErrorBody 是读取错误响应体的上限。
const maxErrorBody = 2048

// StatusError 将 HTTP 错误状态映射为统一错误码。
func StatusError(service string, status int, body string) error {
	opts := []xerrors.Option{
		xerrors.WithMetadata("status", strconv.Itoa(status)),
		xerrors.WithMetadata("service", service),
	}
	msg := fmt.Sprintf("%s 返回错误状态 %d: %s", service, status, body)
	switch {
	case status == http.StatusPaymentRequired || strings.Contains(body, "insufficient_quota"):
		return xerrors.New(xerrors.CodeQuotaExceeded, msg, opts...)
	case status == http.StatusTooManyRequests:
		return xerrors.New(xerrors.CodeRateLimited, msg, opts...)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return xerrors.New(xerrors.CodeTimeout, msg, opts...)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return xerrors.New(xerrors.CodeUnauthorized, msg, opts...)
	case status == http.StatusNotFound:
		return xerrors.New(xerrors.CodeNotFound, msg, opts...)
	case status >= http.StatusInternalServerError:
		return xerrors.New(xerrors.CodeUpstream, msg, opts...)
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, msg, opts...)
	}
}

// ResponseError 读取有限长度的响应体并调用 StatusError。
func ResponseError(service string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return StatusError(service, resp.StatusCode, strings.TrimSpace(string(body)))
}

// TransportError 映射请求未得到响应时的错误：取消、超时或连接失败。
func TransportError(service string, err error) error {
	opt := xerrors.WithMetadata("service", service)
	switch {
	case stdErrors.Is(err, context.Canceled):
		return xerrors.Wrap(xerrors.CodeCanceled, err, service+" 请求被取消", opt)
	case stdErrors.Is(err, context.DeadlineExceeded) || IsTimeout(err):
		return xerrors.Wrap(xerrors.CodeTimeout, err, service+" 请求超时", opt)
	default:
		return xerrors.Wrap(xerrors.CodeUpstream, err, "请求 "+service+" 失败", opt)
	}
}

// IsTimeout 判断错误是否为网络超时。
func IsTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return stdErrors.As(err, &t) && t.Timeout()
}
