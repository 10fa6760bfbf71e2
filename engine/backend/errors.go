package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/agentorch/types"
)

// MapHTTPError 将后端 HTTP 状态码映射为带重试标记的 types.Error
func MapHTTPError(status int, msg, backend string, header http.Header) *types.Error {
	var e *types.Error
	switch {
	case status == http.StatusTooManyRequests:
		e = types.NewError(types.ErrRateLimited, msg)
	case status == http.StatusServiceUnavailable || status == http.StatusBadGateway:
		e = types.NewError(types.ErrBackendUnavailable, msg)
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		e = types.NewError(types.ErrBackendTimeout, msg)
	case status >= 500:
		e = types.NewError(types.ErrBackend, msg)
	case status >= 400:
		// 请求本身有问题，重试没有意义
		e = types.NewError(types.ErrBackendRejected, msg)
	default:
		e = types.NewError(types.ErrBackend, msg).WithRetryable(false)
	}
	e = e.WithHTTPStatus(status).WithBackend(backend)
	if d, ok := parseRetryAfter(header.Get("Retry-After"), time.Now()); ok {
		e = e.WithRetryAfter(d)
	}
	return e
}

// MapTransportError 将请求发送失败映射为错误码：超时、取消或后端不可达
func MapTransportError(ctx context.Context, err error, backend string) *types.Error {
	var netErr net.Error
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return types.NewError(types.ErrCancelled, "request cancelled").WithCause(err).WithBackend(backend)
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return types.NewError(types.ErrBackendTimeout, "request timed out").WithCause(err).WithBackend(backend)
	case errors.As(err, &netErr) && netErr.Timeout():
		return types.NewError(types.ErrBackendTimeout, "request timed out").WithCause(err).WithBackend(backend)
	default:
		return types.NewError(types.ErrBackendUnavailable, "backend unreachable").WithCause(err).WithBackend(backend)
	}
}

// parseRetryAfter 支持秒数和 HTTP 日期两种格式
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// readErrorMessage 读取错误响应体，优先取 JSON 中的 error/message 字段
func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil {
		var s string
		if json.Unmarshal(errResp.Error, &s) == nil && s != "" {
			return s
		}
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(errResp.Error, &nested) == nil && nested.Message != "" {
			return nested.Message
		}
		if errResp.Message != "" {
			return errResp.Message
		}
	}

	msg := strings.TrimSpace(string(data))
	if msg == "" {
		return "empty error response"
	}
	return msg
}
