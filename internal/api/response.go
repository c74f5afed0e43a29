package api

import (
	"encoding/json"
	"net/http"
	"time"

	"AP2-Orchestrator/internal/auth"
	"AP2-Orchestrator/internal/checkout"
	xerrors "AP2-Orchestrator/internal/errors"
)

type errorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// statusFor 将错误码映射为 HTTP 状态码。
func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, xerrors.CodeValidation, checkout.CodeSessionValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, checkout.CodeSessionNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, checkout.CodeSessionConflict, checkout.CodeSessionCompleted,
		checkout.CodeSessionExhausted, checkout.CodeNoChallenge:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure, xerrors.CodeQueueFailure, checkout.CodeSessionPublish:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeJSON(w, statusFor(code), map[string]errorBody{"error": {
		Code:    string(code),
		Message: xerrors.MessageOf(err),
		Details: xerrors.ProblemsOf(err),
	}})
}

func writeMethodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	writeJSON(w, http.StatusMethodNotAllowed, map[string]errorBody{"error": {
		Code:    "METHOD_NOT_ALLOWED",
		Message: "仅支持 " + allow,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return false
	}
	return true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// permissions 将读权限绑定到 GET，其余方法需要写权限。
func permissions(read, write string) map[string][]string {
	return map[string][]string{
		http.MethodGet: {read},
		"*":            {write},
	}
}

// guard 在指标统计之内依次套上限流与认证中间件，未配置时直接放行。
func (s *Server) guard(route string, perms map[string][]string, fn http.HandlerFunc) http.Handler {
	var h http.Handler = fn
	if s.auth != nil {
		h = s.auth.Middleware(auth.MiddlewareConfig{RequiredPermissions: perms, AuditEvent: route})(h)
	}
	h = s.limiter.Middleware(h)
	return s.instrument(route, h.ServeHTTP)
}

// instrument 记录每个路由的请求数与耗时。
func (s *Server) instrument(route string, fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		fn(rec, r)
		s.metrics.ObserveHTTPRequest(route, r.Method, rec.status, time.Since(start))
	})
}
