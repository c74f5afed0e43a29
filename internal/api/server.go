package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"AP2-Orchestrator/internal/audit"
	"AP2-Orchestrator/internal/auth"
	"AP2-Orchestrator/internal/checkout"
	xerrors "AP2-Orchestrator/internal/errors"
	"AP2-Orchestrator/internal/observability/metrics"
	"AP2-Orchestrator/internal/orchestrator"
	"AP2-Orchestrator/internal/orders"
)

const (
	checkoutsPath   = "/api/v1/checkouts"
	ordersPath      = "/api/v1/orders"
	credentialsPath = "/api/v1/credentials/"
	maxBodyBytes    = 1 << 20
)

// Server 负责暴露 REST 接口，供外部驱动结账。
type Server struct {
	addr            string
	checkouts       *checkout.Service
	orders          orders.Store
	metrics         *metrics.Collector
	auth            *auth.Service
	limiter         *RateLimiter
	shutdownTimeout time.Duration
}

// Option 配置 Server。
type Option func(*Server)

// WithOrders 挂载订单与凭证接口。
func WithOrders(store orders.Store) Option {
	return func(s *Server) { s.orders = store }
}

// WithMetrics 替换指标集合，默认使用 metrics.Default。
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) {
		if c != nil {
			s.metrics = c
		}
	}
}

// WithAuth 为 /api/v1 下的接口启用 API Key 认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithRateLimit 对 /api/v1 下的接口按客户端限流，rps 为 0 时关闭。
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) { s.limiter = NewRateLimiter(rps, burst) }
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc *checkout.Service, opts ...Option) *Server {
	s := &Server{addr: addr, checkouts: svc, metrics: metrics.Default, shutdownTimeout: 5 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	checkoutPerms := permissions(auth.PermCheckoutsRead, auth.PermCheckoutsWrite)
	mux.Handle(checkoutsPath, s.guard(checkoutsPath, checkoutPerms, s.handleCheckouts))
	mux.Handle(checkoutsPath+"/", s.guard(checkoutsPath+"/{id}", checkoutPerms, s.handleCheckoutDetail))
	orderPerms := permissions(auth.PermOrdersRead, auth.PermOrdersWrite)
	mux.Handle(ordersPath, s.guard(ordersPath, orderPerms, s.handleOrders))
	mux.Handle(ordersPath+"/", s.guard(ordersPath+"/{id}", orderPerms, s.handleOrderDetail))
	mux.Handle(credentialsPath, s.guard(credentialsPath+"{user}", permissions(auth.PermCredentialsRead, auth.PermCredentialsWrite), s.handleCredentials))
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleCheckouts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleListCheckouts(w, r)
	default:
		writeMethodNotAllowed(w, "GET, POST")
	}
}

type submitBody struct {
	ID           string                       `json:"id"`
	Items        []orchestrator.LineSelection `json:"items"`
	UserIdentity string                       `json:"user_identity"`
	PaymentAlias string                       `json:"payment_alias"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if !decodeBody(w, r, &body) {
		return
	}
	session, err := s.checkouts.Submit(r.Context(), checkout.SubmitRequest{
		ID:           body.ID,
		Items:        body.Items,
		UserIdentity: body.UserIdentity,
		PaymentAlias: body.PaymentAlias,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", checkoutsPath+"/"+session.ID)
	writeJSON(w, http.StatusAccepted, session)
}

func (s *Server) handleListCheckouts(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sessions, err := s.checkouts.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkouts": sessions, "count": len(sessions)})
}

// listOptions 解析 status、user、limit、offset、order 与 updated_since/updated_until（unix 秒）。
func listOptions(r *http.Request) ([]checkout.ListOption, error) {
	q := r.URL.Query()
	var opts []checkout.ListOption
	if raw := q.Get("status"); raw != "" {
		var statuses []checkout.Status
		for _, part := range strings.Split(raw, ",") {
			st := checkout.Status(strings.TrimSpace(part))
			if !checkout.IsValidStatus(st) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "unknown status "+strconv.Quote(part))
			}
			statuses = append(statuses, st)
		}
		opts = append(opts, checkout.WithStatuses(statuses...))
	}
	if user := strings.TrimSpace(q.Get("user")); user != "" {
		opts = append(opts, checkout.WithUser(user))
	}
	for _, p := range []struct {
		name  string
		apply func(int) checkout.ListOption
	}{
		{"limit", checkout.WithLimit},
		{"offset", checkout.WithOffset},
	} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, p.name+" must be a non-negative integer")
		}
		opts = append(opts, p.apply(n))
	}
	for _, p := range []struct {
		name  string
		apply func(time.Time) checkout.ListOption
	}{
		{"updated_since", checkout.WithUpdatedSince},
		{"updated_until", checkout.WithUpdatedUntil},
	} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, p.name+" must be a unix timestamp")
		}
		opts = append(opts, p.apply(time.Unix(sec, 0)))
	}
	if raw := strings.ToLower(strings.TrimSpace(q.Get("order"))); raw != "" {
		if raw != "asc" && raw != "desc" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "order must be asc or desc")
		}
		opts = append(opts, checkout.WithSortOrder(checkout.ParseSortOrder(raw)))
	}
	return opts, nil
}

// handleCheckoutDetail 处理 /api/v1/checkouts/ 下的子路由。
func (s *Server) handleCheckoutDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, checkoutsPath+"/"), "/")
	if rest == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "checkout id is required"))
		return
	}
	if rest == "stats" {
		s.handleStats(w, r)
		return
	}
	id, sub, _ := strings.Cut(rest, "/")
	switch sub {
	case "":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, "GET")
			return
		}
		session, err := s.checkouts.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
	case "audit":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, "GET")
			return
		}
		s.handleAudit(w, r, id)
	case "otp":
		s.handleOTP(w, r, id)
	default:
		writeError(w, xerrors.New(xerrors.CodeNotFound, "unknown checkout resource "+strconv.Quote(sub)))
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, "GET")
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.checkouts.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request, id string) {
	entries, err := s.checkouts.AuditLog(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "text" {
		log := audit.New()
		for _, e := range entries {
			log.Append(e)
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(log.Format()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkout_id": id, "entries": entries})
}

func (s *Server) handleOTP(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodPost:
		var body struct {
			Code string `json:"code"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		if err := s.checkouts.AnswerChallenge(r.Context(), id, body.Code); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"checkout_id": id, "status": "answered"})
	case http.MethodDelete:
		if err := s.checkouts.DeclineChallenge(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"checkout_id": id, "status": "declined"})
	default:
		writeMethodNotAllowed(w, "POST, DELETE")
	}
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if !s.requireOrders(w) {
		return
	}
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, "GET")
		return
	}
	user := strings.TrimSpace(r.URL.Query().Get("user"))
	if user == "" {
		user = orchestrator.DefaultUserIdentity
	}
	limit := orders.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	list, err := s.orders.ListOrders(r.Context(), user, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": list, "count": len(list)})
}

// handleOrderDetail 支持 POST /api/v1/orders/{id}/cancel。
func (s *Server) handleOrderDetail(w http.ResponseWriter, r *http.Request) {
	if !s.requireOrders(w) {
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, ordersPath+"/"), "/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" || action != "cancel" {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "unknown order resource"))
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, "POST")
		return
	}
	if err := s.orders.CancelOrder(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"order_id": id, "status": string(orders.StatusCancelled)})
}

func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	if !s.requireOrders(w) {
		return
	}
	user := strings.Trim(strings.TrimPrefix(r.URL.Path, credentialsPath), "/")
	if user == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "user identity is required"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		cred, err := s.orders.GetCredential(r.Context(), user)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, redact(*cred))
	case http.MethodDelete:
		if err := s.orders.RevokeCredential(r.Context(), user); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeMethodNotAllowed(w, "GET, DELETE")
	}
}

// credentialView 不包含支付令牌。
type credentialView struct {
	UserIdentity string    `json:"user_identity"`
	Alias        string    `json:"alias"`
	Brand        string    `json:"brand,omitempty"`
	Last4        string    `json:"last4,omitempty"`
	AuthorizedAt time.Time `json:"authorized_at"`
}

func redact(c orders.Credential) credentialView {
	return credentialView{
		UserIdentity: c.UserIdentity,
		Alias:        c.Alias,
		Brand:        c.Brand,
		Last4:        c.Last4,
		AuthorizedAt: c.AuthorizedAt,
	}
}

func (s *Server) requireOrders(w http.ResponseWriter) bool {
	if s.orders == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "订单服务未初始化"))
		return false
	}
	return true
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "服务已关闭"))
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
