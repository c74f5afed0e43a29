package simulator

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"AP2-Orchestrator/internal/a2a"
	"AP2-Orchestrator/internal/mandate"
	"AP2-Orchestrator/pkg/logger"
)

// 参考服务的固定取值。
const (
	DefaultMerchantID   = "merchant_agent_01"
	DefaultMerchantName = "Merchant Agent 01"
	DefaultCurrency     = "INR"
	DefaultOTPCode      = "123456"
	HeaderShoppingAgent = "shopping_agent_id"
	DefaultAgentHeader  = "trusted_shopping_agent"

	challengeMessage = "Step-up authentication required. Please provide OTP."
)

// DefaultAllowedAgents 是默认允许下单的购物代理。
func DefaultAllowedAgents() []string {
	return []string{"trusted_shopping_agent", "demo_frontend"}
}

// PlaceholderMerchantSigner 生成 sig_merch_<hex16> 形式的占位签名。
var PlaceholderMerchantSigner = mandate.SignerFunc(func(string, any) (string, error) {
	return "sig_merch_" + hexToken(16), nil
})

func hexToken(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}

// Option 配置 Server。
type Option func(*Server)

// WithAllowedAgents 替换购物代理白名单。
func WithAllowedAgents(ids []string) Option {
	return func(s *Server) {
		if len(ids) > 0 {
			s.allowed = append([]string(nil), ids...)
		}
	}
}

// WithOTPCode 设置挑战的正确验证码。
func WithOTPCode(code string) Option {
	return func(s *Server) {
		if code = strings.TrimSpace(code); code != "" {
			s.otpCode = code
		}
	}
}

// WithOTPStore 替换待验证码存储。
func WithOTPStore(store OTPStore) Option {
	return func(s *Server) {
		if store != nil {
			s.otps = store
		}
	}
}

// WithMerchantSigner 替换商户签名器。
func WithMerchantSigner(signer mandate.Signer) Option {
	return func(s *Server) {
		if signer != nil {
			s.signer = signer
		}
	}
}

// WithCatalog 替换商品目录。
func WithCatalog(c *Catalog) Option {
	return func(s *Server) {
		if c != nil {
			s.catalog = c
		}
	}
}

// WithPublicURL 设置代理卡片中声明的地址。
func WithPublicURL(url string) Option {
	return func(s *Server) {
		s.publicURL = strings.TrimRight(strings.TrimSpace(url), "/")
	}
}

// WithLogger 替换请求日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// AgentAction 是购物代理上报的操作记录。
type AgentAction struct {
	Action    string         `json:"action"`
	Details   map[string]any `json:"details"`
	Timestamp string         `json:"timestamp"`
}

// Server 同时承担商户、凭证提供方与支付处理方三种角色。
type Server struct {
	catalog   *Catalog
	wallet    *Wallet
	otps      OTPStore
	signer    mandate.Signer
	allowed   []string
	otpCode   string
	publicURL string
	log       *slog.Logger

	mu      sync.Mutex
	actions []AgentAction
}

// New 创建参考服务。
func New(opts ...Option) *Server {
	s := &Server{
		catalog: DefaultCatalog(),
		wallet:  NewWallet(),
		otps:    NewMemoryOTPStore(DefaultOTPTTL),
		signer:  PlaceholderMerchantSigner,
		allowed: DefaultAllowedAgents(),
		otpCode: DefaultOTPCode,
		log:     logger.Named("simulator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Wallet 返回内置钱包。
func (s *Server) Wallet() *Wallet { return s.wallet }

// Handler 返回挂载全部端点的路由。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Get(a2a.WellKnownAgentCardSuffix, s.handleCard(roleAll))

	r.Route("/merchant", func(m chi.Router) {
		m.Get(a2a.WellKnownAgentCardSuffix, s.handleCard(roleMerchant))
		m.Get("/products", s.handleProducts)
		m.Post("/validate_product", s.handleValidateProduct)
		m.Post("/log_agent_action", s.handleLogAction)
		m.Get("/agent_logs", s.handleAgentLogs)
		m.Post("/create_cart", s.handleCreateCart)
	})
	r.Route("/wallet", func(w chi.Router) {
		w.Get(a2a.WellKnownAgentCardSuffix, s.handleCard(roleWallet))
		w.Get("/methods", s.handleMethods)
		w.Get("/address", s.handleAddress)
		w.Post("/tokenize", s.handleTokenize)
	})
	r.Route("/processor", func(p chi.Router) {
		p.Get(a2a.WellKnownAgentCardSuffix, s.handleCard(roleProcessor))
		p.Post("/initiate_payment", s.handleInitiatePayment)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("处理请求",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   "AP2 Reference Counterparties",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleProducts(w http.ResponseWriter, _ *http.Request) {
	products := s.catalog.Products()
	writeJSON(w, http.StatusOK, map[string]any{"products": products, "total": len(products)})
}

func (s *Server) handleValidateProduct(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductName string `json:"product_name"`
	}
	if !decode(w, r, &req) {
		return
	}
	p, ok := s.catalog.Find(req.ProductName)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"exists":  false,
			"message": "Product '" + req.ProductName + "' not found in catalog",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exists":      true,
		"product_id":  p.ID,
		"name":        p.Name,
		"price":       p.Price,
		"description": p.Description,
	})
}

func (s *Server) handleLogAction(w http.ResponseWriter, r *http.Request) {
	var action AgentAction
	if !decode(w, r, &action) {
		return
	}
	s.mu.Lock()
	s.actions = append(s.actions, action)
	total := len(s.actions)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged", "total_logs": total})
}

func (s *Server) handleAgentLogs(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	logs := append([]AgentAction{}, s.actions...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs, "total": len(logs)})
}

type createCartRequest struct {
	Items   []LineRequest `json:"items"`
	Message *a2a.Message  `json:"a2a_message,omitempty"`
}

func (s *Server) handleCreateCart(w http.ResponseWriter, r *http.Request) {
	agent := r.Header.Get(HeaderShoppingAgent)
	if agent == "" {
		agent = DefaultAgentHeader
	}
	if !slices.Contains(s.allowed, agent) {
		writeDetail(w, http.StatusForbidden, "Unauthorized Shopping Agent: "+agent)
		return
	}
	var req createCartRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Message != nil {
		if err := req.Message.Validate(); err != nil {
			writeDetail(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	items, total := s.catalog.Price(req.Items)
	cart := mandate.CartMandate{
		CartID:               "cart_" + hexToken(8),
		MerchantID:           DefaultMerchantID,
		Items:                items,
		TotalPrice:           total,
		Currency:             DefaultCurrency,
		ValidForSeconds:      mandate.DefaultValidForSeconds,
		RefundableForSeconds: mandate.DefaultRefundableForSeconds,
		CreatedAt:            time.Now().UTC(),
	}
	sig, err := s.signer.Sign(mandate.RoleMerchant, cart.Unsigned())
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "sign cart: "+err.Error())
		return
	}
	cart.MerchantSignature = sig
	s.log.Info("已生成报价", slog.String("cart_id", cart.CartID), slog.Int("items", len(items)), slog.Float64("total", total))
	writeJSON(w, http.StatusOK, cart)
}

func userEmail(r *http.Request) string {
	if email := strings.TrimSpace(r.URL.Query().Get("user_email")); email != "" {
		return email
	}
	return DefaultUserEmail
}

func (s *Server) handleMethods(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.wallet.Methods(userEmail(r)))
}

func (s *Server) handleAddress(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.wallet.Address(userEmail(r))
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, addr)
}

func (s *Server) handleTokenize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Alias string `json:"alias"`
	}
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": s.wallet.Tokenize(req.Email, req.Alias)})
}

type initiatePaymentRequest struct {
	PaymentMandate mandate.PaymentMandate `json:"payment_mandate"`
	OTP            *string                `json:"otp"`
}

func (s *Server) handleInitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req initiatePaymentRequest
	if !decode(w, r, &req) {
		return
	}
	pm := req.PaymentMandate
	method, err := s.wallet.Resolve(pm.PaymentToken)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	id := pm.MandateID

	if req.OTP == nil || *req.OTP == "" {
		if err := s.otps.Put(ctx, id, s.otpCode); err != nil {
			writeDetail(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":       "CHALLENGE_REQUIRED",
			"message":      challengeMessage,
			"display_text": "Enter the code sent to your device (Mock: " + s.otpCode + ")",
		})
		return
	}

	expected, ok, err := s.otps.Get(ctx, id)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok || *req.OTP != expected {
		writeDetail(w, http.StatusBadRequest, "Incorrect OTP provided")
		return
	}
	if err := s.otps.Delete(context.WithoutCancel(ctx), id); err != nil {
		s.log.Warn("清理验证码失败", slog.String("mandate_id", id), slog.Any("error", err))
	}
	receipt := mandate.Receipt{
		ID:        "rcpt_" + hexToken(32),
		Amount:    pm.Amount,
		Merchant:  DefaultMerchantName,
		CardBrand: method.Brand(),
	}
	s.log.Info("支付完成", slog.String("mandate_id", id), slog.String("receipt_id", receipt.ID))
	writeJSON(w, http.StatusOK, map[string]any{"status": "SUCCESS", "receipt": receipt})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", a2a.ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
