package orchestrator

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"AP2-Orchestrator/internal/a2a"
	"AP2-Orchestrator/internal/audit"
	xerrors "AP2-Orchestrator/internal/errors"
	"AP2-Orchestrator/internal/mandate"
	"AP2-Orchestrator/internal/registry"
	"AP2-Orchestrator/pkg/logger"
)

const tracerName = "AP2-Orchestrator/internal/orchestrator"

// 对外展示的失败信息。
const (
	msgMerchantMissing    = "Merchant Agent not found in registry"
	msgMerchantRejected   = "Merchant Agent rejected the request"
	msgCredentialsMissing = "Credentials Provider not found in registry"
	msgTokenizeFailed     = "Credentials Provider failed to tokenize card"
	msgProcessorMissing   = "Payment Processor not found in registry"
	msgProcessorRejected  = "Payment Processor rejected the request"
	msgOTPCancelled       = "User cancelled OTP Challenge"
	msgOTPFailed          = "OTP Verification Failed"
	msgDeclined           = "Payment Processor declined the transaction"
	msgCancelled          = "Transaction cancelled"
)

// SignatureVerifier 校验商户签名。
type SignatureVerifier interface {
	Verify(signature string, doc any, publicKey string) error
}

// Orchestrator 作为购物代理驱动一笔交易走完全部阶段。
type Orchestrator struct {
	merchant    Merchant
	credentials Credentials
	processor   Processor

	agentID     string
	registry    *registry.Registry
	builder     *mandate.Builder
	envelopes   a2a.Builder
	verifier    SignatureVerifier
	observer    CallObserver
	callTimeout time.Duration
	otpTimeout  time.Duration
	tracer      trace.Tracer
	logger      *slog.Logger
	now         func() time.Time
}

// Option 定义可选的 Orchestrator 配置。
type Option func(*Orchestrator)

// WithRegistry 设置默认注册表，可被 Request.Registry 覆盖。
func WithRegistry(r *registry.Registry) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.registry = r
		}
	}
}

// WithBuilder 替换凭证构造器。
func WithBuilder(b *mandate.Builder) Option {
	return func(o *Orchestrator) {
		if b != nil {
			o.builder = b
		}
	}
}

// WithEnvelopeBuilder 替换 A2A 消息构造器。
func WithEnvelopeBuilder(b a2a.Builder) Option {
	return func(o *Orchestrator) { o.envelopes = b }
}

// WithVerifier 启用商户签名校验。
func WithVerifier(v SignatureVerifier) Option {
	return func(o *Orchestrator) { o.verifier = v }
}

// WithCallObserver 设置对手方调用观察者。
func WithCallObserver(obs CallObserver) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithCallTimeout 设置单次对手方调用的超时时间，0 表示不限制。
func WithCallTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.callTimeout = max(d, 0) }
}

// WithOTPTimeout 设置等待验证码的超时时间，0 表示不限制。
func WithOTPTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.otpTimeout = max(d, 0) }
}

// WithTracer 替换 OpenTelemetry Tracer。
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithLogger 设置基础日志，每笔交易会派生带交易标识的子日志。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithAgentID 设置购物代理在消息中使用的标识。
func WithAgentID(id string) Option {
	return func(o *Orchestrator) {
		if id = strings.TrimSpace(id); id != "" {
			o.agentID = id
		}
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New 创建 Orchestrator。
func New(merchant Merchant, credentials Credentials, processor Processor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		merchant:    merchant,
		credentials: credentials,
		processor:   processor,
		agentID:     registry.ShoppingAgent,
		registry:    registry.KnownAgents(),
		builder:     mandate.NewBuilder(),
		tracer:      otel.Tracer(tracerName),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// txn 保存单笔交易的可变状态，只在一次 Run 内使用。
type txn struct {
	o        *Orchestrator
	req      Request
	reg      *registry.Registry
	log      *slog.Logger
	audit    *audit.Log
	result   *Result
	state    State
	merchant registry.Entry

	intent  *mandate.IntentMandate
	cart    *mandate.CartMandate
	token   string
	payment *mandate.PaymentMandate
	reply   *PaymentResponse
}

// Run 执行一笔交易。任何错误（包括 panic）都会被转换为 FAILED 终态，Run 不返回错误。
func (o *Orchestrator) Run(ctx context.Context, req Request) (res *Result) {
	if req.TransactionID == "" {
		req.TransactionID = uuid.NewString()
	}
	if strings.TrimSpace(req.UserIdentity) == "" {
		req.UserIdentity = DefaultUserIdentity
	}
	if strings.TrimSpace(req.PaymentAlias) == "" {
		req.PaymentAlias = DefaultPaymentAlias
	}
	log := req.Audit
	if log == nil && req.Verbose {
		log = audit.New()
	}
	reg := req.Registry
	if reg == nil {
		reg = o.registry
	}

	t := &txn{
		o:     o,
		req:   req,
		reg:   reg,
		log:   logger.ForTransaction(o.logger, req.TransactionID),
		audit: log,
		state: StateIdle,
		result: &Result{
			TransactionID: req.TransactionID,
			State:         StateIdle,
			Audit:         log,
			StartedAt:     o.now(),
		},
	}

	ctx, span := o.tracer.Start(ctx, "ap2.transaction", trace.WithAttributes(
		attribute.String("ap2.transaction_id", req.TransactionID),
		attribute.Int("ap2.items", len(req.Items)),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			t.fail(xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("internal error: %v", r)))
		}
		t.result.FinishedAt = o.now()
		if t.result.Err != nil {
			span.RecordError(t.result.Err)
			span.SetStatus(codes.Error, t.result.Message)
			span.SetAttributes(attribute.String("ap2.error_code", string(xerrors.CodeOf(t.result.Err))))
		} else {
			span.SetStatus(codes.Ok, "")
		}
		res = t.result
	}()

	t.log.Info("交易开始", slog.Int("items", len(req.Items)), slog.String("user", req.UserIdentity))
	phases := []func(context.Context) error{
		t.identify,
		t.createCart,
		t.tokenize,
		t.preparePayment,
		t.initiatePayment,
		t.challenge,
		t.complete,
	}
	for i, phase := range phases {
		if err := t.runPhase(ctx, i+1, phase); err != nil {
			t.fail(err)
			return
		}
	}
	return
}

func (t *txn) runPhase(ctx context.Context, n int, fn func(context.Context) error) error {
	ctx, span := t.o.tracer.Start(ctx, fmt.Sprintf("ap2.phase.%d", n), trace.WithAttributes(
		attribute.Int("ap2.phase", n),
		attribute.String("ap2.transaction_id", t.req.TransactionID),
	))
	defer span.End()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, xerrors.MessageOf(err))
	}
	return err
}

func (t *txn) step(state State, line string) {
	t.state = state
	t.result.State = state
	t.result.Steps = append(t.result.Steps, Step{State: state, Line: line, At: t.o.now()})
	if t.req.OnStep != nil {
		t.req.OnStep(state, line)
	}
}

func (t *txn) fail(err error) {
	if t.state.Terminal() {
		return
	}
	msg := xerrors.MessageOf(err)
	if msg == "" {
		msg = "Unknown AP2 Error"
	}
	t.result.Err = err
	t.result.Message = msg
	t.result.Receipt = nil
	t.step(StateFailed, msg)
	t.log.Warn("交易失败",
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.String("message", msg),
		slog.Any("error", err))
}

func (t *txn) lookup(id, missing string) (registry.Entry, error) {
	entry, ok := t.reg.Lookup(id)
	if !ok {
		return registry.Entry{}, xerrors.New(xerrors.CodeConfiguration, missing, xerrors.WithMetadata("agent", id))
	}
	if entry.Name == "" {
		entry.Name = id
	}
	return entry, nil
}

// negotiate 优先使用对手方在线发布的能力声明，否则使用注册表中登记的能力。
func (t *txn) negotiate(ctx context.Context, client any, entry registry.Entry) error {
	advertised := entry.Extensions
	if describer, ok := client.(CardDescriber); ok {
		var card *a2a.AgentCard
		err := t.call(ctx, entry.ID, func(ctx context.Context) error {
			var cerr error
			card, cerr = describer.AgentCard(ctx)
			return cerr
		})
		if err != nil {
			return t.classify(ctx, err, xerrors.CodeTransport, fmt.Sprintf("%s agent card unavailable", entry.Name))
		}
		advertised = nil
		if card != nil {
			advertised = card.ExtensionURIs()
		}
	}
	n := a2a.Negotiate(advertised)
	if !n.Supported {
		return xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("%s does not support required extensions: %s", entry.Name, strings.Join(n.Missing, ", ")),
			xerrors.WithProblems(n.Missing...),
			xerrors.WithMetadata("agent", entry.ID))
	}
	return nil
}

// call 在单次调用超时内执行 fn。
func (t *txn) call(ctx context.Context, role string, fn func(context.Context) error) error {
	callCtx := ctx
	if t.o.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t.o.callTimeout)
		defer cancel()
	}
	start := time.Now()
	err := fn(callCtx)
	if t.o.observer != nil {
		t.o.observer.ObserveCall(role, err, time.Since(start))
	}
	return err
}

// classify 将调用错误映射为统一错误。父级 ctx 结束视为取消，调用自身超时视为超时；
// 已带有校验或拒付错误码的错误保持原样。
func (t *txn) classify(ctx context.Context, err error, code xerrors.Code, message string) error {
	if ctx.Err() != nil {
		return xerrors.Wrap(xerrors.CodeCancelled, err, msgCancelled)
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, message+" (timed out)")
	}
	if stdErrors.Is(err, context.Canceled) {
		return xerrors.Wrap(xerrors.CodeCancelled, err, msgCancelled)
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeValidation, xerrors.CodeDeclined:
		return err
	}
	return xerrors.Wrap(code, err, message)
}

func (t *txn) identify(ctx context.Context) error {
	t.step(StateIdentifying, "Shopping Agent initializing AP2 transaction...")
	t.audit.Record(audit.Phase1, "Shopping Agent validates merchant and creates intent", registry.ShoppingAgent,
		map[string]any{"cartItems": t.req.Items, "userEmail": t.req.UserIdentity}, "Create IntentMandate")

	entry, err := t.lookup(registry.MerchantAgent, msgMerchantMissing)
	if err != nil {
		return err
	}
	t.merchant = entry
	if len(t.req.Items) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "No items selected")
	}

	budget := DefaultIntentBudget
	intent, err := t.o.builder.BuildIntentMandate(fmt.Sprintf("Purchase %d items", len(t.req.Items)), &budget)
	if err != nil {
		return err
	}
	t.intent = intent
	t.audit.Record(audit.Phase1, "IntentMandate created", registry.ShoppingAgent, intent, "")
	t.step(StateIdentifying, "Shopping Agent ready. Intent ID: "+intent.IntentID)
	return nil
}

func (t *txn) createCart(ctx context.Context) error {
	t.step(StateIdentifying, "Shopping Agent delegating to Merchant Agent...")
	t.audit.Record(audit.Phase2, "Sending request to Merchant Agent via A2A", registry.ShoppingAgent,
		map[string]any{"extensionsRequired": a2a.RequiredExtensions(), "intent": t.intent}, "Receive CartMandate")

	if err := t.negotiate(ctx, t.o.merchant, t.merchant); err != nil {
		return err
	}

	msg := t.o.envelopes.BuildMessage(t.o.agentID, t.merchant.ID, "Create a CartMandate for the attached intent", t.intent)
	var cart *mandate.CartMandate
	err := t.call(ctx, registry.MerchantAgent, func(ctx context.Context) error {
		var cerr error
		cart, cerr = t.o.merchant.CreateCart(ctx, CartRequest{Items: t.req.Items, Intent: t.intent, Message: msg})
		return cerr
	})
	if err != nil {
		return t.classify(ctx, err, xerrors.CodeTransport, msgMerchantRejected)
	}
	if cart == nil {
		return xerrors.New(xerrors.CodeTransport, msgMerchantRejected)
	}
	if err := mandate.ValidateCartMandate(cart).Err("CartMandate"); err != nil {
		return err
	}
	t.audit.Record(audit.Phase2, "CartMandate received and validated", registry.MerchantAgent, cart, "Verify merchant signature")
	t.step(StateIdentifying, fmt.Sprintf("CartMandate Received (ID: %s). Verifying signature...", cart.CartID))

	if t.o.verifier != nil {
		if err := t.o.verifier.Verify(cart.MerchantSignature, cart.Unsigned(), t.merchant.PublicKey); err != nil {
			return xerrors.Wrap(xerrors.CodeValidation, err, "Invalid CartMandate: merchant signature verification failed",
				xerrors.WithProblems("merchant signature verification failed"),
				xerrors.WithMetadata("subject", "CartMandate"))
		}
	}
	t.cart = cart
	t.step(StateIdentifying, fmt.Sprintf("Merchant signature valid. Total: %.2f %s", cart.TotalPrice, cart.Currency))
	return nil
}

func (t *txn) tokenize(ctx context.Context) error {
	t.step(StateCreatingIntent, "Contacting Credentials Provider for payment tokenization...")
	t.audit.Record(audit.Phase3, "Shopping Agent requests payment method from Credentials Provider", registry.ShoppingAgent,
		map[string]any{"userEmail": t.req.UserIdentity, "selectedCardAlias": t.req.PaymentAlias}, "Receive payment token")

	entry, err := t.lookup(registry.CredentialsProvider, msgCredentialsMissing)
	if err != nil {
		return err
	}
	if err := t.negotiate(ctx, t.o.credentials, entry); err != nil {
		return err
	}

	msg := t.o.envelopes.BuildMessage(t.o.agentID, entry.ID, "Tokenize payment method: "+t.req.PaymentAlias, nil)
	var token string
	err = t.call(ctx, registry.CredentialsProvider, func(ctx context.Context) error {
		var cerr error
		token, cerr = t.o.credentials.Tokenize(ctx, TokenRequest{UserIdentity: t.req.UserIdentity, PaymentAlias: t.req.PaymentAlias, Message: msg})
		return cerr
	})
	if err != nil {
		return t.classify(ctx, err, xerrors.CodeTransport, msgTokenizeFailed)
	}
	if strings.TrimSpace(token) == "" {
		return xerrors.New(xerrors.CodeTransport, msgTokenizeFailed)
	}
	t.token = token
	t.audit.Record(audit.Phase3, "Payment token generated by Credentials Provider", registry.CredentialsProvider,
		map[string]any{"token": truncate(token, 20) + "..."}, "User signs PaymentMandate")
	t.step(StateCreatingIntent, "Payment Method Tokenized: "+truncate(token, 15)+"...")
	return nil
}

func (t *txn) preparePayment(ctx context.Context) error {
	t.step(StateProcessing, "Preparing PaymentMandate for user signature...")
	t.audit.Record(audit.Phase4, "Shopping Agent constructs PaymentMandate", registry.ShoppingAgent,
		map[string]any{"cart_id": t.cart.CartID, "amount": t.cart.TotalPrice, "description": "PaymentMandate ready for biometric signature"},
		"User signs with device biometric")

	pm, err := t.o.builder.BuildPaymentMandateFor(t.cart, t.token)
	if err != nil {
		return err
	}
	t.audit.Record(audit.Phase4, "PaymentMandate signed by user (device biometric/PIN)", registry.ShoppingAgent, pm,
		"Send to Payment Processor via Credentials Provider")
	t.step(StateProcessing, "PaymentMandate prepared. Awaiting signature...")

	if err := mandate.ValidatePaymentMandate(pm).Err("PaymentMandate"); err != nil {
		return err
	}
	if err := mandate.CheckPaymentAgainstCart(pm, t.cart).Err("PaymentMandate"); err != nil {
		return err
	}
	t.payment = pm
	return nil
}

func (t *txn) submit(ctx context.Context, entry registry.Entry, otp string) (*PaymentResponse, error) {
	text := "Initiate payment for the attached PaymentMandate"
	if otp != "" {
		text = "Resubmit PaymentMandate with OTP"
	}
	msg := t.o.envelopes.BuildMessage(t.o.agentID, entry.ID, text, t.payment)
	var reply *PaymentResponse
	err := t.call(ctx, registry.MerchantPaymentProcessor, func(ctx context.Context) error {
		var cerr error
		reply, cerr = t.o.processor.InitiatePayment(ctx, PaymentRequest{Mandate: t.payment, OTP: otp, Message: msg})
		return cerr
	})
	if err == nil && reply == nil {
		reply = &PaymentResponse{}
	}
	return reply, err
}

func (t *txn) initiatePayment(ctx context.Context) error {
	t.step(StateProcessing, "Transmitting PaymentMandate to Payment Processor Agent...")
	t.audit.Record(audit.Phase5, "Shopping Agent sends PaymentMandate to Processor via Credentials Provider", registry.ShoppingAgent,
		map[string]any{"mandate_id": t.payment.MandateID, "cart_id": t.payment.CartID, "amount": t.payment.Amount, "hasOtp": false},
		"Processor may request OTP challenge")

	entry, err := t.lookup(registry.MerchantPaymentProcessor, msgProcessorMissing)
	if err != nil {
		return err
	}
	if err := t.negotiate(ctx, t.o.processor, entry); err != nil {
		return err
	}
	reply, err := t.submit(ctx, entry, "")
	if err != nil {
		return t.classify(ctx, err, xerrors.CodeTransport, msgProcessorRejected)
	}
	next := "Return payment result"
	if reply.Status == PaymentChallengeRequired {
		next = "User provides OTP"
	}
	t.audit.Record(audit.Phase5, "Processor response: "+reply.Status, registry.MerchantPaymentProcessor, reply, next)
	t.reply = reply
	return nil
}

func (t *txn) challenge(ctx context.Context) error {
	if t.reply.Status != PaymentChallengeRequired {
		return nil
	}
	t.step(StateProcessing, "Security Challenge Required: "+t.reply.Message)
	t.audit.Record(audit.Phase6, "Processor requests OTP challenge for step-up authentication", registry.MerchantPaymentProcessor,
		map[string]any{"challenge": t.reply.Message}, "User provides OTP via secure channel")

	code, err := t.promptOTP(ctx)
	if err != nil {
		return err
	}
	t.audit.Record(audit.Phase6, "User provided OTP, retrying payment", registry.ShoppingAgent,
		map[string]any{"otpProvided": true}, "Processor verifies OTP")
	t.step(StateProcessing, "Verifying OTP...")

	entry, err := t.lookup(registry.MerchantPaymentProcessor, msgProcessorMissing)
	if err != nil {
		return err
	}
	reply, err := t.submit(ctx, entry, code)
	if err != nil {
		switch classified := t.classify(ctx, err, xerrors.CodeTransport, msgOTPFailed); xerrors.CodeOf(classified) {
		case xerrors.CodeTimeout, xerrors.CodeCancelled:
			return classified
		case xerrors.CodeDeclined:
			return xerrors.Wrap(xerrors.CodeDeclined, err, msgOTPFailed)
		default:
			return xerrors.Wrap(xerrors.CodeTransport, err, msgOTPFailed)
		}
	}
	t.audit.Record(audit.Phase6, "OTP verification result: "+reply.Status, registry.MerchantPaymentProcessor, reply, "")
	if reply.Status == PaymentChallengeRequired {
		return xerrors.New(xerrors.CodeDeclined, msgDeclined, xerrors.WithMetadata("reason", "repeated challenge"))
	}
	t.reply = reply
	return nil
}

func (t *txn) promptOTP(ctx context.Context) (string, error) {
	if t.req.Prompter == nil {
		return "", xerrors.New(xerrors.CodeUserCancelled, msgOTPCancelled)
	}
	promptCtx := ctx
	if t.o.otpTimeout > 0 {
		var cancel context.CancelFunc
		promptCtx, cancel = context.WithTimeout(ctx, t.o.otpTimeout)
		defer cancel()
	}
	code, err := t.req.Prompter.PromptOTP(promptCtx, Challenge{
		TransactionID: t.req.TransactionID,
		Message:       t.reply.Message,
		DisplayText:   t.reply.DisplayText,
	})
	switch {
	case err == nil && strings.TrimSpace(code) != "":
		return strings.TrimSpace(code), nil
	case ctx.Err() != nil:
		return "", xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), msgCancelled)
	case stdErrors.Is(err, context.DeadlineExceeded):
		return "", xerrors.Wrap(xerrors.CodeTimeout, err, "OTP challenge timed out")
	case err != nil:
		return "", xerrors.Wrap(xerrors.CodeUserCancelled, err, msgOTPCancelled)
	default:
		return "", xerrors.New(xerrors.CodeUserCancelled, msgOTPCancelled)
	}
}

func (t *txn) complete(ctx context.Context) error {
	reply := t.reply
	if reply.Status == PaymentSuccess && reply.Receipt != nil && reply.Receipt.ID != "" {
		t.result.Receipt = reply.Receipt
		t.result.Intent = t.intent
		t.result.Cart = t.cart
		t.result.Payment = t.payment
		t.result.Message = "Transaction Approved! Receipt ID: " + reply.Receipt.ID
		t.step(StateSuccess, t.result.Message)
		t.audit.Record(audit.Phase7, "Payment completed successfully", registry.MerchantPaymentProcessor,
			map[string]any{"receipt": reply.Receipt, "mandate_id": t.payment.MandateID}, "Shopping Agent displays receipt to user")
		t.log.Info("交易完成", slog.String("receipt_id", reply.Receipt.ID), slog.Float64("amount", reply.Receipt.Amount))
		return nil
	}
	msg := msgDeclined
	if reply.Status == PaymentFailed && strings.TrimSpace(reply.Message) != "" {
		msg = reply.Message
	}
	return xerrors.New(xerrors.CodeDeclined, msg, xerrors.WithMetadata("status", reply.Status))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
