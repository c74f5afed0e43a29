package mandate

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AP2-Orchestrator/internal/errors"
)

// 签名角色。
const (
	RoleMerchant = "merchant"
	RoleUser     = "user"
)

// Signer 为凭证原文生成签名，签名必须以 SignaturePrefix 开头。
type Signer interface {
	Sign(role string, doc any) (string, error)
}

// SignerFunc 允许使用普通函数作为 Signer。
type SignerFunc func(role string, doc any) (string, error)

// Sign 实现 Signer。
func (f SignerFunc) Sign(role string, doc any) (string, error) { return f(role, doc) }

// PlaceholderSigner 生成 sig_<role>_<random> 形式的占位签名，不具备密码学意义。
type PlaceholderSigner struct{}

// Sign 实现 Signer。
func (PlaceholderSigner) Sign(role string, _ any) (string, error) {
	return SignaturePrefix + role + "_" + randomToken(13), nil
}

// IDSource 生成带前缀的唯一标识。
type IDSource func(prefix string, now time.Time) string

// NewID 生成 <prefix>_<unixmillis>_<random> 形式的标识。
func NewID(prefix string, now time.Time) string {
	return fmt.Sprintf("%s_%d_%s", prefix, now.UnixMilli(), randomToken(10))
}

func randomToken(n int) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(raw) {
		n = len(raw)
	}
	return raw[:n]
}

// Builder 负责构造带有新标识、时间戳与签名的凭证。
type Builder struct {
	now            func() time.Time
	ids            IDSource
	currency       string
	merchantSigner Signer
	userSigner     Signer
}

// BuilderOption 定义 Builder 的可选配置。
type BuilderOption func(*Builder)

// WithClock 替换时间源。
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

// WithIDSource 替换标识生成器。
func WithIDSource(ids IDSource) BuilderOption {
	return func(b *Builder) {
		if ids != nil {
			b.ids = ids
		}
	}
}

// WithCurrency 设置默认币种。
func WithCurrency(currency string) BuilderOption {
	return func(b *Builder) {
		if c := strings.TrimSpace(currency); c != "" {
			b.currency = strings.ToUpper(c)
		}
	}
}

// WithMerchantSigner 设置商户签名器。
func WithMerchantSigner(s Signer) BuilderOption {
	return func(b *Builder) {
		if s != nil {
			b.merchantSigner = s
		}
	}
}

// WithUserSigner 设置用户签名器。
func WithUserSigner(s Signer) BuilderOption {
	return func(b *Builder) {
		if s != nil {
			b.userSigner = s
		}
	}
}

// NewBuilder 创建 Builder，默认使用占位签名与 USD。
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		now:            time.Now,
		ids:            NewID,
		currency:       DefaultCurrency,
		merchantSigner: PlaceholderSigner{},
		userSigner:     PlaceholderSigner{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Currency 返回默认币种。
func (b *Builder) Currency() string { return b.currency }

// BuildIntentMandate 构造购物意图。
func (b *Builder) BuildIntentMandate(intentText string, budgetLimit *float64) (*IntentMandate, error) {
	var errs []string
	if strings.TrimSpace(intentText) == "" {
		errs = append(errs, "Invalid user_intent")
	}
	if budgetLimit != nil && *budgetLimit <= 0 {
		errs = append(errs, "Invalid budget_limit")
	}
	if err := newResult(errs).Err("IntentMandate"); err != nil {
		return nil, err
	}
	m := &IntentMandate{
		IntentID:   b.ids("intent", b.now()),
		UserIntent: intentText,
		Currency:   b.currency,
	}
	if budgetLimit != nil {
		limit := *budgetLimit
		m.BudgetLimit = &limit
	}
	return m, nil
}

// BuildCartMandate 以商户身份构造并签名报价，总价必须等于各行合计。
func (b *Builder) BuildCartMandate(items []CartItem, merchantID string, totalPrice float64) (*CartMandate, error) {
	var errs []string
	if len(items) == 0 {
		errs = append(errs, "Cart is empty")
	}
	if strings.TrimSpace(merchantID) == "" {
		errs = append(errs, "Missing merchant_id")
	}
	if !positiveAmount(totalPrice) {
		errs = append(errs, "Invalid total_price")
	}
	itemErrs := itemProblems(items)
	errs = append(errs, itemErrs...)
	if len(itemErrs) == 0 && len(items) > 0 && positiveAmount(totalPrice) && !TotalMatches(items, totalPrice) {
		errs = append(errs, "total_price does not match item sum")
	}
	if err := newResult(errs).Err("CartMandate"); err != nil {
		return nil, err
	}

	now := b.now()
	cart := &CartMandate{
		CartID:               b.ids("cart", now),
		MerchantID:           merchantID,
		Items:                append([]CartItem(nil), items...),
		TotalPrice:           totalPrice,
		Currency:             b.currency,
		ValidForSeconds:      DefaultValidForSeconds,
		RefundableForSeconds: DefaultRefundableForSeconds,
		CreatedAt:            now.UTC(),
	}
	sig, err := b.merchantSigner.Sign(RoleMerchant, cart.Unsigned())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "sign cart mandate")
	}
	cart.MerchantSignature = sig
	return cart, nil
}

// BuildPaymentMandate 以用户身份构造并签名付款授权。
func (b *Builder) BuildPaymentMandate(cartID string, amount float64, paymentToken string) (*PaymentMandate, error) {
	return b.buildPayment(cartID, amount, b.currency, paymentToken)
}

// BuildPaymentMandateFor 从已校验的报价派生付款授权，沿用报价的标识、总价与币种。
func (b *Builder) BuildPaymentMandateFor(cart *CartMandate, paymentToken string) (*PaymentMandate, error) {
	if cart == nil {
		return nil, xerrors.New(xerrors.CodeValidation, "Invalid PaymentMandate: Missing cart_id",
			xerrors.WithProblems("Missing cart_id"))
	}
	currency := cart.Currency
	if currency == "" {
		currency = b.currency
	}
	return b.buildPayment(cart.CartID, cart.TotalPrice, currency, paymentToken)
}

func (b *Builder) buildPayment(cartID string, amount float64, currency, paymentToken string) (*PaymentMandate, error) {
	var errs []string
	if strings.TrimSpace(cartID) == "" {
		errs = append(errs, "Missing cart_id")
	}
	if !positiveAmount(amount) {
		errs = append(errs, "Invalid amount")
	}
	if strings.TrimSpace(paymentToken) == "" {
		errs = append(errs, "Missing payment_token")
	}
	if err := newResult(errs).Err("PaymentMandate"); err != nil {
		return nil, err
	}

	now := b.now()
	pm := &PaymentMandate{
		MandateID:    b.ids("pay", now),
		CartID:       cartID,
		Amount:       amount,
		Currency:     currency,
		PaymentToken: paymentToken,
		CreatedAt:    now.UTC(),
	}
	sig, err := b.userSigner.Sign(RoleUser, pm.Unsigned())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "sign payment mandate")
	}
	pm.UserSignature = sig
	return pm, nil
}
