package mandate

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind 标识三类授权凭证。
type Kind string

const (
	KindIntent  Kind = "intent"
	KindCart    Kind = "cart"
	KindPayment Kind = "payment"
)

// 凭证在 A2A DataPart 中使用的内容类型。
const (
	MimeIntentMandate  = "application/vnd.ap2.intentmandate+json"
	MimeCartMandate    = "application/vnd.ap2.cartmandate+json"
	MimePaymentMandate = "application/vnd.ap2.paymentmandate+json"
)

// 约定的有效期与退款窗口。
const (
	DefaultValidForSeconds      = 900
	DefaultRefundableForSeconds = 30 * 24 * 60 * 60
	DefaultCurrency             = "USD"
)

// Mandate 是三类凭证的封闭联合类型，只能由本包内的类型实现。
type Mandate interface {
	Kind() Kind
	sealed()
}

// IntentMandate 描述用户的购物意图。
type IntentMandate struct {
	IntentID    string   `json:"intent_id"`
	UserIntent  string   `json:"user_intent"`
	Categories  []string `json:"categories,omitempty"`
	BudgetLimit *float64 `json:"budget_limit,omitempty"`
	Currency    string   `json:"currency"`
}

// CartItem 是购物车中的一行商品。
type CartItem struct {
	ProductID string  `json:"product_id"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
	Name      string  `json:"name,omitempty"`
}

// CartMandate 是商户签名的报价。
type CartMandate struct {
	CartID               string     `json:"cart_id"`
	MerchantID           string     `json:"merchant_id"`
	Items                []CartItem `json:"items"`
	TotalPrice           float64    `json:"total_price"`
	Currency             string     `json:"currency"`
	ValidForSeconds      int        `json:"valid_for_seconds"`
	RefundableForSeconds int        `json:"refundable_for_seconds"`
	MerchantSignature    string     `json:"merchant_signature"`
	CreatedAt            time.Time  `json:"created_at,omitzero"`
}

// PaymentMandate 是用户签名的付款授权。
type PaymentMandate struct {
	MandateID     string    `json:"mandate_id"`
	CartID        string    `json:"cart_id"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
	PaymentToken  string    `json:"payment_token"`
	UserSignature string    `json:"user_signature"`
	CreatedAt     time.Time `json:"created_at,omitzero"`
}

// Receipt 是支付处理方返回的成交凭据。
type Receipt struct {
	ID        string  `json:"id"`
	Amount    float64 `json:"amount"`
	Merchant  string  `json:"merchant,omitempty"`
	CardBrand string  `json:"card_brand,omitempty"`
}

func (IntentMandate) Kind() Kind  { return KindIntent }
func (CartMandate) Kind() Kind    { return KindCart }
func (PaymentMandate) Kind() Kind { return KindPayment }

func (IntentMandate) sealed()  {}
func (CartMandate) sealed()    {}
func (PaymentMandate) sealed() {}

// Unsigned 返回去掉商户签名后的副本，作为签名与验签的原文。
func (c CartMandate) Unsigned() CartMandate {
	c.MerchantSignature = ""
	c.Items = append([]CartItem(nil), c.Items...)
	return c
}

// Unsigned 返回去掉用户签名后的副本。
func (p PaymentMandate) Unsigned() PaymentMandate {
	p.UserSignature = ""
	return p
}

// MimeType 返回凭证类型对应的内容类型。
func MimeType(kind Kind) string {
	switch kind {
	case KindIntent:
		return MimeIntentMandate
	case KindCart:
		return MimeCartMandate
	case KindPayment:
		return MimePaymentMandate
	default:
		return "application/json"
	}
}

// KindOf 根据内容类型判断凭证类型。
func KindOf(mimeType string) (Kind, bool) {
	switch mimeType {
	case MimeIntentMandate:
		return KindIntent, true
	case MimeCartMandate:
		return KindCart, true
	case MimePaymentMandate:
		return KindPayment, true
	default:
		return "", false
	}
}

// Decode 按内容类型解析凭证，返回指针类型的具体凭证。
func Decode(mimeType string, raw []byte) (Mandate, error) {
	kind, ok := KindOf(mimeType)
	if !ok {
		return nil, fmt.Errorf("unsupported mandate content type %q", mimeType)
	}
	var target Mandate
	switch kind {
	case KindIntent:
		target = &IntentMandate{}
	case KindCart:
		target = &CartMandate{}
	case KindPayment:
		target = &PaymentMandate{}
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("decode %s mandate: %w", kind, err)
	}
	return target, nil
}
