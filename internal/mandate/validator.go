package mandate

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	xerrors "AP2-Orchestrator/internal/errors"
)

// SignaturePrefix 是所有签名必须携带的前缀。
const SignaturePrefix = "sig_"

// Result 汇总一次校验的全部失败规则。
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

func newResult(errs []string) Result {
	return Result{Valid: len(errs) == 0, Errors: errs}
}

// Err 将校验结果转换为统一的校验错误，subject 用于拼接错误描述。
func (r Result) Err(subject string) error {
	if r.Valid {
		return nil
	}
	return xerrors.New(xerrors.CodeValidation,
		fmt.Sprintf("Invalid %s: %s", subject, strings.Join(r.Errors, ", ")),
		xerrors.WithProblems(r.Errors...),
		xerrors.WithMetadata("subject", subject),
	)
}

// ValidateCartMandate 校验商户报价的结构完整性。
func ValidateCartMandate(m *CartMandate) Result {
	if m == nil {
		return newResult([]string{"Missing cart mandate"})
	}
	var errs []string
	if m.CartID == "" {
		errs = append(errs, "Missing cart_id")
	}
	if m.MerchantID == "" {
		errs = append(errs, "Missing merchant_id")
	}
	if len(m.Items) == 0 {
		errs = append(errs, "Cart is empty")
	}
	if !positiveAmount(m.TotalPrice) {
		errs = append(errs, "Invalid total_price")
	}
	if m.MerchantSignature == "" {
		errs = append(errs, "Missing merchant_signature")
	} else if !strings.HasPrefix(m.MerchantSignature, SignaturePrefix) {
		errs = append(errs, "Invalid signature format")
	}

	itemErrs := itemProblems(m.Items)
	errs = append(errs, itemErrs...)
	if len(itemErrs) == 0 && len(m.Items) > 0 && positiveAmount(m.TotalPrice) && !TotalMatches(m.Items, m.TotalPrice) {
		errs = append(errs, "total_price does not match item sum")
	}
	return newResult(errs)
}

// ValidatePaymentMandate 校验付款授权的结构完整性。
func ValidatePaymentMandate(m *PaymentMandate) Result {
	if m == nil {
		return newResult([]string{"Missing payment mandate"})
	}
	var errs []string
	if m.MandateID == "" {
		errs = append(errs, "Missing mandate_id")
	}
	if m.CartID == "" {
		errs = append(errs, "Missing cart_id")
	}
	if !positiveAmount(m.Amount) {
		errs = append(errs, "Invalid amount")
	}
	if m.PaymentToken == "" {
		errs = append(errs, "Missing payment_token")
	}
	if m.UserSignature == "" {
		errs = append(errs, "Missing user_signature")
	}
	return newResult(errs)
}

// ValidateIntentMandate 校验购物意图。
func ValidateIntentMandate(m *IntentMandate) Result {
	if m == nil {
		return newResult([]string{"Missing intent mandate"})
	}
	var errs []string
	if m.IntentID == "" {
		errs = append(errs, "Missing intent_id")
	}
	if strings.TrimSpace(m.UserIntent) == "" {
		errs = append(errs, "Invalid user_intent")
	}
	if m.BudgetLimit != nil && *m.BudgetLimit <= 0 {
		errs = append(errs, "Invalid budget_limit")
	}
	return newResult(errs)
}

// CheckPaymentAgainstCart 在提交前核对付款授权与报价的一致性。
func CheckPaymentAgainstCart(pm *PaymentMandate, cart *CartMandate) Result {
	if pm == nil || cart == nil {
		return newResult([]string{"Missing mandate for consistency check"})
	}
	var errs []string
	if pm.CartID != cart.CartID {
		errs = append(errs, "cart_id mismatch")
	}
	if !finite(pm.Amount) || !finite(cart.TotalPrice) || !money(pm.Amount).Equal(money(cart.TotalPrice)) {
		errs = append(errs, "amount does not match cart total_price")
	}
	if cart.Currency != "" && pm.Currency != cart.Currency {
		errs = append(errs, "currency mismatch")
	}
	return newResult(errs)
}

// ItemsTotal 返回各行单价乘数量之和，非有限单价按 0 计。
func ItemsTotal(items []CartItem) decimal.Decimal {
	sum := decimal.Zero
	for _, item := range items {
		sum = sum.Add(money(item.Price).Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return sum.Round(2)
}

// TotalMatches 以两位小数比较行合计与声明总价。
func TotalMatches(items []CartItem, total float64) bool {
	return ItemsTotal(items).Equal(money(total))
}

// money 对 NaN 与 ±Inf 返回 0，decimal 无法表示它们。
func money(v float64) decimal.Decimal {
	if !finite(v) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v).Round(2)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func positiveAmount(v float64) bool {
	return finite(v) && v > 0
}

// itemProblems 逐行检查数量与单价。
func itemProblems(items []CartItem) []string {
	var errs []string
	for i, item := range items {
		if item.Quantity < 1 {
			errs = append(errs, fmt.Sprintf("Invalid quantity for item %d", i))
		}
		if item.Price < 0 || !finite(item.Price) {
			errs = append(errs, fmt.Sprintf("Invalid price for item %d", i))
		}
	}
	return errs
}
