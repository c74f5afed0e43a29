package mandate

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AP2-Orchestrator/internal/errors"
)

func fixedBuilder(t *testing.T, opts ...BuilderOption) *Builder {
	t.Helper()
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seq := 0
	base := []BuilderOption{
		WithClock(func() time.Time { return clock }),
		WithIDSource(func(prefix string, _ time.Time) string {
			seq++
			return prefix + "_" + strings.Repeat("x", seq)
		}),
	}
	return NewBuilder(append(base, opts...)...)
}

func TestBuildIntentMandate(t *testing.T) {
	b := fixedBuilder(t)
	budget := 1000.0

	m, err := b.BuildIntentMandate("Purchase 2 items", &budget)
	require.NoError(t, err)
	assert.Equal(t, "intent_x", m.IntentID)
	assert.Equal(t, "USD", m.Currency)
	require.NotNil(t, m.BudgetLimit)
	assert.Equal(t, 1000.0, *m.BudgetLimit)
	assert.True(t, ValidateIntentMandate(m).Valid)

	budget = 5
	assert.Equal(t, 1000.0, *m.BudgetLimit, "builder must copy the budget")

	_, err = b.BuildIntentMandate("  ", nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(err))

	negative := -1.0
	_, err = b.BuildIntentMandate("", &negative)
	assert.Equal(t, []string{"Invalid user_intent", "Invalid budget_limit"}, xerrors.ProblemsOf(err))
}

func TestBuildCartMandate(t *testing.T) {
	b := fixedBuilder(t, WithCurrency("inr"))
	items := []CartItem{
		{ProductID: "p1", Quantity: 2, Price: 4.99, Name: "Tomato"},
		{ProductID: "p2", Quantity: 1, Price: 9.00},
	}

	cart, err := b.BuildCartMandate(items, "merchant_agent_01", 18.98)
	require.NoError(t, err)
	assert.Equal(t, "cart_x", cart.CartID)
	assert.Equal(t, "INR", cart.Currency)
	assert.Equal(t, 900, cart.ValidForSeconds)
	assert.Equal(t, 2592000, cart.RefundableForSeconds)
	assert.True(t, strings.HasPrefix(cart.MerchantSignature, "sig_merchant_"))
	assert.False(t, cart.CreatedAt.IsZero())
	assert.True(t, ValidateCartMandate(cart).Valid)

	items[0].Quantity = 50
	assert.Equal(t, 2, cart.Items[0].Quantity, "builder must copy items")
}

func TestBuildCartMandateRejectsMismatchedTotal(t *testing.T) {
	b := fixedBuilder(t)
	_, err := b.BuildCartMandate([]CartItem{{ProductID: "p1", Quantity: 2, Price: 4.99}}, "m1", 10.00)
	require.Error(t, err)
	assert.Contains(t, xerrors.ProblemsOf(err), "total_price does not match item sum")

	_, err = b.BuildCartMandate(nil, "", 0)
	assert.Equal(t, []string{"Cart is empty", "Missing merchant_id", "Invalid total_price"}, xerrors.ProblemsOf(err))
}

func TestBuildPaymentMandateFor(t *testing.T) {
	b := fixedBuilder(t)
	cart, err := b.BuildCartMandate([]CartItem{{ProductID: "p1", Quantity: 1, Price: 38}}, "m1", 38)
	require.NoError(t, err)
	cart.Currency = "INR"

	pm, err := b.BuildPaymentMandateFor(cart, "tok_ap2_abc")
	require.NoError(t, err)
	assert.Equal(t, cart.CartID, pm.CartID)
	assert.Equal(t, cart.TotalPrice, pm.Amount)
	assert.Equal(t, "INR", pm.Currency)
	assert.True(t, strings.HasPrefix(pm.UserSignature, "sig_user_"))
	assert.True(t, ValidatePaymentMandate(pm).Valid)
	assert.True(t, CheckPaymentAgainstCart(pm, cart).Valid)

	_, err = b.BuildPaymentMandate("", 0, "")
	assert.Equal(t, []string{"Missing cart_id", "Invalid amount", "Missing payment_token"}, xerrors.ProblemsOf(err))
}

func TestBuilderSignerFailure(t *testing.T) {
	boom := errors.New("hsm offline")
	b := fixedBuilder(t, WithUserSigner(SignerFunc(func(string, any) (string, error) { return "", boom })))

	_, err := b.BuildPaymentMandate("cart_1", 10, "tok")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestDecodeDispatchesOnMimeType(t *testing.T) {
	raw, err := json.Marshal(PaymentMandate{MandateID: "pay_1", CartID: "cart_1", Amount: 5, PaymentToken: "tok"})
	require.NoError(t, err)

	m, err := Decode(MimePaymentMandate, raw)
	require.NoError(t, err)
	pm, ok := m.(*PaymentMandate)
	require.True(t, ok)
	assert.Equal(t, KindPayment, pm.Kind())
	assert.Equal(t, "pay_1", pm.MandateID)

	// 同样的字节按购物车类型解析时不会被“猜”成付款授权。
	m, err = Decode(MimeCartMandate, raw)
	require.NoError(t, err)
	assert.Equal(t, KindCart, m.Kind())

	_, err = Decode("application/json", raw)
	assert.Error(t, err)
	assert.Equal(t, MimeIntentMandate, MimeType(KindIntent))
}
