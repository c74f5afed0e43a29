package orders

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AP2-Orchestrator/internal/errors"
	"AP2-Orchestrator/internal/mandate"
	"AP2-Orchestrator/pkg/logger"
)

// Completion 汇总一笔成功交易中需要落库的数据。
type Completion struct {
	SessionID    string
	UserIdentity string
	PaymentAlias string
	Cart         *mandate.CartMandate
	Payment      *mandate.PaymentMandate
	Receipt      *mandate.Receipt
}

// Recorder 在支付成功后生成订单并更新用户凭证。
type Recorder struct {
	store Store
	now   func() time.Time
}

// NewRecorder 创建 Recorder。
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// Record 根据已校验的报价与收据创建订单，再写入新授权的凭证。
func (r *Recorder) Record(ctx context.Context, c Completion) (*Order, error) {
	if r == nil || r.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "订单存储未初始化")
	}
	if c.Cart == nil || c.Receipt == nil || c.Receipt.ID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少报价或收据，无法生成订单")
	}
	now := r.now().UTC()

	items := make([]Item, 0, len(c.Cart.Items))
	for _, it := range c.Cart.Items {
		name := strings.TrimSpace(it.Name)
		if name == "" {
			name = it.ProductID
		}
		items = append(items, Item{Name: name, Quantity: it.Quantity, Price: it.Price})
	}

	amount := decimal.NewFromFloat(c.Receipt.Amount)
	if amount.IsZero() {
		amount = mandate.ItemsTotal(c.Cart.Items)
	}
	currency := c.Cart.Currency
	order := &Order{
		ID:            NewOrderID(now),
		UserIdentity:  c.UserIdentity,
		CreatedAt:     now,
		Amount:        amount.Round(2).InexactFloat64(),
		Currency:      currency,
		Items:         items,
		Status:        StatusDelivered,
		PaymentMethod: c.PaymentAlias,
		ReceiptID:     c.Receipt.ID,
		CartID:        c.Cart.CartID,
	}
	if c.Payment != nil {
		order.MandateID = c.Payment.MandateID
		if c.Payment.Currency != "" {
			order.Currency = c.Payment.Currency
		}
	}
	if err := r.store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	if c.Payment != nil && c.Payment.PaymentToken != "" && c.UserIdentity != "" {
		cred := Credential{
			UserIdentity: c.UserIdentity,
			Alias:        c.PaymentAlias,
			Token:        c.Payment.PaymentToken,
			Brand:        c.Receipt.CardBrand,
			Last4:        Last4(c.PaymentAlias),
			AuthorizedAt: now,
		}
		if err := r.store.SaveCredential(ctx, cred); err != nil {
			// 订单已写入，凭证失败只记录日志。
			logger.L().Warn("保存支付凭证失败",
				slog.String("user_identity", c.UserIdentity),
				slog.String("order_id", order.ID),
				slog.Any("error", err))
		}
	}
	logger.Audit().Info("订单已生成",
		slog.String("order_id", order.ID),
		slog.String("session_id", c.SessionID),
		slog.String("receipt_id", order.ReceiptID),
		slog.Float64("amount", order.Amount),
		slog.String("currency", order.Currency),
	)
	return order, nil
}
