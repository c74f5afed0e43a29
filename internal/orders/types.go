// Package orders 在支付成功后保存订单与已授权的支付凭证。
package orders

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"sync/atomic"
	"time"

	xerrors "AP2-Orchestrator/internal/errors"
)

// Status 表示订单状态。
type Status string

const (
	StatusDelivered Status = "DELIVERED"
	StatusCancelled Status = "CANCELLED"
)

// Item 是订单中的一行商品。
type Item struct {
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// Order 是一笔已完成支付的订单。
type Order struct {
	ID            string    `json:"id"`
	UserIdentity  string    `json:"user_identity"`
	CreatedAt     time.Time `json:"created_at"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
	Items         []Item    `json:"items"`
	Status        Status    `json:"status"`
	PaymentMethod string    `json:"payment_method"`
	ReceiptID     string    `json:"receipt_id"`
	CartID        string    `json:"cart_id"`
	MandateID     string    `json:"mandate_id"`
}

// Credential 是用户最近一次授权的支付方式。
type Credential struct {
	UserIdentity string    `json:"user_identity"`
	Alias        string    `json:"alias"`
	Token        string    `json:"token"`
	Brand        string    `json:"brand,omitempty"`
	Last4        string    `json:"last4,omitempty"`
	AuthorizedAt time.Time `json:"authorized_at"`
}

// Store 定义订单与凭证的持久化接口。
type Store interface {
	CreateOrder(ctx context.Context, o *Order) error
	ListOrders(ctx context.Context, user string, limit int) ([]Order, error)
	CancelOrder(ctx context.Context, id string) error
	SaveCredential(ctx context.Context, c Credential) error
	GetCredential(ctx context.Context, user string) (*Credential, error)
	RevokeCredential(ctx context.Context, user string) error
	Close() error
}

// DefaultListLimit 是 ListOrders 的默认条数。
const DefaultListLimit = 50

var (
	// ErrOrderNotFound 表示订单不存在。
	ErrOrderNotFound = xerrors.New(xerrors.CodeNotFound, "order not found")
	// ErrOrderExists 表示订单 ID 冲突。
	ErrOrderExists = xerrors.New(xerrors.CodeConflict, "order already exists")
	// ErrCredentialNotFound 表示用户没有已保存的凭证。
	ErrCredentialNotFound = xerrors.New(xerrors.CodeNotFound, "credential not found")
)

var orderSeq atomic.Uint64

// NewOrderID 生成 "ORD-<毫秒>-<序号>" 形式的订单号。
func NewOrderID(now time.Time) string {
	return fmt.Sprintf("ORD-%d-%d", now.UnixMilli(), orderSeq.Add(1))
}

var last4Pattern = regexp.MustCompile(`(\d{4})\s*$`)

// Last4 从支付方式别名末尾提取卡号后四位。
func Last4(alias string) string {
	m := last4Pattern.FindStringSubmatch(alias)
	if len(m) != 2 {
		return ""
	}
	return m[1]
}

func cloneOrder(o Order) Order {
	o.Items = slices.Clone(o.Items)
	return o
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return min(limit, 500)
}
