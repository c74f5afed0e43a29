package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	xerrors "AP2-Orchestrator/internal/errors"
)

// 支持的 SQL 方言。
const (
	DialectMySQL    = "mysql"
	DialectPostgres = "postgres"
)

// Config 描述 SQL 订单存储的连接参数。
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// SQLStore 使用 MySQL 或 PostgreSQL 保存订单与凭证。
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// OpenSQLStore 建立连接池并执行迁移。
func OpenSQLStore(ctx context.Context, cfg Config) (*SQLStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store, err := NewSQLStore(ctx, db, cfg.Driver)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore 基于已有连接创建存储并执行迁移。
func NewSQLStore(ctx context.Context, db *sql.DB, dialect string) (*SQLStore, error) {
	dialect = strings.ToLower(strings.TrimSpace(dialect))
	if dialect != DialectMySQL && dialect != DialectPostgres {
		return nil, xerrors.New(xerrors.CodeConfiguration, "不支持的订单存储驱动: "+dialect)
	}
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.runMigrations(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func openDatabase(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "订单存储 DSN 不能为空")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接订单数据库失败")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到订单数据库")
	}
	return db, nil
}

// bind 将 ? 占位符改写为 PostgreSQL 的 $n 形式。
func (s *SQLStore) bind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var pqErr *pq.Error
	if stdErrors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// CreateOrder 写入订单。
func (s *SQLStore) CreateOrder(ctx context.Context, o *Order) error {
	if o == nil || o.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "订单 ID 不能为空")
	}
	items, err := json.Marshal(o.Items)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码订单商品失败")
	}
	const stmt = `INSERT INTO orders
        (id, user_identity, amount, currency, items, status, payment_method, receipt_id, cart_id, mandate_id, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, s.bind(stmt),
		o.ID,
		o.UserIdentity,
		decimal.NewFromFloat(o.Amount).Round(2),
		o.Currency,
		string(items),
		string(o.Status),
		o.PaymentMethod,
		o.ReceiptID,
		o.CartID,
		o.MandateID,
		o.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrOrderExists
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入订单失败")
	}
	return nil
}

// ListOrders 按创建时间倒序返回用户的订单。
func (s *SQLStore) ListOrders(ctx context.Context, user string, limit int) ([]Order, error) {
	query := `SELECT id, user_identity, amount, currency, items, status, payment_method, receipt_id, cart_id, mandate_id, created_at
        FROM orders`
	var args []any
	if user != "" {
		query += ` WHERE user_identity = ?`
		args = append(args, user)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询订单失败")
	}
	defer rows.Close()

	out := make([]Order, 0)
	for rows.Next() {
		var (
			o         Order
			amount    decimal.Decimal
			items     string
			status    string
			createdMs int64
		)
		if err := rows.Scan(&o.ID, &o.UserIdentity, &amount, &o.Currency, &items, &status,
			&o.PaymentMethod, &o.ReceiptID, &o.CartID, &o.MandateID, &createdMs); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析订单失败")
		}
		if err := json.Unmarshal([]byte(items), &o.Items); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析订单商品失败")
		}
		o.Amount = amount.InexactFloat64()
		o.Status = Status(status)
		o.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历订单失败")
	}
	return out, nil
}

// CancelOrder 将订单状态改为 CANCELLED。
func (s *SQLStore) CancelOrder(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.bind(`UPDATE orders SET status = ? WHERE id = ?`), string(StatusCancelled), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "取消订单失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// SaveCredential 以用户为键写入或覆盖凭证。
func (s *SQLStore) SaveCredential(ctx context.Context, c Credential) error {
	if c.UserIdentity == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "用户标识不能为空")
	}
	stmt := `INSERT INTO credentials (user_identity, alias, token, brand, last4, authorized_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE alias = VALUES(alias), token = VALUES(token), brand = VALUES(brand),
        last4 = VALUES(last4), authorized_at = VALUES(authorized_at)`
	if s.dialect == DialectPostgres {
		stmt = `INSERT INTO credentials (user_identity, alias, token, brand, last4, authorized_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT (user_identity) DO UPDATE SET alias = EXCLUDED.alias, token = EXCLUDED.token,
        brand = EXCLUDED.brand, last4 = EXCLUDED.last4, authorized_at = EXCLUDED.authorized_at`
	}
	if _, err := s.db.ExecContext(ctx, s.bind(stmt),
		c.UserIdentity, c.Alias, c.Token, c.Brand, c.Last4, c.AuthorizedAt.UnixMilli()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存凭证失败")
	}
	return nil
}

// GetCredential 返回用户已保存的凭证。
func (s *SQLStore) GetCredential(ctx context.Context, user string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT user_identity, alias, token, brand, last4, authorized_at
        FROM credentials WHERE user_identity = ?`), user)
	var (
		c  Credential
		at int64
	)
	if err := row.Scan(&c.UserIdentity, &c.Alias, &c.Token, &c.Brand, &c.Last4, &at); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询凭证失败")
	}
	c.AuthorizedAt = time.UnixMilli(at).UTC()
	return &c, nil
}

// RevokeCredential 删除用户已保存的凭证。
func (s *SQLStore) RevokeCredential(ctx context.Context, user string) error {
	res, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM credentials WHERE user_identity = ?`), user)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除凭证失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*SQLStore)(nil)
