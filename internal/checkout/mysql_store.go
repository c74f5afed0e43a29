package checkout

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AP2-Orchestrator/internal/errors"
	"AP2-Orchestrator/internal/mandate"
	"AP2-Orchestrator/internal/orchestrator"
)

// MySQLStore 使用 MySQL 记录会话状态，进度记录保存在独立的 checkout_steps 表中。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}
	store, err := NewMySQLStoreWithDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewMySQLStoreWithDB 基于已有连接创建 MySQLStore 并初始化表结构。
func NewMySQLStoreWithDB(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	store := &MySQLStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const sessions = `CREATE TABLE IF NOT EXISTS checkout_sessions (
        id VARCHAR(64) PRIMARY KEY,
        items TEXT NOT NULL,
        user_identity VARCHAR(255) NOT NULL,
        payment_alias VARCHAR(255) NOT NULL,
        status VARCHAR(32) NOT NULL,
        step VARCHAR(32) DEFAULT '',
        challenge TEXT,
        attempts INT NOT NULL DEFAULT 0,
        max_attempts INT NOT NULL DEFAULT 1,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        receipt TEXT,
        cart_id VARCHAR(64) DEFAULT '',
        mandate_id VARCHAR(64) DEFAULT '',
        amount DOUBLE NOT NULL DEFAULT 0,
        currency VARCHAR(8) DEFAULT '',
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_checkout_status (status),
        INDEX idx_checkout_updated (updated_at),
        INDEX idx_checkout_user (user_identity)
)`
	const steps = `CREATE TABLE IF NOT EXISTS checkout_steps (
        seq BIGINT AUTO_INCREMENT PRIMARY KEY,
        session_id VARCHAR(64) NOT NULL,
        state VARCHAR(32) NOT NULL,
        line TEXT NOT NULL,
        at_ms BIGINT NOT NULL,
        INDEX idx_checkout_steps_session (session_id)
)`
	if _, err := s.db.Exec(sessions); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 checkout_sessions 表失败")
	}
	if _, err := s.db.Exec(steps); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 checkout_steps 表失败")
	}
	return nil
}

const sessionColumns = `id, items, user_identity, payment_alias, status, step, challenge, attempts, max_attempts,
        last_error, error_code, receipt, cart_id, mandate_id, amount, currency, created_at, updated_at`

// Create 插入新的会话记录。
func (s *MySQLStore) Create(ctx context.Context, session *Session) error {
	if session == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "session 不能为空")
	}
	if strings.TrimSpace(session.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	if session.Status == "" {
		session.Status = StatusPending
	}
	now := s.now().Unix()
	session.CreatedAt = now
	session.UpdatedAt = now

	items, err := json.Marshal(session.Items)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码会话商品失败")
	}

	const stmt = `INSERT INTO checkout_sessions
        (id, items, user_identity, payment_alias, status, attempts, max_attempts, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		session.ID,
		string(items),
		session.UserIdentity,
		session.PaymentAlias,
		session.Status,
		session.Attempts,
		session.MaxAttempts,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrSessionConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话失败")
	}
	return nil
}

// Get 查询会话及其进度记录。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM checkout_sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}
	steps, err := s.loadSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	session.Steps = steps
	return session, nil
}

func (s *MySQLStore) loadSteps(ctx context.Context, id string) ([]orchestrator.Step, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, line, at_ms FROM checkout_steps WHERE session_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话进度失败")
	}
	defer rows.Close()
	var steps []orchestrator.Step
	for rows.Next() {
		var (
			step orchestrator.Step
			atMs int64
		)
		if err := rows.Scan(&step.State, &step.Line, &atMs); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话进度失败")
		}
		step.At = time.UnixMilli(atMs)
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话进度失败")
	}
	return steps, nil
}

// Claim 使用条件更新抢占待处理会话。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Session, error) {
	const stmt = `UPDATE checkout_sessions
        SET status = ?, attempts = attempts + 1, step = '', challenge = NULL, updated_at = ?
        WHERE id = ? AND status = ? AND (max_attempts = 0 OR attempts < max_attempts)`

	res, err := s.db.ExecContext(ctx, stmt, StatusRunning, s.now().Unix(), id, StatusPending)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取会话失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		switch current.Status {
		case StatusSucceeded:
			return current, ErrSessionCompleted
		case StatusRunning, StatusAwaitingOTP:
			return current, ErrSessionConflict
		default:
			return current, ErrSessionExhausted
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkout_steps WHERE session_id = ?`, id); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理会话进度失败")
	}
	return s.Get(ctx, id)
}

// AppendStep 写入一条进度记录并更新当前阶段。
func (s *MySQLStore) AppendStep(ctx context.Context, id string, step orchestrator.Step) error {
	if err := s.exec(ctx, `UPDATE checkout_sessions SET step = ?, updated_at = ? WHERE id = ?`,
		string(step.State), s.now().Unix(), id); err != nil {
		return err
	}
	at := step.At
	if at.IsZero() {
		at = s.now()
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO checkout_steps (session_id, state, line, at_ms) VALUES (?, ?, ?, ?)`,
		id, string(step.State), step.Line, at.UnixMilli()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话进度失败")
	}
	return nil
}

// SetChallenge 记录或清除待回答的挑战。
func (s *MySQLStore) SetChallenge(ctx context.Context, id string, ch *orchestrator.Challenge) error {
	now := s.now().Unix()
	if ch == nil {
		return s.exec(ctx, `UPDATE checkout_sessions SET challenge = NULL,
        status = CASE WHEN status = ? THEN ? ELSE status END, updated_at = ? WHERE id = ?`,
			StatusAwaitingOTP, StatusRunning, now, id)
	}
	raw, err := json.Marshal(ch)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码挑战失败")
	}
	return s.exec(ctx, `UPDATE checkout_sessions SET challenge = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(raw), StatusAwaitingOTP, now, id)
}

// MarkSucceeded 将会话标记为成功。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, out Outcome) error {
	raw, err := json.Marshal(out.Receipt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码收据失败")
	}
	const stmt = `UPDATE checkout_sessions SET status = ?, receipt = ?, cart_id = ?, mandate_id = ?, amount = ?, currency = ?,
        challenge = NULL, last_error = '', error_code = '', updated_at = ? WHERE id = ?`
	return s.exec(ctx, stmt,
		StatusSucceeded,
		string(raw),
		out.CartID,
		out.MandateID,
		out.Amount,
		out.Currency,
		s.now().Unix(),
		id,
	)
}

// MarkFailed 将会话标记为失败，非终态失败回到待处理。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	status := StatusFailed
	if !terminal {
		status = StatusPending
	}
	const stmt = `UPDATE checkout_sessions SET status = ?, challenge = NULL, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`
	return s.exec(ctx, stmt, status, lastError, string(code), s.now().Unix(), id)
}

func (s *MySQLStore) exec(ctx context.Context, stmt string, args ...any) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新会话失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// List 返回最近的会话，不包含进度记录。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Session, error) {
	opts.normalize()

	query := `SELECT ` + sessionColumns + ` FROM checkout_sessions`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话列表失败")
	}
	defer rows.Close()

	sessions := make([]*Session, 0, opts.Limit)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话记录失败")
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话失败")
	}
	return sessions, nil
}

// Stats 返回符合过滤条件的会话聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.normalize()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS awaiting_otp,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM checkout_sessions`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{string(StatusPending), string(StatusRunning), string(StatusAwaitingOTP), string(StatusSucceeded), string(StatusFailed)}
	args = append(args, filterArgs...)

	var stats Stats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.AwaitingOTP,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		session   Session
		items     string
		step      string
		challenge sql.NullString
		lastError sql.NullString
		receipt   sql.NullString
	)
	if err := row.Scan(
		&session.ID,
		&items,
		&session.UserIdentity,
		&session.PaymentAlias,
		&session.Status,
		&step,
		&challenge,
		&session.Attempts,
		&session.MaxAttempts,
		&lastError,
		&session.ErrorCode,
		&receipt,
		&session.CartID,
		&session.MandateID,
		&session.Amount,
		&session.Currency,
		&session.CreatedAt,
		&session.UpdatedAt,
	); err != nil {
		return nil, err
	}
	session.Step = orchestrator.State(step)
	session.LastError = lastError.String
	if strings.TrimSpace(items) != "" {
		if err := json.Unmarshal([]byte(items), &session.Items); err != nil {
			return nil, fmt.Errorf("decode items: %w", err)
		}
	}
	if challenge.Valid && challenge.String != "" {
		var ch orchestrator.Challenge
		if err := json.Unmarshal([]byte(challenge.String), &ch); err != nil {
			return nil, fmt.Errorf("decode challenge: %w", err)
		}
		session.Challenge = &ch
	}
	if receipt.Valid && receipt.String != "" {
		var r mandate.Receipt
		if err := json.Unmarshal([]byte(receipt.String), &r); err != nil {
			return nil, fmt.Errorf("decode receipt: %w", err)
		}
		session.Receipt = &r
	}
	return &session, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.UpdatedFrom > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedFrom)
	}
	if opts.UpdatedTo > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedTo)
	}
	if opts.UserIdentity != "" {
		conditions = append(conditions, "user_identity = ?")
		args = append(args, opts.UserIdentity)
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
