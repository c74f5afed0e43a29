package checkout

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"

	xerrors "AP2-Orchestrator/internal/errors"
	"AP2-Orchestrator/internal/orchestrator"
)

var sessionCols = []string{"id", "items", "user_identity", "payment_alias", "status", "step", "challenge", "attempts", "max_attempts",
	"last_error", "error_code", "receipt", "cart_id", "mandate_id", "amount", "currency", "created_at", "updated_at"}

func newMockMySQLStore(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS checkout_sessions")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS checkout_steps")).WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewMySQLStoreWithDB(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	store.now = func() time.Time { return time.Unix(1700000000, 0) }
	return store, mock
}

func TestMySQLStoreCreateConflict(t *testing.T) {
	store, mock := newMockMySQLStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkout_sessions")).
		WithArgs("s1", `[{"name":"Coca Cola","quantity":2}]`, orchestrator.DefaultUserIdentity, orchestrator.DefaultPaymentAlias,
			StatusPending, 0, 2, int64(1700000000), int64(1700000000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkout_sessions")).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	if err := store.Create(context.Background(), newSession("s1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := store.Create(context.Background(), newSession("s1")); !errors.Is(err, ErrSessionConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLStoreGetDecodesColumns(t *testing.T) {
	store, mock := newMockMySQLStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM checkout_sessions WHERE id = ?")).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(sessionCols).AddRow(
			"s1", `[{"name":"Coca Cola","quantity":2}]`, "u", "alias", "awaiting_otp", "PROCESSING",
			`{"transaction_id":"s1","message":"otp"}`, 1, 1, nil, "", nil, "", "", 0.0, "", int64(1), int64(2)))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT state, line, at_ms FROM checkout_steps")).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"state", "line", "at_ms"}).
			AddRow("IDENTIFYING", "Contacting Merchant", int64(1700000000000)))

	got, err := store.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != StatusAwaitingOTP || got.Challenge == nil || got.Challenge.Message != "otp" {
		t.Fatalf("unexpected session: %+v", got)
	}
	if len(got.Steps) != 1 || got.Steps[0].State != orchestrator.StateIdentifying || got.Step != orchestrator.StateProcessing {
		t.Fatalf("unexpected steps: %+v", got.Steps)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLStoreGetNotFound(t *testing.T) {
	store, mock := newMockMySQLStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM checkout_sessions WHERE id = ?")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(sessionCols))
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMySQLStoreClaimCompleted(t *testing.T) {
	store, mock := newMockMySQLStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE checkout_sessions")).
		WithArgs(StatusRunning, int64(1700000000), "s1", StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM checkout_sessions WHERE id = ?")).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(sessionCols).AddRow(
			"s1", `[]`, "u", "alias", "succeeded", "SUCCESS", nil, 1, 1, nil, "",
			`{"id":"rcpt_1","amount":80}`, "cart_1", "pay_1", 80.0, "INR", int64(1), int64(2)))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT state, line, at_ms FROM checkout_steps")).
		WillReturnRows(sqlmock.NewRows([]string{"state", "line", "at_ms"}))

	got, err := store.Claim(context.Background(), "s1")
	if !errors.Is(err, ErrSessionCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}
	if got.Receipt == nil || got.Receipt.ID != "rcpt_1" {
		t.Fatalf("expected receipt to be decoded: %+v", got)
	}
}

func TestMySQLStoreAppendStepAndFail(t *testing.T) {
	store, mock := newMockMySQLStore(t)
	at := time.UnixMilli(1700000000500)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE checkout_sessions SET step = ?")).
		WithArgs("IDENTIFYING", int64(1700000000), "s1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkout_steps")).
		WithArgs("s1", "IDENTIFYING", "Contacting Merchant", at.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE checkout_sessions SET status = ?, challenge = NULL")).
		WithArgs(StatusFailed, "declined", string(xerrors.CodeDeclined), int64(1700000000), "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	if err := store.AppendStep(ctx, "s1", orchestrator.Step{State: orchestrator.StateIdentifying, Line: "Contacting Merchant", At: at}); err != nil {
		t.Fatalf("append step failed: %v", err)
	}
	if err := store.MarkFailed(ctx, "missing", xerrors.CodeDeclined, "declined", true); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLStoreStats(t *testing.T) {
	store, mock := newMockMySQLStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM checkout_sessions WHERE status IN (?) AND user_identity = ?")).
		WithArgs("pending", "running", "awaiting_otp", "succeeded", "failed", "failed", "u").
		WillReturnRows(sqlmock.NewRows([]string{"total", "pending", "running", "awaiting_otp", "succeeded", "failed", "oldest", "newest"}).
			AddRow(2, 0, 0, 0, 0, 2, int64(10), int64(20)))

	stats, err := store.Stats(context.Background(), ListOptions{Statuses: []Status{StatusFailed}, UserIdentity: "u"})
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Failed != 2 || stats.NewestUpdatedAt != 20 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
