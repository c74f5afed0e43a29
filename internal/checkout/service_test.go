package checkout

import (
	"context"
	"errors"
	"testing"

	xerrors "AP2-Orchestrator/internal/errors"
	"AP2-Orchestrator/internal/orchestrator"
)

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error { return errors.New("broker down") }
func (failingProducer) Close() error                          { return nil }

func TestServiceSubmitValidation(t *testing.T) {
	svc := NewService(NewMemoryStore(), NewMemoryQueue(1))
	_, err := svc.Submit(context.Background(), SubmitRequest{})
	if xerrors.CodeOf(err) != CodeSessionValidation || xerrors.MessageOf(err) != "No items selected" {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = svc.Submit(context.Background(), SubmitRequest{Items: []orchestrator.LineSelection{{Name: "", Quantity: 0}}})
	if len(xerrors.ProblemsOf(err)) != 2 {
		t.Fatalf("expected two problems, got %v", xerrors.ProblemsOf(err))
	}
}

func TestServiceSubmitDefaultsAndIdempotency(t *testing.T) {
	queue := NewMemoryQueue(4)
	svc := NewService(NewMemoryStore(), queue, WithMaxAttempts(3))
	ctx := context.Background()
	req := SubmitRequest{ID: "fixed", Items: []orchestrator.LineSelection{{Name: "Coca Cola", Quantity: 1}}}

	first, err := svc.Submit(ctx, req)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if first.UserIdentity != orchestrator.DefaultUserIdentity || first.PaymentAlias != orchestrator.DefaultPaymentAlias || first.MaxAttempts != 3 {
		t.Fatalf("defaults not applied: %+v", first)
	}
	second, err := svc.Submit(ctx, req)
	if err != nil || second.ID != "fixed" {
		t.Fatalf("expected existing session, got %+v, %v", second, err)
	}
	if len(queue.ch) != 1 {
		t.Fatalf("expected a single publish, got %d", len(queue.ch))
	}
}

func TestServiceSubmitPublishFailure(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, failingProducer{})
	_, err := svc.Submit(context.Background(), SubmitRequest{ID: "s1", Items: []orchestrator.LineSelection{{Name: "x", Quantity: 1}}})
	if xerrors.CodeOf(err) != CodeSessionPublish {
		t.Fatalf("expected publish error, got %v", err)
	}
	got, _ := store.Get(context.Background(), "s1")
	if got.Status != StatusFailed {
		t.Fatalf("expected failed status, got %s", got.Status)
	}
}

func TestServiceChallengeRequiresPendingPrompt(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, NewMemoryQueue(1))
	ctx := context.Background()
	_, _ = svc.Submit(ctx, SubmitRequest{ID: "s1", Items: []orchestrator.LineSelection{{Name: "x", Quantity: 1}}})

	if err := svc.AnswerChallenge(ctx, "s1", "123456"); !errors.Is(err, ErrNoChallenge) {
		t.Fatalf("expected no challenge, got %v", err)
	}
	if err := svc.AnswerChallenge(ctx, "s1", " "); xerrors.CodeOf(err) != CodeSessionValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := svc.DeclineChallenge(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	_ = store.SetChallenge(ctx, "s1", &orchestrator.Challenge{TransactionID: "s1"})
	p := svc.Hub().Open("s1")
	if err := svc.AnswerChallenge(ctx, "s1", "123456"); err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	if err := svc.AnswerChallenge(ctx, "s1", "654321"); !errors.Is(err, ErrSessionConflict) {
		t.Fatalf("expected conflict for unconsumed answer, got %v", err)
	}
	code, err := p.PromptOTP(ctx, orchestrator.Challenge{})
	if err != nil || code != "123456" {
		t.Fatalf("unexpected prompt result %q %v", code, err)
	}
}

func TestServiceAuditLogEmptyUntilRun(t *testing.T) {
	svc := NewService(NewMemoryStore(), NewMemoryQueue(1))
	ctx := context.Background()
	_, _ = svc.Submit(ctx, SubmitRequest{ID: "s1", Items: []orchestrator.LineSelection{{Name: "x", Quantity: 1}}})
	entries, err := svc.AuditLog(ctx, "s1")
	if err != nil || len(entries) != 0 {
		t.Fatalf("expected empty audit log, got %v %v", entries, err)
	}
	if _, err := svc.AuditLog(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAuditBookEvictsOldest(t *testing.T) {
	book := NewAuditBook(2)
	book.Put("a", nil)
	book.Put("b", nil)
	book.Put("c", nil)
	if _, ok := book.Get("a"); ok {
		t.Fatalf("expected a to be evicted")
	}
	if _, ok := book.Get("c"); !ok {
		t.Fatalf("expected c to be retained")
	}
}

func TestRecoverRequeuesAndInterrupts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	svc := NewService(store, queue)
	for _, id := range []string{"pending", "running", "waiting"} {
		if err := store.Create(ctx, &Session{ID: id, Items: []orchestrator.LineSelection{{Name: "Coca Cola", Quantity: 1}}, Status: StatusPending, MaxAttempts: 1}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, err := store.Claim(ctx, "running"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.Claim(ctx, "waiting"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.SetChallenge(ctx, "waiting", &orchestrator.Challenge{TransactionID: "waiting"}); err != nil {
		t.Fatalf("challenge: %v", err)
	}

	report, err := svc.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(report.Requeued) != 1 || report.Requeued[0] != "pending" {
		t.Fatalf("unexpected requeue %v", report.Requeued)
	}
	if len(report.Interrupted) != 2 {
		t.Fatalf("unexpected interrupted %v", report.Interrupted)
	}
	if len(queue.ch) != 1 {
		t.Fatalf("expected one queued session, got %d", len(queue.ch))
	}
	for _, id := range report.Interrupted {
		s, _ := svc.Get(ctx, id)
		if s.Status != StatusFailed || s.ErrorCode != string(CodeSessionInterrupted) {
			t.Fatalf("session %s not interrupted: %+v", id, s)
		}
	}
}

// staleQueue 模拟记录在途消息的队列。
type staleQueue struct {
	*MemoryQueue
	stale int
	reset bool
}

func (q *staleQueue) ResetInFlight(context.Context) (int, error) {
	q.reset = true
	return q.stale, nil
}

func TestRecoverResetsInFlight(t *testing.T) {
	queue := &staleQueue{MemoryQueue: NewMemoryQueue(1), stale: 2}
	svc := NewService(NewMemoryStore(), queue)
	report, err := svc.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !queue.reset || report.StaleInFlight != 2 {
		t.Fatalf("in-flight entries not reset: %+v", report)
	}
}
