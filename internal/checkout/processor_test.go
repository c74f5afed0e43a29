package checkout

import (
	"context"
	"sync"
	"testing"
	"time"

	"AP2-Orchestrator/internal/audit"
	xerrors "AP2-Orchestrator/internal/errors"
	"AP2-Orchestrator/internal/events"
	"AP2-Orchestrator/internal/mandate"
	"AP2-Orchestrator/internal/orchestrator"
	"AP2-Orchestrator/internal/orders"
)

// scriptedRunner 依次返回预设结果，并在需要时索取验证码。
type scriptedRunner struct {
	mu      sync.Mutex
	calls   int
	results []func(req orchestrator.Request) *orchestrator.Result
}

func (r *scriptedRunner) Run(ctx context.Context, req orchestrator.Request) *orchestrator.Result {
	r.mu.Lock()
	fn := r.results[min(r.calls, len(r.results)-1)]
	r.calls++
	r.mu.Unlock()
	return fn(req)
}

func (r *scriptedRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func succeedWithOTP(req orchestrator.Request) *orchestrator.Result {
	started := time.Now()
	req.OnStep(orchestrator.StateIdentifying, "Contacting Merchant")
	req.Audit.Record(audit.Phase1, "Shopping Agent prepared", "Shopping Agent", nil, "")
	code, err := req.Prompter.PromptOTP(context.Background(), orchestrator.Challenge{TransactionID: req.TransactionID, Message: "Step-up authentication required. Please provide OTP."})
	if err != nil || code != "123456" {
		return &orchestrator.Result{TransactionID: req.TransactionID, State: orchestrator.StateFailed, Message: "User cancelled OTP Challenge",
			Err: xerrors.New(xerrors.CodeUserCancelled, "User cancelled OTP Challenge"), StartedAt: started, FinishedAt: time.Now()}
	}
	return success(req)
}

func success(req orchestrator.Request) *orchestrator.Result {
	return &orchestrator.Result{
		TransactionID: req.TransactionID,
		State:         orchestrator.StateSuccess,
		Message:       "Payment Successful!",
		Receipt:       &mandate.Receipt{ID: "rcpt_1", Amount: 80, CardBrand: "visa"},
		Cart:          &mandate.CartMandate{CartID: "cart_1", Currency: "INR", Items: []mandate.CartItem{{ProductID: "p10", Name: "Coca Cola", Quantity: 2, Price: 40}}},
		Payment:       &mandate.PaymentMandate{MandateID: "pay_1", CartID: "cart_1", Amount: 80, Currency: "INR", PaymentToken: "tok_ap2_1"},
		StartedAt:     time.Now(),
		FinishedAt:    time.Now(),
	}
}

func failWith(err error) func(orchestrator.Request) *orchestrator.Result {
	return func(req orchestrator.Request) *orchestrator.Result {
		return &orchestrator.Result{TransactionID: req.TransactionID, State: orchestrator.StateFailed, Message: xerrors.MessageOf(err), Err: err}
	}
}

type captureDispatcher struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureDispatcher) Notify(_ context.Context, e events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureDispatcher) types() []events.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Type, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

type countingMetrics struct {
	mu       sync.Mutex
	outcomes []string
}

func (m *countingMetrics) ObserveTransaction(outcome string, _ xerrors.Code, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

type fixture struct {
	svc        *Service
	runner     *scriptedRunner
	orders     *orders.MemoryStore
	dispatcher *captureDispatcher
	metrics    *countingMetrics
	cancel     context.CancelFunc
}

func startFixture(t *testing.T, maxAttempts int, results ...func(orchestrator.Request) *orchestrator.Result) *fixture {
	t.Helper()
	queue := NewMemoryQueue(8)
	svc := NewService(NewMemoryStore(), queue, WithMaxAttempts(maxAttempts))
	orderStore, err := orders.NewMemoryStore("")
	if err != nil {
		t.Fatalf("orders store: %v", err)
	}
	f := &fixture{
		svc:        svc,
		runner:     &scriptedRunner{results: results},
		orders:     orderStore,
		dispatcher: &captureDispatcher{},
		metrics:    &countingMetrics{},
	}
	proc := NewProcessor(f.runner, svc, queue,
		WithRecorder(orders.NewRecorder(orderStore)),
		WithDispatcher(f.dispatcher),
		WithMetrics(f.metrics),
		WithWorkerCount(2),
	)
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { _ = proc.Start(ctx) }()
	t.Cleanup(cancel)
	return f
}

func (f *fixture) submit(t *testing.T, id string) {
	t.Helper()
	if _, err := f.svc.Submit(context.Background(), SubmitRequest{ID: id, Items: []orchestrator.LineSelection{{Name: "Coca Cola", Quantity: 2}}}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
}

func (f *fixture) wait(t *testing.T, id string) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s, err := f.svc.WaitUntilCompleted(ctx, id, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	return s
}

func waitForStatus(t *testing.T, svc *Service, id string, status Status) *Session {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s, err := svc.Get(context.Background(), id)
		if err == nil && s.Status == status {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never reached %s", id, status)
	return nil
}

func TestProcessorOTPFlowRecordsOrder(t *testing.T) {
	f := startFixture(t, 1, succeedWithOTP)
	f.submit(t, "s1")

	pending := waitForStatus(t, f.svc, "s1", StatusAwaitingOTP)
	if pending.Challenge == nil || pending.Challenge.TransactionID != "s1" {
		t.Fatalf("challenge not exposed: %+v", pending)
	}
	if err := f.svc.AnswerChallenge(context.Background(), "s1", "123456"); err != nil {
		t.Fatalf("answer failed: %v", err)
	}

	done := f.wait(t, "s1")
	if done.Status != StatusSucceeded || done.Receipt == nil || done.Receipt.ID != "rcpt_1" {
		t.Fatalf("unexpected final session: %+v", done)
	}
	if done.CartID != "cart_1" || done.MandateID != "pay_1" || done.Amount != 80 || done.Currency != "INR" {
		t.Fatalf("outcome not persisted: %+v", done)
	}
	if len(done.Steps) != 1 || done.Steps[0].Line != "Contacting Merchant" {
		t.Fatalf("steps not recorded: %+v", done.Steps)
	}

	list, _ := f.orders.ListOrders(context.Background(), orchestrator.DefaultUserIdentity, 10)
	if len(list) != 1 || list[0].ReceiptID != "rcpt_1" {
		t.Fatalf("order not recorded: %+v", list)
	}
	entries, _ := f.svc.AuditLog(context.Background(), "s1")
	if len(entries) != 1 || entries[0].Stage != audit.Phase1 {
		t.Fatalf("audit log not retained: %+v", entries)
	}

	types := f.dispatcher.types()
	if len(types) != 2 || types[0] != events.TypeChallengeRequired || types[1] != events.TypeOrderCompleted {
		t.Fatalf("unexpected events: %v", types)
	}
}

func TestProcessorDeclinedChallenge(t *testing.T) {
	f := startFixture(t, 1, succeedWithOTP)
	f.submit(t, "s1")
	waitForStatus(t, f.svc, "s1", StatusAwaitingOTP)
	if err := f.svc.DeclineChallenge(context.Background(), "s1"); err != nil {
		t.Fatalf("decline failed: %v", err)
	}
	done := f.wait(t, "s1")
	if done.Status != StatusFailed || done.ErrorCode != string(xerrors.CodeUserCancelled) || done.LastError != "User cancelled OTP Challenge" {
		t.Fatalf("unexpected final session: %+v", done)
	}
}

func TestProcessorRetriesRetryableFailures(t *testing.T) {
	f := startFixture(t, 2,
		failWith(xerrors.New(xerrors.CodeTransport, "Merchant Agent rejected the request")),
		success,
	)
	f.submit(t, "s1")
	done := f.wait(t, "s1")
	if done.Status != StatusSucceeded || done.Attempts != 2 {
		t.Fatalf("expected success on second attempt: %+v", done)
	}
	if f.runner.Calls() != 2 {
		t.Fatalf("expected two runs, got %d", f.runner.Calls())
	}
}

func TestProcessorDoesNotRetryByDefault(t *testing.T) {
	f := startFixture(t, 1, failWith(xerrors.New(xerrors.CodeTransport, "Merchant Agent rejected the request")), success)
	f.submit(t, "s1")
	done := f.wait(t, "s1")
	if done.Status != StatusFailed || done.Attempts != 1 {
		t.Fatalf("expected terminal failure: %+v", done)
	}
	types := f.dispatcher.types()
	if len(types) != 1 || types[0] != events.TypeCheckoutFailed {
		t.Fatalf("unexpected events: %v", types)
	}
}

func TestProcessorDeclineIsTerminal(t *testing.T) {
	f := startFixture(t, 3, failWith(xerrors.New(xerrors.CodeDeclined, "Payment Processor declined the transaction")), success)
	f.submit(t, "s1")
	done := f.wait(t, "s1")
	if done.Status != StatusFailed || done.Attempts != 1 || done.ErrorCode != string(xerrors.CodeDeclined) {
		t.Fatalf("decline must not be retried: %+v", done)
	}
	f.metrics.mu.Lock()
	defer f.metrics.mu.Unlock()
	if len(f.metrics.outcomes) != 1 || f.metrics.outcomes[0] != string(orchestrator.StateFailed) {
		t.Fatalf("unexpected metrics: %v", f.metrics.outcomes)
	}
}
