package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AP2-Orchestrator/internal/a2a"
	"AP2-Orchestrator/internal/audit"
	xerrors "AP2-Orchestrator/internal/errors"
	"AP2-Orchestrator/internal/mandate"
	"AP2-Orchestrator/internal/registry"
	"AP2-Orchestrator/internal/signing"
)

type stubMerchant struct {
	mu    sync.Mutex
	calls int
	cart  func(req CartRequest) (*mandate.CartMandate, error)
	block bool
}

func (s *stubMerchant) CreateCart(ctx context.Context, req CartRequest) (*mandate.CartMandate, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.cart(req)
}

type stubCredentials struct {
	mu    sync.Mutex
	calls int
	token string
	err   error
}

func (s *stubCredentials) Tokenize(_ context.Context, _ TokenRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.token, s.err
}

type stubProcessor struct {
	mu       sync.Mutex
	requests []PaymentRequest
	replies  []*PaymentResponse
	errs     []error
}

func (s *stubProcessor) InitiatePayment(_ context.Context, req PaymentRequest) (*PaymentResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.requests)
	s.requests = append(s.requests, req)
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if err != nil {
		return nil, err
	}
	return s.replies[i], nil
}

func scenarioItems() []mandate.CartItem {
	return []mandate.CartItem{
		{ProductID: "p1", Name: "Fresh Tomato Hybrid", Quantity: 2, Price: 4.99},
		{ProductID: "p2", Name: "Red Onion", Quantity: 1, Price: 9.00},
	}
}

func goodMerchant(signer mandate.Signer) *stubMerchant {
	b := mandate.NewBuilder(mandate.WithCurrency("INR"), mandate.WithMerchantSigner(signer))
	return &stubMerchant{cart: func(CartRequest) (*mandate.CartMandate, error) {
		return b.BuildCartMandate(scenarioItems(), "merchant_agent_01", 18.98)
	}}
}

func success() *PaymentResponse {
	return &PaymentResponse{Status: PaymentSuccess, Receipt: &mandate.Receipt{ID: "rcpt_1", Amount: 18.98}}
}

func challengeReply() *PaymentResponse {
	return &PaymentResponse{Status: PaymentChallengeRequired, Message: "Step-up authentication required. Please provide OTP.", DisplayText: "Enter the code"}
}

func selection() []LineSelection {
	return []LineSelection{{Name: "Tomato", Quantity: 2}, {Name: "Onion", Quantity: 1}}
}

type recorder struct {
	steps []Step
}

func (r *recorder) sink(state State, line string) {
	r.steps = append(r.steps, Step{State: state, Line: line})
}

func (r *recorder) count(state State) int {
	n := 0
	for _, s := range r.steps {
		if s.State == state {
			n++
		}
	}
	return n
}

func (r *recorder) last() Step { return r.steps[len(r.steps)-1] }

func TestScenarioA_Success(t *testing.T) {
	merchant := goodMerchant(mandate.PlaceholderSigner{})
	creds := &stubCredentials{token: "tok_ap2_0123456789ab"}
	proc := &stubProcessor{replies: []*PaymentResponse{success()}}
	rec := &recorder{}

	res := New(merchant, creds, proc).Run(context.Background(), Request{Items: selection(), OnStep: rec.sink, Verbose: true})

	require.True(t, res.Succeeded(), "err: %v", res.Err)
	assert.Equal(t, StateSuccess, res.State)
	assert.Equal(t, 1, rec.count(StateSuccess))
	assert.Zero(t, rec.count(StateFailed))
	assert.Equal(t, "Transaction Approved! Receipt ID: rcpt_1", rec.last().Line)
	assert.Equal(t, 18.98, res.Cart.TotalPrice)
	assert.Equal(t, res.Cart.CartID, res.Payment.CartID)
	assert.Equal(t, "INR", res.Payment.Currency)
	assert.Contains(t, rec.steps[1].Line, "Shopping Agent ready. Intent ID: intent_")
	assert.Contains(t, rec.steps, Step{State: StateIdentifying, Line: "Merchant signature valid. Total: 18.98 INR"})
	assert.Contains(t, rec.steps, Step{State: StateCreatingIntent, Line: "Payment Method Tokenized: tok_ap2_0123456..."})
	require.Len(t, proc.requests, 1)
	assert.Empty(t, proc.requests[0].OTP)
	assert.Equal(t, DefaultUserIdentity, res.Audit.Entries()[0].Payload.(map[string]any)["userEmail"])

	stages := make([]string, 0)
	for _, e := range res.Audit.Entries() {
		stages = append(stages, e.Stage)
	}
	assert.Equal(t, []string{
		audit.Phase1, audit.Phase1, audit.Phase2, audit.Phase2, audit.Phase3, audit.Phase3,
		audit.Phase4, audit.Phase4, audit.Phase5, audit.Phase5, audit.Phase7,
	}, stages)
	assert.Equal(t, len(rec.steps), len(res.Steps))
}

func TestScenarioB_EmptySignatureAbortsBeforeTokenization(t *testing.T) {
	merchant := &stubMerchant{cart: func(CartRequest) (*mandate.CartMandate, error) {
		cart, err := mandate.NewBuilder().BuildCartMandate(scenarioItems(), "merchant_agent_01", 18.98)
		if err != nil {
			return nil, err
		}
		cart.MerchantSignature = ""
		return cart, nil
	}}
	creds := &stubCredentials{token: "tok"}
	proc := &stubProcessor{}
	rec := &recorder{}

	res := New(merchant, creds, proc).Run(context.Background(), Request{Items: selection(), OnStep: rec.sink})

	assert.False(t, res.Succeeded())
	assert.Equal(t, StateFailed, res.State)
	assert.Zero(t, creds.calls)
	assert.Equal(t, Step{State: StateFailed, Line: "Invalid CartMandate: Missing merchant_signature"}, rec.last())
	assert.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(res.Err))
	assert.Equal(t, []string{"Missing merchant_signature"}, xerrors.ProblemsOf(res.Err))
	assert.Nil(t, res.Cart)
	assert.Nil(t, res.Payment)
}

func TestScenarioC_ChallengeThenSuccess(t *testing.T) {
	proc := &stubProcessor{replies: []*PaymentResponse{challengeReply(), success()}}
	var asked Challenge
	prompter := PrompterFunc(func(_ context.Context, ch Challenge) (string, error) {
		asked = ch
		return "123456", nil
	})
	rec := &recorder{}

	res := New(goodMerchant(mandate.PlaceholderSigner{}), &stubCredentials{token: "tok_ap2_x"}, proc).
		Run(context.Background(), Request{Items: selection(), Prompter: prompter, OnStep: rec.sink, Verbose: true})

	require.True(t, res.Succeeded(), "err: %v", res.Err)
	assert.Equal(t, "Enter the code", asked.DisplayText)
	assert.Equal(t, res.TransactionID, asked.TransactionID)
	require.Len(t, proc.requests, 2)
	assert.Equal(t, "123456", proc.requests[1].OTP)
	assert.Same(t, proc.requests[0].Mandate, proc.requests[1].Mandate)
	assert.Equal(t, res.Payment.MandateID, proc.requests[1].Mandate.MandateID)
	assert.Equal(t, res.Payment.Amount, proc.requests[1].Mandate.Amount)
	assert.NotEqual(t, proc.requests[0].Message.MessageID, proc.requests[1].Message.MessageID)

	assert.Contains(t, rec.steps, Step{State: StateProcessing, Line: "Security Challenge Required: Step-up authentication required. Please provide OTP."})
	assert.Contains(t, rec.steps, Step{State: StateProcessing, Line: "Verifying OTP..."})

	var challengeIdx, resultIdx = -1, -1
	for i, e := range res.Audit.Entries() {
		switch e.Description {
		case "Processor response: CHALLENGE_REQUIRED":
			challengeIdx = i
		case "OTP verification result: SUCCESS":
			resultIdx = i
		}
	}
	require.GreaterOrEqual(t, challengeIdx, 0)
	assert.Greater(t, resultIdx, challengeIdx)
}

func TestScenarioD_DeclinedChallengeDoesNotResubmit(t *testing.T) {
	for name, prompter := range map[string]OTPPrompter{
		"empty":    PrompterFunc(func(context.Context, Challenge) (string, error) { return "", nil }),
		"declined": PrompterFunc(func(context.Context, Challenge) (string, error) { return "", ErrOTPDeclined }),
		"none":     nil,
	} {
		t.Run(name, func(t *testing.T) {
			proc := &stubProcessor{replies: []*PaymentResponse{challengeReply()}}
			rec := &recorder{}
			res := New(goodMerchant(mandate.PlaceholderSigner{}), &stubCredentials{token: "tok"}, proc).
				Run(context.Background(), Request{Items: selection(), Prompter: prompter, OnStep: rec.sink})

			assert.False(t, res.Succeeded())
			assert.Len(t, proc.requests, 1)
			assert.Equal(t, Step{State: StateFailed, Line: "User cancelled OTP Challenge"}, rec.last())
			assert.Equal(t, xerrors.CodeUserCancelled, xerrors.CodeOf(res.Err))
		})
	}
}

func TestMerchantMissingMakesNoCalls(t *testing.T) {
	merchant := goodMerchant(mandate.PlaceholderSigner{})
	creds := &stubCredentials{token: "tok"}
	proc := &stubProcessor{}
	reg := registry.New(registry.Entry{ID: registry.CredentialsProvider, Extensions: a2a.RequiredExtensions()})

	res := New(merchant, creds, proc, WithRegistry(reg)).Run(context.Background(), Request{Items: selection()})

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, "Merchant Agent not found in registry", res.Message)
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(res.Err))
	assert.Zero(t, merchant.calls)
	assert.Zero(t, creds.calls)
	assert.Empty(t, proc.requests)
}

func TestRequestRegistryOverridesDefault(t *testing.T) {
	merchant := goodMerchant(mandate.PlaceholderSigner{})
	override := registry.KnownAgents().With(registry.Entry{ID: registry.MerchantAgent, Name: "Merchant Agent", Extensions: []string{a2a.AP2ExtensionURI}})

	res := New(merchant, &stubCredentials{token: "tok"}, &stubProcessor{}).
		Run(context.Background(), Request{Items: selection(), Registry: override})

	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(res.Err))
	assert.Contains(t, res.Message, a2a.CardNetworkExtensionURI)
	assert.Zero(t, merchant.calls, "merchant must not receive mandates after failed negotiation")
}

type cardMerchant struct {
	*stubMerchant
	card *a2a.AgentCard
}

func (c cardMerchant) AgentCard(context.Context) (*a2a.AgentCard, error) { return c.card, nil }

func TestNegotiationUsesLiveAgentCard(t *testing.T) {
	inner := goodMerchant(mandate.PlaceholderSigner{})
	merchant := cardMerchant{stubMerchant: inner, card: &a2a.AgentCard{Name: "Merchant"}}

	res := New(merchant, &stubCredentials{token: "tok"}, &stubProcessor{}).Run(context.Background(), Request{Items: selection()})

	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(res.Err))
	assert.Equal(t, a2a.RequiredExtensions(), xerrors.ProblemsOf(res.Err))
	assert.Zero(t, inner.calls)
}

func TestTransportFailures(t *testing.T) {
	boom := errors.New("connection refused")

	t.Run("merchant", func(t *testing.T) {
		merchant := &stubMerchant{cart: func(CartRequest) (*mandate.CartMandate, error) { return nil, boom }}
		res := New(merchant, &stubCredentials{}, &stubProcessor{}).Run(context.Background(), Request{Items: selection()})
		assert.Equal(t, "Merchant Agent rejected the request", res.Message)
		assert.Equal(t, xerrors.CodeTransport, xerrors.CodeOf(res.Err))
		assert.True(t, xerrors.RetryableError(res.Err))
		assert.ErrorIs(t, res.Err, boom)
	})

	t.Run("credentials", func(t *testing.T) {
		proc := &stubProcessor{}
		res := New(goodMerchant(mandate.PlaceholderSigner{}), &stubCredentials{err: boom}, proc).Run(context.Background(), Request{Items: selection()})
		assert.Equal(t, "Credentials Provider failed to tokenize card", res.Message)
		assert.Empty(t, proc.requests)
	})

	t.Run("otp resubmission", func(t *testing.T) {
		proc := &stubProcessor{replies: []*PaymentResponse{challengeReply(), nil}, errs: []error{nil, boom}}
		res := New(goodMerchant(mandate.PlaceholderSigner{}), &stubCredentials{token: "tok"}, proc).
			Run(context.Background(), Request{Items: selection(), Prompter: PrompterFunc(func(context.Context, Challenge) (string, error) { return "000000", nil })})
		assert.Equal(t, "OTP Verification Failed", res.Message)
		assert.Equal(t, xerrors.CodeTransport, xerrors.CodeOf(res.Err))
	})

	t.Run("otp rejected by processor", func(t *testing.T) {
		declined := xerrors.New(xerrors.CodeDeclined, "Incorrect OTP provided")
		proc := &stubProcessor{replies: []*PaymentResponse{challengeReply(), nil}, errs: []error{nil, declined}}
		res := New(goodMerchant(mandate.PlaceholderSigner{}), &stubCredentials{token: "tok"}, proc).
			Run(context.Background(), Request{Items: selection(), Prompter: PrompterFunc(func(context.Context, Challenge) (string, error) { return "000000", nil })})
		assert.Equal(t, "OTP Verification Failed", res.Message)
		assert.Equal(t, xerrors.CodeDeclined, xerrors.CodeOf(res.Err))
	})
}

func TestProcessorOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		replies []*PaymentResponse
		message string
	}{
		{"verbatim decline", []*PaymentResponse{{Status: PaymentFailed, Message: "Insufficient funds"}}, "Insufficient funds"},
		{"generic decline", []*PaymentResponse{{Status: PaymentFailed}}, "Payment Processor declined the transaction"},
		{"success without receipt", []*PaymentResponse{{Status: PaymentSuccess}}, "Payment Processor declined the transaction"},
		{"repeated challenge", []*PaymentResponse{challengeReply(), challengeReply()}, "Payment Processor declined the transaction"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			proc := &stubProcessor{replies: tc.replies}
			prompter := PrompterFunc(func(context.Context, Challenge) (string, error) { return "123456", nil })
			res := New(goodMerchant(mandate.PlaceholderSigner{}), &stubCredentials{token: "tok"}, proc).
				Run(context.Background(), Request{Items: selection(), Prompter: prompter})
			assert.Equal(t, StateFailed, res.State)
			assert.Equal(t, tc.message, res.Message)
			assert.Equal(t, xerrors.CodeDeclined, xerrors.CodeOf(res.Err))
			assert.Len(t, proc.requests, len(tc.replies))
			assert.Nil(t, res.Receipt)
		})
	}
}

func TestCallTimeoutMapsToTimeout(t *testing.T) {
	merchant := &stubMerchant{block: true}
	res := New(merchant, &stubCredentials{}, &stubProcessor{}, WithCallTimeout(20*time.Millisecond)).
		Run(context.Background(), Request{Items: selection()})

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(res.Err))
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	merchant := &stubMerchant{block: true}
	time.AfterFunc(10*time.Millisecond, cancel)

	res := New(merchant, &stubCredentials{}, &stubProcessor{}).Run(ctx, Request{Items: selection()})
	assert.Equal(t, xerrors.CodeCancelled, xerrors.CodeOf(res.Err))
	assert.Equal(t, "Transaction cancelled", res.Message)
}

func TestOTPTimeout(t *testing.T) {
	proc := &stubProcessor{replies: []*PaymentResponse{challengeReply()}}
	prompter := NewChannelPrompter()
	res := New(goodMerchant(mandate.PlaceholderSigner{}), &stubCredentials{token: "tok"}, proc, WithOTPTimeout(20*time.Millisecond)).
		Run(context.Background(), Request{Items: selection(), Prompter: prompter})

	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(res.Err))
	assert.Len(t, proc.requests, 1)
	select {
	case ch := <-prompter.Challenges():
		assert.Equal(t, "Enter the code", ch.DisplayText)
	default:
		t.Fatal("challenge was not published")
	}
}

func TestChannelPrompterAnswerAndDecline(t *testing.T) {
	p := NewChannelPrompter()
	go func() {
		ch := <-p.Challenges()
		if ch.TransactionID == "t1" {
			p.Answer("123456")
		}
	}()
	code, err := p.PromptOTP(context.Background(), Challenge{TransactionID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "123456", code)

	require.True(t, p.Decline())
	assert.False(t, p.Answer("late"), "only one pending answer is buffered")
	_, err = p.PromptOTP(context.Background(), Challenge{})
	assert.ErrorIs(t, err, ErrOTPDeclined)
}

func TestPanicIsRecovered(t *testing.T) {
	merchant := &stubMerchant{cart: func(CartRequest) (*mandate.CartMandate, error) { panic("merchant exploded") }}
	rec := &recorder{}
	res := New(merchant, &stubCredentials{}, &stubProcessor{}).Run(context.Background(), Request{Items: selection(), OnStep: rec.sink})

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateFailed, rec.last().State)
	assert.Contains(t, res.Message, "merchant exploded")
}

func TestEmptySelection(t *testing.T) {
	merchant := goodMerchant(mandate.PlaceholderSigner{})
	res := New(merchant, &stubCredentials{}, &stubProcessor{}).Run(context.Background(), Request{})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(res.Err))
	assert.Zero(t, merchant.calls)
}

func TestMerchantSignatureVerification(t *testing.T) {
	key, err := signing.GenerateKey()
	require.NoError(t, err)
	signer := signing.NewECDSASigner(key)
	reg := registry.KnownAgents().With(registry.Entry{
		ID: registry.MerchantAgent, Name: "Merchant Agent", Extensions: a2a.RequiredExtensions(), PublicKey: signer.PublicKeyHex(),
	})

	t.Run("valid", func(t *testing.T) {
		proc := &stubProcessor{replies: []*PaymentResponse{success()}}
		res := New(goodMerchant(signer), &stubCredentials{token: "tok"}, proc, WithRegistry(reg), WithVerifier(signing.Verifier{})).
			Run(context.Background(), Request{Items: selection()})
		require.True(t, res.Succeeded(), "err: %v", res.Err)
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := signing.GenerateKey()
		require.NoError(t, err)
		creds := &stubCredentials{token: "tok"}
		res := New(goodMerchant(signing.NewECDSASigner(other)), creds, &stubProcessor{}, WithRegistry(reg), WithVerifier(signing.Verifier{})).
			Run(context.Background(), Request{Items: selection()})
		assert.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(res.Err))
		assert.True(t, strings.HasPrefix(res.Message, "Invalid CartMandate"))
		assert.ErrorIs(t, res.Err, signing.ErrMismatch)
		assert.Zero(t, creds.calls)
	})
}

type countingObserver struct {
	mu    sync.Mutex
	roles []string
}

func (c *countingObserver) ObserveCall(role string, _ error, _ time.Duration) {
	c.mu.Lock()
	c.roles = append(c.roles, role)
	c.mu.Unlock()
}

func TestCallObserverSeesEveryCall(t *testing.T) {
	obs := &countingObserver{}
	proc := &stubProcessor{replies: []*PaymentResponse{challengeReply(), success()}}
	res := New(goodMerchant(mandate.PlaceholderSigner{}), &stubCredentials{token: "tok"}, proc, WithCallObserver(obs)).
		Run(context.Background(), Request{Items: selection(), Prompter: PrompterFunc(func(context.Context, Challenge) (string, error) { return "1", nil })})
	require.True(t, res.Succeeded())
	assert.Equal(t, []string{registry.MerchantAgent, registry.CredentialsProvider, registry.MerchantPaymentProcessor, registry.MerchantPaymentProcessor}, obs.roles)
}

func TestConcurrentTransactionsOwnTheirAudit(t *testing.T) {
	o := New(goodMerchant(mandate.PlaceholderSigner{}), &stubCredentials{token: "tok"}, &stubProcessor{replies: []*PaymentResponse{success(), success()}})
	var wg sync.WaitGroup
	results := make([]*Result, 2)
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = o.Run(context.Background(), Request{Items: selection(), Verbose: true})
		}()
	}
	wg.Wait()
	assert.NotSame(t, results[0].Audit, results[1].Audit)
	assert.NotEqual(t, results[0].TransactionID, results[1].TransactionID)
}

func TestVerboseDoesNotChangeOutcome(t *testing.T) {
	type run struct {
		states []State
		calls  int
		res    *Result
	}
	exec := func(verbose bool) run {
		proc := &stubProcessor{replies: []*PaymentResponse{challengeReply(), success()}}
		prompter := PrompterFunc(func(context.Context, Challenge) (string, error) { return "123456", nil })
		rec := &recorder{}
		res := New(goodMerchant(mandate.PlaceholderSigner{}), &stubCredentials{token: "tok_ap2_x"}, proc).
			Run(context.Background(), Request{Items: selection(), Prompter: prompter, OnStep: rec.sink, Verbose: verbose})
		var states []State
		for _, s := range rec.steps {
			states = append(states, s.State)
		}
		return run{states: states, calls: len(proc.requests), res: res}
	}

	quiet, verbose := exec(false), exec(true)
	require.True(t, quiet.res.Succeeded(), "err: %v", quiet.res.Err)
	require.True(t, verbose.res.Succeeded(), "err: %v", verbose.res.Err)
	assert.Equal(t, quiet.states, verbose.states)
	assert.Equal(t, 2, quiet.calls)
	assert.Equal(t, quiet.calls, verbose.calls)
	assert.Equal(t, quiet.res.State, verbose.res.State)
	assert.Equal(t, quiet.res.Message, verbose.res.Message)
	assert.Equal(t, quiet.res.Receipt, verbose.res.Receipt)
	assert.Len(t, quiet.res.Steps, len(verbose.res.Steps))
	assert.Positive(t, verbose.res.Audit.Len())
}
