package counterparty

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"AP2-Orchestrator/internal/a2a"
	xerrors "AP2-Orchestrator/internal/errors"
	"AP2-Orchestrator/internal/mandate"
	"AP2-Orchestrator/internal/orchestrator"
	"AP2-Orchestrator/internal/registry"
)

// Reference service paths.
const (
	PathCreateCart      = "/merchant/create_cart"
	PathTokenize        = "/wallet/tokenize"
	PathInitiatePayment = "/processor/initiate_payment"
)

// MerchantClient talks to the merchant agent.
type MerchantClient struct {
	base
}

// NewMerchantClient creates a merchant client.
func NewMerchantClient(entry registry.Entry, opts ...Option) *MerchantClient {
	return &MerchantClient{base: newBase(entry, opts)}
}

// AgentCard fetches the merchant's published agent card.
func (c *MerchantClient) AgentCard(ctx context.Context) (*a2a.AgentCard, error) {
	return c.fetchCard(ctx)
}

type createCartBody struct {
	Items   []orchestrator.LineSelection `json:"items"`
	Message *a2a.Message                 `json:"a2a_message,omitempty"`
}

// CreateCart implements orchestrator.Merchant.
func (c *MerchantClient) CreateCart(ctx context.Context, req orchestrator.CartRequest) (*mandate.CartMandate, error) {
	status, body, err := c.do(ctx, http.MethodPost, PathCreateCart, createCartBody{Items: req.Items, Message: req.Message})
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, c.statusError(status, body)
	}
	if err := conform(cartSchema, body, "CartMandate"); err != nil {
		return nil, err
	}
	var cart mandate.CartMandate
	if err := decodeJSON(body, &cart, c.name()); err != nil {
		return nil, err
	}
	return &cart, nil
}

// CredentialsClient talks to the credentials provider.
type CredentialsClient struct {
	base
}

// NewCredentialsClient creates a credentials provider client.
func NewCredentialsClient(entry registry.Entry, opts ...Option) *CredentialsClient {
	return &CredentialsClient{base: newBase(entry, opts)}
}

// AgentCard fetches the provider's published agent card.
func (c *CredentialsClient) AgentCard(ctx context.Context) (*a2a.AgentCard, error) {
	return c.fetchCard(ctx)
}

type tokenizeBody struct {
	Email   string       `json:"email"`
	Alias   string       `json:"alias"`
	Message *a2a.Message `json:"a2a_message,omitempty"`
}

// Tokenize implements orchestrator.Credentials.
func (c *CredentialsClient) Tokenize(ctx context.Context, req orchestrator.TokenRequest) (string, error) {
	status, body, err := c.do(ctx, http.MethodPost, PathTokenize, tokenizeBody{Email: req.UserIdentity, Alias: req.PaymentAlias, Message: req.Message})
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", c.statusError(status, body)
	}
	var reply struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(body, &reply, c.name()); err != nil {
		return "", err
	}
	if strings.TrimSpace(reply.Token) == "" {
		return "", xerrors.New(xerrors.CodeTransport, c.name()+" returned an empty token")
	}
	return reply.Token, nil
}

// ProcessorClient talks to the merchant payment processor.
type ProcessorClient struct {
	base
}

// NewProcessorClient creates a payment processor client.
func NewProcessorClient(entry registry.Entry, opts ...Option) *ProcessorClient {
	return &ProcessorClient{base: newBase(entry, opts)}
}

// AgentCard fetches the processor's published agent card.
func (c *ProcessorClient) AgentCard(ctx context.Context) (*a2a.AgentCard, error) {
	return c.fetchCard(ctx)
}

type initiatePaymentBody struct {
	PaymentMandate *mandate.PaymentMandate `json:"payment_mandate"`
	OTP            *string                 `json:"otp"`
	Message        *a2a.Message            `json:"a2a_message,omitempty"`
}

// InitiatePayment implements orchestrator.Processor. A 400 reply carrying a
// detail is reported as a decline with that detail.
func (c *ProcessorClient) InitiatePayment(ctx context.Context, req orchestrator.PaymentRequest) (*orchestrator.PaymentResponse, error) {
	payload := initiatePaymentBody{PaymentMandate: req.Mandate, Message: req.Message}
	if req.OTP != "" {
		otp := req.OTP
		payload.OTP = &otp
	}
	status, body, err := c.do(ctx, http.MethodPost, PathInitiatePayment, payload)
	if err != nil {
		return nil, err
	}
	if status == http.StatusBadRequest {
		if detail := detailOf(body); detail != "" {
			return nil, xerrors.New(xerrors.CodeDeclined, detail, xerrors.WithMetadata("agent", c.entry.ID))
		}
	}
	if status < 200 || status >= 300 {
		return nil, c.statusError(status, body)
	}
	if err := conform(paymentSchema, body, "PaymentResponse"); err != nil {
		return nil, err
	}
	var reply orchestrator.PaymentResponse
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, c.name()+" returned an unreadable response")
	}
	return &reply, nil
}

// Set bundles the three clients.
type Set struct {
	Merchant    orchestrator.Merchant
	Credentials orchestrator.Credentials
	Processor   orchestrator.Processor
}

// NewSet builds clients for the well-known counterparties of reg. Clients
// expose AgentCard for discovery only when WithAgentCardPath is given.
func NewSet(reg *registry.Registry, opts ...Option) (*Set, error) {
	lookup := func(id string) (registry.Entry, error) {
		e, ok := reg.Lookup(id)
		if !ok {
			return registry.Entry{}, xerrors.New(xerrors.CodeConfiguration, id+" not found in registry")
		}
		return e, nil
	}
	m, err := lookup(registry.MerchantAgent)
	if err != nil {
		return nil, err
	}
	cp, err := lookup(registry.CredentialsProvider)
	if err != nil {
		return nil, err
	}
	pp, err := lookup(registry.MerchantPaymentProcessor)
	if err != nil {
		return nil, err
	}
	merchant := NewMerchantClient(m, opts...)
	creds := NewCredentialsClient(cp, opts...)
	proc := NewProcessorClient(pp, opts...)
	if merchant.Discovers() {
		return &Set{Merchant: merchant, Credentials: creds, Processor: proc}, nil
	}
	return &Set{
		Merchant:    merchantOnly{merchant},
		Credentials: credentialsOnly{creds},
		Processor:   processorOnly{proc},
	}, nil
}

// The *Only wrappers hide AgentCard so that negotiation falls back to the
// registry's advertised extensions.
type merchantOnly struct{ c *MerchantClient }

func (m merchantOnly) CreateCart(ctx context.Context, req orchestrator.CartRequest) (*mandate.CartMandate, error) {
	return m.c.CreateCart(ctx, req)
}

type credentialsOnly struct{ c *CredentialsClient }

func (c credentialsOnly) Tokenize(ctx context.Context, req orchestrator.TokenRequest) (string, error) {
	return c.c.Tokenize(ctx, req)
}

type processorOnly struct{ c *ProcessorClient }

func (p processorOnly) InitiatePayment(ctx context.Context, req orchestrator.PaymentRequest) (*orchestrator.PaymentResponse, error) {
	return p.c.InitiatePayment(ctx, req)
}
