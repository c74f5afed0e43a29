// Package counterparty provides HTTP clients for the merchant, credentials
// provider and payment processor agents.
//
// Every request carries the A2A capability headers and the envelope built by
// the orchestrator under the "a2a_message" key, next to the reference wire
// fields each service expects.
package counterparty

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"AP2-Orchestrator/internal/a2a"
	xerrors "AP2-Orchestrator/internal/errors"
	"AP2-Orchestrator/internal/registry"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// DefaultShoppingAgentID is the identity presented to the merchant.
const DefaultShoppingAgentID = "trusted_shopping_agent"

// HeaderShoppingAgentID names the header the merchant uses to authorize callers.
const HeaderShoppingAgentID = "shopping_agent_id"

const maxErrorBody = 512

// Option configures a client.
type Option func(*base)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *base) {
		if c != nil {
			b.http = c
		}
	}
}

// WithBaseURL overrides the registry entry's base URL.
func WithBaseURL(raw string) Option {
	return func(b *base) {
		if raw = strings.TrimSpace(raw); raw != "" {
			b.baseURL = strings.TrimRight(raw, "/")
		}
	}
}

// WithShoppingAgentID sets the identity sent to the merchant.
func WithShoppingAgentID(id string) Option {
	return func(b *base) {
		if id = strings.TrimSpace(id); id != "" {
			b.agentID = id
		}
	}
}

// WithTimeout sets the request timeout of the client serving agentID. Clients
// for other agents are left untouched. The timeout applies to whichever HTTP
// client the options resolve to, regardless of option order.
func WithTimeout(agentID string, d time.Duration) Option {
	return func(b *base) {
		if d <= 0 || b.entry.ID != agentID {
			return
		}
		b.timeout = d
	}
}

// WithAgentCardPath enables capability discovery through the agent card
// published at path, relative to the base URL.
func WithAgentCardPath(path string) Option {
	return func(b *base) {
		if path = strings.TrimSpace(path); path != "" {
			b.cardPath = "/" + strings.TrimLeft(path, "/")
		}
	}
}

// base holds what every counterparty client shares.
type base struct {
	entry    registry.Entry
	baseURL  string
	http     *http.Client
	agentID  string
	cardPath string
	timeout  time.Duration
}

func newBase(entry registry.Entry, opts []Option) base {
	b := base{
		entry:   entry,
		baseURL: strings.TrimRight(entry.BaseURL, "/"),
		http:    &http.Client{Timeout: DefaultHTTPTimeout},
		agentID: DefaultShoppingAgentID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&b)
		}
	}
	if b.timeout > 0 {
		// 复制一份，共享的 client 不受影响。
		clone := *b.http
		clone.Timeout = b.timeout
		b.http = &clone
	}
	return b
}

func (b *base) name() string {
	if b.entry.Name != "" {
		return b.entry.Name
	}
	return b.entry.ID
}

// Entry returns the registry entry the client was built from.
func (b *base) Entry() registry.Entry { return b.entry }

// Discovers reports whether the client fetches a live agent card.
func (b *base) Discovers() bool { return b.cardPath != "" }

func (b *base) fetchCard(ctx context.Context) (*a2a.AgentCard, error) {
	path := b.cardPath
	if path == "" {
		path = a2a.WellKnownAgentCardSuffix
	}
	var card a2a.AgentCard
	status, body, err := b.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, b.statusError(status, body)
	}
	if err := json.Unmarshal(body, &card); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, b.name()+" returned an unreadable agent card")
	}
	return &card, nil
}

// do sends a request and returns the status and the raw body.
func (b *base) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode request")
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return 0, nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "create request for "+b.name())
	}
	for k, v := range a2a.BuildHeaders() {
		req.Header[k] = v
	}
	req.Header.Set(HeaderShoppingAgentID, b.agentID)

	resp, err := b.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, xerrors.Wrap(xerrors.CodeTransport, err, b.name()+" unreachable")
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, xerrors.Wrap(xerrors.CodeTransport, err, "read response from "+b.name())
	}
	return resp.StatusCode, data, nil
}

func (b *base) statusError(status int, body []byte) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > maxErrorBody {
		snippet = snippet[:maxErrorBody]
	}
	return xerrors.New(xerrors.CodeTransport,
		fmt.Sprintf("%s returned status %d", b.name(), status),
		xerrors.WithMetadata("status", strconv.Itoa(status)),
		xerrors.WithMetadata("body", snippet),
		xerrors.WithMetadata("agent", b.entry.ID))
}

// detailOf extracts the "detail" field of an error reply.
func detailOf(body []byte) string {
	var reply struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return ""
	}
	switch d := reply.Detail.(type) {
	case string:
		return d
	case nil:
		return ""
	default:
		raw, _ := json.Marshal(d)
		return string(raw)
	}
}

func decodeJSON(body []byte, out any, who string) error {
	if err := json.Unmarshal(body, out); err != nil {
		return xerrors.Wrap(xerrors.CodeTransport, err, who+" returned an unreadable response")
	}
	return nil
}
