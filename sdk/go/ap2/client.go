// Package ap2 is a typed client for the AP2 orchestrator REST API.
package ap2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Checkout statuses reported by the API.
const (
	StatusPending     = "pending"
	StatusRunning     = "running"
	StatusAwaitingOTP = "awaiting_otp"
	StatusSucceeded   = "succeeded"
	StatusFailed      = "failed"
)

// Client wraps the HTTP interactions with the AP2 REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
}

// LineItem is one requested product line.
type LineItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// CheckoutSubmission is the payload required to start a checkout.
type CheckoutSubmission struct {
	ID           string     `json:"id,omitempty"`
	Items        []LineItem `json:"items"`
	UserIdentity string     `json:"user_identity,omitempty"`
	PaymentAlias string     `json:"payment_alias,omitempty"`
}

// Step is one progress line of a checkout.
type Step struct {
	State string    `json:"state"`
	Line  string    `json:"line"`
	At    time.Time `json:"at"`
}

// Challenge is a pending OTP request.
type Challenge struct {
	TransactionID string `json:"transaction_id"`
	Message       string `json:"message"`
	DisplayText   string `json:"display_text,omitempty"`
}

// Receipt is the processor's proof of payment.
type Receipt struct {
	ID        string  `json:"id"`
	Amount    float64 `json:"amount"`
	Merchant  string  `json:"merchant,omitempty"`
	CardBrand string  `json:"card_brand,omitempty"`
}

// Checkout is the server view of a checkout session.
type Checkout struct {
	ID           string     `json:"id"`
	Items        []LineItem `json:"items"`
	UserIdentity string     `json:"user_identity"`
	PaymentAlias string     `json:"payment_alias"`
	Status       string     `json:"status"`
	Step         string     `json:"step,omitempty"`
	Steps        []Step     `json:"steps,omitempty"`
	Challenge    *Challenge `json:"challenge,omitempty"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	LastError    string     `json:"last_error,omitempty"`
	ErrorCode    string     `json:"error_code,omitempty"`
	Receipt      *Receipt   `json:"receipt,omitempty"`
	CartID       string     `json:"cart_id,omitempty"`
	MandateID    string     `json:"mandate_id,omitempty"`
	Amount       float64    `json:"amount,omitempty"`
	Currency     string     `json:"currency,omitempty"`
	CreatedAt    int64      `json:"created_at"`
	UpdatedAt    int64      `json:"updated_at"`
}

// Done reports whether the checkout reached a terminal status.
func (c Checkout) Done() bool {
	return c.Status == StatusSucceeded || c.Status == StatusFailed
}

// ListQuery filters checkout listings.
type ListQuery struct {
	Statuses []string
	User     string
	Limit    int
	Offset   int
	// Order is "asc" or "desc".
	Order string
}

func (q ListQuery) values() url.Values {
	v := url.Values{}
	if len(q.Statuses) > 0 {
		v.Set("status", strings.Join(q.Statuses, ","))
	}
	if q.User != "" {
		v.Set("user", q.User)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Order != "" {
		v.Set("order", q.Order)
	}
	return v
}

// Stats summarises checkouts per status.
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	AwaitingOTP     int   `json:"awaiting_otp"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// Credential is a stored payment authorization. The token is redacted by the server.
type Credential struct {
	UserIdentity string    `json:"user_identity"`
	Alias        string    `json:"alias"`
	Token        string    `json:"token"`
	Brand        string    `json:"brand,omitempty"`
	Last4        string    `json:"last4,omitempty"`
	AuthorizedAt time.Time `json:"authorized_at"`
}

// AuditEntry is one protocol audit record.
type AuditEntry struct {
	Timestamp   time.Time      `json:"timestamp"`
	Stage       string         `json:"stage"`
	Description string         `json:"description"`
	Agent       string         `json:"agent"`
	Payload     map[string]any `json:"payload,omitempty"`
	NextAction  string         `json:"next_action,omitempty"`
}

// OrderItem is one line of a recorded order.
type OrderItem struct {
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// Order is a persisted completed purchase.
type Order struct {
	ID            string      `json:"id"`
	UserIdentity  string      `json:"user_identity"`
	CreatedAt     time.Time   `json:"created_at"`
	Amount        float64     `json:"amount"`
	Currency      string      `json:"currency"`
	Items         []OrderItem `json:"items"`
	Status        string      `json:"status"`
	PaymentMethod string      `json:"payment_method"`
	ReceiptID     string      `json:"receipt_id"`
	CartID        string      `json:"cart_id"`
	MandateID     string      `json:"mandate_id"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	Details    []string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("ap2 api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("ap2 api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AP2 API. When httpClient is nil, a
// default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAPIKey configures the bearer key sent with every request.
func (c *Client) SetAPIKey(key string) {
	c.apiKey = strings.TrimSpace(key)
}

// Submit starts a checkout.
func (c *Client) Submit(ctx context.Context, submission CheckoutSubmission) (Checkout, error) {
	var out Checkout
	err := c.send(ctx, http.MethodPost, "/api/v1/checkouts", nil, submission, &out)
	return out, err
}

// Get fetches a checkout by identifier.
func (c *Client) Get(ctx context.Context, id string) (Checkout, error) {
	var out Checkout
	err := c.send(ctx, http.MethodGet, "/api/v1/checkouts/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// List returns checkouts matching q.
func (c *Client) List(ctx context.Context, q ListQuery) ([]Checkout, error) {
	var out struct {
		Checkouts []Checkout `json:"checkouts"`
	}
	err := c.send(ctx, http.MethodGet, "/api/v1/checkouts", q.values(), nil, &out)
	return out.Checkouts, err
}

// Stats aggregates checkouts matching q. Paging fields are ignored.
func (c *Client) Stats(ctx context.Context, q ListQuery) (Stats, error) {
	var out Stats
	v := q.values()
	v.Del("limit")
	v.Del("offset")
	v.Del("order")
	err := c.send(ctx, http.MethodGet, "/api/v1/checkouts/stats", v, nil, &out)
	return out, err
}

// AnswerChallenge submits the OTP for a checkout awaiting one.
func (c *Client) AnswerChallenge(ctx context.Context, id, code string) error {
	return c.send(ctx, http.MethodPost, "/api/v1/checkouts/"+url.PathEscape(id)+"/otp", nil, map[string]string{"code": code}, nil)
}

// DeclineChallenge cancels the pending OTP challenge.
func (c *Client) DeclineChallenge(ctx context.Context, id string) error {
	return c.send(ctx, http.MethodDelete, "/api/v1/checkouts/"+url.PathEscape(id)+"/otp", nil, nil, nil)
}

// AuditLog returns the protocol audit entries of a checkout.
func (c *Client) AuditLog(ctx context.Context, id string) ([]AuditEntry, error) {
	var out struct {
		Entries []AuditEntry `json:"entries"`
	}
	err := c.send(ctx, http.MethodGet, "/api/v1/checkouts/"+url.PathEscape(id)+"/audit", nil, nil, &out)
	return out.Entries, err
}

// ListOrders returns the most recent orders of user.
func (c *Client) ListOrders(ctx context.Context, user string, limit int) ([]Order, error) {
	q := url.Values{}
	if user != "" {
		q.Set("user", user)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Orders []Order `json:"orders"`
	}
	err := c.send(ctx, http.MethodGet, "/api/v1/orders", q, nil, &out)
	return out.Orders, err
}

// GetCredential returns the stored payment authorization of user.
func (c *Client) GetCredential(ctx context.Context, user string) (Credential, error) {
	var out Credential
	err := c.send(ctx, http.MethodGet, "/api/v1/credentials/"+url.PathEscape(user), nil, nil, &out)
	return out, err
}

// RevokeCredential removes the stored payment authorization of user.
func (c *Client) RevokeCredential(ctx context.Context, user string) error {
	return c.send(ctx, http.MethodDelete, "/api/v1/credentials/"+url.PathEscape(user), nil, nil, nil)
}

// Wait polls a checkout until it is terminal or waiting for an OTP.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (Checkout, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		co, err := c.Get(ctx, id)
		if err != nil {
			return Checkout{}, err
		}
		if co.Done() || co.Status == StatusAwaitingOTP {
			return co, nil
		}
		select {
		case <-ctx.Done():
			return co, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawPath = ""
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
