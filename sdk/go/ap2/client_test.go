package ap2

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL+"/", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestSubmitPostsItems(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/checkouts" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body CheckoutSubmission
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Items) != 1 {
			t.Fatalf("unexpected body %+v %v", body, err)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Checkout{ID: "co-1", Status: StatusPending})
	})
	co, err := c.Submit(context.Background(), CheckoutSubmission{Items: []LineItem{{Name: "Coca Cola", Quantity: 2}}})
	if err != nil || co.ID != "co-1" {
		t.Fatalf("unexpected result %+v %v", co, err)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"CHECKOUT_NO_CHALLENGE","message":"checkout session has no pending challenge"}}`))
	})
	err := c.AnswerChallenge(context.Background(), "co-1", "123456")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "CHECKOUT_NO_CHALLENGE" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestListEncodesQuery(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "pending,failed" || q.Get("limit") != "5" || q.Get("order") != "asc" {
			t.Fatalf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"checkouts":[{"id":"a"},{"id":"b"}],"count":2}`))
	})
	list, err := c.List(context.Background(), ListQuery{Statuses: []string{StatusPending, StatusFailed}, Limit: 5, Order: "asc"})
	if err != nil || len(list) != 2 {
		t.Fatalf("unexpected list %v %v", list, err)
	}
}

func TestWaitStopsAtChallenge(t *testing.T) {
	calls := 0
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		status := StatusRunning
		if calls >= 2 {
			status = StatusAwaitingOTP
		}
		_ = json.NewEncoder(w).Encode(Checkout{ID: "co-1", Status: status, Challenge: &Challenge{TransactionID: "co-1"}})
	})
	co, err := c.Wait(context.Background(), "co-1", time.Millisecond)
	if err != nil || co.Status != StatusAwaitingOTP || co.Challenge == nil {
		t.Fatalf("unexpected wait result %+v %v", co, err)
	}
}

func TestDeclineAndOrders(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete && r.URL.Path == "/api/v1/checkouts/co-1/otp":
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"status":"declined"}`))
		case r.URL.Path == "/api/v1/orders" && r.URL.Query().Get("user") == "bugsbunny@gmail.com":
			_, _ = w.Write([]byte(`{"orders":[{"id":"ORD-1","amount":80,"currency":"INR"}]}`))
		case r.URL.Path == "/api/v1/checkouts/co-1/audit":
			_, _ = w.Write([]byte(`{"entries":[{"stage":"PHASE_1","agent":"shopping_agent"}]}`))
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()
	if err := c.DeclineChallenge(ctx, "co-1"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	orders, err := c.ListOrders(ctx, "bugsbunny@gmail.com", 0)
	if err != nil || len(orders) != 1 || orders[0].ID != "ORD-1" {
		t.Fatalf("unexpected orders %v %v", orders, err)
	}
	entries, err := c.AuditLog(ctx, "co-1")
	if err != nil || len(entries) != 1 || entries[0].Stage != "PHASE_1" {
		t.Fatalf("unexpected audit %v %v", entries, err)
	}
}

func TestStatsAndCredentials(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/checkouts/stats":
			if r.URL.Query().Get("limit") != "" {
				t.Fatalf("stats should not page: %s", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"total":3,"succeeded":2,"failed":1}`))
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/credentials/bugsbunny@gmail.com":
			_, _ = w.Write([]byte(`{"user_identity":"bugsbunny@gmail.com","alias":"Acme Bank Visa ending in 4242","token":"tok_****"}`))
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()
	stats, err := c.Stats(ctx, ListQuery{Limit: 10})
	if err != nil || stats.Total != 3 || stats.Succeeded != 2 {
		t.Fatalf("unexpected stats %+v %v", stats, err)
	}
	cred, err := c.GetCredential(ctx, "bugsbunny@gmail.com")
	if err != nil || cred.Alias == "" {
		t.Fatalf("unexpected credential %+v %v", cred, err)
	}
	if err := c.RevokeCredential(ctx, "bugsbunny@gmail.com"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
}

func TestAPIKeyHeader(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"UNAUTHENTICATED","message":"missing bearer token"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"co-1","status":"succeeded"}`))
	})
	_, err := c.Get(context.Background(), "co-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %v", err)
	}
	c.SetAPIKey(" secret ")
	co, err := c.Get(context.Background(), "co-1")
	if err != nil || !co.Done() {
		t.Fatalf("unexpected result %+v %v", co, err)
	}
}
