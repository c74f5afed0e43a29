package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "AP2-Orchestrator/internal/errors"
)

func TestCollectorRendersAllFamilies(t *testing.T) {
	c := NewCollector()
	c.ObserveHTTPRequest("/api/v1/checkouts", "POST", 202, 20*time.Millisecond)
	c.ObserveTransaction("SUCCESS", "", 2*time.Second)
	c.ObserveTransaction("FAILED", xerrors.CodeDeclined, 70*time.Second)
	c.ObserveCall("merchant_agent", nil, 30*time.Millisecond)
	c.ObserveCall("merchant_payment_processor", xerrors.New(xerrors.CodeTransport, "down"), time.Second)
	c.ObserveCall("credentials_provider", errors.New("plain"), time.Second)

	out := c.Render()
	for _, want := range []string{
		`ap2_http_requests_total{handler="/api/v1/checkouts",method="POST",code="202"} 1`,
		`ap2_transactions_total{outcome="FAILED",code="DECLINED"} 1`,
		`ap2_transactions_total{outcome="SUCCESS",code=""} 1`,
		`ap2_transaction_duration_seconds_bucket{outcome="FAILED",le="60"} 0`,
		`ap2_transaction_duration_seconds_bucket{outcome="FAILED",le="+Inf"} 1`,
		`ap2_transaction_duration_seconds_bucket{outcome="SUCCESS",le="2.5"} 1`,
		`ap2_counterparty_calls_total{role="merchant_agent",outcome="ok"} 1`,
		`ap2_counterparty_calls_total{role="merchant_payment_processor",outcome="transport"} 1`,
		`ap2_counterparty_calls_total{role="credentials_provider",outcome="unknown"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestHandlerContentType(t *testing.T) {
	c := NewCollector()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "# TYPE ap2_transactions_total counter") {
		t.Fatalf("missing family header: %s", rec.Body.String())
	}
}

func TestEscape(t *testing.T) {
	if got := escape("a\"b\\c\n"); got != `a\"b\\c` {
		t.Fatalf("unexpected escape %q", got)
	}
}
