package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := Wrap(CodeTimeout, context.DeadlineExceeded, "merchant call timed out")
	wrapped := fmt.Errorf("phase 2: %w", err)

	if !stdErrors.Is(wrapped, New(CodeTimeout, "")) {
		t.Fatalf("expected code match through wrapping")
	}
	if stdErrors.Is(wrapped, New(CodeDeclined, "")) {
		t.Fatalf("unexpected match on a different code")
	}
	if !stdErrors.Is(wrapped, context.DeadlineExceeded) {
		t.Fatalf("cause should stay reachable")
	}
}

func TestAttributesDefaults(t *testing.T) {
	if !RetryableError(New(CodeTransport, "down")) {
		t.Fatalf("transport errors should be retryable")
	}
	if RetryableError(New(CodeDeclined, "no")) {
		t.Fatalf("declines must not be retryable")
	}
	if RetryableError(New(CodeUserCancelled, "")) {
		t.Fatalf("cancellation must not be retryable")
	}
	if got := AttributesOf("NOT_REGISTERED"); got.Message != "unknown error" {
		t.Fatalf("unexpected fallback attributes: %+v", got)
	}
	override := New(CodeTransport, "down", WithRetryable(false), WithSeverity(SeverityCritical))
	if override.Retryable() || override.Severity() != SeverityCritical {
		t.Fatalf("options were not applied: %+v", override)
	}
}

func TestProblemsAndMessage(t *testing.T) {
	err := New(CodeValidation, "Invalid CartMandate: Missing cart_id, Cart is empty",
		WithProblems("Missing cart_id", "Cart is empty"))
	outer := fmt.Errorf("wrapped: %w", err)

	problems := ProblemsOf(outer)
	if len(problems) != 2 || problems[1] != "Cart is empty" {
		t.Fatalf("unexpected problems: %v", problems)
	}
	if MessageOf(outer) != "Invalid CartMandate: Missing cart_id, Cart is empty" {
		t.Fatalf("unexpected message: %q", MessageOf(outer))
	}
	if MessageOf(stdErrors.New("plain")) != "plain" {
		t.Fatalf("plain errors should fall back to Error()")
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatalf("plain errors should map to UNKNOWN")
	}
}
