package checkout

import (
	"slices"

	xerrors "AP2-Orchestrator/internal/errors"
	"AP2-Orchestrator/internal/mandate"
	"AP2-Orchestrator/internal/orchestrator"
)

// Status 表示结账会话在生命周期中的状态。
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusAwaitingOTP Status = "awaiting_otp"
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
)

// IsValidStatus 判断状态值是否合法。
func IsValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusRunning, StatusAwaitingOTP, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool { return s == StatusSucceeded || s == StatusFailed }

// Session 描述一次排队执行的结账。
type Session struct {
	ID           string                       `json:"id"`
	Items        []orchestrator.LineSelection `json:"items"`
	UserIdentity string                       `json:"user_identity"`
	PaymentAlias string                       `json:"payment_alias"`
	Status       Status                       `json:"status"`
	// Step 是编排器最近一次进入的阶段。
	Step        orchestrator.State      `json:"step,omitempty"`
	Steps       []orchestrator.Step     `json:"steps,omitempty"`
	Challenge   *orchestrator.Challenge `json:"challenge,omitempty"`
	Attempts    int                     `json:"attempts"`
	MaxAttempts int                     `json:"max_attempts"`
	LastError   string                  `json:"last_error,omitempty"`
	ErrorCode   string                  `json:"error_code,omitempty"`
	Receipt     *mandate.Receipt        `json:"receipt,omitempty"`
	CartID      string                  `json:"cart_id,omitempty"`
	MandateID   string                  `json:"mandate_id,omitempty"`
	Amount      float64                 `json:"amount,omitempty"`
	Currency    string                  `json:"currency,omitempty"`
	CreatedAt   int64                   `json:"created_at"`
	UpdatedAt   int64                   `json:"updated_at"`
}

// Outcome 是成功结账需要回写的字段。
type Outcome struct {
	Receipt   mandate.Receipt
	CartID    string
	MandateID string
	Amount    float64
	Currency  string
}

func cloneSession(s *Session) *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Items = slices.Clone(s.Items)
	c.Steps = slices.Clone(s.Steps)
	if s.Challenge != nil {
		ch := *s.Challenge
		c.Challenge = &ch
	}
	if s.Receipt != nil {
		r := *s.Receipt
		c.Receipt = &r
	}
	return &c
}

var (
	// ErrSessionNotFound 表示会话不存在。
	ErrSessionNotFound = xerrors.New(CodeSessionNotFound, "checkout session not found")
	// ErrSessionConflict 表示会话在当前状态下无法执行所请求的操作。
	ErrSessionConflict = xerrors.New(CodeSessionConflict, "checkout session conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrSessionCompleted 表示会话已经成功完成。
	ErrSessionCompleted = xerrors.New(CodeSessionCompleted, "checkout session already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrSessionExhausted 表示会话已失败且不再重试。
	ErrSessionExhausted = xerrors.New(CodeSessionExhausted, "checkout session attempts exhausted")
	// ErrNoChallenge 表示会话当前没有待回答的验证码挑战。
	ErrNoChallenge = xerrors.New(CodeNoChallenge, "checkout session has no pending challenge")
)

const (
	CodeSessionNotFound    xerrors.Code = "CHECKOUT_NOT_FOUND"
	CodeSessionConflict    xerrors.Code = "CHECKOUT_CONFLICT"
	CodeSessionCompleted   xerrors.Code = "CHECKOUT_COMPLETED"
	CodeSessionExhausted   xerrors.Code = "CHECKOUT_ATTEMPTS_EXHAUSTED"
	CodeSessionValidation  xerrors.Code = "CHECKOUT_VALIDATION_FAILED"
	CodeSessionPublish     xerrors.Code = "CHECKOUT_PUBLISH_FAILED"
	CodeSessionProcessing  xerrors.Code = "CHECKOUT_PROCESSING_FAILED"
	CodeNoChallenge        xerrors.Code = "CHECKOUT_NO_CHALLENGE"
	CodeOrderRecording     xerrors.Code = "CHECKOUT_ORDER_RECORDING_FAILED"
	CodeSessionInterrupted xerrors.Code = "CHECKOUT_INTERRUPTED"
)

func init() {
	xerrors.Register(CodeSessionNotFound, xerrors.Attributes{
		Message:  "checkout session not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeSessionConflict, xerrors.Attributes{
		Message:  "checkout session conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeSessionCompleted, xerrors.Attributes{
		Message:  "checkout session already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeSessionExhausted, xerrors.Attributes{
		Message:  "checkout session attempts exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeSessionValidation, xerrors.Attributes{
		Message:  "checkout request invalid",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeSessionPublish, xerrors.Attributes{
		Message:   "failed to publish checkout session",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeSessionProcessing, xerrors.Attributes{
		Message:  "checkout processing failed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeNoChallenge, xerrors.Attributes{
		Message:  "checkout session has no pending challenge",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeOrderRecording, xerrors.Attributes{
		Message:  "order recording failed after payment",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeSessionInterrupted, xerrors.Attributes{
		Message:  "checkout session interrupted by a restart",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}
