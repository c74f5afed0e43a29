package orchestrator

import (
	"context"
	"time"

	"AP2-Orchestrator/internal/a2a"
	"AP2-Orchestrator/internal/audit"
	"AP2-Orchestrator/internal/mandate"
	"AP2-Orchestrator/internal/registry"
)

// State 表示交易所处的阶段。
type State string

const (
	StateIdle           State = "IDLE"
	StateIdentifying    State = "IDENTIFYING"
	StateCreatingIntent State = "CREATING_INTENT"
	StateProcessing     State = "PROCESSING"
	StateSuccess        State = "SUCCESS"
	StateFailed         State = "FAILED"
)

// Terminal 判断状态是否为终态。
func (s State) Terminal() bool { return s == StateSuccess || s == StateFailed }

// 支付处理方的回复状态。
const (
	PaymentSuccess           = "SUCCESS"
	PaymentChallengeRequired = "CHALLENGE_REQUIRED"
	PaymentFailed            = "FAILED"
)

// 默认交易参数。
const (
	DefaultUserIdentity = "bugsbunny@gmail.com"
	DefaultPaymentAlias = "Acme Bank Visa ending in 4242"
	DefaultIntentBudget = 1000.0
)

// LineSelection 是用户选中的一行商品。
type LineSelection struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// CartRequest 是发往商户的建单请求。
type CartRequest struct {
	Items   []LineSelection
	Intent  *mandate.IntentMandate
	Message *a2a.Message
}

// TokenRequest 是发往凭证提供方的令牌化请求。
type TokenRequest struct {
	UserIdentity string
	PaymentAlias string
	Message      *a2a.Message
}

// PaymentRequest 是发往支付处理方的付款请求。OTP 为空表示首次提交。
type PaymentRequest struct {
	Mandate *mandate.PaymentMandate
	OTP     string
	Message *a2a.Message
}

// PaymentResponse 是支付处理方的回复。
type PaymentResponse struct {
	Status      string           `json:"status"`
	Message     string           `json:"message,omitempty"`
	DisplayText string           `json:"display_text,omitempty"`
	Receipt     *mandate.Receipt `json:"receipt,omitempty"`
}

// Merchant 负责创建并签名报价。
type Merchant interface {
	CreateCart(ctx context.Context, req CartRequest) (*mandate.CartMandate, error)
}

// Credentials 负责将支付方式令牌化。
type Credentials interface {
	Tokenize(ctx context.Context, req TokenRequest) (string, error)
}

// Processor 负责处理付款。
type Processor interface {
	InitiatePayment(ctx context.Context, req PaymentRequest) (*PaymentResponse, error)
}

// CardDescriber 由能够提供在线能力声明的客户端实现。
type CardDescriber interface {
	AgentCard(ctx context.Context) (*a2a.AgentCard, error)
}

// CallObserver 接收每次对手方调用的结果，用于指标统计。
type CallObserver interface {
	ObserveCall(role string, err error, elapsed time.Duration)
}

// StepFunc 接收每次阶段变化及对应的进度文本。
type StepFunc func(state State, line string)

// Step 是一条进度记录。
type Step struct {
	State State     `json:"state"`
	Line  string    `json:"line"`
	At    time.Time `json:"at"`
}

// Request 描述一笔交易。
type Request struct {
	// TransactionID 为空时自动生成。
	TransactionID string
	Items         []LineSelection
	UserIdentity  string
	PaymentAlias  string
	// Verbose 为真且未提供 Audit 时创建新的审计日志。
	Verbose  bool
	Audit    *audit.Log
	Registry *registry.Registry
	Prompter OTPPrompter
	OnStep   StepFunc
}

// Result 是交易的终态。Cart 与 Payment 仅在成功时给出。
type Result struct {
	TransactionID string
	State         State
	Message       string
	Receipt       *mandate.Receipt
	Intent        *mandate.IntentMandate
	Cart          *mandate.CartMandate
	Payment       *mandate.PaymentMandate
	Steps         []Step
	Err           error
	Audit         *audit.Log
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Succeeded 判断交易是否成功。
func (r *Result) Succeeded() bool {
	return r != nil && r.State == StateSuccess && r.Receipt != nil && r.Receipt.ID != ""
}
