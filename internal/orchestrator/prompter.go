package orchestrator

import (
	"context"
	"errors"
)

// ErrOTPDeclined 表示用户拒绝提供一次性验证码。
var ErrOTPDeclined = errors.New("orchestrator: otp challenge declined")

// Challenge 是支付处理方发起的加强认证请求。
type Challenge struct {
	TransactionID string `json:"transaction_id"`
	Message       string `json:"message"`
	DisplayText   string `json:"display_text,omitempty"`
}

// OTPPrompter 在挑战阶段向用户索取验证码。返回空字符串或 ErrOTPDeclined 视为取消。
type OTPPrompter interface {
	PromptOTP(ctx context.Context, ch Challenge) (string, error)
}

// PrompterFunc 允许使用普通函数作为 OTPPrompter。
type PrompterFunc func(ctx context.Context, ch Challenge) (string, error)

// PromptOTP 实现 OTPPrompter。
func (f PrompterFunc) PromptOTP(ctx context.Context, ch Challenge) (string, error) {
	return f(ctx, ch)
}

type otpAnswer struct {
	code     string
	declined bool
}

// ChannelPrompter 通过通道把挑战交给外部，并等待 Answer 或 Decline。
type ChannelPrompter struct {
	challenges chan Challenge
	answers    chan otpAnswer
}

// NewChannelPrompter 创建 ChannelPrompter。
func NewChannelPrompter() *ChannelPrompter {
	return &ChannelPrompter{
		challenges: make(chan Challenge, 1),
		answers:    make(chan otpAnswer, 1),
	}
}

// Challenges 返回待处理挑战的通道。
func (p *ChannelPrompter) Challenges() <-chan Challenge { return p.challenges }

// Answer 提交验证码。已有未消费的回答时返回 false。
func (p *ChannelPrompter) Answer(code string) bool {
	return p.offer(otpAnswer{code: code})
}

// Decline 拒绝挑战。
func (p *ChannelPrompter) Decline() bool {
	return p.offer(otpAnswer{declined: true})
}

func (p *ChannelPrompter) offer(a otpAnswer) bool {
	select {
	case p.answers <- a:
		return true
	default:
		return false
	}
}

// PromptOTP 实现 OTPPrompter，阻塞直到收到回答或 ctx 结束。
func (p *ChannelPrompter) PromptOTP(ctx context.Context, ch Challenge) (string, error) {
	select {
	case p.challenges <- ch:
	default:
	}
	select {
	case a := <-p.answers:
		if a.declined {
			return "", ErrOTPDeclined
		}
		return a.code, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
