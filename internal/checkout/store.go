package checkout

import (
	"context"

	xerrors "AP2-Orchestrator/internal/errors"
	"AP2-Orchestrator/internal/orchestrator"
)

// Store 定义了会话状态的持久化接口。
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// Claim 将待处理会话置为运行中并递增尝试次数。
	Claim(ctx context.Context, id string) (*Session, error)
	AppendStep(ctx context.Context, id string, step orchestrator.Step) error
	// SetChallenge 记录待回答的挑战；ch 为 nil 时清除挑战并恢复运行中。
	SetChallenge(ctx context.Context, id string, ch *orchestrator.Challenge) error
	MarkSucceeded(ctx context.Context, id string, out Outcome) error
	// MarkFailed 记录失败。terminal 为 false 时会话回到待处理以便重新入队。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Session, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}

// Stats 汇总匹配会话在各状态下的数量。
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
