// Package events 负责把结账结果广播给日志、Kafka 与 Webhook 等通知渠道。
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	xerrors "AP2-Orchestrator/internal/errors"
	"AP2-Orchestrator/pkg/logger"
)

// Type 表示事件类型。
type Type string

const (
	TypeOrderCompleted    Type = "order.completed"
	TypeCheckoutFailed    Type = "checkout.failed"
	TypeChallengeRequired Type = "challenge.required"
)

// Event 描述一次结账事件。
type Event struct {
	Type        Type              `json:"type"`
	SessionID   string            `json:"session_id"`
	Code        xerrors.Code      `json:"code,omitempty"`
	Message     string            `json:"message,omitempty"`
	Severity    xerrors.Severity  `json:"severity,omitempty"`
	Attempts    int               `json:"attempts,omitempty"`
	MaxAttempts int               `json:"max_attempts,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() string
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 将事件投递到所有注册渠道。
type FanoutDispatcher struct {
	notifiers map[string]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher，同一渠道只保留最后一个通知器。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[string]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Channels 返回已注册的渠道名称。
func (d *FanoutDispatcher) Channels() []string {
	if d == nil {
		return nil
	}
	out := make([]string, 0, len(d.notifiers))
	for ch := range d.notifiers {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Notify 将事件广播至所有注册渠道，OccurredAt 为空时补齐当前时间。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 将事件写入审计日志。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() string { return "log" }

// Notify 写入一条审计记录。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	l := logger.Audit()
	if n != nil && n.Logger != nil {
		l = n.Logger
	}
	attrs := []any{
		slog.String("type", string(event.Type)),
		slog.String("session_id", event.SessionID),
		slog.Time("occurred_at", event.OccurredAt),
	}
	if event.Code != "" {
		attrs = append(attrs, slog.String("code", string(event.Code)))
	}
	if event.Message != "" {
		attrs = append(attrs, slog.String("message", event.Message))
	}
	for _, k := range sortedKeys(event.Metadata) {
		attrs = append(attrs, slog.String("meta."+k, event.Metadata[k]))
	}
	switch event.Severity {
	case xerrors.SeverityCritical:
		l.Error("结账事件", attrs...)
	case xerrors.SeverityWarning:
		l.Warn("结账事件", attrs...)
	default:
		l.Info("结账事件", attrs...)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
