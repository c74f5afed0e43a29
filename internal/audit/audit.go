// Package audit 记录单笔交易的协议级审计轨迹。
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// 交易各阶段的审计标签。
const (
	Phase1 = "PHASE_1"
	Phase2 = "PHASE_2"
	Phase3 = "PHASE_3"
	Phase4 = "PHASE_4"
	Phase5 = "PHASE_5"
	Phase6 = "PHASE_6"
	Phase7 = "PHASE_7"
)

// Entry 是一条审计记录。
type Entry struct {
	Timestamp   time.Time `json:"timestamp"`
	Stage       string    `json:"stage"`
	Description string    `json:"description"`
	Agent       string    `json:"agent"`
	Payload     any       `json:"payload,omitempty"`
	NextAction  string    `json:"next_action,omitempty"`
}

// Log 是并发安全的审计日志。nil *Log 表示关闭审计，所有方法均为空操作。
type Log struct {
	mu      sync.Mutex
	entries []Entry
	now     func() time.Time
	mirror  *slog.Logger
}

// Option 定义 Log 的可选配置。
type Option func(*Log)

// WithMirror 将每条记录同步输出到结构化日志。
func WithMirror(l *slog.Logger) Option {
	return func(a *Log) { a.mirror = l }
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(a *Log) {
		if now != nil {
			a.now = now
		}
	}
}

// New 创建审计日志。
func New(opts ...Option) *Log {
	l := &Log{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Record 追加一条以当前时间为时间戳的记录。
func (l *Log) Record(stage, description, agent string, payload any, next string) {
	if l == nil {
		return
	}
	l.Append(Entry{
		Timestamp:   l.now().UTC(),
		Stage:       stage,
		Description: description,
		Agent:       agent,
		Payload:     payload,
		NextAction:  next,
	})
}

// Append 追加记录，时间戳为空时补齐当前时间。
func (l *Log) Append(e Entry) {
	if l == nil {
		return
	}
	l.mu.Lock()
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	l.entries = append(l.entries, e)
	mirror := l.mirror
	l.mu.Unlock()

	if mirror != nil {
		attrs := []slog.Attr{
			slog.String("stage", e.Stage),
			slog.String("agent", e.Agent),
		}
		if e.NextAction != "" {
			attrs = append(attrs, slog.String("next_action", e.NextAction))
		}
		if e.Payload != nil {
			attrs = append(attrs, slog.Any("payload", e.Payload))
		}
		mirror.LogAttrs(context.Background(), slog.LevelInfo, e.Description, attrs...)
	}
}

// Entries 返回记录副本。
func (l *Log) Entries() []Entry {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Len 返回记录数量。
func (l *Log) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear 清空记录。
func (l *Log) Clear() {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

// Format 将记录渲染为便于阅读的文本。
func (l *Log) Format() string {
	return Format(l.Entries())
}

// Format 渲染任意记录列表，条目之间以空行分隔。
func Format(entries []Entry) string {
	blocks := make([]string, 0, len(entries))
	for _, e := range entries {
		var b strings.Builder
		fmt.Fprintf(&b, "[%s] [%s] [%s]\n  %s", e.Timestamp.Format(time.RFC3339Nano), e.Stage, e.Agent, e.Description)
		if e.NextAction != "" {
			fmt.Fprintf(&b, "\n  → Next: %s", e.NextAction)
		}
		if e.Payload != nil {
			raw, err := json.MarshalIndent(e.Payload, "  ", "  ")
			if err != nil {
				raw = []byte(fmt.Sprintf("%q", fmt.Sprint(e.Payload)))
			}
			fmt.Fprintf(&b, "\n  Payload: %s", raw)
		}
		blocks = append(blocks, b.String())
	}
	return strings.Join(blocks, "\n\n")
}
