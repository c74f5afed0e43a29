package checkout

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	xerrors "AP2-Orchestrator/internal/errors"
	"AP2-Orchestrator/internal/orchestrator"
)

// MemoryStore 以内存方式保存会话状态，用于单进程部署与测试。
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session), now: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	if s == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "session 不能为空")
	}
	if s.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrSessionConflict
	}
	now := m.now().Unix()
	if s.CreatedAt == 0 {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.Status == "" {
		s.Status = StatusPending
	}
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

// Get 返回会话。
func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(s), nil
}

// Claim 将会话状态更新为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	switch s.Status {
	case StatusSucceeded:
		return cloneSession(s), ErrSessionCompleted
	case StatusFailed:
		return cloneSession(s), ErrSessionExhausted
	case StatusRunning, StatusAwaitingOTP:
		return cloneSession(s), ErrSessionConflict
	}
	if s.MaxAttempts > 0 && s.Attempts >= s.MaxAttempts {
		return cloneSession(s), ErrSessionExhausted
	}
	s.Status = StatusRunning
	s.Attempts++
	s.Steps = nil
	s.Step = ""
	s.Challenge = nil
	s.UpdatedAt = m.now().Unix()
	return cloneSession(s), nil
}

// AppendStep 追加一条进度记录。
func (m *MemoryStore) AppendStep(_ context.Context, id string, step orchestrator.Step) error {
	return m.update(id, func(s *Session) {
		s.Steps = append(s.Steps, step)
		s.Step = step.State
	})
}

// SetChallenge 记录或清除待回答的挑战。
func (m *MemoryStore) SetChallenge(_ context.Context, id string, ch *orchestrator.Challenge) error {
	return m.update(id, func(s *Session) {
		if ch == nil {
			s.Challenge = nil
			if s.Status == StatusAwaitingOTP {
				s.Status = StatusRunning
			}
			return
		}
		c := *ch
		s.Challenge = &c
		s.Status = StatusAwaitingOTP
	})
}

// MarkSucceeded 将会话标记为成功并写入收据。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, out Outcome) error {
	return m.update(id, func(s *Session) {
		receipt := out.Receipt
		s.Status = StatusSucceeded
		s.Receipt = &receipt
		s.CartID = out.CartID
		s.MandateID = out.MandateID
		s.Amount = out.Amount
		s.Currency = out.Currency
		s.Challenge = nil
		s.LastError = ""
		s.ErrorCode = ""
	})
}

// MarkFailed 将会话标记为失败，非终态失败回到待处理。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	return m.update(id, func(s *Session) {
		s.Status = StatusFailed
		if !terminal {
			s.Status = StatusPending
		}
		s.Challenge = nil
		s.LastError = lastError
		s.ErrorCode = string(code)
	})
}

func (m *MemoryStore) update(id string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	fn(s)
	s.UpdatedAt = m.now().Unix()
	return nil
}

// List 返回符合条件的会话。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Session, error) {
	opts.normalize()
	m.mu.RLock()
	matched := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if matches(s, opts) {
			matched = append(matched, s)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.UpdatedAt != b.UpdatedAt {
			if opts.Order == SortByUpdatedAsc {
				return a.UpdatedAt < b.UpdatedAt
			}
			return a.UpdatedAt > b.UpdatedAt
		}
		if a.CreatedAt != b.CreatedAt {
			if opts.Order == SortByUpdatedAsc {
				return a.CreatedAt < b.CreatedAt
			}
			return a.CreatedAt > b.CreatedAt
		}
		if opts.Order == SortByUpdatedAsc {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})

	if opts.Offset >= len(matched) {
		return []*Session{}, nil
	}
	end := min(opts.Offset+opts.Limit, len(matched))
	out := make([]*Session, 0, end-opts.Offset)
	m.mu.RLock()
	for _, s := range matched[opts.Offset:end] {
		out = append(out, cloneSession(s))
	}
	m.mu.RUnlock()
	return out, nil
}

// Stats 返回聚合统计。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	opts.normalize()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats Stats
	for _, s := range m.sessions {
		if !matches(s, opts) {
			continue
		}
		stats.Total++
		switch s.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusAwaitingOTP:
			stats.AwaitingOTP++
		case StatusSucceeded:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		}
		if stats.OldestUpdatedAt == 0 || s.UpdatedAt < stats.OldestUpdatedAt {
			stats.OldestUpdatedAt = s.UpdatedAt
		}
		if s.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = s.UpdatedAt
		}
	}
	return stats, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

func matches(s *Session, opts ListOptions) bool {
	if len(opts.Statuses) > 0 && !slices.Contains(opts.Statuses, s.Status) {
		return false
	}
	if opts.UpdatedFrom > 0 && s.UpdatedAt < opts.UpdatedFrom {
		return false
	}
	if opts.UpdatedTo > 0 && s.UpdatedAt > opts.UpdatedTo {
		return false
	}
	if opts.UserIdentity != "" && s.UserIdentity != opts.UserIdentity {
		return false
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
