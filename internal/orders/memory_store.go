package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	xerrors "AP2-Orchestrator/internal/errors"
)

const snapshotFile = "orders.json"

// MemoryStore 在内存中保存订单；指定数据目录时每次变更都会写入 JSON 快照。
type MemoryStore struct {
	mu          sync.RWMutex
	path        string
	orders      map[string]Order
	credentials map[string]Credential
}

type snapshot struct {
	Orders      []Order      `json:"orders"`
	Credentials []Credential `json:"credentials"`
}

// NewMemoryStore 创建 MemoryStore。dataDir 为空时不落盘。
func NewMemoryStore(dataDir string) (*MemoryStore, error) {
	s := &MemoryStore{orders: make(map[string]Order), credentials: make(map[string]Credential)}
	if strings.TrimSpace(dataDir) == "" {
		return s, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	s.path = filepath.Join(dataDir, snapshotFile)
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MemoryStore) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取订单快照失败")
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析订单快照失败")
	}
	for _, o := range snap.Orders {
		s.orders[o.ID] = o
	}
	for _, c := range snap.Credentials {
		s.credentials[c.UserIdentity] = c
	}
	return nil
}

// persist 需在持有写锁时调用。
func (s *MemoryStore) persist() error {
	if s.path == "" {
		return nil
	}
	snap := snapshot{
		Orders:      make([]Order, 0, len(s.orders)),
		Credentials: make([]Credential, 0, len(s.credentials)),
	}
	for _, o := range s.orders {
		snap.Orders = append(snap.Orders, o)
	}
	sort.Slice(snap.Orders, func(i, j int) bool { return snap.Orders[i].ID < snap.Orders[j].ID })
	for _, c := range s.credentials {
		snap.Credentials = append(snap.Credentials, c)
	}
	sort.Slice(snap.Credentials, func(i, j int) bool {
		return snap.Credentials[i].UserIdentity < snap.Credentials[j].UserIdentity
	})
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码订单快照失败")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入订单快照失败")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("替换订单快照 %s 失败", s.path))
	}
	return nil
}

// CreateOrder 实现 Store 接口。
func (s *MemoryStore) CreateOrder(_ context.Context, o *Order) error {
	if o == nil || o.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "订单 ID 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return ErrOrderExists
	}
	s.orders[o.ID] = cloneOrder(*o)
	return s.persist()
}

// ListOrders 按创建时间倒序返回用户的订单。
func (s *MemoryStore) ListOrders(_ context.Context, user string, limit int) ([]Order, error) {
	limit = clampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Order, 0)
	for _, o := range s.orders {
		if user != "" && o.UserIdentity != user {
			continue
		}
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CancelOrder 将订单状态改为 CANCELLED。
func (s *MemoryStore) CancelOrder(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	o.Status = StatusCancelled
	s.orders[id] = o
	return s.persist()
}

// SaveCredential 覆盖用户已保存的凭证。
func (s *MemoryStore) SaveCredential(_ context.Context, c Credential) error {
	if c.UserIdentity == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "用户标识不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[c.UserIdentity] = c
	return s.persist()
}

// GetCredential 返回用户已保存的凭证。
func (s *MemoryStore) GetCredential(_ context.Context, user string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[user]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	return &c, nil
}

// RevokeCredential 删除用户已保存的凭证。
func (s *MemoryStore) RevokeCredential(_ context.Context, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[user]; !ok {
		return ErrCredentialNotFound
	}
	delete(s.credentials, user)
	return s.persist()
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
