package simulator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "AP2-Orchestrator/internal/errors"
)

// DefaultOTPTTL 是待验证挑战的默认有效期。
const DefaultOTPTTL = 5 * time.Minute

// DefaultRedisOTPPrefix 是 Redis 键前缀。
const DefaultRedisOTPPrefix = "ap2:otp:"

// OTPStore 保存按付款授权标识索引的待验证码。
type OTPStore interface {
	Put(ctx context.Context, transactionID, code string) error
	Get(ctx context.Context, transactionID string) (string, bool, error)
	Delete(ctx context.Context, transactionID string) error
}

type otpEntry struct {
	code    string
	expires time.Time
}

// MemoryOTPStore 是进程内的 OTPStore。
type MemoryOTPStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	pending map[string]otpEntry
}

// NewMemoryOTPStore 创建内存实现，ttl<=0 时使用 DefaultOTPTTL。
func NewMemoryOTPStore(ttl time.Duration) *MemoryOTPStore {
	if ttl <= 0 {
		ttl = DefaultOTPTTL
	}
	return &MemoryOTPStore{ttl: ttl, now: time.Now, pending: make(map[string]otpEntry)}
}

// Put 实现 OTPStore。
func (s *MemoryOTPStore) Put(_ context.Context, id, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[id] = otpEntry{code: code, expires: s.now().Add(s.ttl)}
	return nil
}

// Get 实现 OTPStore，过期条目视为不存在。
func (s *MemoryOTPStore) Get(_ context.Context, id string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[id]
	if !ok {
		return "", false, nil
	}
	if s.now().After(e.expires) {
		delete(s.pending, id)
		return "", false, nil
	}
	return e.code, true, nil
}

// Delete 实现 OTPStore。
func (s *MemoryOTPStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	return nil
}

// RedisOTPConfig 描述 Redis 连接参数。
type RedisOTPConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// RedisOTPStore 使用带过期时间的 Redis 键保存验证码。
type RedisOTPStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisOTPStore 连接 Redis 并创建 OTPStore。
func NewRedisOTPStore(cfg RedisOTPConfig) (*RedisOTPStore, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "连接 Redis 失败")
	}
	return NewRedisOTPStoreWithClient(client, cfg), nil
}

// NewRedisOTPStoreWithClient 基于已有客户端创建 OTPStore。
func NewRedisOTPStoreWithClient(client redis.UniversalClient, cfg RedisOTPConfig) *RedisOTPStore {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultRedisOTPPrefix
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultOTPTTL
	}
	return &RedisOTPStore{client: client, prefix: prefix, ttl: ttl}
}

// Put 实现 OTPStore。
func (s *RedisOTPStore) Put(ctx context.Context, id, code string) error {
	if err := s.client.Set(ctx, s.prefix+id, code, s.ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeTransport, err, "保存验证码失败")
	}
	return nil
}

// Get 实现 OTPStore。
func (s *RedisOTPStore) Get(ctx context.Context, id string) (string, bool, error) {
	code, err := s.client.Get(ctx, s.prefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, xerrors.Wrap(xerrors.CodeTransport, err, "读取验证码失败")
	}
	return code, true, nil
}

// Delete 实现 OTPStore。
func (s *RedisOTPStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.prefix+id).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeTransport, err, "删除验证码失败")
	}
	return nil
}

// Close 关闭 Redis 客户端。
func (s *RedisOTPStore) Close() error {
	return s.client.Close()
}
