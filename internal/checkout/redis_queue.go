package checkout

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "AP2-Orchestrator/internal/errors"
	"AP2-Orchestrator/pkg/logger"
)

// DefaultRedisQueue 是默认的 Redis list 名称。
const DefaultRedisQueue = "ap2:checkouts"

const (
	inFlightSuffix     = ":inflight"
	defaultRedisBlock  = 5 * time.Second
	redisSettleTimeout = 3 * time.Second
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 把会话 ID 放在 Redis list 中。取出时用 BLMOVE 原子地挪到
// <queue>:inflight，处理结束后再移除，因此崩溃时在途的会话可以被观察到。
type RedisQueue struct {
	client   redis.UniversalClient
	queue    string
	inFlight string
	wait     time.Duration
}

// NewRedisQueue 连接 Redis 并确认可用。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), defaultRedisBlock)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败",
			xerrors.WithMetadata("address", cfg.Address))
	}
	return NewRedisQueueWithClient(client, cfg), nil
}

// NewRedisQueueWithClient 基于已有客户端创建队列，客户端随 Close 一并关闭。
func NewRedisQueueWithClient(client redis.UniversalClient, cfg RedisQueueConfig) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = DefaultRedisQueue
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = defaultRedisBlock
	}
	return &RedisQueue{client: client, queue: queue, inFlight: queue + inFlightSuffix, wait: wait}
}

// Publish 将会话追加到队尾。
func (q *RedisQueue) Publish(ctx context.Context, sessionID string) error {
	if err := q.client.LPush(ctx, q.queue, sessionID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布会话失败",
			xerrors.WithMetadata("session_id", sessionID))
	}
	return nil
}

// Consume 实现 Consumer。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	return runWorkers(ctx, workerCount, q.next, handler)
}

func (q *RedisQueue) next(ctx context.Context) (delivery, bool, error) {
	id, err := q.client.BLMove(ctx, q.queue, q.inFlight, "RIGHT", "LEFT", q.wait).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return delivery{}, false, nil
	case err != nil:
		if ctx.Err() != nil {
			return delivery{}, false, ctx.Err()
		}
		return delivery{}, false, xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取会话失败")
	}
	return delivery{sessionID: id, settle: func(handlerErr error) { q.settle(id, handlerErr) }}, true, nil
}

// settle 移除在途记录；handler 失败时把会话放回队尾等待下一次领取。
func (q *RedisQueue) settle(id string, handlerErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisSettleTimeout)
	defer cancel()
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.inFlight, 1, id)
		if handlerErr != nil {
			pipe.LPush(ctx, q.queue, id)
		}
		return nil
	})
	if err != nil {
		logger.Named("checkout").Warn("Redis 确认会话失败", slog.String("session_id", id), slog.Any("error", err))
	}
}

// ResetInFlight 清空上次运行遗留的在途记录并返回条数。会话状态以存储为准，
// 由 Service.Recover 决定重新入队还是判定中断。
func (q *RedisQueue) ResetInFlight(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.inFlight).Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeQueueFailure, err, "读取 Redis 在途会话失败")
	}
	if n == 0 {
		return 0, nil
	}
	if err := q.client.Del(ctx, q.inFlight).Err(); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeQueueFailure, err, "清理 Redis 在途会话失败")
	}
	return int(n), nil
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

var (
	_ Queue            = (*RedisQueue)(nil)
	_ inFlightResetter = (*RedisQueue)(nil)
)
