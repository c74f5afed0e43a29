package checkout

import (
	"context"
	"sync"

	xerrors "AP2-Orchestrator/internal/errors"
)

const defaultMemoryQueueSize = 64

// MemoryQueue 是基于带缓冲 channel 的单进程队列，适合测试与单实例部署。
type MemoryQueue struct {
	ch     chan string
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建容量为 size 的内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = defaultMemoryQueueSize
	}
	return &MemoryQueue{ch: make(chan string, size)}
}

// Publish 在队列满时阻塞，直到有空位或 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, sessionID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "内存队列已关闭", xerrors.WithMetadata("session_id", sessionID))
	}
	select {
	case q.ch <- sessionID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume 实现 Consumer。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	return runWorkers(ctx, workerCount, q.next, handler)
}

func (q *MemoryQueue) next(ctx context.Context) (delivery, bool, error) {
	select {
	case <-ctx.Done():
		return delivery{}, false, ctx.Err()
	case id, ok := <-q.ch:
		if !ok {
			return delivery{}, false, errDrained
		}
		return delivery{sessionID: id}, true, nil
	}
}

// Close 之后 Publish 失败；已入队的会话仍会被消费完。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.ch)
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
