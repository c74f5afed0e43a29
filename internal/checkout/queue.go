package checkout

import (
	"context"
	"errors"
	"sync"
)

// Handler 处理来自消息队列的会话 ID。
type Handler func(ctx context.Context, sessionID string) error

// Producer 负责向队列投递会话。
type Producer interface {
	Publish(ctx context.Context, sessionID string) error
	Close() error
}

// Consumer 负责从队列中消费会话。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// inFlightResetter 由记录在途消息的队列实现，启动恢复时清理上次运行的残留。
type inFlightResetter interface {
	ResetInFlight(ctx context.Context) (int, error)
}

// errDrained 表示队列已关闭且不会再有消息，工作协程安静退出。
var errDrained = errors.New("checkout: queue drained")

// delivery 是取出的一条消息，settle 在 handler 返回后以其结果调用。
type delivery struct {
	sessionID string
	settle    func(handlerErr error)
}

// fetchFunc 阻塞直到取到消息。ok 为 false 且无错误时表示本轮超时，继续等待。
type fetchFunc func(ctx context.Context) (d delivery, ok bool, err error)

// runWorkers 启动 workers 个协程循环取消息并交给 handler。
// 任一协程取消息失败会停止全部协程并返回该错误，否则阻塞到 ctx 结束。
func runWorkers(ctx context.Context, workers int, fetch fetchFunc, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				d, ok, err := fetch(ctx)
				if errors.Is(err, errDrained) {
					return
				}
				if err != nil {
					if ctx.Err() == nil {
						cancel(err)
					}
					return
				}
				if !ok {
					continue
				}
				handlerErr := handler(ctx, d.sessionID)
				if d.settle != nil {
					d.settle(handlerErr)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return context.Cause(ctx)
}
