package checkout

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "AP2-Orchestrator/internal/errors"
)

// DefaultRabbitMQQueue 是默认的 RabbitMQ 队列名称。
const DefaultRabbitMQQueue = "ap2.checkouts"

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 通过默认交换机投递到同名队列，消息体即会话 ID。
type RabbitMQQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string

	// amqp.Channel 的发布不是并发安全的。
	publishMu sync.Mutex
}

// NewRabbitMQQueue 建立连接、channel 并声明队列，任一步失败都会释放已建立的资源。
func NewRabbitMQQueue(cfg RabbitMQConfig) (q *RabbitMQQueue, err error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "RabbitMQ URL 不能为空")
	}
	name := cfg.Queue
	if name == "" {
		name = DefaultRabbitMQQueue
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	defer func() {
		if err != nil {
			_ = conn.Close()
		}
	}()
	ch, err := conn.Channel()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ QoS 失败")
		}
	}
	if _, err := ch.QueueDeclare(name, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败",
			xerrors.WithMetadata("queue", name))
	}
	return &RabbitMQQueue{conn: conn, ch: ch, queue: name}, nil
}

// Publish 以持久化消息投递会话。
func (q *RabbitMQQueue) Publish(ctx context.Context, sessionID string) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	q.publishMu.Lock()
	defer q.publishMu.Unlock()
	err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		MessageId:    sessionID,
		Body:         []byte(sessionID),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布会话失败",
			xerrors.WithMetadata("session_id", sessionID))
	}
	return nil
}

// Consume 以手动确认模式订阅。领取失败的消息 Nack 后重新入队；
// 业务失败的重试由处理器重新发布，这类消息照常确认。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}
	fetch := func(ctx context.Context) (delivery, bool, error) {
		select {
		case <-ctx.Done():
			return delivery{}, false, ctx.Err()
		case msg, ok := <-deliveries:
			if !ok {
				return delivery{}, false, xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 投递通道已关闭")
			}
			return delivery{sessionID: string(msg.Body), settle: func(handlerErr error) {
				if handlerErr != nil {
					_ = msg.Nack(false, true)
					return
				}
				_ = msg.Ack(false)
			}}, true, nil
		}
	}
	return runWorkers(ctx, workerCount, fetch, handler)
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

var _ Queue = (*RabbitMQQueue)(nil)
