package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"

	xerrors "AP2-Orchestrator/internal/errors"
)

// DefaultKafkaTopic 是默认的事件主题。
const DefaultKafkaTopic = "ap2.checkout.events"

// KafkaConfig 描述 Kafka 通知器的连接参数。
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// KafkaNotifier 以会话 ID 为 key 将事件 JSON 写入 Kafka。
type KafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaNotifier 连接 Kafka 并创建同步生产者。
func NewKafkaNotifier(cfg KafkaConfig) (*KafkaNotifier, error) {
	if len(cfg.Brokers) == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "Kafka brokers 不能为空")
	}
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_5_0_0
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3
	sc.Producer.Retry.Backoff = 250 * time.Millisecond
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 Kafka 生产者失败")
	}
	return NewKafkaNotifierWithProducer(producer, cfg.Topic), nil
}

// NewKafkaNotifierWithProducer 基于已有生产者创建通知器。
func NewKafkaNotifierWithProducer(producer sarama.SyncProducer, topic string) *KafkaNotifier {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	return &KafkaNotifier{producer: producer, topic: topic}
}

// Channel 返回 Kafka 渠道。
func (n *KafkaNotifier) Channel() string { return "kafka" }

// Notify 同步发送事件。
func (n *KafkaNotifier) Notify(_ context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码事件失败")
	}
	msg := &sarama.ProducerMessage{
		Topic: n.topic,
		Key:   sarama.StringEncoder(event.SessionID),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
	}
	if _, _, err := n.producer.SendMessage(msg); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Kafka 发送事件失败")
	}
	return nil
}

// Close 关闭生产者。
func (n *KafkaNotifier) Close() error {
	if n == nil || n.producer == nil {
		return nil
	}
	return n.producer.Close()
}
