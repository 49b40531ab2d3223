package infrastructure

import (
	"context"
	"encoding/json"

	pkgerrors "github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"nexus-orders/internal/pkg/mq"
	"nexus-orders/internal/service/order/domain"
)

// KafkaEventPublisher 把已持久化的订单事件发布到 Kafka。
// 消息 key 是订单 id，同一订单的事件落在同一分区，消费者按序号顺序看到它们。
type KafkaEventPublisher struct {
	writer *kafka.Writer
}

func NewKafkaEventPublisher(writer *kafka.Writer) *KafkaEventPublisher {
	return &KafkaEventPublisher{writer: writer}
}

func (p *KafkaEventPublisher) Publish(ctx context.Context, event *domain.OrderEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return pkgerrors.Wrap(err, "marshal order event")
	}
	return mq.ProduceMessage(ctx, p.writer, []byte(event.OrderID), body,
		kafka.Header{Key: "event-type", Value: []byte(event.EventType)},
		kafka.Header{Key: "correlation-id", Value: []byte(event.CorrelationID)},
	)
}

func (p *KafkaEventPublisher) Close() error {
	return p.writer.Close()
}
