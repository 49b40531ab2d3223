package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"nexus-orders/internal/pkg/mq"
	"nexus-orders/internal/service/order/domain"
	"nexus-orders/internal/service/order/domain/port"
)

// NotificationKafkaAdapter 实现了 port.NotificationProducer 接口。
type NotificationKafkaAdapter struct {
	writer *kafka.Writer
}

func NewNotificationKafkaAdapter(writer *kafka.Writer) *NotificationKafkaAdapter {
	return &NotificationKafkaAdapter{writer: writer}
}

func (a *NotificationKafkaAdapter) SendOrderConfirmed(ctx context.Context, ref port.Ref, order *domain.Order) error {
	event := domain.NotificationEvent{
		OrderID:       order.ID,
		UserID:        order.UserID,
		CorrelationID: ref.CorrelationID,
		Email:         order.Customer.Email,
		Phone:         order.Customer.Phone,
		Message: fmt.Sprintf("Your order %s (%s %s) is confirmed and being prepared for delivery to %s.",
			order.ID, order.Amount.StringFixed(2), order.Currency, order.Delivery.City),
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal notification event: %w", err)
	}
	// 下游按 idempotency-key 头去重
	return mq.ProduceMessage(ctx, a.writer, []byte(order.UserID), body,
		kafka.Header{Key: "idempotency-key", Value: []byte(ref.IdempotencyKey())})
}

func (a *NotificationKafkaAdapter) Close() error {
	return a.writer.Close()
}
