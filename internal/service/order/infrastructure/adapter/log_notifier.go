package adapter

import (
	"context"

	"nexus-orders/internal/pkg/logger"
	"nexus-orders/internal/service/order/domain"
	"nexus-orders/internal/service/order/domain/port"
)

// LogNotifier 在未配置 Kafka 时代替 NotificationKafkaAdapter，只记录通知内容
type LogNotifier struct{}

func (LogNotifier) SendOrderConfirmed(ctx context.Context, ref port.Ref, order *domain.Order) error {
	logger.Ctx(ctx).Info().
		Str("order_id", order.ID).
		Str("user_id", order.UserID).
		Str("email", order.Customer.Email).
		Str("idempotency_key", ref.IdempotencyKey()).
		Msg("order confirmation notification")
	return nil
}
