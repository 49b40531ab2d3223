package port

import (
	"context"

	"nexus-orders/internal/service/order/domain"
)

// NotificationProducer 是客户通知的出站端口。
type NotificationProducer interface {
	// SendOrderConfirmed 通知客户订单已确认并安排配送
	SendOrderConfirmed(ctx context.Context, ref Ref, order *domain.Order) error
}
