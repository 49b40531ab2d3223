package port

import (
	"context"

	"github.com/shopspring/decimal"

	"nexus-orders/internal/service/order/domain"
)

// Quote 是承运商的运费报价
type Quote struct {
	Carrier string
	Price   decimal.Decimal
	QuoteID string
}

// DeliveryService 是配送服务的出站端口。
type DeliveryService interface {
	// Quote 向指定承运商询价，scatter-gather 步骤会并发调用多个承运商
	Quote(ctx context.Context, carrier string, ref Ref, delivery domain.Delivery) (Quote, error)

	// Book 按报价预约配送
	Book(ctx context.Context, ref Ref, quote Quote) error

	// Cancel 是 Book 的补偿操作
	Cancel(ctx context.Context, ref Ref) error
}
