package port

import (
	"context"

	"github.com/shopspring/decimal"
)

// PaymentService 是支付服务的出站端口。
type PaymentService interface {
	// Authorize 冻结订单金额，返回授权号
	Authorize(ctx context.Context, ref Ref, amount decimal.Decimal, currency string) (string, error)

	// Void 撤销授权，是 Authorize 的补偿操作
	Void(ctx context.Context, ref Ref) error
}
