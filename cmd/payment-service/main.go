// cmd/payment-service/main.go
package main

import (
	"context"
	"os"

	"github.com/shopspring/decimal"

	"nexus-orders/internal/pkg/logger"
	"nexus-orders/internal/service/order/infrastructure/adapter"
	"nexus-orders/internal/service/participant"
)

func main() {
	ctx := context.Background()
	limit := decimal.NewFromInt(10000)
	if v := os.Getenv("PAYMENT_LIMIT"); v != "" {
		parsed, err := decimal.NewFromString(v)
		if err != nil {
			logger.Ctx(ctx).Fatal().Err(err).Msg("invalid PAYMENT_LIMIT")
		}
		limit = parsed
	}
	payment := participant.NewPayment(limit)
	if err := participant.Run(ctx, adapter.PaymentService, 8083, payment.Register); err != nil {
		logger.Ctx(ctx).Fatal().Err(err).Msg("payment service stopped")
	}
}
