// cmd/delivery-service/main.go
package main

import (
	"context"
	"os"
	"strings"

	"nexus-orders/internal/pkg/logger"
	"nexus-orders/internal/service/order/infrastructure/adapter"
	"nexus-orders/internal/service/participant"
)

func main() {
	ctx := context.Background()
	// UNAVAILABLE_CARRIERS=cargo-line 让该承运商拒绝报价，用来演示报价法定数
	delivery := participant.NewDelivery(strings.Split(os.Getenv("UNAVAILABLE_CARRIERS"), ",")...)
	if err := participant.Run(ctx, adapter.DeliveryService, 8086, delivery.Register); err != nil {
		logger.Ctx(ctx).Fatal().Err(err).Msg("delivery service stopped")
	}
}
