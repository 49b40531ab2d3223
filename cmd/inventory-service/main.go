// cmd/inventory-service/main.go
package main

import (
	"context"

	"nexus-orders/internal/pkg/logger"
	"nexus-orders/internal/service/order/infrastructure/adapter"
	"nexus-orders/internal/service/participant"
)

func main() {
	ctx := context.Background()
	// STOCK_CAPACITY 限制同时持有预留的订单数，0 为不限
	inventory := participant.NewInventory(participant.EnvInt("STOCK_CAPACITY", 0))
	if err := participant.Run(ctx, adapter.InventoryService, 8082, inventory.Register); err != nil {
		logger.Ctx(ctx).Fatal().Err(err).Msg("inventory service stopped")
	}
}
