package adapter

import (
	"context"

	"nexus-orders/internal/pkg/httpclient"
	"nexus-orders/internal/service/order/domain/port"
)

// InventoryHTTPAdapter 实现了 port.InventoryService 接口。
type InventoryHTTPAdapter struct {
	client *httpclient.Client
}

func NewInventoryHTTPAdapter(client *httpclient.Client) *InventoryHTTPAdapter {
	return &InventoryHTTPAdapter{client: client}
}

func (a *InventoryHTTPAdapter) Reserve(ctx context.Context, ref port.Ref) error {
	return translate(a.client.PostJSON(ctx, InventoryService, InventoryReservePath, ref.IdempotencyKey(), newStepRequest(ref), nil))
}

// Release 的幂等键沿用正向步骤的键，参与方据此找到要释放的预占
func (a *InventoryHTTPAdapter) Release(ctx context.Context, ref port.Ref) error {
	return translate(a.client.PostJSON(ctx, InventoryService, InventoryReleasePath, ref.IdempotencyKey(), newStepRequest(ref), nil))
}
