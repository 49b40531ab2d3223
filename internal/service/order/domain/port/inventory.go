package port

import "context"

// InventoryService 是库存服务的出站端口。
type InventoryService interface {
	// Reserve 为订单预占库存。
	Reserve(ctx context.Context, ref Ref) error

	// Release 是 Reserve 的补偿操作，用于释放预占的库存。
	Release(ctx context.Context, ref Ref) error
}
