package participant

import (
	"context"
	"encoding/json"
	"sync"

	"nexus-orders/internal/service/order/infrastructure/adapter"
)

// Inventory 模拟库存服务，每个订单最多占用一份预留
type Inventory struct {
	// Capacity 为 0 表示不限量
	Capacity int

	mu       sync.Mutex
	reserved map[string]bool
}

func NewInventory(capacity int) *Inventory {
	return &Inventory{Capacity: capacity, reserved: make(map[string]bool)}
}

func (i *Inventory) Register(s *Server) {
	s.Handle(adapter.InventoryReservePath, i.reserve)
	s.Handle(adapter.InventoryReleasePath, i.release)
}

func (i *Inventory) reserve(_ context.Context, body []byte) (any, error) {
	var req adapter.StepRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, reject("malformed request: %v", err)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.reserved[req.OrderID] {
		return nil, nil
	}
	if i.Capacity > 0 && len(i.reserved) >= i.Capacity {
		return nil, reject("out of stock for order %s", req.OrderID)
	}
	i.reserved[req.OrderID] = true
	return nil, nil
}

// release 对没有预留的订单也返回成功
func (i *Inventory) release(_ context.Context, body []byte) (any, error) {
	var req adapter.StepRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, reject("malformed request: %v", err)
	}
	i.mu.Lock()
	delete(i.reserved, req.OrderID)
	i.mu.Unlock()
	return nil, nil
}

// Reserved 返回订单当前是否持有预留
func (i *Inventory) Reserved(orderID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.reserved[orderID]
}
