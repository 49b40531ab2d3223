package domain

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Fold 按序号顺序折叠一个订单的完整事件流，得到当前投影。
// 事件流必须以序号 1 的 CREATED 开头且连续无空洞。
func Fold(events []OrderEvent) (*Order, error) {
	if len(events) == 0 {
		return nil, ErrOrderNotFound
	}
	order, err := orderFromCreated(&events[0])
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(events); i++ {
		if err := order.Apply(&events[i]); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func orderFromCreated(ev *OrderEvent) (*Order, error) {
	if ev.EventType != EventCreated || ev.SequenceNumber != 1 {
		return nil, fmt.Errorf("%w: stream of order %s must start with CREATED at sequence 1, got %s at %d",
			ErrProjectionDrift, ev.OrderID, ev.EventType, ev.SequenceNumber)
	}
	var payload OrderCreatedPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode created payload: %v", ErrProjectionDrift, err)
	}
	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: decode amount %q: %v", ErrProjectionDrift, payload.Amount, err)
	}
	return &Order{
		ID:        ev.OrderID,
		UserID:    payload.UserID,
		State:     StatePending,
		Amount:    amount,
		Currency:  payload.Currency,
		Customer:  payload.Customer,
		Delivery:  payload.Delivery,
		CreatedAt: ev.OccurredAt,
		UpdatedAt: ev.OccurredAt,
		Version:   0,

		CorrelationID: ev.CorrelationID,
	}, nil
}
