package application

import (
	"time"

	"github.com/shopspring/decimal"

	"nexus-orders/internal/service/order/domain"
)

// CreateOrderRequest 是创建订单用例的输入数据
type CreateOrderRequest struct {
	OrderID       string          `json:"orderId,omitempty"`
	UserID        string          `json:"userId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Customer      domain.Customer `json:"customer"`
	Delivery      domain.Delivery `json:"delivery"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

func (r *CreateOrderRequest) ToCommand() domain.CreateOrderCommand {
	return domain.CreateOrderCommand{
		OrderID:       r.OrderID,
		UserID:        r.UserID,
		Amount:        r.Amount,
		Currency:      r.Currency,
		Customer:      r.Customer,
		Delivery:      r.Delivery,
		CorrelationID: r.CorrelationID,
		Source:        domain.SourceOrderAPI,
	}
}

// TransitionRequest 是状态流转用例的输入数据。ExpectedVersion 必填。
type TransitionRequest struct {
	Status          domain.State `json:"status"`
	ExpectedVersion *int64       `json:"expectedVersion"`
	Source          string       `json:"source,omitempty"`
	CorrelationID   string       `json:"correlationId,omitempty"`
	IdempotencyKey  string       `json:"idempotencyKey,omitempty"`
	Reason          string       `json:"reason,omitempty"`
}

func (r *TransitionRequest) ToCommand(orderID string) (domain.TransitionCommand, error) {
	if r.ExpectedVersion == nil {
		return domain.TransitionCommand{}, &domain.ValidationError{Field: "expectedVersion", Reason: "is required"}
	}
	source := r.Source
	if source == "" {
		source = domain.SourceOrderAPI
	}
	eventType := domain.EventStatusChanged
	if r.Status == domain.StateCancelled {
		eventType = domain.EventCancelled
	}
	return domain.TransitionCommand{
		OrderID:         orderID,
		Target:          r.Status,
		Source:          source,
		CorrelationID:   r.CorrelationID,
		ExpectedVersion: *r.ExpectedVersion,
		IdempotencyKey:  r.IdempotencyKey,
		EventType:       eventType,
		Reason:          r.Reason,
	}, nil
}

// OrderResponse 是订单投影的对外表示
type OrderResponse struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Status    domain.State    `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Customer  domain.Customer `json:"customer"`
	Delivery  domain.Delivery `json:"delivery"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`

	// CorrelationID 可用于查询和取消该订单的履约 saga
	CorrelationID string `json:"correlationId"`
}

func ToOrderResponse(o *domain.Order) *OrderResponse {
	return &OrderResponse{
		ID:        o.ID,
		UserID:    o.UserID,
		Status:    o.State,
		Amount:    o.Amount,
		Currency:  o.Currency,
		Customer:  o.Customer,
		Delivery:  o.Delivery,
		Version:   o.Version,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,

		CorrelationID: o.CorrelationID,
	}
}

// VerifyResult 是投影与事件日志的比对结果
type VerifyResult struct {
	OrderID      string         `json:"orderId"`
	Consistent   bool           `json:"consistent"`
	LastSequence int64          `json:"lastSequence"`
	Projection   *OrderResponse `json:"projection,omitempty"`
	Replayed     *OrderResponse `json:"replayed"`
}
