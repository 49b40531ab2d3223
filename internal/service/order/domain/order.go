// internal/service/order/domain/order.go
package domain

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Customer 是订单的联系人信息
type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

// Delivery 是配送元数据
type Delivery struct {
	Address      string `json:"address"`
	City         string `json:"city"`
	PostalCode   string `json:"postalCode,omitempty"`
	Country      string `json:"country"`
	Instructions string `json:"instructions,omitempty"`
}

// Order 是订单聚合的当前状态投影。
// 它只能通过 Apply 折叠事件来改变，调用方不应直接修改字段。
type Order struct {
	ID        string
	UserID    string
	State     State
	Amount    decimal.Decimal
	Currency  string
	Customer  Customer
	Delivery  Delivery
	CreatedAt time.Time
	UpdatedAt time.Time

	// CorrelationID 来自 CREATED 事件，同时是履约 saga 的 correlationId
	CorrelationID string

	// Version 从 0 开始，每折叠一个事件加 1，恒等于 LastSequence()-1
	Version int64
}

// CreateOrderCommand 是创建订单的输入
type CreateOrderCommand struct {
	OrderID       string
	UserID        string
	Amount        decimal.Decimal
	Currency      string
	Customer      Customer
	Delivery      Delivery
	CorrelationID string
	Source        string
}

// TransitionCommand 请求把订单移动到相邻状态
type TransitionCommand struct {
	OrderID         string
	Target          State
	Source          string
	CorrelationID   string
	ExpectedVersion int64
	IdempotencyKey  string
	// EventType 为空时使用 STATUS_CHANGED
	EventType EventType
	Reason    string
}

// Validate 同步校验创建命令，失败时返回 *ValidationError
func (c *CreateOrderCommand) Validate() error {
	if strings.TrimSpace(c.UserID) == "" {
		return &ValidationError{Field: "userId", Reason: "must not be empty"}
	}
	if !c.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	if !isCurrencyCode(c.Currency) {
		return &ValidationError{Field: "currency", Reason: "must be a 3-letter code"}
	}
	if strings.TrimSpace(c.Customer.Name) == "" {
		return &ValidationError{Field: "customer.name", Reason: "must not be empty"}
	}
	if c.Customer.Email != "" {
		if _, err := mail.ParseAddress(c.Customer.Email); err != nil {
			return &ValidationError{Field: "customer.email", Reason: "is not a valid address"}
		}
	}
	return nil
}

func isCurrencyCode(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return true
}

// NewOrder 是创建订单的工厂函数。
// 它不返回订单实体本身，而是返回 CREATED 事件：订单只能由事件折叠得到。
func NewOrder(cmd CreateOrderCommand, now time.Time) (*OrderEvent, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if cmd.OrderID == "" {
		cmd.OrderID = uuid.New().String()
	}
	if cmd.Source == "" {
		cmd.Source = SourceOrderAPI
	}
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = uuid.New().String()
	}

	payload, err := json.Marshal(OrderCreatedPayload{
		UserID:   cmd.UserID,
		Amount:   cmd.Amount.String(),
		Currency: strings.ToUpper(cmd.Currency),
		Customer: cmd.Customer,
		Delivery: cmd.Delivery,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal created payload: %w", err)
	}

	return &OrderEvent{
		ID:            uuid.New().String(),
		OrderID:       cmd.OrderID,
		EventType:     EventCreated,
		Status:        StatePending,
		EventSource:   cmd.Source,
		CorrelationID: cmd.CorrelationID,
		OccurredAt:    now.UTC().Truncate(time.Millisecond),
		Payload:       payload,
	}, nil
}

// LastSequence 是已折叠的最后一个事件序号
func (o *Order) LastSequence() int64 {
	return o.Version + 1
}

// Transition 校验一次状态流转并产生对应事件，订单本身保持不变。
// 版本不匹配返回 *StaleVersionError，非相邻状态返回 *IllegalTransitionError。
func (o *Order) Transition(cmd TransitionCommand, now time.Time) (*OrderEvent, error) {
	if cmd.ExpectedVersion != o.Version {
		return nil, &StaleVersionError{OrderID: o.ID, Expected: cmd.ExpectedVersion, Actual: o.Version}
	}
	if !cmd.Target.IsValid() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", cmd.Target)}
	}
	if !o.State.CanTransitionTo(cmd.Target) {
		return nil, &IllegalTransitionError{From: o.State, To: cmd.Target}
	}

	eventType := cmd.EventType
	if eventType == "" {
		eventType = EventStatusChanged
	}
	payload, err := json.Marshal(StatusChangedPayload{From: o.State, Reason: cmd.Reason})
	if err != nil {
		return nil, fmt.Errorf("marshal transition payload: %w", err)
	}

	return &OrderEvent{
		ID:             uuid.New().String(),
		OrderID:        o.ID,
		EventType:      eventType,
		Status:         cmd.Target,
		EventSource:    cmd.Source,
		CorrelationID:  cmd.CorrelationID,
		IdempotencyKey: cmd.IdempotencyKey,
		OccurredAt:     now.UTC().Truncate(time.Millisecond),
		Payload:        payload,
	}, nil
}

// Apply 把一个已持久化的事件折叠进投影
func (o *Order) Apply(ev *OrderEvent) error {
	if ev.OrderID != o.ID {
		return fmt.Errorf("%w: event %s belongs to order %s", ErrProjectionDrift, ev.ID, ev.OrderID)
	}
	if ev.SequenceNumber != o.LastSequence()+1 {
		return fmt.Errorf("%w: order %s expected sequence %d, got %d",
			ErrProjectionDrift, o.ID, o.LastSequence()+1, ev.SequenceNumber)
	}
	switch ev.EventType {
	case EventStatusChanged, EventPaymentConfirmed, EventCancelled:
		if !o.State.CanTransitionTo(ev.Status) {
			return fmt.Errorf("%w: event %d moves %s to %s", ErrProjectionDrift, ev.SequenceNumber, o.State, ev.Status)
		}
		o.State = ev.Status
	default:
		return fmt.Errorf("%w: unexpected %s event at sequence %d", ErrProjectionDrift, ev.EventType, ev.SequenceNumber)
	}
	o.Version++
	o.UpdatedAt = ev.OccurredAt
	return nil
}

// Clone 返回一个独立副本
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	return &cp
}

// Equal 比较两个投影的全部业务字段
func (o *Order) Equal(other *Order) bool {
	if o == nil || other == nil {
		return o == other
	}
	return o.ID == other.ID &&
		o.UserID == other.UserID &&
		o.State == other.State &&
		o.Amount.Equal(other.Amount) &&
		o.Currency == other.Currency &&
		o.Customer == other.Customer &&
		o.Delivery == other.Delivery &&
		o.CreatedAt.Equal(other.CreatedAt) &&
		o.UpdatedAt.Equal(other.UpdatedAt) &&
		o.CorrelationID == other.CorrelationID &&
		o.Version == other.Version
}
