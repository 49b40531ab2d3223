// internal/service/order/domain/event.go
package domain

import (
	"encoding/json"
	"time"
)

// EventType 标识订单事件的种类
type EventType string

const (
	EventCreated          EventType = "CREATED"
	EventStatusChanged    EventType = "STATUS_CHANGED"
	EventPaymentConfirmed EventType = "PAYMENT_CONFIRMED"
	EventCancelled        EventType = "CANCELLED"
)

// 事件来源，写入 OrderEvent.EventSource
const (
	SourceOrderAPI         = "order-api"
	SourceSagaOrchestrator = "saga-orchestrator"
	SourceSagaCompensation = "saga-compensation"
)

// OrderEvent 是一条不可变的状态变更事实。
// SequenceNumber 只由事件存储分配，同一订单内从 1 开始严格递增且无空洞。
type OrderEvent struct {
	ID             string          `json:"id"`
	OrderID        string          `json:"orderId"`
	SequenceNumber int64           `json:"sequenceNumber"`
	EventType      EventType       `json:"eventType"`
	Status         State           `json:"status,omitempty"`
	EventSource    string          `json:"eventSource"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	OccurredAt     time.Time       `json:"occurredAt"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// OrderCreatedPayload 是 CREATED 事件的载荷，包含重建投影所需的全部初始字段
type OrderCreatedPayload struct {
	UserID   string   `json:"userId"`
	Amount   string   `json:"amount"`
	Currency string   `json:"currency"`
	Customer Customer `json:"customer"`
	Delivery Delivery `json:"delivery"`
}

// StatusChangedPayload 是状态流转事件的可选载荷
type StatusChangedPayload struct {
	From   State  `json:"from"`
	Reason string `json:"reason,omitempty"`
}

// NotificationEvent 定义了要发送到 Kafka 的客户通知消息结构
type NotificationEvent struct {
	OrderID       string `json:"orderId"`
	UserID        string `json:"userId"`
	CorrelationID string `json:"correlationId"`
	Email         string `json:"email,omitempty"`
	Phone         string `json:"phone,omitempty"`
	Message       string `json:"message"`
}

// IsSagaProduced 判断事件是否由编排器自身产生，这类事件不会再触发新的 saga
func (e *OrderEvent) IsSagaProduced() bool {
	return e.EventSource == SourceSagaOrchestrator || e.EventSource == SourceSagaCompensation
}
