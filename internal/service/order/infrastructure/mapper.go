package infrastructure

import (
	"encoding/json"

	"gorm.io/datatypes"

	"nexus-orders/internal/service/order/domain"
)

func toEventModel(e *domain.OrderEvent) *OrderEventModel {
	m := &OrderEventModel{
		ID:             e.ID,
		OrderID:        e.OrderID,
		SequenceNumber: e.SequenceNumber,
		EventType:      string(e.EventType),
		Status:         string(e.Status),
		EventSource:    e.EventSource,
		CorrelationID:  e.CorrelationID,
		OccurredAt:     e.OccurredAt.UTC(),
		Payload:        datatypes.JSON(e.Payload),
	}
	if e.IdempotencyKey != "" {
		key := e.IdempotencyKey
		m.IdempotencyKey = &key
	}
	return m
}

func toDomainEvent(m *OrderEventModel) domain.OrderEvent {
	e := domain.OrderEvent{
		ID:             m.ID,
		OrderID:        m.OrderID,
		SequenceNumber: m.SequenceNumber,
		EventType:      domain.EventType(m.EventType),
		Status:         domain.State(m.Status),
		EventSource:    m.EventSource,
		CorrelationID:  m.CorrelationID,
		OccurredAt:     m.OccurredAt.UTC(),
	}
	if m.IdempotencyKey != nil {
		e.IdempotencyKey = *m.IdempotencyKey
	}
	if len(m.Payload) > 0 {
		e.Payload = json.RawMessage(m.Payload)
	}
	return e
}

func toOrderModel(o *domain.Order) *OrderModel {
	return &OrderModel{
		ID:            o.ID,
		UserID:        o.UserID,
		Status:        string(o.State),
		Amount:        o.Amount,
		Currency:      o.Currency,
		CustomerName:  o.Customer.Name,
		CustomerEmail: o.Customer.Email,
		CustomerPhone: o.Customer.Phone,
		Delivery:      datatypes.NewJSONType(o.Delivery),
		CorrelationID: o.CorrelationID,
		Version:       o.Version,
		CreatedAt:     o.CreatedAt.UTC(),
		UpdatedAt:     o.UpdatedAt.UTC(),
	}
}

func toDomainOrder(m *OrderModel) *domain.Order {
	return &domain.Order{
		ID:       m.ID,
		UserID:   m.UserID,
		State:    domain.State(m.Status),
		Amount:   m.Amount,
		Currency: m.Currency,
		Customer: domain.Customer{
			Name:  m.CustomerName,
			Email: m.CustomerEmail,
			Phone: m.CustomerPhone,
		},
		Delivery:  m.Delivery.Data(),
		Version:   m.Version,
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),

		CorrelationID: m.CorrelationID,
	}
}

func toSagaModel(s *domain.SagaInstance) *SagaModel {
	return &SagaModel{
		CorrelationID:     s.CorrelationID,
		OrderID:           s.OrderID,
		Workflow:          s.Workflow,
		Status:            string(s.Status),
		Steps:             datatypes.NewJSONType(s.Steps),
		CompensationStack: datatypes.NewJSONSlice(s.CompensationStack),
		Current:           s.Current,
		Deadline:          s.Deadline.UTC(),
		FailureReason:     s.FailureReason,
		Version:           s.Version,
		CreatedAt:         s.CreatedAt.UTC(),
		UpdatedAt:         s.UpdatedAt.UTC(),
		ArchivedAt:        s.ArchivedAt,
	}
}

func toDomainSaga(m *SagaModel) *domain.SagaInstance {
	return &domain.SagaInstance{
		CorrelationID:     m.CorrelationID,
		OrderID:           m.OrderID,
		Workflow:          m.Workflow,
		Status:            domain.SagaStatus(m.Status),
		Steps:             m.Steps.Data(),
		CompensationStack: []string(m.CompensationStack),
		Current:           m.Current,
		Deadline:          m.Deadline.UTC(),
		FailureReason:     m.FailureReason,
		Version:           m.Version,
		CreatedAt:         m.CreatedAt.UTC(),
		UpdatedAt:         m.UpdatedAt.UTC(),
		ArchivedAt:        m.ArchivedAt,
	}
}
