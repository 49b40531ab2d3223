package infrastructure

import (
	"context"
	"errors"

	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"

	"nexus-orders/internal/pkg/metrics"
	"nexus-orders/internal/service/order/domain"
)

// GormEventStore 把事件追加到 order_events 表。
// 序号槽位的唯一性由 (order_id, sequence_number) 唯一索引保证，不依赖进程内的锁。
type GormEventStore struct {
	db      *gorm.DB
	metrics *metrics.Metrics
}

func NewGormEventStore(db *gorm.DB, m *metrics.Metrics) *GormEventStore {
	return &GormEventStore{db: db, metrics: m}
}

// Append 见 domain.EventStore。event.SequenceNumber 非零时表示调用方期望的槽位。
func (s *GormEventStore) Append(ctx context.Context, event *domain.OrderEvent) (int64, bool, error) {
	if event.IdempotencyKey != "" {
		existing, err := s.FindByIdempotencyKey(ctx, event.OrderID, event.EventSource, event.IdempotencyKey)
		if err != nil {
			return 0, false, err
		}
		if existing != nil {
			s.metrics.AppendDuplicate()
			return existing.SequenceNumber, false, nil
		}
	}

	last, err := s.LastSequence(ctx, event.OrderID)
	if err != nil {
		return 0, false, err
	}
	next := last + 1
	if event.SequenceNumber != 0 && event.SequenceNumber != next {
		s.metrics.AppendConflict()
		return 0, false, pkgerrors.Wrapf(domain.ErrConcurrentAppendConflict,
			"order %s: slot %d requested, next free slot is %d", event.OrderID, event.SequenceNumber, next)
	}

	model := toEventModel(event)
	model.SequenceNumber = next
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		if !isDuplicateKey(err) {
			return 0, false, pkgerrors.Wrap(err, "insert order event")
		}
		// 冲突可能来自幂等键，也可能来自序号槽位
		if event.IdempotencyKey != "" {
			existing, findErr := s.FindByIdempotencyKey(ctx, event.OrderID, event.EventSource, event.IdempotencyKey)
			if findErr == nil && existing != nil {
				s.metrics.AppendDuplicate()
				return existing.SequenceNumber, false, nil
			}
		}
		s.metrics.AppendConflict()
		return 0, false, pkgerrors.Wrapf(domain.ErrConcurrentAppendConflict, "order %s slot %d", event.OrderID, next)
	}
	event.SequenceNumber = next
	return next, true, nil
}

func (s *GormEventStore) Replay(ctx context.Context, orderID string) ([]domain.OrderEvent, error) {
	var models []OrderEventModel
	err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("sequence_number ASC").
		Find(&models).Error
	if err != nil {
		return nil, pkgerrors.Wrap(err, "replay order events")
	}
	return toDomainEvents(models), nil
}

func (s *GormEventStore) FindByCorrelationID(ctx context.Context, correlationID string) ([]domain.OrderEvent, error) {
	var models []OrderEventModel
	err := s.db.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Order("occurred_at ASC, order_id ASC, sequence_number ASC").
		Find(&models).Error
	if err != nil {
		return nil, pkgerrors.Wrap(err, "find events by correlation id")
	}
	return toDomainEvents(models), nil
}

func (s *GormEventStore) FindByIdempotencyKey(ctx context.Context, orderID, eventSource, key string) (*domain.OrderEvent, error) {
	var model OrderEventModel
	err := s.db.WithContext(ctx).
		Where("order_id = ? AND event_source = ? AND idempotency_key = ?", orderID, eventSource, key).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "find event by idempotency key")
	}
	ev := toDomainEvent(&model)
	return &ev, nil
}

func (s *GormEventStore) LastSequence(ctx context.Context, orderID string) (int64, error) {
	var last int64
	err := s.db.WithContext(ctx).Model(&OrderEventModel{}).
		Where("order_id = ?", orderID).
		Select("COALESCE(MAX(sequence_number), 0)").
		Scan(&last).Error
	if err != nil {
		return 0, pkgerrors.Wrap(err, "read last sequence")
	}
	return last, nil
}

func toDomainEvents(models []OrderEventModel) []domain.OrderEvent {
	events := make([]domain.OrderEvent, 0, len(models))
	for i := range models {
		events = append(events, toDomainEvent(&models[i]))
	}
	return events
}
