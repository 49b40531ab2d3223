package infrastructure

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"

	"nexus-orders/internal/pkg/metrics"
	"nexus-orders/internal/service/order/domain"
)

type idemKey struct {
	orderID, source, key string
}

// MemoryEventStore 是进程内事件存储，用于单机运行和测试。
// 一个写锁覆盖全部订单；它的语义与 GormEventStore 一致。
type MemoryEventStore struct {
	mu      sync.RWMutex
	streams map[string][]domain.OrderEvent
	byKey   map[idemKey]int64
	byCorr  map[string][]*eventRef
	metrics *metrics.Metrics
}

type eventRef struct {
	orderID string
	seq     int64
}

func NewMemoryEventStore(m *metrics.Metrics) *MemoryEventStore {
	return &MemoryEventStore{
		streams: make(map[string][]domain.OrderEvent),
		byKey:   make(map[idemKey]int64),
		byCorr:  make(map[string][]*eventRef),
		metrics: m,
	}
}

func (s *MemoryEventStore) Append(_ context.Context, event *domain.OrderEvent) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := idemKey{event.OrderID, event.EventSource, event.IdempotencyKey}
	if event.IdempotencyKey != "" {
		if seq, ok := s.byKey[k]; ok {
			s.metrics.AppendDuplicate()
			return seq, false, nil
		}
	}

	next := int64(len(s.streams[event.OrderID])) + 1
	if event.SequenceNumber != 0 && event.SequenceNumber != next {
		s.metrics.AppendConflict()
		return 0, false, pkgerrors.Wrapf(domain.ErrConcurrentAppendConflict,
			"order %s: slot %d requested, next free slot is %d", event.OrderID, event.SequenceNumber, next)
	}

	event.SequenceNumber = next
	s.streams[event.OrderID] = append(s.streams[event.OrderID], copyEvent(*event))
	if event.IdempotencyKey != "" {
		s.byKey[k] = next
	}
	if event.CorrelationID != "" {
		s.byCorr[event.CorrelationID] = append(s.byCorr[event.CorrelationID], &eventRef{event.OrderID, next})
	}
	return next, true, nil
}

func (s *MemoryEventStore) Replay(_ context.Context, orderID string) ([]domain.OrderEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream := s.streams[orderID]
	out := make([]domain.OrderEvent, len(stream))
	for i := range stream {
		out[i] = copyEvent(stream[i])
	}
	return out, nil
}

func (s *MemoryEventStore) FindByCorrelationID(_ context.Context, correlationID string) ([]domain.OrderEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := s.byCorr[correlationID]
	out := make([]domain.OrderEvent, 0, len(refs))
	for _, r := range refs {
		out = append(out, copyEvent(s.streams[r.orderID][r.seq-1]))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

func (s *MemoryEventStore) FindByIdempotencyKey(_ context.Context, orderID, eventSource, key string) (*domain.OrderEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, ok := s.byKey[idemKey{orderID, eventSource, key}]
	if !ok {
		return nil, nil
	}
	ev := copyEvent(s.streams[orderID][seq-1])
	return &ev, nil
}

func (s *MemoryEventStore) LastSequence(_ context.Context, orderID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.streams[orderID])), nil
}

func copyEvent(e domain.OrderEvent) domain.OrderEvent {
	if e.Payload != nil {
		e.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return e
}

// MemoryOrderRepository 是进程内投影存储
type MemoryOrderRepository struct {
	mu     sync.RWMutex
	orders map[string]*domain.Order
}

func NewMemoryOrderRepository() *MemoryOrderRepository {
	return &MemoryOrderRepository{orders: make(map[string]*domain.Order)}
}

func (r *MemoryOrderRepository) Insert(_ context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[order.ID]; ok {
		return pkgerrors.Errorf("order %s already exists", order.ID)
	}
	r.orders[order.ID] = order.Clone()
	return nil
}

func (r *MemoryOrderRepository) FindByID(_ context.Context, id string) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (r *MemoryOrderRepository) CompareAndSwap(_ context.Context, order *domain.Order, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.orders[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if current.Version != expectedVersion {
		return &domain.StaleVersionError{OrderID: order.ID, Expected: expectedVersion, Actual: current.Version}
	}
	r.orders[order.ID] = order.Clone()
	return nil
}

func (r *MemoryOrderRepository) Replace(_ context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[order.ID] = order.Clone()
	return nil
}

func (r *MemoryOrderRepository) ListByState(_ context.Context, state domain.State, limit int) ([]*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Order
	for _, o := range r.orders {
		if o.State == state {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemorySagaStore 是进程内 saga 存储
type MemorySagaStore struct {
	mu    sync.RWMutex
	sagas map[string]*domain.SagaInstance
}

func NewMemorySagaStore() *MemorySagaStore {
	return &MemorySagaStore{sagas: make(map[string]*domain.SagaInstance)}
}

func (s *MemorySagaStore) Create(_ context.Context, saga *domain.SagaInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sagas[saga.CorrelationID]; ok {
		return domain.ErrSagaExists
	}
	s.sagas[saga.CorrelationID] = saga.Clone()
	return nil
}

func (s *MemorySagaStore) Save(_ context.Context, saga *domain.SagaInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sagas[saga.CorrelationID]
	if !ok {
		return domain.ErrSagaNotFound
	}
	if current.Version != saga.Version {
		return domain.ErrSagaVersionConflict
	}
	saga.Version++
	stored := saga.Clone()
	stored.ArchivedAt = current.ArchivedAt
	s.sagas[saga.CorrelationID] = stored
	return nil
}

func (s *MemorySagaStore) Get(_ context.Context, correlationID string) (*domain.SagaInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	saga, ok := s.sagas[correlationID]
	if !ok {
		return nil, domain.ErrSagaNotFound
	}
	return saga.Clone(), nil
}

func (s *MemorySagaStore) ListByStatus(_ context.Context, statuses ...domain.SagaStatus) ([]*domain.SagaInstance, error) {
	want := make(map[domain.SagaStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.SagaInstance
	for _, saga := range s.sagas {
		if saga.ArchivedAt == nil && want[saga.Status] {
			out = append(out, saga.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemorySagaStore) Archive(_ context.Context, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	saga, ok := s.sagas[correlationID]
	if !ok {
		return domain.ErrSagaNotFound
	}
	if saga.ArchivedAt == nil {
		now := time.Now().UTC().Truncate(time.Millisecond)
		saga.ArchivedAt = &now
	}
	return nil
}
