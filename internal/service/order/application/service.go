package application

import (
	"context"
	"errors"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nexus-orders/internal/pkg/lock"
	"nexus-orders/internal/pkg/logger"
	"nexus-orders/internal/pkg/metrics"
	"nexus-orders/internal/service/order/domain"
)

// maxAppendAttempts 是 "读取, 校验, 追加" 单元在序号冲突时的最大执行次数
const maxAppendAttempts = 3

// OrderApplicationService 处理订单命令与查询。
// 同一订单的写操作在 locker 的同一把锁内完成；事件先持久化，再更新投影，最后通知订阅者。
type OrderApplicationService struct {
	events   domain.EventStore
	orders   domain.OrderRepository
	locker   lock.Locker
	lockWait time.Duration
	tracer   trace.Tracer
	metrics  *metrics.Metrics
	now      func() time.Time

	mu          sync.RWMutex
	subscribers []domain.EventPublisher
}

type Option func(*OrderApplicationService)

// WithClock 替换时钟，测试使用
func WithClock(now func() time.Time) Option {
	return func(s *OrderApplicationService) { s.now = now }
}

// WithLockWait 设置等待订单锁的最长时间
func WithLockWait(d time.Duration) Option {
	return func(s *OrderApplicationService) { s.lockWait = d }
}

func NewOrderApplicationService(events domain.EventStore, orders domain.OrderRepository, locker lock.Locker,
	tracer trace.Tracer, m *metrics.Metrics, opts ...Option) *OrderApplicationService {
	s := &OrderApplicationService{
		events:   events,
		orders:   orders,
		locker:   locker,
		lockWait: 5 * time.Second,
		tracer:   tracer,
		metrics:  m,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe 注册事件订阅者，事件持久化后按注册顺序通知
func (s *OrderApplicationService) Subscribe(p domain.EventPublisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, p)
}

// CreateOrder 校验输入并追加序号为 1 的 CREATED 事件，返回版本 0 的 PENDING 订单
func (s *OrderApplicationService) CreateOrder(ctx context.Context, cmd domain.CreateOrderCommand) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "app.CreateOrder")
	defer span.End()

	event, err := domain.NewOrder(cmd, s.now())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("order.id", event.OrderID))

	unlock, err := s.lock(ctx, event.OrderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	event.SequenceNumber = 1
	if _, _, err := s.events.Append(ctx, event); err != nil {
		if errors.Is(err, domain.ErrConcurrentAppendConflict) {
			return nil, &domain.ValidationError{Field: "orderId", Reason: "already exists"}
		}
		span.RecordError(err)
		return nil, err
	}

	order, err := domain.Fold([]domain.OrderEvent{*event})
	if err != nil {
		return nil, err
	}
	if err := s.orders.Insert(ctx, order); err != nil {
		// 事件已持久化，投影在下一次读取时由事件日志重建
		logger.Ctx(ctx).Warn().Err(err).Str("order_id", order.ID).Msg("failed to insert order projection")
	}

	logger.Ctx(ctx).Info().Str("order_id", order.ID).Str("user_id", order.UserID).
		Str("amount", order.Amount.String()).Msg("order created")
	s.publish(ctx, event)
	return order, nil
}

// RequestTransition 把订单移动到相邻状态。
// 携带幂等键的重复请求不会追加新事件，直接返回当前订单。
func (s *OrderApplicationService) RequestTransition(ctx context.Context, cmd domain.TransitionCommand) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "app.RequestTransition", trace.WithAttributes(
		attribute.String("order.id", cmd.OrderID),
		attribute.String("order.target", string(cmd.Target)),
		attribute.String("event.source", cmd.Source),
	))
	defer span.End()

	if cmd.Source == "" {
		cmd.Source = domain.SourceOrderAPI
	}
	unlock, err := s.lock(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if cmd.IdempotencyKey != "" {
		if order, ok, err := s.replayed(ctx, cmd); err != nil || ok {
			return order, err
		}
	}

	for attempt := 1; ; attempt++ {
		order, event, err := s.appendTransition(ctx, cmd)
		switch {
		case err == nil:
			if event != nil {
				// 持锁通知，同一订单的事件按序号到达订阅者
				s.publish(ctx, event)
			}
			return order, nil
		case errors.Is(err, domain.ErrConcurrentAppendConflict) && attempt < maxAppendAttempts:
			logger.Ctx(ctx).Debug().Err(err).Int("attempt", attempt).Msg("sequence slot taken, re-reading order")
			continue
		default:
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}
}

// appendTransition 是一次完整的 "读取当前版本, 校验, 追加事件, 更新投影"。
// 返回的 event 为 nil 表示幂等去重命中。
func (s *OrderApplicationService) appendTransition(ctx context.Context, cmd domain.TransitionCommand) (*domain.Order, *domain.OrderEvent, error) {
	order, err := s.load(ctx, cmd.OrderID)
	if err != nil {
		return nil, nil, err
	}
	event, err := order.Transition(cmd, s.now())
	if err != nil {
		return nil, nil, err
	}

	event.SequenceNumber = order.LastSequence() + 1
	if _, appended, err := s.events.Append(ctx, event); err != nil {
		return nil, nil, err
	} else if !appended {
		current, err := s.load(ctx, cmd.OrderID)
		return current, nil, err
	}

	next := order.Clone()
	if err := next.Apply(event); err != nil {
		return nil, nil, err
	}
	if err := s.orders.CompareAndSwap(ctx, next, order.Version); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("order_id", order.ID).Msg("projection update rejected, rebuilding from log")
		rebuilt, rerr := s.rebuild(ctx, order.ID)
		if rerr != nil {
			return nil, nil, rerr
		}
		next = rebuilt
	}

	logger.Ctx(ctx).Info().
		Str("order_id", order.ID).
		Str("from", string(order.State)).
		Str("to", string(next.State)).
		Int64("seq", event.SequenceNumber).
		Str("source", event.EventSource).
		Str("correlation_id", event.CorrelationID).
		Msg("order transitioned")
	return next, event, nil
}

// replayed 检查幂等键是否已经被使用过
func (s *OrderApplicationService) replayed(ctx context.Context, cmd domain.TransitionCommand) (*domain.Order, bool, error) {
	existing, err := s.events.FindByIdempotencyKey(ctx, cmd.OrderID, cmd.Source, cmd.IdempotencyKey)
	if err != nil || existing == nil {
		return nil, false, err
	}
	s.metrics.AppendDuplicate()
	order, err := s.load(ctx, cmd.OrderID)
	return order, true, err
}

// GetOrder 读取订单投影；投影落后于事件日志时先重建
func (s *OrderApplicationService) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "app.GetOrder")
	defer span.End()
	return s.load(ctx, orderID)
}

// ListOrdersByState 直接读取投影，不做重建
func (s *OrderApplicationService) ListOrdersByState(ctx context.Context, state domain.State, limit int) ([]*domain.Order, error) {
	return s.orders.ListByState(ctx, state, limit)
}

// GetEventHistory 按序号返回订单的全部事件
func (s *OrderApplicationService) GetEventHistory(ctx context.Context, orderID string) ([]domain.OrderEvent, error) {
	events, err := s.events.Replay(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, domain.ErrOrderNotFound
	}
	return events, nil
}

// VerifyProjection 重放事件日志并与存储的投影逐字段比较，不做修复
func (s *OrderApplicationService) VerifyProjection(ctx context.Context, orderID string) (*VerifyResult, error) {
	events, err := s.GetEventHistory(ctx, orderID)
	if err != nil {
		return nil, err
	}
	replayed, err := domain.Fold(events)
	if err != nil {
		return nil, err
	}
	result := &VerifyResult{
		OrderID:      orderID,
		LastSequence: events[len(events)-1].SequenceNumber,
		Replayed:     ToOrderResponse(replayed),
	}

	projection, err := s.orders.FindByID(ctx, orderID)
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
	case err != nil:
		return nil, err
	default:
		result.Projection = ToOrderResponse(projection)
		result.Consistent = projection.Equal(replayed)
	}
	if !result.Consistent {
		logger.Ctx(ctx).Error().Str("order_id", orderID).Int64("last_seq", result.LastSequence).
			Msg("order projection differs from event log")
	}
	return result, nil
}

func (s *OrderApplicationService) load(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
		return nil, err
	}
	last, lerr := s.events.LastSequence(ctx, orderID)
	if lerr != nil {
		return nil, lerr
	}
	if last == 0 {
		return nil, domain.ErrOrderNotFound
	}
	if order != nil && order.LastSequence() == last {
		return order, nil
	}
	return s.rebuild(ctx, orderID)
}

// rebuild 由事件日志折叠出投影并覆盖存储
func (s *OrderApplicationService) rebuild(ctx context.Context, orderID string) (*domain.Order, error) {
	events, err := s.events.Replay(ctx, orderID)
	if err != nil {
		return nil, err
	}
	order, err := domain.Fold(events)
	if err != nil {
		return nil, err
	}
	if err := s.orders.Replace(ctx, order); err != nil {
		return nil, pkgerrors.Wrap(err, "store rebuilt projection")
	}
	s.metrics.ProjectionRebuilt()
	logger.Ctx(ctx).Info().Str("order_id", orderID).Int64("version", order.Version).Msg("order projection rebuilt")
	return order, nil
}

func (s *OrderApplicationService) lock(ctx context.Context, orderID string) (lock.Unlock, error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()
	unlock, err := s.locker.Lock(lockCtx, "order:"+orderID)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "lock order %s", orderID)
	}
	return unlock, nil
}

// publish 通知订阅者。事件已持久化，订阅者失败只记录日志。
func (s *OrderApplicationService) publish(ctx context.Context, event *domain.OrderEvent) {
	s.mu.RLock()
	subs := append([]domain.EventPublisher(nil), s.subscribers...)
	s.mu.RUnlock()
	for _, sub := range subs {
		if err := sub.Publish(ctx, event); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("order_id", event.OrderID).
				Int64("seq", event.SequenceNumber).Msg("event subscriber failed")
		}
	}
}
