// internal/service/order/domain/repository.go
package domain

import "context"

// EventStore 是订单事件日志的持久化接口，是订单历史的唯一权威来源。
// 它位于领域层，但由基础设施层实现。
type EventStore interface {
	// Append 为事件分配 currentMax(orderID)+1 的序号并写入。
	// 若 (orderID, eventSource, idempotencyKey) 已存在，则不写入，返回已有序号且 appended=false。
	// 序号槽位在读与写之间被占用时返回 ErrConcurrentAppendConflict。
	Append(ctx context.Context, event *OrderEvent) (seq int64, appended bool, err error)

	// Replay 按序号升序返回订单的全部事件
	Replay(ctx context.Context, orderID string) ([]OrderEvent, error)

	// FindByCorrelationID 返回同一 saga 关联的所有事件，按时间排序
	FindByCorrelationID(ctx context.Context, correlationID string) ([]OrderEvent, error)

	// FindByIdempotencyKey 查询幂等键对应的事件
	FindByIdempotencyKey(ctx context.Context, orderID, eventSource, key string) (*OrderEvent, error)

	// LastSequence 返回订单当前最大序号，不存在时为 0
	LastSequence(ctx context.Context, orderID string) (int64, error)
}

// OrderRepository 持久化订单投影 (当前状态视图)。
type OrderRepository interface {
	// Insert 写入版本 0 的新投影
	Insert(ctx context.Context, order *Order) error

	// FindByID 读取投影，不存在时返回 ErrOrderNotFound
	FindByID(ctx context.Context, id string) (*Order, error)

	// CompareAndSwap 仅当存储中的版本等于 expectedVersion 时写入，否则返回 ErrStaleVersion
	CompareAndSwap(ctx context.Context, order *Order, expectedVersion int64) error

	// Replace 无条件覆盖投影，只用于由事件日志重建
	Replace(ctx context.Context, order *Order) error

	// ListByState 按创建时间升序返回处于 state 的订单，最多 limit 个
	ListByState(ctx context.Context, state State, limit int) ([]*Order, error)
}

// SagaStore 持久化 saga 实例，供崩溃后恢复使用
type SagaStore interface {
	// Create 写入新实例，correlationID 已存在时返回 ErrSagaExists
	Create(ctx context.Context, saga *SagaInstance) error

	// Save 以 saga.Version 做 CAS 写入，成功后 Version 加 1
	Save(ctx context.Context, saga *SagaInstance) error

	Get(ctx context.Context, correlationID string) (*SagaInstance, error)

	// ListByStatus 列出未归档且处于给定状态的实例
	ListByStatus(ctx context.Context, statuses ...SagaStatus) ([]*SagaInstance, error)

	// Archive 归档终态实例，归档后仍可通过 Get 读取
	Archive(ctx context.Context, correlationID string) error
}

// EventPublisher 在事件持久化之后接收通知，例如 Kafka 发布器或 saga 触发器
type EventPublisher interface {
	Publish(ctx context.Context, event *OrderEvent) error
}
