package infrastructure

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"nexus-orders/internal/service/order/domain"
)

// OrderEventModel 对应 order_events 表。
// (order_id, sequence_number) 唯一保证序号不重复；(order_id, event_source, idempotency_key) 唯一用于去重，
// 幂等键为 NULL 的行不参与去重。
type OrderEventModel struct {
	ID             string         `gorm:"primaryKey;size:36"`
	OrderID        string         `gorm:"size:64;not null;uniqueIndex:uk_order_seq,priority:1;uniqueIndex:uk_order_idem,priority:1"`
	SequenceNumber int64          `gorm:"not null;uniqueIndex:uk_order_seq,priority:2"`
	EventType      string         `gorm:"size:32;not null"`
	Status         string         `gorm:"size:16"`
	EventSource    string         `gorm:"size:64;not null;uniqueIndex:uk_order_idem,priority:2"`
	CorrelationID  string         `gorm:"size:64;index"`
	IdempotencyKey *string        `gorm:"size:160;uniqueIndex:uk_order_idem,priority:3"`
	OccurredAt     time.Time      `gorm:"type:datetime(3);not null;index"`
	Payload        datatypes.JSON `gorm:"type:json"`
}

func (OrderEventModel) TableName() string {
	return "order_events"
}

// OrderModel 对应 orders 表，是事件日志的投影
type OrderModel struct {
	ID            string                               `gorm:"primaryKey;size:64"`
	UserID        string                               `gorm:"size:64;not null;index"`
	Status        string                               `gorm:"size:16;not null"`
	Amount        decimal.Decimal                      `gorm:"type:decimal(18,4);not null"`
	Currency      string                               `gorm:"size:3;not null"`
	CustomerName  string                               `gorm:"size:128"`
	CustomerEmail string                               `gorm:"size:128"`
	CustomerPhone string                               `gorm:"size:32"`
	Delivery      datatypes.JSONType[domain.Delivery]  `gorm:"type:json"`
	CorrelationID string                               `gorm:"size:64"`
	Version       int64                                `gorm:"not null"`
	CreatedAt     time.Time                            `gorm:"type:datetime(3);autoCreateTime:false"`
	UpdatedAt     time.Time                            `gorm:"type:datetime(3);autoUpdateTime:false"`
}

func (OrderModel) TableName() string {
	return "orders"
}

// SagaModel 对应 saga_instances 表，步骤状态和补偿栈以 JSON 列保存
type SagaModel struct {
	CorrelationID     string                                  `gorm:"primaryKey;size:64"`
	OrderID           string                                  `gorm:"size:64;not null;index"`
	Workflow          string                                  `gorm:"size:64;not null"`
	Status            string                                  `gorm:"size:32;not null;index"`
	Steps             datatypes.JSONType[[]domain.StepState]  `gorm:"type:json"`
	CompensationStack datatypes.JSONSlice[string]             `gorm:"type:json"`
	Current           int
	Deadline          time.Time  `gorm:"type:datetime(3);index"`
	FailureReason     string     `gorm:"type:text"`
	Version           int64      `gorm:"not null"`
	CreatedAt         time.Time  `gorm:"type:datetime(3);autoCreateTime:false"`
	UpdatedAt         time.Time  `gorm:"type:datetime(3);autoUpdateTime:false"`
	ArchivedAt        *time.Time `gorm:"type:datetime(3);index"`
}

func (SagaModel) TableName() string {
	return "saga_instances"
}

// Models 返回需要自动迁移的全部模型
func Models() []any {
	return []any{&OrderEventModel{}, &OrderModel{}, &SagaModel{}}
}
