package saga

import (
	"context"
	"time"

	"nexus-orders/internal/service/order/domain"
	"nexus-orders/internal/service/order/domain/port"
)

// Action 是一次远程调用。ref 唯一标识 (saga, 步骤)，参与方据此保证重复调用无副作用。
type Action func(ctx context.Context, ref port.Ref) error

// RetryPolicy 是指数退避的重试预算
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Step 是工作流中的一个步骤。Compensate 为 nil 表示该步骤没有需要撤销的外部副作用。
type Step struct {
	Name       string
	Forward    Action
	Compensate Action
	// Timeout 覆盖该步骤的全部重试
	Timeout time.Duration
	Retry   RetryPolicy
	// EmitsOrderEvent 表示该步骤成功时会追加一个以 correlationId:step 为幂等键的订单事件，
	// 崩溃恢复时据此判断 IN_FLIGHT 的步骤是否已经生效
	EmitsOrderEvent bool
}

// Workflow 是一个静态定义的、有序的步骤列表
type Workflow struct {
	Name string
	// Trigger 是启动该工作流的订单事件类型，为空时只能显式启动
	Trigger domain.EventType
	// Timeout 是整个 saga 的期限，从创建时开始计算
	Timeout             time.Duration
	Steps               []Step
	CompensationTimeout time.Duration
	CompensationRetry   RetryPolicy
}

func (w *Workflow) step(name string) *Step {
	for i := range w.Steps {
		if w.Steps[i].Name == name {
			return &w.Steps[i]
		}
	}
	return nil
}

// newInstance 创建全部步骤为 PENDING 的 RUNNING 实例
func (w *Workflow) newInstance(correlationID, orderID string, now time.Time) *domain.SagaInstance {
	steps := make([]domain.StepState, len(w.Steps))
	for i, s := range w.Steps {
		steps[i] = domain.StepState{Name: s.Name, Status: domain.StepPending}
	}
	return &domain.SagaInstance{
		CorrelationID: correlationID,
		OrderID:       orderID,
		Workflow:      w.Name,
		Status:        domain.SagaRunning,
		Steps:         steps,
		Deadline:      now.Add(w.Timeout),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
