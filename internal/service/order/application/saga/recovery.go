package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"nexus-orders/internal/pkg/logger"
	"nexus-orders/internal/service/order/domain"
)

const deadlineExceeded = "saga deadline exceeded"

// missingSagaBatch 是每轮补启动扫描的 PENDING 订单上限
const missingSagaBatch = 100

// Resume 在启动时继续本进程崩溃前未完成的 saga (RUNNING 与 COMPENSATING)，
// 并为没有 saga 的 PENDING 订单补启动工作流。返回继续与补启动的 saga 总数。
// 需要人工介入的 saga 不会被恢复。
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	sagas, err := o.store.ListByStatus(ctx, domain.SagaRunning, domain.SagaCompensating)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, saga := range sagas {
		if o.isRunning(saga.CorrelationID) {
			continue
		}
		wf, ok := o.workflows[saga.Workflow]
		if !ok {
			logger.Ctx(ctx).Warn().Str("correlation_id", saga.CorrelationID).Str("workflow", saga.Workflow).
				Msg("cannot resume saga of unknown workflow")
			continue
		}
		if err := o.reconcile(ctx, wf, saga); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("correlation_id", saga.CorrelationID).Msg("failed to reconcile saga")
			continue
		}
		saga.UpdatedAt = o.now()
		// CAS 保存同时声明所有权，多个实例同时恢复时只有一个成功
		if err := o.store.Save(ctx, saga); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("correlation_id", saga.CorrelationID).Msg("saga not resumed")
			continue
		}
		o.launch(trace.SpanContextFromContext(ctx), wf, saga)
		resumed++
	}
	started := o.startMissing(ctx)
	logger.Ctx(ctx).Info().Int("resumed", resumed).Int("found", len(sagas)).Int("started", started).
		Msg("saga recovery finished")
	return resumed + started, nil
}

// startMissing 为没有 saga 的 PENDING 订单启动由 CREATED 触发的工作流。
// 创建订单时启动 saga 失败只会记录日志，订单停在 PENDING，由这里补上。
// 与正常启动并发时 store.Create 只有一方成功。
func (o *Orchestrator) startMissing(ctx context.Context) int {
	wf, ok := o.triggers[domain.EventCreated]
	if !ok {
		return 0
	}
	orders, err := o.orders.ListOrdersByState(ctx, domain.StatePending, missingSagaBatch)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("failed to list pending orders")
		return 0
	}
	started := 0
	for _, order := range orders {
		if order.CorrelationID == "" || o.isRunning(order.CorrelationID) {
			continue
		}
		if _, err := o.store.Get(ctx, order.CorrelationID); !errors.Is(err, domain.ErrSagaNotFound) {
			continue
		}
		_, err := o.Start(ctx, wf.Name, order.ID, order.CorrelationID)
		switch {
		case err == nil:
			logger.Ctx(ctx).Warn().Str("order_id", order.ID).Str("correlation_id", order.CorrelationID).
				Msg("started missing saga for pending order")
			started++
		case errors.Is(err, domain.ErrSagaExists):
		default:
			logger.Ctx(ctx).Error().Err(err).Str("order_id", order.ID).Msg("failed to start missing saga")
		}
	}
	return started
}

// reconcile 处理崩溃时处于 IN_FLIGHT 的步骤。
// 已经写入带幂等键订单事件的步骤直接标记为完成；其余步骤重新执行，参与方保证重复调用无副作用。
func (o *Orchestrator) reconcile(ctx context.Context, wf *Workflow, saga *domain.SagaInstance) error {
	now := o.now()
	if saga.Status == domain.SagaCompensating {
		abandonInFlight(saga, saga.FailureReason, now)
		return nil
	}

	if saga.Current < len(wf.Steps) {
		def := &wf.Steps[saga.Current]
		st := saga.Step(def.Name)
		if st != nil && st.Status == domain.StepInFlight {
			done, err := o.alreadyApplied(ctx, saga, def)
			if err != nil {
				return err
			}
			if done {
				saga.PushCompleted(def.Name, now)
				saga.Current++
				if saga.Current == len(wf.Steps) {
					saga.Status = domain.SagaCompleted
				}
				logger.Ctx(ctx).Info().Str("correlation_id", saga.CorrelationID).Str("step", def.Name).
					Msg("in-flight step found applied in event log")
			}
		}
	}

	if saga.Status == domain.SagaRunning && !now.Before(saga.Deadline) {
		saga.Status = domain.SagaCompensating
		saga.FailureReason = deadlineExceeded
		abandonInFlight(saga, deadlineExceeded, now)
		return nil
	}
	// 未生效的步骤重新执行
	for i := range saga.Steps {
		if saga.Steps[i].Status == domain.StepInFlight {
			saga.Steps[i].Status = domain.StepPending
		}
	}
	return nil
}

func (o *Orchestrator) alreadyApplied(ctx context.Context, saga *domain.SagaInstance, def *Step) (bool, error) {
	if !def.EmitsOrderEvent {
		return false, nil
	}
	events, err := o.events.FindByCorrelationID(ctx, saga.CorrelationID)
	if err != nil {
		return false, err
	}
	key := saga.CorrelationID + ":" + def.Name
	for _, ev := range events {
		if ev.EventSource == domain.SourceSagaOrchestrator && ev.IdempotencyKey == key {
			return true, nil
		}
	}
	return false, nil
}

// StartSweeper 定期扫描已经超过期限、却没有本地执行者的 RUNNING saga，接管并补偿。
// 这覆盖了持有 saga 的实例在期限前崩溃的情况。每轮也会为没有 saga 的 PENDING 订单补启动工作流。
func (o *Orchestrator) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-o.baseCtx.Done():
				return
			case <-o.sweepStop:
				return
			case <-ticker.C:
				o.sweep(o.baseCtx)
			}
		}
	}()
}

func (o *Orchestrator) sweep(ctx context.Context) {
	sagas, err := o.store.ListByStatus(ctx, domain.SagaRunning)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("saga sweep failed")
		return
	}
	now := o.now()
	for _, saga := range sagas {
		if now.Before(saga.Deadline) || o.isRunning(saga.CorrelationID) {
			continue
		}
		err := o.takeOver(ctx, saga, deadlineExceeded)
		switch {
		case err == nil:
			logger.Ctx(ctx).Warn().Str("correlation_id", saga.CorrelationID).Msg("took over expired saga")
		case errors.Is(err, domain.ErrSagaVersionConflict):
		default:
			logger.Ctx(ctx).Error().Err(err).Str("correlation_id", saga.CorrelationID).Msg("failed to take over saga")
		}
	}
	o.startMissing(ctx)
}

// ListNeedingIntervention 列出等待人工处理的 saga
func (o *Orchestrator) ListNeedingIntervention(ctx context.Context) ([]*domain.SagaInstance, error) {
	sagas, err := o.store.ListByStatus(ctx, domain.SagaFailedNeedsIntervention)
	if err != nil {
		return nil, err
	}
	o.metrics.SetNeedsIntervention(len(sagas))
	return sagas, nil
}

// RetryCompensation 是运维人员的显式操作：从剩余的补偿栈继续补偿
func (o *Orchestrator) RetryCompensation(ctx context.Context, correlationID string) (*domain.SagaInstance, error) {
	if o.isRunning(correlationID) {
		return nil, fmt.Errorf("%w: saga %s is executing", domain.ErrNotAwaitingOperator, correlationID)
	}
	saga, err := o.store.Get(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	if saga.Status != domain.SagaFailedNeedsIntervention {
		return nil, fmt.Errorf("%w: saga %s is %s", domain.ErrNotAwaitingOperator, correlationID, saga.Status)
	}
	wf, ok := o.workflows[saga.Workflow]
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q", saga.Workflow)
	}

	saga.Status = domain.SagaCompensating
	saga.UpdatedAt = o.now()
	if err := o.store.Save(ctx, saga); err != nil {
		return nil, err
	}
	logger.Ctx(ctx).Info().Str("correlation_id", correlationID).Strs("stack", saga.CompensationStack).
		Msg("operator retried saga compensation")
	o.refreshInterventionGauge(ctx)

	out := saga.Clone()
	o.launch(trace.SpanContextFromContext(ctx), wf, saga)
	return out, nil
}

func (o *Orchestrator) refreshInterventionGauge(ctx context.Context) {
	if _, err := o.ListNeedingIntervention(ctx); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("failed to refresh intervention gauge")
	}
}

func (o *Orchestrator) isRunning(correlationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[correlationID]
	return ok
}
