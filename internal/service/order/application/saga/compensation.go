package saga

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/codes"

	"nexus-orders/internal/pkg/logger"
	"nexus-orders/internal/service/order/domain"
	"nexus-orders/internal/service/order/domain/port"
)

// cancelOrderStep 是全部补偿成功后取消订单这一动作的名称，也用于幂等键
const cancelOrderStep = "cancel-order"

// compensate 严格按逆序弹出补偿栈，逐个执行补偿动作。
// 某个补偿用尽重试时停止，saga 进入 FAILED_NEEDS_INTERVENTION，剩余栈保留给人工重试。
// 全部成功后由订单聚合把订单取消 (事件来源 saga-compensation)，saga 进入 FAILED。
func (o *Orchestrator) compensate(ctx context.Context, exec *execution) {
	ctx, span := o.tracer.Start(ctx, "saga.compensate")
	defer span.End()

	for {
		exec.mu.Lock()
		saga := exec.saga
		if exec.lost {
			exec.mu.Unlock()
			return
		}
		top := len(saga.CompensationStack) - 1
		if top < 0 {
			exec.mu.Unlock()
			break
		}
		name := saga.CompensationStack[top]
		def := exec.wf.step(name)
		if st := saga.Step(name); st != nil {
			st.Status = domain.StepCompensating
		}
		if err := o.persist(ctx, exec); err != nil {
			exec.mu.Unlock()
			return
		}
		ref := port.Ref{OrderID: saga.OrderID, CorrelationID: saga.CorrelationID, Step: name}
		exec.mu.Unlock()

		var (
			attempts int
			err      error
		)
		switch {
		case def == nil:
			err = errors.New("step is not defined by workflow " + exec.wf.Name)
		case def.Compensate != nil:
			cctx, cspan := o.tracer.Start(ctx, "saga.compensate."+name)
			attempts, _, err = o.supervisor.Run(cctx, "compensate."+name, exec.wf.CompensationTimeout, exec.wf.CompensationRetry,
				func(c context.Context) error { return def.Compensate(c, ref) })
			if err != nil {
				cspan.RecordError(err)
				cspan.SetStatus(codes.Error, err.Error())
			}
			cspan.End()
		}

		exec.mu.Lock()
		if err != nil {
			o.metrics.Compensation(name, "failed")
			if st := saga.Step(name); st != nil {
				st.LastError = err.Error()
			}
			o.needIntervention(ctx, exec, &domain.CompensationFailure{Step: name, Attempts: attempts, Cause: err})
			exec.mu.Unlock()
			span.SetStatus(codes.Error, err.Error())
			return
		}
		now := o.now()
		if st := saga.Step(name); st != nil {
			st.Status = domain.StepCompensated
			st.FinishedAt = &now
			st.LastError = ""
		}
		saga.CompensationStack = saga.CompensationStack[:top]
		o.metrics.Compensation(name, "succeeded")
		logger.Ctx(ctx).Info().Str("step", name).Int("attempts", attempts).Msg("saga step compensated")
		perr := o.persist(ctx, exec)
		exec.mu.Unlock()
		if perr != nil {
			return
		}
	}

	attempts, _, err := o.supervisor.Run(ctx, cancelOrderStep, exec.wf.CompensationTimeout, exec.wf.CompensationRetry,
		func(c context.Context) error { return o.cancelOrder(c, exec) })

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if err != nil {
		o.metrics.Compensation(cancelOrderStep, "failed")
		o.needIntervention(ctx, exec, &domain.CompensationFailure{Step: cancelOrderStep, Attempts: attempts, Cause: err})
		span.SetStatus(codes.Error, err.Error())
		return
	}
	o.metrics.Compensation(cancelOrderStep, "succeeded")
	exec.saga.Status = domain.SagaFailed
	o.persist(ctx, exec)
}

// cancelOrder 通过订单聚合取消订单；订单已取消时视为成功
func (o *Orchestrator) cancelOrder(ctx context.Context, exec *execution) error {
	exec.mu.Lock()
	orderID := exec.saga.OrderID
	correlationID := exec.saga.CorrelationID
	reason := exec.saga.FailureReason
	exec.mu.Unlock()

	order, err := o.orders.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.State == domain.StateCancelled {
		return nil
	}
	ref := port.Ref{OrderID: orderID, CorrelationID: correlationID, Step: cancelOrderStep}
	_, err = o.orders.RequestTransition(ctx, domain.TransitionCommand{
		OrderID:         orderID,
		Target:          domain.StateCancelled,
		Source:          domain.SourceSagaCompensation,
		CorrelationID:   correlationID,
		ExpectedVersion: order.Version,
		IdempotencyKey:  ref.IdempotencyKey(),
		EventType:       domain.EventCancelled,
		Reason:          reason,
	})
	return err
}

// needIntervention 记录补偿失败并告警。这类 saga 不会被自动重试。调用方必须持有 exec.mu。
func (o *Orchestrator) needIntervention(ctx context.Context, exec *execution, failure *domain.CompensationFailure) {
	exec.saga.Status = domain.SagaFailedNeedsIntervention
	exec.saga.FailureReason = failure.Error()
	o.persist(ctx, exec)
	logger.Ctx(ctx).Error().Bool("alert", true).Err(failure.Cause).
		Str("step", failure.Step).Int("attempts", failure.Attempts).
		Msg("saga compensation failed, operator intervention required")
}
