package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nexus-orders/internal/pkg/logger"
	"nexus-orders/internal/pkg/metrics"
	"nexus-orders/internal/service/order/domain"
	"nexus-orders/internal/service/order/domain/port"
)

// OrderCommands 是编排器驱动订单聚合所需的能力，由 application.OrderApplicationService 实现
type OrderCommands interface {
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	RequestTransition(ctx context.Context, cmd domain.TransitionCommand) (*domain.Order, error)
	ListOrdersByState(ctx context.Context, state domain.State, limit int) ([]*domain.Order, error)
}

// EventFinder 用于崩溃恢复时按 correlationId 查找已经生效的步骤
type EventFinder interface {
	FindByCorrelationID(ctx context.Context, correlationID string) ([]domain.OrderEvent, error)
}

// Orchestrator 是 saga 的唯一协调者，也是 saga 状态的唯一写入者。
// 每个 saga 实例由一个 goroutine 顺序执行；超时、取消与步骤完成的标记通过实例锁互斥。
type Orchestrator struct {
	store      domain.SagaStore
	events     EventFinder
	orders     OrderCommands
	supervisor *Supervisor
	tracer     trace.Tracer
	metrics    *metrics.Metrics
	now        func() time.Time

	workflows map[string]*Workflow
	triggers  map[domain.EventType]*Workflow

	baseCtx   context.Context
	stop      context.CancelFunc
	wg        sync.WaitGroup
	sweepStop chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	running map[string]*execution
}

// execution 是一个正在本进程内执行的 saga
type execution struct {
	wf *Workflow

	mu         sync.Mutex
	saga       *domain.SagaInstance
	cancelStep context.CancelFunc
	lost       bool
	timer      *time.Timer
}

func NewOrchestrator(store domain.SagaStore, events EventFinder, orders OrderCommands,
	tracer trace.Tracer, m *metrics.Metrics, workflows ...*Workflow) *Orchestrator {
	ctx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:      store,
		events:     events,
		orders:     orders,
		supervisor: NewSupervisor(m),
		tracer:     tracer,
		metrics:    m,
		now:        func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		workflows:  make(map[string]*Workflow),
		triggers:   make(map[domain.EventType]*Workflow),
		baseCtx:    ctx,
		stop:       stop,
		sweepStop:  make(chan struct{}),
		running:    make(map[string]*execution),
	}
	for _, wf := range workflows {
		o.workflows[wf.Name] = wf
		if wf.Trigger != "" {
			o.triggers[wf.Trigger] = wf
		}
	}
	return o
}

// Publish 实现 domain.EventPublisher：订单事件持久化后由应用服务调用。
// 编排器自己产生的事件不会触发新的 saga。
func (o *Orchestrator) Publish(ctx context.Context, event *domain.OrderEvent) error {
	if event.IsSagaProduced() {
		return nil
	}
	wf, ok := o.triggers[event.EventType]
	if !ok {
		return nil
	}
	_, err := o.Start(ctx, wf.Name, event.OrderID, event.CorrelationID)
	if errors.Is(err, domain.ErrSagaExists) {
		logger.Ctx(ctx).Warn().Str("correlation_id", event.CorrelationID).Msg("saga already started for correlation id")
		return nil
	}
	return err
}

// Start 创建并异步执行一个 saga。correlationID 为空时自动生成。
func (o *Orchestrator) Start(ctx context.Context, workflow, orderID, correlationID string) (*domain.SagaInstance, error) {
	wf, ok := o.workflows[workflow]
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q", workflow)
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	saga := wf.newInstance(correlationID, orderID, o.now())
	if err := o.store.Create(ctx, saga); err != nil {
		return nil, err
	}
	o.metrics.SagaStarted()
	logger.Ctx(ctx).Info().Str("correlation_id", correlationID).Str("order_id", orderID).
		Str("workflow", wf.Name).Time("deadline", saga.Deadline).Msg("saga started")

	o.launch(trace.SpanContextFromContext(ctx), wf, saga)
	return saga.Clone(), nil
}

// launch 登记执行并启动执行 goroutine 和期限定时器
func (o *Orchestrator) launch(parent trace.SpanContext, wf *Workflow, saga *domain.SagaInstance) {
	exec := &execution{wf: wf, saga: saga}

	o.mu.Lock()
	if _, dup := o.running[saga.CorrelationID]; dup {
		o.mu.Unlock()
		return
	}
	o.running[saga.CorrelationID] = exec
	o.mu.Unlock()

	// 执行不受触发它的请求的生命周期影响，只沿用链路
	ctx := trace.ContextWithRemoteSpanContext(o.baseCtx, parent)
	ctx = logger.With(ctx, "correlation_id", saga.CorrelationID)
	ctx = logger.With(ctx, "order_id", saga.OrderID)

	if saga.Status == domain.SagaRunning {
		exec.timer = time.AfterFunc(time.Until(saga.Deadline), func() {
			if err := o.abort(ctx, exec, deadlineExceeded); err == nil {
				logger.Ctx(ctx).Warn().Msg("saga deadline exceeded, compensating")
			}
		})
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(ctx, exec)
	}()
}

func (o *Orchestrator) run(ctx context.Context, exec *execution) {
	ctx, span := o.tracer.Start(ctx, "saga."+exec.wf.Name, trace.WithAttributes(
		attribute.String("saga.correlation_id", exec.saga.CorrelationID),
		attribute.String("order.id", exec.saga.OrderID),
	))
	defer span.End()
	defer o.finish(ctx, exec)

	for {
		next, ok := o.beginStep(ctx, exec)
		if !ok {
			break
		}
		o.runStep(ctx, exec, next)
	}

	exec.mu.Lock()
	status, lost := exec.saga.Status, exec.lost
	exec.mu.Unlock()
	if !lost && status == domain.SagaCompensating {
		o.compensate(ctx, exec)
	}

	exec.mu.Lock()
	if exec.saga.Status != domain.SagaCompleted {
		span.SetStatus(codes.Error, exec.saga.FailureReason)
	}
	exec.mu.Unlock()
}

// beginStep 在实例锁内把下一个步骤标记为 IN_FLIGHT 并持久化。
// saga 已中止、完成或失去所有权时返回 false。
func (o *Orchestrator) beginStep(ctx context.Context, exec *execution) (*runningStep, bool) {
	exec.mu.Lock()
	defer exec.mu.Unlock()

	saga := exec.saga
	if exec.lost || saga.Status != domain.SagaRunning || saga.Current >= len(exec.wf.Steps) {
		return nil, false
	}
	def := &exec.wf.Steps[saga.Current]
	st := saga.Step(def.Name)
	now := o.now()
	st.Status = domain.StepInFlight
	st.StartedAt = &now
	st.FinishedAt = nil
	st.LastError = ""
	if err := o.persist(ctx, exec); err != nil {
		return nil, false
	}

	stepCtx, cancel := context.WithCancel(ctx)
	exec.cancelStep = cancel
	logger.Ctx(ctx).Info().Str("step", def.Name).Int("index", saga.Current).Msg("saga step in flight")
	return &runningStep{def: def, ctx: stepCtx, cancel: cancel}, true
}

type runningStep struct {
	def    *Step
	ctx    context.Context
	cancel context.CancelFunc
}

// runStep 执行远程动作，然后在实例锁内记录结果。
// 如果 saga 在执行期间被中止，结果被丢弃，该步骤不进入补偿栈。
func (o *Orchestrator) runStep(ctx context.Context, exec *execution, rs *runningStep) {
	def := rs.def
	ref := port.Ref{OrderID: exec.saga.OrderID, CorrelationID: exec.saga.CorrelationID, Step: def.Name}

	stepCtx, span := o.tracer.Start(rs.ctx, "saga.step."+def.Name)
	attempts, timedOut, err := o.supervisor.Run(stepCtx, def.Name, def.Timeout, def.Retry, func(c context.Context) error {
		return def.Forward(c, ref)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	rs.cancel()

	exec.mu.Lock()
	defer exec.mu.Unlock()
	exec.cancelStep = nil

	saga := exec.saga
	st := saga.Step(def.Name)
	st.Attempts += attempts
	now := o.now()

	switch {
	case saga.Status != domain.SagaRunning:
		st.Status = domain.StepFailed
		st.FinishedAt = &now
		st.LastError = "aborted: " + saga.FailureReason
		logger.Ctx(ctx).Warn().Str("step", def.Name).Str("reason", saga.FailureReason).Msg("saga step aborted")

	case err != nil:
		failure := &domain.StepFailure{Step: def.Name, Attempts: attempts, Timeout: timedOut, Cause: err}
		st.Status = domain.StepFailed
		st.FinishedAt = &now
		st.LastError = err.Error()
		saga.Status = domain.SagaCompensating
		saga.FailureReason = failure.Error()
		logger.Ctx(ctx).Warn().Err(err).Str("step", def.Name).Int("attempts", attempts).
			Bool("timeout", timedOut).Msg("saga step failed, compensating")

	default:
		saga.PushCompleted(def.Name, now)
		saga.Current++
		if saga.Current == len(exec.wf.Steps) {
			saga.Status = domain.SagaCompleted
		}
		logger.Ctx(ctx).Info().Str("step", def.Name).Int("attempts", attempts).Msg("saga step completed")
	}
	o.persist(ctx, exec)
}

// abort 强制运行中的 saga 进入补偿，超时与取消共用该路径。
// 与步骤完成的标记在同一把实例锁下互斥：补偿栈取中止那一刻的内容。
func (o *Orchestrator) abort(ctx context.Context, exec *execution, reason string) error {
	exec.mu.Lock()
	defer exec.mu.Unlock()
	if exec.saga.Status != domain.SagaRunning {
		return fmt.Errorf("%w: saga %s is %s", domain.ErrSagaNotRunning, exec.saga.CorrelationID, exec.saga.Status)
	}
	exec.saga.Status = domain.SagaCompensating
	exec.saga.FailureReason = reason
	if err := o.persist(ctx, exec); err != nil {
		return err
	}
	if exec.cancelStep != nil {
		exec.cancelStep()
	}
	return nil
}

// persist 保存实例，调用方必须持有 exec.mu。
// 版本冲突说明另一个实例接管了该 saga，本地执行随即停止；冲突同时记录在 exec.lost 上，
// 不需要提前返回的调用方可以忽略返回值。
func (o *Orchestrator) persist(ctx context.Context, exec *execution) error {
	exec.saga.UpdatedAt = o.now()
	err := o.store.Save(ctx, exec.saga)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrSagaVersionConflict) {
		exec.lost = true
		if exec.cancelStep != nil {
			exec.cancelStep()
		}
		logger.Ctx(ctx).Error().Err(err).Msg("saga taken over by another executor, stopping")
		return err
	}
	logger.Ctx(ctx).Error().Err(err).Str("status", string(exec.saga.Status)).Msg("failed to persist saga")
	return nil
}

// finish 注销执行，归档终态实例并记录指标
func (o *Orchestrator) finish(ctx context.Context, exec *execution) {
	exec.mu.Lock()
	if exec.timer != nil {
		exec.timer.Stop()
	}
	saga := exec.saga.Clone()
	lost := exec.lost
	exec.mu.Unlock()

	o.mu.Lock()
	delete(o.running, saga.CorrelationID)
	o.mu.Unlock()

	if lost || ctx.Err() != nil {
		return
	}
	switch saga.Status {
	case domain.SagaRunning, domain.SagaCompensating:
		// 进程关闭时中断，由 Resume 继续
		return
	case domain.SagaFailedNeedsIntervention:
		o.refreshInterventionGauge(ctx)
	}
	o.metrics.SagaFinished(saga.Workflow, string(saga.Status))
	if saga.Status.IsTerminal() {
		if err := o.store.Archive(ctx, saga.CorrelationID); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("failed to archive saga")
		}
	}
	logger.Ctx(ctx).Info().Str("status", string(saga.Status)).Str("reason", saga.FailureReason).Msg("saga finished")
}

// Get 返回 saga 状态，本地执行中的实例返回内存中的最新状态
func (o *Orchestrator) Get(ctx context.Context, correlationID string) (*domain.SagaInstance, error) {
	o.mu.Lock()
	exec, ok := o.running[correlationID]
	o.mu.Unlock()
	if ok {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		return exec.saga.Clone(), nil
	}
	return o.store.Get(ctx, correlationID)
}

// Cancel 处理显式取消请求，与超时走同一路径：立即进入补偿
func (o *Orchestrator) Cancel(ctx context.Context, correlationID string) (*domain.SagaInstance, error) {
	const reason = "cancelled by request"

	o.mu.Lock()
	exec, ok := o.running[correlationID]
	o.mu.Unlock()
	if ok {
		if err := o.abort(ctx, exec, reason); err != nil {
			return nil, err
		}
		logger.Ctx(ctx).Info().Str("correlation_id", correlationID).Msg("saga cancelled")
		return o.Get(ctx, correlationID)
	}

	saga, err := o.store.Get(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	if saga.Status != domain.SagaRunning {
		return nil, fmt.Errorf("%w: saga %s is %s", domain.ErrSagaNotRunning, correlationID, saga.Status)
	}
	// 没有本地执行者 (例如原执行实例已崩溃)，由本实例接管并补偿
	if err := o.takeOver(ctx, saga, reason); err != nil {
		return nil, err
	}
	return o.Get(ctx, correlationID)
}

// takeOver 把一个没有执行者的 RUNNING 实例转为 COMPENSATING 并在本地执行补偿
func (o *Orchestrator) takeOver(ctx context.Context, saga *domain.SagaInstance, reason string) error {
	wf, ok := o.workflows[saga.Workflow]
	if !ok {
		return fmt.Errorf("unknown workflow %q", saga.Workflow)
	}
	saga.Status = domain.SagaCompensating
	saga.FailureReason = reason
	abandonInFlight(saga, reason, o.now())
	saga.UpdatedAt = o.now()
	if err := o.store.Save(ctx, saga); err != nil {
		return err
	}
	o.launch(trace.SpanContextFromContext(ctx), wf, saga)
	return nil
}

// abandonInFlight 把中止时仍在执行的步骤标记为 FAILED，它们不在补偿栈上
func abandonInFlight(saga *domain.SagaInstance, reason string, now time.Time) {
	for i := range saga.Steps {
		if saga.Steps[i].Status == domain.StepInFlight {
			saga.Steps[i].Status = domain.StepFailed
			saga.Steps[i].FinishedAt = &now
			saga.Steps[i].LastError = "aborted: " + reason
		}
	}
}

// Close 停止后台任务，并在 ctx 期限内等待执行中的 saga 结束。
// 未结束的实例保持持久化状态，由下次启动的 Resume 继续。
func (o *Orchestrator) Close(ctx context.Context) error {
	o.closeOnce.Do(func() { close(o.sweepStop) })
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.stop()
		return nil
	case <-ctx.Done():
		o.stop()
		return ctx.Err()
	}
}
