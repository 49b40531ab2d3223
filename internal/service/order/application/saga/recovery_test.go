package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	"nexus-orders/internal/service/order/domain"
	"nexus-orders/internal/service/order/domain/port"
	"nexus-orders/internal/service/order/infrastructure"
)

// recoveryHarness 的工作流只能显式启动，用于预置崩溃前的 saga 状态
func recoveryHarness(t *testing.T, p *participants) *harness {
	t.Helper()
	return newHarness(t, p, func(orders OrderCommands) *Workflow {
		confirm := func(ctx context.Context, ref port.Ref) error {
			if err := p.do(ctx, "confirm"); err != nil {
				return err
			}
			_, err := transition(ctx, orders, ref, domain.StatePaid, domain.EventPaymentConfirmed)
			return err
		}
		wf := testWorkflow("", 5*time.Second,
			testStep("reserve", p.action("reserve"), p.action("release")),
			testStep("confirm", confirm, nil),
			testStep("notify", p.action("notify"), nil),
		)
		wf.Steps[1].EmitsOrderEvent = true
		return wf
	})
}

// seedCrashed 写入一个在 inFlight 步骤执行中崩溃的 RUNNING saga
func seedCrashed(t *testing.T, h *harness, correlationID, orderID, inFlight string, deadline time.Time) {
	t.Helper()
	now := time.Now().UTC()
	saga := &domain.SagaInstance{
		CorrelationID: correlationID,
		OrderID:       orderID,
		Workflow:      "test-flow",
		Status:        domain.SagaRunning,
		Steps: []domain.StepState{
			{Name: "reserve", Status: domain.StepCompleted, Attempts: 1},
			{Name: "confirm", Status: domain.StepPending},
			{Name: "notify", Status: domain.StepPending},
		},
		CompensationStack: []string{"reserve"},
		Current:           1,
		Deadline:          deadline,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	saga.Step(inFlight).Status = domain.StepInFlight
	saga.Step(inFlight).Attempts = 1
	if err := h.sagas.Create(context.Background(), saga); err != nil {
		t.Fatalf("seed saga: %v", err)
	}
}

func TestResumeTreatsAppliedStepAsCompleted(t *testing.T) {
	p := newParticipants()
	h := recoveryHarness(t, p)
	ctx := context.Background()

	h.createOrder(t, "o-9", "c-9")
	// 崩溃前 confirm 已经写入订单事件，但 saga 仍记录为 IN_FLIGHT
	if _, err := h.svc.RequestTransition(ctx, domain.TransitionCommand{
		OrderID:        "o-9",
		Target:         domain.StatePaid,
		Source:         domain.SourceSagaOrchestrator,
		CorrelationID:  "c-9",
		IdempotencyKey: "c-9:confirm",
		EventType:      domain.EventPaymentConfirmed,
	}); err != nil {
		t.Fatalf("seed transition: %v", err)
	}
	seedCrashed(t, h, "c-9", "o-9", "confirm", time.Now().Add(time.Minute))

	n, err := h.orch.Resume(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Resume: %d, %v", n, err)
	}
	saga := h.waitStatus(t, "c-9", domain.SagaCompleted)
	h.waitSettled(t, "c-9")

	if n := p.count("confirm"); n != 0 {
		t.Fatalf("applied step must not be re-executed, called %d times", n)
	}
	if n := p.count("notify"); n != 1 {
		t.Fatalf("notify called %d times", n)
	}
	if !equalStrings(saga.CompensationStack, []string{"reserve", "confirm", "notify"}) {
		t.Fatalf("stack: %v", saga.CompensationStack)
	}
	history, err := h.svc.GetEventHistory(ctx, "o-9")
	if err != nil || len(history) != 2 {
		t.Fatalf("event history: %d events, %v", len(history), err)
	}
}

func TestResumeReExecutesUnappliedStep(t *testing.T) {
	p := newParticipants()
	h := recoveryHarness(t, p)
	ctx := context.Background()

	h.createOrder(t, "o-9", "c-9")
	seedCrashed(t, h, "c-9", "o-9", "confirm", time.Now().Add(time.Minute))

	if _, err := h.orch.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	saga := h.waitStatus(t, "c-9", domain.SagaCompleted)

	if n := p.count("confirm"); n != 1 {
		t.Fatalf("confirm called %d times", n)
	}
	if st := saga.Step("confirm"); st.Attempts != 2 {
		t.Fatalf("attempts should accumulate across restarts, got %d", st.Attempts)
	}
	if order := h.order(t, "o-9"); order.State != domain.StatePaid {
		t.Fatalf("order: %s", order.State)
	}
}

func TestResumePastDeadlineCompensates(t *testing.T) {
	p := newParticipants()
	h := recoveryHarness(t, p)
	ctx := context.Background()

	h.createOrder(t, "o-9", "c-9")
	seedCrashed(t, h, "c-9", "o-9", "confirm", time.Now().Add(-time.Second))

	if _, err := h.orch.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	saga := h.waitStatus(t, "c-9", domain.SagaFailed)

	if st := saga.Step("confirm"); st.Status != domain.StepFailed {
		t.Fatalf("in-flight step: %s", st.Status)
	}
	if n := p.count("release"); n != 1 {
		t.Fatalf("release called %d times", n)
	}
	if n := p.count("confirm"); n != 0 {
		t.Fatalf("expired saga must not run forward steps")
	}
	if order := h.order(t, "o-9"); order.State != domain.StateCancelled {
		t.Fatalf("order: %s", order.State)
	}
}

func TestSweeperTakesOverExpiredSaga(t *testing.T) {
	p := newParticipants()
	h := recoveryHarness(t, p)

	h.createOrder(t, "o-9", "c-9")
	seedCrashed(t, h, "c-9", "o-9", "confirm", time.Now().Add(-time.Second))

	h.orch.StartSweeper(10 * time.Millisecond)
	saga := h.waitStatus(t, "c-9", domain.SagaFailed)

	if saga.FailureReason != deadlineExceeded {
		t.Fatalf("failure reason: %q", saga.FailureReason)
	}
	if n := p.count("release"); n != 1 {
		t.Fatalf("release called %d times", n)
	}
}

func TestCancelWithoutLocalExecutorTakesOver(t *testing.T) {
	p := newParticipants()
	h := recoveryHarness(t, p)

	h.createOrder(t, "o-9", "c-9")
	seedCrashed(t, h, "c-9", "o-9", "confirm", time.Now().Add(time.Minute))

	if _, err := h.orch.Cancel(context.Background(), "c-9"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	saga := h.waitStatus(t, "c-9", domain.SagaFailed)
	if saga.FailureReason != "cancelled by request" {
		t.Fatalf("failure reason: %q", saga.FailureReason)
	}
	if order := h.order(t, "o-9"); order.State != domain.StateCancelled {
		t.Fatalf("order: %s", order.State)
	}
}

// failedStartHarness 的第一次 saga 创建会失败，订单停在 PENDING 且没有 saga
func failedStartHarness(t *testing.T, p *participants) *harness {
	t.Helper()
	return newHarnessWithStore(t, p, func(m *infrastructure.MemorySagaStore) domain.SagaStore {
		return &flakySagaStore{MemorySagaStore: m, failures: 1}
	}, func(orders OrderCommands) *Workflow {
		return testWorkflow(domain.EventCreated, 5*time.Second,
			testStep("reserve", p.action("reserve"), p.action("release")),
		)
	})
}

func TestResumeStartsSagaForOrderWithoutOne(t *testing.T) {
	p := newParticipants()
	h := failedStartHarness(t, p)
	ctx := context.Background()

	order := h.createOrder(t, "o-1", "")
	if _, err := h.sagas.Get(ctx, order.CorrelationID); !errors.Is(err, domain.ErrSagaNotFound) {
		t.Fatalf("saga should be missing after failed start, got %v", err)
	}
	if n := p.count("reserve"); n != 0 {
		t.Fatalf("reserve called %d times before recovery", n)
	}

	n, err := h.orch.Resume(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Resume: %d, %v", n, err)
	}
	saga := h.waitStatus(t, order.CorrelationID, domain.SagaCompleted)
	h.waitSettled(t, order.CorrelationID)
	if saga.OrderID != "o-1" {
		t.Fatalf("saga order: %s", saga.OrderID)
	}

	// 已有 saga 的订单不会被再次启动
	if n, err := h.orch.Resume(ctx); err != nil || n != 0 {
		t.Fatalf("second Resume: %d, %v", n, err)
	}
	if n := p.count("reserve"); n != 1 {
		t.Fatalf("reserve called %d times", n)
	}
}

func TestSweeperStartsSagaForOrderWithoutOne(t *testing.T) {
	p := newParticipants()
	h := failedStartHarness(t, p)

	order := h.createOrder(t, "o-1", "")
	h.orch.StartSweeper(10 * time.Millisecond)
	h.waitStatus(t, order.CorrelationID, domain.SagaCompleted)
	h.waitSettled(t, order.CorrelationID)

	time.Sleep(50 * time.Millisecond)
	if n := p.count("reserve"); n != 1 {
		t.Fatalf("reserve called %d times", n)
	}
}
