package interfaces

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"nexus-orders/internal/pkg/lock"
	"nexus-orders/internal/pkg/logger"
	"nexus-orders/internal/pkg/tracing"
	"nexus-orders/internal/service/order/application"
	"nexus-orders/internal/service/order/application/saga"
	"nexus-orders/internal/service/order/domain"
	"nexus-orders/internal/service/order/domain/port"
	"nexus-orders/internal/service/order/infrastructure"
)

func TestMain(m *testing.M) {
	logger.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	events := infrastructure.NewMemoryEventStore(nil)
	svc := application.NewOrderApplicationService(events, infrastructure.NewMemoryOrderRepository(),
		lock.NewKeyedMutex(), tracing.Tracer("test"), nil)
	orch := saga.NewOrchestrator(infrastructure.NewMemorySagaStore(), events, svc, tracing.Tracer("test"), nil)
	mux := http.NewServeMux()
	NewOrderHandler(svc, orch, nil).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

const createBody = `{"orderId":"o-1","userId":"u-1","amount":"42.50","currency":"USD",
"customer":{"name":"Ada","email":"ada@example.com"},
"delivery":{"address":"1 Main St","city":"Springfield","country":"US"}}`

func TestOrderLifecycleOverHTTP(t *testing.T) {
	srv := newServer(t)

	var created application.OrderResponse
	if code := call(t, srv, http.MethodPost, "/orders", createBody, &created); code != http.StatusCreated {
		t.Fatalf("create: %d", code)
	}
	if created.Status != domain.StatePending || created.Version != 0 || created.Amount.String() != "42.5" {
		t.Fatalf("created: %+v", created)
	}

	var apiErr errorResponse
	if code := call(t, srv, http.MethodPost, "/orders/o-1/transitions", `{"status":"PAID"}`, &apiErr); code != http.StatusBadRequest {
		t.Fatalf("missing expectedVersion: %d", code)
	}

	var paid application.OrderResponse
	if code := call(t, srv, http.MethodPost, "/orders/o-1/transitions", `{"status":"PAID","expectedVersion":0}`, &paid); code != http.StatusOK {
		t.Fatalf("transition: %d", code)
	}
	if paid.Status != domain.StatePaid || paid.Version != 1 {
		t.Fatalf("paid: %+v", paid)
	}

	if code := call(t, srv, http.MethodPost, "/orders/o-1/transitions", `{"status":"PREPARING","expectedVersion":0}`, &apiErr); code != http.StatusPreconditionFailed {
		t.Fatalf("stale version: %d", code)
	}
	if code := call(t, srv, http.MethodPost, "/orders/o-1/transitions", `{"status":"DELIVERED","expectedVersion":1}`, &apiErr); code != http.StatusConflict || apiErr.Code != "ILLEGAL_TRANSITION" {
		t.Fatalf("illegal transition: %d %+v", code, apiErr)
	}

	var history []domain.OrderEvent
	if code := call(t, srv, http.MethodGet, "/orders/o-1/events", "", &history); code != http.StatusOK || len(history) != 2 {
		t.Fatalf("events: %d, %d events", code, len(history))
	}
	if history[0].SequenceNumber != 1 || history[1].SequenceNumber != 2 {
		t.Fatalf("sequences: %d, %d", history[0].SequenceNumber, history[1].SequenceNumber)
	}

	var verify application.VerifyResult
	if code := call(t, srv, http.MethodGet, "/orders/o-1/verify", "", &verify); code != http.StatusOK || !verify.Consistent {
		t.Fatalf("verify: %d %+v", code, verify)
	}
}

// newSagaServer 注册一个由 CREATED 触发、第一步一直阻塞到被取消的工作流
func newSagaServer(t *testing.T) *httptest.Server {
	t.Helper()
	events := infrastructure.NewMemoryEventStore(nil)
	svc := application.NewOrderApplicationService(events, infrastructure.NewMemoryOrderRepository(),
		lock.NewKeyedMutex(), tracing.Tracer("test"), nil)
	wf := &saga.Workflow{
		Name:    "hold",
		Trigger: domain.EventCreated,
		Timeout: time.Minute,
		Steps: []saga.Step{{
			Name:    "wait",
			Timeout: time.Minute,
			Retry:   saga.RetryPolicy{MaxAttempts: 1},
			Forward: func(ctx context.Context, _ port.Ref) error {
				<-ctx.Done()
				return ctx.Err()
			},
		}},
		CompensationTimeout: time.Second,
		CompensationRetry:   saga.RetryPolicy{MaxAttempts: 1},
	}
	orch := saga.NewOrchestrator(infrastructure.NewMemorySagaStore(), events, svc, tracing.Tracer("test"), nil, wf)
	svc.Subscribe(orch)
	mux := http.NewServeMux()
	NewOrderHandler(svc, orch, nil).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Close(ctx)
	})
	return srv
}

func TestRunningSagaReachableFromOrder(t *testing.T) {
	srv := newSagaServer(t)

	var created application.OrderResponse
	if code := call(t, srv, http.MethodPost, "/orders", createBody, &created); code != http.StatusCreated {
		t.Fatalf("create: %d", code)
	}
	if created.CorrelationID == "" {
		t.Fatalf("order created without correlationId: %+v", created)
	}

	var running SagaResponse
	if code := call(t, srv, http.MethodGet, "/orders/o-1/saga", "", &running); code != http.StatusOK {
		t.Fatalf("order saga: %d", code)
	}
	if running.CorrelationID != created.CorrelationID || running.Status != domain.SagaRunning {
		t.Fatalf("order saga: %+v", running)
	}

	var cancelled SagaResponse
	if code := call(t, srv, http.MethodPost, "/sagas/"+created.CorrelationID+"/cancel", "", &cancelled); code != http.StatusAccepted {
		t.Fatalf("cancel: %d", code)
	}

	deadline := time.Now().Add(5 * time.Second)
	var order application.OrderResponse
	for {
		call(t, srv, http.MethodGet, "/orders/o-1", "", &order)
		if order.Status == domain.StateCancelled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("order not cancelled: %+v", order)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNotFound(t *testing.T) {
	srv := newServer(t)
	for _, path := range []string{"/orders/missing", "/orders/missing/events", "/orders/missing/saga", "/sagas/missing"} {
		var apiErr errorResponse
		if code := call(t, srv, http.MethodGet, path, "", &apiErr); code != http.StatusNotFound || apiErr.Code != "NOT_FOUND" {
			t.Fatalf("%s: %d %+v", path, code, apiErr)
		}
	}
}

func TestInterventionListIsEmptyArray(t *testing.T) {
	srv := newServer(t)
	var out []SagaResponse
	if code := call(t, srv, http.MethodGet, "/sagas/interventions", "", &out); code != http.StatusOK || out == nil || len(out) != 0 {
		t.Fatalf("interventions: %d %v", code, out)
	}
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&domain.ValidationError{Field: "amount", Reason: "must be > 0"}, http.StatusBadRequest},
		{fmt.Errorf("load: %w", domain.ErrOrderNotFound), http.StatusNotFound},
		{domain.ErrSagaNotFound, http.StatusNotFound},
		{domain.ErrIllegalTransition, http.StatusConflict},
		{domain.ErrStaleVersion, http.StatusPreconditionFailed},
		{domain.ErrSagaNotRunning, http.StatusConflict},
		{domain.ErrNotAwaitingOperator, http.StatusConflict},
		{domain.ErrConcurrentAppendConflict, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got, _ := statusOf(tc.err); got != tc.want {
			t.Errorf("statusOf(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
