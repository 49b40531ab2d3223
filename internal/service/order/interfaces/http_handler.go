package interfaces

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"nexus-orders/internal/pkg/logger"
	"nexus-orders/internal/service/order/application"
	"nexus-orders/internal/service/order/application/saga"
	"nexus-orders/internal/service/order/domain"
)

const serviceName = "order-service"

// OrderHandler 暴露订单命令、事件历史和 saga 查询与运维操作
type OrderHandler struct {
	orders  *application.OrderApplicationService
	sagas   *saga.Orchestrator
	metrics http.Handler
	tracer  trace.Tracer
}

func NewOrderHandler(orders *application.OrderApplicationService, sagas *saga.Orchestrator, metrics http.Handler) *OrderHandler {
	return &OrderHandler{orders: orders, sagas: sagas, metrics: metrics, tracer: otel.Tracer(serviceName)}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *OrderHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}

	mux.HandleFunc("POST /orders", h.traced("http.CreateOrder", h.createOrder))
	mux.HandleFunc("GET /orders/{id}", h.traced("http.GetOrder", h.getOrder))
	mux.HandleFunc("POST /orders/{id}/transitions", h.traced("http.RequestTransition", h.requestTransition))
	mux.HandleFunc("GET /orders/{id}/events", h.traced("http.GetEventHistory", h.getEventHistory))
	mux.HandleFunc("GET /orders/{id}/verify", h.traced("http.VerifyProjection", h.verifyProjection))
	mux.HandleFunc("GET /orders/{id}/saga", h.traced("http.GetOrderSaga", h.getOrderSaga))

	mux.HandleFunc("GET /sagas/interventions", h.traced("http.ListNeedingIntervention", h.listNeedingIntervention))
	mux.HandleFunc("GET /sagas/{correlationId}", h.traced("http.GetSagaStatus", h.getSagaStatus))
	mux.HandleFunc("POST /sagas/{correlationId}/cancel", h.traced("http.CancelSaga", h.cancelSaga))
	mux.HandleFunc("POST /sagas/{correlationId}/retry-compensation", h.traced("http.RetryCompensation", h.retryCompensation))
}

// traced 从请求头恢复链路并为每个请求创建 span
func (h *OrderHandler) traced(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := h.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		next(w, r.WithContext(ctx))
	}
}

func (h *OrderHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req application.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, &domain.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	order, err := h.orders.CreateOrder(r.Context(), req.ToCommand())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, application.ToOrderResponse(order))
}

func (h *OrderHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, application.ToOrderResponse(order))
}

func (h *OrderHandler) requestTransition(w http.ResponseWriter, r *http.Request) {
	var req application.TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, &domain.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	cmd, err := req.ToCommand(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	order, err := h.orders.RequestTransition(r.Context(), cmd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, application.ToOrderResponse(order))
}

func (h *OrderHandler) getEventHistory(w http.ResponseWriter, r *http.Request) {
	events, err := h.orders.GetEventHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *OrderHandler) verifyProjection(w http.ResponseWriter, r *http.Request) {
	result, err := h.orders.VerifyProjection(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *OrderHandler) getSagaStatus(w http.ResponseWriter, r *http.Request) {
	s, err := h.sagas.Get(r.Context(), r.PathValue("correlationId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSagaResponse(s))
}

// getOrderSaga 按订单的 correlationId 查找其履约 saga
func (h *OrderHandler) getOrderSaga(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s, err := h.sagas.Get(r.Context(), order.CorrelationID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSagaResponse(s))
}

func (h *OrderHandler) cancelSaga(w http.ResponseWriter, r *http.Request) {
	s, err := h.sagas.Cancel(r.Context(), r.PathValue("correlationId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toSagaResponse(s))
}

func (h *OrderHandler) listNeedingIntervention(w http.ResponseWriter, r *http.Request) {
	sagas, err := h.sagas.ListNeedingIntervention(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]*SagaResponse, 0, len(sagas))
	for _, s := range sagas {
		out = append(out, toSagaResponse(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrderHandler) retryCompensation(w http.ResponseWriter, r *http.Request) {
	s, err := h.sagas.RetryCompensation(r.Context(), r.PathValue("correlationId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toSagaResponse(s))
}

// SagaResponse 是 saga 实例的对外表示
type SagaResponse struct {
	CorrelationID     string             `json:"correlationId"`
	OrderID           string             `json:"orderId"`
	Workflow          string             `json:"workflow"`
	Status            domain.SagaStatus  `json:"status"`
	Steps             []domain.StepState `json:"steps"`
	CompensationStack []string           `json:"compensationStack"`
	Deadline          time.Time          `json:"deadline"`
	FailureReason     string             `json:"failureReason,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
	ArchivedAt        *time.Time         `json:"archivedAt,omitempty"`
}

func toSagaResponse(s *domain.SagaInstance) *SagaResponse {
	return &SagaResponse{
		CorrelationID:     s.CorrelationID,
		OrderID:           s.OrderID,
		Workflow:          s.Workflow,
		Status:            s.Status,
		Steps:             s.Steps,
		CompensationStack: s.CompensationStack,
		Deadline:          s.Deadline,
		FailureReason:     s.FailureReason,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
		ArchivedAt:        s.ArchivedAt,
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusOf 把领域错误映射为 HTTP 状态码
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrSagaNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrIllegalTransition):
		return http.StatusConflict, "ILLEGAL_TRANSITION"
	case errors.Is(err, domain.ErrStaleVersion):
		return http.StatusPreconditionFailed, "STALE_VERSION"
	case errors.Is(err, domain.ErrSagaNotRunning), errors.Is(err, domain.ErrNotAwaitingOperator):
		return http.StatusConflict, "SAGA_STATE"
	case errors.Is(err, domain.ErrConcurrentAppendConflict), errors.Is(err, domain.ErrSagaVersionConflict):
		return http.StatusConflict, "CONCURRENT_MODIFICATION"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusOf(err)
	if status >= 500 {
		logger.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
