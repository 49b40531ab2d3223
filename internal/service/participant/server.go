// Package participant 实现履约 saga 的外部参与方 (库存、支付、配送) 的模拟服务。
// 所有接口都按 Idempotency-Key 去重：同一个键的重复请求直接返回第一次的结果。
package participant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"nexus-orders/internal/pkg/httpclient"
	"nexus-orders/internal/pkg/lock"
	"nexus-orders/internal/pkg/logger"
)

// Handler 处理一次已去重的请求。返回 *Rejection 表示业务拒绝。
type Handler func(ctx context.Context, body []byte) (any, error)

// Rejection 是业务拒绝，对应 HTTP 422，调用方不会重试
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return r.Reason }

func reject(format string, args ...any) error {
	return &Rejection{Reason: fmt.Sprintf(format, args...)}
}

// Faults 是按路径注入的故障
type Faults struct {
	// Reject 中的路径总是返回业务拒绝
	Reject map[string]bool
	// Transient 中的路径对每个幂等键先返回 N 次 503
	Transient map[string]int
	// Latency 是每个请求的额外延迟
	Latency time.Duration
}

// FaultsFromEnv 读取 REJECT_PATHS=/payment/authorize,...  FAIL_PATHS=/inventory/reserve=2,...  LATENCY=200ms
func FaultsFromEnv() (Faults, error) {
	f := Faults{Reject: map[string]bool{}, Transient: map[string]int{}}
	for _, p := range splitList(os.Getenv("REJECT_PATHS")) {
		f.Reject[p] = true
	}
	for _, item := range splitList(os.Getenv("FAIL_PATHS")) {
		path, n, ok := strings.Cut(item, "=")
		count := 1
		if ok {
			v, err := strconv.Atoi(n)
			if err != nil {
				return Faults{}, fmt.Errorf("invalid FAIL_PATHS entry %q: %w", item, err)
			}
			count = v
		}
		f.Transient[path] = count
	}
	if v := os.Getenv("LATENCY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Faults{}, fmt.Errorf("invalid LATENCY: %w", err)
		}
		f.Latency = d
	}
	return f, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type reply struct {
	status int
	body   []byte
}

// Server 把 Handler 包装成带追踪、去重和故障注入的 HTTP 接口
type Server struct {
	name   string
	tracer trace.Tracer
	faults Faults
	mux    *http.ServeMux
	keys   *lock.KeyedMutex

	mu       sync.Mutex
	replies  map[string]reply
	failures map[string]int
}

func NewServer(name string, tracer trace.Tracer, faults Faults) *Server {
	s := &Server{
		name:     name,
		tracer:   tracer,
		faults:   faults,
		mux:      http.NewServeMux(),
		keys:     lock.NewKeyedMutex(),
		replies:  make(map[string]reply),
		failures: make(map[string]int),
	}
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Handle 注册 POST path
func (s *Server) Handle(path string, h Handler) {
	s.mux.HandleFunc("POST "+path, func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := s.tracer.Start(ctx, s.name+"."+path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		key := r.Header.Get(httpclient.IdempotencyHeader)
		span.SetAttributes(attribute.String("idempotency.key", key))
		ctx = logger.With(ctx, "path", path)

		rep := s.serve(ctx, path, key, r.Body, h)
		if rep.status >= 500 {
			span.SetStatus(codes.Error, string(rep.body))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rep.status)
		w.Write(rep.body)
	})
}

func (s *Server) serve(ctx context.Context, path, key string, body io.Reader, h Handler) reply {
	log := logger.Ctx(ctx)
	if key == "" {
		return errorReply(http.StatusBadRequest, "missing "+httpclient.IdempotencyHeader+" header")
	}

	// 同一个键的并发重复请求串行执行，第二个直接读到第一个的结果
	unlock, err := s.keys.Lock(ctx, path+"|"+key)
	if err != nil {
		return errorReply(http.StatusServiceUnavailable, err.Error())
	}
	defer unlock()

	if rep, ok := s.lookup(path, key); ok {
		log.Info().Str("idempotency_key", key).Msg("duplicate request, replaying recorded reply")
		return rep
	}

	if s.faults.Latency > 0 {
		select {
		case <-time.After(s.faults.Latency):
		case <-ctx.Done():
			return errorReply(http.StatusServiceUnavailable, ctx.Err().Error())
		}
	}
	if s.transientFault(path, key) {
		log.Warn().Str("idempotency_key", key).Msg("injected transient failure")
		return errorReply(http.StatusServiceUnavailable, "injected transient failure")
	}

	var rep reply
	if s.faults.Reject[path] {
		rep = errorReply(http.StatusUnprocessableEntity, "injected rejection")
	} else {
		data, err := io.ReadAll(io.LimitReader(body, 1<<20))
		if err != nil {
			return errorReply(http.StatusBadRequest, err.Error())
		}
		rep = s.invoke(ctx, data, h)
	}
	if rep.status >= 500 {
		return rep
	}
	s.record(path, key, rep)
	log.Info().Str("idempotency_key", key).Int("status", rep.status).Msg("request handled")
	return rep
}

func (s *Server) invoke(ctx context.Context, data []byte, h Handler) reply {
	out, err := h(ctx, data)
	var rej *Rejection
	switch {
	case errors.As(err, &rej):
		return errorReply(http.StatusUnprocessableEntity, rej.Reason)
	case err != nil:
		logger.Ctx(ctx).Error().Err(err).Msg("handler failed")
		trace.SpanFromContext(ctx).RecordError(err)
		return errorReply(http.StatusInternalServerError, err.Error())
	}
	if out == nil {
		out = struct{}{}
	}
	body, err := json.Marshal(out)
	if err != nil {
		return errorReply(http.StatusInternalServerError, err.Error())
	}
	return reply{status: http.StatusOK, body: body}
}

func (s *Server) lookup(path, key string) (reply, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep, ok := s.replies[path+"|"+key]
	return rep, ok
}

func (s *Server) record(path, key string, rep reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[path+"|"+key] = rep
}

func (s *Server) transientFault(path, key string) bool {
	limit := s.faults.Transient[path]
	if limit == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := path + "|" + key
	if s.failures[k] >= limit {
		return false
	}
	s.failures[k]++
	return true
}

func errorReply(status int, msg string) reply {
	body, _ := json.Marshal(map[string]string{"error": msg})
	return reply{status: status, body: body}
}
