package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 汇总订单服务的 prometheus 指标。零值指针可安全调用 (测试中不注册指标)。
type Metrics struct {
	sagaStarted        prometheus.Counter
	sagaFinished       *prometheus.CounterVec
	stepAttempts       *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	compensations      *prometheus.CounterVec
	needsIntervention  prometheus.Gauge
	appendConflicts    prometheus.Counter
	appendDuplicates   prometheus.Counter
	projectionRebuilds prometheus.Counter
}

// New 创建并注册全部指标
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sagaStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orders", Subsystem: "saga", Name: "started_total",
			Help: "Number of saga instances started.",
		}),
		sagaFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orders", Subsystem: "saga", Name: "finished_total",
			Help: "Number of saga instances reaching a final status.",
		}, []string{"workflow", "status"}),
		stepAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orders", Subsystem: "saga", Name: "step_attempts_total",
			Help: "Remote step invocations by outcome.",
		}, []string{"step", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orders", Subsystem: "saga", Name: "step_duration_seconds",
			Help:    "Wall time of a step including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"step"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orders", Subsystem: "saga", Name: "compensations_total",
			Help: "Compensating actions by outcome.",
		}, []string{"step", "outcome"}),
		needsIntervention: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orders", Subsystem: "saga", Name: "needs_intervention",
			Help: "Sagas waiting for operator action.",
		}),
		appendConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orders", Subsystem: "eventstore", Name: "append_conflicts_total",
			Help: "Appends that lost the sequence slot race.",
		}),
		appendDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orders", Subsystem: "eventstore", Name: "append_duplicates_total",
			Help: "Appends deduplicated by idempotency key.",
		}),
		projectionRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orders", Subsystem: "projection", Name: "rebuilds_total",
			Help: "Projections rebuilt from the event log.",
		}),
	}
	reg.MustRegister(
		m.sagaStarted, m.sagaFinished, m.stepAttempts, m.stepDuration, m.compensations,
		m.needsIntervention, m.appendConflicts, m.appendDuplicates, m.projectionRebuilds,
	)
	return m
}

func (m *Metrics) SagaStarted() {
	if m != nil {
		m.sagaStarted.Inc()
	}
}

func (m *Metrics) SagaFinished(workflow, status string) {
	if m != nil {
		m.sagaFinished.WithLabelValues(workflow, status).Inc()
	}
}

func (m *Metrics) StepAttempt(step, outcome string) {
	if m != nil {
		m.stepAttempts.WithLabelValues(step, outcome).Inc()
	}
}

func (m *Metrics) ObserveStep(step string, seconds float64) {
	if m != nil {
		m.stepDuration.WithLabelValues(step).Observe(seconds)
	}
}

func (m *Metrics) Compensation(step, outcome string) {
	if m != nil {
		m.compensations.WithLabelValues(step, outcome).Inc()
	}
}

func (m *Metrics) SetNeedsIntervention(n int) {
	if m != nil {
		m.needsIntervention.Set(float64(n))
	}
}

func (m *Metrics) AppendConflict() {
	if m != nil {
		m.appendConflicts.Inc()
	}
}

func (m *Metrics) AppendDuplicate() {
	if m != nil {
		m.appendDuplicates.Inc()
	}
}

func (m *Metrics) ProjectionRebuilt() {
	if m != nil {
		m.projectionRebuilds.Inc()
	}
}
