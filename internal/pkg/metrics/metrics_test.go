package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoop(t *testing.T) {
	var m *Metrics
	m.SagaStarted()
	m.SagaFinished("wf", "COMPLETED")
	m.StepAttempt("step", "success")
	m.ObserveStep("step", 0.1)
	m.Compensation("step", "failed")
	m.SetNeedsIntervention(3)
	m.AppendConflict()
	m.AppendDuplicate()
	m.ProjectionRebuilt()
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.StepAttempt("reserve-inventory", "error")
	m.StepAttempt("reserve-inventory", "error")
	m.StepAttempt("reserve-inventory", "success")
	m.SetNeedsIntervention(2)
	m.AppendConflict()

	if got := testutil.ToFloat64(m.stepAttempts.WithLabelValues("reserve-inventory", "error")); got != 2 {
		t.Fatalf("step errors: %v", got)
	}
	if got := testutil.ToFloat64(m.needsIntervention); got != 2 {
		t.Fatalf("needs intervention: %v", got)
	}
	if got := testutil.ToFloat64(m.appendConflicts); got != 1 {
		t.Fatalf("append conflicts: %v", got)
	}
}
