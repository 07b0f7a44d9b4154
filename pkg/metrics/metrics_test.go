package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestMetrics_Register(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
}

func TestMetrics_ObserveEnqueuedIncrements(t *testing.T) {
	m := New()
	m.ObserveEnqueued("CREATE", "device")
	m.ObserveEnqueued("CREATE", "device")

	got := counterValue(t, m.opsEnqueued.WithLabelValues("CREATE", "device"))
	if got != 2 {
		t.Errorf("opsEnqueued = %v, want 2", got)
	}
}

func TestMetrics_UpdateQueueDepth(t *testing.T) {
	m := New()
	m.UpdateQueueDepth(5, 1, 2)

	if got := gaugeValue(t, m.queueDepth.WithLabelValues("pending")); got != 5 {
		t.Errorf("queueDepth[pending] = %v, want 5", got)
	}
	if got := gaugeValue(t, m.queueDepth.WithLabelValues("failed")); got != 2 {
		t.Errorf("queueDepth[failed] = %v, want 2", got)
	}
}

func TestMetrics_UpdateBreakerStateExclusive(t *testing.T) {
	m := New()
	m.UpdateBreakerState("open")

	if got := gaugeValue(t, m.breakerState.WithLabelValues("open")); got != 1 {
		t.Errorf("breakerState[open] = %v, want 1", got)
	}
	if got := gaugeValue(t, m.breakerState.WithLabelValues("closed")); got != 0 {
		t.Errorf("breakerState[closed] = %v, want 0", got)
	}
}

func TestMetrics_ObserveSucceededRecordsAge(t *testing.T) {
	m := New()
	m.ObserveSucceeded("UPDATE", "device", 3*time.Second)

	got := counterValue(t, m.opsSucceeded.WithLabelValues("UPDATE", "device"))
	if got != 1 {
		t.Errorf("opsSucceeded = %v, want 1", got)
	}
}
