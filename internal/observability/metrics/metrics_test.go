package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestBookingMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBookingMetrics(reg)
	m.ObserveDispatch("medical_center_get_times", "ok")
	m.ObserveDispatch("medical_center_get_times", "ok")
	m.ObserveOutcome("patient_confirm", "no_answer")
	m.ObserveTransition("calling_medical_center", "awaiting_medical_center_retry")
	m.ObserveSweep(2, 1, 1)
	m.ObserveWebhook("call_ended", "applied", 0.02)

	if got := testutil.ToFloat64(m.callsDispatched.WithLabelValues("medical_center_get_times", "ok")); got != 2 {
		t.Fatalf("expected 2 dispatches, got %v", got)
	}
	if got := testutil.ToFloat64(m.sweepCalls.WithLabelValues("medical_center")); got != 2 {
		t.Fatalf("expected 2 sweep calls, got %v", got)
	}
	if got := testutil.ToFloat64(m.sweepErrors); got != 1 {
		t.Fatalf("expected 1 sweep error, got %v", got)
	}

	var out dto.Metric
	if err := m.callOutcomes.WithLabelValues("patient_confirm", "no_answer").Write(&out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if out.GetCounter().GetValue() != 1 {
		t.Fatalf("expected outcome counter 1, got %v", out.GetCounter().GetValue())
	}
}

func TestBookingMetricsDefaultRegistry(t *testing.T) {
	prev := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	defer func() { prometheus.DefaultRegisterer = prev }()

	m := NewBookingMetrics(nil)
	m.ObserveOutcome("patient_confirm", "completed")
}

func TestBookingMetricsNilSafe(t *testing.T) {
	var m *BookingMetrics
	m.ObserveDispatch("leg", "ok")
	m.ObserveOutcome("leg", "failed")
	m.ObserveTransition("a", "b")
	m.ObserveSweep(1, 1, 0)
	m.ObserveWebhook("call_started", "ignored", 0.1)
}
