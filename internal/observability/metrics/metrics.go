package metrics

import "github.com/prometheus/client_golang/prometheus"

// BookingMetrics exposes counters/histograms for the booking call workflow.
type BookingMetrics struct {
	callsDispatched *prometheus.CounterVec
	callOutcomes    *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	sweepCalls      *prometheus.CounterVec
	sweepErrors     prometheus.Counter
	webhookTotal    *prometheus.CounterVec
	webhookLatency  *prometheus.HistogramVec
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		callsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workcomp",
			Subsystem: "booking",
			Name:      "calls_dispatched_total",
			Help:      "Outbound calls requested from the voice provider",
		}, []string{"leg", "result"}),
		callOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workcomp",
			Subsystem: "booking",
			Name:      "call_outcomes_total",
			Help:      "Classified outcomes of finished calls",
		}, []string{"leg", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workcomp",
			Subsystem: "booking",
			Name:      "status_transitions_total",
			Help:      "Workflow status changes",
		}, []string{"from", "to"}),
		sweepCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workcomp",
			Subsystem: "booking",
			Name:      "sweep_calls_placed_total",
			Help:      "Retry calls placed by the sweep",
		}, []string{"target"}),
		sweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "workcomp",
			Subsystem: "booking",
			Name:      "sweep_errors_total",
			Help:      "Per-workflow errors collected during retry sweeps",
		}),
		webhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workcomp",
			Subsystem: "booking",
			Name:      "webhook_events_total",
			Help:      "Voice provider webhook events by result",
		}, []string{"event_type", "result"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "workcomp",
			Subsystem: "booking",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of voice webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.callsDispatched, m.callOutcomes, m.transitions, m.sweepCalls, m.sweepErrors, m.webhookTotal, m.webhookLatency)
	return m
}

func (m *BookingMetrics) ObserveDispatch(leg, result string) {
	if m == nil {
		return
	}
	m.callsDispatched.WithLabelValues(leg, result).Inc()
}

func (m *BookingMetrics) ObserveOutcome(leg, outcome string) {
	if m == nil {
		return
	}
	m.callOutcomes.WithLabelValues(leg, outcome).Inc()
}

func (m *BookingMetrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// ObserveSweep records one sweep's placed calls and collected errors.
func (m *BookingMetrics) ObserveSweep(medicalCenterCalls, patientCalls, errs int) {
	if m == nil {
		return
	}
	m.sweepCalls.WithLabelValues("medical_center").Add(float64(medicalCenterCalls))
	m.sweepCalls.WithLabelValues("patient").Add(float64(patientCalls))
	m.sweepErrors.Add(float64(errs))
}

func (m *BookingMetrics) ObserveWebhook(eventType, result string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(eventType, result).Inc()
	m.webhookLatency.WithLabelValues(eventType).Observe(seconds)
}
