package metrics

import "github.com/prometheus/client_golang/prometheus"

// CallMetrics exposes counters/histograms for the call-handling runtime.
// A nil *CallMetrics is a valid no-op receiver so wiring stays optional.
type CallMetrics struct {
	callsTotal      *prometheus.CounterVec
	llmTotal        *prometheus.CounterVec
	transferTotal   *prometheus.CounterVec
	recordingsTotal *prometheus.CounterVec
	webhookLatency  *prometheus.HistogramVec
}

func NewCallMetrics(reg prometheus.Registerer) *CallMetrics {
	m := &CallMetrics{
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "calls",
			Name:      "inbound_total",
			Help:      "Total inbound calls by service and entry kind",
		}, []string{"service", "kind"}),
		llmTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total LLM primitive invocations by winning source",
		}, []string{"primitive", "source"}),
		transferTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "transfer",
			Name:      "dial_results_total",
			Help:      "Total transfer dial outcomes",
		}, []string{"status"}),
		recordingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "recordings",
			Name:      "ingested_total",
			Help:      "Total recordings stored by type",
		}, []string{"type"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dispatch",
			Subsystem: "http",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of telephony webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.callsTotal, m.llmTotal, m.transferTotal, m.recordingsTotal, m.webhookLatency)
	return m
}

func (m *CallMetrics) ObserveCall(service, kind string) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(service, kind).Inc()
}

func (m *CallMetrics) ObserveLLM(primitive, source string) {
	if m == nil {
		return
	}
	m.llmTotal.WithLabelValues(primitive, source).Inc()
}

func (m *CallMetrics) ObserveTransfer(status string) {
	if m == nil {
		return
	}
	m.transferTotal.WithLabelValues(status).Inc()
}

func (m *CallMetrics) ObserveRecording(recordingType string) {
	if m == nil {
		return
	}
	m.recordingsTotal.WithLabelValues(recordingType).Inc()
}

func (m *CallMetrics) ObserveWebhookLatency(endpoint string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(endpoint).Observe(seconds)
}
