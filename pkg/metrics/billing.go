package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BillingMetrics tracks webhook deliveries and reconciliation outcomes.
type BillingMetrics struct {
	webhookRequests *prometheus.CounterVec
	webhookDuration *prometheus.HistogramVec
	reconciles      *prometheus.CounterVec
}

// NewBillingMetrics registers the billing metrics on reg. A nil registerer
// yields a no-op recorder.
func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	if reg == nil {
		return &BillingMetrics{}
	}
	webhookRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_webhook_requests_total",
		Help: "Provider webhook deliveries by event type and outcome.",
	}, []string{"event_type", "outcome"})
	webhookDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "billing_webhook_duration_seconds",
		Help:    "Time spent handling a provider webhook delivery.",
		Buckets: prometheus.DefBuckets,
	}, []string{"event_type"})
	reconciles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_reconcile_total",
		Help: "Subscription reconciliations by entry flow and result.",
	}, []string{"flow", "result"})
	reg.MustRegister(webhookRequests, webhookDuration, reconciles)
	return &BillingMetrics{
		webhookRequests: webhookRequests,
		webhookDuration: webhookDuration,
		reconciles:      reconciles,
	}
}

// ObserveWebhook records one delivery.
func (m *BillingMetrics) ObserveWebhook(eventType, outcome string, duration time.Duration) {
	if m == nil || m.webhookRequests == nil {
		return
	}
	eventType = normalizeLabel(eventType)
	m.webhookRequests.WithLabelValues(eventType, normalizeLabel(outcome)).Inc()
	m.webhookDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// IncReconcile counts a reconciliation attempt for flow.
func (m *BillingMetrics) IncReconcile(flow, result string) {
	if m == nil || m.reconciles == nil {
		return
	}
	m.reconciles.WithLabelValues(normalizeLabel(flow), normalizeLabel(result)).Inc()
}
