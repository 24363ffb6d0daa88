package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the billing collectors, all registered on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	WebhooksTotal          *prometheus.CounterVec
	PaymentsTotal          *prometheus.CounterVec
	DowngradesTotal        *prometheus.CounterVec
	GatewayRequestDuration *prometheus.HistogramVec
	MaintenanceRuns        *prometheus.CounterVec
	MaintenanceItemErrors  prometheus.Counter
	SubscriptionsByStatus  *prometheus.GaugeVec
	PaymentSuccessRate     prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		WebhooksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "webhooks_total",
			Help:      "Gateway callbacks received, by kind and acknowledgement.",
		}, []string{"kind", "ack"}),
		PaymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "payments_total",
			Help:      "Recorded recurring payments, by status.",
		}, []string{"status"}),
		DowngradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "forced_downgrades_total",
			Help:      "Subscriptions moved to the free tier, by reason.",
		}, []string{"reason"}),
		GatewayRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "billing",
			Name:      "gateway_request_duration_seconds",
			Help:      "Latency of outbound gateway actions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action", "outcome"}),
		MaintenanceRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "maintenance_runs_total",
			Help:      "Maintenance runs, by outcome.",
		}, []string{"outcome"}),
		MaintenanceItemErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "maintenance_item_errors_total",
			Help:      "Items skipped during maintenance because of an error.",
		}),
		SubscriptionsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "billing",
			Name:      "subscriptions",
			Help:      "Subscriptions by status at the last maintenance run.",
		}, []string{"status"}),
		PaymentSuccessRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "billing",
			Name:      "payment_success_rate_7d",
			Help:      "Share of successful payments over the last seven days.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.WebhooksTotal,
		m.PaymentsTotal,
		m.DowngradesTotal,
		m.GatewayRequestDuration,
		m.MaintenanceRuns,
		m.MaintenanceItemErrors,
		m.SubscriptionsByStatus,
		m.PaymentSuccessRate,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Observation helpers are no-ops on a nil *Metrics.

func (m *Metrics) ObserveWebhook(kind, ack string) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(kind, ack).Inc()
}

func (m *Metrics) ObservePayment(status string) {
	if m == nil {
		return
	}
	m.PaymentsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveDowngrade(reason string) {
	if m == nil {
		return
	}
	m.DowngradesTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveGateway(action, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.GatewayRequestDuration.WithLabelValues(action, outcome).Observe(seconds)
}

func (m *Metrics) ObserveMaintenance(outcome string, itemErrors int) {
	if m == nil {
		return
	}
	m.MaintenanceRuns.WithLabelValues(outcome).Inc()
	m.MaintenanceItemErrors.Add(float64(itemErrors))
}

func (m *Metrics) SetSubscriptionGauge(status string, count int64) {
	if m == nil {
		return
	}
	m.SubscriptionsByStatus.WithLabelValues(status).Set(float64(count))
}

func (m *Metrics) SetSuccessRate(rate float64) {
	if m == nil {
		return
	}
	m.PaymentSuccessRate.Set(rate)
}
