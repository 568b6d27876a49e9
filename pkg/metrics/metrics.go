package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Entitlement metrics
	QuotaDenials     *prometheus.CounterVec
	DunningStatus    *prometheus.CounterVec
	PlanTransitions  *prometheus.CounterVec
	WebhookEvents    *prometheus.CounterVec
	RetentionDeletes *prometheus.CounterVec
	GatewayCalls     *prometheus.CounterVec
	GatewayLatency   *prometheus.HistogramVec

	// Database metrics
	DBConnections prometheus.Gauge
}

// New creates a Metrics instance registered on its own registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		// HTTP metrics
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		HTTPResponseSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: []float64{100, 1000, 5000, 10000, 50000, 100000, 500000, 1000000},
			},
			[]string{"method", "path"},
		),

		// Entitlement metrics
		QuotaDenials: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quota_denials_total",
				Help: "Actions refused because a plan limit was reached",
			},
			[]string{"kind"}, // document, upload, ai_question
		),
		DunningStatus: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dunning_transitions_total",
				Help: "Dunning status changes by the status entered",
			},
			[]string{"status"},
		),
		PlanTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plan_transitions_total",
				Help: "User initiated subscription changes",
			},
			[]string{"kind"}, // upgrade, downgrade, cancel, reactivate, resubscribe
		),
		WebhookEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_events_total",
				Help: "Provider events processed by outcome",
			},
			[]string{"type", "outcome"},
		),
		RetentionDeletes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retention_documents_deleted_total",
				Help: "Documents removed by the retention sweep",
			},
			[]string{"reason"},
		),
		GatewayCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_gateway_calls_total",
				Help: "Calls to the payment provider",
			},
			[]string{"operation", "result"},
		),
		GatewayLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_gateway_duration_seconds",
				Help:    "Payment provider call latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),

		// Database metrics
		DBConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "db_connections_active",
			Help: "Number of active database connections",
		}),
	}

	return m
}

// Registry returns the registry the metrics live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware creates an Echo middleware for Prometheus metrics
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)
			if err != nil {
				// Let the error handler write the response first so the
				// recorded status is the one the client sees
				c.Error(err)
			}

			path := c.Path() // route pattern, e.g. /api/v1/subscription/:action
			status := strconv.Itoa(c.Response().Status)
			m.HTTPRequestsTotal.WithLabelValues(req.Method, path, status).Inc()
			m.HTTPRequestDuration.WithLabelValues(req.Method, path, status).Observe(time.Since(start).Seconds())
			m.HTTPResponseSize.WithLabelValues(req.Method, path).Observe(float64(c.Response().Size))

			return nil
		}
	}
}

// QuotaDenied counts a refused action
func (m *Metrics) QuotaDenied(kind string) {
	m.QuotaDenials.WithLabelValues(kind).Inc()
}

// DunningTransition counts a change of payment status
func (m *Metrics) DunningTransition(status string) {
	m.DunningStatus.WithLabelValues(status).Inc()
}

// PlanTransition counts a committed subscription change
func (m *Metrics) PlanTransition(kind string) {
	m.PlanTransitions.WithLabelValues(kind).Inc()
}

// WebhookEvent counts a processed provider event
func (m *Metrics) WebhookEvent(eventType, outcome string) {
	m.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// DocumentsDeleted counts documents removed by retention
func (m *Metrics) DocumentsDeleted(reason string, n int) {
	m.RetentionDeletes.WithLabelValues(reason).Add(float64(n))
}

// ObserveGateway records one payment provider call
func (m *Metrics) ObserveGateway(op, result string, d time.Duration) {
	m.GatewayCalls.WithLabelValues(op, result).Inc()
	m.GatewayLatency.WithLabelValues(op).Observe(d.Seconds())
}

// UpdateDBConnections updates active database connections gauge
func (m *Metrics) UpdateDBConnections(count float64) {
	m.DBConnections.Set(count)
}
