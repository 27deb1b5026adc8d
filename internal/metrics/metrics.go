// Package metrics exposes Prometheus counters for deliverable activity.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the engine and the HTTP layer report to.
type Recorder interface {
	RecordDeliverableCreated(department, source string)
	RecordTransition(kind string)
	RecordDeliverableDeleted()
	RecordPermissionDenied(action string)
	RecordOverdue(count int)
	RecordLogin(success bool)
	RecordHTTPRequest(method string, status int, duration time.Duration)
	RecordWebhookDelivery(success bool)
}

// Collector is the Prometheus implementation of Recorder.
type Collector struct {
	created      *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	deleted      prometheus.Counter
	denied       *prometheus.CounterVec
	overdue      prometheus.Gauge
	logins       *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpLatency  prometheus.Histogram
	webhooks     *prometheus.CounterVec
}

// NewCollector registers the deliverline metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deliverline_deliverables_created_total",
			Help: "Deliverables created, by department and source.",
		}, []string{"department", "source"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deliverline_transitions_total",
			Help: "Deliverable transitions applied, by kind.",
		}, []string{"kind"}),
		deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deliverline_deliverables_deleted_total",
			Help: "Deliverables deleted.",
		}),
		denied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deliverline_permission_denied_total",
			Help: "Operations refused by the access policy, by action.",
		}, []string{"action"}),
		overdue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deliverline_deliverables_overdue",
			Help: "Overdue deliverables found by the last refresh.",
		}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deliverline_logins_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deliverline_http_requests_total",
			Help: "HTTP requests by method and status code.",
		}, []string{"method", "status_code"}),
		httpLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "deliverline_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deliverline_webhook_deliveries_total",
			Help: "Webhook deliveries by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		c.created,
		c.transitions,
		c.deleted,
		c.denied,
		c.overdue,
		c.logins,
		c.httpRequests,
		c.httpLatency,
		c.webhooks,
	)
	return c
}

func (c *Collector) RecordDeliverableCreated(department, source string) {
	c.created.WithLabelValues(department, source).Inc()
}

func (c *Collector) RecordTransition(kind string) {
	c.transitions.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordDeliverableDeleted() {
	c.deleted.Inc()
}

func (c *Collector) RecordPermissionDenied(action string) {
	c.denied.WithLabelValues(action).Inc()
}

func (c *Collector) RecordOverdue(count int) {
	c.overdue.Set(float64(count))
}

func (c *Collector) RecordLogin(success bool) {
	c.logins.WithLabelValues(outcome(success)).Inc()
}

func (c *Collector) RecordHTTPRequest(method string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	c.httpLatency.Observe(duration.Seconds())
}

func (c *Collector) RecordWebhookDelivery(success bool) {
	c.webhooks.WithLabelValues(outcome(success)).Inc()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordDeliverableCreated(string, string) {}
func (Nop) RecordTransition(string) {}
func (Nop) RecordDeliverableDeleted() {}
func (Nop) RecordPermissionDenied(string) {}
func (Nop) RecordOverdue(int) {}
func (Nop) RecordLogin(bool) {}
func (Nop) RecordHTTPRequest(string, int, time.Duration) {}
func (Nop) RecordWebhookDelivery(bool) {}

// Handler serves the Prometheus scrape endpoint for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
