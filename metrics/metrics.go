// Package metrics exposes Prometheus instrumentation for the ingest
// backend, replacing the hand-rolled atomic counters the teacher's
// observability package used with real collectors, grounded in the
// prometheus/client_golang stack jordigilh-kubernaut and
// prysmaticlabs-prysm both depend on.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector the ingest backend exports.
type Registry struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RejectionsTotal *prometheus.CounterVec
	EventsAccepted  *prometheus.CounterVec
	EventsDropped   prometheus.Counter
	IssuesCreated   prometheus.Counter
	NotificationsSent *prometheus.CounterVec
	PipelineBuffer  prometheus.GaugeFunc
}

// New registers all collectors with the default Prometheus registry
// (through promauto) and returns
// the handle used to record observations. bufferLenFn is polled
// on-demand by the /metrics scrape, not on a timer.
func New(bufferLenFn func() float64) *Registry {
	return &Registry{
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests handled by endpoint and status class.",
		}, []string{"endpoint", "status"}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ingest",
			Name:      "http_request_duration_seconds",
			Help:      "Request latency in seconds by endpoint.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		RejectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "rejections_total",
			Help:      "Requests rejected by the auth/throttle gate, by reason code.",
		}, []string{"reason"}),
		EventsAccepted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "events_accepted_total",
			Help:      "Events accepted into the ingest pipeline, by item type.",
		}, []string{"item_type"}),
		EventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "events_dropped_total",
			Help:      "Events dropped because the ingest pipeline buffer was full or a flush exhausted its retries.",
		}),
		IssuesCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "issues_created_total",
			Help:      "New issues created by the grouping engine.",
		}),
		NotificationsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "notifications_sent_total",
			Help:      "Alert notifications dispatched, by webhook recipient type and outcome.",
		}, []string{"recipient_type", "outcome"}),
		PipelineBuffer: promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "ingest",
			Name:      "pipeline_buffer_length",
			Help:      "Current depth of the ingest pipeline's event channel.",
		}, bufferLenFn),
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
