package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry metrics
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agency_agents_total",
			Help: "Registered agents by status",
		},
		[]string{"status"},
	)

	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agency_tasks_total",
			Help: "Tasks by lifecycle state",
		},
		[]string{"state"},
	)

	TasksSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agency_tasks_submitted_total",
			Help: "Total tasks accepted for execution",
		},
	)

	TasksCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agency_tasks_completed_total",
			Help: "Total tasks that reached completed",
		},
	)

	TasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agency_tasks_failed_total",
			Help: "Total tasks that reached a failed terminal state",
		},
	)

	TaskRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agency_task_retries_total",
			Help: "Total retry attempts scheduled",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agency_queue_depth",
			Help: "Tasks waiting in the dispatch queue",
		},
	)

	WorkersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agency_workers_active",
			Help: "Worker goroutines currently alive",
		},
	)

	// Routing metrics
	RoutingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agency_routing_latency_seconds",
			Help:    "Time taken to pick an agent for a task",
			Buckets: prometheus.DefBuckets,
		},
	)

	RoutingDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agency_routing_decisions_total",
			Help: "Routing decisions by strategy",
		},
		[]string{"strategy"},
	)

	// Policy metrics
	Verdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agency_policy_verdicts_total",
			Help: "Published verdicts by outcome",
		},
		[]string{"outcome"},
	)

	// Telemetry metrics
	AnomaliesOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agency_anomalies_open",
			Help: "Anomalies currently open",
		},
	)

	EventsDropped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agency_telemetry_events_dropped_total",
			Help: "Telemetry events dropped under backpressure",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agency_api_requests_total",
			Help: "API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agency_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksSubmitted)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(TaskRetries)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(WorkersActive)
	prometheus.MustRegister(RoutingLatency)
	prometheus.MustRegister(RoutingDecisions)
	prometheus.MustRegister(Verdicts)
	prometheus.MustRegister(AnomaliesOpen)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in the given histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time with the given label values
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
