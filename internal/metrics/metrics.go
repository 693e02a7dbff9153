package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merlin_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "merlin_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	TasksEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "merlin_tasks_enqueued_total",
			Help: "Total number of tasks appended to a user lane.",
		},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merlin_tasks_completed_total",
			Help: "Total number of tasks that finished executing.",
		},
		[]string{"status"},
	)

	TasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "merlin_tasks_running",
			Help: "Number of tasks currently executing across all users.",
		},
	)

	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merlin_decisions_total",
			Help: "Interrupt/queue decisions by outcome.",
		},
		[]string{"outcome"},
	)

	MemoryOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merlin_memory_operations_total",
			Help: "Memory store operations by kind.",
		},
		[]string{"op"},
	)

	SchedulesFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merlin_schedules_fired_total",
			Help: "Scheduled tasks executed, by status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TasksEnqueuedTotal,
		TasksCompletedTotal,
		TasksRunning,
		DecisionsTotal,
		MemoryOperationsTotal,
		SchedulesFiredTotal,
	)
}
