package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborfdx_tasks_submitted_total",
			Help: "Total number of tasks submitted by operation.",
		},
		[]string{"operation"},
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborfdx_attempts_total",
			Help: "Total number of task attempts by operation and outcome.",
		},
		[]string{"operation", "outcome"}, // success, failure, cancelled
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborfdx_retries_total",
			Help: "Total number of scheduled retries by error kind.",
		},
		[]string{"kind"},
	)

	TaskFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborfdx_task_failures_total",
			Help: "Total number of terminal task failures by error kind.",
		},
		[]string{"kind"},
	)

	FaultsInjectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborfdx_faults_injected_total",
			Help: "Total number of synthetic failures raised by the fault injector.",
		},
		[]string{"kind"},
	)

	TaskDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborfdx_task_duration_seconds",
			Help:    "Time from submission to terminal result.",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"operation", "status"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborfdx_queue_depth",
			Help: "Entries waiting in a queue, ready or delayed.",
		},
		[]string{"queue"},
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborfdx_dead_letters_total",
			Help: "Total number of terminal failures written to dead-letter sinks.",
		},
		[]string{"kind"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		TasksSubmittedTotal,
		AttemptsTotal,
		RetriesTotal,
		TaskFailuresTotal,
		FaultsInjectedTotal,
		TaskDurationSeconds,
		QueueDepth,
		DeadLettersTotal,
	)
}

func RecordSubmitted(operation string) {
	TasksSubmittedTotal.WithLabelValues(operation).Inc()
}

func RecordAttempt(operation, outcome string) {
	AttemptsTotal.WithLabelValues(operation, outcome).Inc()
}

func RecordRetry(kind string) {
	RetriesTotal.WithLabelValues(kind).Inc()
}

func RecordTaskFailure(kind string) {
	TaskFailuresTotal.WithLabelValues(kind).Inc()
}

func RecordFaultInjected(kind string) {
	FaultsInjectedTotal.WithLabelValues(kind).Inc()
}

// RecordTaskDuration observes end-to-end latency; status is succeeded or failed.
func RecordTaskDuration(operation, status string, d time.Duration) {
	TaskDurationSeconds.WithLabelValues(operation, status).Observe(d.Seconds())
}

func SetQueueDepth(queue string, depth int) {
	QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func RecordDeadLetter(kind string) {
	DeadLettersTotal.WithLabelValues(kind).Inc()
}
