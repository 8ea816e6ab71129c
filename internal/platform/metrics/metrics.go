// Package metrics exposes Prometheus instrumentation for the
// orchestration engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector instruments task lifecycle transitions and queue state.
type Collector struct {
	tasksCreated   *prometheus.CounterVec
	tasksStarted   prometheus.Counter
	tasksCompleted prometheus.Counter
	tasksFailed    prometheus.Counter
	tasksRetried   prometheus.Counter
	tasksCancelled prometheus.Counter

	runningTasks prometheus.Gauge
	queueDepth   prometheus.Gauge

	executionDuration prometheus.Histogram
}

// NewCollector creates a collector registered with the given registerer.
// Passing nil registers with the default Prometheus registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		tasksCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskforge_tasks_created_total",
				Help: "Total number of tasks created",
			},
			[]string{"initial_status"},
		),
		tasksStarted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "taskforge_tasks_started_total",
				Help: "Total number of task execution attempts started",
			},
		),
		tasksCompleted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "taskforge_tasks_completed_total",
				Help: "Total number of tasks completed successfully",
			},
		),
		tasksFailed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "taskforge_tasks_failed_total",
				Help: "Total number of tasks that exhausted their retries",
			},
		),
		tasksRetried: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "taskforge_tasks_retried_total",
				Help: "Total number of retry attempts scheduled",
			},
		),
		tasksCancelled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "taskforge_tasks_cancelled_total",
				Help: "Total number of tasks cancelled",
			},
		),
		runningTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskforge_running_tasks",
				Help: "Number of tasks currently in progress",
			},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskforge_ready_queue_depth",
				Help: "Number of tasks waiting in the ready queue",
			},
		),
		executionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "taskforge_task_execution_duration_seconds",
				Help:    "Task execution duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),
	}
}

// TaskCreated records a task creation with its initial status.
func (c *Collector) TaskCreated(initialStatus string) {
	if c == nil {
		return
	}
	c.tasksCreated.WithLabelValues(initialStatus).Inc()
}

// TaskStarted records the start of an execution attempt.
func (c *Collector) TaskStarted() {
	if c == nil {
		return
	}
	c.tasksStarted.Inc()
	c.runningTasks.Inc()
}

// TaskCompleted records a successful completion and its duration.
func (c *Collector) TaskCompleted(duration time.Duration) {
	if c == nil {
		return
	}
	c.tasksCompleted.Inc()
	c.runningTasks.Dec()
	c.executionDuration.Observe(duration.Seconds())
}

// TaskRetried records a failed attempt that scheduled a retry.
func (c *Collector) TaskRetried() {
	if c == nil {
		return
	}
	c.tasksRetried.Inc()
	c.runningTasks.Dec()
}

// TaskFailed records a terminal failure.
func (c *Collector) TaskFailed() {
	if c == nil {
		return
	}
	c.tasksFailed.Inc()
	c.runningTasks.Dec()
}

// TaskCancelled records a cancellation. inFlight indicates whether the
// task was executing when cancelled, so the running gauge stays correct.
func (c *Collector) TaskCancelled(inFlight bool) {
	if c == nil {
		return
	}
	c.tasksCancelled.Inc()
	if inFlight {
		c.runningTasks.Dec()
	}
}

// SetQueueDepth updates the ready-queue depth gauge.
func (c *Collector) SetQueueDepth(depth int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(depth))
}
