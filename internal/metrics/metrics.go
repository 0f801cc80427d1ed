package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskctl_tasks_submitted_total",
			Help: "Task requests received by the orchestrator",
		},
		[]string{"task_type", "mode"}, // mode: sync, async
	)

	TasksRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskctl_tasks_rejected_total",
			Help: "Task requests rejected before dispatch",
		},
		[]string{"task_type", "code"},
	)

	TasksCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskctl_tasks_completed_total",
			Help: "Tasks whose plan finished executing",
		},
		[]string{"task_type", "state"},
	)

	StepDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskctl_step_duration_seconds",
			Help:    "Duration of a single plan step",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10), // 100ms to ~7h
		},
		[]string{"task_type", "step"},
	)

	RunningTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskctl_running_tasks",
			Help: "Tasks currently executing on the worker pool",
		},
	)

	QueuedTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskctl_queued_tasks",
			Help: "Tasks waiting for a worker pool slot",
		},
	)

	GPUAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskctl_gpu_acquire_total",
			Help: "GPU acquire attempts",
		},
		[]string{"success"},
	)

	MonitorCycleSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskctl_monitor_cycle_seconds",
			Help:    "Duration of one aggregation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	MonitorEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskctl_monitor_records_published_total",
			Help: "Task records published to the event stream",
		},
	)

	MonitorErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskctl_monitor_task_errors_total",
			Help: "Per-task aggregation failures",
		},
	)

	PostmanPushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskctl_postman_push_total",
			Help: "Status pushes to the system-of-record",
		},
		[]string{"result"}, // ok, failed, dropped
	)

	PostmanFailedCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskctl_postman_failed_cache_size",
			Help: "Records waiting in the failed-delivery cache",
		},
	)
)
