package task

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	tasksStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyforge_tasks_started_total",
			Help: "Total number of tasks claimed for execution.",
		},
		[]string{"kind"},
	)

	tasksFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyforge_tasks_finished_total",
			Help: "Total number of tasks reaching a terminal state.",
		},
		[]string{"kind", "status"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "storyforge_task_duration_seconds",
			Help: "Task execution duration in seconds.",
			// Generation jobs run seconds to tens of minutes.
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(tasksStartedTotal)
	prometheus.MustRegister(tasksFinishedTotal)
	prometheus.MustRegister(taskDuration)
}
