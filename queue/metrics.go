package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nexus",
		Subsystem: "inbox",
		Name:      "tasks_enqueued_total",
		Help:      "Rows added to the inbox queue.",
	}, []string{"project"})

	tasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nexus",
		Subsystem: "inbox",
		Name:      "tasks_claimed_total",
		Help:      "Rows claimed for processing.",
	})

	duplicatesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nexus",
		Subsystem: "inbox",
		Name:      "duplicates_suppressed_total",
		Help:      "Pending rows retired because an older row with the same (project, filename) was claimed.",
	})

	rowsReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nexus",
		Subsystem: "inbox",
		Name:      "rows_reclaimed_total",
		Help:      "Stale processing rows returned to pending.",
	})
)
