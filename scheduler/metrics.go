package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "nexus",
		Subsystem: "scheduler",
		Name:      "tick_duration_seconds",
		Help:      "Duration of scheduler ticks by axis.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"axis"})

	ticksSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nexus",
		Subsystem: "scheduler",
		Name:      "ticks_skipped_total",
		Help:      "Ticks skipped because the previous tick was still running.",
	}, []string{"axis"})

	tasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nexus",
		Subsystem: "scheduler",
		Name:      "tasks_processed_total",
		Help:      "Inbox tasks processed by outcome.",
	}, []string{"result"})

	issuesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nexus",
		Subsystem: "scheduler",
		Name:      "issues_created_total",
		Help:      "Issues created from inbox tasks.",
	})

	agentsLaunched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nexus",
		Subsystem: "scheduler",
		Name:      "agents_launched_total",
		Help:      "Agent launches by trigger source.",
	}, []string{"trigger"})

	rowsReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nexus",
		Subsystem: "scheduler",
		Name:      "queue_rows_reclaimed_total",
		Help:      "Stale processing rows returned to pending.",
	})
)
