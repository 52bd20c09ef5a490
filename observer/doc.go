// Package observer implements the incremental query observer core: a live
// view over the result of one parametrized query, which re-evaluates on
// demand, computes a minimal diff (added / changed / removed rows) against
// its previous result, and fans the diff out to subscribers.
//
// An Observer is owned by a registry which decides *when* to evaluate it
// (typically, upon writes to one of its dependent tables). The Observer
// itself owns *what happens* during an evaluation: query execution under
// dependency capture, snapshot construction, diffing, and notification.
package observer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	observersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "liveq_observers",
		Help: "Number of live (non-stopped) query observers.",
	})
	evaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liveq_observer_evaluations_total",
		Help: "Cumulative number of observer evaluations.",
	}, []string{"status"})
	evaluationSecondsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveq_observer_evaluation_seconds_total",
		Help: "Cumulative number of seconds spent evaluating observers.",
	})
	diffRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liveq_observer_diff_rows_total",
		Help: "Cumulative number of diffed rows, by change kind.",
	}, []string{"kind"})
	publishTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveq_observer_publish_total",
		Help: "Cumulative number of messages published to subscribers.",
	})
	publishFailureTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveq_observer_publish_failure_total",
		Help: "Cumulative number of publish errors (messages dropped).",
	})
)
