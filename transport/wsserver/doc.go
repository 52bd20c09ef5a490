// Package wsserver implements a websocket transport.Publisher: each
// subscriber attaches over an HTTP upgrade and receives its observer
// notifications as JSON text frames, via a per-subscriber send queue.
package wsserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	subscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "liveq_ws_subscribers",
		Help: "Number of connected websocket subscribers.",
	})
	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveq_ws_dropped_total",
		Help: "Cumulative number of messages dropped due to a full or closed subscriber queue.",
	})
)
