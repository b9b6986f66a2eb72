package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	subscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_subscribers",
		Help: "Currently attached trip subscribers.",
	})
	topicsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_topics",
		Help: "Live per-trip dispatch topics.",
	})
	publishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_events_published_total",
		Help: "Trip events published to the dispatch hub.",
	})
	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_events_dropped_total",
		Help: "Trip events published while no subscriber was attached.",
	})
	staleTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_events_stale_total",
		Help: "Trip events discarded because a newer or equal version was already delivered.",
	})
	bridgedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_bridge_messages_total",
		Help: "NATS trip messages handled by the bridge, by outcome.",
	}, []string{"outcome"})
	laggedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_subscribers_lagged_total",
		Help: "Subscriptions closed because their queue overflowed.",
	})
)
