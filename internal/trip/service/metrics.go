package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trip_requests_total",
		Help: "RequestTrip calls grouped by outcome.",
	}, []string{"result"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trip_transitions_total",
		Help: "Transition calls grouped by target status and outcome.",
	}, []string{"target", "result"})

	routeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trip_route_seconds",
		Help:    "Time spent in the routing collaborator.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	publishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trip_publish_failures_total",
		Help: "Trip events that could not be relayed after commit.",
	}, []string{"publisher"})
)
