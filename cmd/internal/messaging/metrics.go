package messaging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesAppended = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "alumnode",
		Subsystem: "messaging",
		Name:      "messages_appended_total",
		Help:      "Messages accepted into conversation logs.",
	})

	feedEventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alumnode",
		Subsystem: "messaging",
		Name:      "feed_events_published_total",
		Help:      "Change-feed events published, by kind.",
	}, []string{"kind"})

	feedEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "alumnode",
		Subsystem: "messaging",
		Name:      "feed_events_dropped_total",
		Help:      "Change-feed events dropped due to subscriber backpressure.",
	})
)
