package guard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var guardDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "alumnode_guard_decisions_total",
	Help: "Authorization decisions by outcome.",
}, []string{"outcome"})
