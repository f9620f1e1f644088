package routing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	selections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validator_routing_selections_total",
		Help: "Count of miner selection attempts by outcome.",
	}, []string{"outcome"})
	blacklistings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "validator_routing_blacklistings_total",
		Help: "Count of miners blacklisted by the router.",
	})
	excusesChecked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validator_routing_excuses_total",
		Help: "Count of busy-decline excuse validations by verdict.",
	}, []string{"verdict"})
)
