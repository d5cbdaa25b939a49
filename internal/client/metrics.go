package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "electra_circuit_breaker_state",
		Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
	}, []string{"name"})

	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "electra_circuit_breaker_transitions_total",
		Help: "Circuit breaker state changes by target state",
	}, []string{"name", "to"})

	flightCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "electra_flight_client_calls_total",
		Help: "Flight client calls by method and result",
	}, []string{"method", "result"})

	flightRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "electra_flight_client_rows_sent_total",
		Help: "Rows sent to the downstream Flight server",
	})
)
