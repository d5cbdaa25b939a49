package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "electra_cache_hits_total",
		Help: "Vector cache hits",
	}, []string{"backend"})

	misses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "electra_cache_misses_total",
		Help: "Vector cache misses",
	}, []string{"backend"})

	evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "electra_cache_evictions_total",
		Help: "Vectors dropped to make room",
	}, []string{"backend"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "electra_cache_errors_total",
		Help: "Cache operations that failed and were treated as misses",
	}, []string{"backend", "op"})
)
