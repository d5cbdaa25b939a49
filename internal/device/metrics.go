package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolGets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "electra_tensor_pool_gets_total",
		Help: "Total number of scratch tensor retrievals from the backend pool",
	}, []string{"device"})

	poolMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "electra_tensor_pool_misses_total",
		Help: "Total number of scratch tensor pool misses (allocations)",
	}, []string{"device"})
)
