package model

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LayerDuration tracks time spent in specific model layers
	LayerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "electra_layer_duration_seconds",
		Help:    "Time spent in specific model layers",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	}, []string{"layer_type", "device"})

	ForwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "electra_forward_duration_seconds",
		Help:    "End-to-end encoder forward latency",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	ForwardTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "electra_forward_tokens_total",
		Help: "Tokens encoded by successful forward passes",
	})

	ForwardErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "electra_forward_errors_total",
		Help: "Forward calls rejected for malformed inputs",
	})

	// FallbackLoads counts models whose encoder weights were found only under
	// the model_type prefix.
	FallbackLoads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "electra_weight_prefix_fallback_total",
		Help: "Model loads that used the model_type weight prefix",
	})
)
