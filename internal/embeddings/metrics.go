package embeddings

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	encodeSequences = promauto.NewCounter(prometheus.CounterOpts{
		Name: "electra_encoded_sequences_total",
		Help: "Total number of sequences returned by Encode, cached or not",
	})

	encodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "electra_encode_duration_seconds",
		Help:    "End-to-end Encode latency",
		Buckets: prometheus.DefBuckets,
	})

	encodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "electra_encode_errors_total",
		Help: "Failed Encode calls by reason",
	}, []string{"reason"})

	// Internal batch metrics
	batchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "electra_batch_duration_seconds",
		Help:    "Forward plus pooling time of one internal batch",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"pooling"})

	batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "electra_batch_sequences",
		Help:    "Sequences per internal batch",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	batchTokens = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "electra_batch_tokens",
		Help:    "Tokens per internal batch",
		Buckets: prometheus.ExponentialBuckets(8, 2, 12),
	})

	nonFinite = promauto.NewCounter(prometheus.CounterOpts{
		Name: "electra_non_finite_batches_total",
		Help: "Internal batches rejected for NaN or Inf activations",
	})
)
