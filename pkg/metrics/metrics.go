package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "merkledrop_build_info",
			Help: "Build information of the merkledrop service",
		},
		[]string{"version", "commit", "date"},
	)

	ChainCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merkledrop_chain_calls_total",
			Help: "Total number of on-chain calls by contract method",
		},
		[]string{"method", "status"},
	)

	ChainCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "merkledrop_chain_call_duration_seconds",
			Help:    "Duration of on-chain calls, including retries and failover",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"method"},
	)

	ClaimCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "merkledrop_claim_cache_hits_total",
			Help: "Claim-status cache hits served without chain I/O",
		},
	)

	ClaimCacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "merkledrop_claim_cache_misses_total",
			Help: "Claim-status cache misses and expiries that triggered a chain read",
		},
	)

	DistributionsStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merkledrop_distributions_started_total",
			Help: "Total number of start-new-distribution runs",
		},
		[]string{"status"},
	)

	DistributionBuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "merkledrop_distribution_build_duration_seconds",
			Help:    "Duration of Merkle tree construction from a holder snapshot",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
	)

	IntegrityFaultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "merkledrop_integrity_faults_total",
			Help: "Critical bookkeeping faults (root mismatch, orphaned on-chain root)",
		},
		[]string{"kind"},
	)
)
