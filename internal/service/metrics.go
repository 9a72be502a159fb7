package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qrpay_cache_lookups_total",
		Help: "Cache lookups by purpose and result (hit, miss, error).",
	}, []string{"purpose", "result"})

	cacheWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qrpay_cache_write_failures_total",
		Help: "Best-effort cache writes or evictions that failed.",
	}, []string{"purpose", "op"})

	paymentOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qrpay_payment_operations_total",
		Help: "Payment engine operations by outcome.",
	}, []string{"operation", "outcome"})

	executeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qrpay_payment_execute_duration_seconds",
		Help:    "Duration of the execute transaction.",
		Buckets: prometheus.DefBuckets,
	})
)
