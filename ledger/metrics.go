/*
metrics.go - Prometheus instrumentation for the engine

PURPOSE:
  Exposes the counters operators actually page on: apply outcomes per
  domain, CAS retries, and alert dispatch behavior. Registered via
  promauto on the default registry; the api package serves them on
  /metrics through promhttp.
*/
package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	applyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "apply_total",
		Help:      "Apply operations by domain and outcome.",
	}, []string{"domain", "outcome"}) // accepted|duplicate|rejected|conflict|error

	applyRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "apply_retries_total",
		Help:      "Conditional-update retries after a lost version race.",
	}, []string{"domain"})

	applyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ledger",
		Name:      "apply_duration_seconds",
		Help:      "End-to-end apply latency including retries.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"domain"})

	alertsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "alerts_dispatched_total",
		Help:      "Alert events handed to the notifier.",
	}, []string{"kind"})

	alertsDeduped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "alerts_deduped_total",
		Help:      "Alert events suppressed by the dedupe window.",
	}, []string{"kind"})

	alertsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "alerts_dropped_total",
		Help:      "Alert events dropped because the queue was full.",
	})
)
