package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// APIMetrics tracks HTTP API activity segmented by route and outcome.
type APIMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// LedgerMetrics tracks contribution ingest health.
type LedgerMetrics struct {
	activities *prometheus.CounterVec
	dropped    *prometheus.CounterVec
}

// DistributorMetrics wraps collectors tracking token distribution health.
type DistributorMetrics struct {
	submissions   prometheus.Counter
	settleLatency prometheus.Histogram
	errors        *prometheus.CounterVec
	pendingRecon  prometheus.Gauge
	capRemaining  prometheus.Gauge
}

var (
	apiMetricsOnce sync.Once
	apiRegistry    *APIMetrics

	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics

	distributorMetricsOnce sync.Once
	distributorRegistry    *DistributorMetrics
)

// API returns the lazily-initialised registry used to record HTTP API activity.
func API() *APIMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &APIMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "codekudos",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total HTTP API requests segmented by route and outcome.",
			}, []string{"route", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "codekudos",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total HTTP API errors segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "codekudos",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "codekudos",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to rate limiting.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.errors,
			apiRegistry.latency,
			apiRegistry.throttles,
		)
	})
	return apiRegistry
}

// Observe records the outcome of an API request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *APIMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(route, outcome).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied route.
func (m *APIMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.throttles.WithLabelValues(route).Inc()
}

// Ledger returns the metrics registry for contribution ingest.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			activities: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "codekudos",
				Subsystem: "ledger",
				Name:      "activities_total",
				Help:      "Count of recorded contribution activities segmented by type.",
			}, []string{"type"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "codekudos",
				Subsystem: "ledger",
				Name:      "dropped_total",
				Help:      "Count of contribution events dropped segmented by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(ledgerRegistry.activities, ledgerRegistry.dropped)
	})
	return ledgerRegistry
}

// RecordActivity increments the activity counter for the supplied type.
func (m *LedgerMetrics) RecordActivity(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.activities.WithLabelValues(kind).Inc()
}

// RecordDropped increments the dropped-event counter for the supplied reason.
// Reasons should be stable strings such as "unknown_developer" or "invalid"
// so dashboards and alerts remain consistent.
func (m *LedgerMetrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// Distributor exposes the metrics registry for the token distributor.
func Distributor() *DistributorMetrics {
	distributorMetricsOnce.Do(func() {
		distributorRegistry = &DistributorMetrics{
			submissions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "codekudos",
				Subsystem: "distributor",
				Name:      "submissions_total",
				Help:      "Count of token transfer transactions submitted on chain.",
			}),
			settleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "codekudos",
				Subsystem: "distributor",
				Name:      "settlement_latency_seconds",
				Help:      "Latency distribution from submission to confirmed receipt.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "codekudos",
				Subsystem: "distributor",
				Name:      "errors_total",
				Help:      "Count of distribution failures segmented by reason.",
			}, []string{"reason"}),
			pendingRecon: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "codekudos",
				Subsystem: "distributor",
				Name:      "pending_attempts",
				Help:      "Number of unresolved distribution attempts awaiting reconciliation.",
			}),
			capRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "codekudos",
				Subsystem: "distributor",
				Name:      "daily_cap_remaining",
				Help:      "Remaining daily distribution cap in whole tokens (-1 when uncapped).",
			}),
		}
		prometheus.MustRegister(
			distributorRegistry.submissions,
			distributorRegistry.settleLatency,
			distributorRegistry.errors,
			distributorRegistry.pendingRecon,
			distributorRegistry.capRemaining,
		)
	})
	return distributorRegistry
}

// RecordSubmission increments the submitted-transaction counter.
func (m *DistributorMetrics) RecordSubmission() {
	if m == nil {
		return
	}
	m.submissions.Inc()
}

// ObserveSettlement records the latency from submission to confirmation.
func (m *DistributorMetrics) ObserveSettlement(d time.Duration) {
	if m == nil {
		return
	}
	m.settleLatency.Observe(d.Seconds())
}

// RecordError increments the error counter for the supplied reason.
func (m *DistributorMetrics) RecordError(reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.errors.WithLabelValues(reason).Inc()
}

// SetPendingAttempts updates the unresolved-attempt gauge.
func (m *DistributorMetrics) SetPendingAttempts(n int) {
	if m == nil {
		return
	}
	m.pendingRecon.Set(float64(n))
}

// SetCapRemaining updates the remaining daily cap gauge.
func (m *DistributorMetrics) SetCapRemaining(remaining int64) {
	if m == nil {
		return
	}
	m.capRemaining.Set(float64(remaining))
}
