package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// RegistryMetrics tracks deal lifecycle activity.
type RegistryMetrics struct {
	transitions *prometheus.CounterVec
	feeVolume   prometheus.Counter
}

// CustodyMetrics tracks payout health for the custody ledger.
type CustodyMetrics struct {
	payouts       *prometheus.CounterVec
	payoutAmounts prometheus.Histogram
	failures      *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	registryMetricsOnce sync.Once
	registryRegistry    *RegistryMetrics

	custodyMetricsOnce sync.Once
	custodyRegistry    *CustodyMetrics
)

// ModuleMetrics returns the lazily-initialised metrics registry used to
// record JSON-RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total JSON-RPC module requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total JSON-RPC module errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrowd",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Count of module requests rejected before dispatch.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the rejection counter for the supplied module.
// Reasons should be stable strings such as "unauthorized" or "payload_too_large"
// so dashboards and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// Registry returns the singleton metrics registry for deal transitions.
func Registry() *RegistryMetrics {
	registryMetricsOnce.Do(func() {
		registryRegistry = &RegistryMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "registry",
				Name:      "transitions_total",
				Help:      "Count of deal lifecycle operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			feeVolume: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "registry",
				Name:      "fee_volume_total",
				Help:      "Cumulative protocol fees accrued to the operator, in base units.",
			}),
		}
		prometheus.MustRegister(registryRegistry.transitions, registryRegistry.feeVolume)
	})
	return registryRegistry
}

// ObserveTransition records one deal lifecycle operation.
func (m *RegistryMetrics) ObserveTransition(operation string, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.transitions.WithLabelValues(op, outcome).Inc()
}

// RecordFee adds an accrued protocol fee to the running volume counter.
func (m *RegistryMetrics) RecordFee(amount *big.Int) {
	if m == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	m.feeVolume.Add(bigToFloat(amount))
}

// Custody returns the singleton metrics registry for withdrawal settlement.
func Custody() *CustodyMetrics {
	custodyMetricsOnce.Do(func() {
		custodyRegistry = &CustodyMetrics{
			payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "custody",
				Name:      "payouts_total",
				Help:      "Count of withdrawal attempts segmented by outcome.",
			}, []string{"outcome"}),
			payoutAmounts: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "escrowd",
				Subsystem: "custody",
				Name:      "payout_amount",
				Help:      "Distribution of settled payout amounts in base units.",
				Buckets:   prometheus.ExponentialBuckets(1, 10, 12),
			}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "custody",
				Name:      "payout_failures_total",
				Help:      "Count of failed withdrawal attempts segmented by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			custodyRegistry.payouts,
			custodyRegistry.payoutAmounts,
			custodyRegistry.failures,
		)
	})
	return custodyRegistry
}

// ObservePayout records the outcome of one withdrawal attempt.
func (m *CustodyMetrics) ObservePayout(amount *big.Int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		reason := strings.TrimSpace(err.Error())
		if reason == "" {
			reason = "unknown"
		}
		m.payouts.WithLabelValues("error").Inc()
		m.failures.WithLabelValues(reason).Inc()
		return
	}
	m.payouts.WithLabelValues("success").Inc()
	if amount != nil {
		m.payoutAmounts.Observe(bigToFloat(amount))
	}
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
