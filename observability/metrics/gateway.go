package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics wraps collectors tracking deal gateway health. Request
// throughput lives in the HTTP middleware; these cover the async paths.
type GatewayMetrics struct {
	webhookFailures *prometheus.CounterVec
	watcherLag      prometheus.Gauge
	idempotentHits  prometheus.Counter
}

var (
	gatewayOnce     sync.Once
	gatewayRegistry *GatewayMetrics
)

// Gateway returns the singleton metrics registry for the deal gateway.
func Gateway() *GatewayMetrics {
	gatewayOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			webhookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "gateway_webhook_failures_total",
				Help: "Number of failed webhook delivery attempts by destination.",
			}, []string{"destination"}),
			watcherLag: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "gateway_watcher_lag_events",
				Help: "Journal events between the watcher cursor and the ledger head.",
			}),
			idempotentHits: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "gateway_idempotent_replays_total",
				Help: "Count of requests served from the idempotency cache.",
			}),
		}
		prometheus.MustRegister(
			gatewayRegistry.webhookFailures,
			gatewayRegistry.watcherLag,
			gatewayRegistry.idempotentHits,
		)
	})
	return gatewayRegistry
}

// RecordWebhookFailure tallies one failed delivery attempt.
func (m *GatewayMetrics) RecordWebhookFailure(destination string) {
	if m == nil {
		return
	}
	m.webhookFailures.WithLabelValues(destination).Inc()
}

// SetWatcherLag publishes how many events the watcher still has to ingest.
func (m *GatewayMetrics) SetWatcherLag(events float64) {
	if m == nil {
		return
	}
	m.watcherLag.Set(events)
}

// RecordIdempotentReplay tallies one request answered from the cache.
func (m *GatewayMetrics) RecordIdempotentReplay() {
	if m == nil {
		return
	}
	m.idempotentHits.Inc()
}
