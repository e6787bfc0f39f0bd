package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ProviderMetrics tracks calls to blockchain indexer backends.
type ProviderMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttled *prometheus.CounterVec
}

var (
	providerOnce     sync.Once
	providerRegistry *ProviderMetrics
)

func Provider() *ProviderMetrics {
	providerOnce.Do(func() {
		providerRegistry = &ProviderMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "agentescrow_provider_requests_total",
				Help: "Indexer requests by provider, method and HTTP status (0 for transport errors).",
			}, []string{"provider", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "agentescrow_provider_request_duration_seconds",
				Help:    "Indexer request latency by provider and method.",
				Buckets: prometheus.DefBuckets,
			}, []string{"provider", "method"}),
			throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "agentescrow_provider_throttled_total",
				Help: "Requests delayed by the client side rate limiter.",
			}, []string{"provider"}),
		}
		prometheus.MustRegister(
			providerRegistry.requests,
			providerRegistry.latency,
			providerRegistry.throttled,
		)
	})
	return providerRegistry
}

// Observe records one request.
func (m *ProviderMetrics) Observe(provider, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(provider, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(provider, method).Observe(duration.Seconds())
}

// RecordThrottle counts a request that had to wait for the limiter.
func (m *ProviderMetrics) RecordThrottle(provider string) {
	if m == nil {
		return
	}
	m.throttled.WithLabelValues(provider).Inc()
}
