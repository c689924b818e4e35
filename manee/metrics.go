package manee

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"time"
)

const metricsNamespace = "manee"

const (
	providerResultSuccess     = "success"
	providerResultRateLimited = "rate_limited"
	providerResultError       = "error"
)

const (
	gatewayEventConnect    = "connect"
	gatewayEventDisconnect = "disconnect"
)

// metrics holds the bot's Prometheus collectors. Each Bot has its own
// registry, so multiple bots (as in tests) don't collide.
type metrics struct {
	registry *prometheus.Registry

	interactions     *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	providerRequests *prometheus.CounterVec
	providerRetries  prometheus.Counter
	providerLatency  prometheus.Histogram
	discordGateway   *prometheus.CounterVec
	inFlight         prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		interactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "interactions_total",
				Help:      "Interactions handled, by final command state",
			},
			[]string{"state"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "cache_lookups_total",
				Help:      "Answer cache lookups, by result",
			},
			[]string{"result"},
		),
		providerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "openai_requests_total",
				Help:      "Chat completion attempts, by result",
			},
			[]string{"result"},
		),
		providerRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "openai_retries_total",
				Help:      "Chat completion retries after a rate limit response",
			},
		),
		providerLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "openai_request_duration_seconds",
				Help:      "Duration of a single chat completion attempt",
				Buckets:   prometheus.DefBuckets,
			},
		),
		discordGateway: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "discord_gateway_events_total",
				Help:      "Discord gateway connects and disconnects",
			},
			[]string{"event"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "interactions_in_progress",
				Help:      "Interactions currently being handled",
			},
		),
	}
	m.registry.MustRegister(
		m.interactions,
		m.cacheLookups,
		m.providerRequests,
		m.providerRetries,
		m.providerLatency,
		m.discordGateway,
		m.inFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *metrics) observeCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

func (m *metrics) observeInteraction(state CommandState) {
	if m == nil {
		return
	}
	m.interactions.WithLabelValues(string(state)).Inc()
}

func (m *metrics) observeProviderRequest(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.providerRequests.WithLabelValues(result).Inc()
	m.providerLatency.Observe(elapsed.Seconds())
}

func (m *metrics) observeRetry() {
	if m == nil {
		return
	}
	m.providerRetries.Inc()
}

func (m *metrics) observeGatewayConnect() {
	if m == nil {
		return
	}
	m.discordGateway.WithLabelValues(gatewayEventConnect).Inc()
}

func (m *metrics) observeGatewayDisconnect() {
	if m == nil {
		return
	}
	m.discordGateway.WithLabelValues(gatewayEventDisconnect).Inc()
}
