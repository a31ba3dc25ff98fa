// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Completion outcomes.
const (
	OutcomeCompleted   = "completed"
	OutcomeCacheHit    = "cache_hit"
	OutcomeUpstreamErr = "upstream_error"
	OutcomeDisconnect  = "client_disconnect"
	OutcomeRejected    = "rejected"
)

// Cache lookup results.
const (
	LookupHit     = "hit"
	LookupMiss    = "miss"
	LookupError   = "error"
	LookupSkipped = "skipped"
)

var latencyBuckets = []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_completions_total{provider,outcome}
	completions *prometheus.CounterVec

	// gateway_stream_chunks_total{provider}
	streamChunks *prometheus.CounterVec

	// gateway_time_to_first_chunk_seconds{provider}
	firstChunk *prometheus.HistogramVec

	// gateway_cache_lookups_total{result}
	cacheLookups *prometheus.CounterVec

	// gateway_cache_writes_total{result}
	cacheWrites *prometheus.CounterVec

	// gateway_embedding_duration_seconds
	embedDuration prometheus.Histogram

	// provider_errors_total{provider,status}
	providerErrors *prometheus.CounterVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_component_health{component}
	componentHealth *prometheus.GaugeVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds, until the response stream is closed",
				Buckets: latencyBuckets,
			},
			[]string{"route"},
		),

		completions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_completions_total",
				Help: "Chat completions by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),

		streamChunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_stream_chunks_total",
				Help: "Chunks forwarded to callers",
			},
			[]string{"provider"},
		),

		firstChunk: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_time_to_first_chunk_seconds",
				Help:    "Delay between accepting a request and flushing its first chunk",
				Buckets: latencyBuckets,
			},
			[]string{"provider"},
		),

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_lookups_total",
				Help: "Semantic cache lookups by result",
			},
			[]string{"result"},
		),

		cacheWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_writes_total",
				Help: "Semantic cache write-backs by result",
			},
			[]string{"result"},
		),

		embedDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_embedding_duration_seconds",
			Help:    "Embedding call duration in seconds",
			Buckets: latencyBuckets,
		}),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_errors_total",
				Help: "Total provider errors by upstream status",
			},
			[]string{"provider", "status"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		componentHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_component_health",
				Help: "Component health (1=ok, 0=degraded)",
			},
			[]string{"component"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.completions,
		r.streamChunks,
		r.firstChunk,
		r.cacheLookups,
		r.cacheWrites,
		r.embedDuration,
		r.providerErrors,
		r.rateLimitTotal,
		r.componentHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordCompletion counts one finished chat completion.
func (r *Registry) RecordCompletion(provider, outcome string) {
	r.completions.WithLabelValues(provider, outcome).Inc()
}

func (r *Registry) AddChunks(provider string, n int) {
	if n > 0 {
		r.streamChunks.WithLabelValues(provider).Add(float64(n))
	}
}

func (r *Registry) ObserveFirstChunk(provider string, d time.Duration) {
	r.firstChunk.WithLabelValues(provider).Observe(d.Seconds())
}

func (r *Registry) RecordCacheLookup(result string) {
	r.cacheLookups.WithLabelValues(result).Inc()
}

func (r *Registry) RecordCacheWrite(ok bool) {
	if ok {
		r.cacheWrites.WithLabelValues("ok").Inc()
		return
	}
	r.cacheWrites.WithLabelValues("error").Inc()
}

func (r *Registry) ObserveEmbedding(d time.Duration) {
	r.embedDuration.Observe(d.Seconds())
}

func (r *Registry) RecordProviderError(provider string, status int) {
	r.providerErrors.WithLabelValues(provider, strconv.Itoa(status)).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) SetComponentHealth(component string, ok bool) {
	if ok {
		r.componentHealth.WithLabelValues(component).Set(1)
		return
	}
	r.componentHealth.WithLabelValues(component).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
