package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets     = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	providerDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	bodySizeBuckets         = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus instruments for the service.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow
	TransitionsTotal        *prometheus.CounterVec
	DecisionsTotal          *prometheus.CounterVec
	ContractOutcomesTotal   *prometheus.CounterVec
	WebhookDeliveriesTotal  *prometheus.CounterVec
	ReprocessItemsTotal     *prometheus.CounterVec
	SanctionScheduleUpdates *prometheus.CounterVec

	// External providers
	ProviderRequestsTotal   *prometheus.CounterVec
	ProviderRequestDuration *prometheus.HistogramVec
	ProviderCircuitState    *prometheus.GaugeVec
	ProviderRetriesTotal    *prometheus.CounterVec

	// Caches and feeds
	CacheHitsTotal             *prometheus.CounterVec
	CacheMissesTotal           *prometheus.CounterVec
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter
	ChangeFeedSubscribers      prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accredit_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "accredit_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "accredit_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "accredit_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accredit_transitions_total",
			Help: "Status transitions applied, by entity.",
		}, []string{"entity", "from", "to"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accredit_decisions_total",
			Help: "Analyst decisions recorded, by outcome.",
		}, []string{"outcome"}),
		ContractOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accredit_contract_outcomes_total",
			Help: "Contract lifecycle outcomes.",
		}, []string{"outcome"}),
		WebhookDeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accredit_webhook_deliveries_total",
			Help: "Signature webhook deliveries, by result.",
		}, []string{"result"}),
		ReprocessItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accredit_reprocess_items_total",
			Help: "Contracts handled by batch reprocessing, by result.",
		}, []string{"result"}),
		SanctionScheduleUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accredit_sanction_schedule_updates_total",
			Help: "Sanctions and provider statuses updated by the schedule.",
		}, []string{"kind"}),

		ProviderRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accredit_provider_requests_total",
			Help: "Outbound calls to external providers.",
		}, []string{"service", "outcome"}),
		ProviderRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "accredit_provider_request_duration_seconds",
			Help:    "Outbound call duration in seconds.",
			Buckets: providerDurationBuckets,
		}, []string{"service"}),
		ProviderCircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "accredit_provider_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		}, []string{"service"}),
		ProviderRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accredit_provider_retries_total",
			Help: "Outbound call retries.",
		}, []string{"service"}),

		CacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accredit_cache_hits_total",
			Help: "Result cache hits.",
		}, []string{"cache"}),
		CacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accredit_cache_misses_total",
			Help: "Result cache misses.",
		}, []string{"cache"}),
		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accredit_capability_cache_hits_total",
			Help: "Capability resolution cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accredit_capability_cache_misses_total",
			Help: "Capability resolution cache misses.",
		}),
		ChangeFeedSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "accredit_change_feed_subscribers",
			Help: "Open change-feed subscriptions on this instance.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.TransitionsTotal,
		m.DecisionsTotal,
		m.ContractOutcomesTotal,
		m.WebhookDeliveriesTotal,
		m.ReprocessItemsTotal,
		m.SanctionScheduleUpdates,
		m.ProviderRequestsTotal,
		m.ProviderRequestDuration,
		m.ProviderCircuitState,
		m.ProviderRetriesTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
		m.ChangeFeedSubscribers,
	)
	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordTransition records an applied status transition.
func (m *Metrics) RecordTransition(entity, from, to string) {
	m.TransitionsTotal.WithLabelValues(entity, from, to).Inc()
}

func (m *Metrics) RecordDecision(outcome string) {
	m.DecisionsTotal.WithLabelValues(outcome).Inc()
}

// RecordContractOutcome counts generated, dispatched, signed, failed,
// superseded and unavailable contracts.
func (m *Metrics) RecordContractOutcome(outcome string) {
	m.ContractOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordWebhook(result string) {
	m.WebhookDeliveriesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordReprocessItem(ok bool) {
	result := "failed"
	if ok {
		result = "succeeded"
	}
	m.ReprocessItemsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordSanctionScheduleUpdate(kind string) {
	m.SanctionScheduleUpdates.WithLabelValues(kind).Inc()
}

// RecordProviderCall records one outbound attempt. Attempts rejected by an
// open breaker have zero duration and are not observed in the histogram.
func (m *Metrics) RecordProviderCall(service, outcome string, d time.Duration) {
	m.ProviderRequestsTotal.WithLabelValues(service, outcome).Inc()
	if d > 0 {
		m.ProviderRequestDuration.WithLabelValues(service).Observe(d.Seconds())
	}
}

func (m *Metrics) RecordProviderRetry(service string) {
	m.ProviderRetriesTotal.WithLabelValues(service).Inc()
}

// SetProviderCircuitState sets the breaker gauge (0=closed, 1=open,
// 2=half-open).
func (m *Metrics) SetProviderCircuitState(service string, state float64) {
	m.ProviderCircuitState.WithLabelValues(service).Set(state)
}

func (m *Metrics) RecordCacheResult(cache string, hit bool) {
	if hit {
		m.CacheHitsTotal.WithLabelValues(cache).Inc()
		return
	}
	m.CacheMissesTotal.WithLabelValues(cache).Inc()
}

// RecordCapabilityCacheHit records a capability cache hit.
func (m *Metrics) RecordCapabilityCacheHit() {
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss records a capability cache miss.
func (m *Metrics) RecordCapabilityCacheMiss() {
	m.CapabilityCacheMissesTotal.Inc()
}

func (m *Metrics) AddChangeFeedSubscribers(delta float64) {
	m.ChangeFeedSubscribers.Add(delta)
}

// --- HTTP Middleware ---

// MetricsMiddleware records request metrics labelled by chi's route pattern
// rather than the raw path.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *metricsResponseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
