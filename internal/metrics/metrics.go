package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records planner and HTTP activity. A nil *Metrics is a no-op.
type Metrics struct {
	gatherer prometheus.Gatherer

	cyclesTotal      *prometheus.CounterVec
	cycleDuration    prometheus.Histogram
	degradedUnits    prometheus.Counter
	coordinatedUnits *prometheus.GaugeVec
	creditsIssued    *prometheus.GaugeVec
	cacheHits        *prometheus.CounterVec
	cacheMisses      *prometheus.CounterVec

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New registers every collector on reg
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "climateloop_cycles_total",
			Help: "Scheduling cycles by outcome (published, failed).",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "climateloop_cycle_duration_seconds",
			Help:    "Wall time of one building's scheduling cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		degradedUnits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "climateloop_degraded_units_total",
			Help: "Units that fell back to baseline after a simulation failure.",
		}),
		coordinatedUnits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "climateloop_coordinated_units",
			Help: "Units pre-cooling off-peak in the latest cycle, by building.",
		}, []string{"building"}),
		creditsIssued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "climateloop_credits_issued",
			Help: "Credits issued in the latest cycle, by building.",
		}, []string{"building"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "climateloop_cache_hits_total",
			Help: "Tariff and weather cache hits.",
		}, []string{"kind"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "climateloop_cache_misses_total",
			Help: "Tariff and weather cache misses.",
		}, []string{"kind"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "climateloop_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "climateloop_http_request_duration_seconds",
			Help:    "HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.cyclesTotal,
		m.cycleDuration,
		m.degradedUnits,
		m.coordinatedUnits,
		m.creditsIssued,
		m.cacheHits,
		m.cacheMisses,
		m.httpRequestsTotal,
		m.httpDuration,
	)
	return m
}

// CyclePublished records a successful cycle
func (m *Metrics) CyclePublished(building string, d time.Duration, coordinated, degraded int, credits float64) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues("published").Inc()
	m.cycleDuration.Observe(d.Seconds())
	m.degradedUnits.Add(float64(degraded))
	m.coordinatedUnits.WithLabelValues(building).Set(float64(coordinated))
	m.creditsIssued.WithLabelValues(building).Set(credits)
}

// CycleFailed records a cycle that published nothing
func (m *Metrics) CycleFailed(d time.Duration) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues("failed").Inc()
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) CacheHit(kind string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(kind).Inc()
}

func (m *Metrics) CacheMiss(kind string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(kind).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Middleware records request counts and latency. route names the series,
// normally the router pattern rather than the raw path.
func (m *Metrics) Middleware(route func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(recorder, r)

			if m == nil {
				return
			}
			name := route(r)
			m.httpRequestsTotal.WithLabelValues(name, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
