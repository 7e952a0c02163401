package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Метрики конвейера
var (
	runsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rollcall_runs_active",
		Help: "Workflow runs currently in flight.",
	})

	identitiesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollcall_identities_processed_total",
			Help: "Identities driven to a terminal status, by status.",
		},
		[]string{"status"},
	)

	proxyPoolState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rollcall_proxy_pool",
			Help: "Proxies in the pool, by health state.",
		},
		[]string{"state"},
	)

	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rollcall_step_duration_seconds",
			Help:    "Workflow step execution time in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	acquireFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_proxy_acquire_failures_total",
		Help: "Acquire calls that found no eligible proxy.",
	})

	eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_events_dropped_total",
		Help: "Bus events dropped for slow subscribers.",
	})
)

// Регистрация метрик в default-регистре.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		runsActive, identitiesProcessed, proxyPoolState,
		stepDuration, acquireFailures, eventsDropped,
	)
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RunStarted/RunFinished bracket one workflow run.
func RunStarted()  { runsActive.Inc() }
func RunFinished() { runsActive.Dec() }

// MarkProcessed counts one identity reaching a terminal status.
func MarkProcessed(status string) {
	identitiesProcessed.WithLabelValues(status).Inc()
}

// SetPoolState publishes the current number of proxies in one health state.
func SetPoolState(state string, n int) {
	proxyPoolState.WithLabelValues(state).Set(float64(n))
}

// ObserveStep records one step execution duration.
func ObserveStep(step string, d time.Duration) {
	stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

// AcquireFailed counts one empty-pool acquire.
func AcquireFailed() { acquireFailures.Inc() }

// EventDropped counts one event dropped for a slow subscriber.
func EventDropped() { eventsDropped.Inc() }

// CanonicalPath collapses resource identifiers to :id so metric label
// cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	seg := strings.Split(strings.TrimPrefix(p, "/"), "/")
	if len(seg) < 3 || seg[0] != "v1" {
		return p
	}
	switch seg[1] {
	case "identities", "proxies":
		switch len(seg) {
		case 3:
			return "/v1/" + seg[1] + "/:id"
		case 4:
			if seg[3] == "cancel" || seg[3] == "revive" || seg[3] == "kill" {
				return "/v1/" + seg[1] + "/:id/" + seg[3]
			}
		}
	case "ledger":
		if len(seg) == 4 && seg[2] == "statements" {
			return "/v1/ledger/statements/:id"
		}
	}
	return p
}

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path) // схлопываем id, чтобы не раздувать кардинальность
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter — локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
