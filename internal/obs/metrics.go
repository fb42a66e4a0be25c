package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
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
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ekehi_ready",
		Help: "1 when the last readiness probe succeeded.",
	})
)

// Domain metrics.
var (
	claimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ekehi_claims_total",
			Help: "Claims processed by outcome (credited, capped, clock_skew, error).",
		},
		[]string{"outcome"},
	)

	coinsCredited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ekehi_coins_credited_total",
		Help: "Coins credited by claims and signup bonuses.",
	})

	sessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ekehi_session_events_total",
			Help: "Session lifecycle events.",
		},
		[]string{"event"},
	)

	accessDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ekehi_access_decisions_total",
			Help: "Authorization decisions by outcome.",
		},
		[]string{"decision"},
	)

	referralRedemptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ekehi_referral_redemptions_total",
			Help: "Referral redemptions by outcome.",
		},
		[]string{"outcome"},
	)
)

var initOnce sync.Once

// Регистрация метрик в default-регистре. Повторный вызов безопасен.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
			claimsTotal, coinsCredited, sessionEvents, accessDecisions, referralRedemptions,
		)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the last readiness check.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// ObserveClaim counts one claim outcome and the coins it credited.
func ObserveClaim(outcome string, credited float64) {
	claimsTotal.WithLabelValues(outcome).Inc()
	if credited > 0 {
		coinsCredited.Add(credited)
	}
}

// ObserveCredit counts coins credited outside of claims.
func ObserveCredit(amount float64) {
	if amount > 0 {
		coinsCredited.Add(amount)
	}
}

func ObserveSession(event string) { sessionEvents.WithLabelValues(event).Inc() }
func ObserveDecision(granted bool) { accessDecisions.WithLabelValues(decisionLabel(granted)).Inc() }
func ObserveReferral(outcome string) { referralRedemptions.WithLabelValues(outcome).Inc() }

func decisionLabel(granted bool) string {
	if granted {
		return "granted"
	}
	return "denied"
}

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
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

var accountSubresources = map[string]bool{
	"claim":            true,
	"referrals":        true,
	"auto-mining-rate": true,
	"role":             true,
	"proofs":           true,
}

// CanonicalPath collapses user identifiers in known routes so label
// cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return p
	}
	switch parts[1] {
	case "accounts":
		switch {
		case len(parts) == 3:
			return "/v1/accounts/:id"
		case len(parts) == 4 && accountSubresources[parts[3]]:
			return "/v1/accounts/:id/" + parts[3]
		}
	case "users":
		if len(parts) == 4 && parts[3] == "sessions" {
			return "/v1/users/:id/sessions"
		}
	}
	return p
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

// Flush keeps SSE responses streaming through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
