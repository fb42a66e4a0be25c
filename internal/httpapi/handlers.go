package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ekehi.network/internal/access"
	"ekehi.network/internal/audit"
	"ekehi.network/internal/auth"
	"ekehi.network/internal/ledger"
	"ekehi.network/internal/obs"
	"ekehi.network/internal/session"
	"ekehi.network/internal/stream"
)

const (
	serviceName  = "ekehi-api"
	maxBodyBytes = 1 << 20
)

// ReadyProbe reports whether backing storage is reachable.
type ReadyProbe interface {
	Check(ctx context.Context) error
}

// PingProbe adapts anything with Ping (a *pg.Store, a *sql.DB wrapper).
type PingProbe struct {
	Pinger interface{ Ping(context.Context) error }
}

func (p PingProbe) Check(ctx context.Context) error {
	if p.Pinger == nil {
		return nil
	}
	return p.Pinger.Ping(ctx)
}

// Deps are the domain services the HTTP layer fronts.
type Deps struct {
	Engine   *ledger.Engine
	Sessions *session.Manager
	Gate     *access.Gate
	Audit    *audit.Logger
	Signer   *auth.Signer
	Stream   *stream.Stream
	Ready    ReadyProbe
	Version  string
}

// API — HTTP слой.
type API struct {
	router chi.Router

	engine   *ledger.Engine
	sessions *session.Manager
	gate     *access.Gate
	audit    *audit.Logger
	signer   *auth.Signer
	stream   *stream.Stream
	ready    ReadyProbe
	version  string

	devTokens   bool
	tokenTTL    time.Duration
	rateBurst   int
	ratePerSec  float64
	corsOrigins []string
}

// Option configures API.
type Option func(*API)

// WithDevTokens exposes POST /v1/auth/token.
func WithDevTokens(enabled bool, ttl time.Duration) Option {
	return func(a *API) {
		a.devTokens = enabled
		if ttl > 0 {
			a.tokenTTL = ttl
		}
	}
}

func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.ratePerSec = perSecond
			a.rateBurst = burst
		}
	}
}

func WithCORSOrigins(origins []string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

func New(d Deps, opts ...Option) *API {
	a := &API{
		engine:     d.Engine,
		sessions:   d.Sessions,
		gate:       d.Gate,
		audit:      d.Audit,
		signer:     d.Signer,
		stream:     d.Stream,
		ready:      d.Ready,
		version:    d.Version,
		tokenTTL:   15 * time.Minute,
		rateBurst:  40,
		ratePerSec: 20,
	}
	if a.ready == nil {
		a.ready = PingProbe{}
	}
	for _, opt := range opts {
		opt(a)
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.authenticate)

	// health/ready/info
	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)

	// Prometheus metrics
	r.Handle("/metrics", obs.Handler())

	if a.devTokens {
		r.Post("/v1/auth/token", a.handleAuthToken)
	}

	r.Route("/v1/accounts", func(r chi.Router) {
		r.Post("/", a.openAccount)
		r.Route("/{userID}", func(r chi.Router) {
			r.Get("/", a.getAccount)
			r.Post("/claim", a.claim)
			r.Get("/referrals", a.listReferrals)
			r.Put("/auto-mining-rate", a.setAutoMiningRate)
			r.Put("/role", a.setRole)
			r.Post("/proofs", a.submitProof)
		})
	})

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", a.createSession)
		r.Get("/current", a.currentSession)
		r.Post("/current/extend", a.extendSession)
		r.Post("/current/regenerate", a.regenerateSession)
		r.Delete("/current", a.invalidateSession)
	})
	r.Delete("/v1/users/{userID}/sessions", a.revokeUserSessions)

	r.Post("/v1/referrals/redeem", a.redeemReferral)
	r.Post("/v1/authorize", a.authorize)
	r.Get("/v1/stream/credits", a.Stream)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}

// Handler возвращает http.Handler для сервера (без доп. аргументов).
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = MaxBodyBytes(h, maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.corsOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	h = middleware.RealIP(h)
	// оборачиваем всё метриками
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	t := a.engine.Tuning()
	writeJSON(w, http.StatusOK, map[string]any{
		"name":                serviceName,
		"time":                time.Now().UTC().Format(time.RFC3339),
		"version":             a.version,
		"manual_rate_per_day": t.ManualRatePerDay,
		"max_daily_earnings":  t.MaxDailyEarnings,
		"max_referrals":       t.MaxReferrals,
		"session_timeout":     a.sessions.Timeout().String(),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
