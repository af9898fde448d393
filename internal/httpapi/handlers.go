package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"datapass.org/api/spec"
	"datapass.org/internal/audit"
	"datapass.org/internal/grant"
	"datapass.org/internal/obs"
	"datapass.org/internal/stream"
	"datapass.org/internal/wallet"
)

// ReadyProbe reports readiness (pings the database when one is configured).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the grant engine and the wallet.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	grants     grant.Service
	wallets    *wallet.InMemory
	events     *stream.Stream

	rateBurst  int
	ratePerSec int
}

// APIOption configures the API.
type APIOption func(*API)

// WithEvents enables the SSE lifecycle stream.
func WithEvents(s *stream.Stream) APIOption {
	return func(a *API) { a.events = s }
}

// WithWallets exposes the dev wallet endpoints (open/top-up, balance).
func WithWallets(w *wallet.InMemory) APIOption {
	return func(a *API) { a.wallets = w }
}

// WithRateLimit overrides the default per-IP limiter settings.
func WithRateLimit(burst, perSecond int) APIOption {
	return func(a *API) {
		if burst > 0 {
			a.rateBurst = burst
		}
		if perSecond > 0 {
			a.ratePerSec = perSecond
		}
	}
}

func New(rp ReadyProbe, version string, grants grant.Service, opts ...APIOption) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		grants:     grants,
		rateBurst:  50,
		ratePerSec: 25,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// auth
	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	// grant lifecycle
	a.mux.HandleFunc("/v1/ownership", a.handleOwnership)
	a.mux.HandleFunc("/v1/requests", a.handleRequestsCollection)
	a.mux.HandleFunc("/v1/requests/", a.handleRequestResource)
	a.mux.HandleFunc("/v1/permissions", a.handlePermissionLookup)
	a.mux.HandleFunc("/v1/permissions/revoke", a.handleRevoke)
	a.mux.HandleFunc("/v1/access", a.handleVerifyAccess)

	// dev wallet surface
	if a.wallets != nil {
		a.mux.HandleFunc("/v1/wallets", a.handleWalletsCollection)
		a.mux.HandleFunc("/v1/wallets/", a.handleWalletResource)
	}

	// lifecycle event stream
	if a.events != nil {
		a.mux.HandleFunc("/v1/events", a.Stream)
	}

	// OpenAPI YAML
	a.mux.HandleFunc("/openapi.yaml", a.OpenAPISpec)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = CORS(h)
	h = obs.Instrument(h)
	h = Logging(h)
	h = RequestID(h)
	return h
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "datapass-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "datapass-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	_, _ = w.Write(spec.OpenAPI)
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	_ = audit.LogEvent(ctx, event, fields)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
