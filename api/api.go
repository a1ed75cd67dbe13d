// Package api is the HTTP surface of doorman: the request authentication
// gate, the Discord login handshake endpoints and a small JSON API for the
// signed-in user.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmcleod/doorman/identity"
	"github.com/jmcleod/doorman/session"
)

const (
	loginPath    = "/login/discord"
	callbackPath = "/login/discord/callback"
)

// API holds the dependencies needed by the HTTP handlers.
type API struct {
	sessions       *session.Manager
	broker         *identity.Broker
	audit          *auditLogger
	metrics        *authMetrics
	ipLimiter      *ipRateLimiter
	trustedProxies []netip.Prefix
	alertFn        AlertFunc
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithRegisterer registers the gate's Prometheus collectors with reg
// instead of the default registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *API) {
		a.metrics = newAuthMetrics(reg)
	}
}

// WithAlertFunc installs a callback fired when failed logins spike.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithTrustedProxies sets the CIDR ranges whose forwarding headers are
// believed when determining the client IP for rate limiting.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// New creates a new API instance.
func New(sessions *session.Manager, broker *identity.Broker, opts ...Option) *API {
	a := &API{
		sessions:  sessions,
		broker:    broker,
		ipLimiter: newIPRateLimiter(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	if a.metrics == nil {
		a.metrics = newAuthMetrics(prometheus.DefaultRegisterer)
	}
	a.audit.metrics = newMetricsCollector(a.alertFn)
	a.audit.counters = a.metrics
	return a
}

// RefreshObserver returns a callback for identity.WithRefreshObserver that
// audits and counts provider token refreshes.
func (a *API) RefreshObserver() identity.RefreshObserver {
	return a.observeRefresh
}

// Handler returns the complete router: the gate runs on every request,
// the login endpoints and root page hang off "/", and the JSON API is
// mounted under /api/v1.
func (a *API) Handler() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)
	r.Use(a.Authenticate)

	r.Get("/", a.Root)
	r.Get(loginPath, a.LoginDiscord)
	r.Get(callbackPath, a.DiscordCallback)
	r.Get("/logout", a.Logout)

	r.Mount("/api/v1", a.Router())
	return r
}

// Router returns a chi.Router with all JSON API routes. It expects
// Authenticate to have run already.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Group(func(r chi.Router) {
		r.Use(RequireSession)
		r.Get("/me", a.Me)
		r.Get("/me/connections", a.Connections)
		r.Post("/sessions/revoke", a.RevokeSessions)
	})

	return r
}
