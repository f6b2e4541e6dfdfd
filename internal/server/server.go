package server

import (
	"context"
	"net/http"
	"time"

	"filippo.io/csrf"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/wolfeidau/tokenbroker/internal/auth"
	"github.com/wolfeidau/tokenbroker/internal/broker"
	"github.com/wolfeidau/tokenbroker/internal/configsvc"
	"github.com/wolfeidau/tokenbroker/internal/handshake"
	bhttp "github.com/wolfeidau/tokenbroker/internal/http"
	"github.com/wolfeidau/tokenbroker/internal/logger"
)

// HealthCheck is a named readiness probe, e.g. a database ping.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config wires the HTTP surface to the services behind it.
type Config struct {
	Broker    *broker.Broker
	Configs   *configsvc.Service
	Handshake *handshake.Handlers
	Verifier  *auth.JWTVerifier

	// SessionCookie is the cookie holding the identity token on browser routes.
	SessionCookie string
	CORSOrigins   []string
	TrustProxy    bool
	HealthChecks  []HealthCheck
}

// Server serves the integration API and the browser handshake routes.
type Server struct {
	cfg Config
}

// NewServer creates a new server with the given config
func NewServer(cfg Config) *Server {
	return &Server{cfg: cfg}
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler(log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(bhttp.ClientIP(s.cfg.TrustProxy))
	r.Use(logger.Requests(log))
	r.Use(middleware.Recoverer)

	// Liveness for the load balancer
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", s.ready)

	// Browser routes get CSRF protection and accept the session cookie
	r.Route("/integrations", func(r chi.Router) {
		r.Use(csrf.New().Handler)

		r.With(s.cfg.Verifier.Middleware(auth.WithCookie(s.cfg.SessionCookie))).
			Get("/{provider}/connect", s.cfg.Handshake.Begin)

		// the signed state cookie identifies the caller on the way back
		r.Get("/{provider}/callback", s.cfg.Handshake.Callback)
	})

	// API routes get CORS and bearer auth
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(withCORS(s.cfg.CORSOrigins))
		r.Use(bhttp.NoStore)
		r.Use(s.cfg.Verifier.Middleware())

		r.Route("/connections", func(r chi.Router) {
			r.Get("/", s.listConnections)
			r.Post("/pat", s.registerPAT)

			r.Route("/{connectionID}", func(r chi.Router) {
				r.Delete("/", s.disconnect)
				r.Get("/config", s.getConfig)
				r.Put("/config", s.saveConfig)
			})
		})
	})

	return r
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for _, hc := range s.cfg.HealthChecks {
		if err := hc.Check(ctx); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("check", hc.Name).Msg("Readiness check failed")
			failed[hc.Name] = "unavailable"
		}
	}

	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withCORS allows browser clients on the configured origins to call the API.
func withCORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         600,
	}).Handler
}
