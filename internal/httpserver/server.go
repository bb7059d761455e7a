// Package httpserver wires the gateway's HTTP surface: payment admission
// on /agent/chat, the wallet-signature auth pair, session-authenticated
// API key CRUD, and the free discovery endpoints (spec.md §6).
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/paylane/inference-gateway/internal/apikey"
	"github.com/paylane/inference-gateway/internal/audit"
	"github.com/paylane/inference-gateway/internal/config"
	"github.com/paylane/inference-gateway/internal/dispatch"
	"github.com/paylane/inference-gateway/internal/idempotency"
	"github.com/paylane/inference-gateway/internal/logger"
	"github.com/paylane/inference-gateway/internal/metrics"
	"github.com/paylane/inference-gateway/internal/payment"
	"github.com/paylane/inference-gateway/internal/ratelimit"
	"github.com/paylane/inference-gateway/internal/walletauth"
)

var serverStartTime = time.Now()

// Server wires handlers, middleware, and dependencies into an http.Server.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg        *config.Config
	engine     *payment.Engine
	dispatcher *dispatch.Dispatcher
	apikeys    *apikey.Service
	wallet     *walletauth.Service
	auditLog   *audit.Log
	idemp      idempotency.Store
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// New builds the HTTP server with a fully configured router.
func New(
	cfg *config.Config,
	engine *payment.Engine,
	dispatcher *dispatch.Dispatcher,
	apikeys *apikey.Service,
	wallet *walletauth.Service,
	auditLog *audit.Log,
	idemp idempotency.Store,
	metricsCollector *metrics.Metrics,
	appLogger zerolog.Logger,
) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg: cfg, engine: engine, dispatcher: dispatcher, apikeys: apikeys,
			wallet: wallet, auditLog: auditLog, idemp: idemp, metrics: metricsCollector, logger: appLogger,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, s.handlers)
	return s
}

// ConfigureRouter attaches the gateway's routes to an existing router.
func ConfigureRouter(router chi.Router, h handlers) {
	if router == nil {
		return
	}

	if len(h.cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   h.cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*", "Authorization", "X-Payment-Receipt", "X-Payment-Nonce"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)
	router.Use(logger.Middleware(h.logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	rateLimitCfg := ratelimit.Config{
		GlobalEnabled: h.cfg.RateLimit.GlobalEnabled,
		GlobalLimit:   h.cfg.RateLimit.GlobalLimit,
		GlobalWindow:  h.cfg.RateLimit.GlobalWindow.Duration,
		GlobalBurst:   h.cfg.RateLimit.GlobalLimit/10 + 1,
		PerIPEnabled:  h.cfg.RateLimit.PerIPEnabled,
		PerIPLimit:    h.cfg.RateLimit.PerIPLimit,
		PerIPWindow:   h.cfg.RateLimit.PerIPWindow.Duration,
		PerIPBurst:    h.cfg.RateLimit.PerIPLimit/6 + 1,
		Metrics:       h.metrics,
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	prefix := h.cfg.Server.RoutePrefix

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/health", h.health)
		r.Get(prefix+"/.well-known/jwks.json", h.jwks)
		r.Post(prefix+"/auth/nonce", h.authNonce)
		r.Post(prefix+"/auth/verify", h.authVerify)
		r.With(adminMetricsAuth(h.cfg.Server.AdminMetricsAPIKey)).Handle(prefix+"/metrics", promhttp.Handler())
	})

	idempotencyMW := idempotency.Middleware(h.idemp, 24*time.Hour)

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.With(idempotencyMW).Post(prefix+"/agent/chat", h.agentChat)
	})

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))
		r.With(h.requireSession).Post(prefix+"/keys", h.createKey)
		r.With(h.requireSession).Delete(prefix+"/keys/{id}", h.revokeKey)
		r.With(h.requireSession).Get(prefix+"/keys/{id}/balance", h.keyBalance)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
