package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/billing-engine/internal/config"
	"github.com/PortNumber53/billing-engine/internal/handlers"
	"github.com/PortNumber53/billing-engine/internal/metrics"
	requesttracking "github.com/PortNumber53/billing-engine/internal/middleware"
	"github.com/PortNumber53/billing-engine/internal/scheduler"
)

// Deps are the collaborators served over HTTP. Nil members disable their routes.
type Deps struct {
	Logger        logrus.FieldLogger
	Metrics       *metrics.Metrics
	DB            handlers.Pinger
	Subscriptions handlers.SubscriptionService
	Users         handlers.UserReader
	Scheduler     *scheduler.Scheduler
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	scheduler  *scheduler.Scheduler
	log        logrus.FieldLogger
}

// New constructs an HTTP server using the provided configuration and collaborators.
func New(cfg config.Config, deps Deps) *Server {
	log := deps.Logger.WithField("component", "server")

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requesttracking.NewRequestTracker(deps.Logger, deps.Metrics).Middleware())
	router.Use(middleware.Recoverer)

	router.Get("/healthz", handlers.Health(deps.DB))
	if deps.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	if deps.Subscriptions != nil {
		handlers.NewBillingHandler(deps.Subscriptions, deps.Logger).RegisterRoutes(router)
	}
	if deps.Users != nil {
		router.Get("/api/users/{id}/membership", handlers.Membership(deps.Users, deps.Logger))
	}

	if deps.Scheduler != nil {
		if cfg.OpsAPIToken == "" {
			log.Warn("OPS_API_TOKEN not set; ops endpoints disabled")
		} else {
			router.Group(func(r chi.Router) {
				r.Use(requesttracking.RequireBearerToken(cfg.OpsAPIToken))
				handlers.NewOpsHandler(deps.Scheduler, deps.Logger).RegisterRoutes(r)
			})
		}
	}

	srv := &http.Server{
		Addr:        cfg.ServerAddress,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// A manual billing run holds its request open until the batch finishes.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, scheduler: deps.Scheduler, log: log}
}

// Start starts the scheduler and begins serving HTTP traffic.
func (s *Server) Start() error {
	if s.scheduler != nil {
		s.log.Info("starting scheduler")
		s.scheduler.Start()
	}
	s.log.WithField("addr", s.httpServer.Addr).Info("listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and scheduler.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.scheduler != nil {
		s.log.Info("shutting down scheduler")
		if serr := s.scheduler.Stop(ctx); serr != nil {
			s.log.WithError(serr).Warn("scheduler shutdown error")
		}
	}
	return err
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
