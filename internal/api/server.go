package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/shohag/convrelay/internal/attribution"
	"github.com/shohag/convrelay/internal/config"
	"github.com/shohag/convrelay/internal/conversion"
	"github.com/shohag/convrelay/internal/storage"
)

// Trigger starts queue processing without waiting for it.
type Trigger interface {
	Trigger()
}

type Services struct {
	Store      storage.Storage
	Sessions   storage.SessionStore
	Queue      *conversion.Queue
	Resolver   *attribution.Resolver
	Trigger    Trigger
	SessionTTL time.Duration
}

type Server struct {
	cfg      config.ServerConfig
	svc      Services
	validate *validator.Validate
	router   *chi.Mux
	log      zerolog.Logger
	http     *http.Server
}

func NewServer(cfg config.ServerConfig, svc Services, log zerolog.Logger) *Server {
	if svc.Sessions == nil {
		svc.Sessions = svc.Store
	}
	s := &Server{
		cfg:      cfg,
		svc:      svc,
		validate: validator.New(),
		log:      log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	brandHandler := NewBrandHandler(s.svc.Store, s.validate)
	orderHandler := NewOrderWebhookHandler(s.svc.Store, s.svc.Resolver, s.svc.Queue, s.svc.Trigger, s.log)
	trackHandler := NewTrackHandler(s.svc.Sessions, s.validate, s.svc.SessionTTL)
	queueHandler := NewQueueHandler(s.svc.Store, s.svc.Queue, s.svc.Trigger)
	debugHandler := NewDebugHandler(s.svc.Resolver)
	healthHandler := NewHealthHandler(s.svc.Store)

	r.Get("/health", healthHandler.Health)

	r.Route("/api/v1", func(r chi.Router) {
		// Storefront-facing routes. Webhooks are authenticated per brand by
		// signature inside the handler.
		r.Post("/webhooks/{brandID}/orders", orderHandler.Receive)
		r.Post("/track", trackHandler.Track)

		r.Route("/admin", func(r chi.Router) {
			r.Use(AdminAuthMiddleware(s.cfg.AdminToken))

			r.Post("/brands", brandHandler.Create)
			r.Get("/brands", brandHandler.List)
			r.Get("/brands/{id}", brandHandler.Get)
			r.Delete("/brands/{id}", brandHandler.Delete)
			r.Post("/brands/{id}/rotate-secret", brandHandler.RotateSecret)

			r.Get("/queue/stats", queueHandler.Stats)
			r.Post("/queue/process", queueHandler.Process)
			r.Get("/queue/jobs", queueHandler.ListJobs)
			r.Get("/queue/jobs/{id}", queueHandler.GetJob)
			r.Post("/queue/jobs/{id}/retry", queueHandler.Retry)
			r.Get("/queue/failures", queueHandler.Failures)

			r.Post("/debug/parse", debugHandler.Parse)
			r.Post("/debug/resolve", debugHandler.Resolve)
		})
	})

	return r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
