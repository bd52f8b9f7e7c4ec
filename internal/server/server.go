package server

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"BondLadder/internal/ingestion"
	"BondLadder/internal/observability"
	"BondLadder/internal/persistence"
	"BondLadder/internal/query"
)

// Deps holds all dependencies needed by the HTTP API.
type Deps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	Submitter     *ingestion.CommandSubmitter
	SnapshotMgr   *persistence.SnapshotManager
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Hub           *Hub
}

// Server is the HTTP surface: projection queries, command submission for
// the keeper and config partitions, a host passthrough for funds commands,
// and a websocket event stream.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	deps   *Deps
}

func New(addr string, deps *Deps, log zerolog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    log.With().Str("component", "server").Logger(),
		deps:   deps,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)
	s.router.Use(middleware.Timeout(30 * time.Second))
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.deps.HealthChecker.LivenessHandler)
	s.router.Get("/readyz", s.deps.HealthChecker.ReadinessHandler)

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/portfolio", s.handleGetPortfolio)
		r.Get("/positions", s.handleGetPositions)
		r.Get("/reports", s.handleGetReports)
		r.Get("/actions", s.handleGetActions)
		r.Get("/events", s.handleGetEvents)
		r.Get("/stream", s.deps.Hub.HandleWS)

		r.Route("/commands", func(r chi.Router) {
			r.Post("/deposit", s.handleDeposit)
			r.Post("/withdraw", s.handleWithdraw)
			r.Post("/tend", s.handleTend)
			r.Post("/report", s.handleReport)
			r.Post("/config", s.handleConfigUpdate)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/integrity", s.handleVerifyIntegrity)
			r.Get("/event-log", s.handleEventLogInfo)
			r.Post("/rebuild-projections", s.handleRebuildProjections)
		})
	})
}

// Start starts the HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if s.deps.Metrics == nil {
			return
		}
		endpoint := chi.RouteContext(r.Context()).RoutePattern()
		status := strconv.Itoa(ww.Status())
		s.deps.Metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		s.deps.Metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
		if ww.Status() >= 400 {
			s.deps.Metrics.QueryErrors.WithLabelValues(endpoint, status).Inc()
		}
	})
}
