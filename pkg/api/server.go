// Package api serves the REST surface over chi.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stratoform/lattice/pkg/conditional"
	"github.com/stratoform/lattice/pkg/graph"
	"github.com/stratoform/lattice/pkg/jobs"
	"github.com/stratoform/lattice/pkg/log"
	"github.com/stratoform/lattice/pkg/metrics"
	"github.com/stratoform/lattice/pkg/progress"
	"github.com/stratoform/lattice/pkg/ratelimit"
	"github.com/stratoform/lattice/pkg/relationships"
	"github.com/stratoform/lattice/pkg/temporal"
)

// Deps carries everything the REST surface serves. Limiter and Hub may
// be nil, which disables admission control and the progress socket.
type Deps struct {
	Store    graph.Store
	Weighted *relationships.Service
	Temporal *temporal.Service
	Engine   *conditional.Engine
	Queue    *jobs.Queue
	Hub      *progress.Hub
	Limiter  *ratelimit.Limiter
	Redis    *redis.Client
}

// Server is the HTTP front of the CMDB.
type Server struct {
	Deps
	router   chi.Router
	validate *validator.Validate
	logger   zerolog.Logger
	httpSrv  *http.Server
}

// NewServer assembles the router.
func NewServer(deps Deps) *Server {
	s := &Server{
		Deps:     deps,
		validate: validator.New(),
		logger:   log.WithComponent("api"),
	}
	s.router = s.routes()
	return s
}

// Router exposes the assembled handler, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start serves HTTP on the port until Shutdown.
func (s *Server) Start(port int) error {
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Int("port", port).Msg("http server listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// limit wraps a handler with the admission middleware for a class.
func (s *Server) limit(class ratelimit.Class) func(http.Handler) http.Handler {
	if s.Limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.Limiter.Middleware(class)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	if s.Hub != nil {
		r.Get("/ws/progress", s.Hub.ServeWS)
	}

	r.Route("/api/cmdb", func(r chi.Router) {
		r.With(s.limit(ratelimit.ClassRead)).Get("/items", s.handleListCIs)
		r.With(s.limit(ratelimit.ClassRead)).Get("/items/count", s.handleCountCIs)
		r.With(s.limit(ratelimit.ClassWrite)).Post("/items", s.handleCreateCI)
		r.With(s.limit(ratelimit.ClassRead)).Get("/items/{id}", s.handleGetCI)
		r.With(s.limit(ratelimit.ClassWrite)).Put("/items/{id}", s.handleUpdateCI)
		r.With(s.limit(ratelimit.ClassWrite)).Delete("/items/{id}", s.handleDeleteCI)
		r.With(s.limit(ratelimit.ClassRead)).Get("/items/{id}/relationships", s.handleCIRelationships)

		r.With(s.limit(ratelimit.ClassExpensive)).Get("/topology", s.handleTopology)
		r.With(s.limit(ratelimit.ClassExpensive)).Get("/topology/temporal", s.handleTemporalTopology)
		r.With(s.limit(ratelimit.ClassExpensive)).Get("/impact/{id}", s.handleImpact)
		r.With(s.limit(ratelimit.ClassRead)).Get("/browse", s.handleBrowse)
		r.With(s.limit(ratelimit.ClassRead)).Get("/database/stats", s.handleDatabaseStats)
		r.With(s.limit(ratelimit.ClassDestructive)).Delete("/database/clear", s.handleDatabaseClear)

		r.With(s.limit(ratelimit.ClassExpensive)).Get("/failover-plan/{ciId}", s.handleFailoverPlan)
	})

	r.Route("/api/relationships", func(r chi.Router) {
		r.With(s.limit(ratelimit.ClassWrite)).Post("/", s.handleCreateWeighted)
		r.With(s.limit(ratelimit.ClassWrite)).Post("/weighted", s.handleCreateWeighted)
		r.With(s.limit(ratelimit.ClassRead)).Get("/weighted/{from}/{to}/{type}", s.handleGetWeighted)
		r.With(s.limit(ratelimit.ClassRead)).Post("/calculate-weight", s.handleCalculateWeight)
		r.With(s.limit(ratelimit.ClassExpensive)).Post("/auto-calculate-weights", s.handleAutoCalculate)
		r.With(s.limit(ratelimit.ClassExpensive)).Get("/shortest-path/{start}/{end}", s.handleShortestPath)
		r.With(s.limit(ratelimit.ClassExpensive)).Get("/all-paths/{start}/{end}", s.handleAllPaths)
		r.With(s.limit(ratelimit.ClassExpensive)).Get("/criticality-rankings", s.handleRankings)

		r.With(s.limit(ratelimit.ClassWrite)).Post("/temporal", s.handleCreateTemporal)
		r.With(s.limit(ratelimit.ClassRead)).Get("/temporal/expiring", s.handleExpiring)
		r.With(s.limit(ratelimit.ClassWriteSensitive)).Post("/temporal/scaling-event", s.handleScalingEvent)
		r.With(s.limit(ratelimit.ClassWrite)).Put("/temporal/{id}/update", s.handleTemporalUpdate)
		r.With(s.limit(ratelimit.ClassRead)).Get("/temporal/{from}/{to}/{type}/history", s.handleHistory)
		r.With(s.limit(ratelimit.ClassRead)).Get("/temporal/{from}/{to}/{type}/trend", s.handleTrend)

		r.With(s.limit(ratelimit.ClassWrite)).Post("/conditional", s.handleCreateConditional)
		r.With(s.limit(ratelimit.ClassRead)).Get("/conditional/active", s.handleActiveConditional)
		r.With(s.limit(ratelimit.ClassExpensive)).Post("/conditional/simulate", s.handleSimulate)
		r.With(s.limit(ratelimit.ClassWriteSensitive)).Post("/conditional/{id}/activate", s.handleActivate)
		r.With(s.limit(ratelimit.ClassWriteSensitive)).Post("/conditional/{id}/deactivate", s.handleDeactivate)
		r.With(s.limit(ratelimit.ClassExpensive)).Post("/conditional/evaluate", s.handleEvaluate)
		r.With(s.limit(ratelimit.ClassRead)).Get("/conditional/stats", s.handleConditionalStats)
		r.With(s.limit(ratelimit.ClassWriteSensitive)).Post("/conditional/engine/start", s.handleEngineStart)
		r.With(s.limit(ratelimit.ClassWriteSensitive)).Post("/conditional/engine/stop", s.handleEngineStop)
	})

	r.Route("/api/jobs", func(r chi.Router) {
		r.With(s.limit(ratelimit.ClassExpensive)).Post("/", s.handleSubmitJob)
		r.With(s.limit(ratelimit.ClassRead)).Get("/", s.handleListJobs)
		r.With(s.limit(ratelimit.ClassRead)).Get("/{jobId}", s.handleGetJob)
		r.With(s.limit(ratelimit.ClassWrite)).Delete("/{jobId}", s.handleCancelJob)
	})
	r.Route("/api/queue", func(r chi.Router) {
		r.With(s.limit(ratelimit.ClassRead)).Get("/scales", s.handleScales)
		r.With(s.limit(ratelimit.ClassRead)).Get("/stats", s.handleQueueStats)
	})

	return r
}

// logRequests records method, path, status and latency per request and
// feeds the API metrics.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(started)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", elapsed).
			Msg("request")
	})
}

// handleHealth reports connectivity of the graph and the kv store.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{"status": "ok"}
	status := http.StatusOK

	if _, err := s.Store.Stats(); err != nil {
		health["status"] = "degraded"
		health["graph"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		health["graph"] = "ok"
	}

	if s.Redis != nil {
		if err := s.Redis.Ping(r.Context()).Err(); err != nil {
			health["status"] = "degraded"
			health["queue"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			health["queue"] = "ok"
		}
	}
	writeJSON(w, status, health)
}
