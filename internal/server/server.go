package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lazypower/questlog/internal/cache"
	"github.com/lazypower/questlog/internal/engine"
	"github.com/lazypower/questlog/internal/errs"
	"github.com/lazypower/questlog/internal/store"
	"github.com/lazypower/questlog/internal/syncq"
)

// Server is the questlog HTTP API server.
type Server struct {
	db      *store.DB
	engine  *engine.Engine
	cache   *cache.Coordinator
	queue   *syncq.Queue
	logger  *zap.Logger
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server over the runtime components.
func New(db *store.DB, eng *engine.Engine, coord *cache.Coordinator, q *syncq.Queue, version string, logger *zap.Logger) *Server {
	s := &Server{
		db:      db,
		engine:  eng,
		cache:   coord,
		queue:   q,
		logger:  logger.Named("server"),
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/entries", func(r chi.Router) {
			r.Get("/", s.handleListEntries)
			r.Post("/", s.handleSubmitText)
			r.Post("/voice", s.handleSubmitVoice)
			r.Get("/{entryID}", s.handleGetEntry)
			r.Post("/{entryID}/retry", s.handleRetryEntry)
		})

		r.Get("/stats", s.handleStats)

		r.Route("/graph", func(r chi.Router) {
			r.Get("/", s.handleGraph)
			r.Post("/refresh", s.handleRefresh)
			r.Put("/nodes", s.handleUpsertNode)
			r.Delete("/nodes/{nodeID}", s.handleRemoveNode)
			r.Put("/edges", s.handleUpsertEdge)
			r.Delete("/edges/{edgeID}", s.handleRemoveEdge)
		})

		r.Route("/sync", func(r chi.Router) {
			r.Get("/", s.handleSyncStatus)
			r.Post("/save", s.handleSyncSave)
			r.Get("/dead", s.handleDeadLetters)
			r.Post("/dead/{writeID}/requeue", s.handleRequeue)
			r.Delete("/dead/{writeID}", s.handleDiscard)
		})
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.PingContext(r.Context()); err != nil {
		dbOK = false
	}
	depth, err := s.queue.Depth()
	if err != nil {
		dbOK = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.db.Path,
		"sync": map[string]any{
			"status": s.queue.Status(),
			"online": s.queue.Online(),
			"depth":  depth,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps an error kind to a status code.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	code := http.StatusInternalServerError
	switch kind {
	case errs.KindValidation, errs.KindCycle:
		code = http.StatusBadRequest
	case errs.KindNotFound:
		code = http.StatusNotFound
	case errs.KindAuth:
		code = http.StatusUnauthorized
	case errs.KindConflict:
		code = http.StatusConflict
	case errs.KindNetwork, errs.KindServer:
		code = http.StatusBadGateway
	}
	if errors.Is(err, store.ErrEntryNotFound) {
		code, kind = http.StatusNotFound, errs.KindNotFound
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error(), "kind": string(kind)})
}
