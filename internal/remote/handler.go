package remote

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lazypower/questlog/internal/errs"
)

// NewHandler exposes st over the JSON/HTTP protocol HTTPStore speaks. A
// non-empty token is required as a bearer credential on every request.
func NewHandler(st Store, token string, log *zap.Logger) http.Handler {
	h := &handler{store: st, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	if token != "" {
		r.Use(requireToken(token))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/ping", h.handlePing)
		r.Get("/docs/*", h.handleGet)
		r.Put("/docs/*", h.handleSet)
		r.Post("/batch-get", h.handleBatchGet)
		r.Post("/commit", h.handleCommit)
	})
	return r
}

type handler struct {
	store Store
	log   *zap.Logger
}

func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+token {
				writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *handler) handlePing(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *handler) handleGet(w http.ResponseWriter, r *http.Request) {
	d, err := h.store.Get(r.Context(), chi.URLParam(r, "*"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, d)
}

func (h *handler) handleSet(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body failed")
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.store.Set(r.Context(), chi.URLParam(r, "*"), body); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleBatchGet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paths []string `json:"paths"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	docs, err := h.store.GetMany(r.Context(), req.Paths)
	if err != nil {
		h.fail(w, err)
		return
	}
	if docs == nil {
		docs = []Document{}
	}
	writeJSON(w, map[string]any{"documents": docs})
}

func (h *handler) handleCommit(w http.ResponseWriter, r *http.Request) {
	var b Batch
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.store.Commit(r.Context(), b); err != nil {
		h.fail(w, err)
		return
	}
	h.log.Debug("batch committed", zap.Int("ops", len(b.Ops)), zap.Bool("force", b.Force))
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	code := StatusCode(err)
	if code >= 500 {
		h.log.Warn("remote store request failed", zap.Error(err), zap.String("kind", string(errs.KindOf(err))))
	}
	writeError(w, code, err.Error())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
