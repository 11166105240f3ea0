package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/questlog/internal/engine"
	"github.com/lazypower/questlog/internal/errs"
	"github.com/lazypower/questlog/internal/graph"
	"github.com/lazypower/questlog/internal/level"
	"github.com/lazypower/questlog/internal/llm"
	"github.com/lazypower/questlog/internal/store"
)

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Validation("server", "invalid json: %v", err)
	}
	return nil
}

func (s *Server) handleSubmitText(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content         string            `json:"content"`
		DurationMinutes *float64          `json:"duration_minutes"`
		Metadata        map[string]string `json:"metadata"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	entry, err := s.engine.SubmitText(r.Context(), req.Content, engine.EntryOptions{
		DurationMinutes: req.DurationMinutes,
		Metadata:        req.Metadata,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleSubmitVoice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Audio           []byte            `json:"audio"` // base64
		MIMEType        string            `json:"mime_type"`
		Preview         string            `json:"preview"`
		DurationMinutes *float64          `json:"duration_minutes"`
		Metadata        map[string]string `json:"metadata"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	entry, err := s.engine.SubmitVoice(r.Context(), llm.Audio{Data: req.Audio, MIMEType: req.MIMEType}, req.Preview,
		engine.EntryOptions{DurationMinutes: req.DurationMinutes, Metadata: req.Metadata})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, errs.Validation("server", "limit must be a positive integer"))
			return
		}
		limit = n
	}

	entries, err := s.engine.Entries(limit, r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []store.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.engine.Entry(chi.URLParam(r, "entryID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleRetryEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.engine.RetryAnalysis(r.Context(), chi.URLParam(r, "entryID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type statView struct {
	Label      string  `json:"label"`
	Experience float64 `json:"experience"`
	Level      int     `json:"level"`
	Progress   float64 `json:"progress"`
	NextLevel  float64 `json:"next_level_at,omitempty"` // absent at the level cap
}

func newStatView(st store.Stat, curve level.Curve) statView {
	v := statView{
		Label:      st.Label,
		Experience: st.Experience,
		Level:      st.Level,
		Progress:   curve.ProgressWithinLevel(st.Experience),
	}
	if st.Level < curve.MaxLevel {
		v.NextLevel = curve.ExpForLevel(st.Level + 1)
	}
	return v
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cache.Stats()
	if err != nil {
		s.writeError(w, err)
		return
	}
	curve := s.cache.Curve()

	out := make([]statView, 0, len(stats))
	for _, st := range stats {
		out = append(out, newStatView(st, curve))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Experience != out[j].Experience {
			return out[i].Experience > out[j].Experience
		}
		return out[i].Label < out[j].Label
	})
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	nodes, edges := s.cache.Model().Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"nodes":    nodes,
		"edges":    edges,
		"manifest": s.cache.Model().Manifest(),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	if err := s.cache.Refresh(r.Context(), force); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": s.cache.Model().Version()})
}

func (s *Server) handleUpsertNode(w http.ResponseWriter, r *http.Request) {
	var n graph.Node
	if err := decode(r, &n); err != nil {
		s.writeError(w, err)
		return
	}
	n, err := s.cache.UpsertNode(r.Context(), n)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	removed, err := s.cache.RemoveNode(r.Context(), chi.URLParam(r, "nodeID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if removed == nil {
		removed = []graph.Edge{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed_edges": removed})
}

func (s *Server) handleUpsertEdge(w http.ResponseWriter, r *http.Request) {
	var e graph.Edge
	if err := decode(r, &e); err != nil {
		s.writeError(w, err)
		return
	}
	e, err := s.cache.UpsertEdge(r.Context(), e)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleRemoveEdge(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.RemoveEdge(r.Context(), chi.URLParam(r, "edgeID")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := s.queue.Pending()
	if err != nil {
		s.writeError(w, err)
		return
	}
	dead, err := s.queue.DeadLetters()
	if err != nil {
		s.writeError(w, err)
		return
	}
	var lastErr string
	if err := s.queue.LastError(); err != nil {
		lastErr = err.Error()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       s.queue.Status(),
		"online":       s.queue.Online(),
		"depth":        len(pending),
		"dead_letters": len(dead),
		"last_error":   lastErr,
	})
}

func (s *Server) handleSyncSave(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Save(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.handleSyncStatus(w, r)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	dead, err := s.queue.DeadLetters()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if dead == nil {
		dead = []store.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, dead)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Requeue(chi.URLParam(r, "writeID")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Discard(chi.URLParam(r, "writeID")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
