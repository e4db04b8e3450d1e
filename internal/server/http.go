package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/alfredjeanlab/gmscreen/internal/metrics"
	"github.com/alfredjeanlab/gmscreen/internal/model"
	"github.com/alfredjeanlab/gmscreen/internal/presence"
)

// maxRunsLimit caps GET /v1/runs.
const maxRunsLimit = 1000

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("POST /v1/tenants/{tenant}/sessions/{session}/online", s.handleRecordOnline)
	mux.HandleFunc("GET /v1/tenants/{tenant}/sessions/{session}/presence", s.handleGetPresence)
	mux.HandleFunc("GET /v1/tenants/{tenant}/presence", s.handleListPresence)
	mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /v1/events/stream", s.handleEventStream)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /ws", s.gateway.HandleWebSocket)
	return mux
}

// handleHealth handles GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.gateway.Count(),
	})
}

type recordOnlineRequest struct {
	Role string `json:"role"`
}

// handleRecordOnline handles POST /v1/tenants/{tenant}/sessions/{session}/online.
// It marks one role online exactly as a socket hello would and returns the
// resulting snapshot; the run history follows from the presence event.
func (s *Server) handleRecordOnline(w http.ResponseWriter, r *http.Request) {
	var req recordOnlineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	role := model.Role(strings.ToLower(strings.TrimSpace(req.Role)))
	if !role.IsValid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("role must be %q or %q", model.RoleFront, model.RoleGM))
		return
	}

	entry, err := s.registry.SetStatus(r.PathValue("tenant"), r.PathValue("session"), role, model.StatusOnline)
	if errors.Is(err, presence.ErrInvalidKey) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleGetPresence handles GET /v1/tenants/{tenant}/sessions/{session}/presence.
// An untracked session reads as both roles offline.
func (s *Server) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Snapshot(r.PathValue("tenant"), r.PathValue("session")))
}

// handleListPresence handles GET /v1/tenants/{tenant}/presence.
func (s *Server) handleListPresence(w http.ResponseWriter, r *http.Request) {
	entries := s.registry.Sessions(r.PathValue("tenant"))
	if entries == nil {
		entries = []presence.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": entries})
}

// handleListRuns handles GET /v1/runs. Runs come back grouped by tenant and
// session, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.RunFilter{
		TenantID:  q.Get("tenant"),
		SessionID: q.Get("session"),
	}
	if v := q.Get("open"); v != "" {
		open, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "open must be a boolean")
			return
		}
		filter.OpenOnly = open
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = min(limit, maxRunsLimit)
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("list").Inc()
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenants": model.GroupRuns(runs),
		"total":   len(runs),
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
