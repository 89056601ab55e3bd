// Package api exposes the entity-resolution core as JSON over HTTP.
//
// All mutating endpoints return a {success, message} envelope; failures map
// typed errors from the engines to status codes so callers can distinguish
// a missing entity from a stale one without parsing messages.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/lorekeeper/lorekeeper/internal/detect"
	"github.com/lorekeeper/lorekeeper/internal/merge"
	"github.com/lorekeeper/lorekeeper/internal/store"
)

// ServerConfig holds settings for the resolution API server.
type ServerConfig struct {
	Store    *store.Store
	Executor *merge.Executor
	Detector *detect.Engine
	Port     int
}

// Server handles the /entity-resolution API surface.
type Server struct {
	store    *store.Store
	executor *merge.Executor
	detector *detect.Engine
}

// NewServer builds the API server and its route table.
func NewServer(cfg ServerConfig) (*Server, *http.ServeMux) {
	s := &Server{store: cfg.Store, executor: cfg.Executor, detector: cfg.Detector}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /entity-resolution/dashboard", s.handleDashboard)
	mux.HandleFunc("GET /entity-resolution/entities", s.handleEntities)
	mux.HandleFunc("GET /entity-resolution/conflicts", s.handleConflicts)
	mux.HandleFunc("GET /entity-resolution/merge-history", s.handleMergeHistory)
	mux.HandleFunc("POST /entity-resolution/merge", s.handleMerge)
	mux.HandleFunc("POST /entity-resolution/merge-preview", s.handleMergePreview)
	mux.HandleFunc("POST /entity-resolution/revert-merge/{mergeID}", s.handleRevert)
	mux.HandleFunc("POST /entity-resolution/edit", s.handleEdit)
	mux.HandleFunc("POST /entity-resolution/conflicts/{conflictID}/dismiss", s.handleDismiss)
	mux.HandleFunc("POST /entity-resolution/detect", s.handleDetect)

	return s, mux
}

// Serve starts the resolution API server.
func Serve(cfg ServerConfig) error {
	_, mux := NewServer(cfg)
	addr := fmt.Sprintf(":%d", cfg.Port)
	fmt.Printf("lorekeeper entity-resolution API: http://localhost%s/entity-resolution/dashboard\n", addr)
	return http.ListenAndServe(addr, mux)
}

// envelope is the mutating-endpoint response shape the client contract
// expects.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entities, err := s.store.ListEntities(ctx, store.ListOpts{IncludeSecondary: true, IncludeTertiary: true})
	if err != nil {
		writeError(w, err)
		return
	}
	conflicts, err := s.store.ListOpenConflicts(ctx, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	history, err := s.store.ListMergeRecords(ctx, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entities":      emptySlice(entities),
		"conflicts":     emptySlice(conflicts),
		"merge_history": emptySlice(history),
	})
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListOpts{
		IncludeSecondary: queryFlag(q, "include_secondary"),
		IncludeTertiary:  queryFlag(q, "include_tertiary"),
		EntityType:       store.EntityType(q.Get("type")),
	}
	entities, err := s.store.ListEntities(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": emptySlice(entities)})
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := s.store.ListOpenConflicts(r.Context(), 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": emptySlice(conflicts)})
}

func (s *Server) handleMergeHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.store.ListMergeRecords(r.Context(), 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"merge_history": emptySlice(history)})
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req merge.Request
	if !decodeBody(w, r, &req) {
		return
	}
	req.MergedBy = store.MergedByUser

	rec, err := s.executor.Merge(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: rec})
}

func (s *Server) handleMergePreview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceID string `json:"source_id"`
		TargetID string `json:"target_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := s.executor.Preview(r.Context(), req.SourceID, req.TargetID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: p})
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	rec, err := s.executor.Revert(r.Context(), r.PathValue("mergeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: rec})
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EntityID   string              `json:"entity_id"`
		EntityType store.EntityType    `json:"entity_type"`
		Updates    store.EntityUpdates `json:"updates"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	ctx := r.Context()
	if req.EntityType != "" {
		current, err := s.store.GetEntity(ctx, req.EntityID)
		if err != nil {
			writeError(w, err)
			return
		}
		if current.EntityType != req.EntityType {
			writeError(w, fmt.Errorf("declared type %s does not match %s: %w",
				req.EntityType, current.EntityType, store.ErrInvalidPair))
			return
		}
	}

	e, err := s.store.UpdateEntity(ctx, req.EntityID, req.Updates)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: e})
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DismissConflict(r.Context(), r.PathValue("conflictID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	report, err := s.detector.Sweep(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: report})
}

// --- plumbing ---

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Message: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrInvalidPair):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrStaleReference),
		errors.Is(err, store.ErrAlreadyResolved),
		errors.Is(err, store.ErrNotReversible),
		errors.Is(err, store.ErrChainedMergeConflict):
		status = http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	}
	writeJSON(w, status, envelope{Success: false, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

// queryFlag treats a bare parameter (?include_secondary) as true, matching
// the observed client contract.
func queryFlag(q url.Values, key string) bool {
	if !q.Has(key) {
		return false
	}
	switch q.Get(key) {
	case "", "1", "true", "yes":
		return true
	}
	return false
}

// emptySlice keeps JSON arrays as [] instead of null.
func emptySlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
