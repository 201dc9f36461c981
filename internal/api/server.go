// Package api exposes the HTTP interface for the status engine: the webhook
// ingest endpoint the transport layer pushes into, plus read-only status and
// cache operations for operators.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sitewatch/statecache/internal/cache"
	"github.com/sitewatch/statecache/internal/config"
	"github.com/sitewatch/statecache/internal/metrics"
	"github.com/sitewatch/statecache/internal/middleware"
	"github.com/sitewatch/statecache/internal/status"
)

// Server wires HTTP handlers to the cache store and status registry.
type Server struct {
	router chi.Router
	store  *cache.Store
	status *status.Registry
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(store *cache.Store, registry *status.Registry, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:  store,
		status: registry,
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(middleware.Metrics)
	r.Use(timeoutMiddleware(30 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey, logger))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/status", func(r chi.Router) {
			r.Post("/updates", s.pushStatusUpdate)
			r.Get("/monitored", s.listMonitored)
			r.Route("/{entity_id}", func(r chi.Router) {
				r.Get("/", s.getEntity)
				r.Get("/resolved", s.getResolvedStatus)
			})
		})
		r.Get("/scopes/{scope_id}/entities", s.listScopeEntities)
		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", s.getCacheStats)
			r.Post("/invalidate", s.invalidateTag)
			r.Post("/clear", s.clearCache)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	// The engine is in-memory; readiness mirrors liveness.
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusUpdateRequest struct {
	EntityID     string     `json:"entity_id"`
	ScopeID      string     `json:"scope_id"`
	Kind         string     `json:"kind"`
	Status       string     `json:"status"`
	Progress     *int       `json:"progress"`
	ErrorMessage string     `json:"error_message"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	Source       string     `json:"source"`
}

func (s *Server) pushStatusUpdate(w http.ResponseWriter, r *http.Request) {
	var req statusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	kind := status.Kind(req.Kind)
	if req.Kind == "" {
		kind = status.KindWebsite
	}
	u := status.Update{
		EntityID:     req.EntityID,
		ScopeID:      req.ScopeID,
		Kind:         kind,
		Status:       status.Status(req.Status),
		Progress:     req.Progress,
		ErrorMessage: req.ErrorMessage,
		Source:       req.Source,
	}
	if req.StartedAt != nil {
		u.StartedAt = *req.StartedAt
	}
	if req.CompletedAt != nil {
		u.CompletedAt = *req.CompletedAt
	}
	evt, err := s.status.Update(u)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"event": eventPayload(evt)})
}

func (s *Server) getEntity(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entity_id")
	e, ok := s.status.Get(entityID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entity": entityPayload(e)})
}

func (s *Server) getResolvedStatus(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entity_id")
	s.writeJSON(w, http.StatusOK, map[string]string{
		"entity_id": entityID,
		"status":    string(s.status.Resolve(entityID)),
	})
}

func (s *Server) listMonitored(w http.ResponseWriter, _ *http.Request) {
	ids := s.status.MonitoredIDs()
	if ids == nil {
		ids = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entity_ids": ids})
}

func (s *Server) listScopeEntities(w http.ResponseWriter, r *http.Request) {
	scopeID := chi.URLParam(r, "scope_id")
	entities := s.status.ByScope(scopeID)
	payload := make([]map[string]any, 0, len(entities))
	for _, e := range entities {
		payload = append(payload, entityPayload(e))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entities": payload})
}

func (s *Server) getCacheStats(w http.ResponseWriter, _ *http.Request) {
	st := s.store.Stats()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"entries":   st.Entries,
		"hits":      st.Hits,
		"misses":    st.Misses,
		"expired":   st.Expired,
		"evictions": st.Evictions,
	})
}

type invalidateRequest struct {
	Tag string `json:"tag"`
}

func (s *Server) invalidateTag(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tag == "" {
		s.writeError(w, http.StatusBadRequest, "missing tag")
		return
	}
	removed := s.store.Invalidate(req.Tag)
	s.writeJSON(w, http.StatusOK, map[string]any{"tag": req.Tag, "removed": removed})
}

type clearRequest struct {
	TagSubstring string `json:"tag_substring"`
	ScopeID      string `json:"scope_id"`
}

func (s *Server) clearCache(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	removed := s.store.Clear(cache.Filter{
		TagSubstring: req.TagSubstring,
		ScopeID:      req.ScopeID,
	})
	s.writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func entityPayload(e status.Entity) map[string]any {
	payload := map[string]any{
		"id":         e.ID,
		"scope_id":   e.ScopeID,
		"kind":       string(e.Kind),
		"status":     string(e.Status),
		"updated_at": e.UpdatedAt,
	}
	if e.HasProgress {
		payload["progress"] = e.Progress
	}
	if e.ErrorMessage != "" {
		payload["error_message"] = e.ErrorMessage
	}
	if !e.StartedAt.IsZero() {
		payload["started_at"] = e.StartedAt
	}
	if !e.CompletedAt.IsZero() {
		payload["completed_at"] = e.CompletedAt
	}
	return payload
}

func eventPayload(evt status.Event) map[string]any {
	payload := map[string]any{
		"entity_id": evt.EntityID,
		"scope_id":  evt.ScopeID,
		"status":    string(evt.Status),
		"source":    evt.Source,
		"timestamp": evt.Timestamp,
	}
	if evt.PreviousStatus != "" {
		payload["previous_status"] = string(evt.PreviousStatus)
	}
	if evt.IsCompletionTransition {
		payload["is_completion_transition"] = true
	}
	if evt.Progress != nil {
		payload["progress"] = *evt.Progress
	}
	return payload
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				logger.Debug("rejected request with bad api key", zap.String("path", r.URL.Path))
				http.Error(w, `{"error":"unauthorized"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, msg string) {
	s.writeJSON(w, statusCode, map[string]string{"error": msg})
}
