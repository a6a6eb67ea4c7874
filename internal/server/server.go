// Package server exposes the tuning engine over HTTP. Each session is an
// independent state machine; the host drives it with plain request/response
// round trips so a human evaluation can take minutes between calls.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pipetune/pipetune/internal/metrics"
	"github.com/pipetune/pipetune/internal/store"
	"github.com/pipetune/pipetune/internal/tuning"
	"github.com/pipetune/pipetune/internal/tuning/session"
	"github.com/pipetune/pipetune/internal/tuning/space"
)

// Server manages tuning sessions and their HTTP surface.
type Server struct {
	cfg     session.Config
	logger  *zap.Logger
	store   *store.FSStore
	metrics *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*sessionHandle
}

// sessionHandle serializes access to one session. Submit mutates the
// observation log, so all calls into the session hold the handle lock.
type sessionHandle struct {
	mu sync.Mutex
	s  *session.Session
}

// New creates a Server. The store may be nil to disable persistence.
func New(cfg session.Config, st *store.FSStore, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		logger:   logger.Named("server"),
		store:    st,
		metrics:  m,
		sessions: make(map[string]*sessionHandle),
	}
}

// RegisterRoutes mounts the API on the router.
func (srv *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/sessions", func(r chi.Router) {
		r.Post("/", srv.handleCreate)
		r.Get("/", srv.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", srv.handleStatus)
			r.Get("/pending", srv.handlePending)
			r.Post("/rounds", srv.handleSubmit)
			r.Post("/cancel", srv.handleCancel)
			r.Post("/resume", srv.handleResume)
			r.Get("/snapshot", srv.handleSnapshot)
		})
	})
}

type createRequest struct {
	ID         string                 `json:"id"`
	Parameters []space.ParameterSpec  `json:"parameters"`
	WarmStart  []tuning.Configuration `json:"warmStart,omitempty"`
}

type statusResponse struct {
	ID        string               `json:"id"`
	State     session.State        `json:"state"`
	Iteration int                  `json:"iteration"`
	Pending   tuning.Configuration `json:"pending,omitempty"`
	Best      tuning.Configuration `json:"best,omitempty"`
	BestValue *float64             `json:"bestValue,omitempty"`
	Degraded  bool                 `json:"degraded,omitempty"`
}

func (srv *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		srv.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ID == "" {
		srv.respondError(w, http.StatusBadRequest, "session id is required")
		return
	}

	sp, err := space.New(req.Parameters)
	if err != nil {
		srv.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var opts []session.Option
	if len(req.WarmStart) > 0 {
		opts = append(opts, session.WithWarmStart(req.WarmStart))
	}
	if srv.metrics != nil {
		opts = append(opts, session.WithMetrics(srv.metrics))
	}

	s, err := session.New(req.ID, sp, srv.cfg, srv.logger, opts...)
	if err != nil {
		srv.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	srv.mu.Lock()
	if _, exists := srv.sessions[req.ID]; exists {
		srv.mu.Unlock()
		srv.respondError(w, http.StatusConflict, "session already exists")
		return
	}
	handle := &sessionHandle{s: s}
	srv.sessions[req.ID] = handle
	srv.mu.Unlock()

	handle.mu.Lock()
	pending, err := s.Start()
	srv.persist(s)
	handle.mu.Unlock()
	if err != nil {
		srv.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	srv.logger.Info("session created",
		zap.String("session_id", req.ID),
		zap.Int("parameters", sp.Dim()),
	)
	srv.respondJSON(w, http.StatusCreated, statusResponse{
		ID:        req.ID,
		State:     s.State(),
		Iteration: s.Iteration(),
		Pending:   pending,
	})
}

func (srv *Server) handleList(w http.ResponseWriter, r *http.Request) {
	srv.mu.RLock()
	ids := make([]string, 0, len(srv.sessions))
	for id := range srv.sessions {
		ids = append(ids, id)
	}
	srv.mu.RUnlock()

	srv.respondJSON(w, http.StatusOK, map[string]any{"sessions": ids})
}

func (srv *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	handle, ok := srv.handle(w, r)
	if !ok {
		return
	}

	handle.mu.Lock()
	resp := srv.status(handle.s)
	handle.mu.Unlock()

	srv.respondJSON(w, http.StatusOK, resp)
}

func (srv *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	handle, ok := srv.handle(w, r)
	if !ok {
		return
	}

	handle.mu.Lock()
	pending := handle.s.Pending()
	state := handle.s.State()
	handle.mu.Unlock()

	if pending == nil {
		srv.respondError(w, http.StatusConflict, "no evaluation pending in state "+string(state))
		return
	}
	srv.respondJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

func (srv *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	handle, ok := srv.handle(w, r)
	if !ok {
		return
	}

	var round tuning.Round
	if err := json.NewDecoder(r.Body).Decode(&round); err != nil {
		srv.respondError(w, http.StatusBadRequest, "invalid round body: "+err.Error())
		return
	}

	handle.mu.Lock()
	err := handle.s.Submit(round)
	resp := srv.status(handle.s)
	srv.persist(handle.s)
	handle.mu.Unlock()

	if err != nil {
		switch {
		case errors.Is(err, tuning.ErrSessionTerminal):
			srv.respondError(w, http.StatusConflict, err.Error())
		case errors.Is(err, tuning.ErrStalled):
			// The session replaced the pending configuration; tell the host
			// both the stall and where to go next.
			srv.respondJSON(w, http.StatusOK, map[string]any{
				"stalled": true,
				"error":   err.Error(),
				"status":  resp,
			})
		case errors.Is(err, tuning.ErrNoSignal), errors.Is(err, tuning.ErrPipelineFailure):
			srv.respondJSON(w, http.StatusOK, map[string]any{
				"retry":  true,
				"error":  err.Error(),
				"status": resp,
			})
		default:
			srv.respondError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	srv.respondJSON(w, http.StatusOK, map[string]any{"status": resp})
}

func (srv *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	handle, ok := srv.handle(w, r)
	if !ok {
		return
	}

	handle.mu.Lock()
	handle.s.Cancel()
	resp := srv.status(handle.s)
	srv.persist(handle.s)
	handle.mu.Unlock()

	srv.respondJSON(w, http.StatusOK, map[string]any{"status": resp})
}

func (srv *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	handle, ok := srv.handle(w, r)
	if !ok {
		return
	}

	handle.mu.Lock()
	snap := handle.s.Snapshot()
	handle.mu.Unlock()

	srv.respondJSON(w, http.StatusOK, snap)
}

// handleResume loads a persisted snapshot and registers the restored
// session under its saved ID.
func (srv *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if srv.store == nil {
		srv.respondError(w, http.StatusNotImplemented, "persistence is disabled")
		return
	}

	id := chi.URLParam(r, "id")
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if _, exists := srv.sessions[id]; exists {
		srv.respondError(w, http.StatusConflict, "session already active")
		return
	}

	snap, err := srv.store.Load(id)
	if err != nil {
		var notFound *store.NotFoundError
		if errors.As(err, &notFound) {
			srv.respondError(w, http.StatusNotFound, err.Error())
			return
		}
		srv.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var opts []session.Option
	if srv.metrics != nil {
		opts = append(opts, session.WithMetrics(srv.metrics))
	}
	s, err := session.Restore(snap, srv.cfg, srv.logger, opts...)
	if err != nil {
		srv.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	srv.sessions[id] = &sessionHandle{s: s}
	srv.logger.Info("session resumed",
		zap.String("session_id", id),
		zap.Int("iteration", s.Iteration()),
	)
	srv.respondJSON(w, http.StatusOK, map[string]any{"status": srv.status(s)})
}

// handle resolves the session named in the URL, writing a 404 when absent.
func (srv *Server) handle(w http.ResponseWriter, r *http.Request) (*sessionHandle, bool) {
	id := chi.URLParam(r, "id")
	srv.mu.RLock()
	handle, ok := srv.sessions[id]
	srv.mu.RUnlock()
	if !ok {
		srv.respondError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return handle, true
}

// status builds the response view of a session. Callers hold the handle
// lock.
func (srv *Server) status(s *session.Session) statusResponse {
	resp := statusResponse{
		ID:        s.ID(),
		State:     s.State(),
		Iteration: s.Iteration(),
		Pending:   s.Pending(),
		Degraded:  s.Degraded(),
	}
	if best, value, ok := s.Best(); ok {
		resp.Best = best
		resp.BestValue = &value
	}
	return resp
}

// persist saves a snapshot if a store is configured. Persistence failures
// are logged, not returned; the in-memory session stays authoritative.
func (srv *Server) persist(s *session.Session) {
	if srv.store == nil {
		return
	}
	if err := srv.store.Save(s.Snapshot()); err != nil {
		srv.logger.Error("failed to persist session snapshot",
			zap.String("session_id", s.ID()), zap.Error(err))
	}
}

// Close cancels every active session.
func (srv *Server) Close() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for _, handle := range srv.sessions {
		handle.mu.Lock()
		handle.s.Cancel()
		srv.persist(handle.s)
		handle.mu.Unlock()
	}
	return nil
}

func (srv *Server) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		srv.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (srv *Server) respondError(w http.ResponseWriter, status int, message string) {
	srv.logger.Warn("request error", zap.Int("status", status), zap.String("message", message))
	srv.respondJSON(w, status, map[string]string{"error": message})
}
