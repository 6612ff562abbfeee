package dashboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/mschirtzinger/changeguard/internal/aggregate"
	"github.com/mschirtzinger/changeguard/internal/engine"
	"github.com/mschirtzinger/changeguard/internal/event"
	"github.com/mschirtzinger/changeguard/internal/watchlist"
	"go.uber.org/zap"
)

// Error kinds reported in ErrorResponse.
const (
	KindInvalid     = "invalid"
	KindNotFound    = "not_found"
	KindNative      = "native"
	KindPersistence = "persistence"
	KindInternal    = "internal"
)

// PathRequest is the body of the watch mutation endpoints.
type PathRequest struct {
	Path string `json:"path"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// ReconcileResponse reports whether a reconcile changed the watch list.
type ReconcileResponse struct {
	Changed bool `json:"changed"`
}

// ChangesResponse answers a per-identity lookup.
type ChangesResponse struct {
	Identity     string                        `json:"identity"`
	ChangeCount  int                           `json:"changeCount"`
	LastModified *time.Time                    `json:"lastModified,omitempty"`
	Resources    []aggregate.ResourceAggregate `json:"resources"`
}

// StatusResponse describes one family's monitor.
type StatusResponse struct {
	Family       event.Family        `json:"family"`
	Running      bool                `json:"running"`
	RunningError string              `json:"runningError,omitempty"`
	Monitor      engine.MonitorStats `json:"monitor"`
	Aggregate    aggregate.Stats     `json:"aggregate"`
	Roots        []string            `json:"roots"`
	Watches      int                 `json:"watches"`
	SessionLog   string              `json:"sessionLog,omitempty"`
}

// ClearResponse reports how many history rows were deleted.
type ClearResponse struct {
	Removed int64 `json:"removed"`
}

func (s *Server) registerAPI(r *mux.Router) {
	r.HandleFunc("/{family}/snapshot", s.withMonitor(s.handleSnapshot)).Methods(http.MethodGet)
	r.HandleFunc("/{family}/status", s.withMonitor(s.handleStatus)).Methods(http.MethodGet)
	r.HandleFunc("/{family}/watches", s.withMonitor(s.handleListWatches)).Methods(http.MethodGet)
	r.HandleFunc("/{family}/watches", s.withMonitor(s.handleAddWatch)).Methods(http.MethodPost)
	r.HandleFunc("/{family}/watches", s.withMonitor(s.handleRemoveWatch)).Methods(http.MethodDelete)
	r.HandleFunc("/{family}/watches/toggle", s.withMonitor(s.handleToggleWatch)).Methods(http.MethodPost)
	r.HandleFunc("/{family}/reconcile", s.withMonitor(s.handleReconcile)).Methods(http.MethodPost)
	r.HandleFunc("/{family}/changes", s.withMonitor(s.handleChanges)).Methods(http.MethodGet)
	r.HandleFunc("/{family}/history", s.withMonitor(s.handleClearHistory)).Methods(http.MethodDelete)
}

type monitorHandler func(w http.ResponseWriter, r *http.Request, m *engine.Monitor)

// withMonitor resolves the {family} route variable.
func (s *Server) withMonitor(next monitorHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		family, err := event.ParseFamily(mux.Vars(r)["family"])
		if err != nil {
			writeError(w, http.StatusNotFound, KindNotFound, err)
			return
		}
		m, err := s.backend.Monitor(family)
		if err != nil {
			writeError(w, http.StatusNotFound, KindNotFound, err)
			return
		}
		next(w, r, m)
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request, m *engine.Monitor) {
	writeJSON(w, http.StatusOK, m.Snapshot())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, m *engine.Monitor) {
	snap := m.Snapshot()
	resp := StatusResponse{
		Family:     m.Family(),
		Monitor:    m.Stats(),
		Aggregate:  snap.Stats,
		Roots:      snap.Roots,
		Watches:    len(m.Entries()),
		SessionLog: m.SessionLogPath(),
	}
	running, err := m.Running(r.Context())
	if err != nil {
		resp.RunningError = err.Error()
	}
	resp.Running = running
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListWatches(w http.ResponseWriter, r *http.Request, m *engine.Monitor) {
	writeJSON(w, http.StatusOK, m.Entries())
}

func (s *Server) handleAddWatch(w http.ResponseWriter, r *http.Request, m *engine.Monitor) {
	path, ok := s.readPath(w, r)
	if !ok {
		return
	}
	if err := m.AddByPath(r.Context(), path); err != nil {
		s.writeOpError(w, "add", err)
		return
	}
	writeJSON(w, http.StatusCreated, m.Entries())
}

func (s *Server) handleRemoveWatch(w http.ResponseWriter, r *http.Request, m *engine.Monitor) {
	path, ok := s.readPath(w, r)
	if !ok {
		return
	}
	if err := m.Remove(r.Context(), path); err != nil {
		s.writeOpError(w, "remove", err)
		return
	}
	writeJSON(w, http.StatusOK, m.Entries())
}

func (s *Server) handleToggleWatch(w http.ResponseWriter, r *http.Request, m *engine.Monitor) {
	path, ok := s.readPath(w, r)
	if !ok {
		return
	}
	if err := m.Toggle(r.Context(), path); err != nil {
		s.writeOpError(w, "toggle", err)
		return
	}
	writeJSON(w, http.StatusOK, m.Entries())
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request, m *engine.Monitor) {
	changed, err := m.Reconcile(r.Context())
	if err != nil {
		s.writeOpError(w, "reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{Changed: changed})
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request, m *engine.Monitor) {
	identity := strings.TrimSpace(r.URL.Query().Get("identity"))
	if identity == "" {
		writeError(w, http.StatusBadRequest, KindInvalid, fmt.Errorf("identity query parameter is required"))
		return
	}
	resp := ChangesResponse{
		Identity:    identity,
		ChangeCount: m.ChangeCount(identity),
		Resources:   m.Resources(identity),
	}
	if ts, ok := m.LastModified(identity); ok {
		resp.LastModified = &ts
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request, m *engine.Monitor) {
	removed, err := m.ClearHistory(r.Context())
	if err != nil {
		s.logger.Error("failed to clear history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, KindPersistence, err)
		return
	}
	writeJSON(w, http.StatusOK, ClearResponse{Removed: removed})
}

// readPath decodes a PathRequest body, falling back to the path query
// parameter for clients that cannot send a DELETE body.
func (s *Server) readPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req PathRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, KindInvalid, fmt.Errorf("invalid request body: %w", err))
			return "", false
		}
	}
	if req.Path == "" {
		req.Path = r.URL.Query().Get("path")
	}
	if strings.TrimSpace(req.Path) == "" {
		writeError(w, http.StatusBadRequest, KindInvalid, fmt.Errorf("path is required"))
		return "", false
	}
	return req.Path, true
}

// writeOpError maps watch-list errors to HTTP statuses.
func (s *Server) writeOpError(w http.ResponseWriter, op string, err error) {
	status, kind := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("watch operation failed", zap.String("op", op), zap.Error(err))
	}
	writeError(w, status, kind, err)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, watchlist.ErrNotFound):
		return http.StatusNotFound, KindNotFound
	case errors.Is(err, watchlist.ErrNativeCall):
		return http.StatusBadGateway, KindNative
	case errors.Is(err, watchlist.ErrPersistence):
		return http.StatusInternalServerError, KindPersistence
	default:
		return http.StatusInternalServerError, KindInternal
	}
}

func writeError(w http.ResponseWriter, status int, kind string, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
