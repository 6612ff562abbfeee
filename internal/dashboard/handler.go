package dashboard

import (
	"encoding/json"
	"time"

	"github.com/mschirtzinger/changeguard/internal/aggregate"
	"github.com/mschirtzinger/changeguard/internal/engine"
	"go.uber.org/zap"
)

type snapshotData struct {
	Version uint64           `json:"version"`
	Stats   *aggregate.Stats `json:"stats"`
}

type reconcileData struct {
	Changed bool   `json:"changed"`
	Error   string `json:"error,omitempty"`
}

// Handler turns engine updates into dashboard messages.
type Handler struct {
	server *Server
	logger *zap.Logger
}

// NewHandler creates a handler broadcasting through server.
func NewHandler(server *Server, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{server: server, logger: logger.Named("dashboard")}
}

// Attach subscribes the handler to eng and returns the unsubscribe func.
func (h *Handler) Attach(eng *engine.Engine) func() {
	return eng.Subscribe(h.OnUpdate)
}

// OnUpdate is an engine.Listener.
func (h *Handler) OnUpdate(u engine.Update) {
	var typ MessageType
	var payload interface{}

	switch u.Type {
	case engine.UpdateSnapshot:
		typ = MessageTypeSnapshot
		payload = snapshotData{Version: u.Version, Stats: u.Stats}
	case engine.UpdateWatchList:
		typ = MessageTypeWatchList
		payload = u.Entries
	case engine.UpdateReconcile:
		// Quiet passes are not worth a frame.
		if !u.Changed && u.Error == "" {
			return
		}
		typ = MessageTypeReconcile
		payload = reconcileData{Changed: u.Changed, Error: u.Error}
	default:
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal update", zap.Error(err))
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Family:    u.Family,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}
