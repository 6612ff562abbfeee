package remote

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/mschirtzinger/changeguard/internal/event"
	"github.com/mschirtzinger/changeguard/internal/native"
	"go.uber.org/zap"
)

// HandlerConfig holds configuration for a Handler.
type HandlerConfig struct {
	// Families forwarded to each connection (default: all).
	Families []event.Family

	// CallTimeout bounds each request against the wrapped service
	// (default: 10s).
	CallTimeout time.Duration

	// Logger for connection activity.
	Logger *zap.Logger
}

// Handler serves a native.Service to Clients over WebSocket. Each connection
// receives every notification of the configured families and may issue
// requests concurrently.
type Handler struct {
	svc      native.Service
	families []event.Family
	timeout  time.Duration
	logger   *zap.Logger
}

// NewHandler wraps svc.
func NewHandler(svc native.Service, cfg *HandlerConfig) *Handler {
	if cfg == nil {
		cfg = &HandlerConfig{}
	}
	h := &Handler{
		svc:      svc,
		families: cfg.Families,
		timeout:  cfg.CallTimeout,
		logger:   cfg.Logger,
	}
	if len(h.families) == 0 {
		h.families = event.Families
	}
	if h.timeout <= 0 {
		h.timeout = 10 * time.Second
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	h.logger = h.logger.Named("remote-handler")
	return h
}

// ServeHTTP upgrades the request and serves the connection until either
// side closes it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(1 << 20)
	h.logger.Info("client connected", zap.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup

	for _, family := range h.families {
		ch, err := h.svc.Subscribe(ctx, family)
		if err != nil {
			if !errors.Is(err, native.ErrUnsupported) {
				h.logger.Warn("subscribe failed", zap.String("family", string(family)), zap.Error(err))
			}
			continue
		}
		wg.Add(1)
		go func(family event.Family) {
			defer wg.Done()
			h.forward(ctx, conn, family, ch)
		}(family)
	}

	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			break
		}
		if f.Type != TypeRequest {
			continue
		}
		wg.Add(1)
		go func(f Frame) {
			defer wg.Done()
			h.respond(ctx, conn, f)
		}(f)
	}

	cancel()
	wg.Wait()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	h.logger.Info("client disconnected", zap.String("remote", r.RemoteAddr))
}

// forward relays notifications until the subscription closes. After the
// connection fails the channel is still drained so the source can release it.
func (h *Handler) forward(ctx context.Context, conn *websocket.Conn, family event.Family, ch <-chan string) {
	broken := false
	for raw := range ch {
		if broken {
			continue
		}
		f := Frame{Type: TypeNotification, Family: family, Payload: raw}
		if err := wsjson.Write(ctx, conn, f); err != nil {
			broken = true
		}
	}
}

func (h *Handler) respond(ctx context.Context, conn *websocket.Conn, req Frame) {
	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	resp := Frame{Type: TypeResponse, ID: req.ID}
	var err error
	switch req.Method {
	case MethodStartObserving:
		err = h.svc.StartObserving(callCtx, req.Family, req.Identity)
	case MethodStopObserving:
		err = h.svc.StopObserving(callCtx, req.Family, req.Identity)
	case MethodListActiveWatches:
		resp.Result, err = h.svc.ListActiveWatches(callCtx, req.Family)
	case MethodStatus:
		resp.Running, err = h.svc.IsServiceRunning(callCtx, req.Family)
	default:
		err = native.ErrUnsupported
	}
	if err != nil {
		errorFrame(&resp, native.TimeoutError(err))
	}

	if werr := wsjson.Write(ctx, conn, resp); werr != nil {
		h.logger.Debug("failed to write response", zap.Uint64("id", req.ID), zap.Error(werr))
	}
}
