package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/mschirtzinger/changeguard/internal/event"
	"github.com/mschirtzinger/changeguard/internal/native"
	"github.com/mschirtzinger/changeguard/internal/native/procprobe"
	"go.uber.org/zap"
)

// Config holds configuration for a Client.
type Config struct {
	// URL of the service's WebSocket endpoint, e.g. ws://127.0.0.1:7391/native.
	URL string

	// DialTimeout bounds the initial connection (default: 5s).
	DialTimeout time.Duration

	// Probe, when set, is consulted by IsServiceRunning before asking the
	// service itself.
	Probe *procprobe.Probe

	// Logger for connection activity.
	Logger *zap.Logger
}

// Client is a native.Service backed by a WebSocket connection.
type Client struct {
	*native.Broker

	conn   *websocket.Conn
	probe  *procprobe.Probe
	logger *zap.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Frame
	closed  bool
	err     error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ native.Service = (*Client)(nil)

// Dial connects to the service and starts reading frames.
func Dial(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("remote native service URL is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, timeout)
	defer cancelDial()

	conn, _, err := websocket.Dial(dialCtx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w: %w", cfg.URL, native.ErrServiceUnavailable, err)
	}
	// Notification blocks can carry large registry data.
	conn.SetReadLimit(1 << 20)

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		Broker:  native.NewBroker(),
		conn:    conn,
		probe:   cfg.Probe,
		logger:  logger.Named("remote").With(zap.String("url", cfg.URL)),
		pending: make(map[uint64]chan Frame),
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.readLoop()

	c.logger.Info("connected to native service")
	return c, nil
}

// readLoop routes notifications to subscribers and responses to callers.
func (c *Client) readLoop() {
	defer close(c.done)

	for {
		var f Frame
		if err := wsjson.Read(c.ctx, c.conn, &f); err != nil {
			c.shutdown(err)
			return
		}

		switch f.Type {
		case TypeNotification:
			c.Publish(f.Family, f.Payload)
		case TypeResponse:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ok {
				ch <- f
			} else {
				c.logger.Debug("response for unknown request", zap.Uint64("id", f.ID))
			}
		default:
			c.logger.Warn("ignoring frame", zap.String("type", f.Type))
		}
	}
}

// shutdown fails in-flight calls and ends subscriptions after their queued
// notifications are delivered.
func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = cause
	pending := c.pending
	c.pending = make(map[uint64]chan Frame)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	c.Broker.Close()

	if c.ctx.Err() == nil {
		c.logger.Warn("connection to native service lost", zap.Error(cause))
	}
}

// call sends a request and waits for its response.
func (c *Client) call(ctx context.Context, method string, family event.Family, identity string) (Frame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Frame{}, fmt.Errorf("%s: %w", method, native.ErrServiceUnavailable)
	}
	c.nextID++
	id := c.nextID
	ch := make(chan Frame, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	req := Frame{Type: TypeRequest, ID: id, Method: method, Family: family, Identity: identity}
	if err := wsjson.Write(ctx, c.conn, req); err != nil {
		forget()
		if ctx.Err() != nil {
			return Frame{}, native.TimeoutError(fmt.Errorf("%s: %w", method, ctx.Err()))
		}
		return Frame{}, fmt.Errorf("%s: %w: %w", method, native.ErrServiceUnavailable, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return Frame{}, fmt.Errorf("%s: %w", method, native.ErrServiceUnavailable)
		}
		if resp.Error != "" {
			return resp, &CallError{Method: method, Message: resp.Error, Code: resp.Code}
		}
		return resp, nil
	case <-ctx.Done():
		forget()
		return Frame{}, native.TimeoutError(fmt.Errorf("%s: %w", method, ctx.Err()))
	}
}

// StartObserving implements native.CommandPort.
func (c *Client) StartObserving(ctx context.Context, family event.Family, identity string) error {
	_, err := c.call(ctx, MethodStartObserving, family, identity)
	return err
}

// StopObserving implements native.CommandPort.
func (c *Client) StopObserving(ctx context.Context, family event.Family, identity string) error {
	_, err := c.call(ctx, MethodStopObserving, family, identity)
	return err
}

// ListActiveWatches implements native.CommandPort.
func (c *Client) ListActiveWatches(ctx context.Context, family event.Family) ([]string, error) {
	resp, err := c.call(ctx, MethodListActiveWatches, family, "")
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// IsServiceRunning implements native.CommandPort.
func (c *Client) IsServiceRunning(ctx context.Context, family event.Family) (bool, error) {
	if c.probe != nil {
		running, err := c.probe.Running(ctx)
		if err != nil {
			c.logger.Debug("process probe failed", zap.Error(err))
		} else if !running {
			return false, nil
		}
	}
	resp, err := c.call(ctx, MethodStatus, family, "")
	if err != nil {
		return false, err
	}
	return resp.Running, nil
}

// Err returns why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection and waits for the read loop to exit. Pending
// calls fail with native.ErrServiceUnavailable.
func (c *Client) Close() error {
	// The peer may already be gone; the close handshake error carries no
	// information the caller can act on.
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
	c.cancel()
	<-c.done
	return nil
}
