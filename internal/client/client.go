// Package client talks to a running daemon's HTTP API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/mschirtzinger/changeguard/internal/aggregate"
	"github.com/mschirtzinger/changeguard/internal/dashboard"
	"github.com/mschirtzinger/changeguard/internal/event"
	"github.com/mschirtzinger/changeguard/internal/watchlist"
	"go.uber.org/zap"
)

// ErrDaemonUnreachable is returned when no daemon answers at the address.
var ErrDaemonUnreachable = errors.New("daemon unreachable")

// APIError is a non-2xx answer from the daemon. It matches the watchlist
// sentinel of its kind with errors.Is.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon returned %d", e.Status)
	}
	return e.Message
}

// Is maps error kinds to the watchlist sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case watchlist.ErrNotFound:
		return e.Kind == dashboard.KindNotFound
	case watchlist.ErrNativeCall:
		return e.Kind == dashboard.KindNative
	case watchlist.ErrPersistence:
		return e.Kind == dashboard.KindPersistence
	}
	return false
}

// Config holds client configuration.
type Config struct {
	// RetryMax is the number of retries for unreachable daemons and 503s
	// (default: 3).
	RetryMax int

	// RetryWaitMin and RetryWaitMax bound the backoff between retries.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// Timeout bounds each attempt (default: 30s).
	Timeout time.Duration

	// Logger for retries.
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RetryMax:     3,
		RetryWaitMin: 100 * time.Millisecond,
		RetryWaitMax: 2 * time.Second,
		Timeout:      30 * time.Second,
	}
}

// Client is a daemon API client.
type Client struct {
	base *url.URL
	http *retryablehttp.Client
}

// New creates a client for the daemon at addr ("host:port" or a URL).
func New(addr string, config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	base, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid daemon address %q: %w", addr, err)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = config.RetryMax
	if config.RetryWaitMin > 0 {
		rc.RetryWaitMin = config.RetryWaitMin
	}
	if config.RetryWaitMax > 0 {
		rc.RetryWaitMax = config.RetryWaitMax
	}
	if config.Timeout > 0 {
		rc.HTTPClient.Timeout = config.Timeout
	}
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if config.Logger != nil {
		rc.Logger = leveled{config.Logger.Named("client").Sugar()}
	} else {
		rc.Logger = nil
	}

	return &Client{base: base, http: rc}, nil
}

// checkRetry retries transport failures and 503 only. Mutations are not
// idempotent on the native side, so a 502 is never retried.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return resp.StatusCode == http.StatusServiceUnavailable, nil
}

// leveled adapts zap to retryablehttp.LeveledLogger.
type leveled struct {
	s *zap.SugaredLogger
}

func (l leveled) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveled) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveled) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveled) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }

// Health checks that the daemon answers.
func (c *Client) Health(ctx context.Context) error {
	var body map[string]interface{}
	return c.do(ctx, http.MethodGet, "/health", nil, nil, &body)
}

// Snapshot returns the aggregated view of family.
func (c *Client) Snapshot(ctx context.Context, family event.Family) (aggregate.Snapshot, error) {
	var snap aggregate.Snapshot
	err := c.do(ctx, http.MethodGet, familyPath(family, "snapshot"), nil, nil, &snap)
	return snap, err
}

// Status describes the monitor of family.
func (c *Client) Status(ctx context.Context, family event.Family) (dashboard.StatusResponse, error) {
	var st dashboard.StatusResponse
	err := c.do(ctx, http.MethodGet, familyPath(family, "status"), nil, nil, &st)
	return st, err
}

// Watches returns the watch list of family.
func (c *Client) Watches(ctx context.Context, family event.Family) ([]watchlist.Entry, error) {
	var entries []watchlist.Entry
	err := c.do(ctx, http.MethodGet, familyPath(family, "watches"), nil, nil, &entries)
	return entries, err
}

// AddWatch starts observing path and returns the new watch list.
func (c *Client) AddWatch(ctx context.Context, family event.Family, path string) ([]watchlist.Entry, error) {
	var entries []watchlist.Entry
	err := c.do(ctx, http.MethodPost, familyPath(family, "watches"), nil, dashboard.PathRequest{Path: path}, &entries)
	return entries, err
}

// RemoveWatch deletes the entry for path and returns the new watch list.
func (c *Client) RemoveWatch(ctx context.Context, family event.Family, path string) ([]watchlist.Entry, error) {
	var entries []watchlist.Entry
	q := url.Values{"path": {path}}
	err := c.do(ctx, http.MethodDelete, familyPath(family, "watches"), q, nil, &entries)
	return entries, err
}

// ToggleWatch flips the entry for path and returns the new watch list.
func (c *Client) ToggleWatch(ctx context.Context, family event.Family, path string) ([]watchlist.Entry, error) {
	var entries []watchlist.Entry
	err := c.do(ctx, http.MethodPost, familyPath(family, "watches/toggle"), nil, dashboard.PathRequest{Path: path}, &entries)
	return entries, err
}

// Reconcile asks the daemon to reconcile family now.
func (c *Client) Reconcile(ctx context.Context, family event.Family) (bool, error) {
	var resp dashboard.ReconcileResponse
	err := c.do(ctx, http.MethodPost, familyPath(family, "reconcile"), nil, nil, &resp)
	return resp.Changed, err
}

// Changes looks up the aggregates of one identity.
func (c *Client) Changes(ctx context.Context, family event.Family, identity string) (dashboard.ChangesResponse, error) {
	var resp dashboard.ChangesResponse
	q := url.Values{"identity": {identity}}
	err := c.do(ctx, http.MethodGet, familyPath(family, "changes"), q, nil, &resp)
	return resp, err
}

// ClearHistory deletes the daemon's recorded history of family.
func (c *Client) ClearHistory(ctx context.Context, family event.Family) (int64, error) {
	var resp dashboard.ClearResponse
	err := c.do(ctx, http.MethodDelete, familyPath(family, "history"), nil, nil, &resp)
	return resp.Removed, err
}

func familyPath(family event.Family, rest string) string {
	return "/api/" + url.PathEscape(string(family)) + "/" + rest
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, reqData, resData interface{}) error {
	u := c.base.JoinPath(path)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body interface{}
	if reqData != nil {
		data, err := json.Marshal(reqData)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = data
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if reqData != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w at %s: %v", ErrDaemonUnreachable, c.base.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{Status: resp.StatusCode}
		var er dashboard.ErrorResponse
		if json.Unmarshal(data, &er) == nil {
			apiErr.Kind, apiErr.Message = er.Kind, er.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if resData == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(resData); err != nil && err != io.EOF {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
