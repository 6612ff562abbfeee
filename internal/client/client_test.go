package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mschirtzinger/changeguard/internal/dashboard"
	"github.com/mschirtzinger/changeguard/internal/engine"
	"github.com/mschirtzinger/changeguard/internal/event"
	"github.com/mschirtzinger/changeguard/internal/native/nativetest"
	"github.com/mschirtzinger/changeguard/internal/watchlist"
	"go.uber.org/zap/zaptest"
)

func fastConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
		Timeout:      5 * time.Second,
		Logger:       zaptest.NewLogger(t),
	}
}

// setupDaemon serves the dashboard API of an unstarted engine.
func setupDaemon(t *testing.T) (*Client, *nativetest.Service) {
	t.Helper()

	svc := nativetest.New()
	t.Cleanup(svc.Close)
	eng, err := engine.New(svc, nil, &engine.Config{CallTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	srv := dashboard.NewServer(eng, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		srv.Stop()
	})

	c, err := New(ts.URL, fastConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	return c, svc
}

func TestClient_WatchOperations(t *testing.T) {
	c, svc := setupDaemon(t)
	ctx := context.Background()

	if err := c.Health(ctx); err != nil {
		t.Fatalf("Health() failed: %v", err)
	}

	entries, err := c.AddWatch(ctx, event.Registry, `HKLM\Run`)
	if err != nil {
		t.Fatalf("AddWatch() failed: %v", err)
	}
	want := []watchlist.Entry{{Path: `HKLM\Run`, IsEnabled: true}}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Errorf("AddWatch (-want +got):\n%s", diff)
	}

	if entries, err = c.ToggleWatch(ctx, event.Registry, `HKLM\Run`); err != nil || entries[0].IsEnabled {
		t.Errorf("ToggleWatch() = %v, %v", entries, err)
	}

	svc.SetActive(event.Registry, `HKLM\Run`)
	changed, err := c.Reconcile(ctx, event.Registry)
	if err != nil || !changed {
		t.Errorf("Reconcile() = %v, %v", changed, err)
	}

	got, err := c.Watches(ctx, event.Registry)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Watches after reconcile (-want +got):\n%s", diff)
	}

	if entries, err = c.RemoveWatch(ctx, event.Registry, `HKLM\Run`); err != nil || len(entries) != 0 {
		t.Errorf("RemoveWatch() = %v, %v", entries, err)
	}
}

func TestClient_ErrorKinds(t *testing.T) {
	c, svc := setupDaemon(t)
	ctx := context.Background()

	_, err := c.ToggleWatch(ctx, event.Filesystem, "/missing")
	if !errors.Is(err, watchlist.ErrNotFound) {
		t.Errorf("ToggleWatch(missing) = %v, want ErrNotFound", err)
	}

	svc.Fail(nativetest.MethodStart, errors.New("denied"))
	_, err = c.AddWatch(ctx, event.Filesystem, "/denied")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadGateway {
		t.Fatalf("AddWatch() = %v, want 502 APIError", err)
	}
	if !errors.Is(err, watchlist.ErrNativeCall) {
		t.Errorf("error %v does not match ErrNativeCall", err)
	}
	// A 502 is never retried: the add reached the native service once.
	if n := len(svc.CallsTo(nativetest.MethodStart)); n != 1 {
		t.Errorf("start calls = %d, want 1", n)
	}
}

func TestClient_ReadOnlyEndpoints(t *testing.T) {
	c, _ := setupDaemon(t)
	ctx := context.Background()

	snap, err := c.Snapshot(ctx, event.Filesystem)
	if err != nil || snap.Family != event.Filesystem {
		t.Errorf("Snapshot() = %+v, %v", snap, err)
	}
	st, err := c.Status(ctx, event.Registry)
	if err != nil || !st.Running {
		t.Errorf("Status() = %+v, %v", st, err)
	}
	ch, err := c.Changes(ctx, event.Filesystem, "/x")
	if err != nil || ch.Identity != "/x" || ch.ChangeCount != 0 {
		t.Errorf("Changes() = %+v, %v", ch, err)
	}
	if n, err := c.ClearHistory(ctx, event.Filesystem); err != nil || n != 0 {
		t.Errorf("ClearHistory() = %d, %v", n, err)
	}
}

func TestClient_RetriesUnavailable(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer ts.Close()

	c, err := New(ts.URL, fastConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health() failed after retries: %v", err)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("server hit %d times, want 3", got)
	}
}

func TestClient_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c, err := New(addr, fastConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Health(context.Background()); !errors.Is(err, ErrDaemonUnreachable) {
		t.Errorf("Health() = %v, want ErrDaemonUnreachable", err)
	}
}
