// Package sessionlog writes the current aggregated view of a family to a
// per-session JSON file.
//
// Writes are debounced on the trailing edge: a burst of LogData calls
// produces one write of the last snapshot. Each file is overwritten
// atomically, so a reader never sees a partial document.
package sessionlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mschirtzinger/changeguard/internal/aggregate"
	"github.com/mschirtzinger/changeguard/internal/event"
	"go.uber.org/zap"
)

// File name prefixes of the two families.
const (
	PrefixFilesystem = "file_session"
	PrefixRegistry   = "registry_session"
)

// ErrClosed is delivered to LogData callers after Close.
var ErrClosed = errors.New("session log closed")

// PrefixFor returns the file prefix of family.
func PrefixFor(family event.Family) string {
	if family == event.Registry {
		return PrefixRegistry
	}
	return PrefixFilesystem
}

// Config holds configuration for a Writer.
type Config struct {
	// Debounce is the quiet period before a pending snapshot is written
	// (default: 100ms).
	Debounce time.Duration

	// Now stamps the file name (default: time.Now).
	Now func() time.Time

	// Logger for write failures.
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{Debounce: 100 * time.Millisecond}
}

// Group is one WatcherGroup as written to the log.
type Group struct {
	Watcher   string                        `json:"watcher"`
	Resources []aggregate.ResourceAggregate `json:"resources"`
}

// Rows converts a snapshot into the logged document: groups sorted by name,
// resources most recent first.
func Rows(snap aggregate.Snapshot) []Group {
	rows := make([]Group, 0, len(snap.Groups))
	for _, name := range snap.GroupNames() {
		rows = append(rows, Group{Watcher: name, Resources: snap.Resources(name)})
	}
	return rows
}

// Writer owns one session log file.
type Writer struct {
	path     string
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending *aggregate.Snapshot
	waiters []chan error
	timer   *time.Timer
	closed  bool

	// writeMu is held from taking the pending snapshot until it is on disk,
	// so the file always ends with the newest snapshot taken.
	writeMu sync.Mutex
}

// New returns a writer for dir/<prefix>_<UTC timestamp>.log. Nothing is
// written until the first snapshot is flushed.
func New(dir, prefix string, cfg *Config) *Writer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Writer{
		path:     filepath.Join(dir, FileName(prefix, now())),
		debounce: debounce,
		logger:   logger.Named("sessionlog"),
	}
}

// FileName returns the session file name for a session started at t.
func FileName(prefix string, t time.Time) string {
	stamp := t.UTC().Format("2006-01-02_15-04-05.000")
	return prefix + "_" + strings.Replace(stamp, ".", "-", 1) + ".log"
}

// Path returns the file the writer writes to.
func (w *Writer) Path() string {
	return w.path
}

// LogData schedules snap to be written after the debounce period, replacing
// any snapshot still pending. The returned channel receives the result of
// the write that covers this call, then is closed.
func (w *Writer) LogData(snap aggregate.Snapshot) <-chan error {
	done := make(chan error, 1)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		done <- ErrClosed
		close(done)
		return done
	}

	w.pending = &snap
	w.waiters = append(w.waiters, done)
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
	return done
}

// flush runs when the debounce timer fires.
func (w *Writer) flush() {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	snap, waiters := w.take()
	if snap == nil {
		return
	}
	w.finish(waiters, w.write(*snap))
}

// ForceWrite cancels the debounce timer and writes the pending snapshot now.
// It is a no-op when nothing is pending.
func (w *Writer) ForceWrite(ctx context.Context) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	snap, waiters := w.take()
	if snap == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		w.finish(waiters, err)
		return err
	}
	err := w.write(*snap)
	w.finish(waiters, err)
	return err
}

// Close writes any pending snapshot and rejects later LogData calls.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	return w.ForceWrite(ctx)
}

func (w *Writer) take() (*aggregate.Snapshot, []chan error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	snap, waiters := w.pending, w.waiters
	w.pending, w.waiters = nil, nil
	return snap, waiters
}

func (w *Writer) finish(waiters []chan error, err error) {
	for _, ch := range waiters {
		ch <- err
		close(ch)
	}
}

// write atomically replaces the session file with snap. The caller holds
// writeMu.
func (w *Writer) write(snap aggregate.Snapshot) error {
	data, err := json.MarshalIndent(Rows(snap), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session log: %w", err)
	}

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		w.logger.Error("failed to create log directory", zap.String("dir", dir), zap.Error(err))
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(w.path)+".tmp*")
	if err != nil {
		w.logger.Error("failed to create temp file", zap.Error(err))
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write session log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close session log: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		w.logger.Error("failed to replace session log", zap.String("path", w.path), zap.Error(err))
		return fmt.Errorf("failed to replace session log: %w", err)
	}

	w.logger.Debug("wrote session log",
		zap.String("path", w.path),
		zap.Int("groups", len(snap.Groups)),
		zap.Uint64("version", snap.Version))
	return nil
}
