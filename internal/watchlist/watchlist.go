// Package watchlist keeps the locally persisted list of watched resources in
// step with what the native service actually observes.
//
// The three mutating operations deliberately differ in how they treat
// failure:
//
//   - AddByPath is non-optimistic: nothing changes locally unless the native
//     service accepted the watch.
//   - Toggle is optimistic: the flag flips and is persisted before the native
//     call, and is not reverted if the call fails. The next Reconcile
//     corrects it.
//   - Remove is authoritative: the entry is deleted even if the native stop
//     fails.
//
// Reconcile treats the native service's active set as the truth. It is
// idempotent and only persists when something changed, so it is safe to run
// on a timer alongside user operations.
package watchlist

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mschirtzinger/changeguard/internal/event"
	"github.com/mschirtzinger/changeguard/internal/native"
	"go.uber.org/zap"
)

// Entry is one watched resource. The JSON field names are part of the
// persisted format.
type Entry struct {
	Path      string `json:"path"`
	IsEnabled bool   `json:"isEnabled"`
}

// Config holds configuration for a Synchronizer.
type Config struct {
	// CallTimeout bounds each native call (default: 10s).
	CallTimeout time.Duration

	// OnChange receives a copy of the entry list after every mutation that
	// changed it. It is called without the synchronizer lock held.
	OnChange func(family event.Family, entries []Entry)

	// Normalizer canonicalizes paths (default: event.NormalizerFor(family)).
	Normalizer event.Normalizer

	// Logger for native failures and reconciliation.
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{CallTimeout: 10 * time.Second}
}

// Synchronizer owns the watch list of one family.
type Synchronizer struct {
	family  event.Family
	port    native.CommandPort
	storage Storage
	key     string
	timeout time.Duration
	norm    event.Normalizer
	notify  func(event.Family, []Entry)
	logger  *zap.Logger

	mu      sync.Mutex
	entries []Entry
	// gen is bumped by every user mutation so a reconcile can tell that
	// its active set went stale while it was being fetched.
	gen uint64
}

// New creates a synchronizer. Call Load or RestoreFromPersisted before use.
func New(family event.Family, port native.CommandPort, storage Storage, cfg *Config) *Synchronizer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Synchronizer{
		family:  family,
		port:    port,
		storage: storage,
		key:     StorageKey(family),
		timeout: cfg.CallTimeout,
		norm:    cfg.Normalizer,
		notify:  cfg.OnChange,
		logger:  cfg.Logger,
	}
	if s.timeout <= 0 {
		s.timeout = 10 * time.Second
	}
	if s.norm == nil {
		s.norm = event.NormalizerFor(family)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("watchlist").With(zap.String("family", string(family)))
	return s
}

// Family returns the family this synchronizer manages.
func (s *Synchronizer) Family() event.Family {
	return s.family
}

// Load replaces the in-memory list with the persisted one. A missing key is
// an empty list.
func (s *Synchronizer) Load(ctx context.Context) error {
	raw, ok, err := s.storage.Get(ctx, s.key)
	if err != nil {
		return &PersistenceError{Op: "load", Key: s.key, Err: err}
	}

	var entries []Entry
	if ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &entries); err != nil {
			return &PersistenceError{Op: "load", Key: s.key, Err: err}
		}
	}

	// Collapse entries that normalize to the same path, keeping the first.
	seen := make(map[string]bool, len(entries))
	clean := entries[:0]
	for _, e := range entries {
		e.Path = s.norm.Normalize(e.Path)
		if e.Path == "" || seen[e.Path] {
			continue
		}
		seen[e.Path] = true
		clean = append(clean, e)
	}

	s.mu.Lock()
	s.entries = clean
	s.gen++
	snapshot := s.copyLocked()
	s.mu.Unlock()

	s.logger.Debug("loaded watch list", zap.Int("entries", len(snapshot)))
	s.changed(snapshot)
	return nil
}

// Entries returns a copy of the current list.
func (s *Synchronizer) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// Lookup returns the entry for path.
func (s *Synchronizer) Lookup(path string) (Entry, bool) {
	path = s.norm.Normalize(path)

	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(path); i >= 0 {
		return s.entries[i], true
	}
	return Entry{}, false
}

// AddByPath starts observing path and records it as enabled. When the native
// call fails the list and storage are left untouched.
func (s *Synchronizer) AddByPath(ctx context.Context, path string) error {
	path = s.norm.Normalize(path)
	if path == "" {
		return fmt.Errorf("path is required")
	}

	if err := s.start(ctx, path); err != nil {
		s.logger.Warn("add rejected by native service", zap.String("path", path), zap.Error(err))
		return err
	}

	s.mu.Lock()
	if i := s.indexLocked(path); i >= 0 {
		s.entries[i].IsEnabled = true
	} else {
		s.entries = append(s.entries, Entry{Path: path, IsEnabled: true})
	}
	s.gen++
	snapshot := s.copyLocked()
	err := s.persistLocked(ctx, snapshot)
	s.mu.Unlock()

	s.logger.Info("watch added", zap.String("path", path))
	s.changed(snapshot)
	return err
}

// Toggle flips the entry's enabled flag, persists it, then asks the native
// service to match. A native failure is returned but not reverted.
func (s *Synchronizer) Toggle(ctx context.Context, path string) error {
	path = s.norm.Normalize(path)

	s.mu.Lock()
	i := s.indexLocked(path)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("toggle %q: %w", path, ErrNotFound)
	}
	s.entries[i].IsEnabled = !s.entries[i].IsEnabled
	s.gen++
	enable := s.entries[i].IsEnabled
	snapshot := s.copyLocked()
	persistErr := s.persistLocked(ctx, snapshot)
	s.mu.Unlock()

	s.changed(snapshot)

	var nativeErr error
	if enable {
		nativeErr = s.start(ctx, path)
	} else {
		nativeErr = s.stop(ctx, path)
	}
	if nativeErr != nil {
		s.logger.Warn("toggle not applied by native service; reconcile will correct it",
			zap.String("path", path), zap.Bool("enable", enable), zap.Error(nativeErr))
	}
	return combine(persistErr, nativeErr)
}

// Remove stops observing path if it is enabled and deletes the entry. The
// entry is deleted even when the native stop fails; that failure is still
// returned.
func (s *Synchronizer) Remove(ctx context.Context, path string) error {
	path = s.norm.Normalize(path)

	s.mu.Lock()
	i := s.indexLocked(path)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("remove %q: %w", path, ErrNotFound)
	}
	enabled := s.entries[i].IsEnabled
	s.mu.Unlock()

	var nativeErr error
	if enabled {
		nativeErr = s.stop(ctx, path)
		if nativeErr != nil {
			s.logger.Warn("native stop failed; removing entry anyway", zap.String("path", path), zap.Error(nativeErr))
		}
	}

	s.mu.Lock()
	// The list may have changed while the native call ran.
	if i := s.indexLocked(path); i >= 0 {
		s.entries = append(s.entries[:i], s.entries[i+1:]...)
	}
	s.gen++
	snapshot := s.copyLocked()
	persistErr := s.persistLocked(ctx, snapshot)
	s.mu.Unlock()

	s.logger.Info("watch removed", zap.String("path", path))
	s.changed(snapshot)
	return combine(nativeErr, persistErr)
}

// Reconcile aligns every entry's enabled flag with the native service's
// active set and appends active identities that have no entry. It persists
// and notifies only when something changed, and reports whether it did.
//
// If a user operation changes the list while the active set is fetched, the
// pass is skipped; the next Reconcile sees the fresh set.
func (s *Synchronizer) Reconcile(ctx context.Context) (bool, error) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	active, err := s.listActive(ctx)
	if err != nil {
		return false, err
	}
	return s.apply(ctx, gen, active)
}

func (s *Synchronizer) apply(ctx context.Context, gen uint64, active []string) (bool, error) {
	set := make(map[string]bool, len(active))
	var order []string
	for _, id := range active {
		id = s.norm.Normalize(id)
		if id == "" || set[id] {
			continue
		}
		set[id] = true
		order = append(order, id)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.logger.Debug("watch list changed during reconcile; skipping pass")
		return false, nil
	}
	changed := false
	known := make(map[string]bool, len(s.entries))
	for i := range s.entries {
		e := &s.entries[i]
		known[e.Path] = true
		if want := set[e.Path]; e.IsEnabled != want {
			s.logger.Info("reconciled entry", zap.String("path", e.Path), zap.Bool("enabled", want))
			e.IsEnabled = want
			changed = true
		}
	}
	for _, id := range order {
		if !known[id] {
			s.logger.Info("discovered active watch", zap.String("path", id))
			s.entries = append(s.entries, Entry{Path: id, IsEnabled: true})
			changed = true
		}
	}
	if !changed {
		s.mu.Unlock()
		return false, nil
	}
	snapshot := s.copyLocked()
	err := s.persistLocked(ctx, snapshot)
	s.mu.Unlock()

	s.changed(snapshot)
	return true, err
}

// RestoreFromPersisted loads the persisted list and re-issues a start for
// every entry that is persisted as enabled but not currently active. Start
// failures are collected; the entries keep their persisted flag until the
// next Reconcile.
func (s *Synchronizer) RestoreFromPersisted(ctx context.Context) error {
	if err := s.Load(ctx); err != nil {
		return err
	}

	var result *multierror.Error
	activeSet := make(map[string]bool)
	active, err := s.listActive(ctx)
	if err != nil {
		// Without the active set every enabled entry is restarted.
		result = multierror.Append(result, err)
	}
	for _, id := range active {
		activeSet[s.norm.Normalize(id)] = true
	}

	restarted := 0
	for _, e := range s.Entries() {
		if !e.IsEnabled || activeSet[e.Path] {
			continue
		}
		if err := s.start(ctx, e.Path); err != nil {
			s.logger.Warn("failed to restore watch", zap.String("path", e.Path), zap.Error(err))
			result = multierror.Append(result, err)
			continue
		}
		restarted++
	}

	s.logger.Info("restored watch list", zap.Int("entries", len(s.Entries())), zap.Int("restarted", restarted))
	return result.ErrorOrNil()
}

func (s *Synchronizer) start(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.port.StartObserving(ctx, s.family, path); err != nil {
		return &NativeCallError{Op: "start", Family: s.family, Identity: path, Err: native.TimeoutError(err)}
	}
	return nil
}

func (s *Synchronizer) stop(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.port.StopObserving(ctx, s.family, path); err != nil {
		return &NativeCallError{Op: "stop", Family: s.family, Identity: path, Err: native.TimeoutError(err)}
	}
	return nil
}

func (s *Synchronizer) listActive(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	active, err := s.port.ListActiveWatches(ctx, s.family)
	if err != nil {
		return nil, &NativeCallError{Op: "list", Family: s.family, Err: native.TimeoutError(err)}
	}
	return active, nil
}

func (s *Synchronizer) indexLocked(path string) int {
	for i, e := range s.entries {
		if e.Path == path {
			return i
		}
	}
	return -1
}

func (s *Synchronizer) copyLocked() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// persistLocked writes entries. In-memory state stays authoritative when the
// write fails.
func (s *Synchronizer) persistLocked(ctx context.Context, entries []Entry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return &PersistenceError{Op: "save", Key: s.key, Err: err}
	}
	if err := s.storage.Put(ctx, s.key, raw); err != nil {
		s.logger.Error("failed to persist watch list", zap.Error(err))
		return &PersistenceError{Op: "save", Key: s.key, Err: err}
	}
	return nil
}

func (s *Synchronizer) changed(entries []Entry) {
	if s.notify != nil {
		s.notify(s.family, entries)
	}
}
