// Package local implements the filesystem half of the native service
// in-process on top of fsnotify.
//
// Watched roots are observed recursively: every directory beneath a root is
// added to the underlying watcher, and directories created later are added
// as they appear. Each fsnotify operation is rendered as a raw notification
// block, the same text an out-of-process service would send, so the rest of
// the pipeline cannot tell the two apart.
//
// The registry family is not available locally; its calls return
// native.ErrUnsupported.
package local

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mschirtzinger/changeguard/internal/event"
	"github.com/mschirtzinger/changeguard/internal/native"
	"go.uber.org/zap"
)

// Config holds configuration for the local service.
type Config struct {
	// Logger for watcher activity.
	Logger *zap.Logger

	// Now stamps emitted notifications. Defaults to time.Now.
	Now func() time.Time
}

// Service is an fsnotify-backed native.Service for the filesystem family.
type Service struct {
	*native.Broker

	watcher *fsnotify.Watcher
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	roots  map[string]bool
	dirs   map[string]map[string]bool // watched directory -> owning roots
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

var _ native.Service = (*Service)(nil)

// New creates the service and starts its event loop.
func New(cfg *Config) (*Service, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	s := &Service{
		Broker:  native.NewBroker(),
		watcher: watcher,
		logger:  logger.Named("local"),
		now:     now,
		roots:   make(map[string]bool),
		dirs:    make(map[string]map[string]bool),
		done:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.processEvents()
	return s, nil
}

// Subscribe implements native.EventSource.
func (s *Service) Subscribe(ctx context.Context, family event.Family) (<-chan string, error) {
	if family != event.Filesystem {
		return nil, fmt.Errorf("subscribe %s: %w", family, native.ErrUnsupported)
	}
	return s.Broker.Subscribe(ctx, family)
}

// StartObserving watches root and every directory beneath it.
func (s *Service) StartObserving(ctx context.Context, family event.Family, root string) error {
	if family != event.Filesystem {
		return fmt.Errorf("start observing %s: %w", family, native.ErrUnsupported)
	}
	root = filepath.Clean(root)

	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return native.ErrServiceUnavailable
	}
	if s.roots[root] {
		return nil
	}
	if err := s.addRecursiveLocked(ctx, root, root); err != nil {
		return err
	}
	s.roots[root] = true
	s.logger.Info("observing directory", zap.String("root", root))
	return nil
}

// addRecursiveLocked adds dir and its sub-directories on behalf of root.
// Directories already watched for another root gain root as an owner.
// Unreadable sub-directories are logged and skipped; failing to watch dir
// itself is an error.
func (s *Service) addRecursiveLocked(ctx context.Context, root, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return native.TimeoutError(ctxErr)
		}
		if err != nil {
			if path == dir {
				return fmt.Errorf("failed to walk %s: %w", path, err)
			}
			s.logger.Warn("skipping unreadable directory", zap.String("path", path), zap.Error(err))
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if owners, ok := s.dirs[path]; ok {
			owners[root] = true
			return nil
		}
		if err := s.watcher.Add(path); err != nil {
			if path == dir {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
			s.logger.Warn("failed to watch directory", zap.String("path", path), zap.Error(err))
			return nil
		}
		s.dirs[path] = map[string]bool{root: true}
		return nil
	})
}

// StopObserving releases every directory watched on behalf of root. A
// directory is removed from the watcher once no observed root owns it.
func (s *Service) StopObserving(ctx context.Context, family event.Family, root string) error {
	if family != event.Filesystem {
		return fmt.Errorf("stop observing %s: %w", family, native.ErrUnsupported)
	}
	root = filepath.Clean(root)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return native.ErrServiceUnavailable
	}
	if !s.roots[root] {
		return nil
	}
	for dir, owners := range s.dirs {
		if !owners[root] {
			continue
		}
		delete(owners, root)
		if len(owners) > 0 {
			continue
		}
		// The directory may already be gone; fsnotify drops such watches itself.
		_ = s.watcher.Remove(dir)
		delete(s.dirs, dir)
	}
	delete(s.roots, root)
	s.logger.Info("stopped observing directory", zap.String("root", root))
	return nil
}

// ListActiveWatches returns the observed roots, sorted.
func (s *Service) ListActiveWatches(ctx context.Context, family event.Family) ([]string, error) {
	if family != event.Filesystem {
		return nil, fmt.Errorf("list watches %s: %w", family, native.ErrUnsupported)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, native.ErrServiceUnavailable
	}
	out := make([]string, 0, len(s.roots))
	for root := range s.roots {
		out = append(out, root)
	}
	sort.Strings(out)
	return out, nil
}

// IsServiceRunning reports whether the event loop is alive.
func (s *Service) IsServiceRunning(ctx context.Context, family event.Family) (bool, error) {
	if family != event.Filesystem {
		return false, fmt.Errorf("status %s: %w", family, native.ErrUnsupported)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed, nil
}

// Close stops the watcher. Subscribers receive every notification queued
// before Close and then see their channel closed.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	err := s.watcher.Close()
	s.wg.Wait()
	s.Broker.Close()

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// processEvents converts fsnotify events into raw notifications.
func (s *Service) processEvents() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return

		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if raw, ok := s.convert(ev); ok {
				s.Publish(event.Filesystem, raw)
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// convert renders ev as a raw block. Chmod-only events are ignored.
func (s *Service) convert(ev fsnotify.Event) (string, bool) {
	var kind event.Kind
	switch {
	case ev.Has(fsnotify.Create):
		kind = event.KindCreated
	case ev.Has(fsnotify.Write):
		kind = event.KindModified
	case ev.Has(fsnotify.Remove):
		kind = event.KindDeleted
	case ev.Has(fsnotify.Rename):
		kind = event.KindRenamed
	default:
		return "", false
	}

	path := filepath.Clean(ev.Name)
	root, ok := s.rootFor(path)
	if !ok {
		return "", false
	}

	payload := &event.FilesystemPayload{
		Watcher:   root,
		Extension: strings.TrimPrefix(filepath.Ext(path), "."),
	}
	if info, err := os.Lstat(path); err == nil {
		if info.IsDir() {
			if kind == event.KindCreated {
				s.watchNewDirectory(path)
			}
		} else {
			payload.Size = fmt.Sprintf("%d bytes", info.Size())
		}
		payload.Modified = info.ModTime().UTC().Format(time.RFC3339)
		payload.Readonly = info.Mode().Perm()&0o222 == 0
		payload.IsHidden = strings.HasPrefix(filepath.Base(path), ".")
	}

	return event.Format(&event.ChangeEvent{
		Family:    event.Filesystem,
		Kind:      kind,
		Identity:  path,
		Timestamp: s.now().UTC(),
		FS:        payload,
	}), true
}

// rootFor finds the most specific root owning the directory containing path.
func (s *Service) rootFor(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owners, ok := s.dirs[filepath.Dir(path)]
	if !ok {
		// Events for a watched directory itself (e.g. its removal).
		owners, ok = s.dirs[path]
	}
	if !ok {
		return "", false
	}
	var best string
	for root := range owners {
		if len(root) > len(best) || (len(root) == len(best) && root < best) {
			best = root
		}
	}
	return best, best != ""
}

// watchNewDirectory adds dir for every observed root that contains it.
func (s *Service) watchNewDirectory(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	for root := range s.roots {
		if !within(dir, root) {
			continue
		}
		if err := s.addRecursiveLocked(context.Background(), root, dir); err != nil {
			s.logger.Warn("failed to watch new directory", zap.String("path", dir), zap.Error(err))
		}
	}
}

// within reports whether path is root or lies beneath it.
func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
