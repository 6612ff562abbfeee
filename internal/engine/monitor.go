package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mschirtzinger/changeguard/internal/aggregate"
	"github.com/mschirtzinger/changeguard/internal/event"
	"github.com/mschirtzinger/changeguard/internal/native"
	"github.com/mschirtzinger/changeguard/internal/sessionlog"
	"github.com/mschirtzinger/changeguard/internal/store"
	"github.com/mschirtzinger/changeguard/internal/watchlist"
	"go.uber.org/zap"
)

// flushTimeout bounds the final session log write on shutdown.
const flushTimeout = 5 * time.Second

// MonitorStats counts what a monitor has processed since it started.
type MonitorStats struct {
	Received        int       `json:"received"`
	ParseFailures   int       `json:"parseFailures"`
	Accepted        int       `json:"accepted"`
	Discarded       int       `json:"discarded"`
	HistoryFailures int       `json:"historyFailures"`
	Reconciles      int       `json:"reconciles"`
	LastReconcile   time.Time `json:"lastReconcile,omitempty"`
	Subscribed      bool      `json:"subscribed"`
}

// Monitor runs the pipeline of one family.
type Monitor struct {
	engine *Engine
	family event.Family
	logger *zap.Logger

	parser event.Parser
	agg    *aggregate.Store
	list   *watchlist.Synchronizer
	writer *sessionlog.Writer

	ready     chan struct{}
	readyOnce sync.Once

	rootsMu sync.Mutex

	mu    sync.Mutex
	stats MonitorStats
}

func newMonitor(e *Engine, family event.Family) *Monitor {
	m := &Monitor{
		engine: e,
		family: family,
		logger: e.logger.Named(string(family)),
		ready:  make(chan struct{}),
	}

	norm := event.NormalizerFor(family)
	if family == event.Filesystem && e.config.FoldCase {
		norm = event.PathNormalizer{FoldCase: true}
	}

	m.agg = aggregate.New(family, &aggregate.Config{Normalizer: norm, Logger: m.logger})

	var storage watchlist.Storage
	if e.db != nil {
		storage = e.db
	} else {
		storage = watchlist.NewMemoryStorage()
	}
	m.list = watchlist.New(family, e.service, storage, &watchlist.Config{
		CallTimeout: e.config.CallTimeout,
		OnChange:    m.onEntries,
		Normalizer:  norm,
		Logger:      m.logger,
	})

	if e.config.SessionLogDir != "" {
		m.writer = sessionlog.New(e.config.SessionLogDir, sessionlog.PrefixFor(family), &sessionlog.Config{
			Debounce: e.config.SessionLogDebounce,
			Logger:   m.logger,
		})
	}
	return m
}

// Family returns the monitored family.
func (m *Monitor) Family() event.Family {
	return m.family
}

// Ready is closed once the monitor has restored its watch list, replayed
// history, subscribed and run its first reconcile. It is also closed when
// the native service does not support the family.
func (m *Monitor) Ready() <-chan struct{} {
	return m.ready
}

func (m *Monitor) markReady() {
	m.readyOnce.Do(func() { close(m.ready) })
}

// run blocks until ctx is cancelled and the subscription is drained.
func (m *Monitor) run(ctx context.Context) error {
	defer m.markReady()
	m.logger.Info("starting monitor")

	if err := m.list.RestoreFromPersisted(ctx); err != nil {
		m.logger.Warn("watch list restore incomplete", zap.Error(err))
	}
	if err := m.rebuild(ctx); err != nil {
		m.logger.Error("failed to rebuild aggregates from history", zap.Error(err))
	}

	ch, err := m.engine.service.Subscribe(ctx, m.family)
	if errors.Is(err, native.ErrUnsupported) {
		m.logger.Warn("native service does not support this family; monitor idle")
		m.markReady()
		<-ctx.Done()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	m.mu.Lock()
	m.stats.Subscribed = true
	m.mu.Unlock()

	m.Reconcile(ctx)
	m.markReady()
	m.publish()

	loopCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.reconcileLoop(loopCtx)
	}()

	m.ingestLoop(ch)

	cancel()
	wg.Wait()

	m.mu.Lock()
	m.stats.Subscribed = false
	m.mu.Unlock()

	if m.writer != nil {
		fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
		if err := m.writer.Close(fctx); err != nil {
			m.logger.Warn("failed to flush session log", zap.Error(err))
		}
		fcancel()
	}

	if ctx.Err() == nil {
		// The channel closed without shutdown: the service went away.
		return fmt.Errorf("subscription closed: %w", native.ErrServiceUnavailable)
	}
	m.logger.Info("monitor stopped")
	return nil
}

// rebuild registers the watch list roots and replays the recorded history.
// Recorded events keep the group they were accepted under.
func (m *Monitor) rebuild(ctx context.Context) error {
	m.syncRoots()

	db := m.engine.db
	if db == nil {
		return nil
	}
	groups, err := db.HistoryRoots(ctx, m.family)
	if err != nil {
		return err
	}
	recs, err := db.LoadEvents(ctx, m.family)
	if err != nil {
		return err
	}

	replay := make([]aggregate.Recorded, len(recs))
	for i, r := range recs {
		replay[i] = aggregate.Recorded{
			Placement: aggregate.Placement{Group: r.Group, Identity: r.Identity},
			Event:     r.Event,
		}
	}
	accepted := m.agg.RebuildFromRecords(replay)
	m.logger.Info("replayed history",
		zap.Int("events", len(recs)),
		zap.Int("accepted", accepted),
		zap.Int("groups", len(groups)),
		zap.Int("roots", len(m.agg.Roots())))
	return nil
}

func entryPaths(entries []watchlist.Entry) []string {
	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = e.Path
	}
	return paths
}

// ingestLoop consumes ch until it is closed. A snapshot is published after
// each burst, once no further notification is immediately available.
func (m *Monitor) ingestLoop(ch <-chan string) {
	for raw := range ch {
		m.ingest(raw)
	burst:
		for {
			select {
			case raw, ok := <-ch:
				if !ok {
					m.publish()
					return
				}
				m.ingest(raw)
			default:
				break burst
			}
		}
		m.publish()
	}
}

func (m *Monitor) ingest(raw string) {
	m.mu.Lock()
	m.stats.Received++
	m.mu.Unlock()

	ev, err := m.parser.Parse(raw, m.family)
	if err != nil {
		m.mu.Lock()
		m.stats.ParseFailures++
		m.mu.Unlock()
		m.logger.Debug("dropped malformed notification", zap.Error(err))
		return
	}

	placement, ok := m.agg.IngestInto(ev)
	if !ok {
		m.mu.Lock()
		m.stats.Discarded++
		m.mu.Unlock()
		m.logger.Debug("discarded event outside watched roots", zap.String("identity", ev.Identity))
		return
	}

	m.mu.Lock()
	m.stats.Accepted++
	m.mu.Unlock()

	if db := m.engine.db; db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.engine.config.CallTimeout)
		_, err := db.AppendEvent(ctx, store.Record{
			Session:  m.engine.session,
			Group:    placement.Group,
			Identity: placement.Identity,
			Event:    ev,
		})
		cancel()
		if err != nil {
			m.mu.Lock()
			m.stats.HistoryFailures++
			m.mu.Unlock()
			m.logger.Warn("failed to record event", zap.String("identity", placement.Identity), zap.Error(err))
		}
	}
}

// publish hands the current snapshot to the session log and listeners.
func (m *Monitor) publish() {
	snap := m.agg.Snapshot()
	if m.writer != nil {
		m.writer.LogData(snap)
	}
	stats := snap.Stats
	m.engine.listeners.emit(Update{
		Type:    UpdateSnapshot,
		Family:  m.family,
		Version: snap.Version,
		Stats:   &stats,
	})
}

func (m *Monitor) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(m.engine.config.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reconcile(ctx)
		}
	}
}

// onEntries aligns the aggregation roots with the watch list and notifies
// listeners. A removed entry stops accepting events even when the native
// service failed to stop observing it; history already under it stays
// grouped.
func (m *Monitor) onEntries(family event.Family, entries []watchlist.Entry) {
	m.syncRoots()
	m.engine.listeners.emit(Update{Type: UpdateWatchList, Family: family, Entries: entries})
}

// syncRoots reads the current list rather than a notified copy, so
// notifications delivered out of order still leave the latest root set.
func (m *Monitor) syncRoots() {
	m.rootsMu.Lock()
	defer m.rootsMu.Unlock()

	added, removed := m.agg.SyncRoots(entryPaths(m.list.Entries()))
	if added+removed > 0 {
		m.logger.Debug("synced roots", zap.Int("added", added), zap.Int("removed", removed))
	}
}

// Snapshot returns the current aggregated view.
func (m *Monitor) Snapshot() aggregate.Snapshot {
	return m.agg.Snapshot()
}

// Entries returns the watch list.
func (m *Monitor) Entries() []watchlist.Entry {
	return m.list.Entries()
}

// AddByPath starts observing path. See watchlist.Synchronizer.AddByPath.
func (m *Monitor) AddByPath(ctx context.Context, path string) error {
	return m.list.AddByPath(ctx, path)
}

// Toggle flips a watch entry. See watchlist.Synchronizer.Toggle.
func (m *Monitor) Toggle(ctx context.Context, path string) error {
	return m.list.Toggle(ctx, path)
}

// Remove deletes a watch entry. See watchlist.Synchronizer.Remove.
func (m *Monitor) Remove(ctx context.Context, path string) error {
	return m.list.Remove(ctx, path)
}

// Reconcile aligns the watch list with the native service now.
func (m *Monitor) Reconcile(ctx context.Context) (bool, error) {
	changed, err := m.list.Reconcile(ctx)

	m.mu.Lock()
	m.stats.Reconciles++
	m.stats.LastReconcile = time.Now().UTC()
	m.mu.Unlock()

	u := Update{Type: UpdateReconcile, Family: m.family, Changed: changed}
	if err != nil {
		u.Error = err.Error()
		if ctx.Err() == nil {
			m.logger.Warn("reconcile failed", zap.Error(err))
		}
	}
	m.engine.listeners.emit(u)
	return changed, err
}

// ChangeCount returns the number of changes recorded for identity.
func (m *Monitor) ChangeCount(identity string) int {
	return m.agg.ChangeCount(identity)
}

// LastModified returns the latest change time of identity.
func (m *Monitor) LastModified(identity string) (time.Time, bool) {
	return m.agg.LastModified(identity)
}

// Resources returns the aggregates of identity across groups.
func (m *Monitor) Resources(identity string) []aggregate.ResourceAggregate {
	return m.agg.Resources(identity)
}

// History queries the recorded events of this family.
func (m *Monitor) History(ctx context.Context, filter store.Filter) ([]store.Record, error) {
	if m.engine.db == nil {
		return nil, nil
	}
	filter.Family = m.family
	return m.engine.db.QueryEvents(ctx, filter)
}

// ClearHistory deletes the recorded history and the in-memory aggregates.
// Watch roots are kept.
func (m *Monitor) ClearHistory(ctx context.Context) (int64, error) {
	var removed int64
	if db := m.engine.db; db != nil {
		n, err := db.ClearEvents(ctx, m.family)
		if err != nil {
			return 0, err
		}
		removed = n
	}
	m.agg.Clear()
	m.logger.Info("cleared history", zap.Int64("events", removed))
	m.publish()
	return removed, nil
}

// Running asks the native service whether the family's monitor is active.
func (m *Monitor) Running(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.engine.config.CallTimeout)
	defer cancel()
	running, err := m.engine.service.IsServiceRunning(ctx, m.family)
	return running, native.TimeoutError(err)
}

// Stats returns the monitor counters.
func (m *Monitor) Stats() MonitorStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// SessionLogPath returns the session log file, or "" when disabled.
func (m *Monitor) SessionLogPath() string {
	if m.writer == nil {
		return ""
	}
	return m.writer.Path()
}
