// Package loadtest drives synthetic change notifications through the engine.
//
// A run emits a burst of filesystem notifications from an in-memory native
// service while concurrent readers query the aggregates, the way the dashboard
// does under load. It reports ingest throughput and reader latency, and, with
// a database, verifies that every accepted event reached the history.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mschirtzinger/changeguard/internal/engine"
	"github.com/mschirtzinger/changeguard/internal/event"
	"github.com/mschirtzinger/changeguard/internal/native/nativetest"
	"github.com/mschirtzinger/changeguard/internal/store"
	"go.uber.org/zap"
)

// Config describes a load test.
type Config struct {
	// Events is the number of notifications emitted (default: 10000).
	Events int

	// Roots is the number of watched directories (default: 4).
	Roots int

	// Identities is the number of distinct files per root (default: 50).
	Identities int

	// Readers is the number of concurrent snapshot readers (default: 8).
	Readers int

	// DBPath enables history recording into a SQLite database.
	DBPath string

	// SessionLogDir enables session logs.
	SessionLogDir string

	// Timeout bounds the whole run (default: 2m).
	Timeout time.Duration

	// Logger for engine activity.
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Events:     10000,
		Roots:      4,
		Identities: 50,
		Readers:    8,
		Timeout:    2 * time.Minute,
	}
}

// LatencyStats captures reader latency.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration
	P95          time.Duration
	P99          time.Duration
	TotalQueries int
}

// Result is the outcome of a run.
type Result struct {
	Events    int
	Accepted  int
	Elapsed   time.Duration
	Snapshots int
	Resources int
	// HistoryRows is the number of recorded events, or -1 without a database.
	HistoryRows int
	Reads       *LatencyStats
}

// Throughput returns accepted events per second.
func (r *Result) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Accepted) / r.Elapsed.Seconds()
}

// Run executes a load test.
func Run(ctx context.Context, cfg *Config) (*Result, error) {
	cfg = withDefaults(cfg)
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	svc := nativetest.New()
	defer svc.Close()

	var db *store.DB
	if cfg.DBPath != "" {
		var err error
		if db, err = store.OpenContext(ctx, cfg.DBPath); err != nil {
			return nil, err
		}
		defer db.Close()
	}

	eng, err := engine.New(svc, db, &engine.Config{
		Families:          []event.Family{event.Filesystem},
		ReconcileInterval: time.Hour,
		CallTimeout:       10 * time.Second,
		SessionLogDir:     cfg.SessionLogDir,
		Logger:            cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	m, err := eng.Monitor(event.Filesystem)
	if err != nil {
		return nil, err
	}

	roots := make([]string, cfg.Roots)
	for i := range roots {
		roots[i] = fmt.Sprintf("/loadtest/root-%02d", i)
		if err := m.AddByPath(ctx, roots[i]); err != nil {
			return nil, fmt.Errorf("failed to watch %s: %w", roots[i], err)
		}
	}

	var snapshots atomic.Int64
	defer eng.Subscribe(func(u engine.Update) {
		if u.Type == engine.UpdateSnapshot {
			snapshots.Add(1)
		}
	})()

	engCtx, stopEngine := context.WithCancel(ctx)
	defer stopEngine()
	engErr := make(chan error, 1)
	go func() { engErr <- eng.Start(engCtx) }()

	select {
	case <-m.Ready():
	case <-ctx.Done():
		return nil, fmt.Errorf("engine not ready: %w", ctx.Err())
	}

	events := generateEvents(roots, cfg.Identities, cfg.Events)
	// The initial snapshot is not part of the measured burst.
	base := m.Stats().Accepted
	snapshots.Store(0)

	readCtx, stopReaders := context.WithCancel(ctx)
	reads := runReaders(readCtx, m, events, cfg.Readers)

	start := time.Now()
	for _, ev := range events {
		svc.EmitEvent(ev)
	}
	werr := waitAccepted(ctx, m, base+len(events))
	elapsed := time.Since(start)

	stopReaders()
	durations := reads()

	stopEngine()
	if err := <-engErr; err != nil && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("engine failed: %w", err)
	}
	if werr != nil {
		return nil, werr
	}

	res := &Result{
		Events:      len(events),
		Accepted:    m.Stats().Accepted - base,
		Elapsed:     elapsed,
		Snapshots:   int(snapshots.Load()),
		Resources:   m.Snapshot().Stats.Resources,
		HistoryRows: -1,
		Reads:       computeLatencyStats(durations),
	}
	if db != nil {
		n, err := db.CountEvents(context.WithoutCancel(ctx), event.Filesystem)
		if err != nil {
			return nil, err
		}
		res.HistoryRows = n
	}
	return res, nil
}

func withDefaults(cfg *Config) *Config {
	def := DefaultConfig()
	if cfg == nil {
		return def
	}
	out := *cfg
	if out.Events <= 0 {
		out.Events = def.Events
	}
	if out.Roots <= 0 {
		out.Roots = def.Roots
	}
	if out.Identities <= 0 {
		out.Identities = def.Identities
	}
	if out.Readers < 0 {
		out.Readers = 0
	}
	if out.Timeout <= 0 {
		out.Timeout = def.Timeout
	}
	return &out
}

// generateEvents cycles through kinds and spreads identities over roots.
// Timestamps increase by one millisecond per event.
func generateEvents(roots []string, identities, count int) []*event.ChangeEvent {
	kinds := []event.Kind{event.KindModified, event.KindModified, event.KindCreated, event.KindWrite, event.KindDeleted}
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)

	events := make([]*event.ChangeEvent, count)
	for i := range events {
		root := roots[i%len(roots)]
		events[i] = &event.ChangeEvent{
			Family:    event.Filesystem,
			Kind:      kinds[i%len(kinds)],
			Identity:  fmt.Sprintf("%s/file-%04d.dat", root, (i/len(roots))%identities),
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
			FS: &event.FilesystemPayload{
				Watcher:     root,
				Size:        humanize.Bytes(uint64(1024 * (i%64 + 1))),
				ProcessName: "loadtest",
			},
		}
	}
	return events
}

// runReaders starts n readers that alternate snapshots and per-identity
// lookups until ctx is done. The returned function waits for them and
// returns every recorded duration.
func runReaders(ctx context.Context, m *engine.Monitor, events []*event.ChangeEvent, n int) func() []time.Duration {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var all []time.Duration

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(reader int) {
			defer wg.Done()
			var local []time.Duration
			for j := 0; ctx.Err() == nil; j++ {
				start := time.Now()
				if j%2 == 0 {
					_ = m.Snapshot()
				} else {
					ev := events[(reader+j)%len(events)]
					_ = m.ChangeCount(ev.Identity)
				}
				local = append(local, time.Since(start))
				time.Sleep(100 * time.Microsecond)
			}
			mu.Lock()
			all = append(all, local...)
			mu.Unlock()
		}(i)
	}

	return func() []time.Duration {
		wg.Wait()
		return all
	}
}

func waitAccepted(ctx context.Context, m *engine.Monitor, want int) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := m.Stats()
		if st.Accepted+st.Discarded+st.ParseFailures >= want {
			if st.Accepted < want {
				return fmt.Errorf("only %d of %d events accepted (%d discarded, %d unparsable)",
					st.Accepted, want, st.Discarded, st.ParseFailures)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out with %d of %d events accepted: %w", st.Accepted, want, ctx.Err())
		case <-ticker.C:
		}
	}
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(durations)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(durations),
	}
}

// Print writes a human-readable report.
func (r *Result) Print(w io.Writer) {
	fmt.Fprintf(w, "Ingest:\n")
	fmt.Fprintf(w, "  Events:        %s emitted, %s accepted\n", humanize.Comma(int64(r.Events)), humanize.Comma(int64(r.Accepted)))
	fmt.Fprintf(w, "  Elapsed:       %v\n", r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  Throughput:    %s events/s\n", humanize.CommafWithDigits(r.Throughput(), 0))
	fmt.Fprintf(w, "  Snapshots:     %d published\n", r.Snapshots)
	fmt.Fprintf(w, "  Resources:     %d\n", r.Resources)
	if r.HistoryRows >= 0 {
		fmt.Fprintf(w, "  History rows:  %d\n", r.HistoryRows)
	}
	s := r.Reads
	fmt.Fprintf(w, "Reader latency:\n")
	fmt.Fprintf(w, "  Queries:       %d\n", s.TotalQueries)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
