// Package aggregate maintains the grouped, counted view of ingested change
// events for one event family.
//
// A Store owns three structures:
//
//   - the root set: watch roots an event must fall under to be accepted
//     (filesystem only; registry events always land in the implicit
//     "Registry" group)
//   - the hierarchy: WatcherGroup -> canonical identity -> ResourceAggregate
//   - the ChangeCache: canonical identity -> {changeCount, lastModified}
//
// Live events patch the cache in O(1). RebuildFromLog and RebuildFromRecords
// recompute it from the replayed log, and because lastModified is the maximum
// timestamp the result is the same for any ordering of the log.
package aggregate

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mschirtzinger/changeguard/internal/event"
	"go.uber.org/zap"
)

// RegistryGroup is the name of the single implicit registry WatcherGroup.
const RegistryGroup = "Registry"

// Config holds configuration for a Store.
type Config struct {
	// Normalizer maps raw identities and roots to canonical form.
	// Defaults to event.NormalizerFor(family).
	Normalizer event.Normalizer

	// Logger for discarded events and rebuilds.
	Logger *zap.Logger
}

// CacheEntry is the derived per-identity summary.
type CacheEntry struct {
	ChangeCount  int       `json:"changeCount"`
	LastModified time.Time `json:"lastModified"`
}

// Stats counts what the store has seen since the last Clear or rebuild.
type Stats struct {
	Accepted  int `json:"accepted"`
	Discarded int `json:"discarded"`
	Resources int `json:"resources"`
	Groups    int `json:"groups"`
}

// ResourceAggregate is the read-only projection of one resource within a
// group. Entries are in arrival order and ChangeCount == len(Entries).
type ResourceAggregate struct {
	Identity     string               `json:"identity"`
	Group        string               `json:"group"`
	ChangeCount  int                  `json:"changeCount"`
	LastModified time.Time            `json:"lastModified"`
	Entries      []*event.ChangeEvent `json:"entries"`
}

type resource struct {
	identity     string
	lastModified time.Time
	entries      []*event.ChangeEvent
}

func (r *resource) view(group string) ResourceAggregate {
	n := len(r.entries)
	return ResourceAggregate{
		Identity:     r.identity,
		Group:        group,
		ChangeCount:  n,
		LastModified: r.lastModified,
		// Capped so appends after the snapshot can never become visible.
		Entries: r.entries[:n:n],
	}
}

// Store aggregates the events of a single family. It is safe for concurrent
// use; Ingest calls are serialized.
type Store struct {
	family event.Family
	norm   event.Normalizer
	logger *zap.Logger

	mu      sync.RWMutex
	roots   []string // longest first
	groups  map[string]map[string]*resource
	cache   map[string]CacheEntry
	stats   Stats
	version uint64
}

// New creates an empty store for family.
func New(family event.Family, cfg *Config) *Store {
	if cfg == nil {
		cfg = &Config{}
	}
	norm := cfg.Normalizer
	if norm == nil {
		norm = event.NormalizerFor(family)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{
		family: family,
		norm:   norm,
		logger: logger.With(zap.String("family", string(family))),
		groups: make(map[string]map[string]*resource),
		cache:  make(map[string]CacheEntry),
	}
}

// Family returns the event family this store aggregates.
func (s *Store) Family() event.Family {
	return s.family
}

// RegisterRoot makes events under root eligible for aggregation. It reports
// whether the root was newly added. Registry stores accept every event and
// ignore roots.
func (s *Store) RegisterRoot(root string) bool {
	root = s.norm.Normalize(root)
	if root == "" || s.family == event.Registry {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.registerLocked(root) {
		return false
	}
	s.sortRootsLocked()
	s.version++
	return true
}

// UnregisterRoot stops accepting new events under root. Events already
// aggregated under it are kept.
func (s *Store) UnregisterRoot(root string) bool {
	root = s.norm.Normalize(root)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.unregisterLocked(root) {
		return false
	}
	s.version++
	return true
}

// SyncRoots makes roots the root set, registering new ones and unregistering
// the rest. Aggregates under unregistered roots are kept. It reports how many
// roots were added and removed.
func (s *Store) SyncRoots(roots []string) (added, removed int) {
	if s.family == event.Registry {
		return 0, 0
	}
	keep := make(map[string]bool, len(roots))
	for _, r := range roots {
		if r = s.norm.Normalize(r); r != "" {
			keep[r] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range append([]string(nil), s.roots...) {
		if !keep[r] && s.unregisterLocked(r) {
			removed++
		}
	}
	for r := range keep {
		if s.registerLocked(r) {
			added++
		}
	}
	if added+removed > 0 {
		s.sortRootsLocked()
		s.version++
	}
	return added, removed
}

func (s *Store) registerLocked(root string) bool {
	for _, r := range s.roots {
		if r == root {
			return false
		}
	}
	s.roots = append(s.roots, root)
	return true
}

func (s *Store) unregisterLocked(root string) bool {
	for i, r := range s.roots {
		if r == root {
			s.roots = append(s.roots[:i], s.roots[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Store) sortRootsLocked() {
	sort.SliceStable(s.roots, func(i, j int) bool {
		if len(s.roots[i]) != len(s.roots[j]) {
			return len(s.roots[i]) > len(s.roots[j])
		}
		return s.roots[i] < s.roots[j]
	})
}

// Roots returns the registered roots, sorted.
func (s *Store) Roots() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]string(nil), s.roots...)
	sort.Strings(out)
	return out
}

// Ingest groups ev, appends it to its resource and patches the cache.
// It returns false, and counts the event as discarded, when the event belongs
// to another family or no registered root contains it.
func (s *Store) Ingest(ev *event.ChangeEvent) bool {
	_, ok := s.IngestInto(ev)
	return ok
}

// Placement tells where an accepted event was counted.
type Placement struct {
	Group    string
	Identity string
}

// IngestInto is Ingest that also reports the group and canonical identity
// the event was counted under.
func (s *Store) IngestInto(ev *event.ChangeEvent) (Placement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, group, ok := s.place(ev)
	if !ok {
		s.stats.Discarded++
		return Placement{}, false
	}
	s.appendLocked(group, key, ev)

	c := s.cache[key]
	c.ChangeCount++
	if ev.Timestamp.After(c.LastModified) {
		c.LastModified = ev.Timestamp
	}
	s.cache[key] = c

	s.stats.Accepted++
	s.version++
	return Placement{Group: group, Identity: key}, true
}

// place resolves the canonical identity and WatcherGroup of ev.
func (s *Store) place(ev *event.ChangeEvent) (string, string, bool) {
	if ev == nil || ev.Family != s.family {
		return "", "", false
	}
	key := s.norm.Normalize(ev.Identity)
	if key == "" {
		return "", "", false
	}
	if s.family == event.Registry {
		return key, RegistryGroup, true
	}
	for _, root := range s.roots {
		if underRoot(key, root) {
			return key, root, true
		}
	}
	return "", "", false
}

func (s *Store) appendLocked(group, key string, ev *event.ChangeEvent) {
	resources, ok := s.groups[group]
	if !ok {
		resources = make(map[string]*resource)
		s.groups[group] = resources
	}
	r, ok := resources[key]
	if !ok {
		r = &resource{identity: key}
		resources[key] = r
	}
	r.entries = append(r.entries, ev)
	if ev.Timestamp.After(r.lastModified) {
		r.lastModified = ev.Timestamp
	}
}

// underRoot reports whether path equals root or lies beneath it. Both
// separators are honoured so a root of C:\w never matches C:\work.
func underRoot(path, root string) bool {
	if !strings.HasPrefix(path, root) {
		return false
	}
	if len(path) == len(root) {
		return true
	}
	if last := root[len(root)-1]; last == '\\' || last == '/' {
		return true
	}
	next := path[len(root)]
	return next == '\\' || next == '/'
}

// RebuildFromLog discards the hierarchy and cache and replays events through
// the same grouping rules as Ingest. The cache is then recomputed from the
// aggregates. It returns the number of accepted events.
func (s *Store) RebuildFromLog(events []*event.ChangeEvent) int {
	records := make([]Recorded, len(events))
	for i, ev := range events {
		records[i] = Recorded{Event: ev}
	}
	return s.RebuildFromRecords(records)
}

// Recorded is a logged event with the placement it was accepted under.
// A zero Placement means the placement is unknown.
type Recorded struct {
	Placement
	Event *event.ChangeEvent
}

// RebuildFromRecords is RebuildFromLog for events whose placement was
// recorded at ingestion. A recorded group is kept even when the root set has
// changed since; only records without a group are matched against the
// current roots.
func (s *Store) RebuildFromRecords(records []Recorded) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.groups = make(map[string]map[string]*resource)
	s.stats = Stats{}

	for _, rec := range records {
		key, group, ok := s.replayPlace(rec)
		if !ok {
			s.stats.Discarded++
			continue
		}
		s.appendLocked(group, key, rec.Event)
		s.stats.Accepted++
	}

	s.cache = computeCache(s.groups)
	s.version++

	s.logger.Debug("rebuilt aggregates from log",
		zap.Int("events", len(records)),
		zap.Int("accepted", s.stats.Accepted),
		zap.Int("resources", len(s.cache)))
	return s.stats.Accepted
}

func (s *Store) replayPlace(rec Recorded) (string, string, bool) {
	ev := rec.Event
	if rec.Group == "" || ev == nil || ev.Family != s.family {
		return s.place(ev)
	}
	key := rec.Identity
	if key == "" {
		key = s.norm.Normalize(ev.Identity)
	}
	if key == "" {
		return "", "", false
	}
	if s.family == event.Registry {
		return key, RegistryGroup, true
	}
	return key, rec.Group, true
}

func computeCache(groups map[string]map[string]*resource) map[string]CacheEntry {
	cache := make(map[string]CacheEntry)
	for _, resources := range groups {
		for key, r := range resources {
			c := cache[key]
			c.ChangeCount += len(r.entries)
			if r.lastModified.After(c.LastModified) {
				c.LastModified = r.lastModified
			}
			cache[key] = c
		}
	}
	return cache
}

// ChangeCount returns the number of changes recorded for identity.
func (s *Store) ChangeCount(identity string) int {
	key := s.norm.Normalize(identity)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache[key].ChangeCount
}

// LastModified returns the latest change timestamp for identity.
func (s *Store) LastModified(identity string) (time.Time, bool) {
	key := s.norm.Normalize(identity)

	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cache[key]
	return c.LastModified, ok
}

// Resources returns every aggregate recorded for identity, one per group it
// was seen in, ordered by group name.
func (s *Store) Resources(identity string) []ResourceAggregate {
	key := s.norm.Normalize(identity)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ResourceAggregate
	for group, resources := range s.groups {
		if r, ok := resources[key]; ok {
			out = append(out, r.view(group))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

// Stats returns the current counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statsLocked()
}

func (s *Store) statsLocked() Stats {
	st := s.stats
	st.Groups = len(s.groups)
	st.Resources = len(s.cache)
	return st
}

// Version increases on every mutation. Consumers compare versions to skip
// redundant snapshots.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Clear drops all aggregated history and counters. Registered roots are kept.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.groups = make(map[string]map[string]*resource)
	s.cache = make(map[string]CacheEntry)
	s.stats = Stats{}
	s.version++
}
