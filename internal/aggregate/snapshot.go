package aggregate

import (
	"sort"
	"time"

	"github.com/mschirtzinger/changeguard/internal/event"
)

// Snapshot is a consistent point-in-time copy of a Store. Maps are copied;
// entry slices are shared with the store but capped, so the snapshot never
// observes later ingestion.
type Snapshot struct {
	Family  event.Family `json:"family"`
	Version uint64       `json:"version"`
	TakenAt time.Time    `json:"takenAt"`
	Roots   []string     `json:"roots"`

	// Groups maps WatcherGroup name -> canonical identity -> aggregate.
	Groups map[string]map[string]ResourceAggregate `json:"groups"`
	Cache  map[string]CacheEntry                   `json:"cache"`
	Stats  Stats                                   `json:"stats"`
}

// Snapshot copies the current state under the store lock.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Family:  s.family,
		Version: s.version,
		TakenAt: time.Now().UTC(),
		Roots:   append([]string(nil), s.roots...),
		Groups:  make(map[string]map[string]ResourceAggregate, len(s.groups)),
		Cache:   make(map[string]CacheEntry, len(s.cache)),
		Stats:   s.statsLocked(),
	}
	sort.Strings(snap.Roots)

	for name, resources := range s.groups {
		g := make(map[string]ResourceAggregate, len(resources))
		for key, r := range resources {
			g[key] = r.view(name)
		}
		snap.Groups[name] = g
	}
	for key, c := range s.cache {
		snap.Cache[key] = c
	}
	return snap
}

// GroupNames returns the snapshot's group names, sorted.
func (s Snapshot) GroupNames() []string {
	names := make([]string, 0, len(s.Groups))
	for name := range s.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resources returns the aggregates of a group sorted by most recent change
// first, ties broken by identity.
func (s Snapshot) Resources(group string) []ResourceAggregate {
	resources := s.Groups[group]
	out := make([]ResourceAggregate, 0, len(resources))
	for _, r := range resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastModified.Equal(out[j].LastModified) {
			return out[i].LastModified.After(out[j].LastModified)
		}
		return out[i].Identity < out[j].Identity
	})
	return out
}

// TotalChanges sums the change counts of every cached identity.
func (s Snapshot) TotalChanges() int {
	total := 0
	for _, c := range s.Cache {
		total += c.ChangeCount
	}
	return total
}
