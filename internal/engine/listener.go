package engine

import (
	"sync"

	"github.com/mschirtzinger/changeguard/internal/aggregate"
	"github.com/mschirtzinger/changeguard/internal/event"
	"github.com/mschirtzinger/changeguard/internal/watchlist"
)

// UpdateType says which part of a family's state changed.
type UpdateType string

const (
	// UpdateSnapshot follows a burst of ingested events or a history clear.
	UpdateSnapshot UpdateType = "snapshot"
	// UpdateWatchList follows any change to the watch list.
	UpdateWatchList UpdateType = "watchlist"
	// UpdateReconcile follows every reconcile attempt.
	UpdateReconcile UpdateType = "reconcile"
)

// Update is delivered to listeners.
type Update struct {
	Type   UpdateType   `json:"type"`
	Family event.Family `json:"family"`

	// Set for UpdateSnapshot.
	Version uint64           `json:"version,omitempty"`
	Stats   *aggregate.Stats `json:"stats,omitempty"`

	// Set for UpdateWatchList.
	Entries []watchlist.Entry `json:"entries,omitempty"`

	// Set for UpdateReconcile.
	Changed bool   `json:"changed,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Listener receives engine updates.
type Listener func(Update)

type listeners struct {
	mu   sync.RWMutex
	next int
	fns  map[int]Listener
}

func newListeners() *listeners {
	return &listeners{fns: make(map[int]Listener)}
}

func (l *listeners) add(fn Listener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.next
	l.next++
	l.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.fns, id)
		})
	}
}

func (l *listeners) emit(u Update) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, fn := range l.fns {
		fn(u)
	}
}
