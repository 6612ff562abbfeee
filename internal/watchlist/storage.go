package watchlist

import (
	"context"
	"sync"

	"github.com/mschirtzinger/changeguard/internal/event"
)

// Storage is the key-value store the watch list is persisted in.
// *store.DB satisfies it.
type Storage interface {
	// Get returns the value under key; ok is false if it was never written.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Put replaces the value under key.
	Put(ctx context.Context, key string, value []byte) error
}

// Storage keys.
const (
	KeyFilesystem = "monitoredDirectories"
	KeyRegistry   = "monitoredKeys"
)

// StorageKey returns the fixed key a family's list is persisted under.
func StorageKey(family event.Family) string {
	if family == event.Registry {
		return KeyRegistry
	}
	return KeyFilesystem
}

// MemoryStorage is an in-memory Storage for tests and ephemeral runs.
type MemoryStorage struct {
	mu      sync.Mutex
	data    map[string][]byte
	writes  int
	failGet error
	failPut error
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string][]byte)}
}

// Get implements Storage.
func (m *MemoryStorage) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failGet != nil {
		return nil, false, m.failGet
	}
	v, ok := m.data[key]
	return append([]byte(nil), v...), ok, nil
}

// Put implements Storage.
func (m *MemoryStorage) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failPut != nil {
		return m.failPut
	}
	m.data[key] = append([]byte(nil), value...)
	m.writes++
	return nil
}

// FailGets makes Get return err until cleared with nil.
func (m *MemoryStorage) FailGets(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failGet = err
}

// FailPuts makes Put return err until cleared with nil.
func (m *MemoryStorage) FailPuts(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPut = err
}

// Writes returns the number of successful Put calls.
func (m *MemoryStorage) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Raw returns the stored bytes under key.
func (m *MemoryStorage) Raw(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return string(v), ok
}
