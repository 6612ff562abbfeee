package watchlist

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mschirtzinger/changeguard/internal/event"
	"github.com/mschirtzinger/changeguard/internal/native"
	"github.com/mschirtzinger/changeguard/internal/native/nativetest"
)

// changeRecorder collects OnChange notifications.
type changeRecorder struct {
	mu    sync.Mutex
	lists [][]Entry
}

func (r *changeRecorder) record(_ event.Family, entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lists = append(r.lists, entries)
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lists)
}

// setupSync returns a synchronizer over a fake native service and memory
// storage.
func setupSync(t *testing.T, family event.Family) (*Synchronizer, *nativetest.Service, *MemoryStorage, *changeRecorder) {
	t.Helper()

	svc := nativetest.New()
	t.Cleanup(svc.Close)
	storage := NewMemoryStorage()
	rec := &changeRecorder{}
	s := New(family, svc, storage, &Config{CallTimeout: time.Second, OnChange: rec.record})
	return s, svc, storage, rec
}

func seed(t *testing.T, storage *MemoryStorage, key string, entries []Entry) {
	t.Helper()
	raw, err := json.Marshal(entries)
	if err != nil {
		t.Fatal(err)
	}
	if err := storage.Put(context.Background(), key, raw); err != nil {
		t.Fatal(err)
	}
}

func persisted(t *testing.T, storage *MemoryStorage, key string) []Entry {
	t.Helper()
	raw, ok := storage.Raw(key)
	if !ok {
		return nil
	}
	var entries []Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		t.Fatalf("persisted list is not valid JSON: %v", err)
	}
	return entries
}

func TestSynchronizer_AddByPath(t *testing.T) {
	s, svc, storage, rec := setupSync(t, event.Filesystem)
	ctx := context.Background()

	if err := s.AddByPath(ctx, `C:\data`); err != nil {
		t.Fatalf("AddByPath() failed: %v", err)
	}

	want := []Entry{{Path: `C:\data`, IsEnabled: true}}
	if diff := cmp.Diff(want, s.Entries()); diff != "" {
		t.Errorf("Entries (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, persisted(t, storage, KeyFilesystem)); diff != "" {
		t.Errorf("persisted (-want +got):\n%s", diff)
	}
	if got := svc.Active(event.Filesystem); len(got) != 1 || got[0] != `C:\data` {
		t.Errorf("native active = %v", got)
	}
	if rec.count() != 1 {
		t.Errorf("OnChange called %d times, want 1", rec.count())
	}

	// Adding again keeps a single entry.
	if err := s.AddByPath(ctx, `C:\data`); err != nil {
		t.Fatal(err)
	}
	if n := len(s.Entries()); n != 1 {
		t.Errorf("entries after duplicate add = %d", n)
	}
}

func TestSynchronizer_AddByPathRejected(t *testing.T) {
	s, svc, storage, rec := setupSync(t, event.Filesystem)
	ctx := context.Background()

	rejected := errors.New("access denied")
	svc.Fail(nativetest.MethodStart, rejected)

	err := s.AddByPath(ctx, `C:\new`)
	if err == nil {
		t.Fatal("AddByPath() succeeded, want error")
	}
	var nce *NativeCallError
	if !errors.As(err, &nce) || nce.Op != "start" || nce.Identity != `C:\new` {
		t.Errorf("error = %v, want *NativeCallError for start", err)
	}
	if !errors.Is(err, ErrNativeCall) || !errors.Is(err, rejected) {
		t.Errorf("error %v does not match ErrNativeCall and the port error", err)
	}

	if got := s.Entries(); len(got) != 0 {
		t.Errorf("entries = %v, want none", got)
	}
	if storage.Writes() != 0 {
		t.Errorf("storage written %d times, want 0", storage.Writes())
	}
	if rec.count() != 0 {
		t.Errorf("OnChange called %d times", rec.count())
	}
}

func TestSynchronizer_ReconcileAdoptsActive(t *testing.T) {
	s, svc, storage, rec := setupSync(t, event.Registry)
	ctx := context.Background()

	svc.SetActive(event.Registry, `HKLM\Run`)

	if err := s.RestoreFromPersisted(ctx); err != nil {
		t.Fatalf("RestoreFromPersisted() failed: %v", err)
	}
	changed, err := s.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile() failed: %v", err)
	}
	if !changed {
		t.Error("first Reconcile reported no change")
	}

	want := []Entry{{Path: `HKLM\Run`, IsEnabled: true}}
	if diff := cmp.Diff(want, s.Entries()); diff != "" {
		t.Errorf("Entries (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, persisted(t, storage, KeyRegistry)); diff != "" {
		t.Errorf("persisted (-want +got):\n%s", diff)
	}

	writes, notified := storage.Writes(), rec.count()
	changed, err = s.Reconcile(ctx)
	if err != nil || changed {
		t.Errorf("second Reconcile() = %v, %v; want no change", changed, err)
	}
	if storage.Writes() != writes {
		t.Error("second Reconcile wrote to storage")
	}
	if rec.count() != notified {
		t.Error("second Reconcile notified listeners")
	}
}

func TestSynchronizer_ReconcileDisablesInactive(t *testing.T) {
	s, svc, storage, _ := setupSync(t, event.Filesystem)
	ctx := context.Background()

	seed(t, storage, KeyFilesystem, []Entry{
		{Path: "/a", IsEnabled: true},
		{Path: "/b", IsEnabled: false},
		{Path: "/c", IsEnabled: true},
	})
	if err := s.Load(ctx); err != nil {
		t.Fatal(err)
	}
	svc.SetActive(event.Filesystem, "/b", "/c", "/d")

	changed, err := s.Reconcile(ctx)
	if err != nil || !changed {
		t.Fatalf("Reconcile() = %v, %v", changed, err)
	}
	want := []Entry{
		{Path: "/a", IsEnabled: false},
		{Path: "/b", IsEnabled: true},
		{Path: "/c", IsEnabled: true},
		{Path: "/d", IsEnabled: true},
	}
	if diff := cmp.Diff(want, s.Entries()); diff != "" {
		t.Errorf("Entries (-want +got):\n%s", diff)
	}
}

func TestSynchronizer_ReconcileListFailure(t *testing.T) {
	s, svc, storage, _ := setupSync(t, event.Filesystem)
	ctx := context.Background()

	svc.Fail(nativetest.MethodList, native.ErrServiceUnavailable)
	changed, err := s.Reconcile(ctx)
	if changed || !errors.Is(err, native.ErrServiceUnavailable) {
		t.Errorf("Reconcile() = %v, %v; want ErrServiceUnavailable", changed, err)
	}
	if storage.Writes() != 0 {
		t.Error("failed reconcile wrote to storage")
	}
}

func TestSynchronizer_ToggleTwice(t *testing.T) {
	s, svc, storage, _ := setupSync(t, event.Filesystem)
	ctx := context.Background()

	if err := s.AddByPath(ctx, "/w"); err != nil {
		t.Fatal(err)
	}

	if err := s.Toggle(ctx, "/w"); err != nil {
		t.Fatalf("Toggle() failed: %v", err)
	}
	if e, _ := s.Lookup("/w"); e.IsEnabled {
		t.Error("entry still enabled after first toggle")
	}
	if got := svc.Active(event.Filesystem); len(got) != 0 {
		t.Errorf("native still active: %v", got)
	}

	if err := s.Toggle(ctx, "/w"); err != nil {
		t.Fatalf("second Toggle() failed: %v", err)
	}
	want := []Entry{{Path: "/w", IsEnabled: true}}
	if diff := cmp.Diff(want, s.Entries()); diff != "" {
		t.Errorf("Entries (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, persisted(t, storage, KeyFilesystem)); diff != "" {
		t.Errorf("persisted (-want +got):\n%s", diff)
	}
	if got := svc.Active(event.Filesystem); len(got) != 1 {
		t.Errorf("native active = %v", got)
	}
}

func TestSynchronizer_ToggleOptimistic(t *testing.T) {
	s, svc, storage, _ := setupSync(t, event.Filesystem)
	ctx := context.Background()

	if err := s.AddByPath(ctx, "/w"); err != nil {
		t.Fatal(err)
	}
	svc.Fail(nativetest.MethodStop, errors.New("busy"))

	err := s.Toggle(ctx, "/w")
	if !errors.Is(err, ErrNativeCall) {
		t.Fatalf("Toggle() = %v, want native call error", err)
	}
	// The flip is kept locally and persisted.
	if e, _ := s.Lookup("/w"); e.IsEnabled {
		t.Error("toggle was reverted")
	}
	if got := persisted(t, storage, KeyFilesystem); len(got) != 1 || got[0].IsEnabled {
		t.Errorf("persisted = %v", got)
	}

	// Reconcile restores the native truth.
	if _, err := s.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if e, _ := s.Lookup("/w"); !e.IsEnabled {
		t.Error("reconcile did not re-enable the still active watch")
	}
}

func TestSynchronizer_ToggleUnknown(t *testing.T) {
	s, svc, _, _ := setupSync(t, event.Filesystem)

	err := s.Toggle(context.Background(), "/missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Toggle() = %v, want ErrNotFound", err)
	}
	if n := len(svc.Calls()); n != 0 {
		t.Errorf("native called %d times", n)
	}
}

func TestSynchronizer_Remove(t *testing.T) {
	tests := []struct {
		name     string
		enabled  bool
		stopErr  error
		wantStop int
	}{
		{"enabled", true, nil, 1},
		{"disabled skips native", false, nil, 0},
		{"native failure still removes", true, errors.New("gone"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, svc, storage, _ := setupSync(t, event.Filesystem)
			ctx := context.Background()

			seed(t, storage, KeyFilesystem, []Entry{{Path: "/w", IsEnabled: tt.enabled}, {Path: "/x", IsEnabled: false}})
			if err := s.Load(ctx); err != nil {
				t.Fatal(err)
			}
			svc.Fail(nativetest.MethodStop, tt.stopErr)

			err := s.Remove(ctx, "/w")
			if tt.stopErr == nil && err != nil {
				t.Errorf("Remove() failed: %v", err)
			}
			if tt.stopErr != nil && !errors.Is(err, tt.stopErr) {
				t.Errorf("Remove() = %v, want %v", err, tt.stopErr)
			}
			if n := len(svc.CallsTo(nativetest.MethodStop)); n != tt.wantStop {
				t.Errorf("stop calls = %d, want %d", n, tt.wantStop)
			}

			want := []Entry{{Path: "/x", IsEnabled: false}}
			if diff := cmp.Diff(want, persisted(t, storage, KeyFilesystem)); diff != "" {
				t.Errorf("persisted (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSynchronizer_RestoreFromPersisted(t *testing.T) {
	s, svc, storage, _ := setupSync(t, event.Filesystem)
	ctx := context.Background()

	seed(t, storage, KeyFilesystem, []Entry{
		{Path: "/active", IsEnabled: true},
		{Path: "/inactive", IsEnabled: true},
		{Path: "/off", IsEnabled: false},
	})
	svc.SetActive(event.Filesystem, "/active")

	if err := s.RestoreFromPersisted(ctx); err != nil {
		t.Fatalf("RestoreFromPersisted() failed: %v", err)
	}

	var started []string
	for _, c := range svc.CallsTo(nativetest.MethodStart) {
		started = append(started, c.Identity)
	}
	if diff := cmp.Diff([]string{"/inactive"}, started); diff != "" {
		t.Errorf("started (-want +got):\n%s", diff)
	}
}

func TestSynchronizer_RestoreCollectsFailures(t *testing.T) {
	s, svc, storage, _ := setupSync(t, event.Filesystem)
	ctx := context.Background()

	seed(t, storage, KeyFilesystem, []Entry{{Path: "/a", IsEnabled: true}, {Path: "/b", IsEnabled: true}})
	svc.Fail(nativetest.MethodList, errors.New("list broke"))
	svc.Fail(nativetest.MethodStart, errors.New("start broke"))

	err := s.RestoreFromPersisted(ctx)
	if err == nil {
		t.Fatal("RestoreFromPersisted() succeeded, want error")
	}
	// Without a list every enabled entry is attempted.
	if n := len(svc.CallsTo(nativetest.MethodStart)); n != 2 {
		t.Errorf("start calls = %d, want 2", n)
	}
	if got := s.Entries(); len(got) != 2 || !got[0].IsEnabled {
		t.Errorf("entries changed by failed restore: %v", got)
	}
}

func TestSynchronizer_Persistence(t *testing.T) {
	t.Run("load failure", func(t *testing.T) {
		s, _, storage, _ := setupSync(t, event.Filesystem)
		storage.FailGets(errors.New("disk gone"))

		err := s.Load(context.Background())
		var pe *PersistenceError
		if !errors.As(err, &pe) || pe.Key != KeyFilesystem {
			t.Errorf("Load() = %v, want *PersistenceError", err)
		}
	})

	t.Run("corrupt list", func(t *testing.T) {
		s, _, storage, _ := setupSync(t, event.Filesystem)
		if err := storage.Put(context.Background(), KeyFilesystem, []byte("{not json")); err != nil {
			t.Fatal(err)
		}
		if err := s.Load(context.Background()); !errors.Is(err, ErrPersistence) {
			t.Errorf("Load() = %v, want ErrPersistence", err)
		}
	})

	t.Run("save failure keeps memory state", func(t *testing.T) {
		s, svc, storage, _ := setupSync(t, event.Filesystem)
		storage.FailPuts(errors.New("read-only"))

		err := s.AddByPath(context.Background(), "/w")
		if !errors.Is(err, ErrPersistence) {
			t.Errorf("AddByPath() = %v, want ErrPersistence", err)
		}
		if _, ok := s.Lookup("/w"); !ok {
			t.Error("entry lost after failed save")
		}
		if len(svc.Active(event.Filesystem)) != 1 {
			t.Error("native watch not started")
		}
	})
}

func TestSynchronizer_CallTimeout(t *testing.T) {
	svc := nativetest.New()
	defer svc.Close()
	svc.SetLatency(time.Second)
	s := New(event.Filesystem, svc, NewMemoryStorage(), &Config{CallTimeout: 20 * time.Millisecond})

	err := s.AddByPath(context.Background(), "/slow")
	if !errors.Is(err, native.ErrCallTimeout) {
		t.Errorf("AddByPath() = %v, want ErrCallTimeout", err)
	}
}

func TestSynchronizer_LoadNormalizes(t *testing.T) {
	s, _, storage, _ := setupSync(t, event.Registry)

	seed(t, storage, KeyRegistry, []Entry{
		{Path: `HKLM\Run was changed.`, IsEnabled: true},
		{Path: `HKLM\Run`, IsEnabled: false},
	})
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []Entry{{Path: `HKLM\Run`, IsEnabled: true}}
	if diff := cmp.Diff(want, s.Entries()); diff != "" {
		t.Errorf("Entries (-want +got):\n%s", diff)
	}
}
