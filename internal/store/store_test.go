package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mschirtzinger/changeguard/internal/event"
)

// openTestDB opens a fresh database in a temp dir.
func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), FileName))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var t0 = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func fsEvent(path string, offset time.Duration) *event.ChangeEvent {
	return &event.ChangeEvent{
		Family:    event.Filesystem,
		Kind:      event.KindModified,
		Identity:  path,
		Timestamp: t0.Add(offset),
		FS:        &event.FilesystemPayload{Watcher: filepath.Dir(path), Size: "12 bytes"},
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.InitSchema(ctx); err != nil {
		t.Fatalf("second InitSchema() failed: %v", err)
	}
	for _, table := range []string{"kv", "events"} {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s does not exist", table)
		}
	}
}

func TestKV_GetPut(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, ok, err := db.Get(ctx, "monitoredKeys"); err != nil || ok {
		t.Fatalf("Get(missing) = ok %v, err %v", ok, err)
	}

	if err := db.Put(ctx, "monitoredKeys", []byte(`[{"path":"HKLM\\Run","isEnabled":true}]`)); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := db.Put(ctx, "monitoredKeys", []byte(`[]`)); err != nil {
		t.Fatalf("second Put() failed: %v", err)
	}
	got, ok, err := db.Get(ctx, "monitoredKeys")
	if err != nil || !ok || string(got) != "[]" {
		t.Errorf("Get() = %q, %v, %v; want [] after overwrite", got, ok, err)
	}

	if err := db.Delete(ctx, "monitoredKeys"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, ok, _ := db.Get(ctx, "monitoredKeys"); ok {
		t.Error("key still present after Delete")
	}
}

func TestEvents_AppendAndLoad(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	var want []*event.ChangeEvent
	for i := 0; i < 5; i++ {
		// Later appends carry earlier timestamps: load order is insertion order.
		ev := fsEvent(fmt.Sprintf("/w/f%d.txt", i), time.Duration(-i)*time.Minute)
		if _, err := db.AppendEvent(ctx, Record{Session: "s1", Group: "/w", Event: ev}); err != nil {
			t.Fatalf("AppendEvent() failed: %v", err)
		}
		want = append(want, ev)
	}
	name := "Shell"
	reg := &event.ChangeEvent{
		Family: event.Registry, Kind: event.KindUpdated, Identity: `HKLM\Winlogon`, Timestamp: t0,
		Reg: &event.RegistryPayload{ValueName: &name},
	}
	if _, err := db.AppendEvent(ctx, Record{Session: "s1", Group: "Registry", Event: reg}); err != nil {
		t.Fatalf("AppendEvent(registry) failed: %v", err)
	}

	recs, err := db.LoadEvents(ctx, event.Filesystem)
	if err != nil {
		t.Fatalf("LoadEvents() failed: %v", err)
	}
	var got []*event.ChangeEvent
	for _, r := range recs {
		if r.Group != "/w" || r.Session != "s1" {
			t.Errorf("record placement = %q/%q, want /w/s1", r.Group, r.Session)
		}
		got = append(got, r.Event)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LoadEvents mismatch (-want +got):\n%s", diff)
	}

	regs, _ := db.LoadEvents(ctx, event.Registry)
	if len(regs) != 1 {
		t.Fatalf("registry events = %d, want 1", len(regs))
	}
	if regs[0].Group != "Registry" {
		t.Errorf("registry group = %q", regs[0].Group)
	}
	if v, ok := regs[0].Event.ValueName(); !ok || v != "Shell" {
		t.Errorf("ValueName = %q, %v", v, ok)
	}
}

func TestEvents_Query(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		path := "/w/a"
		if i%2 == 1 {
			path = "/w/b"
		}
		_, err := db.AppendEvent(ctx, Record{Session: "s", Group: "/w", Identity: path, Event: fsEvent(path, time.Duration(i)*time.Minute)})
		if err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string // identities in result order, with minute offsets
	}{
		{"identity newest first", Filter{Family: event.Filesystem, Identity: "/w/b", Limit: 2}, []string{"/w/b@9", "/w/b@7"}},
		{"since", Filter{Family: event.Filesystem, Since: t0.Add(8 * time.Minute)}, []string{"/w/b@9", "/w/a@8"}},
		{"until ascending", Filter{Family: event.Filesystem, Until: t0.Add(2 * time.Minute), Ascending: true}, []string{"/w/a@0", "/w/b@1"}},
		{"other family", Filter{Family: event.Registry}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := db.QueryEvents(ctx, tt.filter)
			if err != nil {
				t.Fatalf("QueryEvents() failed: %v", err)
			}
			var got []string
			for _, r := range recs {
				got = append(got, fmt.Sprintf("%s@%d", r.Identity, int(r.Event.Timestamp.Sub(t0).Minutes())))
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("QueryEvents (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEvents_RootsCountClear(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, g := range []string{"/b", "/a", "/b"} {
		if _, err := db.AppendEvent(ctx, Record{Group: g, Event: fsEvent(g+"/x", 0)}); err != nil {
			t.Fatal(err)
		}
	}

	roots, err := db.HistoryRoots(ctx, event.Filesystem)
	if err != nil {
		t.Fatalf("HistoryRoots() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"/a", "/b"}, roots); diff != "" {
		t.Errorf("HistoryRoots (-want +got):\n%s", diff)
	}

	if n, _ := db.CountEvents(ctx, event.Filesystem); n != 3 {
		t.Errorf("CountEvents = %d, want 3", n)
	}
	removed, err := db.ClearEvents(ctx, event.Filesystem)
	if err != nil || removed != 3 {
		t.Errorf("ClearEvents() = %d, %v; want 3", removed, err)
	}
	if n, _ := db.CountEvents(ctx, event.Filesystem); n != 0 {
		t.Errorf("CountEvents after clear = %d", n)
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)
	ctx := context.Background()

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := db.Put(ctx, "k", []byte(`"v"`)); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()
	if v, ok, _ := db.Get(ctx, "k"); !ok || string(v) != `"v"` {
		t.Errorf("value lost across reopen: %q", v)
	}
}
