package sessionlog

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mschirtzinger/changeguard/internal/aggregate"
	"github.com/mschirtzinger/changeguard/internal/event"
	"go.uber.org/zap/zaptest"
)

var start = time.Date(2024, 5, 2, 13, 4, 5, 678_000_000, time.UTC)

func setupWriter(t *testing.T, debounce time.Duration) *Writer {
	t.Helper()
	return New(t.TempDir(), PrefixFilesystem, &Config{
		Debounce: debounce,
		Now:      func() time.Time { return start },
		Logger:   zaptest.NewLogger(t),
	})
}

// snapshotWith returns a snapshot holding n events for one file.
func snapshotWith(n int) aggregate.Snapshot {
	s := aggregate.New(event.Filesystem, nil)
	s.RegisterRoot("/w")
	for i := 0; i < n; i++ {
		s.Ingest(&event.ChangeEvent{
			Family:    event.Filesystem,
			Kind:      event.KindModified,
			Identity:  "/w/f.txt",
			Timestamp: start.Add(time.Duration(i) * time.Second),
			FS:        &event.FilesystemPayload{Watcher: "/w"},
		})
	}
	return s.Snapshot()
}

func readRows(t *testing.T, path string) []Group {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read session log: %v", err)
	}
	var rows []Group
	if err := json.Unmarshal(data, &rows); err != nil {
		t.Fatalf("session log is not valid JSON: %v", err)
	}
	return rows
}

func wait(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for write")
		return nil
	}
}

func TestFileName(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{PrefixFilesystem, "file_session_2024-05-02_13-04-05-678.log"},
		{PrefixRegistry, "registry_session_2024-05-02_13-04-05-678.log"},
	}
	for _, tt := range tests {
		if got := FileName(tt.prefix, start); got != tt.want {
			t.Errorf("FileName(%s) = %s, want %s", tt.prefix, got, tt.want)
		}
	}
	if got := PrefixFor(event.Registry); got != PrefixRegistry {
		t.Errorf("PrefixFor(registry) = %s", got)
	}
}

func TestWriter_DebounceCollapsesBurst(t *testing.T) {
	w := setupWriter(t, 50*time.Millisecond)

	var waits []<-chan error
	for i := 1; i <= 5; i++ {
		waits = append(waits, w.LogData(snapshotWith(i)))
	}
	for i, ch := range waits {
		if err := wait(t, ch); err != nil {
			t.Errorf("waiter %d got %v", i, err)
		}
	}

	rows := readRows(t, w.Path())
	if len(rows) != 1 || rows[0].Watcher != "/w" {
		t.Fatalf("rows = %+v", rows)
	}
	if got := rows[0].Resources[0].ChangeCount; got != 5 {
		t.Errorf("logged ChangeCount = %d, want 5 (last snapshot wins)", got)
	}

	// A single write leaves no temp files behind.
	files, _ := os.ReadDir(filepath.Dir(w.Path()))
	if len(files) != 1 {
		t.Errorf("log dir holds %d files, want 1", len(files))
	}
}

func TestWriter_ForceWrite(t *testing.T) {
	w := setupWriter(t, time.Hour)
	ctx := context.Background()

	if err := w.ForceWrite(ctx); err != nil {
		t.Fatalf("ForceWrite() with nothing pending = %v", err)
	}
	if _, err := os.Stat(w.Path()); !os.IsNotExist(err) {
		t.Error("empty ForceWrite created the file")
	}

	done := w.LogData(snapshotWith(2))
	if err := w.ForceWrite(ctx); err != nil {
		t.Fatalf("ForceWrite() failed: %v", err)
	}
	if err := wait(t, done); err != nil {
		t.Errorf("waiter got %v", err)
	}
	if rows := readRows(t, w.Path()); rows[0].Resources[0].ChangeCount != 2 {
		t.Errorf("rows = %+v", rows)
	}
}

func TestWriter_TimerFlushRacingForceWrite(t *testing.T) {
	for i := 0; i < 20; i++ {
		w := setupWriter(t, time.Millisecond)

		// Hold the file while the timer fires so its flush queues behind
		// a newer snapshot.
		w.writeMu.Lock()
		older := w.LogData(snapshotWith(1))
		time.Sleep(10 * time.Millisecond)
		newer := w.LogData(snapshotWith(2))

		forced := make(chan error, 1)
		go func() { forced <- w.ForceWrite(context.Background()) }()
		time.Sleep(5 * time.Millisecond)
		w.writeMu.Unlock()

		if err := wait(t, forced); err != nil {
			t.Fatalf("ForceWrite() failed: %v", err)
		}
		for _, ch := range []<-chan error{older, newer} {
			if err := wait(t, ch); err != nil {
				t.Errorf("waiter got %v", err)
			}
		}
		// Let any stale timer callback finish.
		w.writeMu.Lock()
		w.writeMu.Unlock()

		if got := readRows(t, w.Path())[0].Resources[0].ChangeCount; got != 2 {
			t.Fatalf("iteration %d: logged ChangeCount = %d, want 2", i, got)
		}
	}
}

func TestWriter_Close(t *testing.T) {
	w := setupWriter(t, time.Hour)
	ctx := context.Background()

	pending := w.LogData(snapshotWith(1))
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := wait(t, pending); err != nil {
		t.Errorf("pending waiter got %v", err)
	}
	if err := wait(t, w.LogData(snapshotWith(3))); !errors.Is(err, ErrClosed) {
		t.Errorf("LogData after Close = %v, want ErrClosed", err)
	}
	if rows := readRows(t, w.Path()); rows[0].Resources[0].ChangeCount != 1 {
		t.Error("data logged after Close reached the file")
	}
}

func TestWriter_WriteFailure(t *testing.T) {
	dir := t.TempDir()
	// A file where the log directory should be makes MkdirAll fail.
	blocker := filepath.Join(dir, "logs")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	w := New(blocker, PrefixRegistry, &Config{Debounce: time.Millisecond})

	if err := wait(t, w.LogData(snapshotWith(1))); err == nil {
		t.Error("write into a file path succeeded")
	}
}

func TestRows_Order(t *testing.T) {
	s := aggregate.New(event.Filesystem, nil)
	s.RegisterRoot("/b")
	s.RegisterRoot("/a")
	for i, p := range []string{"/b/1", "/a/old", "/a/new"} {
		s.Ingest(&event.ChangeEvent{
			Family: event.Filesystem, Kind: event.KindCreated, Identity: p,
			Timestamp: start.Add(time.Duration(i) * time.Minute), FS: &event.FilesystemPayload{},
		})
	}

	rows := Rows(s.Snapshot())
	if len(rows) != 2 || rows[0].Watcher != "/a" || rows[1].Watcher != "/b" {
		t.Fatalf("groups = %+v", rows)
	}
	if rows[0].Resources[0].Identity != "/a/new" {
		t.Errorf("first resource = %s, want most recent", rows[0].Resources[0].Identity)
	}
}
