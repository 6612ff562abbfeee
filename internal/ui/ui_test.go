package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mschirtzinger/changeguard/internal/aggregate"
	"github.com/mschirtzinger/changeguard/internal/event"
	"github.com/mschirtzinger/changeguard/internal/store"
	"github.com/mschirtzinger/changeguard/internal/watchlist"
	"github.com/muesli/termenv"
)

func init() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestWriteEntries(t *testing.T) {
	var buf bytes.Buffer
	WriteEntries(&buf, event.Filesystem, []watchlist.Entry{
		{Path: "/srv", IsEnabled: true},
		{Path: "/tmp", IsEnabled: false},
	})
	want := "filesystem watches (2)\n  [on ] /srv\n  [off] /tmp\n"
	if got := buf.String(); got != want {
		t.Errorf("WriteEntries() =\n%q\nwant\n%q", got, want)
	}

	buf.Reset()
	WriteEntries(&buf, event.Registry, nil)
	if !strings.Contains(buf.String(), "none") {
		t.Errorf("empty list output = %q", buf.String())
	}
}

func TestWriteSnapshot(t *testing.T) {
	agg := aggregate.New(event.Filesystem, nil)
	agg.RegisterRoot("/srv")
	for i := 0; i < 3; i++ {
		agg.Ingest(&event.ChangeEvent{
			Family:    event.Filesystem,
			Kind:      event.KindModified,
			Identity:  "/srv/a.txt",
			Timestamp: now.Add(-2 * time.Hour),
			FS:        &event.FilesystemPayload{},
		})
	}

	var buf bytes.Buffer
	WriteSnapshot(&buf, agg.Snapshot(), now)
	out := buf.String()
	for _, want := range []string{"filesystem: 3 changes in 1 resources", "/srv", "3 /srv/a.txt", "2 hours ago"} {
		if !strings.Contains(out, want) {
			t.Errorf("snapshot output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteHistory(t *testing.T) {
	name := ""
	recs := []store.Record{
		{Event: &event.ChangeEvent{
			Family:    event.Registry,
			Kind:      event.KindUpdated,
			Identity:  `HKLM\Run`,
			Timestamp: now.Add(-time.Minute),
			Reg:       &event.RegistryPayload{ValueName: &name},
		}},
		{Event: &event.ChangeEvent{
			Family:    event.Filesystem,
			Kind:      event.KindDeleted,
			Identity:  "/srv/b",
			Timestamp: now.Add(-time.Hour),
			FS:        &event.FilesystemPayload{ProcessName: "rm"},
		}},
	}

	var buf bytes.Buffer
	WriteHistory(&buf, recs, now)
	out := buf.String()
	for _, want := range []string{`HKLM\Run  (value (default))`, "/srv/b  (by rm)", "2 events, newest 1 minute ago"} {
		if !strings.Contains(out, want) {
			t.Errorf("history output missing %q:\n%s", want, out)
		}
	}
}

func TestSince(t *testing.T) {
	if got := Since(time.Time{}, now); got != "never" {
		t.Errorf("Since(zero) = %q", got)
	}
	if got := Since(now.Add(-3*24*time.Hour), now); got != "3 days ago" {
		t.Errorf("Since(3d) = %q", got)
	}
}
