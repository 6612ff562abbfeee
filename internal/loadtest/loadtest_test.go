package loadtest

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestRun_Small(t *testing.T) {
	dir := t.TempDir()

	res, err := Run(context.Background(), &Config{
		Events:        200,
		Roots:         2,
		Identities:    10,
		Readers:       4,
		DBPath:        filepath.Join(dir, "load.db"),
		SessionLogDir: filepath.Join(dir, "logs"),
		Timeout:       30 * time.Second,
		Logger:        zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if res.Accepted != 200 {
		t.Errorf("Accepted = %d, want 200", res.Accepted)
	}
	if res.Resources != 20 {
		t.Errorf("Resources = %d, want 20", res.Resources)
	}
	if res.HistoryRows != 200 {
		t.Errorf("HistoryRows = %d, want 200", res.HistoryRows)
	}
	if res.Snapshots == 0 {
		t.Error("no snapshots published during the burst")
	}
	if res.Reads.TotalQueries == 0 {
		t.Error("readers recorded no queries")
	}

	var buf bytes.Buffer
	res.Print(&buf)
	if !strings.Contains(buf.String(), "200 accepted") {
		t.Errorf("report missing accepted count:\n%s", buf.String())
	}
	t.Logf("\n%s", buf.String())
}

func TestRun_WithoutDatabase(t *testing.T) {
	res, err := Run(context.Background(), &Config{Events: 50, Roots: 1, Identities: 5, Readers: 0})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.HistoryRows != -1 {
		t.Errorf("HistoryRows = %d, want -1 without a database", res.HistoryRows)
	}
	if res.Reads.TotalQueries != 0 {
		t.Errorf("TotalQueries = %d with no readers", res.Reads.TotalQueries)
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	s := computeLatencyStats(durations)
	if s.Min != time.Millisecond || s.Max != 100*time.Millisecond {
		t.Errorf("Min/Max = %v/%v", s.Min, s.Max)
	}
	if s.P50 != 51*time.Millisecond || s.P95 != 96*time.Millisecond || s.P99 != 100*time.Millisecond {
		t.Errorf("percentiles = %v %v %v", s.P50, s.P95, s.P99)
	}
	if s.Mean != 50500*time.Microsecond {
		t.Errorf("Mean = %v", s.Mean)
	}
	if got := computeLatencyStats(nil); got.TotalQueries != 0 {
		t.Errorf("empty stats = %+v", got)
	}
}

func TestGenerateEvents(t *testing.T) {
	events := generateEvents([]string{"/a", "/b"}, 3, 12)
	seen := make(map[string]bool)
	for i, ev := range events {
		if err := ev.Validate(); err != nil {
			t.Fatalf("event %d invalid: %v", i, err)
		}
		if i > 0 && !ev.Timestamp.After(events[i-1].Timestamp) {
			t.Errorf("event %d timestamp not increasing", i)
		}
		seen[ev.Identity] = true
	}
	if len(seen) != 6 {
		t.Errorf("distinct identities = %d, want 6", len(seen))
	}
}
