package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mschirtzinger/changeguard/internal/event"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.DataDir != dir {
		t.Errorf("DataDir = %s, want %s", cfg.DataDir, dir)
	}
	if cfg.ReconcileInterval != 5*time.Second {
		t.Errorf("ReconcileInterval = %v, want 5s", cfg.ReconcileInterval)
	}
	if cfg.Native.Mode != NativeLocal || cfg.Native.CallTimeout != 10*time.Second {
		t.Errorf("Native = %+v", cfg.Native)
	}
	if cfg.SessionLog.Dir != filepath.Join(dir, "logs") {
		t.Errorf("SessionLog.Dir = %s", cfg.SessionLog.Dir)
	}
	if cfg.SessionLog.Debounce != 100*time.Millisecond {
		t.Errorf("SessionLog.Debounce = %v", cfg.SessionLog.Debounce)
	}
	if diff := cmp.Diff([]event.Family{event.Filesystem, event.Registry}, cfg.Families()); diff != "" {
		t.Errorf("Families() (-want +got):\n%s", diff)
	}
	if got := cfg.DashboardAddr(); got != "127.0.0.1:7777" {
		t.Errorf("DashboardAddr() = %s", got)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	content := `
reconcile_interval = "30s"

[native]
mode = "remote"
url = "ws://10.0.0.5:7778/native"

[registry]
enabled = false

[log]
file = "cg.log"
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CG_LOG_LEVEL", "debug")
	t.Setenv("CG_DASHBOARD_PORT", "9000")

	cfg, err := Load(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.ReconcileInterval != 30*time.Second {
		t.Errorf("ReconcileInterval = %v, want 30s", cfg.ReconcileInterval)
	}
	if cfg.Native.Mode != NativeRemote || cfg.Native.URL != "ws://10.0.0.5:7778/native" {
		t.Errorf("Native = %+v", cfg.Native)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug from env", cfg.Log.Level)
	}
	if cfg.Log.File != filepath.Join(dir, "cg.log") {
		t.Errorf("Log.File = %s", cfg.Log.File)
	}
	if cfg.Dashboard.Port != 9000 {
		t.Errorf("Dashboard.Port = %d, want 9000 from env", cfg.Dashboard.Port)
	}
	if diff := cmp.Diff([]event.Family{event.Filesystem}, cfg.Families()); diff != "" {
		t.Errorf("Families() (-want +got):\n%s", diff)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad native mode", "[native]\nmode = \"carrier-pigeon\"\n", "native.mode"},
		{"remote without url", "[native]\nmode = \"remote\"\nurl = \"\"\n", "native.url"},
		{"no families", "[filesystem]\nenabled = false\n[registry]\nenabled = false\n", "at least one"},
		{"bad log mode", "[log]\nmode = \"chatty\"\n", "log.mode"},
		{"negative interval", "reconcile_interval = \"-1s\"\n", "reconcile_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			_, err := Load(Options{DataDir: dir})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(Options{DataDir: dir, ConfigFile: filepath.Join(dir, "nope.toml")})
	if err == nil {
		t.Error("Load() with a missing explicit file succeeded")
	}
}

func TestWriteDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	if err := WriteDefault(path, dir, false); err != nil {
		t.Fatalf("WriteDefault() failed: %v", err)
	}
	if err := WriteDefault(path, dir, false); err == nil {
		t.Error("second WriteDefault() without force succeeded")
	}
	if err := WriteDefault(path, dir, true); err != nil {
		t.Errorf("WriteDefault(force) failed: %v", err)
	}

	cfg, err := Load(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("Load() of written defaults failed: %v", err)
	}
	if diff := cmp.Diff(Default(dir), cfg); diff != "" {
		t.Errorf("written defaults differ (-want +got):\n%s", diff)
	}
}

func TestConfig_Encode(t *testing.T) {
	cfg := Default("/var/lib/cg")

	var buf bytes.Buffer
	if err := cfg.Encode(&buf, "yaml"); err != nil {
		t.Fatalf("Encode(yaml) failed: %v", err)
	}
	if !strings.Contains(buf.String(), "reconcile_interval: 5s") {
		t.Errorf("yaml output missing interval:\n%s", buf.String())
	}

	buf.Reset()
	if err := cfg.Encode(&buf, "toml"); err != nil {
		t.Fatalf("Encode(toml) failed: %v", err)
	}
	if !strings.Contains(buf.String(), `call_timeout = "10s"`) {
		t.Errorf("toml output missing call_timeout:\n%s", buf.String())
	}

	if err := cfg.Encode(&buf, "xml"); err == nil {
		t.Error("Encode(xml) succeeded")
	}
}
