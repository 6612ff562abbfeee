// Package config loads changeguard settings from config.toml, CG_*
// environment variables and .env files.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/mschirtzinger/changeguard/internal/event"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the data directory.
const FileName = "config.toml"

// EnvPrefix prefixes every environment override (CG_LOG_LEVEL, ...).
const EnvPrefix = "CG"

// Native service modes.
const (
	NativeLocal  = "local"
	NativeRemote = "remote"
)

// Config is the effective configuration.
type Config struct {
	DataDir           string           `mapstructure:"data_dir"`
	ReconcileInterval time.Duration    `mapstructure:"reconcile_interval"`
	Log               LogConfig        `mapstructure:"log"`
	Native            NativeConfig     `mapstructure:"native"`
	SessionLog        SessionLogConfig `mapstructure:"session_log"`
	Dashboard         DashboardConfig  `mapstructure:"dashboard"`
	Filesystem        FilesystemConfig `mapstructure:"filesystem"`
	Registry          RegistryConfig   `mapstructure:"registry"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Mode is "development" (console) or "production" (JSON).
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
	// File enables a rotating log file; relative paths live in DataDir.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// NativeConfig selects the native service adapter.
type NativeConfig struct {
	Mode string `mapstructure:"mode"`
	// URL of the remote service's WebSocket endpoint.
	URL string `mapstructure:"url"`
	// ProcessName is checked by status calls when set.
	ProcessName string        `mapstructure:"process_name"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	// Listen is the address `cg serve-native` binds.
	Listen string `mapstructure:"listen"`
}

// SessionLogConfig configures the per-session JSON logs.
type SessionLogConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Dir      string        `mapstructure:"dir"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// DashboardConfig configures the daemon HTTP server.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// FilesystemConfig configures the filesystem family.
type FilesystemConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	FoldCase bool `mapstructure:"fold_case"`
}

// RegistryConfig configures the registry family.
type RegistryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DefaultDataDir returns $CG_HOME, or ~/.changeguard.
func DefaultDataDir() string {
	if dir := os.Getenv("CG_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".changeguard"
	}
	return filepath.Join(home, ".changeguard")
}

func setDefaults(v *viper.Viper, dataDir string) {
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("reconcile_interval", "5s")

	v.SetDefault("log.mode", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("native.mode", NativeLocal)
	v.SetDefault("native.url", "ws://127.0.0.1:7778/native")
	v.SetDefault("native.process_name", "")
	v.SetDefault("native.call_timeout", "10s")
	v.SetDefault("native.listen", "127.0.0.1:7778")

	v.SetDefault("session_log.enabled", true)
	v.SetDefault("session_log.dir", "logs")
	v.SetDefault("session_log.debounce", "100ms")

	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.host", "127.0.0.1")
	v.SetDefault("dashboard.port", 7777)

	v.SetDefault("filesystem.enabled", true)
	v.SetDefault("filesystem.fold_case", false)
	v.SetDefault("registry.enabled", true)
}

// Options locate the configuration.
type Options struct {
	// ConfigFile overrides DataDir/config.toml.
	ConfigFile string
	// DataDir overrides $CG_HOME and the default.
	DataDir string
}

// Load reads the configuration. A missing config file is not an error; an
// explicitly named one is.
func Load(opts Options) (*Config, error) {
	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}

	// .env in the working directory, then in the data directory. Existing
	// environment variables win.
	_ = godotenv.Load()
	_ = godotenv.Load(filepath.Join(dataDir, ".env"))

	v := viper.New()
	setDefaults(v, dataDir)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	file := opts.ConfigFile
	if file == "" {
		file = filepath.Join(dataDir, FileName)
	}
	v.SetConfigFile(file)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
		if !missing || opts.ConfigFile != "" {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with nothing overridden.
func Default(dataDir string) *Config {
	v := viper.New()
	setDefaults(v, dataDir)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	cfg.resolvePaths()
	return &cfg
}

func (c *Config) resolvePaths() {
	if c.SessionLog.Dir != "" && !filepath.IsAbs(c.SessionLog.Dir) {
		c.SessionLog.Dir = filepath.Join(c.DataDir, c.SessionLog.Dir)
	}
	if c.Log.File != "" && !filepath.IsAbs(c.Log.File) {
		c.Log.File = filepath.Join(c.DataDir, c.Log.File)
	}
}

// Validate checks option values and combinations.
func (c *Config) Validate() error {
	switch c.Native.Mode {
	case NativeLocal:
	case NativeRemote:
		if c.Native.URL == "" {
			return fmt.Errorf("native.url is required when native.mode is %q", NativeRemote)
		}
	default:
		return fmt.Errorf("native.mode must be %q or %q, got %q", NativeLocal, NativeRemote, c.Native.Mode)
	}
	switch c.Log.Mode {
	case "development", "production":
	default:
		return fmt.Errorf("log.mode must be development or production, got %q", c.Log.Mode)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port)
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile_interval must be positive")
	}
	if len(c.Families()) == 0 {
		return fmt.Errorf("at least one of filesystem.enabled and registry.enabled must be true")
	}
	return nil
}

// Families returns the enabled event families.
func (c *Config) Families() []event.Family {
	var out []event.Family
	if c.Filesystem.Enabled {
		out = append(out, event.Filesystem)
	}
	if c.Registry.Enabled {
		out = append(out, event.Registry)
	}
	return out
}

// DashboardAddr returns host:port of the daemon API.
func (c *Config) DashboardAddr() string {
	return fmt.Sprintf("%s:%d", c.Dashboard.Host, c.Dashboard.Port)
}

// DBPath returns the SQLite database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "changeguard.db")
}

// Document returns the configuration as nested maps keyed like the config
// file, with durations rendered as strings.
func (c *Config) Document() map[string]interface{} {
	return map[string]interface{}{
		"data_dir":           c.DataDir,
		"reconcile_interval": c.ReconcileInterval.String(),
		"log": map[string]interface{}{
			"mode":         c.Log.Mode,
			"level":        c.Log.Level,
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
		},
		"native": map[string]interface{}{
			"mode":         c.Native.Mode,
			"url":          c.Native.URL,
			"process_name": c.Native.ProcessName,
			"call_timeout": c.Native.CallTimeout.String(),
			"listen":       c.Native.Listen,
		},
		"session_log": map[string]interface{}{
			"enabled":  c.SessionLog.Enabled,
			"dir":      c.SessionLog.Dir,
			"debounce": c.SessionLog.Debounce.String(),
		},
		"dashboard": map[string]interface{}{
			"enabled": c.Dashboard.Enabled,
			"host":    c.Dashboard.Host,
			"port":    c.Dashboard.Port,
		},
		"filesystem": map[string]interface{}{
			"enabled":   c.Filesystem.Enabled,
			"fold_case": c.Filesystem.FoldCase,
		},
		"registry": map[string]interface{}{
			"enabled": c.Registry.Enabled,
		},
	}
}

// Encode writes the configuration as "toml" or "yaml".
func (c *Config) Encode(w io.Writer, format string) error {
	doc := c.Document()
	switch strings.ToLower(format) {
	case "", "toml":
		return toml.NewEncoder(w).Encode(doc)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q (want toml or yaml)", format)
	}
}

// WriteDefault writes a default config file at path. It refuses to replace
// an existing file unless force is set.
func WriteDefault(path, dataDir string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	cfg := Default(dataDir)
	// Paths are written relative so the file survives a moved data dir.
	cfg.SessionLog.Dir = "logs"

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if err := cfg.Encode(f, "toml"); err != nil {
		f.Close()
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return f.Close()
}
