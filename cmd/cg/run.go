package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mschirtzinger/changeguard/internal/config"
	"github.com/mschirtzinger/changeguard/internal/dashboard"
	"github.com/mschirtzinger/changeguard/internal/engine"
	"github.com/mschirtzinger/changeguard/internal/logging"
	"github.com/mschirtzinger/changeguard/internal/native"
	"github.com/mschirtzinger/changeguard/internal/native/local"
	"github.com/mschirtzinger/changeguard/internal/native/procprobe"
	"github.com/mschirtzinger/changeguard/internal/native/remote"
	"github.com/mschirtzinger/changeguard/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "daemon",
	Short:   "Run the monitoring daemon",
	Long: `Run the daemon in the foreground.

The daemon restores the persisted watch list, replays recorded history into
the aggregates, subscribes to the native service and reconciles the watch
list with it every reconcile_interval. With dashboard.enabled it serves the
HTTP API and WebSocket change feed used by the other commands.

native.mode selects the native service:
  local   in-process fsnotify watcher (filesystem family only)
  remote  WebSocket connection to native.url, e.g. a 'cg serve-native'

Press Ctrl+C to stop; pending events are drained and session logs flushed
before exit.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if err := runDaemon(cfg); err != nil {
			fatalf("%v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cfg *config.Config) error {
	logger, closeLog, err := logging.New(logging.Config{
		Mode:       cfg.Log.Mode,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := store.OpenContext(ctx, cfg.DBPath())
	if err != nil {
		return err
	}
	defer db.Close()

	svc, err := openNative(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if c, ok := svc.(native.Closer); ok {
		defer c.Close()
	}

	sessionDir := ""
	if cfg.SessionLog.Enabled {
		sessionDir = cfg.SessionLog.Dir
	}
	eng, err := engine.New(svc, db, &engine.Config{
		Families:           selectedFamilies(cfg),
		ReconcileInterval:  cfg.ReconcileInterval,
		CallTimeout:        cfg.Native.CallTimeout,
		SessionLogDir:      sessionDir,
		SessionLogDebounce: cfg.SessionLog.Debounce,
		FoldCase:           cfg.Filesystem.FoldCase,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	if cfg.Dashboard.Enabled {
		server := dashboard.NewServer(eng, &dashboard.Config{
			Host:   cfg.Dashboard.Host,
			Port:   cfg.Dashboard.Port,
			Logger: logger,
		})
		detach := dashboard.NewHandler(server, logger).Attach(eng)
		defer detach()

		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		defer func() {
			if err := server.Stop(); err != nil {
				logger.Warn("dashboard shutdown failed", zap.Error(err))
			}
		}()
		fmt.Printf("API and dashboard: http://%s\n", server.GetAddr())
	}

	fmt.Printf("Session %s, data in %s\n", eng.Session(), cfg.DataDir)
	fmt.Println("Press Ctrl+C to stop...")

	err = eng.Start(ctx)
	if errors.Is(err, native.ErrServiceUnavailable) {
		return fmt.Errorf("native service went away: %w", err)
	}
	return err
}

// openNative builds the configured native service.
func openNative(ctx context.Context, cfg *config.Config, logger *zap.Logger) (native.Service, error) {
	switch cfg.Native.Mode {
	case config.NativeRemote:
		var probe *procprobe.Probe
		if cfg.Native.ProcessName != "" {
			probe = procprobe.New(cfg.Native.ProcessName)
		}
		c, err := remote.Dial(ctx, &remote.Config{
			URL:    cfg.Native.URL,
			Probe:  probe,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to native service: %w", err)
		}
		return c, nil
	default:
		svc, err := local.New(&local.Config{Logger: logger})
		if err != nil {
			return nil, err
		}
		return svc, nil
	}
}
