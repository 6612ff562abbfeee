package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/mschirtzinger/changeguard/internal/event"
	"github.com/mschirtzinger/changeguard/internal/logging"
	"github.com/mschirtzinger/changeguard/internal/native/local"
	"github.com/mschirtzinger/changeguard/internal/native/remote"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveNativeCmd = &cobra.Command{
	Use:     "serve-native",
	GroupID: "daemon",
	Short:   "Expose the local filesystem watcher as a remote native service",
	Long: `Serve the in-process fsnotify watcher over the native WebSocket protocol on
native.listen. A daemon on another host (or in another container) attaches
to it with native.mode = "remote" and native.url = "ws://<listen>/native".`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		listen, _ := cmd.Flags().GetString("listen")
		if listen == "" {
			listen = cfg.Native.Listen
		}

		logger, closeLog, err := logging.New(logging.Config{
			Mode:  cfg.Log.Mode,
			Level: cfg.Log.Level,
			File:  cfg.Log.File,
		})
		if err != nil {
			fatalf("%v", err)
		}
		defer closeLog()

		svc, err := local.New(&local.Config{Logger: logger})
		if err != nil {
			fatalf("%v", err)
		}
		defer svc.Close()

		r := mux.NewRouter()
		r.Handle("/native", remote.NewHandler(svc, &remote.HandlerConfig{
			Families:    []event.Family{event.Filesystem},
			CallTimeout: cfg.Native.CallTimeout,
			Logger:      logger,
		}))
		server := &http.Server{
			Addr:              listen,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.ListenAndServe()
		}()
		fmt.Printf("Native service listening on ws://%s/native\n", listen)

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				fatalf("native service failed: %v", err)
			}
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("native service shutdown failed", zap.Error(err))
		}
	},
}

func init() {
	serveNativeCmd.Flags().String("listen", "", "listen address (default: native.listen)")
	rootCmd.AddCommand(serveNativeCmd)
}
