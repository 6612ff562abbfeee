// Command cg monitors filesystem and registry changes.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mschirtzinger/changeguard/internal/client"
	"github.com/mschirtzinger/changeguard/internal/config"
	"github.com/mschirtzinger/changeguard/internal/event"
	"github.com/mschirtzinger/changeguard/internal/logging"
	"github.com/mschirtzinger/changeguard/internal/ui"
	"github.com/spf13/cobra"
)

var (
	cfgFile    string
	dataDir    string
	noColor    bool
	familyFlag string
	addrFlag   string
)

var rootCmd = &cobra.Command{
	Use:   "cg",
	Short: "changeguard: watch filesystem and registry changes",
	Long: `changeguard observes filesystem paths and registry keys through a native
change-notification service, aggregates every change per resource and keeps
a persistent watch list in sync with what the service actually observes.

Run the daemon with 'cg run'; the other commands talk to it over its HTTP API
or read the recorded history directly.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.SetColor(!noColor)
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "daemon", Title: "Daemon:"},
		&cobra.Group{ID: "watch", Title: "Watch list:"},
		&cobra.Group{ID: "inspect", Title: "Inspection:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: <data dir>/config.toml)")
	pf.StringVar(&dataDir, "data-dir", "", "data directory (default: $CG_HOME or ~/.changeguard)")
	pf.BoolVar(&noColor, "no-color", false, "disable colored output")
	pf.StringVarP(&familyFlag, "family", "f", "", "event family: filesystem or registry")
	pf.StringVar(&addrFlag, "addr", "", "daemon address (default: dashboard.host:dashboard.port)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// fatalf prints an error to stderr and exits.
func fatalf(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, ui.Error(fmt.Errorf(format, args...)))
	os.Exit(1)
}

func loadConfig() *config.Config {
	cfg, err := config.Load(config.Options{ConfigFile: cfgFile, DataDir: dataDir})
	if err != nil {
		fatalf("%v", err)
	}
	return cfg
}

// selectedFamilies returns --family, or every enabled family.
func selectedFamilies(cfg *config.Config) []event.Family {
	if familyFlag == "" {
		return cfg.Families()
	}
	f, err := event.ParseFamily(familyFlag)
	if err != nil {
		fatalf("%v", err)
	}
	return []event.Family{f}
}

// targetFamily returns --family, defaulting to filesystem.
func targetFamily() event.Family {
	if familyFlag == "" {
		return event.Filesystem
	}
	f, err := event.ParseFamily(familyFlag)
	if err != nil {
		fatalf("%v", err)
	}
	return f
}

func newClient(cfg *config.Config) *client.Client {
	addr := addrFlag
	if addr == "" {
		addr = cfg.DashboardAddr()
	}
	c, err := client.New(addr, &client.Config{
		RetryMax:     2,
		RetryWaitMin: 200 * time.Millisecond,
		RetryWaitMax: time.Second,
		Timeout:      cfg.Native.CallTimeout + 5*time.Second,
		Logger:       logging.Quiet(),
	})
	if err != nil {
		fatalf("%v", err)
	}
	return c
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
