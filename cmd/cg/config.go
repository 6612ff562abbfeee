package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mschirtzinger/changeguard/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Create or show the configuration",
	Long: `Settings come from, in increasing priority:
  built-in defaults
  <data dir>/config.toml (or --config)
  .env in the working or data directory
  CG_* environment variables (CG_LOG_LEVEL, CG_NATIVE_MODE, CG_DASHBOARD_PORT, ...)`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")

		dir := dataDir
		if dir == "" {
			dir = config.DefaultDataDir()
		}
		path := cfgFile
		if path == "" {
			path = filepath.Join(dir, config.FileName)
		}
		if err := config.WriteDefault(path, dir, force); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("Wrote %s\n", path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		if err := loadConfig().Encode(os.Stdout, format); err != nil {
			fatalf("%v", err)
		}
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing config file")
	configShowCmd.Flags().String("format", "toml", "output format: toml or yaml")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
