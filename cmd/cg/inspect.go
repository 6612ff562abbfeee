package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mschirtzinger/changeguard/internal/aggregate"
	"github.com/mschirtzinger/changeguard/internal/ui"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "inspect",
	Short:   "Show daemon and native service status",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		c := newClient(cfg)
		now := time.Now()
		for _, family := range selectedFamilies(cfg) {
			st, err := c.Status(commandContext(cmd), family)
			if err != nil {
				fatalf("failed to get %s status: %v", family, err)
			}

			service := "running"
			if !st.Running {
				service = "stopped"
			}
			if st.RunningError != "" {
				service = "unknown (" + st.RunningError + ")"
			}
			fmt.Println(ui.Header(string(family)))
			fmt.Printf("  native service:  %s\n", service)
			fmt.Printf("  subscribed:      %v\n", st.Monitor.Subscribed)
			fmt.Printf("  watches:         %d\n", st.Watches)
			fmt.Printf("  events:          %d received, %d accepted, %d discarded, %d unparsable\n",
				st.Monitor.Received, st.Monitor.Accepted, st.Monitor.Discarded, st.Monitor.ParseFailures)
			fmt.Printf("  resources:       %d in %d groups\n", st.Aggregate.Resources, st.Aggregate.Groups)
			fmt.Printf("  last reconcile:  %s (%d total)\n", ui.Since(st.Monitor.LastReconcile, now), st.Monitor.Reconciles)
			if st.SessionLog != "" {
				fmt.Printf("  session log:     %s\n", st.SessionLog)
			}
		}
	},
}

var snapshotCmd = &cobra.Command{
	Use:     "snapshot",
	GroupID: "inspect",
	Short:   "Print the aggregated changes per resource",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		cfg := loadConfig()
		c := newClient(cfg)

		var snaps []aggregate.Snapshot
		for _, family := range selectedFamilies(cfg) {
			snap, err := c.Snapshot(commandContext(cmd), family)
			if err != nil {
				fatalf("failed to get %s snapshot: %v", family, err)
			}
			snaps = append(snaps, snap)
		}

		switch format {
		case "text":
			now := time.Now()
			for _, snap := range snaps {
				ui.WriteSnapshot(os.Stdout, snap, now)
			}
		case "json", "yaml":
			if err := encode(format, snaps); err != nil {
				fatalf("%v", err)
			}
		default:
			fatalf("unknown format %q (want text, json or yaml)", format)
		}
	},
}

func init() {
	snapshotCmd.Flags().String("format", "text", "output format: text, json or yaml")
	rootCmd.AddCommand(statusCmd, snapshotCmd)
}

// encode writes v to stdout as JSON or YAML. YAML keys follow the JSON
// field names.
func encode(format string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	if format == "json" {
		fmt.Println(string(data))
		return nil
	}
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to convert output: %w", err)
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Print(string(out))
	return nil
}
