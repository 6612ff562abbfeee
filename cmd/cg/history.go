package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mschirtzinger/changeguard/internal/store"
	"github.com/mschirtzinger/changeguard/internal/ui"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:     "history",
	GroupID: "inspect",
	Short:   "Query recorded change events",
	Long: `Query the change events recorded by the daemon, newest first.

History is read straight from the database, so it works while the daemon is
stopped.

Examples:
  cg history --since "2 hours ago"
  cg history --family registry --identity 'HKLM\Software\Run' --limit 20
  cg history --since yesterday --format json`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		since, _ := cmd.Flags().GetString("since")
		identity, _ := cmd.Flags().GetString("identity")
		session, _ := cmd.Flags().GetString("session")
		limit, _ := cmd.Flags().GetInt("limit")
		format, _ := cmd.Flags().GetString("format")

		now := time.Now()
		filter := store.Filter{Identity: identity, Session: session, Limit: limit}
		if familyFlag != "" {
			filter.Family = targetFamily()
		}
		if since != "" {
			t, err := parseSince(since, now)
			if err != nil {
				fatalf("%v", err)
			}
			filter.Since = t
		}

		cfg := loadConfig()
		if _, err := os.Stat(cfg.DBPath()); os.IsNotExist(err) {
			fmt.Println("No history recorded yet")
			return
		}
		db, err := store.OpenContext(commandContext(cmd), cfg.DBPath())
		if err != nil {
			fatalf("%v", err)
		}
		defer db.Close()

		records, err := db.QueryEvents(commandContext(cmd), filter)
		if err != nil {
			fatalf("%v", err)
		}

		switch format {
		case "text":
			ui.WriteHistory(os.Stdout, records, now)
		case "json", "yaml":
			if err := encode(format, records); err != nil {
				fatalf("%v", err)
			}
		default:
			fatalf("unknown format %q (want text, json or yaml)", format)
		}
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete recorded history through the daemon",
	Long: `Delete the recorded events of the selected families and reset the daemon's
aggregates. The watch list is not touched.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		c := newClient(cfg)
		for _, family := range selectedFamilies(cfg) {
			n, err := c.ClearHistory(commandContext(cmd), family)
			if err != nil {
				fatalf("failed to clear %s history: %v", family, err)
			}
			fmt.Printf("%s: removed %d events\n", family, n)
		}
	},
}

func init() {
	historyCmd.Flags().String("since", "", `only events at or after this time ("2 hours ago", "yesterday", "90m", RFC 3339)`)
	historyCmd.Flags().String("identity", "", "only events of this canonical path or key")
	historyCmd.Flags().String("session", "", "only events recorded by this daemon session")
	historyCmd.Flags().IntP("limit", "n", 50, "maximum number of events (0 = all)")
	historyCmd.Flags().String("format", "text", "output format: text, json or yaml")

	historyCmd.AddCommand(historyClearCmd)
	rootCmd.AddCommand(historyCmd)
}

var sinceParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseSince accepts RFC 3339, a Go duration meaning "that long ago", or
// natural language.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	r, err := sinceParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: not a time", s)
	}
	return r.Time, nil
}
