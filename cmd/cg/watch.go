package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/mschirtzinger/changeguard/internal/ui"
	"github.com/mschirtzinger/changeguard/internal/watchlist"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "watch",
	Short:   "Manage the watch list of the running daemon",
	Long: `Manage which paths (filesystem) or keys (registry) the daemon observes.

Select the family with --family (default: filesystem):
  cg watch add /srv/www
  cg watch add --family registry 'HKLM\Software\Microsoft\Windows\CurrentVersion\Run'`,
}

var watchListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the watch list",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		c := newClient(cfg)
		for _, family := range selectedFamilies(cfg) {
			entries, err := c.Watches(commandContext(cmd), family)
			if err != nil {
				fatalf("failed to list %s watches: %v", family, err)
			}
			ui.WriteEntries(os.Stdout, family, entries)
		}
	},
}

var watchAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Start watching a path or key",
	Long: `Ask the native service to start observing the path, then record it as an
enabled entry. Nothing is recorded if the native service rejects the path.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		family := targetFamily()
		entries, err := newClient(loadConfig()).AddWatch(commandContext(cmd), family, args[0])
		if err != nil {
			fatalf("failed to add %s: %v", args[0], err)
		}
		fmt.Printf("Watching %s\n", args[0])
		ui.WriteEntries(os.Stdout, family, entries)
	},
}

var watchToggleCmd = &cobra.Command{
	Use:   "toggle <path>",
	Short: "Enable or disable an entry",
	Long: `Flip an entry between enabled and disabled. The change is recorded
immediately; if the native service then fails, the next reconcile corrects
the entry to what the service actually observes.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		family := targetFamily()
		entries, err := newClient(loadConfig()).ToggleWatch(commandContext(cmd), family, args[0])
		if errors.Is(err, watchlist.ErrNotFound) {
			fatalf("%s is not on the %s watch list", args[0], family)
		}
		if err != nil {
			fatalf("failed to toggle %s: %v", args[0], err)
		}
		ui.WriteEntries(os.Stdout, family, entries)
	},
}

var watchRemoveCmd = &cobra.Command{
	Use:     "remove <path>",
	Aliases: []string{"rm"},
	Short:   "Stop watching and delete an entry",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		family := targetFamily()
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes && ui.IsTerminal(os.Stdin) {
			confirmed := false
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Stop watching %s?", args[0])).
				Affirmative("Remove").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil {
				fatalf("%v", err)
			}
			if !confirmed {
				fmt.Println("Cancelled")
				return
			}
		}

		entries, err := newClient(loadConfig()).RemoveWatch(commandContext(cmd), family, args[0])
		if err != nil {
			// The entry is removed even when the native stop fails.
			if errors.Is(err, watchlist.ErrNativeCall) {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			} else {
				fatalf("failed to remove %s: %v", args[0], err)
			}
		}
		fmt.Printf("Removed %s\n", args[0])
		if entries != nil {
			ui.WriteEntries(os.Stdout, family, entries)
		}
	},
}

var reconcileCmd = &cobra.Command{
	Use:     "reconcile",
	GroupID: "watch",
	Short:   "Reconcile the watch list with the native service now",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		c := newClient(cfg)
		for _, family := range selectedFamilies(cfg) {
			changed, err := c.Reconcile(commandContext(cmd), family)
			if err != nil {
				fatalf("failed to reconcile %s: %v", family, err)
			}
			state := "already in sync"
			if changed {
				state = "updated"
			}
			fmt.Printf("%s: %s\n", family, state)
		}
	},
}

func init() {
	watchRemoveCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")

	watchCmd.AddCommand(watchListCmd, watchAddCmd, watchToggleCmd, watchRemoveCmd)
	rootCmd.AddCommand(watchCmd, reconcileCmd)
}
