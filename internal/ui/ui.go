// Package ui renders watch lists, snapshots and history for the terminal.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/mschirtzinger/changeguard/internal/aggregate"
	"github.com/mschirtzinger/changeguard/internal/event"
	"github.com/mschirtzinger/changeguard/internal/store"
	"github.com/mschirtzinger/changeguard/internal/watchlist"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	groupStyle    = lipgloss.NewStyle().Bold(true)
	enabledStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	disabledStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	countStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

// SetColor enables or disables styled output. Color is also disabled when
// stdout is not a terminal or NO_COLOR is set.
func SetColor(enabled bool) {
	if !enabled || os.Getenv("NO_COLOR") != "" || !IsTerminal(os.Stdout) {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Header renders a section title.
func Header(s string) string {
	return headerStyle.Render(s)
}

// Error renders an error line.
func Error(err error) string {
	return errorStyle.Render("Error:") + " " + err.Error()
}

// Since renders t relative to now ("3 minutes ago").
func Since(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

// WriteEntries prints a family's watch list.
func WriteEntries(w io.Writer, family event.Family, entries []watchlist.Entry) {
	fmt.Fprintln(w, Header(fmt.Sprintf("%s watches (%d)", family, len(entries))))
	if len(entries) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("  none"))
		return
	}
	for _, e := range entries {
		state := enabledStyle.Render("on ")
		if !e.IsEnabled {
			state = disabledStyle.Render("off")
		}
		fmt.Fprintf(w, "  [%s] %s\n", state, e.Path)
	}
}

// WriteSnapshot prints every group of a snapshot, most recent changes
// first.
func WriteSnapshot(w io.Writer, snap aggregate.Snapshot, now time.Time) {
	fmt.Fprintln(w, Header(fmt.Sprintf("%s: %s changes in %s resources",
		snap.Family,
		humanize.Comma(int64(snap.TotalChanges())),
		humanize.Comma(int64(snap.Stats.Resources)))))

	names := snap.GroupNames()
	if len(names) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("  no changes recorded"))
		return
	}
	for _, name := range names {
		fmt.Fprintln(w, groupStyle.Render(name))
		for _, r := range snap.Resources(name) {
			fmt.Fprintf(w, "  %s %s %s\n",
				countStyle.Render(fmt.Sprintf("%5d", r.ChangeCount)),
				r.Identity,
				mutedStyle.Render(Since(r.LastModified, now)))
		}
	}
}

// WriteHistory prints stored events, one per line.
func WriteHistory(w io.Writer, records []store.Record, now time.Time) {
	if len(records) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no matching events"))
		return
	}
	for _, rec := range records {
		ev := rec.Event
		fmt.Fprintf(w, "%s  %-14s %s%s\n",
			mutedStyle.Render(ev.Timestamp.Local().Format("2006-01-02 15:04:05")),
			kindStyle(ev.Kind).Render(string(ev.Kind)),
			ev.Identity,
			mutedStyle.Render(detail(ev)))
	}
	fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("%s events, newest %s",
		humanize.Comma(int64(len(records))), Since(records[0].Event.Timestamp, now))))
}

func kindStyle(k event.Kind) lipgloss.Style {
	switch k.Class() {
	case event.ClassCreate:
		return enabledStyle
	case event.ClassDelete:
		return errorStyle
	case event.ClassModify:
		return countStyle
	default:
		return lipgloss.NewStyle()
	}
}

func detail(ev *event.ChangeEvent) string {
	var parts []string
	switch {
	case ev.FS != nil:
		if ev.FS.ProcessName != "" {
			parts = append(parts, "by "+ev.FS.ProcessName)
		}
		if ev.FS.Size != "" {
			parts = append(parts, ev.FS.Size)
		}
	case ev.Reg != nil:
		if name, ok := ev.ValueName(); ok {
			if name == "" {
				name = "(default)"
			}
			parts = append(parts, "value "+name)
		} else if ev.Reg.Subkey != "" {
			parts = append(parts, "subkey "+ev.Reg.Subkey)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "  (" + strings.Join(parts, ", ") + ")"
}
