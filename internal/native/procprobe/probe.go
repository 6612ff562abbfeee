// Package procprobe checks whether the native monitoring service process is
// running on this machine.
package procprobe

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/process"
)

// Lister enumerates process names. It exists so tests can avoid the real
// process table.
type Lister interface {
	Names(ctx context.Context) ([]string, error)
}

// Probe looks for a process by executable name.
type Probe struct {
	// Name is matched case-insensitively, with or without an ".exe" suffix.
	Name   string
	Lister Lister
}

// New returns a probe for name backed by the OS process table.
func New(name string) *Probe {
	return &Probe{Name: name, Lister: systemLister{}}
}

// Running reports whether a process called p.Name exists.
func (p *Probe) Running(ctx context.Context) (bool, error) {
	if p.Name == "" {
		return false, fmt.Errorf("process name is empty")
	}
	lister := p.Lister
	if lister == nil {
		lister = systemLister{}
	}

	names, err := lister.Names(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list processes: %w", err)
	}
	want := canonical(p.Name)
	for _, n := range names {
		if canonical(n) == want {
			return true, nil
		}
	}
	return false, nil
}

// Running is a convenience wrapper around New(name).Running.
func Running(ctx context.Context, name string) (bool, error) {
	return New(name).Running(ctx)
}

func canonical(name string) string {
	name = strings.ToLower(filepath.Base(strings.TrimSpace(name)))
	return strings.TrimSuffix(name, ".exe")
}

type systemLister struct{}

func (systemLister) Names(ctx context.Context) ([]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(procs))
	for _, proc := range procs {
		// Processes can exit between enumeration and lookup.
		name, err := proc.NameWithContext(ctx)
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}
