// Package nativetest provides a scripted in-memory native service for tests.
package nativetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mschirtzinger/changeguard/internal/event"
	"github.com/mschirtzinger/changeguard/internal/native"
)

// Method names a CommandPort method for failure injection and call logs.
type Method string

const (
	MethodStart  Method = "StartObserving"
	MethodStop   Method = "StopObserving"
	MethodList   Method = "ListActiveWatches"
	MethodStatus Method = "IsServiceRunning"
)

// Call records one CommandPort invocation.
type Call struct {
	Method   Method
	Family   event.Family
	Identity string
}

// Service is a fake native.Service. The zero value is not usable; call New.
type Service struct {
	*native.Broker

	mu       sync.Mutex
	active   map[event.Family]map[string]bool
	stopped  map[event.Family]bool
	failures map[Method]error
	latency  time.Duration
	calls    []Call
}

var _ native.Service = (*Service)(nil)

// New returns a running fake with no active watches.
func New() *Service {
	return &Service{
		Broker:   native.NewBroker(),
		active:   make(map[event.Family]map[string]bool),
		stopped:  make(map[event.Family]bool),
		failures: make(map[Method]error),
	}
}

// SetActive replaces the active watch set of family.
func (s *Service) SetActive(family event.Family, identities ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := make(map[string]bool, len(identities))
	for _, id := range identities {
		set[id] = true
	}
	s.active[family] = set
}

// Active returns the active watch set of family, sorted.
func (s *Service) Active(family event.Family) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked(family)
}

func (s *Service) activeLocked(family event.Family) []string {
	out := make([]string, 0, len(s.active[family]))
	for id := range s.active[family] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Fail makes every later call of m return err. A nil err clears it.
func (s *Service) Fail(m Method, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		delete(s.failures, m)
		return
	}
	s.failures[m] = err
}

// SetRunning sets what IsServiceRunning reports for family.
func (s *Service) SetRunning(family event.Family, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped[family] = !running
}

// SetLatency delays every call by d, or until the call's context ends.
func (s *Service) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// Calls returns the call log.
func (s *Service) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsTo returns the logged calls of one method.
func (s *Service) CallsTo(m Method) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Method == m {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call log.
func (s *Service) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// Emit publishes a raw notification to the family's subscribers.
func (s *Service) Emit(family event.Family, raw string) {
	s.Publish(family, raw)
}

// EmitEvent formats ev and publishes it.
func (s *Service) EmitEvent(ev *event.ChangeEvent) {
	s.Publish(ev.Family, event.Format(ev))
}

func (s *Service) begin(ctx context.Context, c Call) error {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	latency := s.latency
	failure := s.failures[c.Method]
	s.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return native.TimeoutError(ctx.Err())
		}
	}
	return failure
}

// StartObserving implements native.CommandPort.
func (s *Service) StartObserving(ctx context.Context, family event.Family, identity string) error {
	if err := s.begin(ctx, Call{MethodStart, family, identity}); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[family] == nil {
		s.active[family] = make(map[string]bool)
	}
	s.active[family][identity] = true
	return nil
}

// StopObserving implements native.CommandPort.
func (s *Service) StopObserving(ctx context.Context, family event.Family, identity string) error {
	if err := s.begin(ctx, Call{MethodStop, family, identity}); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active[family], identity)
	return nil
}

// ListActiveWatches implements native.CommandPort.
func (s *Service) ListActiveWatches(ctx context.Context, family event.Family) ([]string, error) {
	if err := s.begin(ctx, Call{Method: MethodList, Family: family}); err != nil {
		return nil, err
	}
	return s.Active(family), nil
}

// IsServiceRunning implements native.CommandPort.
func (s *Service) IsServiceRunning(ctx context.Context, family event.Family) (bool, error) {
	if err := s.begin(ctx, Call{Method: MethodStatus, Family: family}); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped[family], nil
}
