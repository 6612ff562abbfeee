package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mschirtzinger/changeguard/internal/event"
	"github.com/mschirtzinger/changeguard/internal/native"
	"github.com/mschirtzinger/changeguard/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrFamilyDisabled is returned for a family the engine does not run.
var ErrFamilyDisabled = errors.New("event family not enabled")

// Config holds configuration for the engine.
type Config struct {
	// Families to monitor (default: all).
	Families []event.Family

	// ReconcileInterval is how often watch lists are reconciled with the
	// native service (default: 5s).
	ReconcileInterval time.Duration

	// CallTimeout bounds each native call (default: 10s).
	CallTimeout time.Duration

	// SessionLogDir receives the per-session JSON logs. Empty disables them.
	SessionLogDir string

	// SessionLogDebounce is the session log quiet period (default: 100ms).
	SessionLogDebounce time.Duration

	// FoldCase makes filesystem paths case-insensitive.
	FoldCase bool

	// Logger for engine activity.
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Families:           event.Families,
		ReconcileInterval:  5 * time.Second,
		CallTimeout:        10 * time.Second,
		SessionLogDebounce: 100 * time.Millisecond,
	}
}

// Engine runs one Monitor per family.
type Engine struct {
	service native.Service
	db      *store.DB
	config  *Config
	logger  *zap.Logger
	session string

	monitors map[event.Family]*Monitor
	order    []event.Family

	listeners *listeners
}

// New creates an engine over a native service. db may be nil, in which case
// the watch list is kept in memory and no history is recorded.
func New(service native.Service, db *store.DB, config *Config) (*Engine, error) {
	if service == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if len(config.Families) == 0 {
		config.Families = event.Families
	}
	if config.ReconcileInterval <= 0 {
		config.ReconcileInterval = 5 * time.Second
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 10 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		service:   service,
		db:        db,
		config:    config,
		session:   uuid.NewString(),
		monitors:  make(map[event.Family]*Monitor),
		listeners: newListeners(),
	}
	e.logger = logger.Named("engine").With(zap.String("session", e.session))

	for _, family := range config.Families {
		if _, dup := e.monitors[family]; dup {
			continue
		}
		e.monitors[family] = newMonitor(e, family)
		e.order = append(e.order, family)
	}
	return e, nil
}

// Session returns the id recorded with every history entry of this run.
func (e *Engine) Session() string {
	return e.session
}

// Families returns the monitored families in configuration order.
func (e *Engine) Families() []event.Family {
	return append([]event.Family(nil), e.order...)
}

// Monitor returns the monitor of family.
func (e *Engine) Monitor(family event.Family) (*Monitor, error) {
	m, ok := e.monitors[family]
	if !ok {
		return nil, fmt.Errorf("%s: %w", family, ErrFamilyDisabled)
	}
	return m, nil
}

// Subscribe registers fn for every update of every family and returns a
// function that removes it. fn runs on the monitor goroutines and must not
// block.
func (e *Engine) Subscribe(fn Listener) (cancel func()) {
	return e.listeners.add(fn)
}

// Start runs every monitor and blocks until ctx is cancelled or a monitor
// fails. Each monitor drains its subscription and flushes its session log
// before Start returns.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("starting engine", zap.Int("families", len(e.order)))

	g, gctx := errgroup.WithContext(ctx)
	for _, family := range e.order {
		m := e.monitors[family]
		g.Go(func() error {
			if err := m.run(gctx); err != nil {
				return fmt.Errorf("%s monitor: %w", m.family, err)
			}
			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		e.logger.Error("engine stopped with error", zap.Error(err))
	} else {
		e.logger.Info("engine stopped")
	}
	return err
}
