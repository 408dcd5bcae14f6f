package maestro

import (
	"context"
	"log/slog"
	"time"
)

// Option configures a Maestro.
type Option func(*Maestro) error

// Storer is the minimal store interface held at the root. It covers
// lifecycle operations only; the full composite interface (store.Store)
// is used in subsystem layers that don't create import cycles.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// poolRunner is an internal interface for worker pool lifecycle.
type poolRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// busRunner is an internal interface for event bus lifecycle.
type busRunner interface {
	Start()
	Stop(ctx context.Context) error
}

// Maestro is the root coordinator holding shared configuration, the
// store, and subsystem lifecycles. Create one with New() and use the
// engine package to wire the subsystems together.
type Maestro struct {
	config Config
	logger *slog.Logger
	store  Storer
	pool   poolRunner
	bus    busRunner

	started bool
}

// New creates a new Maestro with the given options.
func New(opts ...Option) (*Maestro, error) {
	m := &Maestro{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Logger returns the configured logger.
func (m *Maestro) Logger() *slog.Logger { return m.logger }

// Store returns the configured store.
func (m *Maestro) Store() Storer { return m.store }

// Config returns a copy of the configuration.
func (m *Maestro) Config() Config { return m.config }

// SetPool sets the worker pool (called by the engine package).
func (m *Maestro) SetPool(p poolRunner) { m.pool = p }

// SetBus sets the event bus (called by the engine package).
func (m *Maestro) SetBus(b busRunner) { m.bus = b }

// Start begins processing: the event bus first, then the worker pool.
func (m *Maestro) Start(ctx context.Context) error {
	if m.pool == nil {
		return ErrNotBuilt
	}
	if m.bus != nil {
		m.bus.Start()
	}
	if err := m.pool.Start(ctx); err != nil {
		return err
	}
	m.started = true
	return nil
}

// Stop gracefully shuts down: the pool stops accepting work, then the
// bus drains its queue, then the store is closed.
func (m *Maestro) Stop(ctx context.Context) error {
	if m.pool != nil && m.started {
		if err := m.pool.Stop(ctx); err != nil {
			m.logger.Error("pool stop error", "error", err)
		}
	}
	if m.bus != nil {
		if err := m.bus.Stop(ctx); err != nil {
			m.logger.Error("bus stop error", "error", err)
		}
	}
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}

// WithConcurrency sets the maximum number of concurrent job processors.
func WithConcurrency(n int) Option {
	return func(m *Maestro) error {
		m.config.Concurrency = n
		return nil
	}
}

// WithQueues sets the queues the worker pool will poll.
func WithQueues(queues []string) Option {
	return func(m *Maestro) error {
		m.config.Queues = queues
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Maestro) error {
		m.logger = l
		return nil
	}
}

// WithStore sets the persistence backend. The store must implement
// Storer at minimum; typically it is a store.Store which embeds all
// subsystem store interfaces.
func WithStore(s Storer) Option {
	return func(m *Maestro) error {
		m.store = s
		return nil
	}
}

// WithPollInterval sets how often idle workers poll for new jobs.
func WithPollInterval(d time.Duration) Option {
	return func(m *Maestro) error {
		m.config.PollInterval = d
		return nil
	}
}

// WithRetentionWindow sets how long terminal records are retained
// before the retention sweep purges them.
func WithRetentionWindow(d time.Duration) Option {
	return func(m *Maestro) error {
		m.config.RetentionWindow = d
		return nil
	}
}
