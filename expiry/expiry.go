// Package expiry runs the cache retention sweep on a schedule.
package expiry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/pacs-cache/cache"
)

// Sweeper removes studies past their retention period.
type Sweeper interface {
	Sweep(ctx context.Context) (*cache.SweepResult, error)
}

var _ Sweeper = (*cache.Store)(nil)

// Config holds sweep scheduling configuration.
type Config struct {
	// CheckInterval is how often to sweep. Default is 1 hour.
	CheckInterval time.Duration

	// SkipInitial disables the sweep that otherwise runs on Start.
	SkipInitial bool

	// Logger for sweep events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		CheckInterval: 1 * time.Hour,
		Logger:        slog.Default(),
	}
}

// Manager sweeps the cache periodically.
type Manager struct {
	config  Config
	sweeper Sweeper
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	lastRun *cache.SweepResult
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a new sweep manager.
func NewManager(sweeper Sweeper, cfg Config) *Manager {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 1 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		config:  cfg,
		sweeper: sweeper,
		logger:  cfg.Logger.With("component", "expiry"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins background sweeps.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops background sweeps and waits for a running sweep to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	if !m.config.SkipInitial {
		m.RunOnce(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep. Failures are logged and yield nil.
func (m *Manager) RunOnce(ctx context.Context) *cache.SweepResult {
	m.logger.Debug("starting retention sweep")

	result, err := m.sweeper.Sweep(ctx)
	if err != nil {
		m.logger.Error("retention sweep failed", "error", err)
		return nil
	}

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	if result.Removed == 0 {
		m.logger.Debug("retention sweep complete, nothing to remove")
	}
	return result
}

// LastRun returns the result of the most recent successful sweep.
func (m *Manager) LastRun() *cache.SweepResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}
