package table

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/commit"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/config"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/logstore"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/metrics"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/objectstore"
)

// Manager owns the named tables served by one process.
type Manager struct {
	mu      sync.RWMutex
	tables  map[string]*Table
	opts    []Option
	refresh *refresher
}

// NewManager returns an empty registry; opts apply to every table it opens.
func NewManager(opts ...Option) *Manager {
	return &Manager{
		tables: make(map[string]*Table),
		opts:   opts,
	}
}

// Ensure opens the table registered as name, or returns the open handle.
func (m *Manager) Ensure(ctx context.Context, name, location string) (*Table, error) {
	m.mu.RLock()
	if t, ok := m.tables[name]; ok {
		m.mu.RUnlock()
		return t, nil
	}
	m.mu.RUnlock()

	opts := append(append([]Option(nil), m.opts...), WithName(name))
	t, err := Open(ctx, location, opts...)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.tables[name]; ok {
		m.mu.Unlock()
		_ = t.Close()
		return existing, nil
	}
	m.tables[name] = t
	m.mu.Unlock()
	return t, nil
}

// Get returns the table registered as name.
func (m *Manager) Get(name string) (*Table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[name]
	if !ok {
		return nil, ErrTableNotFound
	}
	return t, nil
}

// Names lists the registered tables in order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.tables))
	for name := range m.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close stops the refresh loop, closes every table and empties the registry.
func (m *Manager) Close() error {
	m.mu.Lock()
	r := m.refresh
	m.refresh = nil
	m.mu.Unlock()
	if r != nil {
		r.stop()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for name, t := range m.tables {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(m.tables, name)
	}
	return errors.Join(errs...)
}

// OptionsFromConfig translates the commit, checkpoint and storage sections
// of cfg into table options.
func OptionsFromConfig(cfg config.Config, logger *zap.Logger, m *metrics.Commit) ([]Option, error) {
	backoff, err := commit.BackoffFromConfig(cfg.Commit.Backoff)
	if err != nil {
		return nil, err
	}
	compression, err := logstore.ParseCompression(cfg.Checkpoint.Compression)
	if err != nil {
		return nil, err
	}
	return []Option{
		WithLogger(logger),
		WithMetrics(m),
		WithMaxAttempts(cfg.Commit.MaxAttempts),
		WithBackoff(backoff),
		WithCheckpointInterval(cfg.Checkpoint.Interval),
		WithCheckpointCompression(compression),
		WithStoreOptions(objectstore.Options{
			Logger:           logger,
			ZKSessionTimeout: cfg.Storage.ZooKeeper.SessionTimeout.Duration,
		}),
	}, nil
}
