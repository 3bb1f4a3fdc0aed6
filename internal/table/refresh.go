package table

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// refresher keeps the tables of a Manager caught up with commits written by
// other processes, so reads served from memory do not lag far behind the log.
type refresher struct {
	m        *Manager
	interval time.Duration
	logger   *zap.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// StartRefresh polls every table for new commits each interval until Close.
// Calling it again replaces the running loop.
func (m *Manager) StartRefresh(interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &refresher{
		m:        m,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	m.mu.Lock()
	prev := m.refresh
	m.refresh = r
	m.mu.Unlock()
	if prev != nil {
		prev.stop()
	}
	go r.run()
}

func (r *refresher) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
		}
		r.refreshAll()
	}
}

func (r *refresher) refreshAll() {
	r.m.mu.RLock()
	tables := make([]*Table, 0, len(r.m.tables))
	for _, t := range r.m.tables {
		tables = append(tables, t)
	}
	r.m.mu.RUnlock()

	for _, t := range tables {
		ctx, cancel := context.WithTimeout(context.Background(), r.interval)
		before := t.Version()
		after, err := t.Update(ctx)
		cancel()
		if err != nil {
			r.logger.Warn("table refresh failed", zap.String("table", t.Name()), zap.Error(err))
			continue
		}
		if after != before {
			t.metrics.SetVersion(t.name, after)
			r.logger.Debug("table refreshed", zap.String("table", t.Name()),
				zap.Int64("from", before), zap.Int64("to", after))
		}
	}
}

func (r *refresher) stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}
