package kernel

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/protocol"
)

// Log is the read side of the log store plus checkpoint access.
type Log interface {
	CurrentHead(ctx context.Context) (int64, error)
	ReadVersion(ctx context.Context, version int64) ([]protocol.Action, error)
	LatestCheckpoint(ctx context.Context) (int64, []byte, bool, error)
	WriteCheckpoint(ctx context.Context, version int64, payload []byte) error
}

// Table keeps the materialized state of a table in step with its log.
type Table struct {
	log     Log
	logger  *zap.Logger
	checker protocol.FeatureChecker

	// updateMu serializes log replays; mu guards state.
	updateMu sync.Mutex
	mu       sync.RWMutex
	state    *State
}

// Option configures a Table.
type Option func(*Table)

func WithLogger(l *zap.Logger) Option {
	return func(t *Table) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithFeatureChecker replaces the checker that decides whether the table
// protocol can be read.
func WithFeatureChecker(fc protocol.FeatureChecker) Option {
	return func(t *Table) { t.checker = fc }
}

// NewTable returns a Table at version -1. Call Update to catch up.
func NewTable(log Log, opts ...Option) *Table {
	t := &Table{
		log:     log,
		logger:  zap.NewNop(),
		checker: protocol.DefaultFeatureChecker(),
		state:   NewState(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Load materializes the table from its latest checkpoint and the commits
// after it. A log without commits fails with MissingVersion and one without
// metadata with MissingMetadata.
func Load(ctx context.Context, log Log, opts ...Option) (*Table, error) {
	t := NewTable(log, opts...)
	version, err := t.Update(ctx)
	if err != nil {
		return nil, err
	}
	if version < 0 {
		return nil, &Error{Kind: KindMissingVersion}
	}
	if !t.state.HasMetadata() {
		return nil, &Error{Kind: KindMissingMetadata}
	}
	return t, nil
}

// Update applies every commit newer than the current state and returns the
// resulting version. A protocol this engine cannot read fails the update
// with UnsupportedReaderFeatures. On error the previous state is kept.
func (t *Table) Update(ctx context.Context) (int64, error) {
	t.updateMu.Lock()
	defer t.updateMu.Unlock()

	current := t.Version()
	head, err := t.log.CurrentHead(ctx)
	if err != nil {
		return current, Wrap(err)
	}
	if head <= current {
		return current, nil
	}
	t.mu.RLock()
	next := t.state.Clone()
	t.mu.RUnlock()
	if next.Version() < 0 {
		cpVersion, payload, ok, err := t.log.LatestCheckpoint(ctx)
		if err != nil {
			return next.Version(), Wrap(err)
		}
		if ok && cpVersion <= head {
			cp, err := DecodeCheckpoint(cpVersion, payload)
			if err != nil {
				return next.Version(), err
			}
			next = cp
			t.logger.Debug("state loaded from checkpoint", zap.Int64("version", cpVersion))
		}
	}
	from := next.Version() + 1
	for v := from; v <= head; v++ {
		actions, err := t.log.ReadVersion(ctx, v)
		if err != nil {
			return t.Version(), Wrap(err)
		}
		if err := next.Apply(v, actions); err != nil {
			return t.Version(), err
		}
	}
	if next.HasProtocol() {
		if err := t.checker.CanReadFrom(next.Protocol()); err != nil {
			return t.Version(), err
		}
	}
	t.mu.Lock()
	t.state = next
	t.mu.Unlock()
	t.logger.Debug("state updated", zap.Int64("from", from), zap.Int64("version", head))
	return head, nil
}

// Version returns the version of the materialized state.
func (t *Table) Version() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.Version()
}

// Snapshot returns an independent copy of the current state.
func (t *Table) Snapshot() *State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.Clone()
}

// Checkpoint writes the current state to the log and returns its version.
func (t *Table) Checkpoint(ctx context.Context) (int64, error) {
	snap := t.Snapshot()
	payload, err := EncodeCheckpoint(snap)
	if err != nil {
		return -1, err
	}
	if err := t.log.WriteCheckpoint(ctx, snap.Version(), payload); err != nil {
		return -1, Wrap(err)
	}
	return snap.Version(), nil
}
