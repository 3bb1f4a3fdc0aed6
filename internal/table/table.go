// Package table ties the log store, the kernel and the commit coordinator
// together behind a per-table handle.
package table

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/commit"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/kernel"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/logstore"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/metrics"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/objectstore"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/protocol"
)

var (
	// ErrTableExists is returned by Create when version 0 is already taken.
	ErrTableExists = errors.New("table already exists")
	// ErrVersionAhead is returned when a commit expects a version the log
	// has not reached.
	ErrVersionAhead = errors.New("expected version is ahead of the table")
	// ErrTableNotFound is returned by Manager lookups for unknown names.
	ErrTableNotFound = errors.New("table not found")
	// ErrTableNotCreated is returned when a commit on an empty log does not
	// carry both the protocol and the metadata of the table.
	ErrTableNotCreated = errors.New("table has not been created")
)

var _ commit.Base = (*kernel.State)(nil)

// Table is a handle on one table. It is safe for concurrent use; commits
// from several handles or processes on the same location are arbitrated by
// the object store.
type Table struct {
	name               string
	log                *logstore.LogStore
	kernel             *kernel.Table
	coord              *commit.Coordinator
	logger             *zap.Logger
	metrics            *metrics.Commit
	checkpointInterval int64
}

// Option configures Open.
type Option func(*options)

type options struct {
	name               string
	logger             *zap.Logger
	metrics            *metrics.Commit
	maxAttempts        int
	backoff            commit.Backoff
	checker            *protocol.FeatureChecker
	checkpointInterval int64
	compression        logstore.Compression
	storeOpts          objectstore.Options
}

func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *metrics.Commit) Option {
	return func(o *options) { o.metrics = m }
}

// WithMaxAttempts bounds the conditional writes of each commit.
func WithMaxAttempts(n int) Option {
	return func(o *options) { o.maxAttempts = n }
}

func WithBackoff(b commit.Backoff) Option {
	return func(o *options) { o.backoff = b }
}

func WithFeatureChecker(fc protocol.FeatureChecker) Option {
	return func(o *options) { o.checker = &fc }
}

// WithCheckpointInterval writes a checkpoint every n versions; 0 disables
// automatic checkpoints. The table property delta.checkpointInterval wins
// when set.
func WithCheckpointInterval(n int64) Option {
	return func(o *options) { o.checkpointInterval = n }
}

func WithCheckpointCompression(c logstore.Compression) Option {
	return func(o *options) { o.compression = c }
}

func WithStoreOptions(so objectstore.Options) Option {
	return func(o *options) { o.storeOpts = so }
}

func defaultOptions() options {
	return options{
		logger:      zap.NewNop(),
		maxAttempts: commit.DefaultMaxAttempts,
		backoff:     commit.NoBackoff{},
		compression: logstore.CompressionNone,
	}
}

// Open binds a Table to location and replays its log. A location without
// commits opens at version -1 and can be initialized with Create.
func Open(ctx context.Context, location string, opts ...Option) (*Table, error) {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.name == "" {
		o.name = location
	}
	logger := o.logger.With(zap.String("table", o.name))

	ls, err := logstore.OpenURL(ctx, location,
		logstore.WithLogger(logger),
		logstore.WithCheckpointCompression(o.compression),
		logstore.WithStoreOptions(o.storeOpts))
	if err != nil {
		return nil, err
	}
	kernelOpts := []kernel.Option{kernel.WithLogger(logger)}
	if o.checker != nil {
		kernelOpts = append(kernelOpts, kernel.WithFeatureChecker(*o.checker))
	}
	kt := kernel.NewTable(ls, kernelOpts...)
	version, err := kt.Update(ctx)
	if err != nil {
		_ = ls.Close()
		return nil, err
	}
	if version >= 0 && !kt.Snapshot().HasMetadata() {
		_ = ls.Close()
		return nil, &kernel.Error{Kind: kernel.KindMissingMetadata}
	}

	coordOpts := []commit.Option{
		commit.WithTableName(o.name),
		commit.WithLogger(o.logger),
		commit.WithMetrics(o.metrics),
		commit.WithMaxAttempts(o.maxAttempts),
		commit.WithBackoff(o.backoff),
	}
	if o.checker != nil {
		coordOpts = append(coordOpts, commit.WithChecker(*o.checker))
	}
	t := &Table{
		name:               o.name,
		log:                ls,
		kernel:             kt,
		coord:              commit.New(ls, coordOpts...),
		logger:             logger,
		metrics:            o.metrics,
		checkpointInterval: o.checkpointInterval,
	}
	t.metrics.SetVersion(t.name, version)
	logger.Info("table opened", zap.String("location", location), zap.Int64("version", version))
	return t, nil
}

func (t *Table) Name() string { return t.name }

// Version returns the latest version observed by this handle.
func (t *Table) Version() int64 { return t.kernel.Version() }

// Snapshot returns a copy of the materialized state.
func (t *Table) Snapshot() *kernel.State { return t.kernel.Snapshot() }

// Update catches up with commits written by other handles.
func (t *Table) Update(ctx context.Context) (int64, error) {
	return t.kernel.Update(ctx)
}

// Create writes version 0 with the table protocol and metadata.
func (t *Table) Create(ctx context.Context, md protocol.Metadata, p protocol.Protocol) (int64, error) {
	version, err := t.kernel.Update(ctx)
	if err != nil {
		return -1, err
	}
	if version >= 0 {
		return -1, ErrTableExists
	}
	actions := []protocol.Action{protocol.NewProtocol(p), {Metadata: &md}}
	res, err := t.coord.Commit(ctx, commit.EmptyTable(), actions, commit.WithOperation("CREATE TABLE", nil))
	if err != nil {
		if errors.Is(err, protocol.ErrCommitConflict) {
			return -1, fmt.Errorf("%w: %w", ErrTableExists, err)
		}
		return -1, err
	}
	t.observe(ctx, res.Version)
	return res.Version, nil
}

// Commit writes actions on top of expectedVersion. When other writers got
// there first the coordinator retries on the newer head as long as their
// commits do not conflict.
func (t *Table) Commit(ctx context.Context, expectedVersion int64, actions []protocol.Action, opts ...commit.CommitOption) (commit.Result, error) {
	snap := t.kernel.Snapshot()
	if expectedVersion > snap.Version() {
		if _, err := t.kernel.Update(ctx); err != nil {
			return commit.Result{}, err
		}
		snap = t.kernel.Snapshot()
		if expectedVersion > snap.Version() {
			return commit.Result{}, fmt.Errorf("%w: expected %d, head %d", ErrVersionAhead, expectedVersion, snap.Version())
		}
	}
	if expectedVersion < -1 {
		return commit.Result{}, fmt.Errorf("invalid expected version %d", expectedVersion)
	}
	if expectedVersion < 0 && !createsTable(actions) {
		return commit.Result{}, ErrTableNotCreated
	}
	base := commit.NewSnapshot(expectedVersion, snap.Protocol(), snap.Metadata())
	res, err := t.coord.Commit(ctx, base, actions, opts...)
	if err != nil {
		return commit.Result{}, err
	}
	t.observe(ctx, res.Version)
	return res, nil
}

func createsTable(actions []protocol.Action) bool {
	var hasProtocol, hasMetadata bool
	for _, a := range actions {
		hasProtocol = hasProtocol || a.Protocol != nil
		hasMetadata = hasMetadata || a.Metadata != nil
	}
	return hasProtocol && hasMetadata
}

// observe brings the kernel up to a freshly committed version and writes
// the periodic checkpoint. Failures here do not undo the commit.
func (t *Table) observe(ctx context.Context, version int64) {
	if _, err := t.kernel.Update(ctx); err != nil {
		t.logger.Warn("state update after commit failed", zap.Int64("version", version), zap.Error(err))
		return
	}
	interval := t.interval()
	if interval <= 0 || (version+1)%interval != 0 {
		return
	}
	if _, err := t.Checkpoint(ctx); err != nil {
		t.logger.Warn("checkpoint failed", zap.Int64("version", version), zap.Error(err))
	}
}

func (t *Table) interval() int64 {
	if raw, ok := t.kernel.Snapshot().Metadata().Configuration[protocol.ConfigCheckpointInterval]; ok {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
	}
	return t.checkpointInterval
}

// Checkpoint writes the current state so future loads can skip replaying
// older commits.
func (t *Table) Checkpoint(ctx context.Context) (int64, error) {
	if _, err := t.kernel.Update(ctx); err != nil {
		return -1, err
	}
	return t.kernel.Checkpoint(ctx)
}

// ReadVersion returns the actions committed at version.
func (t *Table) ReadVersion(ctx context.Context, version int64) ([]protocol.Action, error) {
	return t.log.ReadVersion(ctx, version)
}

// ReadVersionRaw returns the commit object at version as stored.
func (t *Table) ReadVersionRaw(ctx context.Context, version int64) ([]byte, error) {
	return t.log.ReadVersionRaw(ctx, version)
}

// HistoryEntry summarizes one commit.
type HistoryEntry struct {
	Version    int64
	Info       *protocol.CommitInfo
	NumActions int
}

// History lists the commits of the table, newest first.
func (t *Table) History(ctx context.Context) ([]HistoryEntry, error) {
	head, err := t.log.CurrentHead(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, head+1)
	for v := head; v >= 0; v-- {
		actions, err := t.log.ReadVersion(ctx, v)
		if err != nil {
			return nil, err
		}
		entry := HistoryEntry{Version: v, NumActions: len(actions)}
		for _, a := range actions {
			if a.CommitInfo != nil {
				entry.Info = a.CommitInfo
				entry.NumActions--
				break
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// Close releases the underlying object store.
func (t *Table) Close() error {
	return t.log.Close()
}
