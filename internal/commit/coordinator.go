// Package commit runs the optimistic-concurrency commit loop of a table.
//
// A commit targets version base+1. The log store's conditional write decides
// the race: the winner owns the slot, every loser re-reads the log, checks
// the winning commits for logical conflicts, re-validates its actions and
// retries at head+1 until it succeeds or the attempt budget runs out. The
// coordinator holds no lock and no table state of its own, so any number of
// goroutines may commit through one Coordinator.
package commit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/metrics"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/protocol"
)

// DefaultMaxAttempts bounds the conditional writes issued by one commit.
const DefaultMaxAttempts = 15

const defaultEngineInfo = "go-delta-from-scratch"

// Log is the part of the log store the coordinator needs.
type Log interface {
	AppendIfAbsent(ctx context.Context, version int64, actions []protocol.Action) error
	CurrentHead(ctx context.Context) (int64, error)
	ReadVersion(ctx context.Context, version int64) ([]protocol.Action, error)
}

// Coordinator commits actions to one table log.
type Coordinator struct {
	log         Log
	table       string
	maxAttempts int
	backoff     Backoff
	checker     protocol.FeatureChecker
	logger      *zap.Logger
	metrics     *metrics.Commit
	now         func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaxAttempts caps the number of write attempts per commit. Values below
// one are treated as one.
func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) {
		if n < 1 {
			n = 1
		}
		c.maxAttempts = n
	}
}

// WithBackoff sets the pause between retries.
func WithBackoff(b Backoff) Option {
	return func(c *Coordinator) {
		if b != nil {
			c.backoff = b
		}
	}
}

// WithChecker replaces the default feature checker.
func WithChecker(fc protocol.FeatureChecker) Option {
	return func(c *Coordinator) {
		c.checker = fc
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *metrics.Commit) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithClock sets the time source used for commit timestamps and latency.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithTableName labels logs and metrics.
func WithTableName(name string) Option {
	return func(c *Coordinator) {
		c.table = name
	}
}

// New returns a Coordinator writing through log.
func New(log Log, opts ...Option) *Coordinator {
	c := &Coordinator{
		log:         log,
		maxAttempts: DefaultMaxAttempts,
		backoff:     NoBackoff{},
		checker:     protocol.DefaultFeatureChecker(),
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = c.logger.With(zap.String("table", c.table))
	return c
}

// MaxAttempts returns the configured attempt budget.
func (c *Coordinator) MaxAttempts() int { return c.maxAttempts }

// CommitOption annotates a single commit.
type CommitOption func(*commitOptions)

type commitOptions struct {
	operation  string
	params     map[string]any
	engineInfo string
}

// WithOperation records the operation name and parameters in commitInfo.
func WithOperation(name string, params map[string]any) CommitOption {
	return func(o *commitOptions) {
		o.operation = name
		o.params = params
	}
}

func WithEngineInfo(info string) CommitOption {
	return func(o *commitOptions) {
		o.engineInfo = info
	}
}

// Commit writes actions as the next version after base. It blocks until the
// commit succeeds or fails terminally. Terminal failures are *CommitError.
func (c *Coordinator) Commit(ctx context.Context, base Base, actions []protocol.Action, opts ...CommitOption) (Result, error) {
	start := c.now()
	att := &Attempt{TargetVersion: base.Version() + 1, State: StateBuilding}

	payload, err := c.build(base, actions, opts)
	if err != nil {
		return Result{}, c.fail(att, start, err)
	}
	fp := footprintOf(actions)

	for {
		if err := ctx.Err(); err != nil {
			return Result{}, c.fail(att, start, err)
		}
		att.AttemptCount++
		c.enter(att, StateAttempting)
		c.metrics.ObserveAttempt(c.table)

		err := c.log.AppendIfAbsent(ctx, att.TargetVersion, payload)
		if err == nil {
			c.enter(att, StateSucceeded)
			c.metrics.ObserveCommit(c.table, metrics.ResultSucceeded, c.now().Sub(start))
			c.metrics.SetVersion(c.table, att.TargetVersion)
			c.logger.Info("commit succeeded",
				zap.Int64("version", att.TargetVersion),
				zap.Int("attempt", att.AttemptCount))
			return Result{Version: att.TargetVersion, Attempts: att.AttemptCount}, nil
		}
		att.LastError = err
		if !protocol.Retryable(err) {
			return Result{}, c.fail(att, start, err)
		}

		c.enter(att, StateConflictDetected)
		c.metrics.ObserveConflict(c.table)
		if att.AttemptCount >= c.maxAttempts {
			return Result{}, c.fail(att, start, protocol.MaxCommitAttempts(att.AttemptCount))
		}
		head, err := c.resolve(ctx, att.TargetVersion, fp)
		if err != nil {
			return Result{}, c.fail(att, start, err)
		}
		// winners that touched protocol or metadata already conflicted, so
		// the base view is still authoritative
		if err := c.validate(base.Protocol(), base.Metadata(), actions); err != nil {
			return Result{}, c.fail(att, start, err)
		}
		att.TargetVersion = head + 1
		if err := c.wait(ctx, att.AttemptCount); err != nil {
			return Result{}, c.fail(att, start, err)
		}
	}
}

// build validates actions and returns the payload with commitInfo first.
func (c *Coordinator) build(base Base, actions []protocol.Action, opts []CommitOption) ([]protocol.Action, error) {
	if len(actions) == 0 {
		return nil, ErrEmptyCommit
	}
	for i, a := range actions {
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
	}
	if err := c.validate(base.Protocol(), base.Metadata(), actions); err != nil {
		return nil, err
	}

	co := commitOptions{operation: "WRITE", engineInfo: defaultEngineInfo}
	for _, opt := range opts {
		if opt != nil {
			opt(&co)
		}
	}
	info := protocol.CommitInfo{}
	payload := make([]protocol.Action, 1, len(actions)+1)
	for _, a := range actions {
		if a.CommitInfo != nil {
			info = *a.CommitInfo
			continue
		}
		payload = append(payload, a)
	}
	if info.Timestamp == 0 {
		info.Timestamp = c.now().UnixMilli()
	}
	if info.Operation == "" {
		info.Operation = co.operation
		info.OperationParameters = co.params
	}
	if info.EngineInfo == "" {
		info.EngineInfo = co.engineInfo
	}
	if info.TxnID == "" {
		info.TxnID = uuid.NewString()
	}
	if info.ReadVersion == nil && base.Version() >= 0 {
		rv := base.Version()
		info.ReadVersion = &rv
	}
	if info.IsBlindAppend == nil {
		blind := protocol.IsBlindAppend(actions)
		info.IsBlindAppend = &blind
	}
	payload[0] = protocol.Action{CommitInfo: &info}
	return payload, nil
}

// validate applies the append-only rule and feature gating. Both are pure.
func (c *Coordinator) validate(p protocol.Protocol, m protocol.Metadata, actions []protocol.Action) error {
	if m.AppendOnly() {
		for _, a := range actions {
			if a.Remove != nil && a.Remove.DataChange {
				return protocol.AppendOnlyViolation()
			}
		}
	}
	return c.checker.CanCommit(p, m, actions)
}

// resolve reads the commits that won the race from lost up to the current
// head and checks them against the pending commit. It returns the head.
func (c *Coordinator) resolve(ctx context.Context, lost int64, fp footprint) (int64, error) {
	head, err := c.log.CurrentHead(ctx)
	if err != nil {
		return 0, err
	}
	if head < lost {
		head = lost
	}
	for v := lost; v <= head; v++ {
		winner, err := c.log.ReadVersion(ctx, v)
		if err != nil {
			return 0, err
		}
		if err := fp.check(v, winner); err != nil {
			return 0, err
		}
	}
	c.logger.Debug("conflict resolved",
		zap.Int64("lost", lost),
		zap.Int64("head", head))
	return head, nil
}

func (c *Coordinator) wait(ctx context.Context, attempt int) error {
	d := c.backoff.Delay(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Coordinator) enter(att *Attempt, next State) {
	prev := att.State
	att.transition(next)
	c.logger.Debug("commit transition",
		zap.Stringer("from", prev),
		zap.Stringer("state", next),
		zap.Int64("version", att.TargetVersion),
		zap.Int("attempt", att.AttemptCount),
		zap.Error(att.LastError))
}

func (c *Coordinator) fail(att *Attempt, start time.Time, err error) error {
	from := att.State
	att.LastError = err
	c.enter(att, StateFailed)
	result := outcome(err)
	c.metrics.ObserveCommit(c.table, result, c.now().Sub(start))
	c.logger.Warn("commit failed",
		zap.Int64("version", att.TargetVersion),
		zap.Int("attempt", att.AttemptCount),
		zap.Stringer("state", from),
		zap.String("result", result),
		zap.Error(err))
	return &CommitError{Version: att.TargetVersion, Attempts: att.AttemptCount, State: from, Err: err}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.ResultCancelled
	case errors.Is(err, protocol.ErrMaxCommitAttempts):
		return metrics.ResultExhausted
	case errors.Is(err, protocol.ErrCommitConflict):
		return metrics.ResultConflict
	case errors.Is(err, ErrEmptyCommit),
		errors.Is(err, protocol.ErrDeltaTableAppendOnly),
		errors.Is(err, protocol.ErrUnsupportedReaderFeatures),
		errors.Is(err, protocol.ErrUnsupportedWriterFeatures),
		errors.Is(err, protocol.ErrWriterFeaturesRequired):
		return metrics.ResultRejected
	}
	var perr *protocol.ProtocolError
	if errors.As(err, &perr) {
		return metrics.ResultRejected
	}
	return metrics.ResultFailed
}
