package commit

import (
	"errors"
	"fmt"

	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/protocol"
)

// State is the phase of a commit attempt.
type State int

const (
	StateBuilding State = iota
	StateAttempting
	StateConflictDetected
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "Building"
	case StateAttempting:
		return "Attempting"
	case StateConflictDetected:
		return "ConflictDetected"
	case StateSucceeded:
		return "Succeeded"
	case StateFailed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Attempt is the per-commit retry bookkeeping. It lives only for the
// duration of one Commit call.
type Attempt struct {
	TargetVersion int64
	AttemptCount  int
	LastError     error
	State         State
}

var allowedTransitions = map[State][]State{
	StateBuilding:         {StateAttempting, StateFailed},
	StateAttempting:       {StateSucceeded, StateConflictDetected, StateFailed},
	StateConflictDetected: {StateAttempting, StateFailed},
}

func (a *Attempt) transition(next State) {
	for _, allowed := range allowedTransitions[a.State] {
		if allowed == next {
			a.State = next
			return
		}
	}
	panic(fmt.Sprintf("commit: illegal transition %s -> %s", a.State, next))
}

// ErrEmptyCommit is returned when a commit carries no actions.
var ErrEmptyCommit = errors.New("commit: no actions to commit")

// CommitError wraps every terminal commit failure with the version last
// attempted and the number of conditional writes issued.
type CommitError struct {
	Version  int64
	Attempts int
	State    State
	Err      error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit of version %d failed after %d attempt(s): %v", e.Version, e.Attempts, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// Base is the table view a commit is built against.
type Base interface {
	Version() int64
	Protocol() protocol.Protocol
	Metadata() protocol.Metadata
}

// Snapshot is a fixed Base, used for new tables and in tests.
type Snapshot struct {
	version  int64
	protocol protocol.Protocol
	metadata protocol.Metadata
}

// NewSnapshot returns a Base at version with the given protocol and metadata.
func NewSnapshot(version int64, p protocol.Protocol, m protocol.Metadata) Snapshot {
	return Snapshot{version: version, protocol: p, metadata: m}
}

// EmptyTable is the Base of a table without commits.
func EmptyTable() Snapshot {
	return Snapshot{version: -1}
}

func (s Snapshot) Version() int64 { return s.version }
func (s Snapshot) Protocol() protocol.Protocol { return s.protocol }
func (s Snapshot) Metadata() protocol.Metadata { return s.metadata }

// Result reports a successful commit.
type Result struct {
	Version  int64
	Attempts int
}
