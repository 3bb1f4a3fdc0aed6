package table

import (
	"context"
	"errors"

	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/commit"
	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/protocol"
)

var (
	// ErrTransactionClosed is returned when using a committed or aborted Txn.
	ErrTransactionClosed = errors.New("transaction closed")
	// ErrEmptyTransaction is returned when committing a Txn without actions.
	ErrEmptyTransaction = errors.New("transaction has no actions")
)

// Txn buffers actions against the version the table had when Begin was
// called and commits them as one version. A Txn is not safe for concurrent
// use.
type Txn struct {
	table       *Table
	readVersion int64
	actions     []protocol.Action
	operation   string
	params      map[string]any
	closed      bool
}

// Begin starts a transaction on the current version of the table.
func (t *Table) Begin() *Txn {
	return &Txn{table: t, readVersion: t.Version(), operation: "WRITE"}
}

// ReadVersion is the version the transaction is based on.
func (x *Txn) ReadVersion() int64 { return x.readVersion }

// Add stages a data file. The partition values and tags are copied.
func (x *Txn) Add(file protocol.AddFile) error {
	if x.closed {
		return ErrTransactionClosed
	}
	if file.Path == "" {
		return errors.New("add requires a path")
	}
	file.PartitionValues = copyStrings(file.PartitionValues)
	if file.PartitionValues == nil {
		file.PartitionValues = map[string]string{}
	}
	file.Tags = copyStrings(file.Tags)
	x.actions = append(x.actions, protocol.Action{Add: &file})
	return nil
}

// Remove stages the removal of a data file. dataChange=false marks a
// rearrangement such as compaction.
func (x *Txn) Remove(path string, dataChange bool) error {
	if x.closed {
		return ErrTransactionClosed
	}
	if path == "" {
		return errors.New("remove requires a path")
	}
	x.actions = append(x.actions, protocol.NewRemove(path, dataChange))
	return nil
}

func (x *Txn) SetMetadata(md protocol.Metadata) error {
	if x.closed {
		return ErrTransactionClosed
	}
	x.actions = append(x.actions, protocol.Action{Metadata: &md})
	return nil
}

func (x *Txn) SetProtocol(p protocol.Protocol) error {
	if x.closed {
		return ErrTransactionClosed
	}
	x.actions = append(x.actions, protocol.NewProtocol(p))
	return nil
}

// SetAppTransaction records version as the progress of an idempotent writer.
// Two transactions carrying the same appID never both commit.
func (x *Txn) SetAppTransaction(appID string, version int64) error {
	if x.closed {
		return ErrTransactionClosed
	}
	if appID == "" {
		return errors.New("app transaction requires an app id")
	}
	x.actions = append(x.actions, protocol.NewTxn(appID, version))
	return nil
}

// SetOperation names the operation recorded in commitInfo.
func (x *Txn) SetOperation(name string, params map[string]any) {
	if x.closed {
		return
	}
	x.operation = name
	x.params = params
}

// Abort drops the staged actions and closes the transaction.
func (x *Txn) Abort() {
	if x.closed {
		return
	}
	x.closed = true
	x.actions = nil
}

// Commit writes the staged actions. The transaction is closed afterwards
// whatever the outcome.
func (x *Txn) Commit(ctx context.Context) (commit.Result, error) {
	if x.closed {
		return commit.Result{}, ErrTransactionClosed
	}
	defer func() {
		x.closed = true
		x.actions = nil
	}()
	if len(x.actions) == 0 {
		return commit.Result{}, ErrEmptyTransaction
	}
	return x.table.Commit(ctx, x.readVersion, x.actions, commit.WithOperation(x.operation, x.params))
}

func copyStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
