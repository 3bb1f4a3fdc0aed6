// Package kernel materializes table state from the commit log.
package kernel

import (
	"fmt"
	"sort"

	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/protocol"
)

// State is the table as of one version: the latest protocol and metadata,
// the active files and the tombstones left by removes. A State is not safe
// for concurrent mutation; Table hands out clones.
type State struct {
	version     int64
	protocol    protocol.Protocol
	metadata    protocol.Metadata
	hasProtocol bool
	hasMetadata bool
	files       map[string]protocol.AddFile
	tombstones  map[string]protocol.RemoveFile
	appTxns     map[string]protocol.Txn
	timestamps  map[int64]int64
}

// NewState returns the state of a table without commits (version -1).
func NewState() *State {
	return &State{
		version:    -1,
		files:      map[string]protocol.AddFile{},
		tombstones: map[string]protocol.RemoveFile{},
		appTxns:    map[string]protocol.Txn{},
		timestamps: map[int64]int64{},
	}
}

// Apply folds the commit at version into the state. Versions must be
// applied in order without gaps.
func (s *State) Apply(version int64, actions []protocol.Action) error {
	if version != s.version+1 {
		return &Error{Kind: KindMissingVersion, Msg: fmt.Sprintf("expected version %d, got %d", s.version+1, version)}
	}
	for _, a := range actions {
		switch {
		case a.Add != nil:
			s.files[a.Add.Path] = *a.Add
			delete(s.tombstones, a.Add.Path)
		case a.Remove != nil:
			delete(s.files, a.Remove.Path)
			s.tombstones[a.Remove.Path] = *a.Remove
		case a.Metadata != nil:
			s.metadata = *a.Metadata
			s.hasMetadata = true
		case a.Protocol != nil:
			s.protocol = *a.Protocol
			s.hasProtocol = true
		case a.Txn != nil:
			s.appTxns[a.Txn.AppID] = *a.Txn
		case a.CommitInfo != nil:
			s.timestamps[version] = a.CommitInfo.Timestamp
		}
	}
	s.version = version
	return nil
}

func (s *State) Version() int64 { return s.version }

func (s *State) Protocol() protocol.Protocol { return s.protocol }

func (s *State) Metadata() protocol.Metadata { return s.metadata }

// HasMetadata reports whether any applied commit carried a metaData action.
func (s *State) HasMetadata() bool { return s.hasMetadata }

func (s *State) HasProtocol() bool { return s.hasProtocol }

// Files returns the active files sorted by path.
func (s *State) Files() []protocol.AddFile {
	out := make([]protocol.AddFile, 0, len(s.files))
	for _, f := range s.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (s *State) NumFiles() int { return len(s.files) }

// File returns the active file at path.
func (s *State) File(path string) (protocol.AddFile, bool) {
	f, ok := s.files[path]
	return f, ok
}

// Tombstones returns removed files sorted by path.
func (s *State) Tombstones() []protocol.RemoveFile {
	out := make([]protocol.RemoveFile, 0, len(s.tombstones))
	for _, r := range s.tombstones {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// AppVersion returns the last version recorded by an idempotent writer.
func (s *State) AppVersion(appID string) (int64, bool) {
	t, ok := s.appTxns[appID]
	return t.Version, ok
}

func (s *State) appTransactions() []protocol.Txn {
	out := make([]protocol.Txn, 0, len(s.appTxns))
	for _, t := range s.appTxns {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppID < out[j].AppID })
	return out
}

// CommitTimestamp returns the commitInfo timestamp of version, in unix millis.
func (s *State) CommitTimestamp(version int64) (int64, bool) {
	ts, ok := s.timestamps[version]
	return ts, ok
}

// Schema parses the table schema.
func (s *State) Schema() (*StructType, error) {
	if !s.hasMetadata {
		return nil, &Error{Kind: KindMissingMetadata}
	}
	return ParseSchema(s.metadata.SchemaString)
}

// Invariants returns the column invariants declared by the schema.
func (s *State) Invariants() ([]Invariant, error) {
	schema, err := s.Schema()
	if err != nil {
		return nil, err
	}
	return schema.Invariants()
}

// GenerationExpressions returns the generated columns declared by the schema.
func (s *State) GenerationExpressions() ([]GeneratedColumn, error) {
	schema, err := s.Schema()
	if err != nil {
		return nil, err
	}
	return schema.GenerationExpressions()
}

// PartitionValues returns the partition values of an active file converted
// to the column types of the schema.
func (s *State) PartitionValues(path string) (map[string]any, error) {
	file, ok := s.files[path]
	if !ok {
		return nil, &Error{Kind: KindFileNotFound, Msg: path}
	}
	schema, err := s.Schema()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(s.metadata.PartitionColumns))
	for _, col := range s.metadata.PartitionColumns {
		field, ok := schema.Field(col)
		if !ok {
			return nil, &Error{Kind: KindMissingColumn, Msg: fmt.Sprintf("partition column %s not found in schema", col)}
		}
		v, err := parsePartitionValue(file.PartitionValues[col], field.Type)
		if err != nil {
			return nil, err
		}
		out[col] = v
	}
	return out, nil
}

// Clone returns a deep enough copy for independent folding.
func (s *State) Clone() *State {
	c := *s
	c.files = make(map[string]protocol.AddFile, len(s.files))
	for k, v := range s.files {
		c.files[k] = v
	}
	c.tombstones = make(map[string]protocol.RemoveFile, len(s.tombstones))
	for k, v := range s.tombstones {
		c.tombstones[k] = v
	}
	c.appTxns = make(map[string]protocol.Txn, len(s.appTxns))
	for k, v := range s.appTxns {
		c.appTxns[k] = v
	}
	c.timestamps = make(map[int64]int64, len(s.timestamps))
	for k, v := range s.timestamps {
		c.timestamps[k] = v
	}
	return &c
}
