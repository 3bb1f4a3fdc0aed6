package kernel

import (
	"errors"
	"fmt"

	"github.com/diegomrodrigues2/go-delta-from-scratch/internal/protocol"
)

const checkpointFormat = "checkpoint-ndjson"

// EncodeCheckpoint serializes s as NDJSON actions: protocol, metaData, app
// transactions, active files and tombstones.
func EncodeCheckpoint(s *State) ([]byte, error) {
	if s.version < 0 {
		return nil, &Error{Kind: KindMissingVersion}
	}
	actions := make([]protocol.Action, 0, 2+len(s.appTxns)+len(s.files)+len(s.tombstones))
	if s.hasProtocol {
		p := s.protocol
		actions = append(actions, protocol.Action{Protocol: &p})
	}
	if s.hasMetadata {
		m := s.metadata
		actions = append(actions, protocol.Action{Metadata: &m})
	}
	for _, t := range s.appTransactions() {
		actions = append(actions, protocol.Action{Txn: &t})
	}
	for _, f := range s.Files() {
		actions = append(actions, protocol.Action{Add: &f})
	}
	for _, r := range s.Tombstones() {
		actions = append(actions, protocol.Action{Remove: &r})
	}
	data, err := protocol.EncodeCommit(actions)
	if err != nil {
		return nil, Wrap(err)
	}
	return data, nil
}

// DecodeCheckpoint rebuilds the state written by EncodeCheckpoint at version.
func DecodeCheckpoint(version int64, data []byte) (*State, error) {
	actions, err := protocol.DecodeCommit(data)
	if err != nil {
		derr := &Error{Kind: KindDecode, Format: checkpointFormat, Msg: fmt.Sprintf("checkpoint at version %d", version), Err: err}
		var perr *protocol.ProtocolError
		if errors.As(err, &perr) {
			derr.Line = perr.Line
		}
		return nil, derr
	}
	s := NewState()
	s.version = version - 1
	if err := s.Apply(version, actions); err != nil {
		return nil, err
	}
	if !s.hasMetadata {
		return nil, &Error{Kind: KindDecode, Format: checkpointFormat, Msg: fmt.Sprintf("checkpoint at version %d has no metadata", version), Err: ErrMissingMetadata}
	}
	return s, nil
}
