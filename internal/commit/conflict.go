package commit

import "github.com/diegomrodrigues2/go-delta-from-scratch/internal/protocol"

// footprint is what a pending commit touches that a concurrent winner may
// invalidate.
type footprint struct {
	removes map[string]struct{}
	appIDs  map[string]struct{}
}

func footprintOf(actions []protocol.Action) footprint {
	fp := footprint{removes: map[string]struct{}{}, appIDs: map[string]struct{}{}}
	for _, a := range actions {
		switch {
		case a.Remove != nil:
			fp.removes[a.Remove.Path] = struct{}{}
		case a.Txn != nil:
			fp.appIDs[a.Txn.AppID] = struct{}{}
		}
	}
	return fp
}

// check returns a CommitConflict when the winning commit at version changed
// something the pending commit relied on. Add-only winners never conflict.
func (fp footprint) check(version int64, winner []protocol.Action) error {
	for _, a := range winner {
		switch {
		case a.Metadata != nil:
			return protocol.CommitConflict("metadata changed by concurrent commit at version %d", version)
		case a.Protocol != nil:
			return protocol.CommitConflict("protocol changed by concurrent commit at version %d", version)
		case a.Remove != nil:
			if _, ok := fp.removes[a.Remove.Path]; ok {
				return protocol.CommitConflict("file %s was deleted by concurrent commit at version %d", a.Remove.Path, version)
			}
		case a.Txn != nil:
			if _, ok := fp.appIDs[a.Txn.AppID]; ok {
				return protocol.CommitConflict("concurrent transaction for app %s committed at version %d", a.Txn.AppID, version)
			}
		}
	}
	return nil
}
