package smr

import (
	"github.com/cryptape/overlord/consensus"
	"github.com/cryptape/overlord/stateinfo"
)

// WAL is the logical write-ahead log contract: the latest StateInfo
// snapshot, and fetched full blocks keyed by height and hash. The concrete
// on-disk format is out of scope for this package; see the walstore
// package for the default SQLite-backed implementation.
type WAL interface {
	// SaveState persists s as the current StateInfo snapshot, replacing
	// whatever was previously saved. Must complete before the caller
	// proceeds to any externally visible action depending on s.
	SaveState(s stateinfo.StateInfo) error

	// LoadState returns the most recently saved StateInfo, or ok=false
	// if none has ever been saved.
	LoadState() (stateinfo.StateInfo, bool, error)

	// SaveFullBlock persists a fetched full block, keyed by its height
	// and hash.
	SaveFullBlock(fb consensus.FetchedFullBlock) error

	// LoadFullBlocks returns every full block previously saved for
	// height, used to repopulate Cabinet on recovery.
	LoadFullBlocks(height consensus.Height) ([]consensus.FetchedFullBlock, error)

	// Prune discards full blocks saved for a height below height, once
	// commit() has moved past them and Cabinet has purged its own copies
	// via HandleCommit.
	Prune(height consensus.Height) error
}
