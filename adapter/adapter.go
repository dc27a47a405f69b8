// Package adapter declares the capability set the core requires from
// its host application: block content/validation, execution, and
// network transport, modeled here as interfaces rather than
// parameterized generics, matching Go's idiom of accepting interfaces
// at the boundary.
package adapter

import (
	"context"

	"github.com/cryptape/overlord/consensus"
)

// BlockSource is check_block/create_block/get_blocks: everything about
// block content, validation, and historical retrieval that the core
// treats as an opaque collaborator.
type BlockSource interface {
	// CreateBlock builds a new block proposal content for height, given
	// the execution pipeline context, and returns its content hash (the
	// core never computes a block hash itself).
	CreateBlock(ctx context.Context, height consensus.Height, execHeight consensus.Height, preHash consensus.Hash, preProof consensus.PreCommitQC, states []consensus.BlockState) (consensus.Block, consensus.Hash, error)

	// CheckBlock validates a received block, whose proposer claims hash
	// as its content hash, against the same execution context; a non-nil
	// error is always treated as byzantine-class by the driver (see
	// smrerr). Implementations are expected to recompute the hash
	// themselves and reject a mismatch.
	CheckBlock(ctx context.Context, block consensus.Block, hash consensus.Hash, states []consensus.BlockState) error

	// GetBlockWithProofs returns committed (block, proof) pairs for a
	// contiguous height range. Crash recovery asks only for the single
	// most recently committed height, to rebuild ProposePrepare from it;
	// earlier blocks are not replayed.
	GetBlockWithProofs(ctx context.Context, from, to consensus.Height) ([]BlockWithProof, error)

	// GetLatestHeight reports the adapter's own view of chain progress,
	// consulted on recovery when the WAL itself cannot be loaded.
	GetLatestHeight(ctx context.Context) (consensus.Height, error)
}

// BlockWithProof pairs a committed block with the PreCommitQC proving it.
type BlockWithProof struct {
	Block consensus.Block
	Proof consensus.PreCommitQC
}

// BlockFetcher is fetch_full_block: resolving a proposed block's hash
// into its full opaque payload.
type BlockFetcher interface {
	FetchFullBlock(ctx context.Context, block consensus.Block) ([]byte, error)
}

// Executor is save_and_exec_block_with_proof: handing a committed full
// block to the execution engine. Results are not returned synchronously
// from this call; they are expected to arrive later via whatever
// channel the driver was configured to read from_exec on.
type Executor interface {
	SaveAndExecBlockWithProof(ctx context.Context, height consensus.Height, fullBlock []byte, proof consensus.PreCommitQC) error
}

// Network is transmit/broadcast: outbound message delivery. Both
// methods are allowed to fail with a net-class error, which the driver
// drops without retry.
type Network interface {
	Transmit(ctx context.Context, to consensus.Address, msg any) error
	Broadcast(ctx context.Context, msg any) error
}

// SyncHint is a sync-class message placeholder, left as an open hook: a
// future height-catch-up mechanism would deliver these, but nothing in
// this core acts on them yet beyond a debug-level log (see
// smr.Driver.handleSyncHint).
type SyncHint struct {
	Height consensus.Height
}
