package smr

import (
	"context"
	"fmt"

	"github.com/cryptape/overlord/consensus"
	"github.com/cryptape/overlord/prepare"
	"github.com/cryptape/overlord/stateinfo"
)

// recover restores StateInfo from the WAL if one was saved and can be
// loaded, replaying its full blocks into Cabinet; otherwise it starts a
// fresh StateInfo at
// the height following the adapter's own view of the chain. Either way,
// it then reconstructs ProposePrepare and resyncs AuthManage's height
// bookkeeping from chain history via recoverPrepareAndAuth, since
// neither survives in the WAL today and Config's placeholder Prepare/
// Auth values are only ever correct for a from-genesis boot. A replica
// that died between a PreCommitQC being persisted and its commit being
// externally acknowledged resumes exactly at that StateInfo and is free
// to re-drive the commit pipeline, since commit()/HandlePreCommitQC are
// idempotent with respect to a StateInfo already in the Commit step.
func (d *Driver) recover(ctx context.Context) error {
	if d.wal != nil {
		snap, ok, err := d.wal.LoadState()
		if err != nil {
			d.log.Warn("smr: WAL state could not be loaded, falling back to adapter's latest height", "err", err)
			ok = false
		}
		if ok {
			d.state = new(stateinfo.StateInfo)
			d.state.Restore(snap)

			blocks, err := d.wal.LoadFullBlocks(d.state.Height)
			if err != nil {
				return fmt.Errorf("load full blocks for height %d: %w", d.state.Height, err)
			}
			for _, fb := range blocks {
				d.cab.InsertFullBlock(fb)
			}

			if err := d.recoverPrepareAndAuth(ctx); err != nil {
				return fmt.Errorf("reconstruct prepare/auth from chain history: %w", err)
			}

			if d.state.Step == consensus.StepCommit {
				if payload, present := d.cab.GetFullBlock(d.state.Height, d.state.BlockHash); present {
					d.log.Info("smr: recovered mid-commit, resuming", "height", d.state.Height)
					d.commit(ctx, payload)
				} else {
					d.log.Warn("smr: recovered mid-commit without full block, re-fetching", "height", d.state.Height)
					d.agent.RequestFullBlock(ctx, d.state.Height, d.state.BlockHash, d.state.Block)
				}
			} else {
				d.startRound(ctx)
			}
			return nil
		}
	}

	latest, err := d.blocks.GetLatestHeight(ctx)
	if err != nil {
		return fmt.Errorf("get latest height: %w", err)
	}
	d.state = stateinfo.New(latest + 1)

	if err := d.recoverPrepareAndAuth(ctx); err != nil {
		return fmt.Errorf("reconstruct prepare/auth from chain history: %w", err)
	}

	d.startRound(ctx)
	return nil
}

// recoverPrepareAndAuth reconciles AuthManage's height bookkeeping and
// ProposePrepare's pre-hash/pre-proof baseline with chain history, once
// d.state.Height is known, regardless of whether it came from a WAL
// snapshot or from the adapter's latest-height fallback: a
// construction-time Config only ever supplies correct Prepare/Auth
// values for a from-genesis boot, and Config has no way of knowing in
// advance what height recovery will land on.
//
// Full historical AuthConfig replay (reconstructing validator-set
// rotations from every block since genesis, the way a fully synchronous
// executor could) is out of reach here: consensus.Block carries no
// ConsensusConfig field, and Executor.SaveAndExecBlockWithProof reports
// results asynchronously, so only the most recent committed block's
// hash/proof/exec height can be recovered synchronously at boot. A
// validator-set rotation that happened strictly between the WAL's last
// persisted snapshot and the replica's actual crash is not recoverable
// this way; see the commit() path, which is the only place Auth/Prepare
// are otherwise advanced.
func (d *Driver) recoverPrepareAndAuth(ctx context.Context) error {
	d.auth.Resync(d.state.Height)

	if d.state.Height <= 1 {
		// Nothing has ever committed; the Config-supplied genesis Prepare
		// placeholder is already correct.
		return nil
	}

	committedHeight := d.state.Height - 1
	bps, err := d.blocks.GetBlockWithProofs(ctx, committedHeight, committedHeight)
	if err != nil {
		return fmt.Errorf("get block with proof for height %d: %w", committedHeight, err)
	}
	if len(bps) == 0 {
		return fmt.Errorf("adapter reports no committed block at height %d", committedHeight)
	}
	bp := bps[0]

	d.prep = prepare.Recovered(bp.Proof.BlockHash, bp.Proof, bp.Block.ExecHeight)
	d.log.Info("smr: reconstructed propose-prepare from chain history",
		"committed_height", committedHeight, "pre_exec_height", bp.Block.ExecHeight)
	return nil
}
