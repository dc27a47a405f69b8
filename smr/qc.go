package smr

import (
	"context"

	"github.com/cryptape/overlord/consensus"
	"github.com/cryptape/overlord/eventagent"
	"github.com/cryptape/overlord/smrerr"
)

// handlePreVoteQC processes a PreVoteQC arriving either from the network,
// from the driver's own aggregation, or from a choke's update_from. It is
// idempotent with respect to stale rounds: StateInfo.HandlePreVoteQC
// itself rejects a QC for a round below the current one.
func (d *Driver) handlePreVoteQC(ctx context.Context, qc consensus.PreVoteQC) {
	switch d.filterMsg(qc.Height, qc.Round, false) {
	case filterDebugOld, filterNetMuchHigh:
		return
	case filterDebugHigh:
		d.cab.BufferFuture(qc.Height, Inbound{PreVoteQC: &qc})
		return
	}

	if err := d.auth.VerifyPreVoteQC(qc); err != nil {
		d.logErr("smr: PreVoteQC verification", smrerr.Byzantine(err))
		return
	}

	if _, present := d.cab.GetFullBlock(qc.Height, qc.BlockHash); !present {
		d.pendingPreVoteQC[qc.BlockHash] = qc
		d.agent.RequestFullBlock(ctx, qc.Height, qc.BlockHash, consensus.Block{Height: qc.Height})
		return
	}

	if err := d.state.HandlePreVoteQC(qc, true); err != nil {
		d.logErr("smr: HandlePreVoteQC", smrerr.Debug(err))
		return
	}
	delete(d.pendingPreVoteQC, qc.BlockHash)

	if err := d.saveState(); err != nil {
		d.logErr("smr: persist after PreVoteQC", err)
		return
	}

	d.agent.SetTimeout(d.state.Stage(), d.state.Round)

	if !d.auth.CanIVote() {
		return
	}
	leader := d.auth.GetLeader(d.state.Height, d.state.Round)
	sv, err := d.auth.SignVote(ctx, consensus.Vote{
		Height: d.state.Height, Round: d.state.Round, BlockHash: d.state.BlockHash, Kind: consensus.VotePreCommit,
	})
	if err != nil {
		d.logErr("smr: sign pre-commit", smrerr.Warn(err))
		return
	}
	if _, err := d.cab.InsertPreCommit(sv, d.auth); err != nil {
		d.logErr("smr: insert own pre-commit", smrerr.Warn(err))
	}
	if err := d.net.Transmit(ctx, leader, sv); err != nil {
		d.logErr("smr: transmit pre-commit", smrerr.Net(err))
	}
}

// handlePreCommitQC processes a PreCommitQC, firing the commit rule once
// the full block is available.
func (d *Driver) handlePreCommitQC(ctx context.Context, qc consensus.PreCommitQC) {
	switch d.filterMsg(qc.Height, qc.Round, false) {
	case filterDebugOld, filterNetMuchHigh:
		return
	case filterDebugHigh:
		d.cab.BufferFuture(qc.Height, Inbound{PreCommitQC: &qc})
		return
	}

	if err := d.auth.VerifyPreCommitQC(qc); err != nil {
		d.logErr("smr: PreCommitQC verification", smrerr.Byzantine(err))
		return
	}

	payload, present := d.cab.GetFullBlock(qc.Height, qc.BlockHash)
	if !present {
		d.pendingPreCommitQC[qc.BlockHash] = qc
		d.agent.RequestFullBlock(ctx, qc.Height, qc.BlockHash, consensus.Block{Height: qc.Height})
		return
	}

	if d.state.Step != consensus.StepPreCommit {
		// A PreCommitQC can race ahead of our own step if we are still
		// catching up on the matching PreVoteQC; adopt it directly.
		if err := d.state.HandlePreVoteQC(consensus.PreVoteQC{
			Height: qc.Height, Round: qc.Round, BlockHash: qc.BlockHash,
		}, true); err != nil {
			d.logErr("smr: catch-up HandlePreVoteQC before commit", smrerr.Debug(err))
			return
		}
	}

	if err := d.state.HandlePreCommitQC(qc, true); err != nil {
		d.logErr("smr: HandlePreCommitQC", smrerr.Debug(err))
		return
	}
	delete(d.pendingPreCommitQC, qc.BlockHash)

	if err := d.saveState(); err != nil {
		d.logErr("smr: persist after PreCommitQC", err)
		return
	}

	d.commit(ctx, payload)
}

// handleChokeQC processes a ChokeQC, starting a new round.
func (d *Driver) handleChokeQC(ctx context.Context, qc consensus.ChokeQC) {
	switch d.filterMsg(qc.Height, qc.Round, false) {
	case filterDebugOld, filterNetMuchHigh:
		return
	case filterDebugHigh:
		d.cab.BufferFuture(qc.Height, Inbound{ChokeQC: &qc})
		return
	}

	if err := d.auth.VerifyChokeQC(qc); err != nil {
		d.logErr("smr: ChokeQC verification", smrerr.Byzantine(err))
		return
	}

	if d.lastChokeQC == nil || qc.Round > d.lastChokeQC.Round {
		cp := qc
		d.lastChokeQC = &cp
	}

	if err := d.state.HandleChokeQC(qc); err != nil {
		d.logErr("smr: HandleChokeQC", smrerr.Debug(err))
		return
	}

	if err := d.saveState(); err != nil {
		d.logErr("smr: persist after ChokeQC", err)
		return
	}

	d.startRound(ctx)
}

// handleFetchResult resolves a pending full-block fetch: it stores the
// payload in Cabinet and replays any QC that was only waiting on it.
func (d *Driver) handleFetchResult(ctx context.Context, fr eventagent.FetchResult) {
	if fr.Err != nil {
		d.agent.ClearFetch(fr.Hash)
		d.logErr("smr: fetch full block", smrerr.Warn(fr.Err))
		return
	}

	d.cab.InsertFullBlock(consensus.FetchedFullBlock{Height: fr.Height, Hash: fr.Hash, Payload: fr.Payload})
	if d.wal != nil {
		if err := d.wal.SaveFullBlock(consensus.FetchedFullBlock{Height: fr.Height, Hash: fr.Hash, Payload: fr.Payload}); err != nil {
			d.logErr("smr: persist fetched full block", smrerr.Local(err))
			return
		}
	}

	if qc, ok := d.pendingPreCommitQC[fr.Hash]; ok {
		d.handlePreCommitQC(ctx, qc)
		return
	}
	if qc, ok := d.pendingPreVoteQC[fr.Hash]; ok {
		d.handlePreVoteQC(ctx, qc)
	}
}
