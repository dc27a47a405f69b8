package smr

import (
	"context"
	"time"

	"github.com/cryptape/overlord/consensus"
	"github.com/cryptape/overlord/eventagent"
	"github.com/cryptape/overlord/smrerr"
)

// commit fires the commit rule: a PreCommitQC has been observed for a
// block whose full payload is in hand. StateInfo is persisted before
// the commit is acknowledged externally (already done by the caller);
// here the driver dispatches execution, rotates every collaborator to
// the next height, and either proposes immediately (as the next leader)
// or arms the next round's Propose timeout.
func (d *Driver) commit(ctx context.Context, fullBlock []byte) {
	height := d.state.Height
	hash := d.state.BlockHash
	proof := d.state.PreCommitQC
	commitExecHeight := d.state.Block.ExecHeight
	nextHeight := height + 1

	if err := d.agent.SaveAndExecBlock(ctx, eventagent.ExecRequest{Height: height, Payload: fullBlock, Proof: proof}); err != nil {
		d.logErr("smr: dispatch execution", smrerr.Net(err))
	}

	result, err := d.prep.HandleCommit(hash, proof, commitExecHeight, nextHeight)
	if err != nil {
		d.logErr("smr: prepare.HandleCommit", smrerr.Local(err))
		return
	}

	if err := d.auth.HandleCommit(nextHeight, &result.ConsensusConfig.Auth); err != nil {
		d.logErr("smr: auth.HandleCommit", smrerr.Local(err))
		return
	}
	d.cab.HandleCommit(nextHeight)
	if d.wal != nil {
		if err := d.wal.Prune(nextHeight); err != nil {
			d.logErr("smr: prune WAL full blocks", smrerr.Warn(err))
		}
	}
	d.agent.NextHeight(result.ConsensusConfig.Time)
	d.lastChokeQC = nil
	for h := range d.pendingPreVoteQC {
		delete(d.pendingPreVoteQC, h)
	}
	for h := range d.pendingPreCommitQC {
		delete(d.pendingPreCommitQC, h)
	}

	if err := d.state.AdvanceHeight(nextHeight); err != nil {
		d.logErr("smr: AdvanceHeight", smrerr.Local(err))
		return
	}
	if err := d.saveState(); err != nil {
		d.logErr("smr: persist after commit", err)
		return
	}

	d.log.Info("smr: committed", "height", height, "hash", hash, "next_height", nextHeight)

	amNextLeader := d.auth.AmILeader(nextHeight, 0)
	if throttle := d.agent.CommitThrottle(amNextLeader); throttle > 0 {
		select {
		case <-time.After(throttle):
		case <-ctx.Done():
			return
		}
	}

	d.startRound(ctx)
}

// startRound begins the current (height, round): the leader proposes
// immediately, and everyone else arms the round's Propose timeout and
// adopts any proposal Cabinet already holds for this slot. It also
// replays whatever the driver buffered while it was behind this height.
func (d *Driver) startRound(ctx context.Context) {
	d.replayFuture(ctx, d.state.Height)

	if d.auth.AmILeader(d.state.Height, d.state.Round) {
		d.proposeBlock(ctx)
		return
	}

	d.agent.SetTimeout(d.state.Stage(), d.state.Round)
	if sp, ok := d.cab.TakeSignedProposal(d.state.Height, d.state.Round); ok {
		d.handleSignedProposal(ctx, sp)
	}
}

// proposeBlock builds, signs and broadcasts a new proposal for the
// driver's current (height, round), carrying a PoLC lock if one is held.
func (d *Driver) proposeBlock(ctx context.Context) {
	states, err := d.prep.GetBlockStatesList(d.prep.PreExecHeight())
	if err != nil {
		d.logErr("smr: block states for create_block", smrerr.Warn(err))
		return
	}

	block, hash, err := d.blocks.CreateBlock(ctx, d.state.Height, d.prep.ExecHeight(), d.prep.PreHash(), d.prep.PreProof(), states)
	if err != nil {
		// A failed create_block aborts only the current round: the
		// replica simply waits for its own Propose timeout to choke and
		// retry in the next round.
		d.logErr("smr: create_block", smrerr.Warn(err))
		d.agent.SetTimeout(d.state.Stage(), d.state.Round)
		return
	}

	proposal := consensus.Proposal{
		Height:    d.state.Height,
		Round:     d.state.Round,
		Block:     block,
		BlockHash: hash,
		Proposer:  d.auth.MyAddress(),
	}
	if d.state.Lock != nil {
		lock := *d.state.Lock
		proposal.Lock = &lock
	}

	sp, err := d.auth.SignProposal(ctx, proposal)
	if err != nil {
		d.logErr("smr: sign proposal", smrerr.Warn(err))
		return
	}

	d.cab.InsertFullBlock(consensus.FetchedFullBlock{Height: proposal.Height, Hash: proposal.BlockHash, Payload: block.Payload})
	if err := d.net.Broadcast(ctx, sp); err != nil {
		d.logErr("smr: broadcast proposal", smrerr.Net(err))
	}

	d.agent.SetTimeout(d.state.Stage(), d.state.Round)

	if d.auth.CanIVote() {
		d.handleSignedProposal(ctx, sp)
	}
}

// handleTimeout processes an armed timer firing. Stale timers (armed for
// a stage the driver has since left) are discarded.
func (d *Driver) handleTimeout(ctx context.Context, ev eventagent.TimeoutEvent) {
	if ev.Stage != d.state.Stage() {
		return
	}

	switch ev.Stage.Step {
	case consensus.StepPropose, consensus.StepPreVote, consensus.StepPreCommit:
		if err := d.state.EnterBrake(); err != nil {
			d.logErr("smr: EnterBrake", smrerr.Debug(err))
			return
		}
		if err := d.saveState(); err != nil {
			d.logErr("smr: persist after brake", err)
			return
		}
		d.emitChoke(ctx)
	case consensus.StepBrake:
		d.emitChoke(ctx)
	}
}

// emitChoke signs and broadcasts a Choke carrying the strongest update_from
// evidence this replica holds, then re-arms the Brake timer for another
// round of the same wait.
func (d *Driver) emitChoke(ctx context.Context) {
	if !d.auth.CanIVote() {
		d.agent.SetTimeout(d.state.Stage(), d.state.Round)
		return
	}

	uf := d.state.StrongestUpdateFrom(d.lastChokeQC)
	sc, err := d.auth.SignChoke(ctx, consensus.Choke{Height: d.state.Height, Round: d.state.Round, UpdateFrom: uf})
	if err != nil {
		d.logErr("smr: sign choke", smrerr.Warn(err))
		return
	}
	if _, err := d.cab.InsertChoke(sc, d.auth); err != nil {
		d.logErr("smr: insert own choke", smrerr.Warn(err))
	}
	if err := d.net.Broadcast(ctx, sc); err != nil {
		d.logErr("smr: broadcast choke", smrerr.Net(err))
	}
	d.agent.SetTimeout(d.state.Stage(), d.state.Round)
}
