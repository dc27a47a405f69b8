package smr

import (
	"context"
	"fmt"

	"github.com/cryptape/overlord/adapter"
	"github.com/cryptape/overlord/cabinet"
	"github.com/cryptape/overlord/consensus"
	"github.com/cryptape/overlord/smrerr"
)

// handleInbound dispatches one Inbound envelope to its per-class
// handler. Exactly one field of msg is expected to be non-nil.
func (d *Driver) handleInbound(ctx context.Context, msg Inbound) {
	switch {
	case msg.Proposal != nil:
		d.handleSignedProposal(ctx, *msg.Proposal)
	case msg.PreVote != nil:
		d.handleSignedVote(ctx, *msg.PreVote, false)
	case msg.PreCommit != nil:
		d.handleSignedVote(ctx, *msg.PreCommit, true)
	case msg.Choke != nil:
		d.handleSignedChoke(ctx, *msg.Choke)
	case msg.PreVoteQC != nil:
		d.handlePreVoteQC(ctx, *msg.PreVoteQC)
	case msg.PreCommitQC != nil:
		d.handlePreCommitQC(ctx, *msg.PreCommitQC)
	case msg.ChokeQC != nil:
		d.handleChokeQC(ctx, *msg.ChokeQC)
	case msg.SyncHint != nil:
		d.handleSyncHint(*msg.SyncHint)
	default:
		d.log.Debug("smr: empty inbound envelope")
	}
}

// replayFuture re-dispatches every envelope Cabinet buffered for height
// while the replica was behind it, called once the replica actually
// reaches that height.
func (d *Driver) replayFuture(ctx context.Context, height consensus.Height) {
	for _, raw := range d.cab.DrainFuture(height) {
		msg, ok := raw.(Inbound)
		if !ok {
			continue
		}
		d.handleInbound(ctx, msg)
	}
}

func (d *Driver) handleSignedProposal(ctx context.Context, sp consensus.SignedProposal) {
	switch d.filterMsg(sp.Proposal.Height, sp.Proposal.Round, true) {
	case filterDebugOld, filterNetMuchHigh:
		return
	case filterDebugHigh:
		d.cab.BufferFuture(sp.Proposal.Height, Inbound{Proposal: &sp})
		return
	}

	if err := d.auth.VerifySignedProposal(sp); err != nil {
		d.auth.RecordByzantine(sp.Proposal.Proposer)
		d.logErr("smr: proposal signature", smrerr.Byzantine(err))
		return
	}
	if wantLeader := d.auth.GetLeader(sp.Proposal.Height, sp.Proposal.Round); sp.Proposal.Proposer != wantLeader {
		d.auth.RecordByzantine(sp.Proposal.Proposer)
		d.logErr("smr: proposal from non-leader", smrerr.Byzantinef(
			"proposal for %d/%d from %x, leader is %x", sp.Proposal.Height, sp.Proposal.Round, sp.Proposal.Proposer, wantLeader,
		))
		return
	}
	if sp.Proposal.Block.Height != sp.Proposal.Height {
		d.auth.RecordByzantine(sp.Proposal.Proposer)
		d.logErr("smr: proposal block height mismatch", smrerr.Byzantinef("block height %d != proposal height %d", sp.Proposal.Block.Height, sp.Proposal.Height))
		return
	}
	if sp.Proposal.Block.PreHash != d.prep.PreHash() {
		d.auth.RecordByzantine(sp.Proposal.Proposer)
		d.logErr("smr: proposal pre_hash mismatch", smrerr.Byzantinef("pre_hash %q != expected %q", sp.Proposal.Block.PreHash, d.prep.PreHash()))
		return
	}
	if sp.Proposal.Lock != nil {
		if sp.Proposal.Lock.Round >= sp.Proposal.Round {
			d.auth.RecordByzantine(sp.Proposal.Proposer)
			d.logErr("smr: proposal lock round not below proposal round", smrerr.Byzantinef("lock round %d >= proposal round %d", sp.Proposal.Lock.Round, sp.Proposal.Round))
			return
		}
		if sp.Proposal.Lock.QC.Round != sp.Proposal.Lock.Round || sp.Proposal.Lock.QC.BlockHash != sp.Proposal.Lock.Hash {
			d.auth.RecordByzantine(sp.Proposal.Proposer)
			d.logErr("smr: embedded lock inconsistent with its QC", smrerr.Byzantinef("embedded lock does not match its own QC"))
			return
		}
		if err := d.auth.VerifyPreVoteQC(sp.Proposal.Lock.QC); err != nil {
			d.auth.RecordByzantine(sp.Proposal.Proposer)
			d.logErr("smr: embedded lock QC invalid", smrerr.Byzantine(err))
			return
		}
	}

	if d.prep.TooFarAhead(sp.Proposal.Block.ExecHeight) {
		d.logErr("smr: proposal ahead of local execution", smrerr.Warn(fmt.Errorf(
			"block exec_height %d ahead of local exec_height %d", sp.Proposal.Block.ExecHeight, d.prep.ExecHeight(),
		)))
		return
	}

	states, err := d.prep.GetBlockStatesList(sp.Proposal.Block.ExecHeight)
	if err != nil {
		d.logErr("smr: block states for check_block", smrerr.Warn(err))
		return
	}
	if err := d.blocks.CheckBlock(ctx, sp.Proposal.Block, sp.Proposal.BlockHash, states); err != nil {
		d.auth.RecordByzantine(sp.Proposal.Proposer)
		d.logErr("smr: check_block rejected proposal", smrerr.Byzantine(err))
		return
	}

	d.agent.RequestFullBlock(ctx, sp.Proposal.Height, sp.Proposal.BlockHash, sp.Proposal.Block)

	if d.state.Step != consensus.StepPropose || sp.Proposal.Round != d.state.Round {
		// Round has already moved on; still worth keeping for inspection
		// or a future replay, but it cannot drive our vote now.
		if sp.Proposal.Lock != nil && (d.state.Lock == nil || sp.Proposal.Lock.Round > d.state.Lock.Round) {
			lock := *sp.Proposal.Lock
			d.state.Lock = &lock
		}
		d.cab.InsertProposal(sp)
		return
	}

	if !d.auth.CanIVote() {
		return
	}

	voteHash, _, err := d.state.HandleProposal(sp)
	if err != nil {
		if smrerr.ClassOf(err) == smrerr.ClassByzantine {
			d.auth.RecordByzantine(sp.Proposal.Proposer)
		}
		// err already carries its own classification (e.g. fork detection
		// is byzantine-class); re-wrapping it here would discard that.
		d.logErr("smr: HandleProposal", err)
		return
	}

	sv, err := d.auth.SignVote(ctx, consensus.Vote{
		Height: sp.Proposal.Height, Round: sp.Proposal.Round, BlockHash: voteHash, Kind: consensus.VotePreVote,
	})
	if err != nil {
		d.logErr("smr: sign pre-vote", smrerr.Warn(err))
		return
	}

	if err := d.saveState(); err != nil {
		d.logErr("smr: persist after proposal", err)
		return
	}

	if _, err := d.cab.InsertPreVote(sv, d.auth); err != nil {
		d.logErr("smr: insert own pre-vote", smrerr.Warn(err))
	}
	if err := d.net.Transmit(ctx, sp.Proposal.Proposer, sv); err != nil {
		d.logErr("smr: transmit pre-vote", smrerr.Net(err))
	}
	d.agent.SetTimeout(consensus.Stage{Height: d.state.Height, Round: d.state.Round, Step: consensus.StepPreVote}, d.state.Round)
}

func (d *Driver) handleSignedVote(ctx context.Context, sv consensus.SignedVote, precommit bool) {
	switch d.filterMsg(sv.Vote.Height, sv.Vote.Round, false) {
	case filterDebugOld, filterNetMuchHigh:
		return
	case filterDebugHigh:
		msg := Inbound{PreVote: &sv}
		if precommit {
			msg = Inbound{PreCommit: &sv}
		}
		d.cab.BufferFuture(sv.Vote.Height, msg)
		return
	}

	wantKind := consensus.VotePreVote
	verify := d.auth.VerifySignedPreVote
	insert := d.cab.InsertPreVote
	if precommit {
		wantKind = consensus.VotePreCommit
		verify = d.auth.VerifySignedPreCommit
		insert = d.cab.InsertPreCommit
	}
	if sv.Vote.Kind != wantKind {
		d.auth.RecordByzantine(sv.Voter)
		d.logErr("smr: vote kind mismatch", smrerr.Byzantinef("expected %s, got %s", wantKind, sv.Vote.Kind))
		return
	}
	if err := verify(sv); err != nil {
		d.auth.RecordByzantine(sv.Voter)
		d.logErr("smr: vote signature", smrerr.Byzantine(err))
		return
	}

	outcome, err := insert(sv, d.auth)
	if err != nil {
		d.logErr("smr: insert vote", smrerr.Warn(err))
		return
	}
	if outcome != cabinet.InsertQuorum {
		return
	}

	votes := d.cab.GetSignedPreVotesByHash(sv.Vote.Height, sv.Vote.Round, sv.Vote.BlockHash)
	if precommit {
		votes = d.cab.GetSignedPreCommitsByHash(sv.Vote.Height, sv.Vote.Round, sv.Vote.BlockHash)
	}

	if precommit {
		qc, err := d.auth.AggregatePreCommits(sv.Vote.Height, sv.Vote.Round, sv.Vote.BlockHash, votes)
		if err != nil {
			d.logErr("smr: aggregate pre-commits", smrerr.Warn(err))
			return
		}
		if err := d.net.Broadcast(ctx, qc); err != nil {
			d.logErr("smr: broadcast PreCommitQC", smrerr.Net(err))
		}
		d.handlePreCommitQC(ctx, qc)
		return
	}

	qc, err := d.auth.AggregatePreVotes(sv.Vote.Height, sv.Vote.Round, sv.Vote.BlockHash, votes)
	if err != nil {
		d.logErr("smr: aggregate pre-votes", smrerr.Warn(err))
		return
	}
	if err := d.net.Broadcast(ctx, qc); err != nil {
		d.logErr("smr: broadcast PreVoteQC", smrerr.Net(err))
	}
	d.handlePreVoteQC(ctx, qc)
}

func (d *Driver) handleSignedChoke(ctx context.Context, sc consensus.SignedChoke) {
	switch d.filterMsg(sc.Choke.Height, sc.Choke.Round, false) {
	case filterDebugOld, filterNetMuchHigh:
		return
	case filterDebugHigh:
		d.cab.BufferFuture(sc.Choke.Height, Inbound{Choke: &sc})
		return
	}

	if err := d.auth.VerifySignedChoke(sc); err != nil {
		d.auth.RecordByzantine(sc.Signer)
		d.logErr("smr: choke signature", smrerr.Byzantine(err))
		return
	}

	outcome, err := d.cab.InsertChoke(sc, d.auth)
	if err != nil {
		d.logErr("smr: insert choke", smrerr.Warn(err))
	} else if outcome == cabinet.InsertQuorum {
		chokes := d.cab.GetSignedChokes(sc.Choke.Height, sc.Choke.Round)
		qc, err := d.auth.AggregateChokes(sc.Choke.Height, sc.Choke.Round, chokes)
		if err != nil {
			d.logErr("smr: aggregate chokes", smrerr.Warn(err))
		} else {
			if err := d.net.Broadcast(ctx, qc); err != nil {
				d.logErr("smr: broadcast ChokeQC", smrerr.Net(err))
			}
			d.handleChokeQC(ctx, qc)
		}
	}

	// A choke's carried update_from is independently actionable evidence,
	// even when this particular choke did not itself cross quorum:
	// falling short of choke-quorum is also an opportunity to advance
	// directly on the stronger QC it names.
	d.processUpdateFrom(ctx, sc.Choke.UpdateFrom)
}

func (d *Driver) processUpdateFrom(ctx context.Context, uf consensus.UpdateFrom) {
	switch uf.Kind {
	case consensus.UpdateFromPreVoteQC:
		if uf.PreVoteQC != nil {
			d.handlePreVoteQC(ctx, *uf.PreVoteQC)
		}
	case consensus.UpdateFromPreCommitQC:
		if uf.PreCommitQC != nil {
			d.handlePreCommitQC(ctx, *uf.PreCommitQC)
		}
	case consensus.UpdateFromChokeQC:
		if uf.ChokeQC != nil {
			d.handleChokeQC(ctx, *uf.ChokeQC)
		}
	}
}

// handleSyncHint is a placeholder hook: nothing in this core yet acts on
// a sync hint beyond noting it at debug level.
func (d *Driver) handleSyncHint(hint adapter.SyncHint) {
	d.log.Debug("smr: sync hint observed", "height", hint.Height)
}
