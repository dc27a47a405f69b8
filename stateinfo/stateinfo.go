// Package stateinfo implements StateInfo: the per-height round/step
// state machine, including PoLC locking semantics and the commit rule.
// StateInfo is the sole authority over (height, round, step, lock,
// block, pre_commit_qc); only the SMR driver mutates it, and only after
// the driver has independently verified whatever artifact is driving
// the transition (signatures, QC aggregate, structural validity).
package stateinfo

import (
	"fmt"

	"github.com/cryptape/overlord/consensus"
	"github.com/cryptape/overlord/smrerr"
)

// StateInfo is the replica's current position in the protocol.
type StateInfo struct {
	Height consensus.Height
	Round  consensus.Round
	Step   consensus.Step

	// Lock is nil until a PreVoteQC has been observed in some round of
	// the current height. It survives round changes and is cleared only
	// on height change.
	Lock *consensus.Lock

	// Block and BlockHash are the block the replica is prepared to
	// pre-commit/commit for the current round: either the proposal just
	// adopted, or the block named by Lock when a proposal failed to
	// justify unlocking.
	Block     consensus.Block
	BlockHash consensus.Hash

	// PreCommitQC is set once the commit rule fires for this height.
	PreCommitQC consensus.PreCommitQC
}

// New returns a fresh StateInfo for the given height, round 0, step
// Propose, no lock.
func New(height consensus.Height) *StateInfo {
	return &StateInfo{Height: height, Step: consensus.StepPropose}
}

// Snapshot returns a value copy of s suitable for WAL persistence.
func (s *StateInfo) Snapshot() StateInfo {
	cp := *s
	if s.Lock != nil {
		l := *s.Lock
		cp.Lock = &l
	}
	return cp
}

// Restore replaces s's fields with those of snap, e.g. after loading
// from the WAL on crash recovery.
func (s *StateInfo) Restore(snap StateInfo) {
	*s = snap
	if snap.Lock != nil {
		l := *snap.Lock
		s.Lock = &l
	}
}

// Stage returns the current (height, round, step) tuple.
func (s *StateInfo) Stage() consensus.Stage {
	return consensus.Stage{Height: s.Height, Round: s.Round, Step: s.Step}
}

// HandleProposal applies a SignedProposal in the Propose step. It
// returns the hash the replica should pre-vote for (which may be the
// existing lock's hash rather than the proposal's, if the proposal
// fails to justify an unlock) and whether the replica unlocked.
//
// The caller must have already verified: sp's signature, that
// sp.Proposal.Height/Round match s.Height/s.Round, that the block's
// internal height/pre_hash are consistent, and, if the proposal
// carries a Lock, that the embedded PreVoteQC itself verifies.
func (s *StateInfo) HandleProposal(sp consensus.SignedProposal) (voteHash consensus.Hash, unlocked bool, err error) {
	if s.Step != consensus.StepPropose {
		return "", false, fmt.Errorf("stateinfo: HandleProposal called in step %s, want propose", s.Step)
	}
	if sp.Proposal.Height != s.Height || sp.Proposal.Round != s.Round {
		return "", false, fmt.Errorf(
			"stateinfo: proposal for %d/%d does not match current %d/%d",
			sp.Proposal.Height, sp.Proposal.Round, s.Height, s.Round,
		)
	}

	switch {
	case s.Lock == nil:
		// No existing lock: adopt the proposal outright.
		s.Block = sp.Proposal.Block
		s.BlockHash = sp.Proposal.BlockHash
		if sp.Proposal.Lock != nil {
			lock := *sp.Proposal.Lock
			s.Lock = &lock
		}
		voteHash = sp.Proposal.BlockHash

	case sp.Proposal.Lock != nil && sp.Proposal.Lock.Round > s.Lock.Round:
		// Higher-round PoLC: unlock and adopt the new block.
		lock := *sp.Proposal.Lock
		s.Lock = &lock
		s.Block = sp.Proposal.Block
		s.BlockHash = sp.Proposal.BlockHash
		voteHash = sp.Proposal.BlockHash
		unlocked = true

	case sp.Proposal.Lock != nil && sp.Proposal.Lock.Round == s.Lock.Round && sp.Proposal.Lock.Hash != s.Lock.Hash:
		// Two PoLCs for the same round naming different blocks: only
		// possible if more than a third of the validator set double-voted.
		return "", false, smrerr.Byzantine(fmt.Errorf(
			"stateinfo: fork: round %d locks %s and %s both claim quorum",
			s.Lock.Round, s.Lock.Hash, sp.Proposal.Lock.Hash,
		))

	default:
		// Existing lock stands: relock on the previously locked hash,
		// regardless of what this proposal contains.
		voteHash = s.Lock.Hash
	}

	s.Step = consensus.StepPreVote
	return voteHash, unlocked, nil
}

// HandlePreVoteQC applies a verified PreVoteQC. fullBlockPresent must
// reflect whether the local replica already holds the full block payload
// for qc.BlockHash; the caller is expected to defer calling this until
// that is true (buffering the QC until a fetch completes).
func (s *StateInfo) HandlePreVoteQC(qc consensus.PreVoteQC, fullBlockPresent bool) error {
	if s.Step == consensus.StepCommit || s.Step == consensus.StepBrake {
		return fmt.Errorf("stateinfo: HandlePreVoteQC called in terminal/brake step %s", s.Step)
	}
	if qc.Height != s.Height {
		return fmt.Errorf("stateinfo: PreVoteQC height %d does not match current height %d", qc.Height, s.Height)
	}
	if qc.Round < s.Round {
		return fmt.Errorf("stateinfo: stale PreVoteQC for round %d, current round %d", qc.Round, s.Round)
	}
	if !fullBlockPresent {
		return fmt.Errorf("stateinfo: full block for %x not yet available", qc.BlockHash)
	}

	s.Round = qc.Round
	s.Lock = &consensus.Lock{Round: qc.Round, Hash: qc.BlockHash, QC: qc}
	s.BlockHash = qc.BlockHash
	s.Step = consensus.StepPreCommit
	return nil
}

// HandlePreCommitQC applies a verified PreCommitQC. fullBlockPresent has
// the same meaning as in HandlePreVoteQC.
func (s *StateInfo) HandlePreCommitQC(qc consensus.PreCommitQC, fullBlockPresent bool) error {
	if s.Step != consensus.StepPreCommit {
		return fmt.Errorf("stateinfo: HandlePreCommitQC called in step %s, want precommit", s.Step)
	}
	if qc.Height != s.Height {
		return fmt.Errorf("stateinfo: PreCommitQC height %d does not match current height %d", qc.Height, s.Height)
	}
	if qc.Round < s.Round {
		return fmt.Errorf("stateinfo: stale PreCommitQC for round %d, current round %d", qc.Round, s.Round)
	}
	if !fullBlockPresent {
		return fmt.Errorf("stateinfo: full block for %x not yet available", qc.BlockHash)
	}

	s.Round = qc.Round
	s.BlockHash = qc.BlockHash
	s.PreCommitQC = qc
	s.Step = consensus.StepCommit
	return nil
}

// HandleChokeQC applies a verified ChokeQC, advancing to round+1 and
// returning to the Propose step. The replica's lock, if any, is kept.
func (s *StateInfo) HandleChokeQC(qc consensus.ChokeQC) error {
	if s.Step == consensus.StepCommit {
		return fmt.Errorf("stateinfo: HandleChokeQC called after commit for this height")
	}
	if qc.Height != s.Height {
		return fmt.Errorf("stateinfo: ChokeQC height %d does not match current height %d", qc.Height, s.Height)
	}
	if qc.Round < s.Round {
		return fmt.Errorf("stateinfo: stale ChokeQC for round %d, current round %d", qc.Round, s.Round)
	}

	s.Round = qc.Round + 1
	s.Step = consensus.StepPropose
	return nil
}

// EnterBrake transitions to the Brake step, e.g. after a Propose,
// PreVote or PreCommit timeout fires with no quorum in sight. The
// replica's lock is preserved.
func (s *StateInfo) EnterBrake() error {
	if s.Step == consensus.StepCommit {
		return fmt.Errorf("stateinfo: EnterBrake called after commit for this height")
	}
	s.Step = consensus.StepBrake
	return nil
}

// AdvanceHeight resets StateInfo for the next height: round 0, step
// Propose, lock cleared. Must only be called from the Commit step.
func (s *StateInfo) AdvanceHeight(next consensus.Height) error {
	if s.Step != consensus.StepCommit {
		return fmt.Errorf("stateinfo: AdvanceHeight called in step %s, want commit", s.Step)
	}
	*s = StateInfo{Height: next, Step: consensus.StepPropose}
	return nil
}

// StrongestUpdateFrom picks the strongest locally-known QC to justify a
// choke: in the PreCommit step, the Lock's PreVoteQC; otherwise a held
// PreCommitQC, then the Lock's PreVoteQC, then priorChokeQC. The Lock's
// QC may come from an earlier round of the height; no round comparison
// is made.
func (s *StateInfo) StrongestUpdateFrom(priorChokeQC *consensus.ChokeQC) consensus.UpdateFrom {
	if s.Step == consensus.StepPreCommit && s.Lock != nil {
		qc := s.Lock.QC
		return consensus.UpdateFrom{Kind: consensus.UpdateFromPreVoteQC, PreVoteQC: &qc}
	}
	if !s.PreCommitQC.IsZero() {
		qc := s.PreCommitQC
		return consensus.UpdateFrom{Kind: consensus.UpdateFromPreCommitQC, PreCommitQC: &qc}
	}
	if s.Lock != nil {
		qc := s.Lock.QC
		return consensus.UpdateFrom{Kind: consensus.UpdateFromPreVoteQC, PreVoteQC: &qc}
	}
	if priorChokeQC != nil {
		qc := *priorChokeQC
		return consensus.UpdateFrom{Kind: consensus.UpdateFromChokeQC, ChokeQC: &qc}
	}
	return consensus.UpdateFrom{Kind: consensus.UpdateFromNone}
}
