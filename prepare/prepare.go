// Package prepare implements ProposePrepare: the forward-looking commit
// pipeline that accumulates execution results, tracks exec_height, and
// feeds the data the next create_block/check_block call needs.
package prepare

import (
	"fmt"
	"sort"

	"github.com/cryptape/overlord/consensus"
)

// ProposePrepare tracks everything the next proposal needs once a block
// has been committed: the hash and proof of the last committed block,
// and the window of execution results not yet fully consumed.
type ProposePrepare struct {
	preHash  consensus.Hash
	preProof consensus.PreCommitQC

	// preExecHeight is the execution height already reflected in preHash's
	// block, i.e. the baseline a create_block/check_block call must build
	// its BlockState window on top of.
	preExecHeight consensus.Height

	// execHeight is the highest height whose execution result is known,
	// requiring contiguous delivery: a result for execHeight+1 advances
	// execHeight, a result for any other height is buffered but does not
	// advance execHeight until the gap is filled, requiring monotonic
	// in-order delivery from the executor.
	execHeight consensus.Height

	execResults map[consensus.Height]consensus.ExecResult
}

// New returns a ProposePrepare seeded with the genesis (or most recently
// recovered) pre-hash and pre-proof.
func New(preHash consensus.Hash, preProof consensus.PreCommitQC) *ProposePrepare {
	return &ProposePrepare{
		preHash:     preHash,
		preProof:    preProof,
		execResults: make(map[consensus.Height]consensus.ExecResult),
	}
}

// Recovered returns a ProposePrepare reconstructed from the last
// committed block found in chain history: preHash/preProof are that
// block's own hash/proof, and preExecHeight is the execution height it
// carried. Unlike New, execHeight starts at preExecHeight rather than
// zero, since the replica knows at least that much was already
// executed as of the last commit; no execResults are known yet, so a
// create_block/check_block call needing a states window below
// preExecHeight must wait for fresh execution results to arrive.
func Recovered(preHash consensus.Hash, preProof consensus.PreCommitQC, preExecHeight consensus.Height) *ProposePrepare {
	return &ProposePrepare{
		preHash:       preHash,
		preProof:      preProof,
		preExecHeight: preExecHeight,
		execHeight:    preExecHeight,
		execResults:   make(map[consensus.Height]consensus.ExecResult),
	}
}

// PreHash returns the hash of the last committed block.
func (p *ProposePrepare) PreHash() consensus.Hash { return p.preHash }

// PreProof returns the PreCommitQC proving PreHash's block.
func (p *ProposePrepare) PreProof() consensus.PreCommitQC { return p.preProof }

// PreExecHeight returns the execution height already reflected in
// PreHash's block: the baseline for the next GetBlockStatesList call.
func (p *ProposePrepare) PreExecHeight() consensus.Height { return p.preExecHeight }

// ExecHeight returns the highest height whose execution result is known
// contiguously from the start.
func (p *ProposePrepare) ExecHeight() consensus.Height { return p.execHeight }

// HandleExecResult stores r, keyed by its height, and advances
// execHeight if r closes a contiguous gap.
func (p *ProposePrepare) HandleExecResult(r consensus.ExecResult) {
	if _, dup := p.execResults[r.Height]; dup {
		return
	}
	p.execResults[r.Height] = r

	for {
		if _, ok := p.execResults[p.execHeight+1]; !ok {
			break
		}
		p.execHeight++
	}
}

// HasExecResult reports whether an execution result for height is known.
func (p *ProposePrepare) HasExecResult(height consensus.Height) bool {
	_, ok := p.execResults[height]
	return ok
}

// TooFarAhead reports whether a proposal whose block carries the given
// exec height is ahead of what this replica has actually executed, and
// so must be rejected rather than acted on.
func (p *ProposePrepare) TooFarAhead(blockExecHeight consensus.Height) bool {
	return blockExecHeight > p.execHeight
}

// HandleCommit advances PreHash/PreProof to the just-committed block,
// trims exec_results entries no longer reachable, and returns the
// ExecResult whose ConsensusConfig takes effect at nextHeight (i.e. the
// one recorded at commitExecHeight).
func (p *ProposePrepare) HandleCommit(
	commitHash consensus.Hash,
	proof consensus.PreCommitQC,
	commitExecHeight consensus.Height,
	nextHeight consensus.Height,
) (consensus.ExecResult, error) {
	result, ok := p.execResults[commitExecHeight]
	if !ok {
		return consensus.ExecResult{}, fmt.Errorf(
			"prepare: no execution result recorded for commit_exec_height %d", commitExecHeight,
		)
	}

	p.preHash = commitHash
	p.preProof = proof
	p.preExecHeight = commitExecHeight

	// Retain results in [commitExecHeight, execHeight]: the window a
	// subsequent get_block_states_list call might still reach, all the
	// way up to the newest known result. Anything strictly below that
	// low-water mark can never be asked for again.
	for h := range p.execResults {
		if h < commitExecHeight {
			delete(p.execResults, h)
		}
	}

	return result, nil
}

// GetBlockStatesList returns the contiguous list of BlockState for
// heights execH+1 through execHeight, in ascending height order (i.e.
// the states not yet reflected in
// the block committed at execH), used by check_block/create_block.
func (p *ProposePrepare) GetBlockStatesList(execH consensus.Height) ([]consensus.BlockState, error) {
	if execH > p.execHeight {
		return nil, fmt.Errorf(
			"prepare: requested states above known exec_height (%d > %d)", execH, p.execHeight,
		)
	}

	var out []consensus.BlockState
	for h := execH + 1; h <= p.execHeight; h++ {
		r, ok := p.execResults[h]
		if !ok {
			return nil, fmt.Errorf("prepare: missing execution result for height %d within requested window", h)
		}
		out = append(out, r.BlockStates...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Height < out[j].Height })
	return out, nil
}
