package prepare_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cryptape/overlord/consensus"
	"github.com/cryptape/overlord/prepare"
)

func TestNew(t *testing.T) {
	t.Parallel()

	p := prepare.New("genesisHash", consensus.PreCommitQC{})
	require.Equal(t, consensus.Hash("genesisHash"), p.PreHash())
	require.Equal(t, consensus.Height(0), p.ExecHeight())
}

func TestHandleExecResult_advancesContiguously(t *testing.T) {
	t.Parallel()

	p := prepare.New("genesis", consensus.PreCommitQC{})

	// Out of order: height 2 arrives before height 1, so exec_height must
	// not advance past 0 until the gap at 1 is filled.
	p.HandleExecResult(consensus.ExecResult{Height: 2})
	require.Equal(t, consensus.Height(0), p.ExecHeight())
	require.True(t, p.HasExecResult(2))

	p.HandleExecResult(consensus.ExecResult{Height: 1})
	require.Equal(t, consensus.Height(2), p.ExecHeight())
}

func TestHandleExecResult_duplicateIsIgnored(t *testing.T) {
	t.Parallel()

	p := prepare.New("genesis", consensus.PreCommitQC{})
	p.HandleExecResult(consensus.ExecResult{Height: 1, BlockStates: []consensus.BlockState{{Height: 1}}})
	p.HandleExecResult(consensus.ExecResult{Height: 1, BlockStates: nil})

	states, err := p.GetBlockStatesList(0)
	require.NoError(t, err)
	require.Len(t, states, 1)
}

func TestTooFarAhead(t *testing.T) {
	t.Parallel()

	p := prepare.New("genesis", consensus.PreCommitQC{})
	p.HandleExecResult(consensus.ExecResult{Height: 1})

	require.False(t, p.TooFarAhead(1))
	require.True(t, p.TooFarAhead(2))
}

func TestHandleCommit_advancesAndTrims(t *testing.T) {
	t.Parallel()

	p := prepare.New("genesis", consensus.PreCommitQC{})
	p.HandleExecResult(consensus.ExecResult{Height: 1})
	p.HandleExecResult(consensus.ExecResult{Height: 2})

	proof := consensus.PreCommitQC{Height: 1, BlockHash: "blockA"}
	result, err := p.HandleCommit("blockA", proof, 1, 2)
	require.NoError(t, err)
	require.Equal(t, consensus.Height(1), result.Height)

	require.Equal(t, consensus.Hash("blockA"), p.PreHash())
	require.Equal(t, proof, p.PreProof())
	require.Equal(t, consensus.Height(1), p.PreExecHeight())

	// Height 2's result is still within the retained window.
	require.True(t, p.HasExecResult(2))
}

func TestHandleCommit_missingExecResultErrors(t *testing.T) {
	t.Parallel()

	p := prepare.New("genesis", consensus.PreCommitQC{})
	_, err := p.HandleCommit("blockA", consensus.PreCommitQC{}, 5, 6)
	require.Error(t, err)
}

func TestGetBlockStatesList_ordersByHeight(t *testing.T) {
	t.Parallel()

	p := prepare.New("genesis", consensus.PreCommitQC{})
	p.HandleExecResult(consensus.ExecResult{Height: 1, BlockStates: []consensus.BlockState{{Height: 1}}})
	p.HandleExecResult(consensus.ExecResult{Height: 2, BlockStates: []consensus.BlockState{{Height: 2}}})
	p.HandleExecResult(consensus.ExecResult{Height: 3, BlockStates: []consensus.BlockState{{Height: 3}}})

	states, err := p.GetBlockStatesList(0)
	require.NoError(t, err)
	require.Len(t, states, 3)
	require.Equal(t, consensus.Height(1), states[0].Height)
	require.Equal(t, consensus.Height(3), states[2].Height)
}

func TestGetBlockStatesList_rejectsAboveExecHeight(t *testing.T) {
	t.Parallel()

	p := prepare.New("genesis", consensus.PreCommitQC{})
	p.HandleExecResult(consensus.ExecResult{Height: 1})

	_, err := p.GetBlockStatesList(2)
	require.Error(t, err)
}
