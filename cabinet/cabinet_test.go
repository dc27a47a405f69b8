package cabinet_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cryptape/overlord/cabinet"
	"github.com/cryptape/overlord/consensus"
)

// fakeWeigher is a fixed-weight, fixed-total Weigher for tests: every
// validator weighs 1, and total is set at construction.
type fakeWeigher struct {
	weights map[consensus.Address]uint64
	total   uint64
}

func newFakeWeigher(addrs []consensus.Address) *fakeWeigher {
	w := &fakeWeigher{weights: make(map[consensus.Address]uint64)}
	for _, a := range addrs {
		w.weights[a] = 1
		w.total++
	}
	return w
}

func (w *fakeWeigher) Weight(_ consensus.Height, addr consensus.Address) (uint64, bool) {
	v, ok := w.weights[addr]
	return v, ok
}

func (w *fakeWeigher) BeyondMajority(_ consensus.Height, sum uint64) bool {
	return 3*sum > 2*w.total
}

func addrs(n int) []consensus.Address {
	out := make([]consensus.Address, n)
	for i := range out {
		out[i] = consensus.Address([]byte{byte('A' + i)})
	}
	return out
}

func TestCabinet_ProposalTakeIsOnceOnly(t *testing.T) {
	t.Parallel()

	c := cabinet.New()
	sp := consensus.SignedProposal{Proposal: consensus.Proposal{Height: 1, Round: 0}}
	c.InsertProposal(sp)

	got, ok := c.TakeSignedProposal(1, 0)
	require.True(t, ok)
	require.Equal(t, sp, got)

	_, ok = c.TakeSignedProposal(1, 0)
	require.False(t, ok)
}

func TestCabinet_InsertPreVote_quorumCrossing(t *testing.T) {
	t.Parallel()

	validators := addrs(4)
	w := newFakeWeigher(validators)
	c := cabinet.New()

	var lastOutcome cabinet.InsertOutcome
	for i, a := range validators[:3] {
		sv := consensus.SignedVote{
			Vote:  consensus.Vote{Height: 1, Round: 0, BlockHash: "blockA", Kind: consensus.VotePreVote},
			Voter: a,
		}
		outcome, err := c.InsertPreVote(sv, w)
		require.NoError(t, err)
		if i < 2 {
			require.Equal(t, cabinet.InsertAccepted, outcome)
		}
		lastOutcome = outcome
	}
	require.Equal(t, cabinet.InsertQuorum, lastOutcome)

	votes := c.GetSignedPreVotesByHash(1, 0, "blockA")
	require.Len(t, votes, 3)
}

func TestCabinet_InsertPreVote_duplicateIsRedundant(t *testing.T) {
	t.Parallel()

	validators := addrs(2)
	w := newFakeWeigher(validators)
	c := cabinet.New()

	sv := consensus.SignedVote{
		Vote:  consensus.Vote{Height: 1, Round: 0, BlockHash: "blockA", Kind: consensus.VotePreVote},
		Voter: validators[0],
	}
	outcome, err := c.InsertPreVote(sv, w)
	require.NoError(t, err)
	require.Equal(t, cabinet.InsertAccepted, outcome)

	outcome, err = c.InsertPreVote(sv, w)
	require.NoError(t, err)
	require.Equal(t, cabinet.InsertRedundant, outcome)
}

func TestCabinet_InsertVote_unknownVoterIsError(t *testing.T) {
	t.Parallel()

	w := newFakeWeigher(addrs(1))
	c := cabinet.New()

	sv := consensus.SignedVote{
		Vote:  consensus.Vote{Height: 1, Round: 0, BlockHash: "blockA", Kind: consensus.VotePreVote},
		Voter: consensus.Address("nobody"),
	}
	_, err := c.InsertPreVote(sv, w)
	require.Error(t, err)
}

func TestCabinet_InsertChoke_quorumCrossing(t *testing.T) {
	t.Parallel()

	validators := addrs(4)
	w := newFakeWeigher(validators)
	c := cabinet.New()

	var lastOutcome cabinet.InsertOutcome
	for _, a := range validators[:3] {
		sc := consensus.SignedChoke{Choke: consensus.Choke{Height: 1, Round: 0}, Signer: a}
		outcome, err := c.InsertChoke(sc, w)
		require.NoError(t, err)
		lastOutcome = outcome
	}
	require.Equal(t, cabinet.InsertQuorum, lastOutcome)
	require.Len(t, c.GetSignedChokes(1, 0), 3)
}

func TestCabinet_FullBlockRoundTrip(t *testing.T) {
	t.Parallel()

	c := cabinet.New()
	_, ok := c.GetFullBlock(1, "blockA")
	require.False(t, ok)

	c.InsertFullBlock(consensus.FetchedFullBlock{Height: 1, Hash: "blockA", Payload: []byte("payload")})

	payload, ok := c.GetFullBlock(1, "blockA")
	require.True(t, ok)
	require.Equal(t, []byte("payload"), payload)
}

func TestCabinet_BufferAndDrainFuture(t *testing.T) {
	t.Parallel()

	c := cabinet.New()
	require.Empty(t, c.DrainFuture(5))

	c.BufferFuture(5, "first")
	c.BufferFuture(5, "second")

	drained := c.DrainFuture(5)
	require.Equal(t, []any{"first", "second"}, drained)

	// Draining again returns nothing: it is a one-shot consume.
	require.Empty(t, c.DrainFuture(5))
}

func TestCabinet_HandleCommitPurgesOldHeights(t *testing.T) {
	t.Parallel()

	c := cabinet.New()
	c.InsertFullBlock(consensus.FetchedFullBlock{Height: 1, Hash: "h1", Payload: []byte("a")})
	c.InsertFullBlock(consensus.FetchedFullBlock{Height: 2, Hash: "h2", Payload: []byte("b")})

	c.HandleCommit(2)

	_, ok := c.GetFullBlock(1, "h1")
	require.False(t, ok)
	_, ok = c.GetFullBlock(2, "h2")
	require.True(t, ok)
}
