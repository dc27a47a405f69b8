package auth_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cryptape/overlord/auth"
	"github.com/cryptape/overlord/consensus"
	"github.com/cryptape/overlord/crypto"
)

type testValidator struct {
	signer crypto.Signer
	addr   consensus.Address
	weight uint64
}

func newTestValidators(t *testing.T, weights ...uint64) []testValidator {
	t.Helper()

	out := make([]testValidator, len(weights))
	for i, w := range weights {
		ikm := make([]byte, 32)
		for j := range ikm {
			ikm[j] = byte(i*7 + j)
		}
		s, err := crypto.NewSigner(ikm)
		require.NoError(t, err)
		out[i] = testValidator{signer: s, addr: s.PubKey().Address(), weight: w}
	}
	return out
}

func authConfig(vs []testValidator) consensus.AuthConfig {
	cfg := consensus.AuthConfig{Validators: make([]consensus.ValidatorInfo, len(vs))}
	for i, v := range vs {
		cfg.Validators[i] = consensus.ValidatorInfo{Address: v.addr, Weight: v.weight}
	}
	return cfg
}

func TestNewValidatorSet_rejectsEmpty(t *testing.T) {
	t.Parallel()

	_, err := auth.NewValidatorSet(consensus.AuthConfig{})
	require.Error(t, err)
}

func TestNewValidatorSet_rejectsDuplicateAddress(t *testing.T) {
	t.Parallel()

	vs := newTestValidators(t, 1)
	cfg := authConfig(vs)
	cfg.Validators = append(cfg.Validators, cfg.Validators[0])

	_, err := auth.NewValidatorSet(cfg)
	require.Error(t, err)
}

func TestValidatorSet_BeyondMajority(t *testing.T) {
	t.Parallel()

	vs := newTestValidators(t, 1, 1, 1, 1)
	set, err := auth.NewValidatorSet(authConfig(vs))
	require.NoError(t, err)

	require.False(t, set.BeyondMajority(2)) // 2/4, not > 2/3
	require.True(t, set.BeyondMajority(3))  // 3/4 > 2/3
}

func TestValidatorSet_LeaderIsDeterministic(t *testing.T) {
	t.Parallel()

	vs := newTestValidators(t, 1, 1, 1, 1)
	set, err := auth.NewValidatorSet(authConfig(vs))
	require.NoError(t, err)

	l1 := set.Leader(10, 2)
	l2 := set.Leader(10, 2)
	require.Equal(t, l1.Address, l2.Address)

	// Different rounds need not (but may) pick a different leader; this
	// only asserts the function is a pure function of its inputs, not
	// that it picks distinct validators with any particular distribution.
	require.True(t, set.Contains(l1.Address))
}

func TestValidatorSet_BitmapRoundTrip(t *testing.T) {
	t.Parallel()

	vs := newTestValidators(t, 1, 1, 1)
	set, err := auth.NewValidatorSet(authConfig(vs))
	require.NoError(t, err)

	addrs := []consensus.Address{vs[0].addr, vs[2].addr}
	bs := set.Bitmap(addrs)

	voters, weight := set.Voters(bs)
	require.Len(t, voters, 2)
	require.Equal(t, uint64(2), weight)
}

func newManager(t *testing.T, vs []testValidator, me int) *auth.Manager {
	t.Helper()
	m, err := auth.NewManager(1, authConfig(vs), vs[me].addr, &vs[me].signer)
	require.NoError(t, err)
	return m
}

func TestManager_SignAndVerifyVote(t *testing.T) {
	t.Parallel()

	vs := newTestValidators(t, 1, 1, 1, 1)
	m := newManager(t, vs, 0)

	vote := consensus.Vote{Height: 1, Round: 0, BlockHash: "blockA", Kind: consensus.VotePreVote}
	sv, err := m.SignVote(context.Background(), vote)
	require.NoError(t, err)
	require.NoError(t, m.VerifySignedPreVote(sv))

	// Wrong kind is rejected even with a structurally valid signature.
	sv.Vote.Kind = consensus.VotePreCommit
	require.Error(t, m.VerifySignedPreVote(sv))
}

func TestManager_AggregatePreVotesAndVerifyQC(t *testing.T) {
	t.Parallel()

	vs := newTestValidators(t, 1, 1, 1, 1)
	height := consensus.Height(1)
	round := consensus.Round(0)
	hash := consensus.Hash("blockA")

	var votes []consensus.SignedVote
	for i := range vs {
		m := newManager(t, vs, i)
		vote := consensus.Vote{Height: height, Round: round, BlockHash: hash, Kind: consensus.VotePreVote}
		sv, err := m.SignVote(context.Background(), vote)
		require.NoError(t, err)
		votes = append(votes, sv)
	}

	agg := newManager(t, vs, 0)
	// 3 of 4 equal-weight votes clears the 2/3 threshold.
	qc, err := agg.AggregatePreVotes(height, round, hash, votes[:3])
	require.NoError(t, err)
	require.NoError(t, agg.VerifyPreVoteQC(qc))

	// 2 of 4 does not.
	_, err = agg.AggregatePreVotes(height, round, hash, votes[:2])
	require.Error(t, err)
}

func TestManager_VerifyQC_rejectsTamperedBitmap(t *testing.T) {
	t.Parallel()

	vs := newTestValidators(t, 1, 1, 1, 1)
	height := consensus.Height(1)
	round := consensus.Round(0)
	hash := consensus.Hash("blockA")

	var votes []consensus.SignedVote
	for i := range vs {
		m := newManager(t, vs, i)
		vote := consensus.Vote{Height: height, Round: round, BlockHash: hash, Kind: consensus.VotePreCommit}
		sv, err := m.SignVote(context.Background(), vote)
		require.NoError(t, err)
		votes = append(votes, sv)
	}

	agg := newManager(t, vs, 0)
	qc, err := agg.AggregatePreCommits(height, round, hash, votes[:3])
	require.NoError(t, err)
	require.NoError(t, agg.VerifyPreCommitQC(qc))

	// Clearing the bitmap leaves an aggregate signature with no claimed
	// voters, which must never verify.
	qc.VoterBitmap = nil
	require.Error(t, agg.VerifyPreCommitQC(qc))
}

func TestManager_AggregateChokes(t *testing.T) {
	t.Parallel()

	vs := newTestValidators(t, 1, 1, 1, 1)
	height := consensus.Height(2)
	round := consensus.Round(1)

	var chokes []consensus.SignedChoke
	for i := range vs {
		m := newManager(t, vs, i)
		c := consensus.Choke{Height: height, Round: round}
		sc, err := m.SignChoke(context.Background(), c)
		require.NoError(t, err)
		chokes = append(chokes, sc)
	}

	agg := newManager(t, vs, 0)
	qc, err := agg.AggregateChokes(height, round, chokes[:3])
	require.NoError(t, err)
	require.NoError(t, agg.VerifyChokeQC(qc))
}

func TestManager_HandleCommitRotatesValidatorSet(t *testing.T) {
	t.Parallel()

	vs := newTestValidators(t, 1, 1, 1, 1)
	m := newManager(t, vs, 0)

	newVs := newTestValidators(t, 2, 2)
	newCfg := authConfig(newVs)

	require.NoError(t, m.HandleCommit(2, &newCfg))
	require.Equal(t, consensus.Height(2), m.CurrentHeight())

	// The prior generation is still reachable for straggling messages at
	// height 1.
	w, ok := m.Weight(1, vs[0].addr)
	require.True(t, ok)
	require.Equal(t, vs[0].weight, w)

	// The new generation applies at height 2.
	w, ok = m.Weight(2, newVs[0].addr)
	require.True(t, ok)
	require.Equal(t, newVs[0].weight, w)
}

func TestManager_HandleCommit_emptyAuthKeepsValidatorSet(t *testing.T) {
	t.Parallel()

	vs := newTestValidators(t, 1, 1, 1, 1)
	m := newManager(t, vs, 0)

	require.NoError(t, m.HandleCommit(2, nil))
	w, ok := m.Weight(2, vs[0].addr)
	require.True(t, ok)
	require.Equal(t, vs[0].weight, w)
}

func TestManager_RecordByzantine(t *testing.T) {
	t.Parallel()

	vs := newTestValidators(t, 1, 1)
	m := newManager(t, vs, 0)

	require.Equal(t, uint64(0), m.ByzantineCount(vs[1].addr))
	m.RecordByzantine(vs[1].addr)
	m.RecordByzantine(vs[1].addr)
	require.Equal(t, uint64(2), m.ByzantineCount(vs[1].addr))
}
