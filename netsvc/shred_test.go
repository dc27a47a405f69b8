package netsvc

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cryptape/overlord/consensus"
)

func TestShredEncodeReconstruct_roundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	payload := make([]byte, 100_000)
	rng := rand.New(rand.NewSource(1))
	rng.Read(payload)

	enc, err := newShredEncoder(shredDataShreds, shredParityShreds)
	require.NoError(t, err)

	shreds, err := enc.encode(ctx, payload)
	require.NoError(t, err)
	require.Len(t, shreds, shredDataShreds+shredParityShreds)

	r, err := newShredReconstructor(shredDataShreds, shredParityShreds, len(shreds[0]))
	require.NoError(t, err)

	// Feed shreds in a shuffled order, dropping some, until reconstruction
	// succeeds; this exercises the ErrIncompleteSet path as well as the
	// eventual success path.
	order := rng.Perm(len(shreds))
	var reconstructErr error
	for _, idx := range order {
		reconstructErr = r.reconstruct(idx, shreds[idx])
		if reconstructErr == nil {
			break
		}
		require.ErrorIs(t, reconstructErr, ErrIncompleteSet)
	}
	require.NoError(t, reconstructErr)

	got, err := r.payload(len(payload))
	require.NoError(t, err)
	require.True(t, bytes.Equal(got, payload))
}

func TestShredReconstruct_wrongSizeErrors(t *testing.T) {
	t.Parallel()

	r, err := newShredReconstructor(shredDataShreds, shredParityShreds, 16)
	require.NoError(t, err)

	err = r.reconstruct(0, make([]byte, 8))
	require.Error(t, err)
}

func TestWrap_routesByMessageType(t *testing.T) {
	t.Parallel()

	sp := consensus.SignedProposal{Proposal: consensus.Proposal{Height: 1}}
	env, topic, err := wrap(sp)
	require.NoError(t, err)
	require.Equal(t, topicProposal, topic)
	require.Equal(t, &sp, env.Proposal)

	preVote := consensus.SignedVote{Vote: consensus.Vote{Kind: consensus.VotePreVote}}
	env, topic, err = wrap(preVote)
	require.NoError(t, err)
	require.Equal(t, topicPreVote, topic)
	require.NotNil(t, env.PreVote)
	require.Nil(t, env.PreCommit)

	preCommit := consensus.SignedVote{Vote: consensus.Vote{Kind: consensus.VotePreCommit}}
	env, topic, err = wrap(preCommit)
	require.NoError(t, err)
	require.Equal(t, topicPreCommit, topic)
	require.NotNil(t, env.PreCommit)
	require.Nil(t, env.PreVote)

	sc := consensus.SignedChoke{Choke: consensus.Choke{Height: 1}}
	_, topic, err = wrap(sc)
	require.NoError(t, err)
	require.Equal(t, topicChoke, topic)

	_, topic, err = wrap(consensus.PreVoteQC{Height: 1})
	require.NoError(t, err)
	require.Equal(t, topicPreVoteQC, topic)

	_, topic, err = wrap(consensus.PreCommitQC{Height: 1})
	require.NoError(t, err)
	require.Equal(t, topicPreCommitQC, topic)

	_, topic, err = wrap(consensus.ChokeQC{Height: 1})
	require.NoError(t, err)
	require.Equal(t, topicChokeQC, topic)

	_, _, err = wrap("not a consensus message")
	require.Error(t, err)
}
