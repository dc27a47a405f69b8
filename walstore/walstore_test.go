package walstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cryptape/overlord/consensus"
	"github.com/cryptape/overlord/stateinfo"
	"github.com/cryptape/overlord/walstore"
)

func openTestStore(t *testing.T) *walstore.Store {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wal.sqlite")
	s, err := walstore.Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestLoadState_emptyStoreReturnsNotFound(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	_, ok, err := s.LoadState()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSaveAndLoadState_roundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	snap := stateinfo.New(5)
	snap.Lock = &consensus.Lock{Round: 1, Hash: "blockA"}

	require.NoError(t, s.SaveState(snap.Snapshot()))

	loaded, ok, err := s.LoadState()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, consensus.Height(5), loaded.Height)
	require.NotNil(t, loaded.Lock)
	require.Equal(t, consensus.Hash("blockA"), loaded.Lock.Hash)
}

func TestSaveState_overwritesPriorSnapshot(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	require.NoError(t, s.SaveState(stateinfo.New(1).Snapshot()))
	require.NoError(t, s.SaveState(stateinfo.New(2).Snapshot()))

	loaded, ok, err := s.LoadState()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, consensus.Height(2), loaded.Height)
}

func TestSaveAndLoadFullBlocks_scopedByHeight(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	require.NoError(t, s.SaveFullBlock(consensus.FetchedFullBlock{Height: 1, Hash: "h1", Payload: []byte("a")}))
	require.NoError(t, s.SaveFullBlock(consensus.FetchedFullBlock{Height: 1, Hash: "h2", Payload: []byte("b")}))
	require.NoError(t, s.SaveFullBlock(consensus.FetchedFullBlock{Height: 2, Hash: "h3", Payload: []byte("c")}))

	blocks, err := s.LoadFullBlocks(1)
	require.NoError(t, err)
	require.Len(t, blocks, 2)

	blocks, err = s.LoadFullBlocks(2)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.Equal(t, []byte("c"), blocks[0].Payload)

	blocks, err = s.LoadFullBlocks(3)
	require.NoError(t, err)
	require.Empty(t, blocks)
}

func TestSaveFullBlock_overwritesSameHeightAndHash(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	require.NoError(t, s.SaveFullBlock(consensus.FetchedFullBlock{Height: 1, Hash: "h1", Payload: []byte("old")}))
	require.NoError(t, s.SaveFullBlock(consensus.FetchedFullBlock{Height: 1, Hash: "h1", Payload: []byte("new")}))

	blocks, err := s.LoadFullBlocks(1)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.Equal(t, []byte("new"), blocks[0].Payload)
}

func TestPrune_deletesBelowHeight(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	require.NoError(t, s.SaveFullBlock(consensus.FetchedFullBlock{Height: 1, Hash: "h1", Payload: []byte("a")}))
	require.NoError(t, s.SaveFullBlock(consensus.FetchedFullBlock{Height: 2, Hash: "h2", Payload: []byte("b")}))
	require.NoError(t, s.SaveFullBlock(consensus.FetchedFullBlock{Height: 3, Hash: "h3", Payload: []byte("c")}))

	require.NoError(t, s.Prune(3))

	blocks, err := s.LoadFullBlocks(1)
	require.NoError(t, err)
	require.Empty(t, blocks)

	blocks, err = s.LoadFullBlocks(3)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
}
