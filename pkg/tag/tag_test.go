package tag

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pijul-core/pristine/pkg/pristine"
)

func setupChannel(t *testing.T, store pristine.Store) (pristine.MutTxn, *pristine.Channel) {
	t.Helper()
	txn, err := store.BeginWrite()
	require.NoError(t, err)
	ch, err := txn.OpenOrCreateChannel("main")
	require.NoError(t, err)
	return txn, ch
}

func TestSerializeRestoreRoundTrip(t *testing.T) {
	store := pristine.NewMemStore()
	txn, ch := setupChannel(t, store)

	hashA := pristine.Hash{1}
	idA, err := txn.MakeChangeId(hashA)
	require.NoError(t, err)

	src := pristine.Position{Change: pristine.RootChangeId, Pos: 0}
	dst := pristine.Position{Change: idA, Pos: 0}
	edge := pristine.Edge{Flag: pristine.FlagBlock, Dest: dst, IntroducedBy: idA}
	require.NoError(t, txn.PutGraph(ch, src, edge))
	rev := pristine.EdgePair{Flag: edge.Flag, Source: src, Dest: dst, IntroducedBy: idA}.Reverse()
	require.NoError(t, txn.PutGraph(ch, rev.Source, pristine.Edge{Flag: rev.Flag, Dest: rev.Dest, IntroducedBy: idA}))

	require.NoError(t, txn.PutChanges(ch, 1, hashA))
	require.NoError(t, txn.PutRevChanges(ch, hashA, 1))

	finalMerkle := pristine.Merkle{7}
	require.NoError(t, txn.PutStates(ch, finalMerkle, 1))
	ch.State = finalMerkle
	ch.ApplyCounter = 1
	require.NoError(t, txn.PutChannel(ch))

	var buf bytes.Buffer
	require.NoError(t, Serialize(txn, ch, &buf, 3))
	require.NoError(t, txn.Commit())

	targetStore := pristine.NewMemStore()
	rtxn, err := targetStore.BeginWrite()
	require.NoError(t, err)

	restored, err := Restore(rtxn, "restored", &buf)
	require.NoError(t, err)
	require.Equal(t, finalMerkle, restored.State)
	require.Equal(t, uint64(1), restored.ApplyCounter)

	restoredId, ok := rtxn.Internal(hashA)
	require.True(t, ok)

	edges, err := rtxn.Graph(restored).IterAdjacent(pristine.Position{Change: pristine.RootChangeId, Pos: 0}, 0, 0xff)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Equal(t, restoredId, edges[0].Dest.Change)

	seq, ok := rtxn.RevChanges(restored).Get(hashA)
	require.True(t, ok)
	require.Equal(t, uint64(1), seq)

	require.NoError(t, rtxn.Commit())
}

func TestRestoreRejectsMerkleMismatch(t *testing.T) {
	store := pristine.NewMemStore()
	txn, ch := setupChannel(t, store)
	require.NoError(t, txn.PutStates(ch, pristine.Merkle{9}, 1))
	ch.State = pristine.Merkle{1} // deliberately inconsistent with the last recorded state
	require.NoError(t, txn.PutChannel(ch))

	var buf bytes.Buffer
	require.NoError(t, Serialize(txn, ch, &buf, 1))
	require.NoError(t, txn.Commit())

	targetStore := pristine.NewMemStore()
	rtxn, err := targetStore.BeginWrite()
	require.NoError(t, err)
	defer rtxn.Rollback()

	_, err = Restore(rtxn, "restored", &buf)
	require.Error(t, err)
}
