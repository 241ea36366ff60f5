package pristine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemStoreChannelLifecycle(t *testing.T) {
	store := NewMemStore()
	txn, err := store.BeginWrite()
	require.NoError(t, err)

	ch, err := txn.OpenOrCreateChannel("main")
	require.NoError(t, err)
	require.Equal(t, "main", ch.Name)

	again, err := txn.OpenOrCreateChannel("main")
	require.NoError(t, err)
	require.Equal(t, ch.Id, again.Id)

	require.NoError(t, txn.Commit())

	rtxn, err := store.BeginRead()
	require.NoError(t, err)
	loaded, err := rtxn.LoadChannel("main")
	require.NoError(t, err)
	require.Equal(t, ch.Id, loaded.Id)
}

func TestMemStoreGraphPutIterDel(t *testing.T) {
	store := NewMemStore()
	txn, err := store.BeginWrite()
	require.NoError(t, err)
	ch, err := txn.OpenOrCreateChannel("main")
	require.NoError(t, err)

	idA, err := txn.MakeChangeId(Hash{1})
	require.NoError(t, err)
	source := Position{Change: RootChangeId, Pos: 0}
	dest := Position{Change: idA, Pos: 0}
	edge := Edge{Flag: FlagBlock, Dest: dest, IntroducedBy: idA}
	require.NoError(t, txn.PutGraph(ch, source, edge))

	edges, err := txn.Graph(ch).IterAdjacent(source, 0, 0xff)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Equal(t, edge, edges[0])

	all, err := txn.Graph(ch).IterAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, GraphRecord{Source: source, Edge: edge}, all[0])

	require.NoError(t, txn.DelGraph(ch, source, edge))
	edges, err = txn.Graph(ch).IterAdjacent(source, 0, 0xff)
	require.NoError(t, err)
	require.Empty(t, edges)
}

func TestMemStoreChangesAndRevChanges(t *testing.T) {
	store := NewMemStore()
	txn, err := store.BeginWrite()
	require.NoError(t, err)
	ch, err := txn.OpenOrCreateChannel("main")
	require.NoError(t, err)

	h := Hash{5}
	require.NoError(t, txn.PutChanges(ch, 1, h))
	require.NoError(t, txn.PutRevChanges(ch, h, 1))

	all, err := txn.Changes(ch).IterFrom(0)
	require.NoError(t, err)
	require.Equal(t, []ChangeSeq{{Seq: 1, Hash: h}}, all)

	seq, ok := txn.RevChanges(ch).Get(h)
	require.True(t, ok)
	require.Equal(t, uint64(1), seq)

	n, err := txn.Changes(ch).Len()
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)
}

func TestMemStoreStatesLastAndIterAll(t *testing.T) {
	store := NewMemStore()
	txn, err := store.BeginWrite()
	require.NoError(t, err)
	ch, err := txn.OpenOrCreateChannel("main")
	require.NoError(t, err)

	m1, m2 := Merkle{1}, Merkle{2}
	require.NoError(t, txn.PutStates(ch, m1, 1))
	require.NoError(t, txn.PutStates(ch, m2, 2))

	all, err := txn.States(ch).IterAll()
	require.NoError(t, err)
	require.Len(t, all, 2)

	last, seq, ok := txn.States(ch).Last()
	require.True(t, ok)
	require.Equal(t, uint64(2), seq)
	_ = last
}

func TestMemStoreMakeChangeIdIsIdempotent(t *testing.T) {
	store := NewMemStore()
	txn, err := store.BeginWrite()
	require.NoError(t, err)

	h := Hash{3}
	id1, err := txn.MakeChangeId(h)
	require.NoError(t, err)
	id2, err := txn.MakeChangeId(h)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	got, ok := txn.External(id1)
	require.True(t, ok)
	require.Equal(t, h, got)
}

func TestMemStoreDepRevDep(t *testing.T) {
	store := NewMemStore()
	txn, err := store.BeginWrite()
	require.NoError(t, err)

	idA, _ := txn.MakeChangeId(Hash{1})
	idB, _ := txn.MakeChangeId(Hash{2})
	require.NoError(t, txn.PutDep(idB, idA))
	require.NoError(t, txn.PutRevDep(idA, idB))

	require.Equal(t, []ChangeId{idA}, txn.Dep(idB))
	require.Equal(t, []ChangeId{idB}, txn.RevDep(idA))

	require.NoError(t, txn.DelDep(idB, idA))
	require.Empty(t, txn.Dep(idB))
}
