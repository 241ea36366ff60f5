package unrecord

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pijul-core/pristine/pkg/changestore"
	"github.com/pijul-core/pristine/pkg/pristine"
)

func newTestStore(t *testing.T) (pristine.MutTxn, *pristine.Channel, changestore.Store) {
	t.Helper()
	store := pristine.NewMemStore()
	txn, err := store.BeginWrite()
	require.NoError(t, err)
	ch, err := txn.OpenOrCreateChannel("main")
	require.NoError(t, err)
	cs, err := changestore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return txn, ch, cs
}

// applyNewVertexChange saves a one-atom change introducing contents
// anchored at Bottom on both sides, applies its graph effects by hand
// (the minimal stand-in for the out-of-scope forward-apply engine),
// and records it in ch's changes/revchanges maps the way a real apply
// would, so Unrecord has something genuine to reverse.
func applyNewVertexChange(t *testing.T, txn pristine.MutTxn, ch *pristine.Channel, cs changestore.Store, contents string, seq uint64) (pristine.Hash, pristine.ChangeId) {
	t.Helper()
	c := &changestore.Change{
		Atoms: []changestore.Atom{
			{Kind: changestore.AtomNewVertex, NewVertex: &changestore.NewVertexAtom{
				Up: pristine.Bottom, Down: pristine.Bottom,
				Flag: pristine.FlagBlock, Start: 0, Contents: []byte(contents),
			}},
		},
	}
	h, err := cs.SaveChange(c)
	require.NoError(t, err)
	id, err := txn.MakeChangeId(h)
	require.NoError(t, err)

	start := pristine.Position{Change: id, Pos: 0}
	end := pristine.Position{Change: id, Pos: uint64(len(contents))}
	require.NoError(t, txn.PutGraph(ch, pristine.Bottom, pristine.Edge{Flag: pristine.FlagBlock, Dest: start, IntroducedBy: id}))
	rev := pristine.EdgePair{Flag: pristine.FlagBlock, Source: pristine.Bottom, Dest: start, IntroducedBy: id}.Reverse()
	require.NoError(t, txn.PutGraph(ch, rev.Source, pristine.Edge{Flag: rev.Flag, Dest: rev.Dest, IntroducedBy: id}))
	require.NoError(t, txn.PutGraph(ch, end, pristine.Edge{Flag: pristine.FlagBlock, Dest: pristine.Bottom, IntroducedBy: id}))
	rev2 := pristine.EdgePair{Flag: pristine.FlagBlock, Source: end, Dest: pristine.Bottom, IntroducedBy: id}.Reverse()
	require.NoError(t, txn.PutGraph(ch, rev2.Source, pristine.Edge{Flag: rev2.Flag, Dest: rev2.Dest, IntroducedBy: id}))

	require.NoError(t, txn.PutChanges(ch, seq, h))
	require.NoError(t, txn.PutRevChanges(ch, h, seq))
	ch.ApplyCounter = seq
	require.NoError(t, txn.PutChannel(ch))
	return h, id
}

func TestUnrecordReversesNewVertex(t *testing.T) {
	txn, ch, cs := newTestStore(t)
	h, id := applyNewVertexChange(t, txn, ch, cs, "hello", 1)

	// Single channel, nothing depends on it: fully unused, so Unrecord
	// reports false and purges the cross-channel bookkeeping.
	ok, err := Unrecord(txn, ch, cs, h)
	require.NoError(t, err)
	require.False(t, ok)

	edges, err := txn.Graph(ch).IterAdjacent(pristine.Bottom, 0, 0xff)
	require.NoError(t, err)
	require.Empty(t, edges)

	_, ok = txn.RevChanges(ch).Get(h)
	require.False(t, ok)
	require.Equal(t, uint64(0), ch.ApplyCounter)

	_, ok = txn.Internal(h)
	require.False(t, ok)
	_, ok = txn.External(id)
	require.False(t, ok)
}

func TestUnrecordUnknownChangeErrors(t *testing.T) {
	txn, ch, cs := newTestStore(t)
	_, err := Unrecord(txn, ch, cs, pristine.Hash{1, 2, 3})
	require.Error(t, err)
	var notInChannel *pristine.ChangeNotInChannelError
	require.ErrorAs(t, err, &notInChannel)
}

func TestUnrecordRefusesWhenDependedUpon(t *testing.T) {
	txn, ch, cs := newTestStore(t)
	h1, id1 := applyNewVertexChange(t, txn, ch, cs, "base", 1)
	h2, id2 := applyNewVertexChange(t, txn, ch, cs, "dependent", 2)

	require.NoError(t, txn.PutDep(id2, id1))
	require.NoError(t, txn.PutRevDep(id1, id2))

	_, err := Unrecord(txn, ch, cs, h1)
	require.Error(t, err)
	var dependedUpon *pristine.ChangeIsDependedUponError
	require.ErrorAs(t, err, &dependedUpon)
	require.Equal(t, []pristine.Hash{h2}, dependedUpon.DependsOn)
}
