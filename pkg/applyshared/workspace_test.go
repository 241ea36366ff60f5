package applyshared

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pijul-core/pristine/pkg/pristine"
)

func newTestChannel(t *testing.T) (pristine.MutTxn, *pristine.Channel) {
	t.Helper()
	store := pristine.NewMemStore()
	txn, err := store.BeginWrite()
	require.NoError(t, err)
	ch, err := txn.OpenOrCreateChannel("main")
	require.NoError(t, err)
	return txn, ch
}

func TestWorkspaceReset(t *testing.T) {
	ws := &Workspace{MissingContext: []pristine.Position{{Pos: 1}}}
	ws.Reset()
	require.Empty(t, ws.MissingContext)
}

func TestPutNewEdgeInsertsBothHalves(t *testing.T) {
	txn, ch := newTestChannel(t)
	idA, err := txn.MakeChangeId(pristine.Hash{1})
	require.NoError(t, err)

	source := pristine.Position{Change: pristine.RootChangeId}
	dest := pristine.Position{Change: idA}
	edge := pristine.Edge{Flag: pristine.FlagBlock, Dest: dest, IntroducedBy: idA}

	require.NoError(t, PutNewEdge(txn, ch, idA, source, edge, false))

	forward, err := txn.Graph(ch).IterAdjacent(source, 0, 0xff)
	require.NoError(t, err)
	require.Len(t, forward, 1)
	require.False(t, forward[0].Flag.Contains(pristine.FlagParent))

	reverse, err := txn.Graph(ch).IterAdjacent(dest, 0, 0xff)
	require.NoError(t, err)
	require.Len(t, reverse, 1)
	require.True(t, reverse[0].Flag.Contains(pristine.FlagParent))
}

func TestPutNewEdgeNeedsReintroductionSetsBlock(t *testing.T) {
	txn, ch := newTestChannel(t)
	idA, err := txn.MakeChangeId(pristine.Hash{1})
	require.NoError(t, err)

	source := pristine.Position{Change: pristine.RootChangeId}
	dest := pristine.Position{Change: idA}
	edge := pristine.Edge{Dest: dest, IntroducedBy: idA}

	require.NoError(t, PutNewEdge(txn, ch, idA, source, edge, true))

	forward, err := txn.Graph(ch).IterAdjacent(source, 0, 0xff)
	require.NoError(t, err)
	require.Len(t, forward, 1)
	require.True(t, forward[0].Flag.Contains(pristine.FlagBlock))
}

func TestFindSourceVertexRecordsMissingContext(t *testing.T) {
	txn, ch := newTestChannel(t)
	ws := &Workspace{}
	missing := pristine.Position{Change: pristine.ChangeIdFromUint64(99)}

	_, ok := FindSourceVertex(txn, ch, ws, missing)
	require.False(t, ok)
	require.Equal(t, []pristine.Position{missing}, ws.MissingContext)
}

func TestCleanObsoletePseudoEdgesRemovesOnlyPseudo(t *testing.T) {
	txn, ch := newTestChannel(t)
	idA, err := txn.MakeChangeId(pristine.Hash{1})
	require.NoError(t, err)
	inode := pristine.Position{Change: idA}

	require.NoError(t, txn.PutGraph(ch, inode, pristine.Edge{Flag: pristine.FlagPseudo | pristine.FlagFolder, Dest: pristine.Bottom, IntroducedBy: idA}))
	require.NoError(t, txn.PutGraph(ch, inode, pristine.Edge{Flag: pristine.FlagFolder, Dest: pristine.Position{Change: idA, Pos: 1}, IntroducedBy: idA}))

	require.NoError(t, CleanObsoletePseudoEdges(txn, ch, inode))

	remaining, err := txn.Graph(ch).IterAdjacent(inode, 0, 0xff)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.False(t, remaining[0].Flag.Contains(pristine.FlagPseudo))
}
