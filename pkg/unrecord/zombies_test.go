package unrecord

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pijul-core/pristine/pkg/pristine"
)

func TestBpMaskIsBlockParent(t *testing.T) {
	require.Equal(t, pristine.FlagBlock|pristine.FlagParent, bp)
}

// registerVertex inserts a forward Block edge so FindBlock(start)
// resolves, the same bookkeeping every real PutGraph call on a Block
// edge performs.
func registerVertex(t *testing.T, txn pristine.MutTxn, ch *pristine.Channel, start, end pristine.Position, introducedBy pristine.ChangeId) {
	t.Helper()
	require.NoError(t, txn.PutGraph(ch, start, pristine.Edge{Flag: pristine.FlagBlock, Dest: end, IntroducedBy: introducedBy}))
}

func TestCollectZombiesQueuesOwnEdgeFollowingFromTo(t *testing.T) {
	store := pristine.NewMemStore()
	txn, err := store.BeginWrite()
	require.NoError(t, err)
	ch, err := txn.OpenOrCreateChannel("main")
	require.NoError(t, err)

	idA, err := txn.MakeChangeId(pristine.Hash{1})
	require.NoError(t, err)
	idReg, err := txn.MakeChangeId(pristine.Hash{2})
	require.NoError(t, err)

	v0 := pristine.Position{Change: idA, Pos: 0}
	v1 := pristine.Position{Change: idA, Pos: 1}
	registerVertex(t, txn, ch, v0, v1, idReg)

	// A trivial parent edge introduced by idA: bp()==PARENT, so
	// collectZombies follows it regardless of who else might have an
	// opinion, and queues it since it is idA's own edge.
	zombieEdge := pristine.Edge{Flag: pristine.FlagParent, Dest: v1, IntroducedBy: idA}
	require.NoError(t, txn.PutGraph(ch, v0, zombieEdge))

	ws := GetWorkspace()
	defer PutWorkspace(ws)

	require.NoError(t, collectZombies(txn, ch, idA, v0, ws))
	require.Len(t, ws.DelEdges, 1)
	require.Equal(t, v0, ws.DelEdges[0].Vertex)
	require.Equal(t, zombieEdge, ws.DelEdges[0].Edge)
}

func TestCollectZombiesIgnoresForeignNonTrivialEdges(t *testing.T) {
	store := pristine.NewMemStore()
	txn, err := store.BeginWrite()
	require.NoError(t, err)
	ch, err := txn.OpenOrCreateChannel("main")
	require.NoError(t, err)

	idA, err := txn.MakeChangeId(pristine.Hash{1})
	require.NoError(t, err)
	idB, err := txn.MakeChangeId(pristine.Hash{2})
	require.NoError(t, err)

	v0 := pristine.Position{Change: idA, Pos: 0}
	v1 := pristine.Position{Change: idA, Pos: 1}
	registerVertex(t, txn, ch, v0, v1, idB)

	ws := GetWorkspace()
	defer PutWorkspace(ws)

	// The only edge at v0 is the Block registration edge itself,
	// introduced by idB: it is neither idA's own edge nor a bp()
	// trivial parent (it carries Block, not Parent), so it must be
	// left alone.
	require.NoError(t, collectZombies(txn, ch, idA, v0, ws))
	require.Empty(t, ws.DelEdges)
}

func TestDrainDelEdgesRemovesQueuedPair(t *testing.T) {
	store := pristine.NewMemStore()
	txn, err := store.BeginWrite()
	require.NoError(t, err)
	ch, err := txn.OpenOrCreateChannel("main")
	require.NoError(t, err)

	idA, err := txn.MakeChangeId(pristine.Hash{1})
	require.NoError(t, err)
	v0 := pristine.Position{Change: idA, Pos: 0}
	v1 := pristine.Position{Change: idA, Pos: 1}
	registerVertex(t, txn, ch, v0, v1, idA)
	registerVertex(t, txn, ch, v1, pristine.Position{Change: idA, Pos: 2}, idA)

	forward := pristine.Edge{Flag: pristine.FlagPseudo, Dest: v0, IntroducedBy: idA}
	require.NoError(t, txn.PutGraph(ch, v1, forward))

	ws := GetWorkspace()
	defer PutWorkspace(ws)
	ws.DelEdges = append(ws.DelEdges, zombieFrame{Vertex: v1, Edge: forward})

	require.NoError(t, drainDelEdges(txn, ch, ws))
	require.Empty(t, ws.DelEdges)

	remaining, err := txn.Graph(ch).IterAdjacent(v1, 0, 0xff)
	require.NoError(t, err)
	for _, e := range remaining {
		require.NotEqual(t, forward, e)
	}
}
