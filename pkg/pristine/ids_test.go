package pristine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChangeIdRoundTrip(t *testing.T) {
	id := ChangeIdFromUint64(42)
	require.Equal(t, uint64(42), id.Uint64())
	require.False(t, id.IsRoot())
	require.True(t, RootChangeId.IsRoot())
}

func TestPositionLess(t *testing.T) {
	a := Position{Change: ChangeIdFromUint64(1), Pos: 5}
	b := Position{Change: ChangeIdFromUint64(1), Pos: 6}
	c := Position{Change: ChangeIdFromUint64(2), Pos: 0}

	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
	require.True(t, a.Less(c))
}

func TestEdgeFlagsContainsAndIntersects(t *testing.T) {
	f := FlagBlock | FlagPseudo
	require.True(t, f.Contains(FlagBlock))
	require.False(t, f.Contains(FlagBlock|FlagDeleted))
	require.True(t, f.Intersects(FlagDeleted|FlagPseudo))
	require.False(t, f.Intersects(FlagDeleted|FlagParent))
}

func TestEdgePairReverse(t *testing.T) {
	source := Position{Change: ChangeIdFromUint64(1)}
	dest := Position{Change: ChangeIdFromUint64(2)}
	pair := EdgePair{Flag: FlagBlock, Source: source, Dest: dest, IntroducedBy: ChangeIdFromUint64(3)}

	rev := pair.Reverse()
	require.Equal(t, dest, rev.Source)
	require.Equal(t, source, rev.Dest)
	require.True(t, rev.Flag.Contains(FlagParent))
	require.True(t, rev.Flag.Contains(FlagBlock))
}

func TestVertexLenAndPositions(t *testing.T) {
	v := Vertex{Change: ChangeIdFromUint64(1), Start: 10, End: 20}
	require.Equal(t, uint64(10), v.Len())
	require.Equal(t, Position{Change: v.Change, Pos: 10}, v.StartPos())
	require.Equal(t, Position{Change: v.Change, Pos: 20}, v.EndPos())
}
