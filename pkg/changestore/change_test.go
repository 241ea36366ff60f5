package changestore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pijul-core/pristine/pkg/pristine"
)

func TestChangeDeletesPosition(t *testing.T) {
	pos := pristine.Position{Change: pristine.ChangeIdFromUint64(1), Pos: 5}
	c := &Change{
		Atoms: []Atom{
			{
				Kind: AtomEdgeMap,
				EdgeMap: &EdgeMapAtom{
					Edges: []EdgeUpdate{
						{Flag: pristine.FlagDeleted, Source: pos, Dest: pristine.Bottom},
					},
				},
			},
		},
	}
	require.True(t, c.ChangeDeletesPosition(pos))
	require.False(t, c.ChangeDeletesPosition(pristine.Position{Change: pristine.ChangeIdFromUint64(2)}))
}

func TestChangeDeletesPositionIgnoresNewVertexAtoms(t *testing.T) {
	pos := pristine.Position{Change: pristine.ChangeIdFromUint64(1), Pos: 5}
	c := &Change{
		Atoms: []Atom{
			{Kind: AtomNewVertex, NewVertex: &NewVertexAtom{Up: pos}},
		},
	}
	require.False(t, c.ChangeDeletesPosition(pos))
}
