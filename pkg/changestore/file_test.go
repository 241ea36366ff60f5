package changestore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pijul-core/pristine/pkg/pristine"
)

func TestFileStoreSaveAndGetChange(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	c := &Change{
		Dependencies: []pristine.Hash{{9}},
		Header:       Header{Message: "add greeting"},
		Atoms: []Atom{
			{Kind: AtomNewVertex, NewVertex: &NewVertexAtom{
				Up:       pristine.Bottom,
				Down:     pristine.Bottom,
				Flag:     pristine.FlagBlock,
				Contents: []byte("hello"),
			}},
		},
	}

	h, err := s.SaveChange(c)
	require.NoError(t, err)
	require.False(t, h.IsZero())
	require.True(t, s.Knows(h))

	got, err := s.GetChange(h)
	require.NoError(t, err)
	require.Equal(t, h, got.Hash)
	require.Equal(t, "add greeting", got.Header.Message)
	require.Len(t, got.Dependencies, 1)
	require.Equal(t, pristine.Hash{9}, got.Dependencies[0])
	require.Len(t, got.Atoms, 1)
	require.Equal(t, []byte("hello"), got.Atoms[0].NewVertex.Contents)
}

func TestFileStoreGetChangeMissing(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	_, err = s.GetChange(pristine.Hash{1, 2, 3})
	require.Error(t, err)
	require.False(t, s.Knows(pristine.Hash{1, 2, 3}))
}
