package unrecord

import (
	"sync"

	"github.com/pijul-core/pristine/pkg/pristine"
)

// TreeTxn is the read side of the working-copy reconciliation the
// final unrecord pass drives: resolving a tracked path to the
// position it currently names.
type TreeTxn interface {
	Lookup(path string) (pristine.Position, bool)
}

// TreeMutTxn is the minimal working-copy mutation surface unrecord
// needs: add, remove, or restore a tracked path's binding to a file
// inode. It deliberately says nothing about the filesystem itself —
// in this module the working copy is a pluggable collaborator, not a
// thing pkg/unrecord touches directly.
type TreeMutTxn interface {
	TreeTxn
	Add(path string, inode pristine.Position) error
	Remove(path string) error
	Restore(path string, inode pristine.Position) error
}

// undoFileDeletion reverses a change that had deleted a tracked file:
// the path is restored, pointing at the inode it named before that
// change.
func undoFileDeletion(tree TreeMutTxn, path string, inode pristine.Position) error {
	return tree.Restore(path, inode)
}

// undoFileReinsertion reverses a change that had restored a
// previously-deleted path back into the tree: unrecording it deletes
// the path again.
func undoFileReinsertion(tree TreeMutTxn, path string) error {
	return tree.Remove(path)
}

// undoFileAddition reverses a change that introduced a brand new
// tracked path: unrecording it removes the path entirely, since there
// was no prior binding to restore.
func undoFileAddition(tree TreeMutTxn, path string) error {
	return tree.Remove(path)
}

// MemTree is an in-memory TreeMutTxn, used by tests and by callers
// that reconcile the working copy separately from the pristine graph
// (e.g. a dry-run unrecord that reports what would change without
// touching any files).
type MemTree struct {
	mu    sync.Mutex
	paths map[string]pristine.Position
}

// NewMemTree returns an empty MemTree.
func NewMemTree() *MemTree {
	return &MemTree{paths: make(map[string]pristine.Position)}
}

func (t *MemTree) Lookup(path string) (pristine.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.paths[path]
	return p, ok
}

func (t *MemTree) Add(path string, inode pristine.Position) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paths[path] = inode
	return nil
}

func (t *MemTree) Remove(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.paths, path)
	return nil
}

func (t *MemTree) Restore(path string, inode pristine.Position) error {
	return t.Add(path, inode)
}

var _ TreeMutTxn = (*MemTree)(nil)
