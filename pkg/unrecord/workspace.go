// Package unrecord implements atom-by-atom reversal of a recorded
// change: removing it from a channel's history while leaving every
// other applied change consistent.
//
// unrecord proceeds in three passes over a change's atoms, in reverse
// recording order: structural reversal (undoing each atom's graph
// edits), zombie removal (deleting pseudo edges that only existed to
// paper over the now-reverted deletion), and a final
// zombie-pseudo-edge pruning pass that walks the touched part of the
// file-tree graph to drop any pseudo edge the reversal left dangling.
// Unrecord does not touch the working copy: the working-tree helpers
// in workingcopy.go (undoFileDeletion, undoFileReinsertion,
// undoFileAddition) are not called by any pass.
package unrecord

import (
	"sync"

	"github.com/pijul-core/pristine/pkg/applyshared"
	"github.com/pijul-core/pristine/pkg/pristine"
)

// zombieFrame is one entry of a zombie-removal delete queue: a vertex
// together with the specific edge found attached to it that needs to
// be unwound.
type zombieFrame struct {
	Vertex pristine.Position
	Edge   pristine.Edge
}

// zombieWalkState is one entry of collectZombiesPseudo's tri-state
// descent stack: the vertex being visited, whether it has already been
// proven alive, and whether it is a second visit (on the way back up,
// after its children have been classified) rather than the first.
type zombieWalkState struct {
	Vertex pristine.Position
	Alive  bool
	OnPath bool
}

// reintroducePair identifies one (source, target) vertex pair that
// unapplyEdges's vertex-splitting loop determined needs its restored
// edge forced Block.
type reintroducePair struct {
	From, To pristine.Position
}

// Workspace is the unapply engine's reusable scratch state. A single
// Workspace is safe to reuse across many unrecord calls, one at a
// time (it holds no lock; GetWorkspace hands each caller its own
// Workspace), which is why every slice and map
// field is reset rather than reallocated between calls; see the pool
// below, adapted from pkg/pool's Get/Put idiom.
type Workspace struct {
	applyshared.Workspace

	// Up and Down record, for each vertex split point touched by
	// the change being unapplied, the context edge that anchored it
	// on either side — populated by unapplyNewVertex. No later pass
	// reads them.
	Up, Down map[pristine.Position]pristine.Position

	// Parents is the visited-set shared by every zombie DFS
	// (collectZombies, collectZombiesPseudo, collectZombiesUp):
	// cleared at the end of each pass, it keeps each walk from
	// revisiting a vertex reached by more than one path.
	Parents map[pristine.Position]bool

	// MustReintroduce records the (source, target) vertex pairs
	// unapplyEdges's vertex-splitting loop found that need their
	// restored edge forced Block, computed once per EdgeMap atom and
	// then consulted while the edges are actually restored.
	MustReintroduce map[reintroducePair]bool

	// Del is the stack of vertex starts the structural reversal pass
	// deleted. No later pass reads it; the zombie-removal pass starts
	// from each EdgeMap edge's destination instead.
	Del []pristine.Position

	// Stack is the general-purpose DFS stack shared by collectZombies
	// and collectZombiesUp.
	Stack []pristine.Position

	// DelEdges accumulates (vertex, edge) pairs slated for removal
	// across a pass, applied in one batch at the pass's end so an
	// in-progress scan of the graph is never mutated underneath
	// itself.
	DelEdges []zombieFrame

	// ZombiesStack is collectZombiesPseudo's tri-state descent stack.
	ZombiesStack []zombieWalkState

	// TouchedInodes names every file-tree inode the change touched,
	// for the final cleanup pass's CleanObsoletePseudoEdges /
	// RepairCyclicPaths calls.
	TouchedInodes []pristine.Position
}

// Reset clears w for reuse, keeping backing arrays.
func (w *Workspace) Reset() {
	w.Workspace.Reset()
	for k := range w.Up {
		delete(w.Up, k)
	}
	for k := range w.Down {
		delete(w.Down, k)
	}
	for k := range w.Parents {
		delete(w.Parents, k)
	}
	for k := range w.MustReintroduce {
		delete(w.MustReintroduce, k)
	}
	w.Del = w.Del[:0]
	w.Stack = w.Stack[:0]
	w.DelEdges = w.DelEdges[:0]
	w.ZombiesStack = w.ZombiesStack[:0]
	w.TouchedInodes = w.TouchedInodes[:0]
}

func newWorkspace() *Workspace {
	return &Workspace{
		Up:              make(map[pristine.Position]pristine.Position),
		Down:            make(map[pristine.Position]pristine.Position),
		Parents:         make(map[pristine.Position]bool),
		MustReintroduce: make(map[reintroducePair]bool),
	}
}

var workspacePool = sync.Pool{New: func() any { return newWorkspace() }}

// GetWorkspace returns a reset Workspace from the pool. Call
// PutWorkspace when done. This mirrors pkg pool's typed Get/Put
// convention rather than allocating fresh scratch state on every
// unrecord call.
func GetWorkspace() *Workspace {
	w := workspacePool.Get().(*Workspace)
	w.Reset()
	return w
}

// PutWorkspace returns w to the pool.
func PutWorkspace(w *Workspace) {
	if w == nil {
		return
	}
	workspacePool.Put(w)
}

// performDel marks pos as deleted for this unapply call, pushing it
// onto the Del stack.
func (w *Workspace) performDel(pos pristine.Position) {
	w.Del = append(w.Del, pos)
}
