// Package alive implements the alive-graph engine: materializing the
// currently-live subgraph reachable from a starting position, finding
// strongly connected components within it (conflict zones, where
// concurrent edits to the same byte range have left a small cycle),
// and pruning the redundant "forward" edges that would otherwise let
// a linear consumer of the graph see the same bytes twice.
package alive

import (
	"github.com/pijul-core/pristine/pkg/pristine"
)

// VertexId is a dense, call-local index into a Graph's Lines slice.
// It has no meaning outside the Graph that produced it.
type VertexId uint32

// DummyVertex is the reserved index-0 sentinel: every real vertex
// starts at index 1. A DummyVertex child entry marks "no further
// destination" rather than an actual edge, which is how the flat
// Children array encodes a variable number of children per vertex
// without a separate length-prefixed layout.
const DummyVertex VertexId = 0

// Flags marks properties the alive-graph engine derives for a vertex,
// distinct from the edge flags stored in the pristine schema.
type Flags uint8

// Zombie marks a vertex that is alive (reachable, not deleted) but
// also has at least one adjacent edge simultaneously flagged
// Parent|Deleted|Block — i.e. it was deleted and then reintroduced by
// a later, conflicting edit. Zombie vertices need special handling in
// the unapply engine (see pkg/unrecord) because un-deleting the
// change that deleted them must not resurrect an edge the
// reintroduction has already superseded.
const Zombie Flags = 1

// AliveVertex is one node of a materialized alive graph.
type AliveVertex struct {
	Vertex    pristine.Vertex
	Flags     Flags
	Children  int // start offset into Graph.Children
	NChildren int // count, including the trailing dummy sentinel
	Index     int // Tarjan discovery index, 0 = unvisited
	Lowlink   int
	SCC       int // index into the SCC slice Tarjan produced
	OnStack   bool
}

// ChildEdge is one entry of a Graph's flat children array: either a
// real edge to a live destination, or (Edge == nil) the sentinel
// marking the end of a vertex's child list.
type ChildEdge struct {
	Edge *pristine.Edge
	Dest VertexId
}

// Graph is the materialized alive subgraph reachable from a single
// starting Position: a dense array of AliveVertex plus a flat,
// sentinel-delimited array of their children, avoiding a separate
// allocation per vertex's adjacency list.
type Graph struct {
	Lines      []AliveVertex
	Children   []ChildEdge
	TotalBytes uint64
}

func (g *Graph) at(id VertexId) *AliveVertex { return &g.Lines[id] }

// ChildrenOf returns the slice of child edges (including the trailing
// dummy sentinel) belonging to vid.
func (g *Graph) ChildrenOf(vid VertexId) []ChildEdge {
	v := g.Lines[vid]
	return g.Children[v.Children : v.Children+v.NChildren]
}

// adjacencyMask is the (min, include) edge-flag filter retrieve uses
// when walking the live graph: PARENT edges are always excluded by
// the caller afterward, PSEUDO and BLOCK edges are always walked, and
// DELETED edges are walked only when the caller wants the
// deleted-but-not-yet-GC'd view (e.g. for diff/blame tooling).
func adjacencyMask(includeDeleted bool) (min, include pristine.EdgeFlags) {
	include = pristine.FlagPseudo | pristine.FlagBlock
	if includeDeleted {
		include |= pristine.FlagDeleted
	}
	return 0, include
}

// Retrieve materializes the alive subgraph reachable from pos0: an
// iterative depth-first walk starting at pos0, expanding every
// PSEUDO/BLOCK (and, if includeDeleted, DELETED) child edge whose
// destination is a live vertex, caching each Position's assigned
// VertexId so a vertex reachable by more than one path is visited
// once.
func Retrieve(txn pristine.Txn, ch *pristine.Channel, pos0 pristine.Position, includeDeleted bool) (*Graph, error) {
	g := &Graph{}
	cache := make(map[pristine.Position]VertexId)

	g.Lines = append(g.Lines, AliveVertex{}) // DummyVertex
	cache[pristine.Bottom] = DummyVertex

	startVertex, err := startingVertex(txn, ch, pos0)
	if err != nil {
		return nil, err
	}
	g.Lines = append(g.Lines, AliveVertex{Vertex: startVertex})
	cache[pos0] = VertexId(1)

	stack := []VertexId{1}
	min, include := adjacencyMask(includeDeleted)
	for len(stack) > 0 {
		vid := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		g.at(vid).Children = len(g.Children)
		v := g.Lines[vid].Vertex
		edges, err := txn.Graph(ch).IterAdjacent(v.StartPos(), min, include)
		if err != nil {
			return nil, err
		}
		for i := range edges {
			e := edges[i]
			if e.Flag.Intersects(pristine.FlagParent) {
				continue
			}
			destVid, ok := cache[e.Dest]
			if !ok {
				av, alive, err := newVertex(txn, ch, e.Dest)
				if err != nil {
					return nil, err
				}
				if !alive {
					continue
				}
				destVid = VertexId(len(g.Lines))
				cache[e.Dest] = destVid
				g.TotalBytes += av.Vertex.Len()
				g.Lines = append(g.Lines, av)
				stack = append(stack, destVid)
			}
			g.Children = append(g.Children, ChildEdge{Edge: &edges[i], Dest: destVid})
			g.at(vid).NChildren++
		}
		g.Children = append(g.Children, ChildEdge{Edge: nil, Dest: DummyVertex})
		g.at(vid).NChildren++
	}
	return g, nil
}

func startingVertex(txn pristine.Txn, ch *pristine.Channel, pos0 pristine.Position) (pristine.Vertex, error) {
	v, err := txn.FindBlock(ch, pos0)
	if err == pristine.ErrNotFound {
		return pristine.Vertex{Change: pos0.Change, Start: pos0.Pos, End: pos0.Pos}, nil
	}
	return v, err
}

// isAlive reports whether v currently has no adjacent
// Parent|Deleted edge that lacks an accompanying Block flag — a
// vertex with such an edge has been cleanly deleted with no
// conflicting reintroduction and is therefore dead, per invariant I5.
// A Parent|Deleted|Block edge instead marks the vertex a Zombie
// (still alive, but haunted — see collect_zombies in pkg/unrecord).
func isAlive(txn pristine.Txn, ch *pristine.Channel, v pristine.Vertex) (bool, error) {
	edges, err := txn.Graph(ch).IterAdjacent(v.StartPos(), pristine.FlagParent, pristine.EdgeFlags(0xff))
	if err != nil {
		return false, err
	}
	for _, e := range edges {
		if e.Flag.Contains(pristine.FlagParent|pristine.FlagDeleted) && !e.Flag.Contains(pristine.FlagBlock) {
			return false, nil
		}
	}
	return true, nil
}

func newVertex(txn pristine.Txn, ch *pristine.Channel, pos pristine.Position) (AliveVertex, bool, error) {
	v, err := txn.FindBlock(ch, pos)
	if err == pristine.ErrNotFound {
		// No vertex-table entry (no Block edge stored under pos):
		// treat pos as a zero-width vertex, as startingVertex does.
		v, err = pristine.Vertex{Change: pos.Change, Start: pos.Pos, End: pos.Pos}, nil
	}
	if err != nil {
		return AliveVertex{}, false, err
	}
	alive, err := isAlive(txn, ch, v)
	if err != nil {
		return AliveVertex{}, false, err
	}
	if !alive {
		return AliveVertex{}, false, nil
	}
	flags := Flags(0)
	edges, err := txn.Graph(ch).IterAdjacent(v.StartPos(), pristine.FlagParent|pristine.FlagDeleted|pristine.FlagBlock, pristine.EdgeFlags(0xff))
	if err != nil {
		return AliveVertex{}, false, err
	}
	for _, e := range edges {
		if e.Flag.Contains(pristine.FlagParent | pristine.FlagDeleted | pristine.FlagBlock) {
			flags = Zombie
			break
		}
	}
	return AliveVertex{Vertex: v, Flags: flags}, true, nil
}
