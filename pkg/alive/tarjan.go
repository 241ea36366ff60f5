package alive

import "github.com/pijul-core/pristine/pkg/pristine"

// Tarjan computes the graph's strongly connected components using
// Tarjan's algorithm, visiting children in the order Retrieve recorded
// them. SCCs are returned in the order Tarjan closes them, which is
// reverse topological order over the condensation DAG: an SCC earlier
// in the slice can only be reached from one later in the slice, never
// the other way around.
func (g *Graph) Tarjan() [][]VertexId {
	var (
		index   = 1
		stack   []VertexId
		sccs    [][]VertexId
	)
	var strongconnect func(v VertexId)
	strongconnect = func(v VertexId) {
		g.Lines[v].Index = index
		g.Lines[v].Lowlink = index
		index++
		stack = append(stack, v)
		g.Lines[v].OnStack = true

		for _, c := range g.ChildrenOf(v) {
			if c.Edge == nil || c.Dest == DummyVertex {
				continue
			}
			w := c.Dest
			if g.Lines[w].Index == 0 {
				strongconnect(w)
				if g.Lines[w].Lowlink < g.Lines[v].Lowlink {
					g.Lines[v].Lowlink = g.Lines[w].Lowlink
				}
			} else if g.Lines[w].OnStack {
				if g.Lines[w].Index < g.Lines[v].Lowlink {
					g.Lines[v].Lowlink = g.Lines[w].Index
				}
			}
		}

		if g.Lines[v].Lowlink == g.Lines[v].Index {
			var scc []VertexId
			for {
				n := len(stack) - 1
				w := stack[n]
				stack = stack[:n]
				g.Lines[w].OnStack = false
				g.Lines[w].SCC = len(sccs)
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for vid := range g.Lines {
		if vid == int(DummyVertex) {
			continue
		}
		if g.Lines[vid].Index == 0 {
			strongconnect(VertexId(vid))
		}
	}
	return sccs
}

// forwardEdge names one edge, by its source vertex and the edge
// record itself, that Dfs has classified as forward/cross within a
// non-trivial SCC — a shortcut that is redundant with the SCC's
// natural cycle and must be deleted to linearize the conflict zone.
type forwardEdge struct {
	Source VertexId
	Edge   pristine.Edge
}

// Dfs walks each multi-vertex SCC from its root (the member Tarjan
// discovered first, which is last in the SCC's slice), using
// only edges whose endpoints both lie in that SCC, and classifies
// every such edge as tree/back (kept — these form the SCC's actual
// cycle) or forward/cross (queued for removal — these are redundant
// paths around the cycle that would let a caller observe the same
// bytes more than once when walking the graph linearly).
func (g *Graph) Dfs(sccs [][]VertexId) []forwardEdge {
	var forward []forwardEdge
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[VertexId]int)

	var visit func(v VertexId, scc int)
	visit = func(v VertexId, scc int) {
		color[v] = gray
		for _, c := range g.ChildrenOf(v) {
			if c.Edge == nil || c.Dest == DummyVertex {
				continue
			}
			w := c.Dest
			if g.Lines[w].SCC != scc {
				continue
			}
			switch color[w] {
			case white:
				visit(w, scc)
			case gray:
				// back edge: part of the SCC's real cycle, keep.
			case black:
				forward = append(forward, forwardEdge{Source: v, Edge: *c.Edge})
			}
		}
		color[v] = black
	}

	for _, scc := range sccs {
		if len(scc) < 2 {
			continue
		}
		root := scc[len(scc)-1]
		visit(root, root.sccIndexIn(g))
	}
	return forward
}

func (v VertexId) sccIndexIn(g *Graph) int { return g.Lines[v].SCC }

// RemoveForwardEdges retrieves the alive graph rooted at pos with
// deleted vertices excluded, finds its strongly connected components,
// and deletes every forward/cross edge Dfs identifies within a
// non-trivial SCC, leaving only the minimal cycle that represents a
// genuine concurrent edit conflict.
func RemoveForwardEdges(txn pristine.MutTxn, ch *pristine.Channel, pos pristine.Position) error {
	g, err := Retrieve(txn, ch, pos, false)
	if err != nil {
		return err
	}
	sccs := g.Tarjan()
	forward := g.Dfs(sccs)
	for _, fe := range forward {
		source := g.Lines[fe.Source].Vertex.StartPos()
		if err := txn.DelGraph(ch, source, fe.Edge); err != nil {
			return err
		}
		rev := pristine.EdgePair{Flag: fe.Edge.Flag, Source: source, Dest: fe.Edge.Dest, IntroducedBy: fe.Edge.IntroducedBy}.Reverse()
		if err := txn.DelGraph(ch, rev.Source, pristine.Edge{Flag: rev.Flag, Dest: rev.Dest, IntroducedBy: rev.IntroducedBy}); err != nil {
			return err
		}
	}
	return nil
}
