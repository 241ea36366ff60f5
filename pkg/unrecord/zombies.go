package unrecord

import (
	"github.com/pijul-core/pristine/pkg/pristine"
)

// bp is the mask collectZombies filters edges by: of an edge's
// Block/Parent bits, exactly Parent set (no Block) marks a trivial
// continuation edge safe to follow regardless of who introduced it.
const bp = pristine.FlagBlock | pristine.FlagParent

// collectZombies is Pass B's per-EdgeMap-atom walk: starting from the
// vertex currently covering to, it follows every edge either
// introduced by changeId or matching the bp() trivial-parent mask,
// queuing the ones introduced by changeId for removal. This finds the
// pseudo edges that were only keeping the graph connected around a
// deletion changeId itself made, now that the deletion is being
// undone.
func collectZombies(txn pristine.Txn, ch *pristine.Channel, changeId pristine.ChangeId, to pristine.Position, ws *Workspace) error {
	v, err := txn.FindBlock(ch, to)
	if err != nil {
		return nil
	}
	ws.Stack = append(ws.Stack, v.StartPos())

	for len(ws.Stack) > 0 {
		n := len(ws.Stack) - 1
		pos := ws.Stack[n]
		ws.Stack = ws.Stack[:n]
		if ws.Parents[pos] {
			continue
		}
		ws.Parents[pos] = true

		edges, err := txn.Graph(ch).IterAdjacent(pos, 0, 0xff)
		if err != nil {
			return err
		}
		for _, e := range edges {
			if !(e.IntroducedBy == changeId || e.Flag&bp == pristine.FlagParent) {
				continue
			}
			if e.IntroducedBy == changeId {
				ws.DelEdges = append(ws.DelEdges, zombieFrame{Vertex: pos, Edge: e})
			}
			next, err := txn.FindBlock(ch, e.Dest)
			if err != nil {
				continue
			}
			ws.Stack = append(ws.Stack, next.StartPos())
		}
	}

	ws.Stack = ws.Stack[:0]
	for k := range ws.Parents {
		delete(ws.Parents, k)
	}
	return nil
}

// drainDelEdges applies every (vertex, edge) pair collectZombies or
// collectZombiesPseudo/collectZombiesUp queued in ws.DelEdges, clearing
// the queue. A Parent-flagged entry names the far endpoint as its
// Dest, so the edge pair being removed is (resolved-dest -> vertex)
// rather than (vertex -> resolved-dest).
func drainDelEdges(txn pristine.MutTxn, ch *pristine.Channel, ws *Workspace) error {
	for len(ws.DelEdges) > 0 {
		n := len(ws.DelEdges) - 1
		f := ws.DelEdges[n]
		ws.DelEdges = ws.DelEdges[:n]

		var source, dest pristine.Position
		flag := f.Edge.Flag
		if flag.Contains(pristine.FlagParent) {
			other, err := txn.FindBlock(ch, f.Edge.Dest)
			if err != nil {
				continue
			}
			flag &^= pristine.FlagParent
			source, dest = other.StartPos(), f.Vertex
		} else {
			other, err := txn.FindBlock(ch, f.Edge.Dest)
			if err != nil {
				continue
			}
			source, dest = f.Vertex, other.StartPos()
		}

		edge := pristine.Edge{Flag: flag, Dest: dest, IntroducedBy: f.Edge.IntroducedBy}
		if err := txn.DelGraph(ch, source, edge); err != nil && err != pristine.ErrNotFound {
			return err
		}
		rev := pristine.EdgePair{Flag: flag, Source: source, Dest: dest, IntroducedBy: f.Edge.IntroducedBy}.Reverse()
		if err := txn.DelGraph(ch, rev.Source, pristine.Edge{Flag: rev.Flag, Dest: rev.Dest, IntroducedBy: rev.IntroducedBy}); err != nil && err != pristine.ErrNotFound {
			return err
		}
	}
	return nil
}

// collectZombiesPseudo is Phase 1 of the final cleanup pass: starting
// from the vertex covering to, it descends through every non-Parent,
// non-Deleted child edge looking for a live one. A subtree with no
// live child has its Pseudo edges queued for removal; once the whole
// descent is exhausted, Phase 2 (collectZombiesUp) walks further up
// from whatever was queued.
func collectZombiesPseudo(txn pristine.Txn, ch *pristine.Channel, to pristine.Position, ws *Workspace) error {
	if v, err := txn.FindBlock(ch, to); err == nil {
		ws.ZombiesStack = append(ws.ZombiesStack, zombieWalkState{Vertex: v.StartPos()})
	}

	for len(ws.ZombiesStack) > 0 {
		n := len(ws.ZombiesStack) - 1
		top := ws.ZombiesStack[n]
		ws.ZombiesStack = ws.ZombiesStack[:n]

		if top.OnPath {
			if !top.Alive {
				edges, err := txn.Graph(ch).IterAdjacent(top.Vertex, 0, 0xff)
				if err != nil {
					return err
				}
				for _, e := range edges {
					if e.Flag.Contains(pristine.FlagPseudo) {
						ws.DelEdges = append(ws.DelEdges, zombieFrame{Vertex: top.Vertex, Edge: e})
					}
				}
				if len(ws.ZombiesStack) == 0 {
					for k := range ws.Parents {
						delete(ws.Parents, k)
					}
					if err := collectZombiesUp(txn, ch, to, ws); err != nil {
						return err
					}
				}
			}
			continue
		}

		if ws.Parents[top.Vertex] {
			continue
		}
		ws.Parents[top.Vertex] = true

		edges, err := txn.Graph(ch).IterAdjacent(top.Vertex, 0, 0xff)
		if err != nil {
			return err
		}
		isFirst := true
		for _, e := range edges {
			if e.Flag.Intersects(pristine.FlagParent | pristine.FlagDeleted) {
				continue
			}
			x, err := txn.FindBlock(ch, e.Dest)
			if err != nil {
				continue
			}
			if isAliveVertex(txn, ch, x.StartPos()) {
				for i := range ws.ZombiesStack {
					if ws.ZombiesStack[i].OnPath {
						ws.ZombiesStack[i].Alive = true
					}
				}
			} else {
				if isFirst {
					isFirst = false
					ws.ZombiesStack = append(ws.ZombiesStack, zombieWalkState{Vertex: top.Vertex, OnPath: true})
				}
				ws.ZombiesStack = append(ws.ZombiesStack, zombieWalkState{Vertex: x.StartPos()})
			}
		}
	}

	ws.ZombiesStack = ws.ZombiesStack[:0]
	for k := range ws.Parents {
		delete(ws.Parents, k)
	}
	return nil
}

// isAliveVertex reports whether v has any adjacent edge that is
// neither Pseudo nor Deleted — the local stand-in for the alive-graph
// engine's own liveness check, scoped to what collectZombiesPseudo
// needs: "does this vertex have a reason to exist beyond the pseudo
// context we are considering removing."
func isAliveVertex(txn pristine.Txn, ch *pristine.Channel, v pristine.Position) bool {
	edges, err := txn.Graph(ch).IterAdjacent(v, 0, 0xff)
	if err != nil {
		return false
	}
	for _, e := range edges {
		if !e.Flag.Intersects(pristine.FlagPseudo | pristine.FlagDeleted) {
			return true
		}
	}
	return false
}

// collectZombiesUp is Phase 2: for each pseudo edge Phase 1 queued, it
// walks further up the chain of Parent edges from that edge's
// destination. A Parent edge that is neither Pseudo nor Deleted
// anchors the walk — that ancestor is legitimately connected and the
// current path stops there without queuing anything above it. A
// Pseudo Parent edge is queued in turn and its destination pushed onto
// the frontier, so a chain of now-empty pseudo anchors is pruned all
// the way up.
func collectZombiesUp(txn pristine.Txn, ch *pristine.Channel, to pristine.Position, ws *Workspace) error {
	if v, err := txn.FindBlock(ch, to); err == nil {
		ws.Stack = append(ws.Stack, v.StartPos())
	}

	for len(ws.Stack) > 0 {
		n := len(ws.Stack) - 1
		pos := ws.Stack[n]
		ws.Stack = ws.Stack[:n]
		if ws.Parents[pos] {
			continue
		}
		ws.Parents[pos] = true

		delLen := len(ws.DelEdges)
		stackLen := len(ws.Stack)

		edges, err := txn.Graph(ch).IterAdjacent(pos, 0, 0xff)
		if err != nil {
			return err
		}
		for _, e := range edges {
			if !e.Flag.Contains(pristine.FlagParent) {
				continue
			}
			if !e.Flag.Intersects(pristine.FlagPseudo | pristine.FlagDeleted) {
				ws.DelEdges = ws.DelEdges[:delLen]
				ws.Stack = ws.Stack[:stackLen]
				break
			}
			if end, err := txn.FindBlock(ch, e.Dest); err == nil {
				ws.Stack = append(ws.Stack, end.StartPos())
			}
			if e.Flag.Contains(pristine.FlagPseudo) {
				ws.DelEdges = append(ws.DelEdges, zombieFrame{Vertex: pos, Edge: e})
			}
		}
	}

	ws.Stack = ws.Stack[:0]
	for k := range ws.Parents {
		delete(ws.Parents, k)
	}
	return nil
}
