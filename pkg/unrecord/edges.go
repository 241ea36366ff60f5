package unrecord

import (
	"github.com/pijul-core/pristine/pkg/applyshared"
	"github.com/pijul-core/pristine/pkg/changestore"
	"github.com/pijul-core/pristine/pkg/pristine"
)

// unapply walks change's atoms in reverse recording order undoing each
// one's graph effect (Pass A), then walks the EdgeMap atoms again,
// still in reverse, removing any zombie pseudo edges the deletions
// Pass A just reversed had papered over (Pass B), then runs the
// touched-inode cleanup pass: pruning pseudo Folder edges the reversal
// left dangling and repairing the small cycles a partial unrecord can
// leave in a conflict zone.
func unapply(
	txn pristine.MutTxn,
	ch *pristine.Channel,
	cs changestore.Store,
	ws *Workspace,
	id pristine.ChangeId,
	change *changestore.Change,
) error {
	for i := len(change.Atoms) - 1; i >= 0; i-- {
		a := change.Atoms[i]
		switch a.Kind {
		case changestore.AtomNewVertex:
			if err := unapplyNewVertex(txn, ch, ws, id, a.NewVertex); err != nil {
				return err
			}
		case changestore.AtomEdgeMap:
			if err := unapplyEdges(txn, ch, cs, ws, id, a.EdgeMap); err != nil {
				return err
			}
		}
	}

	for i := len(change.Atoms) - 1; i >= 0; i-- {
		a := change.Atoms[i]
		if a.Kind != changestore.AtomEdgeMap || a.EdgeMap == nil {
			continue
		}
		for _, eu := range a.EdgeMap.Edges {
			if err := collectZombies(txn, ch, id, eu.Dest, ws); err != nil {
				return err
			}
			if err := drainDelEdges(txn, ch, ws); err != nil {
				return err
			}
		}
	}

	for _, inode := range ws.TouchedInodes {
		if err := collectZombiesPseudo(txn, ch, inode, ws); err != nil {
			return err
		}
		if err := drainDelEdges(txn, ch, ws); err != nil {
			return err
		}
		if err := applyshared.CleanObsoletePseudoEdges(txn, ch, inode); err != nil {
			return err
		}
		if err := applyshared.RepairCyclicPaths(txn, ch, inode); err != nil {
			return err
		}
	}
	return nil
}

// unapplyNewVertex reverses the introduction of a vertex: the context
// edges that anchored it (Up -> vertex start, vertex end -> Down) are
// removed, the vertex's start position is pushed onto ws.Del, and its
// anchors are recorded in ws.Up and ws.Down.
func unapplyNewVertex(txn pristine.MutTxn, ch *pristine.Channel, ws *Workspace, id pristine.ChangeId, a *changestore.NewVertexAtom) error {
	if a == nil {
		return nil
	}
	start := pristine.Position{Change: id, Pos: a.Start}
	end := pristine.Position{Change: id, Pos: a.Start + uint64(len(a.Contents))}

	upEdge := pristine.Edge{Flag: a.Flag, Dest: start, IntroducedBy: id}
	if err := txn.DelGraph(ch, a.Up, upEdge); err != nil && err != pristine.ErrNotFound {
		return err
	}
	rev := pristine.EdgePair{Flag: a.Flag, Source: a.Up, Dest: start, IntroducedBy: id}.Reverse()
	if err := txn.DelGraph(ch, rev.Source, pristine.Edge{Flag: rev.Flag, Dest: rev.Dest, IntroducedBy: id}); err != nil && err != pristine.ErrNotFound {
		return err
	}

	downEdge := pristine.Edge{Flag: a.Flag, Dest: a.Down, IntroducedBy: id}
	if err := txn.DelGraph(ch, end, downEdge); err != nil && err != pristine.ErrNotFound {
		return err
	}
	rev2 := pristine.EdgePair{Flag: a.Flag, Source: end, Dest: a.Down, IntroducedBy: id}.Reverse()
	if err := txn.DelGraph(ch, rev2.Source, pristine.Edge{Flag: rev2.Flag, Dest: rev2.Dest, IntroducedBy: id}); err != nil && err != pristine.ErrNotFound {
		return err
	}

	ws.performDel(start)
	ws.Up[start] = a.Up
	ws.Down[end] = a.Down
	if a.Flag.Contains(pristine.FlagFolder) {
		ws.TouchedInodes = append(ws.TouchedInodes, a.Up)
	}
	return nil
}

// unapplyEdges reverses one EdgeMap atom. It first splits every edge's
// source..dest span into the graph's current consecutive vertices and,
// for each (source, target) pair, records in ws.MustReintroduce
// whether some other still-applied change independently relies on
// that edge being gone (mustReintroduceEdge). Only once that is known
// for every pair does it actually delete and restore each edge,
// forcing the restored flags Block wherever the first pass found a
// reason to.
func unapplyEdges(
	txn pristine.MutTxn,
	ch *pristine.Channel,
	cs changestore.Store,
	ws *Workspace,
	id pristine.ChangeId,
	a *changestore.EdgeMapAtom,
) error {
	if a == nil {
		return nil
	}
	introHash, _ := txn.External(id)

	for k := range ws.MustReintroduce {
		delete(ws.MustReintroduce, k)
	}
	for _, eu := range a.Edges {
		source, ok := applyshared.FindSourceVertex(txn, ch, &ws.Workspace, eu.Source)
		if !ok {
			continue
		}
		target, ok := applyshared.FindTargetVertex(txn, ch, &ws.Workspace, eu.Dest)
		if !ok {
			continue
		}
		for {
			if mustReintroduceEdge(txn, ch, cs, source, target, introHash, eu.Introducer, id) {
				ws.MustReintroduce[reintroducePair{From: source.StartPos(), To: target.StartPos()}] = true
			}
			if eu.DestEnd == 0 || target.End >= eu.DestEnd {
				break
			}
			source = target
			next, ok := applyshared.FindTargetVertex(txn, ch, &ws.Workspace, target.EndPos())
			if !ok || next == target {
				break
			}
			target = next
		}
	}

	for _, eu := range a.Edges {
		if !edgeIsInChannel(txn, ch, eu.Source, eu.Dest, eu.Flag) {
			ws.MissingContext = append(ws.MissingContext, eu.Source)
			continue
		}

		cur := pristine.Edge{Flag: eu.Flag, Dest: eu.Dest, IntroducedBy: eu.Introducer}
		if err := txn.DelGraph(ch, eu.Source, cur); err != nil && err != pristine.ErrNotFound {
			return err
		}
		curRev := pristine.EdgePair{Flag: eu.Flag, Source: eu.Source, Dest: eu.Dest, IntroducedBy: eu.Introducer}.Reverse()
		if err := txn.DelGraph(ch, curRev.Source, pristine.Edge{Flag: curRev.Flag, Dest: curRev.Dest, IntroducedBy: eu.Introducer}); err != nil && err != pristine.ErrNotFound {
			return err
		}

		restored := eu.Previous
		reintroducingDeletion := eu.Flag.Contains(pristine.FlagDeleted) && !restored.Contains(pristine.FlagDeleted)
		if reintroducingDeletion {
			needsReintro := ws.MustReintroduce[reintroducePair{From: eu.Source, To: eu.Dest}]
			if introducerHash, ok := txn.External(eu.Introducer); ok && !cs.Knows(introducerHash) {
				// The local store has never seen the change that
				// would introduce this restored edge: it cannot
				// confirm the edge is no longer a zombie, so keep it
				// flagged Block rather than silently resolving it.
				needsReintro = true
			}
			if needsReintro {
				restored |= pristine.FlagBlock
			}
		}

		if err := applyshared.PutNewEdge(txn, ch, eu.Introducer, eu.Source, pristine.Edge{Flag: restored, Dest: eu.Dest, IntroducedBy: eu.Introducer}, false); err != nil {
			return err
		}
		if restored.Contains(pristine.FlagFolder) {
			ws.TouchedInodes = append(ws.TouchedInodes, eu.Source)
		}
	}
	return nil
}

// mustReintroduceEdge answers whether restoring the edge a -> b
// (deleted by id, about to be reintroduced on behalf of introID) must
// be forced Block because some parallel edge introduced by a change
// other than id and not rooted already explains a -> b's absence. It
// first looks for such a parallel edge (the fast path: if a or b
// belongs to introID's own change, the parallel edge alone proves the
// deletion and no further walk is needed), then, lacking a fast
// answer, walks outward from the parallel edges' introducers checking
// whether any of them — or something they depend on — still deletes
// b via introducerStillDeletes.
func mustReintroduceEdge(txn pristine.Txn, ch *pristine.Channel, cs changestore.Store, a, b pristine.Vertex, introExt pristine.Hash, introID, currentID pristine.ChangeId) bool {
	edges, err := txn.Graph(ch).IterAdjacent(a.StartPos(), 0, 0xff)
	if err != nil {
		return false
	}
	var stack []pristine.ChangeId
	for _, e := range edges {
		if e.Flag.Contains(pristine.FlagParent) || e.Dest != b.StartPos() || e.IntroducedBy.IsRoot() || e.IntroducedBy == currentID {
			continue
		}
		if a.Change == introID || b.Change == introID {
			return false
		}
		stack = append(stack, e.IntroducedBy)
	}
	return introducerStillDeletes(txn, cs, b.StartPos(), introID, stack)
}

// introducerStillDeletes walks the dependency graph outward from seed,
// looking for introID: finding it means the deletion chain already
// accounts for introID's own edge, so no reintroduction is needed
// (false); exhausting the walk without finding it means nothing
// explains the edge's absence anymore, so it must be reintroduced
// (true). Each visited change is consulted via its external Hash
// through cs.GetChange, genuinely exercising the local knowledge
// oracle rather than trusting the dependency graph alone.
func introducerStillDeletes(txn pristine.Txn, cs changestore.Store, pos pristine.Position, introID pristine.ChangeId, seed []pristine.ChangeId) bool {
	visited := make(map[pristine.ChangeId]bool)
	stack := append([]pristine.ChangeId(nil), seed...)
	for len(stack) > 0 {
		n := len(stack) - 1
		s := stack[n]
		stack = stack[:n]
		if visited[s] {
			continue
		}
		visited[s] = true
		if s == introID {
			return false
		}
		h, ok := txn.External(s)
		if !ok || !cs.Knows(h) {
			continue
		}
		change, err := cs.GetChange(h)
		if err != nil {
			continue
		}
		if !change.ChangeDeletesPosition(pos) {
			continue
		}
		stack = append(stack, txn.Dep(s)...)
	}
	return true
}

// edgeIsInChannel reports whether an edge matching flag currently
// exists from source to dest in ch's graph.
func edgeIsInChannel(txn pristine.Txn, ch *pristine.Channel, source, dest pristine.Position, flag pristine.EdgeFlags) bool {
	edges, err := txn.Graph(ch).IterAdjacent(source, 0, 0xff)
	if err != nil {
		return false
	}
	for _, e := range edges {
		if e.Dest == dest && e.Flag == flag {
			return true
		}
	}
	return false
}
