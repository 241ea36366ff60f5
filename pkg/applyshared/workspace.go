// Package applyshared holds the minimal slice of the forward-apply
// engine that the unapply engine (pkg/unrecord) calls into: inserting
// edge pairs (without duplicate or missing-context checks), resolving
// an atom's endpoints to vertices with missing-context bookkeeping,
// and the cleanup passes run after a reversal, plus the small amount
// of shared scratch state both directions need. The rest of forward
// apply — diff computation
// against a working copy, turning a diff into atoms — is out of
// scope; see SPEC_FULL.md.
package applyshared

import (
	"github.com/pijul-core/pristine/pkg/alive"
	"github.com/pijul-core/pristine/pkg/pristine"
)

// Workspace is scratch state shared by forward apply and unapply for
// one call. unrecord.Workspace embeds it so both directions reuse the
// same pooled missing-context bookkeeping.
type Workspace struct {
	// MissingContext collects Positions an operation referenced but
	// could not resolve to a live vertex — e.g. a dependency the
	// local pristine has not applied. Forward apply and unapply both
	// report through this rather than failing immediately, so a
	// caller can surface every missing piece of context at once.
	MissingContext []pristine.Position
}

// Reset clears w for reuse without releasing its backing array,
// mirroring the pool.Put*/Get* reuse convention used throughout this
// module (see pkg/unrecord's Workspace, adapted from the same idiom).
func (w *Workspace) Reset() {
	w.MissingContext = w.MissingContext[:0]
}

// KnowsFunc answers whether the local pristine has ever seen the
// given change hash, the shape of changestore.Store.Knows. Nothing in
// this module takes a KnowsFunc: PutNewEdge has no such parameter, and
// pkg/unrecord (unapplyEdges, introducerStillDeletes) calls the change
// store's Knows directly.
type KnowsFunc func(h pristine.Hash) bool

// PutNewEdge inserts an edge pair. needsReintroduction marks the edge
// Block — the flag the unapply engine's mustReintroduce oracle uses
// to tell a genuinely-new edge apart from one that is merely
// restoring context a later, still-applied change also depends on.
func PutNewEdge(
	txn pristine.MutTxn,
	ch *pristine.Channel,
	introducedBy pristine.ChangeId,
	source pristine.Position,
	edge pristine.Edge,
	needsReintroduction bool,
) error {
	if needsReintroduction {
		edge.Flag |= pristine.FlagBlock
	}
	if err := txn.PutGraph(ch, source, edge); err != nil {
		return err
	}
	rev := pristine.EdgePair{Flag: edge.Flag, Source: source, Dest: edge.Dest, IntroducedBy: introducedBy}.Reverse()
	return txn.PutGraph(ch, rev.Source, pristine.Edge{Flag: rev.Flag, Dest: rev.Dest, IntroducedBy: introducedBy})
}

// FindSourceVertex resolves an EdgeMap atom's source endpoint against
// the channel's current live graph, recording it in ws.MissingContext
// instead of failing if the vertex cannot currently be resolved (the
// dependency that introduced it has not been applied here yet).
func FindSourceVertex(txn pristine.Txn, ch *pristine.Channel, ws *Workspace, pos pristine.Position) (pristine.Vertex, bool) {
	v, err := txn.FindBlock(ch, pos)
	if err != nil {
		ws.MissingContext = append(ws.MissingContext, pos)
		return pristine.Vertex{}, false
	}
	return v, true
}

// FindTargetVertex is FindSourceVertex's destination-side
// counterpart; kept distinct (rather than a single FindVertex) to
// mirror the apply engine's own source/target naming. It behaves
// exactly like FindSourceVertex, recording an unresolved Position in
// ws.MissingContext the same way.
func FindTargetVertex(txn pristine.Txn, ch *pristine.Channel, ws *Workspace, pos pristine.Position) (pristine.Vertex, bool) {
	return FindSourceVertex(txn, ch, ws, pos)
}

// CleanObsoletePseudoEdges removes every Pseudo edge stored under
// inode, together with its dual half — called after the main reversal
// pass so pseudo edges inserted to patch over a since-reverted
// deletion don't linger. It does not check whether an edge is still
// needed to keep the graph connected.
func CleanObsoletePseudoEdges(txn pristine.MutTxn, ch *pristine.Channel, inode pristine.Position) error {
	edges, err := txn.Graph(ch).IterAdjacent(inode, pristine.FlagPseudo, pristine.EdgeFlags(0xff))
	if err != nil {
		return err
	}
	for _, e := range edges {
		if !e.Flag.Contains(pristine.FlagPseudo) {
			continue
		}
		if err := txn.DelGraph(ch, inode, e); err != nil {
			return err
		}
		dual := pristine.Edge{Flag: e.Flag ^ pristine.FlagParent, Dest: inode, IntroducedBy: e.IntroducedBy}
		if err := txn.DelGraph(ch, e.Dest, dual); err != nil && err != pristine.ErrNotFound {
			return err
		}
	}
	return nil
}

// RepairCyclicPaths re-runs the alive-graph engine's forward-edge
// removal at inode, which is how this module resolves the small
// cycles a partial unrecord can leave behind in a conflict zone.
func RepairCyclicPaths(txn pristine.MutTxn, ch *pristine.Channel, inode pristine.Position) error {
	return alive.RemoveForwardEdges(txn, ch, inode)
}

// RepairZombies does nothing, and nothing in this module calls it.
// Zombie edges are removed by pkg/unrecord itself (collectZombies,
// collectZombiesPseudo), since that needs the unapply Workspace's
// zombie stack.
func RepairZombies(pristine.MutTxn, *pristine.Channel, pristine.Position) error { return nil }
