// Package changestore implements the on-disk change file (§6 Change
// file layout) and the minimal external-collaborator interface the
// unapply engine needs from it: resolving a Hash to its Change,
// answering whether this store has ever seen a given change (the
// "knows" oracle), and answering whether a given change deletes a
// given Position.
package changestore

import "github.com/pijul-core/pristine/pkg/pristine"

// AtomKind distinguishes the two atom shapes a change is built from.
type AtomKind uint8

const (
	// AtomNewVertex introduces a brand new vertex: a contiguous
	// range of freshly-written bytes, anchored between an "up" and
	// "down" context position.
	AtomNewVertex AtomKind = iota
	// AtomEdgeMap updates the flags of one or more existing edges —
	// most commonly, marking them Deleted, or reintroducing a
	// previously-deleted edge.
	AtomEdgeMap
)

// NewVertexAtom introduces Contents as a new vertex anchored between
// Up and Down.
type NewVertexAtom struct {
	Up, Down pristine.Position
	Flag     pristine.EdgeFlags
	Start    uint64
	Contents []byte
}

// EdgeUpdate retargets one stored edge's flags. Dest is the start of
// the destination range; DestEnd is the range's exclusive upper bound
// when the atom spans more than one currently-live vertex (zero means
// "unset", i.e. the whole range is covered by the vertex at Dest).
type EdgeUpdate struct {
	Previous     pristine.EdgeFlags
	Flag         pristine.EdgeFlags
	Source, Dest pristine.Position
	DestEnd      uint64
	Introducer   pristine.ChangeId
}

// EdgeMapAtom is a batch of edge flag updates applied atomically.
type EdgeMapAtom struct {
	Edges []EdgeUpdate
}

// Atom is one unit of a change: exactly one of NewVertex or EdgeMap
// is set, selected by Kind.
type Atom struct {
	Kind      AtomKind
	NewVertex *NewVertexAtom
	EdgeMap   *EdgeMapAtom
}

// Header carries the change's human-facing metadata — the unhashed
// section of the on-disk layout, so editing a commit message never
// changes the change's Hash.
type Header struct {
	Message     string
	Description string
	Timestamp   int64
	Authors     []string
}

// Change is a complete, content-addressed patch: its unhashed
// Header, its dependency set (other changes that must be applied first), and
// its atoms, in application order.
type Change struct {
	Hash         pristine.Hash
	Dependencies []pristine.Hash
	Header       Header
	Atoms        []Atom
}

// ChangeDeletesPosition reports whether any EdgeMap atom in c marks
// pos's covering edge Deleted — the oracle unapply's mustReintroduce
// consults to decide whether reverting a later change would
// resurrect an edge this change independently deleted.
func (c *Change) ChangeDeletesPosition(pos pristine.Position) bool {
	for _, a := range c.Atoms {
		if a.Kind != AtomEdgeMap || a.EdgeMap == nil {
			continue
		}
		for _, e := range a.EdgeMap.Edges {
			if e.Flag.Contains(pristine.FlagDeleted) && (e.Source == pos || e.Dest == pos) {
				return true
			}
		}
	}
	return false
}
