// Package pristine implements the content-addressed, multi-versioned
// directed graph that libpijul calls the "pristine": the on-disk
// representation of a repository's state, independent of any working
// copy. A pristine is organized as a set of named channels, each a
// totally-ordered view of the same underlying graph of byte-range
// vertices joined by typed edges.
package pristine

import (
	"encoding/binary"
	"encoding/hex"
)

// ChangeId identifies a change within a single pristine. It is a
// local, 8-byte counter minted by the pristine itself (see
// Txn.MakeChangeId) and has no meaning outside the pristine that
// issued it; two pristines holding the same change will generally
// have assigned it different ChangeIds.
type ChangeId [8]byte

// RootChangeId is the distinguished all-zero ChangeId representing
// the repository root, to which every channel's graph is ultimately
// anchored.
var RootChangeId = ChangeId{}

// IsRoot reports whether c is the root change id.
func (c ChangeId) IsRoot() bool { return c == RootChangeId }

// String renders the ChangeId as hex, most significant byte first.
func (c ChangeId) String() string { return hex.EncodeToString(c[:]) }

// Uint64 returns the big-endian numeric value of the id.
func (c ChangeId) Uint64() uint64 { return binary.BigEndian.Uint64(c[:]) }

// ChangeIdFromUint64 builds a ChangeId from a big-endian counter
// value.
func ChangeIdFromUint64(n uint64) ChangeId {
	var c ChangeId
	binary.BigEndian.PutUint64(c[:], n)
	return c
}

// HashSize is the digest width used for both Hash and Merkle: a
// BLAKE2b-256 output.
const HashSize = 32

// Hash is the global, content-derived identity of a change: the
// digest of its hashed section (see pkg/changestore). Two pristines
// that both know a change agree on its Hash even if they assigned it
// different ChangeIds.
type Hash [HashSize]byte

// String renders the hash as hex.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the zero hash (used as a sentinel for
// "no such change").
func (h Hash) IsZero() bool { return h == Hash{} }

// Merkle is the running digest of a channel's state: the fold of
// every change applied to the channel, in application order, combined
// with that change's dependency set. Two channels (possibly in
// different pristines) with equal Merkle values have applied the
// exact same changes in the exact same order.
type Merkle [HashSize]byte

// String renders the Merkle digest as hex.
func (m Merkle) String() string { return hex.EncodeToString(m[:]) }

// ZeroMerkle is the state of a channel with no changes applied.
var ZeroMerkle = Merkle{}

// Position identifies a single byte offset inside a change's output:
// the change that introduced the byte, and the byte's offset within
// that change's new contents.
type Position struct {
	Change ChangeId
	Pos    uint64
}

// Bottom is the sentinel Position representing "before the start of
// the repository", used as the origin anchor when the alive-graph
// engine is asked to retrieve the whole file tree rather than a
// single file.
var Bottom = Position{Change: RootChangeId, Pos: 0}

// Less gives Position the total order the page store's keys rely on:
// ChangeId first, then byte offset.
func (p Position) Less(o Position) bool {
	if p.Change != o.Change {
		return lessBytes(p.Change[:], o.Change[:])
	}
	return p.Pos < o.Pos
}

func lessBytes(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Vertex is a half-open byte range [Start, End) inside a single
// change's output. A live vertex has never been split further by a
// later change; once split, its former range is represented by two or
// more narrower vertices that share its Change id.
type Vertex struct {
	Change ChangeId
	Start  uint64
	End    uint64
}

// Len returns the number of bytes the vertex spans.
func (v Vertex) Len() uint64 { return v.End - v.Start }

// StartPos returns the Position of the vertex's first byte.
func (v Vertex) StartPos() Position { return Position{Change: v.Change, Pos: v.Start} }

// EndPos returns the Position one past the vertex's last byte.
func (v Vertex) EndPos() Position { return Position{Change: v.Change, Pos: v.End} }

// EdgeFlags is a bitmask describing the role and status of an edge.
// Every stored edge has a dual counterpart carrying the same flags
// plus FlagParent, pointing the opposite direction (invariant I1).
type EdgeFlags uint8

const (
	// FlagBlock marks an edge whose destination vertex represents
	// the start of a new block (e.g. a new line) rather than a
	// continuation of the source's byte range.
	FlagBlock EdgeFlags = 1 << iota
	// FlagFolder marks an edge belonging to the file-tree graph
	// (directory entries) rather than file contents.
	FlagFolder
	// FlagPseudo marks an edge synthesized by the alive-graph
	// engine or the unapply engine to keep the graph connected;
	// pseudo edges carry no independent existence in any change
	// and are recomputed, not replayed.
	FlagPseudo
	// FlagDeleted marks an edge deleted by some change; a deleted
	// incoming edge leaves its destination vertex dead (the edge
	// itself is retained, flagged, rather than removed, so unrecord
	// can reconstruct history).
	FlagDeleted
	// FlagParent marks the reverse half of a stored edge pair.
	FlagParent
)

// Contains reports whether f has every bit of mask set.
func (f EdgeFlags) Contains(mask EdgeFlags) bool { return f&mask == mask }

// Intersects reports whether f shares any bit with mask.
func (f EdgeFlags) Intersects(mask EdgeFlags) bool { return f&mask != 0 }

// Edge is one directed arc of the pristine graph: flags, the
// destination vertex's starting Position, and the ChangeId that
// introduced the edge (distinct, in general, from either endpoint's
// owning change — a later change may connect two vertices it did not
// create).
type Edge struct {
	Flag         EdgeFlags
	Dest         Position
	IntroducedBy ChangeId
}

// EdgePair is the dual storage representation of a single logical
// edge: forward, stored under the source vertex's key, and reverse
// (FlagParent set), stored under the destination's key, per
// invariant I1.
type EdgePair struct {
	Flag         EdgeFlags
	Source       Position
	Dest         Position
	IntroducedBy ChangeId
}

// Reverse returns the dual (FlagParent) edge stored at Dest pointing
// back to Source.
func (e EdgePair) Reverse() EdgePair {
	return EdgePair{
		Flag:         e.Flag | FlagParent,
		Source:       e.Dest,
		Dest:         e.Source,
		IntroducedBy: e.IntroducedBy,
	}
}
