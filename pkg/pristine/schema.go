package pristine

// Store is a transactional, content-addressed page store: the
// foundation every other component in this module is built on. It
// exposes typed, ordered multimaps and begins either a read-only
// snapshot transaction (concurrent, MVCC) or the single read-write
// transaction the store allows at a time.
type Store interface {
	// BeginRead starts a read-only snapshot transaction. Any number
	// of read transactions may be open concurrently. On BadgerStore
	// they may also begin while a write transaction is in progress;
	// MemStore's BeginRead instead waits until the open write
	// transaction commits or rolls back.
	BeginRead() (Txn, error)

	// BeginWrite starts the one read-write transaction the store
	// allows at a time. A second concurrent call blocks until the
	// first write transaction commits or rolls back.
	BeginWrite() (MutTxn, error)

	// Close releases the store's resources. It is an error to call
	// Close while a transaction is open.
	Close() error
}

// Txn is a read-only view over the pristine's channels and
// cross-channel maps.
type Txn interface {
	// LoadChannel returns the named channel's handle, or
	// ErrNotFound.
	LoadChannel(name string) (*Channel, error)

	// ListChannels returns the name of every channel in the
	// pristine, in no particular order. The unapply engine uses it
	// to decide whether a change is still applied on some channel
	// other than the one being unrecorded.
	ListChannels() ([]string, error)

	// Graph returns an iterator-capable view of one channel's graph
	// multimap: Position -> EdgePair (forward and reverse halves
	// stored under their own source Position, multimap-ordered by
	// (flag, dest)).
	Graph(ch *Channel) GraphMap

	// Changes returns the channel's changes multimap: an
	// application-order sequence number -> Hash.
	Changes(ch *Channel) ChangesMap

	// RevChanges returns the channel's revchanges multimap: Hash ->
	// application-order sequence number, the inverse of Changes.
	RevChanges(ch *Channel) RevChangesMap

	// States returns the channel's states map: Merkle -> sequence
	// number, recording which Merkle digest the channel had after
	// each apply.
	States(ch *Channel) StatesMap

	// Tags returns the channel's tags map: application sequence
	// number -> (state, previous state) Merkle pair, recording the
	// channel-state checkpoint a user-requested tag captured. Kept
	// distinct from States, which logs every apply; Tags only logs
	// the ones a tag file was built from.
	Tags(ch *Channel) TagsMap

	// Internal maps a pristine-global Hash to the ChangeId this
	// pristine minted for it.
	Internal(hash Hash) (ChangeId, bool)

	// External is the inverse of Internal: ChangeId -> Hash.
	External(id ChangeId) (Hash, bool)

	// Dep returns the set of ChangeIds that the given change depends
	// on (must be applied before it).
	Dep(id ChangeId) []ChangeId

	// RevDep returns the set of ChangeIds that depend on the given
	// change (the transpose of Dep, invariant I3).
	RevDep(id ChangeId) []ChangeId

	// FindBlock resolves a Position to the Vertex starting at it, or
	// ErrNotFound if the vertex table has no entry for that exact
	// Position. A Position inside a vertex does not resolve, and the
	// vertex's liveness is not checked.
	FindBlock(ch *Channel, pos Position) (Vertex, error)
}

// MutTxn extends Txn with the mutating operations the schema and
// unapply engine need. It is always exactly one, exclusive
// transaction per Store.
type MutTxn interface {
	Txn

	// Commit makes every change durable and releases the write
	// lock.
	Commit() error
	// Rollback discards every change and releases the write lock.
	Rollback() error

	// OpenOrCreateChannel returns the named channel, creating it
	// (with a fresh random Id and ZeroMerkle state) if absent.
	OpenOrCreateChannel(name string) (*Channel, error)

	// PutGraph inserts one half of an edge pair under its source
	// Position.
	PutGraph(ch *Channel, source Position, e Edge) error
	// DelGraph removes one half of an edge pair. If e is the zero
	// Edge, every edge stored at source is removed (multimap
	// wildcard delete).
	DelGraph(ch *Channel, source Position, e Edge) error

	// PutChanges records that seq is change hash h in ch.
	PutChanges(ch *Channel, seq uint64, h Hash) error
	DelChanges(ch *Channel, seq uint64) error

	// PutRevChanges records the inverse mapping.
	PutRevChanges(ch *Channel, h Hash, seq uint64) error
	DelRevChanges(ch *Channel, h Hash, seq uint64) error

	// PutStates records a Merkle checkpoint.
	PutStates(ch *Channel, m Merkle, seq uint64) error
	DelStates(ch *Channel, m Merkle) error

	// PutTags records a tag checkpoint at seq.
	PutTags(ch *Channel, seq uint64, state, previous Merkle) error
	// DelTags removes the tag checkpoint recorded at seq, if any. It
	// is not an error for none to exist: most applies are never
	// tagged.
	DelTags(ch *Channel, seq uint64) error

	// MakeChangeId mints a fresh ChangeId for a hash this pristine
	// has not seen before, and records the Internal/External
	// mapping. Calling it twice for the same hash returns the same
	// id.
	MakeChangeId(h Hash) (ChangeId, error)

	// DelInternal and DelExternal drop the Internal/External mapping
	// for a change the unapply engine has determined is no longer
	// referenced anywhere in the pristine.
	DelInternal(h Hash) error
	DelExternal(id ChangeId) error

	PutDep(id, dep ChangeId) error
	DelDep(id, dep ChangeId) error
	PutRevDep(dep, id ChangeId) error
	DelRevDep(dep, id ChangeId) error

	// PutChannel persists the channel's mutable header fields
	// (ApplyCounter, LastModified, current Merkle state).
	PutChannel(ch *Channel) error
}

// GraphMap, ChangesMap, RevChangesMap and StatesMap are cursor-style
// ordered iterators over one channel's per-map key space, mirroring
// the "iter_from(k)" contract every map in the pristine schema
// supports.
type GraphMap interface {
	// IterAdjacent iterates the edges stored at source whose flags
	// are a subset of include and a superset of min — concretely:
	// f&include == f, and every required bit in min is present.
	// Implementations apply the
	// exact (min, include) convention used by the alive-graph
	// engine's calls (see pkg/alive).
	IterAdjacent(source Position, min, include EdgeFlags) ([]Edge, error)

	// IterAll walks every record in the map, in key order (source
	// Position, then edge flag/dest/introducer) — the full-map
	// enumeration the tag serializer needs that adjacency lookups
	// alone cannot provide.
	IterAll() ([]GraphRecord, error)
}

// GraphRecord is one (source, edge) pair as IterAll yields it.
type GraphRecord struct {
	Source Position
	Edge   Edge
}

type ChangesMap interface {
	// IterFrom returns (seq, hash) pairs with seq >= from, in
	// ascending seq order.
	IterFrom(from uint64) ([]ChangeSeq, error)
	Len() (uint64, error)
}

type ChangeSeq struct {
	Seq  uint64
	Hash Hash
}

type RevChangesMap interface {
	Get(h Hash) (uint64, bool)
}

type StatesMap interface {
	Get(m Merkle) (uint64, bool)
	Last() (Merkle, uint64, bool)
	// IterAll walks every checkpoint in the map in Merkle key order.
	IterAll() ([]StateRecord, error)
}

// StateRecord is one Merkle checkpoint as StatesMap.IterAll yields it.
type StateRecord struct {
	Merkle Merkle
	Seq    uint64
}

type TagsMap interface {
	Get(seq uint64) (state, previous Merkle, ok bool)
	// IterAll walks every tag checkpoint in seq order — the tag
	// serializer's full-map enumeration primitive, same role as
	// GraphMap/StatesMap.IterAll.
	IterAll() ([]TagRecord, error)
}

// TagRecord is one tag checkpoint as TagsMap.IterAll yields it.
type TagRecord struct {
	Seq      uint64
	State    Merkle
	Previous Merkle
}

// Channel is a named, independently-versioned view of the pristine
// graph: its own graph/changes/revchanges/states/tags B-trees plus a
// running apply counter and Merkle state. Multiple channels in the
// same pristine share the cross-channel internal/external/dep/revdep
// maps, so a change applied on one channel is immediately nameable
// (by Hash) on every other channel even before it is applied there.
type Channel struct {
	Name         string
	Id           uint64
	ApplyCounter uint64
	LastModified int64
	State        Merkle
}
