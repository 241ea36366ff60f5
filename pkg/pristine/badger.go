package pristine

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage organization. Every named map in
// the pristine schema gets its own single-byte prefix, the same
// partitioning scheme the page store's node/edge/index tables use,
// so one BadgerDB instance backs the whole pristine.
const (
	prefixChannel    = byte(0x01) // channel:name -> JSON(channelRecord)
	prefixGraph      = byte(0x02) // graph:chname:sourcePos:flag:destPos:introducedBy -> ""
	prefixChanges    = byte(0x03) // changes:chname:seq(8) -> hash(32)
	prefixRevChanges = byte(0x04) // revchanges:chname:hash(32) -> seq(8)
	prefixStates     = byte(0x05) // states:chname:merkle(32) -> seq(8)
	prefixInternal   = byte(0x06) // internal:hash(32) -> changeid(8)
	prefixExternal   = byte(0x07) // external:changeid(8) -> hash(32)
	prefixDep        = byte(0x08) // dep:id(8):dep(8) -> ""
	prefixRevDep     = byte(0x09) // revdep:dep(8):id(8) -> ""
	prefixCounter    = byte(0x0a) // counter -> last issued ChangeId (uint64)
	prefixTags       = byte(0x0c) // tags:chname:seq(8) -> merkle(32):merkle(32)
)

// BadgerOptions configures the production page store backend.
type BadgerOptions struct {
	// DataDir is the directory badger stores its files in. Required
	// unless InMemory is set.
	DataDir string
	// InMemory runs badger with no on-disk footprint, for tests that
	// still want badger's own transaction semantics rather than
	// MemStore's.
	InMemory bool
	// SyncWrites forces an fsync on every commit. Slower, strictly
	// durable; matches the page store contract's "commit durably
	// persists or doesn't happen at all".
	SyncWrites bool
}

// BadgerStore is the production Store backend.
type BadgerStore struct {
	db     *badger.DB
	mu     sync.Mutex // serializes BeginWrite beyond what badger already does
	closed bool
}

// OpenBadgerStore opens (creating if absent) a pristine's page store
// at opts.DataDir.
func OpenBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	bo := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		bo = bo.WithInMemory(true)
	}
	bo = bo.WithSyncWrites(opts.SyncWrites).WithLogger(nil)
	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("pristine: opening page store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *BadgerStore) BeginRead() (Txn, error) {
	return &badgerTxn{db: s.db, txn: s.db.NewTransaction(false)}, nil
}

func (s *BadgerStore) BeginWrite() (MutTxn, error) {
	s.mu.Lock() // released by Commit/Rollback
	t := s.db.NewTransaction(true)
	return &badgerMutTxn{badgerTxn{db: s.db, txn: t}, s}, nil
}

// --- key encoding -----------------------------------------------------

func chnKey(prefix byte, name string, rest ...[]byte) []byte {
	n := 2 + len(name)
	for _, r := range rest {
		n += len(r)
	}
	k := make([]byte, 0, n)
	k = append(k, prefix, byte(len(name)))
	k = append(k, name...)
	for _, r := range rest {
		k = append(k, r...)
	}
	return k
}

func be64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func posBytes(p Position) []byte {
	b := make([]byte, 16)
	copy(b[:8], p.Change[:])
	binary.BigEndian.PutUint64(b[8:], p.Pos)
	return b
}

func channelMetaKey(name string) []byte {
	return chnKey(prefixChannel, name)
}

// --- channel record -----------------------------------------------------

type channelRecord struct {
	Id           uint64 `json:"id"`
	ApplyCounter uint64 `json:"apply_counter"`
	LastModified int64  `json:"last_modified"`
	State        Hash32 `json:"state"`
}

// Hash32 is the JSON-friendly hex-encoded form of a 32-byte digest.
type Hash32 [HashSize]byte

func (h Hash32) MarshalJSON() ([]byte, error) { return json.Marshal(Hash(h).String()) }
func (h *Hash32) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	copy(h[:], decoded)
	return nil
}

func toChannel(name string, r channelRecord) *Channel {
	return &Channel{
		Name:         name,
		Id:           r.Id,
		ApplyCounter: r.ApplyCounter,
		LastModified: r.LastModified,
		State:        Merkle(r.State),
	}
}

func fromChannel(ch *Channel) channelRecord {
	return channelRecord{
		Id:           ch.Id,
		ApplyCounter: ch.ApplyCounter,
		LastModified: ch.LastModified,
		State:        Hash32(ch.State),
	}
}

// --- read transaction -----------------------------------------------------

type badgerTxn struct {
	db  *badger.DB
	txn *badger.Txn
}

func (t *badgerTxn) LoadChannel(name string) (*Channel, error) {
	item, err := t.txn.Get(channelMetaKey(name))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pristine: %w: %v", ErrTxn, err)
	}
	var rec channelRecord
	err = item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) })
	if err != nil {
		return nil, &CorruptError{Context: "channel " + name}
	}
	return toChannel(name, rec), nil
}

func (t *badgerTxn) Graph(ch *Channel) GraphMap { return &badgerGraphMap{t, ch.Name} }
func (t *badgerTxn) Changes(ch *Channel) ChangesMap { return &badgerChangesMap{t, ch.Name} }
func (t *badgerTxn) RevChanges(ch *Channel) RevChangesMap {
	return &badgerRevChangesMap{t, ch.Name}
}
func (t *badgerTxn) States(ch *Channel) StatesMap { return &badgerStatesMap{t, ch.Name} }
func (t *badgerTxn) Tags(ch *Channel) TagsMap     { return &badgerTagsMap{t, ch.Name} }

func (t *badgerTxn) ListChannels() ([]string, error) {
	prefix := []byte{prefixChannel}
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := t.txn.NewIterator(opts)
	defer it.Close()
	var out []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		k := it.Item().Key()
		if len(k) < 2 {
			continue
		}
		n := int(k[1])
		if len(k) < 2+n {
			continue
		}
		out = append(out, string(k[2:2+n]))
	}
	return out, nil
}

func (t *badgerTxn) Internal(h Hash) (ChangeId, bool) {
	item, err := t.txn.Get(chnKeyGlobal(prefixInternal, h[:]))
	if err != nil {
		return ChangeId{}, false
	}
	var id ChangeId
	_ = item.Value(func(val []byte) error { copy(id[:], val); return nil })
	return id, true
}

func chnKeyGlobal(prefix byte, rest []byte) []byte {
	k := make([]byte, 0, 1+len(rest))
	k = append(k, prefix)
	return append(k, rest...)
}

func (t *badgerTxn) External(id ChangeId) (Hash, bool) {
	item, err := t.txn.Get(chnKeyGlobal(prefixExternal, id[:]))
	if err != nil {
		return Hash{}, false
	}
	var h Hash
	_ = item.Value(func(val []byte) error { copy(h[:], val); return nil })
	return h, true
}

func (t *badgerTxn) Dep(id ChangeId) []ChangeId {
	return t.scanIdPairs(prefixDep, id)
}

func (t *badgerTxn) RevDep(id ChangeId) []ChangeId {
	return t.scanIdPairs(prefixRevDep, id)
}

func (t *badgerTxn) scanIdPairs(prefix byte, id ChangeId) []ChangeId {
	p := chnKeyGlobal(prefix, id[:])
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := t.txn.NewIterator(opts)
	defer it.Close()
	var out []ChangeId
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		k := it.Item().Key()
		var other ChangeId
		copy(other[:], k[len(p):])
		out = append(out, other)
	}
	return out
}

func (t *badgerTxn) FindBlock(ch *Channel, pos Position) (Vertex, error) {
	// The vertex table (vertexEndKey) holds, for each Position that
	// PutGraph has stored a Block edge under, the end of the vertex
	// starting there. Only an exact start resolves: a Position with no
	// entry, including one inside a vertex, gives ErrNotFound.
	item, err := t.txn.Get(vertexEndKey(pos))
	if err == badger.ErrKeyNotFound {
		return Vertex{}, ErrNotFound
	}
	if err != nil {
		return Vertex{}, fmt.Errorf("pristine: %w: %v", ErrTxn, err)
	}
	var end uint64
	err = item.Value(func(val []byte) error { end = binary.BigEndian.Uint64(val); return nil })
	if err != nil {
		return Vertex{}, &CorruptError{Context: "vertex end"}
	}
	return Vertex{Change: pos.Change, Start: pos.Pos, End: end}, nil
}

func vertexEndKey(pos Position) []byte {
	k := make([]byte, 0, 17)
	k = append(k, 0x0b) // vertex table, separate from the named multimaps
	k = append(k, pos.Change[:]...)
	return binary.BigEndian.AppendUint64(k, pos.Pos)
}

// --- write transaction -----------------------------------------------------

type badgerMutTxn struct {
	badgerTxn
	store *BadgerStore
}

func (t *badgerMutTxn) Commit() error {
	defer t.store.mu.Unlock()
	if err := t.txn.Commit(); err != nil {
		return fmt.Errorf("pristine: %w: %v", ErrTxn, err)
	}
	return nil
}

func (t *badgerMutTxn) Rollback() error {
	defer t.store.mu.Unlock()
	t.txn.Discard()
	return nil
}

func (t *badgerMutTxn) OpenOrCreateChannel(name string) (*Channel, error) {
	ch, err := t.LoadChannel(name)
	if err == nil {
		return ch, nil
	}
	if err != ErrNotFound {
		return nil, err
	}
	ch = &Channel{Name: name, Id: newChannelId(), State: ZeroMerkle, LastModified: time.Now().Unix()}
	if err := t.PutChannel(ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// newChannelId returns a random channel Id.
func newChannelId() uint64 {
	var b [8]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

func (t *badgerMutTxn) PutChannel(ch *Channel) error {
	data, err := json.Marshal(fromChannel(ch))
	if err != nil {
		return err
	}
	if err := t.txn.Set(channelMetaKey(ch.Name), data); err != nil {
		return fmt.Errorf("pristine: %w: %v", ErrTxn, err)
	}
	return nil
}

func graphKey(chname string, source Position, e Edge) []byte {
	return chnKey(prefixGraph, chname, posBytes(source), []byte{byte(e.Flag)}, posBytes(e.Dest), e.IntroducedBy[:])
}

func (t *badgerMutTxn) PutGraph(ch *Channel, source Position, e Edge) error {
	if err := t.txn.Set(graphKey(ch.Name, source, e), nil); err != nil {
		return fmt.Errorf("pristine: %w: %v", ErrTxn, err)
	}
	return t.maybeExtendVertexTable(source, e)
}

// maybeExtendVertexTable records the split point implied by a BLOCK
// edge so FindBlock can answer end-of-vertex queries without a full
// graph scan.
func (t *badgerMutTxn) maybeExtendVertexTable(source Position, e Edge) error {
	if !e.Flag.Contains(FlagBlock) || e.Flag.Contains(FlagParent) {
		return nil
	}
	return t.txn.Set(vertexEndKey(source), be64(e.Dest.Pos))
}

func (t *badgerMutTxn) DelGraph(ch *Channel, source Position, e Edge) error {
	if e == (Edge{}) {
		p := chnKey(prefixGraph, ch.Name, posBytes(source))
		return t.deletePrefix(p)
	}
	if err := t.txn.Delete(graphKey(ch.Name, source, e)); err != nil {
		return fmt.Errorf("pristine: %w: %v", ErrTxn, err)
	}
	return nil
}

func (t *badgerMutTxn) deletePrefix(prefix []byte) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := t.txn.NewIterator(opts)
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		k := it.Item().KeyCopy(nil)
		keys = append(keys, k)
	}
	it.Close()
	for _, k := range keys {
		if err := t.txn.Delete(k); err != nil {
			return fmt.Errorf("pristine: %w: %v", ErrTxn, err)
		}
	}
	return nil
}

func (t *badgerMutTxn) PutChanges(ch *Channel, seq uint64, h Hash) error {
	return t.set(chnKey(prefixChanges, ch.Name, be64(seq)), h[:])
}
func (t *badgerMutTxn) DelChanges(ch *Channel, seq uint64) error {
	return t.del(chnKey(prefixChanges, ch.Name, be64(seq)))
}
func (t *badgerMutTxn) PutRevChanges(ch *Channel, h Hash, seq uint64) error {
	return t.set(chnKey(prefixRevChanges, ch.Name, h[:]), be64(seq))
}
func (t *badgerMutTxn) DelRevChanges(ch *Channel, h Hash, seq uint64) error {
	return t.del(chnKey(prefixRevChanges, ch.Name, h[:]))
}
func (t *badgerMutTxn) PutStates(ch *Channel, m Merkle, seq uint64) error {
	return t.set(chnKey(prefixStates, ch.Name, m[:]), be64(seq))
}
func (t *badgerMutTxn) DelStates(ch *Channel, m Merkle) error {
	return t.del(chnKey(prefixStates, ch.Name, m[:]))
}

func (t *badgerMutTxn) PutTags(ch *Channel, seq uint64, state, previous Merkle) error {
	v := make([]byte, 0, HashSize*2)
	v = append(v, state[:]...)
	v = append(v, previous[:]...)
	return t.set(chnKey(prefixTags, ch.Name, be64(seq)), v)
}
func (t *badgerMutTxn) DelTags(ch *Channel, seq uint64) error {
	return t.del(chnKey(prefixTags, ch.Name, be64(seq)))
}

func (t *badgerMutTxn) DelInternal(h Hash) error {
	return t.del(chnKeyGlobal(prefixInternal, h[:]))
}
func (t *badgerMutTxn) DelExternal(id ChangeId) error {
	return t.del(chnKeyGlobal(prefixExternal, id[:]))
}

func (t *badgerMutTxn) MakeChangeId(h Hash) (ChangeId, error) {
	if id, ok := t.Internal(h); ok {
		return id, nil
	}
	item, err := t.txn.Get([]byte{prefixCounter})
	var next uint64 = 1
	if err == nil {
		_ = item.Value(func(val []byte) error { next = binary.BigEndian.Uint64(val) + 1; return nil })
	} else if err != badger.ErrKeyNotFound {
		return ChangeId{}, fmt.Errorf("pristine: %w: %v", ErrTxn, err)
	}
	if err := t.set([]byte{prefixCounter}, be64(next)); err != nil {
		return ChangeId{}, err
	}
	id := ChangeIdFromUint64(next)
	if err := t.set(chnKeyGlobal(prefixInternal, h[:]), id[:]); err != nil {
		return ChangeId{}, err
	}
	if err := t.set(chnKeyGlobal(prefixExternal, id[:]), h[:]); err != nil {
		return ChangeId{}, err
	}
	return id, nil
}

func (t *badgerMutTxn) PutDep(id, dep ChangeId) error {
	return t.set(chnKeyGlobal(prefixDep, append(append([]byte{}, id[:]...), dep[:]...)), nil)
}
func (t *badgerMutTxn) DelDep(id, dep ChangeId) error {
	return t.del(chnKeyGlobal(prefixDep, append(append([]byte{}, id[:]...), dep[:]...)))
}
func (t *badgerMutTxn) PutRevDep(dep, id ChangeId) error {
	return t.set(chnKeyGlobal(prefixRevDep, append(append([]byte{}, dep[:]...), id[:]...)), nil)
}
func (t *badgerMutTxn) DelRevDep(dep, id ChangeId) error {
	return t.del(chnKeyGlobal(prefixRevDep, append(append([]byte{}, dep[:]...), id[:]...)))
}

func (t *badgerMutTxn) set(k, v []byte) error {
	if err := t.txn.Set(k, v); err != nil {
		return fmt.Errorf("pristine: %w: %v", ErrTxn, err)
	}
	return nil
}
func (t *badgerMutTxn) del(k []byte) error {
	if err := t.txn.Delete(k); err != nil {
		return fmt.Errorf("pristine: %w: %v", ErrTxn, err)
	}
	return nil
}

// --- map views -----------------------------------------------------

type badgerGraphMap struct {
	t  *badgerTxn
	ch string
}

func (g *badgerGraphMap) IterAdjacent(source Position, min, include EdgeFlags) ([]Edge, error) {
	prefix := chnKey(prefixGraph, g.ch, posBytes(source))
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := g.t.txn.NewIterator(opts)
	defer it.Close()
	var out []Edge
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		k := it.Item().Key()
		rest := k[len(prefix):]
		if len(rest) < 1+16+8 {
			continue
		}
		flag := EdgeFlags(rest[0])
		if !flag.Contains(min) || flag&^include != 0 {
			continue
		}
		var dest Position
		copy(dest.Change[:], rest[1:9])
		dest.Pos = binary.BigEndian.Uint64(rest[9:17])
		var introducedBy ChangeId
		copy(introducedBy[:], rest[17:25])
		out = append(out, Edge{Flag: flag, Dest: dest, IntroducedBy: introducedBy})
	}
	return out, nil
}

func (g *badgerGraphMap) IterAll() ([]GraphRecord, error) {
	prefix := chnKey(prefixGraph, g.ch)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := g.t.txn.NewIterator(opts)
	defer it.Close()
	var out []GraphRecord
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		k := it.Item().Key()
		rest := k[len(prefix):]
		if len(rest) < 16+1+16+8 {
			continue
		}
		var source Position
		copy(source.Change[:], rest[0:8])
		source.Pos = binary.BigEndian.Uint64(rest[8:16])
		flag := EdgeFlags(rest[16])
		var dest Position
		copy(dest.Change[:], rest[17:25])
		dest.Pos = binary.BigEndian.Uint64(rest[25:33])
		var introducedBy ChangeId
		copy(introducedBy[:], rest[33:41])
		out = append(out, GraphRecord{Source: source, Edge: Edge{Flag: flag, Dest: dest, IntroducedBy: introducedBy}})
	}
	return out, nil
}

type badgerChangesMap struct {
	t  *badgerTxn
	ch string
}

func (c *badgerChangesMap) IterFrom(from uint64) ([]ChangeSeq, error) {
	prefix := chnKey(prefixChanges, c.ch)
	opts := badger.DefaultIteratorOptions
	it := c.t.txn.NewIterator(opts)
	defer it.Close()
	start := chnKey(prefixChanges, c.ch, be64(from))
	var out []ChangeSeq
	for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
		k := it.Item().Key()
		seq := binary.BigEndian.Uint64(k[len(prefix):])
		var h Hash
		_ = it.Item().Value(func(val []byte) error { copy(h[:], val); return nil })
		out = append(out, ChangeSeq{Seq: seq, Hash: h})
	}
	return out, nil
}

func (c *badgerChangesMap) Len() (uint64, error) {
	all, err := c.IterFrom(0)
	return uint64(len(all)), err
}

type badgerRevChangesMap struct {
	t  *badgerTxn
	ch string
}

func (r *badgerRevChangesMap) Get(h Hash) (uint64, bool) {
	item, err := r.t.txn.Get(chnKey(prefixRevChanges, r.ch, h[:]))
	if err != nil {
		return 0, false
	}
	var seq uint64
	_ = item.Value(func(val []byte) error { seq = binary.BigEndian.Uint64(val); return nil })
	return seq, true
}

type badgerStatesMap struct {
	t  *badgerTxn
	ch string
}

func (s *badgerStatesMap) Get(m Merkle) (uint64, bool) {
	item, err := s.t.txn.Get(chnKey(prefixStates, s.ch, m[:]))
	if err != nil {
		return 0, false
	}
	var seq uint64
	_ = item.Value(func(val []byte) error { seq = binary.BigEndian.Uint64(val); return nil })
	return seq, true
}

func (s *badgerStatesMap) Last() (Merkle, uint64, bool) {
	prefix := chnKey(prefixStates, s.ch)
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	it := s.t.txn.NewIterator(opts)
	defer it.Close()
	seekKey := append(append([]byte{}, prefix...), 0xff)
	it.Seek(seekKey)
	if !it.ValidForPrefix(prefix) {
		return Merkle{}, 0, false
	}
	k := it.Item().Key()
	var m Merkle
	copy(m[:], k[len(prefix):])
	var seq uint64
	_ = it.Item().Value(func(val []byte) error { seq = binary.BigEndian.Uint64(val); return nil })
	return m, seq, true
}

func (s *badgerStatesMap) IterAll() ([]StateRecord, error) {
	prefix := chnKey(prefixStates, s.ch)
	opts := badger.DefaultIteratorOptions
	it := s.t.txn.NewIterator(opts)
	defer it.Close()
	var out []StateRecord
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		k := it.Item().Key()
		var m Merkle
		copy(m[:], k[len(prefix):])
		var seq uint64
		_ = it.Item().Value(func(val []byte) error { seq = binary.BigEndian.Uint64(val); return nil })
		out = append(out, StateRecord{Merkle: m, Seq: seq})
	}
	return out, nil
}

type badgerTagsMap struct {
	t  *badgerTxn
	ch string
}

func (tm *badgerTagsMap) Get(seq uint64) (Merkle, Merkle, bool) {
	item, err := tm.t.txn.Get(chnKey(prefixTags, tm.ch, be64(seq)))
	if err != nil {
		return Merkle{}, Merkle{}, false
	}
	var state, previous Merkle
	_ = item.Value(func(val []byte) error {
		if len(val) < 2*HashSize {
			return &CorruptError{Context: "tag record"}
		}
		copy(state[:], val[:HashSize])
		copy(previous[:], val[HashSize:2*HashSize])
		return nil
	})
	return state, previous, true
}

func (tm *badgerTagsMap) IterAll() ([]TagRecord, error) {
	prefix := chnKey(prefixTags, tm.ch)
	opts := badger.DefaultIteratorOptions
	it := tm.t.txn.NewIterator(opts)
	defer it.Close()
	var out []TagRecord
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		k := it.Item().Key()
		seq := binary.BigEndian.Uint64(k[len(prefix):])
		var state, previous Merkle
		err := it.Item().Value(func(val []byte) error {
			if len(val) < 2*HashSize {
				return &CorruptError{Context: "tag record"}
			}
			copy(state[:], val[:HashSize])
			copy(previous[:], val[HashSize:2*HashSize])
			return nil
		})
		if err != nil {
			return nil, err
		}
		out = append(out, TagRecord{Seq: seq, State: state, Previous: previous})
	}
	return out, nil
}

var _ Store = (*BadgerStore)(nil)
