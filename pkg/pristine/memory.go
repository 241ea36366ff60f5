package pristine

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"sync"

	"github.com/google/btree"
)

// MemStore is an in-memory Store backed by a persistent (copy-on-
// write) B-tree, used for tests and embedders with no disk footprint.
// It preserves the exact key-ordering semantics BadgerStore gives, so
// a fixture built against MemStore generalizes to BadgerStore without
// change. BeginRead takes an O(1) snapshot via btree.Clone, so an open
// read transaction keeps a fixed view that later commits do not
// change. BeginRead and BeginWrite share one mutex, which BeginWrite
// holds until Commit or Rollback: while a write transaction is open,
// BeginRead waits for it to finish.
type MemStore struct {
	mu   sync.Mutex
	tree *btree.BTreeG[kv]
}

type kv struct {
	key []byte
	val []byte
}

func kvLess(a, b kv) bool { return bytes.Compare(a.key, b.key) < 0 }

// NewMemStore creates an empty in-memory page store.
func NewMemStore() *MemStore {
	return &MemStore{tree: btree.NewG(32, kvLess)}
}

func (s *MemStore) Close() error { return nil }

func (s *MemStore) BeginRead() (Txn, error) {
	s.mu.Lock()
	snap := s.tree.Clone()
	s.mu.Unlock()
	return &memTxn{tree: snap}, nil
}

func (s *MemStore) BeginWrite() (MutTxn, error) {
	s.mu.Lock() // released on Commit/Rollback
	snap := s.tree.Clone()
	return &memMutTxn{memTxn{tree: snap}, s}, nil
}

// --- read transaction -----------------------------------------------------

type memTxn struct {
	tree *btree.BTreeG[kv]
}

func (t *memTxn) get(k []byte) ([]byte, bool) {
	item, ok := t.tree.Get(kv{key: k})
	if !ok {
		return nil, false
	}
	return item.val, true
}

func (t *memTxn) scanPrefix(prefix []byte, fn func(key, val []byte) bool) {
	t.tree.AscendGreaterOrEqual(kv{key: prefix}, func(item kv) bool {
		if !bytes.HasPrefix(item.key, prefix) {
			return false
		}
		return fn(item.key, item.val)
	})
}

func (t *memTxn) LoadChannel(name string) (*Channel, error) {
	v, ok := t.get(channelMetaKey(name))
	if !ok {
		return nil, ErrNotFound
	}
	var rec channelRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, &CorruptError{Context: "channel " + name}
	}
	return toChannel(name, rec), nil
}

func (t *memTxn) Graph(ch *Channel) GraphMap          { return &memGraphMap{t, ch.Name} }
func (t *memTxn) Changes(ch *Channel) ChangesMap       { return &memChangesMap{t, ch.Name} }
func (t *memTxn) RevChanges(ch *Channel) RevChangesMap { return &memRevChangesMap{t, ch.Name} }
func (t *memTxn) States(ch *Channel) StatesMap         { return &memStatesMap{t, ch.Name} }
func (t *memTxn) Tags(ch *Channel) TagsMap             { return &memTagsMap{t, ch.Name} }

func (t *memTxn) ListChannels() ([]string, error) {
	prefix := []byte{prefixChannel}
	var out []string
	t.scanPrefix(prefix, func(key, val []byte) bool {
		if len(key) < 2 {
			return true
		}
		n := int(key[1])
		if len(key) < 2+n {
			return true
		}
		out = append(out, string(key[2:2+n]))
		return true
	})
	return out, nil
}

func (t *memTxn) Internal(h Hash) (ChangeId, bool) {
	v, ok := t.get(chnKeyGlobal(prefixInternal, h[:]))
	if !ok {
		return ChangeId{}, false
	}
	var id ChangeId
	copy(id[:], v)
	return id, true
}

func (t *memTxn) External(id ChangeId) (Hash, bool) {
	v, ok := t.get(chnKeyGlobal(prefixExternal, id[:]))
	if !ok {
		return Hash{}, false
	}
	var h Hash
	copy(h[:], v)
	return h, true
}

func (t *memTxn) Dep(id ChangeId) []ChangeId    { return t.scanIdPairs(prefixDep, id) }
func (t *memTxn) RevDep(id ChangeId) []ChangeId { return t.scanIdPairs(prefixRevDep, id) }

func (t *memTxn) scanIdPairs(prefix byte, id ChangeId) []ChangeId {
	p := chnKeyGlobal(prefix, id[:])
	var out []ChangeId
	t.scanPrefix(p, func(key, val []byte) bool {
		var other ChangeId
		copy(other[:], key[len(p):])
		out = append(out, other)
		return true
	})
	return out
}

func (t *memTxn) FindBlock(ch *Channel, pos Position) (Vertex, error) {
	v, ok := t.get(vertexEndKey(pos))
	if !ok {
		return Vertex{}, ErrNotFound
	}
	end := binary.BigEndian.Uint64(v)
	return Vertex{Change: pos.Change, Start: pos.Pos, End: end}, nil
}

// --- write transaction -----------------------------------------------------

type memMutTxn struct {
	memTxn
	store *MemStore
}

func (t *memMutTxn) Commit() error {
	defer t.store.mu.Unlock()
	t.store.tree = t.tree
	return nil
}

func (t *memMutTxn) Rollback() error {
	t.store.mu.Unlock()
	return nil
}

func (t *memMutTxn) set(k, v []byte) error {
	t.tree.ReplaceOrInsert(kv{key: append([]byte{}, k...), val: append([]byte{}, v...)})
	return nil
}

func (t *memMutTxn) del(k []byte) error {
	t.tree.Delete(kv{key: k})
	return nil
}

func (t *memMutTxn) deletePrefix(prefix []byte) error {
	var keys [][]byte
	t.scanPrefix(prefix, func(key, val []byte) bool {
		keys = append(keys, append([]byte{}, key...))
		return true
	})
	for _, k := range keys {
		t.tree.Delete(kv{key: k})
	}
	return nil
}

func (t *memMutTxn) OpenOrCreateChannel(name string) (*Channel, error) {
	ch, err := t.LoadChannel(name)
	if err == nil {
		return ch, nil
	}
	if err != ErrNotFound {
		return nil, err
	}
	ch = &Channel{Name: name, Id: newChannelId(), State: ZeroMerkle}
	if err := t.PutChannel(ch); err != nil {
		return nil, err
	}
	return ch, nil
}

func (t *memMutTxn) PutChannel(ch *Channel) error {
	data, err := json.Marshal(fromChannel(ch))
	if err != nil {
		return err
	}
	return t.set(channelMetaKey(ch.Name), data)
}

func (t *memMutTxn) PutGraph(ch *Channel, source Position, e Edge) error {
	if err := t.set(graphKey(ch.Name, source, e), nil); err != nil {
		return err
	}
	if e.Flag.Contains(FlagBlock) && !e.Flag.Contains(FlagParent) {
		return t.set(vertexEndKey(source), be64(e.Dest.Pos))
	}
	return nil
}

func (t *memMutTxn) DelGraph(ch *Channel, source Position, e Edge) error {
	if e == (Edge{}) {
		return t.deletePrefix(chnKey(prefixGraph, ch.Name, posBytes(source)))
	}
	return t.del(graphKey(ch.Name, source, e))
}

func (t *memMutTxn) PutChanges(ch *Channel, seq uint64, h Hash) error {
	return t.set(chnKey(prefixChanges, ch.Name, be64(seq)), h[:])
}
func (t *memMutTxn) DelChanges(ch *Channel, seq uint64) error {
	return t.del(chnKey(prefixChanges, ch.Name, be64(seq)))
}
func (t *memMutTxn) PutRevChanges(ch *Channel, h Hash, seq uint64) error {
	return t.set(chnKey(prefixRevChanges, ch.Name, h[:]), be64(seq))
}
func (t *memMutTxn) DelRevChanges(ch *Channel, h Hash, seq uint64) error {
	return t.del(chnKey(prefixRevChanges, ch.Name, h[:]))
}
func (t *memMutTxn) PutStates(ch *Channel, m Merkle, seq uint64) error {
	return t.set(chnKey(prefixStates, ch.Name, m[:]), be64(seq))
}
func (t *memMutTxn) DelStates(ch *Channel, m Merkle) error {
	return t.del(chnKey(prefixStates, ch.Name, m[:]))
}

func (t *memMutTxn) PutTags(ch *Channel, seq uint64, state, previous Merkle) error {
	v := make([]byte, 0, HashSize*2)
	v = append(v, state[:]...)
	v = append(v, previous[:]...)
	return t.set(chnKey(prefixTags, ch.Name, be64(seq)), v)
}
func (t *memMutTxn) DelTags(ch *Channel, seq uint64) error {
	return t.del(chnKey(prefixTags, ch.Name, be64(seq)))
}

func (t *memMutTxn) DelInternal(h Hash) error {
	return t.del(chnKeyGlobal(prefixInternal, h[:]))
}
func (t *memMutTxn) DelExternal(id ChangeId) error {
	return t.del(chnKeyGlobal(prefixExternal, id[:]))
}

func (t *memMutTxn) MakeChangeId(h Hash) (ChangeId, error) {
	if id, ok := t.Internal(h); ok {
		return id, nil
	}
	var next uint64 = 1
	if v, ok := t.get([]byte{prefixCounter}); ok {
		next = binary.BigEndian.Uint64(v) + 1
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

func (t *memMutTxn) PutDep(id, dep ChangeId) error {
	return t.set(chnKeyGlobal(prefixDep, append(append([]byte{}, id[:]...), dep[:]...)), nil)
}
func (t *memMutTxn) DelDep(id, dep ChangeId) error {
	return t.del(chnKeyGlobal(prefixDep, append(append([]byte{}, id[:]...), dep[:]...)))
}
func (t *memMutTxn) PutRevDep(dep, id ChangeId) error {
	return t.set(chnKeyGlobal(prefixRevDep, append(append([]byte{}, dep[:]...), id[:]...)), nil)
}
func (t *memMutTxn) DelRevDep(dep, id ChangeId) error {
	return t.del(chnKeyGlobal(prefixRevDep, append(append([]byte{}, dep[:]...), id[:]...)))
}

// --- map views -----------------------------------------------------

type memGraphMap struct {
	t  *memTxn
	ch string
}

func (g *memGraphMap) IterAdjacent(source Position, min, include EdgeFlags) ([]Edge, error) {
	prefix := chnKey(prefixGraph, g.ch, posBytes(source))
	var out []Edge
	g.t.scanPrefix(prefix, func(key, val []byte) bool {
		rest := key[len(prefix):]
		if len(rest) < 1+16+8 {
			return true
		}
		flag := EdgeFlags(rest[0])
		if !flag.Contains(min) || flag&^include != 0 {
			return true
		}
		var dest Position
		copy(dest.Change[:], rest[1:9])
		dest.Pos = binary.BigEndian.Uint64(rest[9:17])
		var introducedBy ChangeId
		copy(introducedBy[:], rest[17:25])
		out = append(out, Edge{Flag: flag, Dest: dest, IntroducedBy: introducedBy})
		return true
	})
	return out, nil
}

func (g *memGraphMap) IterAll() ([]GraphRecord, error) {
	prefix := chnKey(prefixGraph, g.ch)
	var out []GraphRecord
	g.t.scanPrefix(prefix, func(key, val []byte) bool {
		rest := key[len(prefix):]
		if len(rest) < 16+1+16+8 {
			return true
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
		return true
	})
	return out, nil
}

type memChangesMap struct {
	t  *memTxn
	ch string
}

func (c *memChangesMap) IterFrom(from uint64) ([]ChangeSeq, error) {
	prefix := chnKey(prefixChanges, c.ch)
	var out []ChangeSeq
	c.t.scanPrefix(prefix, func(key, val []byte) bool {
		seq := binary.BigEndian.Uint64(key[len(prefix):])
		if seq < from {
			return true
		}
		var h Hash
		copy(h[:], val)
		out = append(out, ChangeSeq{Seq: seq, Hash: h})
		return true
	})
	return out, nil
}

func (c *memChangesMap) Len() (uint64, error) {
	all, err := c.IterFrom(0)
	return uint64(len(all)), err
}

type memRevChangesMap struct {
	t  *memTxn
	ch string
}

func (r *memRevChangesMap) Get(h Hash) (uint64, bool) {
	v, ok := r.t.get(chnKey(prefixRevChanges, r.ch, h[:]))
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint64(v), true
}

type memStatesMap struct {
	t  *memTxn
	ch string
}

func (s *memStatesMap) Get(m Merkle) (uint64, bool) {
	v, ok := s.t.get(chnKey(prefixStates, s.ch, m[:]))
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint64(v), true
}

func (s *memStatesMap) Last() (Merkle, uint64, bool) {
	prefix := chnKey(prefixStates, s.ch)
	var bestKey []byte
	var bestVal []byte
	s.t.scanPrefix(prefix, func(key, val []byte) bool {
		bestKey = key
		bestVal = val
		return true
	})
	if bestKey == nil {
		return Merkle{}, 0, false
	}
	var m Merkle
	copy(m[:], bestKey[len(prefix):])
	return m, binary.BigEndian.Uint64(bestVal), true
}

func (s *memStatesMap) IterAll() ([]StateRecord, error) {
	prefix := chnKey(prefixStates, s.ch)
	var out []StateRecord
	s.t.scanPrefix(prefix, func(key, val []byte) bool {
		var m Merkle
		copy(m[:], key[len(prefix):])
		out = append(out, StateRecord{Merkle: m, Seq: binary.BigEndian.Uint64(val)})
		return true
	})
	return out, nil
}

type memTagsMap struct {
	t  *memTxn
	ch string
}

func (tm *memTagsMap) Get(seq uint64) (Merkle, Merkle, bool) {
	v, ok := tm.t.get(chnKey(prefixTags, tm.ch, be64(seq)))
	if !ok || len(v) < 2*HashSize {
		return Merkle{}, Merkle{}, false
	}
	var state, previous Merkle
	copy(state[:], v[:HashSize])
	copy(previous[:], v[HashSize:2*HashSize])
	return state, previous, true
}

func (tm *memTagsMap) IterAll() ([]TagRecord, error) {
	prefix := chnKey(prefixTags, tm.ch)
	var out []TagRecord
	tm.t.scanPrefix(prefix, func(key, val []byte) bool {
		if len(val) < 2*HashSize {
			return true
		}
		seq := binary.BigEndian.Uint64(key[len(prefix):])
		var state, previous Merkle
		copy(state[:], val[:HashSize])
		copy(previous[:], val[HashSize:2*HashSize])
		out = append(out, TagRecord{Seq: seq, State: state, Previous: previous})
		return true
	})
	return out, nil
}

var _ Store = (*MemStore)(nil)
