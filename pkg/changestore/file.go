package changestore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/pijul-core/pristine/pkg/pool"
	"github.com/pijul-core/pristine/pkg/pristine"
)

// Store is the external collaborator the unapply engine depends on:
// enough of a change store to resolve a Hash to its Change and to
// answer the two oracle questions §4.3.2 names.
type Store interface {
	GetChange(h pristine.Hash) (*Change, error)
	// Knows reports whether this store has saved or loaded h, or
	// holds a change file for h. The unapply engine consults it only
	// when restoring an edge the unrecorded change had deleted:
	// unapplyEdges keeps such an edge Block when its introducer is
	// unknown, and introducerStillDeletes skips unknown changes.
	Knows(h pristine.Hash) bool
	SaveChange(c *Change) (pristine.Hash, error)
}

// offsets is the fixed-width header every change file starts with,
// naming the byte ranges of its hashed and unhashed sections — see
// SPEC_FULL.md §6.
type offsets struct {
	Version     uint64
	HashedOff   uint64
	HashedLen   uint64
	UnhashedOff uint64
	UnhashedLen uint64
}

const changeFileVersion = 1
const offsetsSize = 5 * 8

func (o offsets) encode() []byte {
	b := make([]byte, offsetsSize)
	binary.BigEndian.PutUint64(b[0:8], o.Version)
	binary.BigEndian.PutUint64(b[8:16], o.HashedOff)
	binary.BigEndian.PutUint64(b[16:24], o.HashedLen)
	binary.BigEndian.PutUint64(b[24:32], o.UnhashedOff)
	binary.BigEndian.PutUint64(b[32:40], o.UnhashedLen)
	return b
}

func decodeOffsets(b []byte) (offsets, error) {
	if len(b) < offsetsSize {
		return offsets{}, &pristine.CorruptError{Context: "change file offsets"}
	}
	return offsets{
		Version:     binary.BigEndian.Uint64(b[0:8]),
		HashedOff:   binary.BigEndian.Uint64(b[8:16]),
		HashedLen:   binary.BigEndian.Uint64(b[16:24]),
		UnhashedOff: binary.BigEndian.Uint64(b[24:32]),
		UnhashedLen: binary.BigEndian.Uint64(b[32:40]),
	}, nil
}

// hashedBody is the JSON-serializable, hash-covered portion of a
// change: everything except the human-facing Header. JSON is used
// here for the same reason the rest of this module serializes with
// it (see badger.go's channelRecord) rather than a binary codec — the
// format only needs to be stable within one build of this program,
// not across the two legacy/current versions pijul's own bincode
// layout had to support.
type hashedBody struct {
	Dependencies []string `json:"dependencies"`
	Atoms        []Atom   `json:"atoms"`
}

// FileStore is a directory of content-addressed change files, one per
// Hash, named by its hex encoding.
type FileStore struct {
	dir string
	mu  sync.Mutex
	// seen caches which hashes this process has confirmed exist on
	// disk, so repeated Knows calls (the unapply engine's oracle is
	// consulted once per atom) don't each stat the filesystem.
	seen map[pristine.Hash]bool
}

// NewFileStore opens (creating if absent) a change store rooted at
// dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("changestore: %w", err)
	}
	return &FileStore{dir: dir, seen: make(map[pristine.Hash]bool)}, nil
}

func (s *FileStore) path(h pristine.Hash) string {
	return filepath.Join(s.dir, h.String()+".change")
}

func (s *FileStore) SaveChange(c *Change) (pristine.Hash, error) {
	deps := make([]string, len(c.Dependencies))
	for i, d := range c.Dependencies {
		deps[i] = d.String()
	}
	body := hashedBody{Dependencies: deps, Atoms: c.Atoms}
	hashedJSON, err := json.Marshal(body)
	if err != nil {
		return pristine.Hash{}, err
	}
	digest := blake2b.Sum256(hashedJSON)
	h := pristine.Hash(digest)
	c.Hash = h

	unhashedJSON, err := json.Marshal(c.Header)
	if err != nil {
		return pristine.Hash{}, err
	}

	off := offsets{
		Version:     changeFileVersion,
		HashedOff:   offsetsSize,
		HashedLen:   uint64(len(hashedJSON)),
		UnhashedOff: offsetsSize + uint64(len(hashedJSON)),
		UnhashedLen: uint64(len(unhashedJSON)),
	}

	buf := pool.GetByteBuffer()
	defer func() { pool.PutByteBuffer(buf) }()
	buf = append(buf, off.encode()...)
	buf = append(buf, hashedJSON...)
	buf = append(buf, unhashedJSON...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(s.path(h), buf, 0o644); err != nil {
		return pristine.Hash{}, fmt.Errorf("changestore: writing change %s: %w", h, err)
	}
	s.seen[h] = true
	return h, nil
}

func (s *FileStore) GetChange(h pristine.Hash) (*Change, error) {
	data, err := os.ReadFile(s.path(h))
	if os.IsNotExist(err) {
		return nil, &pristine.MissingContentsError{Hash: h}
	}
	if err != nil {
		return nil, &pristine.IoHashError{Hash: h, Err: err}
	}
	off, err := decodeOffsets(data)
	if err != nil {
		return nil, err
	}
	if off.Version != changeFileVersion {
		return nil, &pristine.VersionMismatchError{Got: off.Version, Want: changeFileVersion}
	}
	hashedJSON := data[off.HashedOff : off.HashedOff+off.HashedLen]
	digest := blake2b.Sum256(hashedJSON)
	if pristine.Hash(digest) != h {
		return nil, &pristine.WrongHashError{Context: "change " + h.String(), Got: pristine.Hash(digest).String(), Want: h.String()}
	}
	var body hashedBody
	if err := json.Unmarshal(hashedJSON, &body); err != nil {
		return nil, &pristine.CorruptError{Context: "change " + h.String() + " hashed body"}
	}
	var header Header
	if off.UnhashedLen > 0 {
		unhashedJSON := data[off.UnhashedOff : off.UnhashedOff+off.UnhashedLen]
		_ = json.Unmarshal(unhashedJSON, &header)
	}

	deps := make([]pristine.Hash, len(body.Dependencies))
	for i, d := range body.Dependencies {
		deps[i] = parseHash(d)
	}

	s.mu.Lock()
	s.seen[h] = true
	s.mu.Unlock()

	return &Change{Hash: h, Dependencies: deps, Header: header, Atoms: body.Atoms}, nil
}

func (s *FileStore) Knows(h pristine.Hash) bool {
	s.mu.Lock()
	if s.seen[h] {
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()
	if _, err := os.Stat(s.path(h)); err == nil {
		s.mu.Lock()
		s.seen[h] = true
		s.mu.Unlock()
		return true
	}
	return false
}

func parseHash(s string) pristine.Hash {
	var h pristine.Hash
	b := []byte(s)
	for i := 0; i+1 < len(b) && i/2 < len(h); i += 2 {
		var v byte
		fmt.Sscanf(string(b[i:i+2]), "%02x", &v)
		h[i/2] = v
	}
	return h
}

var _ Store = (*FileStore)(nil)
