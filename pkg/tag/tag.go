// Package tag serializes and restores a single channel as one
// self-contained compressed file: every graph edge, every applied
// change and every Merkle checkpoint the channel has recorded,
// flattened into key-ordered streams and zstd-compressed. A tag is the
// unit pristine.md's channel snapshots travel as between pristines.
package tag

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/pijul-core/pristine/pkg/pristine"
)

// fileVersion is the on-disk tag format version this package reads
// and writes. There is, so far, only one.
const fileVersion = 1

// blockSize is the size of one scratch buffer in the producer/consumer
// pipeline below, matching the page store's own block granularity.
const blockSize = 4096

// pipeDepth is the depth of both the filled-buffer and empty-buffer
// channels the pipeline uses: enough to let the producer stay a few
// blocks ahead of the compressor without unbounded buffering.
const pipeDepth = 10

// DbOffsets records where each map's flattened record stream begins
// and how long it runs, inside the single decompressed byte stream a
// tag's body decodes to. Restoring a tag slices this stream by these
// offsets rather than re-deriving section boundaries from content.
type DbOffsets struct {
	GraphOffset   uint64
	GraphLen      uint64
	ChangesOffset uint64
	ChangesLen    uint64
	StatesOffset  uint64
	StatesLen     uint64
}

const dbOffsetsSize = 6 * 8

func (o DbOffsets) encode() []byte {
	b := make([]byte, dbOffsetsSize)
	binary.BigEndian.PutUint64(b[0:8], o.GraphOffset)
	binary.BigEndian.PutUint64(b[8:16], o.GraphLen)
	binary.BigEndian.PutUint64(b[16:24], o.ChangesOffset)
	binary.BigEndian.PutUint64(b[24:32], o.ChangesLen)
	binary.BigEndian.PutUint64(b[32:40], o.StatesOffset)
	binary.BigEndian.PutUint64(b[40:48], o.StatesLen)
	return b
}

func decodeDbOffsets(b []byte) (DbOffsets, error) {
	if len(b) < dbOffsetsSize {
		return DbOffsets{}, &pristine.CorruptError{Context: "tag DbOffsets"}
	}
	return DbOffsets{
		GraphOffset:   binary.BigEndian.Uint64(b[0:8]),
		GraphLen:      binary.BigEndian.Uint64(b[8:16]),
		ChangesOffset: binary.BigEndian.Uint64(b[16:24]),
		ChangesLen:    binary.BigEndian.Uint64(b[24:32]),
		StatesOffset:  binary.BigEndian.Uint64(b[32:40]),
		StatesLen:     binary.BigEndian.Uint64(b[40:48]),
	}, nil
}

// FileHeader is the fixed-width, uncompressed prefix of a tag file:
// enough to validate the file and know how to slice its compressed
// body before any of that body is decoded.
type FileHeader struct {
	Version uint64
	Channel string
	Merkle  pristine.Merkle
	Offsets DbOffsets
}

func (h FileHeader) encode() []byte {
	name := []byte(h.Channel)
	buf := make([]byte, 0, 8+8+len(name)+pristine.HashSize+dbOffsetsSize)
	buf = appendU64(buf, h.Version)
	buf = appendU64(buf, uint64(len(name)))
	buf = append(buf, name...)
	buf = append(buf, h.Merkle[:]...)
	buf = append(buf, h.Offsets.encode()...)
	return buf
}

func decodeFileHeader(r io.Reader) (FileHeader, error) {
	var h FileHeader
	var fixed [16]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return h, fmt.Errorf("tag: reading header: %w", err)
	}
	h.Version = binary.BigEndian.Uint64(fixed[0:8])
	nameLen := binary.BigEndian.Uint64(fixed[8:16])
	if h.Version != fileVersion {
		return h, &pristine.VersionMismatchError{Got: h.Version, Want: fileVersion}
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return h, fmt.Errorf("tag: reading header channel name: %w", err)
	}
	h.Channel = string(name)
	var merkle [pristine.HashSize]byte
	if _, err := io.ReadFull(r, merkle[:]); err != nil {
		return h, fmt.Errorf("tag: reading header merkle: %w", err)
	}
	h.Merkle = pristine.Merkle(merkle)
	var offsetsBuf [dbOffsetsSize]byte
	if _, err := io.ReadFull(r, offsetsBuf[:]); err != nil {
		return h, fmt.Errorf("tag: reading header offsets: %w", err)
	}
	offsets, err := decodeDbOffsets(offsetsBuf[:])
	if err != nil {
		return h, err
	}
	h.Offsets = offsets
	return h, nil
}

// blockWriter is the producer side of the bounded pipeline: it fills
// pipeDepth-deep buffers with record bytes and hands each full one to
// the compressor goroutine, recycling drained buffers through empty.
type blockWriter struct {
	filled chan []byte
	empty  chan []byte
	cur    []byte
	total  uint64
}

func newBlockWriter(filled, empty chan []byte) *blockWriter {
	return &blockWriter{filled: filled, empty: empty, cur: <-empty}
}

func (w *blockWriter) write(rec []byte) {
	if len(w.cur)+len(rec) > cap(w.cur) {
		w.filled <- w.cur
		w.cur = <-w.empty
	}
	w.cur = append(w.cur, rec...)
	w.total += uint64(len(rec))
}

func (w *blockWriter) finish() {
	if len(w.cur) > 0 {
		w.filled <- w.cur
	}
	close(w.filled)
}

// runCompressor drains filled buffers into a zstd stream and recycles
// each buffer back through empty once written; it is the pipeline's
// single compressor goroutine. errc carries the first error, if any,
// and is always sent to exactly once.
func runCompressor(w io.Writer, level int, filled, empty chan []byte, errc chan<- error) {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstdLevel(level)))
	if err != nil {
		for range filled {
		}
		errc <- fmt.Errorf("tag: opening zstd writer: %w", err)
		return
	}
	for buf := range filled {
		if _, err := zw.Write(buf); err != nil {
			for range filled {
			}
			zw.Close()
			errc <- fmt.Errorf("tag: compressing block: %w", err)
			return
		}
		empty <- buf[:0]
	}
	errc <- zw.Close()
}

func zstdLevel(n int) zstd.EncoderLevel {
	switch {
	case n <= 1:
		return zstd.SpeedFastest
	case n <= 6:
		return zstd.SpeedDefault
	case n <= 12:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// Serialize writes ch's graph, changes and states maps to w as one
// compressed tag file. compressionLevel is the same 1-19 scale
// pkg/config's TagCompressionLevel exposes.
func Serialize(txn pristine.Txn, ch *pristine.Channel, w io.Writer, compressionLevel int) error {
	graphRecords, err := txn.Graph(ch).IterAll()
	if err != nil {
		return fmt.Errorf("tag: reading graph map: %w", err)
	}
	changeRecords, err := txn.Changes(ch).IterFrom(0)
	if err != nil {
		return fmt.Errorf("tag: reading changes map: %w", err)
	}
	stateRecords, err := txn.States(ch).IterAll()
	if err != nil {
		return fmt.Errorf("tag: reading states map: %w", err)
	}

	filled := make(chan []byte, pipeDepth)
	empty := make(chan []byte, pipeDepth)
	for i := 0; i < pipeDepth; i++ {
		empty <- make([]byte, 0, blockSize)
	}

	var body bytes.Buffer
	errc := make(chan error, 1)
	go runCompressor(&body, compressionLevel, filled, empty, errc)

	bw := newBlockWriter(filled, empty)

	var offsets DbOffsets
	offsets.GraphOffset = 0
	buf := make([]byte, 0, graphRecordSize)
	for _, r := range graphRecords {
		sourceHash, err := resolveHash(txn, r.Source.Change)
		if err != nil {
			bw.finish()
			<-errc
			return err
		}
		destHash, err := resolveHash(txn, r.Edge.Dest.Change)
		if err != nil {
			bw.finish()
			<-errc
			return err
		}
		introHash, err := resolveHash(txn, r.Edge.IntroducedBy)
		if err != nil {
			bw.finish()
			<-errc
			return err
		}
		buf = buf[:0]
		buf = encodeGraphRecord(buf, graphRecord{
			SourceHash: sourceHash, SourcePos: r.Source.Pos,
			Flag: r.Edge.Flag, DestHash: destHash, DestPos: r.Edge.Dest.Pos,
			IntroducedByHash: introHash,
		})
		bw.write(buf)
	}
	offsets.GraphLen = bw.total

	offsets.ChangesOffset = bw.total
	for _, c := range changeRecords {
		buf = buf[:0]
		buf = encodeChangeRecord(buf, c)
		bw.write(buf)
	}
	offsets.ChangesLen = bw.total - offsets.ChangesOffset

	offsets.StatesOffset = bw.total
	for _, s := range stateRecords {
		buf = buf[:0]
		buf = encodeStateRecord(buf, s)
		bw.write(buf)
	}
	offsets.StatesLen = bw.total - offsets.StatesOffset

	bw.finish()
	if err := <-errc; err != nil {
		return err
	}

	header := FileHeader{Version: fileVersion, Channel: ch.Name, Merkle: ch.State, Offsets: offsets}
	if _, err := w.Write(header.encode()); err != nil {
		return fmt.Errorf("tag: writing header: %w", err)
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return fmt.Errorf("tag: writing body: %w", err)
	}
	return nil
}

// resolveHash maps a ChangeId to the pristine-global Hash a tag
// embeds in its place, so the tag is restorable into a pristine that
// assigns ChangeIds differently. RootChangeId encodes as the zero
// Hash.
func resolveHash(txn pristine.Txn, id pristine.ChangeId) (pristine.Hash, error) {
	if id.IsRoot() {
		return pristine.Hash{}, nil
	}
	h, ok := txn.External(id)
	if !ok {
		return pristine.Hash{}, fmt.Errorf("tag: change id %s has no recorded external hash", id)
	}
	return h, nil
}

// resolveId is resolveHash's inverse, run at restore time: it mints
// (or reuses) a fresh local ChangeId for h in the target pristine,
// matching §4.4's restore-time remapping through make_changeid.
func resolveId(txn pristine.MutTxn, h pristine.Hash) (pristine.ChangeId, error) {
	if h.IsZero() {
		return pristine.RootChangeId, nil
	}
	return txn.MakeChangeId(h)
}

// Restore reads a tag file written by Serialize from r and replays it
// into channel name, creating the channel if it does not already
// exist. It returns the restored channel and an error if the tag's
// declared Merkle state does not match the Merkle of its own last
// recorded checkpoint (the states record with the highest seq) — the
// round-trip gate §4.4 names.
func Restore(txn pristine.MutTxn, name string, r io.Reader) (*pristine.Channel, error) {
	header, err := decodeFileHeader(r)
	if err != nil {
		return nil, err
	}

	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("tag: opening zstd reader: %w", err)
	}
	defer zr.Close()
	body, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("tag: decompressing body: %w", err)
	}

	ch, err := txn.OpenOrCreateChannel(name)
	if err != nil {
		return nil, fmt.Errorf("tag: opening channel %q: %w", name, err)
	}

	o := header.Offsets
	if uint64(len(body)) < o.GraphOffset+o.GraphLen || uint64(len(body)) < o.ChangesOffset+o.ChangesLen || uint64(len(body)) < o.StatesOffset+o.StatesLen {
		return nil, &pristine.CorruptError{Context: "tag body shorter than declared offsets"}
	}

	graphBytes := body[o.GraphOffset : o.GraphOffset+o.GraphLen]
	for off := 0; off < len(graphBytes); off += graphRecordSize {
		rec, err := decodeGraphRecord(graphBytes[off : off+graphRecordSize])
		if err != nil {
			return nil, err
		}
		sourceId, err := resolveId(txn, rec.SourceHash)
		if err != nil {
			return nil, fmt.Errorf("tag: restoring graph record: %w", err)
		}
		destId, err := resolveId(txn, rec.DestHash)
		if err != nil {
			return nil, fmt.Errorf("tag: restoring graph record: %w", err)
		}
		introId, err := resolveId(txn, rec.IntroducedByHash)
		if err != nil {
			return nil, fmt.Errorf("tag: restoring graph record: %w", err)
		}
		source := pristine.Position{Change: sourceId, Pos: rec.SourcePos}
		edge := pristine.Edge{Flag: rec.Flag, Dest: pristine.Position{Change: destId, Pos: rec.DestPos}, IntroducedBy: introId}
		if err := txn.PutGraph(ch, source, edge); err != nil {
			return nil, fmt.Errorf("tag: restoring graph record: %w", err)
		}
	}

	var lastSeq uint64
	changesBytes := body[o.ChangesOffset : o.ChangesOffset+o.ChangesLen]
	for off := 0; off < len(changesBytes); off += changeRecordSize {
		rec, err := decodeChangeRecord(changesBytes[off : off+changeRecordSize])
		if err != nil {
			return nil, err
		}
		if err := txn.PutChanges(ch, rec.Seq, rec.Hash); err != nil {
			return nil, fmt.Errorf("tag: restoring changes record: %w", err)
		}
		if err := txn.PutRevChanges(ch, rec.Hash, rec.Seq); err != nil {
			return nil, fmt.Errorf("tag: restoring revchanges record: %w", err)
		}
		if rec.Seq > lastSeq {
			lastSeq = rec.Seq
		}
	}

	var lastState pristine.Merkle
	var lastStateSeq uint64
	haveState := false
	statesBytes := body[o.StatesOffset : o.StatesOffset+o.StatesLen]
	for off := 0; off < len(statesBytes); off += stateRecordSize {
		rec, err := decodeStateRecord(statesBytes[off : off+stateRecordSize])
		if err != nil {
			return nil, err
		}
		if err := txn.PutStates(ch, rec.Merkle, rec.Seq); err != nil {
			return nil, fmt.Errorf("tag: restoring states record: %w", err)
		}
		if !haveState || rec.Seq >= lastStateSeq {
			lastState = rec.Merkle
			lastStateSeq = rec.Seq
		}
		haveState = true
	}

	if haveState && lastState != header.Merkle {
		return nil, &pristine.WrongHashError{Context: "tag " + name + " merkle", Got: lastState.String(), Want: header.Merkle.String()}
	}

	ch.ApplyCounter = lastSeq
	ch.State = header.Merkle
	if err := txn.PutChannel(ch); err != nil {
		return nil, fmt.Errorf("tag: saving restored channel: %w", err)
	}
	return ch, nil
}
