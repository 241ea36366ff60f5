package tag

import (
	"encoding/binary"

	"github.com/pijul-core/pristine/pkg/pristine"
)

// Every record framing below mirrors the fixed-width key/value layout
// the live page store already uses (see pkg/pristine/badger.go's
// graphKey/chnKey helpers), so a tag is exactly a flattened, replayable
// copy of one channel's maps rather than a separate format. The one
// deliberate difference: every embedded ChangeId is written as its
// pristine-global Hash instead, because a ChangeId is only meaningful
// within the pristine that minted it (see pkg/pristine/ids.go) and a
// tag must be restorable into a different pristine. RootChangeId is
// encoded as the zero Hash.

// graphRecord is one graph-map record with every ChangeId already
// resolved to (or, on restore, waiting to be resolved from) a Hash.
type graphRecord struct {
	SourceHash       pristine.Hash
	SourcePos        uint64
	Flag             pristine.EdgeFlags
	DestHash         pristine.Hash
	DestPos          uint64
	IntroducedByHash pristine.Hash
}

// graphRecordSize is SourceHash(32) + SourcePos(8) + flag(1) +
// DestHash(32) + DestPos(8) + IntroducedByHash(32).
const graphRecordSize = 32 + 8 + 1 + 32 + 8 + 32

func encodeGraphRecord(buf []byte, r graphRecord) []byte {
	buf = append(buf, r.SourceHash[:]...)
	buf = appendU64(buf, r.SourcePos)
	buf = append(buf, byte(r.Flag))
	buf = append(buf, r.DestHash[:]...)
	buf = appendU64(buf, r.DestPos)
	buf = append(buf, r.IntroducedByHash[:]...)
	return buf
}

func decodeGraphRecord(b []byte) (graphRecord, error) {
	if len(b) < graphRecordSize {
		return graphRecord{}, &pristine.CorruptError{Context: "tag graph record"}
	}
	var r graphRecord
	copy(r.SourceHash[:], b[0:32])
	r.SourcePos = binary.BigEndian.Uint64(b[32:40])
	r.Flag = pristine.EdgeFlags(b[40])
	copy(r.DestHash[:], b[41:73])
	r.DestPos = binary.BigEndian.Uint64(b[73:81])
	copy(r.IntroducedByHash[:], b[81:113])
	return r, nil
}

// changeRecordSize is the encoded width of one changes-map record:
// sequence number (8) plus the change's global Hash (32).
const changeRecordSize = 8 + pristine.HashSize

func encodeChangeRecord(buf []byte, seq pristine.ChangeSeq) []byte {
	buf = appendU64(buf, seq.Seq)
	buf = append(buf, seq.Hash[:]...)
	return buf
}

func decodeChangeRecord(b []byte) (pristine.ChangeSeq, error) {
	if len(b) < changeRecordSize {
		return pristine.ChangeSeq{}, &pristine.CorruptError{Context: "tag changes record"}
	}
	var seq pristine.ChangeSeq
	seq.Seq = binary.BigEndian.Uint64(b[0:8])
	copy(seq.Hash[:], b[8:8+pristine.HashSize])
	return seq, nil
}

// stateRecordSize is the encoded width of one states-map record:
// Merkle digest (32) plus sequence number (8).
const stateRecordSize = pristine.HashSize + 8

func encodeStateRecord(buf []byte, s pristine.StateRecord) []byte {
	buf = append(buf, s.Merkle[:]...)
	buf = appendU64(buf, s.Seq)
	return buf
}

func decodeStateRecord(b []byte) (pristine.StateRecord, error) {
	if len(b) < stateRecordSize {
		return pristine.StateRecord{}, &pristine.CorruptError{Context: "tag states record"}
	}
	var s pristine.StateRecord
	copy(s.Merkle[:], b[0:pristine.HashSize])
	s.Seq = binary.BigEndian.Uint64(b[pristine.HashSize : pristine.HashSize+8])
	return s, nil
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
