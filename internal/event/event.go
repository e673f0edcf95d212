// Package event defines the immutable event records that make up the audit
// log and their canonical byte encoding.
//
// The canonical encoding uses a fixed field order and fixed widths so a
// logical record always hashes identically. Payloads are opaque bytes at
// this layer; their per-kind contracts are enforced at construction (see
// payloads.go) and never carry raw captured content.
package event

import (
	"encoding/binary"
	"errors"
	"fmt"

	"proctord/internal/chain"
)

// Kind classifies an event record. The set is closed: unknown kinds are
// rejected at construction and at decode.
type Kind uint8

const (
	KindKeystroke Kind = iota + 1
	KindPointer
	KindClipboard
	KindFocus
	KindCommand
	KindAnomaly
	KindSystem
)

var kindNames = map[Kind]string{
	KindKeystroke: "keystroke",
	KindPointer:   "pointer",
	KindClipboard: "clipboard",
	KindFocus:     "focus",
	KindCommand:   "command",
	KindAnomaly:   "anomaly",
	KindSystem:    "system",
}

// Errors
var (
	ErrUnknownKind    = errors.New("event: unknown kind")
	ErrPayloadTooLong = errors.New("event: payload exceeds maximum size")
	ErrTruncated      = errors.New("event: truncated canonical encoding")
)

// MaxPayloadSize bounds a single record payload. Event payloads are small
// metadata documents; anything larger indicates a misbehaving producer.
const MaxPayloadSize = 64 * 1024

// String returns the wire name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is a member of the closed kind set.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseKind resolves a wire name to a Kind.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

// Record is one observed action. Records are immutable once appended;
// Sequence and PrevLink are assigned by the segment writer.
type Record struct {
	// Sequence is the log-wide record number, gap-free within a segment.
	Sequence uint64

	// Monotonic is a monotonic clock reading in nanoseconds. It is the
	// source of truth for ordering; wall time is advisory only.
	Monotonic uint64

	// Wall is the wall-clock timestamp in Unix nanoseconds.
	Wall int64

	// Kind is the event category.
	Kind Kind

	// Payload is the kind-specific content, validated at construction.
	Payload []byte

	// PrevLink is the digest of the previous record's canonical encoding,
	// or the prior segment's seal digest (genesis constant for segment 0)
	// for the first record of a segment.
	PrevLink chain.Digest
}

// canonical layout:
//
//	sequence   u64 BE
//	monotonic  u64 BE
//	wall       i64 BE (two's complement)
//	kind       u8
//	prev_link  32 bytes
//	len(load)  u32 BE
//	payload    variable
const canonicalFixed = 8 + 8 + 8 + 1 + 32 + 4

// Canonical returns the record's canonical byte encoding.
func (r *Record) Canonical() []byte {
	buf := make([]byte, canonicalFixed+len(r.Payload))
	binary.BigEndian.PutUint64(buf[0:8], r.Sequence)
	binary.BigEndian.PutUint64(buf[8:16], r.Monotonic)
	binary.BigEndian.PutUint64(buf[16:24], uint64(r.Wall))
	buf[24] = byte(r.Kind)
	copy(buf[25:57], r.PrevLink[:])
	binary.BigEndian.PutUint32(buf[57:61], uint32(len(r.Payload)))
	copy(buf[61:], r.Payload)
	return buf
}

// Decode parses one canonical record from the front of data and returns the
// record and the number of bytes consumed.
func Decode(data []byte) (*Record, int, error) {
	if len(data) < canonicalFixed {
		return nil, 0, ErrTruncated
	}
	plen := binary.BigEndian.Uint32(data[57:61])
	if plen > MaxPayloadSize {
		return nil, 0, ErrPayloadTooLong
	}
	total := canonicalFixed + int(plen)
	if len(data) < total {
		return nil, 0, ErrTruncated
	}

	r := &Record{
		Sequence:  binary.BigEndian.Uint64(data[0:8]),
		Monotonic: binary.BigEndian.Uint64(data[8:16]),
		Wall:      int64(binary.BigEndian.Uint64(data[16:24])),
		Kind:      Kind(data[24]),
	}
	copy(r.PrevLink[:], data[25:57])
	if !r.Kind.Valid() {
		return nil, 0, fmt.Errorf("%w: %d", ErrUnknownKind, data[24])
	}
	if plen > 0 {
		r.Payload = make([]byte, plen)
		copy(r.Payload, data[canonicalFixed:total])
	}
	return r, total, nil
}

// DecodeAll parses a concatenation of canonical records, as stored in a
// segment payload.
func DecodeAll(data []byte) ([]*Record, error) {
	var records []*Record
	for len(data) > 0 {
		r, n, err := Decode(data)
		if err != nil {
			return records, fmt.Errorf("record %d: %w", len(records), err)
		}
		records = append(records, r)
		data = data[n:]
	}
	return records, nil
}
