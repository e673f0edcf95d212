// Package segment implements the bounded, sealable batches of event records
// that make up the audit log.
//
// A segment moves through OPEN -> SEALING -> SEALED and never regresses.
// While OPEN it is exclusively owned by its Writer; sealing computes the
// seal digest, signs (segment_id, seal_digest, prev_segment_digest) and
// encrypts the record buffer, producing an immutable Sealed value whose
// ownership passes to the store.
package segment

import (
	"crypto/ed25519"
	"errors"
)

// State is the lifecycle state of a segment.
type State uint8

const (
	StateOpen State = iota
	StateSealing
	StateSealed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateSealing:
		return "SEALING"
	case StateSealed:
		return "SEALED"
	default:
		return "UNKNOWN"
	}
}

// Errors
var (
	ErrInvalidState      = errors.New("segment: operation invalid in current state")
	ErrSegmentSealed     = errors.New("segment: segment is sealed")
	ErrSequenceViolation = errors.New("segment: non-increasing monotonic timestamp")
	ErrEmptySegment      = errors.New("segment: cannot seal empty segment")
)

// Sealed is a finalized, encrypted, signed segment. Immutable.
type Sealed struct {
	// ID is the strictly increasing segment number.
	ID uint64

	// SessionID identifies the key-derivation session.
	SessionID string

	// PublicKey is the session's Ed25519 public key, recorded for
	// self-description; verification always uses the published key.
	PublicKey ed25519.PublicKey

	// PrevDigest is the seal digest of the previous segment (genesis
	// constant for segment 0).
	PrevDigest [32]byte

	// SealDigest commits to the full ordered record sequence.
	SealDigest [32]byte

	// Signature is Ed25519 over the canonical (id, seal, prev) encoding.
	Signature []byte

	// Nonce and Ciphertext are the AEAD-encrypted record buffer.
	Nonce      []byte
	Ciphertext []byte

	// Record bookkeeping, covered by the seal digest via the chain.
	RecordCount   uint64
	FirstSequence uint64
	LastSequence  uint64
	FirstWall     int64
	LastWall      int64

	// ClockRegressions counts records whose wall clock ran backwards.
	// Advisory only; monotonic timestamps are the ordering authority.
	ClockRegressions int
}
