package segment

import (
	"fmt"
	"time"

	"proctord/internal/chain"
	"proctord/internal/event"
	"proctord/internal/keys"
)

// WriterConfig parameterizes a segment writer.
type WriterConfig struct {
	// ID is the segment number to write.
	ID uint64

	// FirstSequence is the log-wide sequence assigned to the first record.
	FirstSequence uint64

	// PrevDigest is the seal digest of the previous segment, or the
	// genesis constant for the first segment of the log.
	PrevDigest chain.Digest

	// Session supplies signing and the segment-key ratchet.
	Session *keys.Session

	// MaxRecords triggers rotation by size.
	MaxRecords int

	// MaxOpenDuration triggers rotation by age.
	MaxOpenDuration time.Duration
}

// Writer exclusively owns one OPEN segment and appends records to it
// sequentially. Not safe for concurrent use; the session's drain loop is
// the single caller.
type Writer struct {
	cfg   WriterConfig
	state State

	key       []byte // segment AEAD key from the session ratchet
	buf       []byte // concatenated canonical records
	last      chain.Digest
	nextSeq   uint64
	lastMono  uint64
	lastWall  int64
	count     uint64
	firstWall int64
	openedAt  time.Time

	clockRegressions int
}

// NewWriter opens a new segment and advances the session key ratchet.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if cfg.MaxRecords <= 0 {
		return nil, fmt.Errorf("segment: MaxRecords must be positive, got %d", cfg.MaxRecords)
	}
	key, err := cfg.Session.NextSegmentKey(cfg.PrevDigest)
	if err != nil {
		return nil, fmt.Errorf("derive segment key: %w", err)
	}
	return &Writer{
		cfg:      cfg,
		state:    StateOpen,
		key:      key,
		last:     cfg.PrevDigest,
		nextSeq:  cfg.FirstSequence,
		openedAt: time.Now(),
	}, nil
}

// ID returns the segment number.
func (w *Writer) ID() uint64 { return w.cfg.ID }

// State returns the current lifecycle state.
func (w *Writer) State() State { return w.state }

// Len returns the number of appended records.
func (w *Writer) Len() int { return int(w.count) }

// NextSequence returns the sequence the next appended record will receive.
func (w *Writer) NextSequence() uint64 { return w.nextSeq }

// ClockRegressions returns how many appended records had a wall clock
// earlier than their predecessor.
func (w *Writer) ClockRegressions() int { return w.clockRegressions }

// Append assigns the next sequence number and chain link to rec and adds it
// to the open segment. Valid only in OPEN state. A strictly decreasing
// monotonic timestamp is rejected; a wall-clock regression is flagged but
// accepted, since sequence numbers are the ordering authority.
func (w *Writer) Append(rec *event.Record) error {
	switch w.state {
	case StateOpen:
	case StateSealed:
		return ErrSegmentSealed
	default:
		return fmt.Errorf("%w: %s", ErrInvalidState, w.state)
	}
	if !rec.Kind.Valid() {
		return fmt.Errorf("%w: %d", event.ErrUnknownKind, rec.Kind)
	}
	if w.count > 0 && rec.Monotonic < w.lastMono {
		return fmt.Errorf("%w: %d after %d", ErrSequenceViolation, rec.Monotonic, w.lastMono)
	}

	rec.Sequence = w.nextSeq
	rec.PrevLink = w.last

	canonical := rec.Canonical()
	w.last = chain.Link(w.last, canonical)
	w.buf = append(w.buf, canonical...)

	if w.count == 0 {
		w.firstWall = rec.Wall
	} else if rec.Wall < w.lastWall {
		w.clockRegressions++
	}
	w.lastWall = rec.Wall
	w.lastMono = rec.Monotonic
	w.nextSeq++
	w.count++
	return nil
}

// ShouldRotate reports whether a rotation trigger has fired: the record
// threshold or the open-duration threshold, whichever comes first. Empty
// segments never rotate.
func (w *Writer) ShouldRotate(now time.Time) bool {
	if w.state != StateOpen || w.count == 0 {
		return false
	}
	if int(w.count) >= w.cfg.MaxRecords {
		return true
	}
	return w.cfg.MaxOpenDuration > 0 && now.Sub(w.openedAt) >= w.cfg.MaxOpenDuration
}

// Seal finalizes the segment: OPEN -> SEALING -> SEALED. It computes the
// seal digest over the full ordered record buffer, signs it together with
// the segment id and previous seal, and encrypts the buffer with the
// segment key under a fresh nonce. After Seal no Append succeeds.
func (w *Writer) Seal() (*Sealed, error) {
	if w.state != StateOpen {
		if w.state == StateSealed {
			return nil, ErrSegmentSealed
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, w.state)
	}
	if w.count == 0 {
		return nil, ErrEmptySegment
	}
	w.state = StateSealing

	sealDigest := chain.Seal(w.cfg.ID, w.count, w.last)
	header := chain.SigningBytes(w.cfg.ID, sealDigest, w.cfg.PrevDigest)
	signature := w.cfg.Session.Sign(header)

	nonce, ciphertext, err := keys.Encrypt(w.key, w.buf, header)
	if err != nil {
		return nil, fmt.Errorf("encrypt segment %d: %w", w.cfg.ID, err)
	}

	sealed := &Sealed{
		ID:               w.cfg.ID,
		SessionID:        w.cfg.Session.ID,
		PublicKey:        w.cfg.Session.PublicKey(),
		PrevDigest:       w.cfg.PrevDigest,
		SealDigest:       sealDigest,
		Signature:        signature,
		Nonce:            nonce,
		Ciphertext:       ciphertext,
		RecordCount:      w.count,
		FirstSequence:    w.cfg.FirstSequence,
		LastSequence:     w.nextSeq - 1,
		FirstWall:        w.firstWall,
		LastWall:         w.lastWall,
		ClockRegressions: w.clockRegressions,
	}

	w.state = StateSealed
	w.buf = nil
	w.key = nil
	return sealed, nil
}
