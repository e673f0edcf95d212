// Package verify implements the independent auditor of a proctord log. It
// only reads: it lists sealed segments, checks ordering and cross-segment
// links, verifies signatures against the published session keys, decrypts
// each segment and replays the record chain, localizing the first point of
// divergence. It never fails closed; whatever it finds becomes a report.
package verify

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"proctord/internal/chain"
	"proctord/internal/event"
	"proctord/internal/keys"
	"proctord/internal/store"
)

// Result classifies a verification run.
type Result string

const (
	ResultValid      Result = "VALID"
	ResultTampered   Result = "TAMPERED"
	ResultIncomplete Result = "INCOMPLETE"
)

// ViolationKind names a specific integrity finding.
type ViolationKind string

const (
	ChainBroken       ViolationKind = "ChainBroken"
	SignatureInvalid  ViolationKind = "SignatureInvalid"
	SegmentLinkBroken ViolationKind = "SegmentLinkBroken"
	SegmentGap        ViolationKind = "SegmentGap"
	IncompleteTail    ViolationKind = "IncompleteTail"
	PayloadCorrupt    ViolationKind = "PayloadCorrupt"
)

// tampered reports whether a violation implies active tampering rather than
// an interrupted writer.
func (k ViolationKind) tampered() bool {
	return k != IncompleteTail
}

// Violation is one finding with its coordinates. Record is the index within
// the segment, or -1 when the finding is not record-granular.
type Violation struct {
	Kind      ViolationKind `json:"kind"`
	SegmentID uint64        `json:"segment_id"`
	Record    int64         `json:"record"`
	Detail    string        `json:"detail"`
}

// Report is the outcome of one verification run. It contains no wall-clock
// fields: verifying an unmodified log twice yields identical reports.
type Report struct {
	Result           Result      `json:"result"`
	Segments         int         `json:"segments"`
	Records          uint64      `json:"records"`
	Sessions         []string    `json:"sessions"`
	Violations       []Violation `json:"violations"`
	ClockRegressions int         `json:"clock_regressions"`
}

// Options parameterize a verification run.
type Options struct {
	// LogDir holds the database and the published session public keys.
	LogDir string

	// SecretsDir holds the master key needed to replay the segment key
	// ratchet for decryption.
	SecretsDir string

	// PublicKeyPath, when set, overrides the published per-session keys
	// and is used for every signature check.
	PublicKeyPath string
}

// Verify runs the full algorithm and returns the report. An error is
// returned only when the log cannot be opened at all; every integrity
// problem is a violation inside the report instead.
func Verify(opts Options) (*Report, error) {
	report, _, err := run(opts)
	return report, err
}

// decryptedSegment pairs a segment's metadata with its decrypted records.
// Records is nil when the segment could not be decrypted or its chain broke.
type decryptedSegment struct {
	meta    store.Meta
	records []*event.Record
}

func run(opts Options) (*Report, []decryptedSegment, error) {
	db, err := store.Open(filepath.Join(opts.LogDir, "audit.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open log: %w", err)
	}
	defer db.Close()

	metas, err := db.ListMetadata()
	if err != nil {
		return nil, nil, fmt.Errorf("list segments: %w", err)
	}
	markers, err := db.AbandonedMarkers()
	if err != nil {
		return nil, nil, fmt.Errorf("list markers: %w", err)
	}

	v := &verifier{
		opts:     opts,
		db:       db,
		pubkeys:  make(map[string][]byte),
		ratchets: make(map[string]*keys.Session),
	}

	report := &Report{}
	var decrypted []decryptedSegment

	// Pass 1: metadata only. Ordering, gaps, links and signatures are
	// checkable without touching any ciphertext.
	sessions := map[string]bool{}
	prevSeal := chain.Genesis()
	nextID := uint64(0)
	for _, m := range metas {
		sessions[m.SessionID] = true
		report.Records += m.RecordCount
		report.ClockRegressions += m.ClockRegressions

		// The violation carries the missing id, not the position it was
		// noticed at, and the expectation resynchronizes on the found id
		// so one hole is one finding.
		if m.ID != nextID {
			report.add(SegmentGap, nextID, -1,
				fmt.Sprintf("segment %d missing, next sealed segment is %d", nextID, m.ID))
		}
		nextID = m.ID + 1
		if chain.Digest(m.PrevDigest) != prevSeal {
			report.add(SegmentLinkBroken, m.ID, -1,
				"prev_segment_digest does not match preceding seal")
		}
		prevSeal = chain.Digest(m.SealDigest)

		v.checkSignature(report, m)
	}
	report.Segments = len(metas)
	for sid := range sessions {
		report.Sessions = append(report.Sessions, sid)
	}
	sort.Strings(report.Sessions)

	// Pass 2: decrypt and replay the record chain per segment.
	for _, m := range metas {
		records := v.replaySegment(report, m)
		decrypted = append(decrypted, decryptedSegment{meta: m, records: records})
	}

	// An open marker with no sealed segment is an interrupted writer, not
	// tampering.
	for _, marker := range markers {
		report.add(IncompleteTail, marker.ID, -1,
			fmt.Sprintf("segment %d was opened by session %s but never sealed",
				marker.ID, marker.SessionID))
	}

	report.finalize()
	return report, decrypted, nil
}

type verifier struct {
	opts     Options
	db       *store.Store
	pubkeys  map[string][]byte
	ratchets map[string]*keys.Session
}

// publicKey resolves the key for a session: the explicit override when
// given, otherwise the <session-id>.pub file published beside the log.
// The key recorded inside the segment row is deliberately never used.
func (v *verifier) publicKey(sessionID string) ([]byte, error) {
	if cached, ok := v.pubkeys[sessionID]; ok {
		if cached == nil {
			return nil, errors.New("public key unavailable")
		}
		return cached, nil
	}
	path := v.opts.PublicKeyPath
	if path == "" {
		path = filepath.Join(v.opts.LogDir, sessionID+".pub")
	}
	pub, err := keys.LoadPublicKey(path)
	if err != nil {
		v.pubkeys[sessionID] = nil
		return nil, err
	}
	v.pubkeys[sessionID] = pub
	return pub, nil
}

func (v *verifier) checkSignature(report *Report, m store.Meta) {
	pub, err := v.publicKey(m.SessionID)
	if err != nil {
		report.add(SignatureInvalid, m.ID, -1,
			fmt.Sprintf("no usable public key for session %s: %v", m.SessionID, err))
		return
	}
	header := chain.SigningBytes(m.ID, chain.Digest(m.SealDigest), chain.Digest(m.PrevDigest))
	if !keys.Verify(pub, header, m.Signature) {
		report.add(SignatureInvalid, m.ID, -1,
			"signature does not verify under the published public key")
	}
}

// ratchet returns the session's key ratchet, replaying from the master key
// on first use. Segments are processed in id order, so calling
// NextSegmentKey once per segment keeps the verifier in step with the
// writer.
func (v *verifier) ratchet(sessionID string) (*keys.Session, error) {
	if r, ok := v.ratchets[sessionID]; ok {
		return r, nil
	}
	km := keys.NewManager(v.opts.SecretsDir)
	r, err := km.ResumeSessionKeys(sessionID)
	if err != nil {
		return nil, err
	}
	v.ratchets[sessionID] = r
	return r, nil
}

// replaySegment decrypts one segment and replays its chain, reporting the
// first divergent record. Returns the decoded records when the chain held.
func (v *verifier) replaySegment(report *Report, m store.Meta) []*event.Record {
	// The ratchet advances exactly once per segment, before any early
	// return, so a single unreadable segment cannot desync the keys of
	// every later segment in the session.
	ratchet, err := v.ratchet(m.SessionID)
	if err != nil {
		report.add(PayloadCorrupt, m.ID, -1, fmt.Sprintf("cannot derive segment key: %v", err))
		return nil
	}
	key, err := ratchet.NextSegmentKey(chain.Digest(m.PrevDigest))
	if err != nil {
		report.add(PayloadCorrupt, m.ID, -1, fmt.Sprintf("cannot derive segment key: %v", err))
		return nil
	}

	sealed, err := v.db.Load(m.ID)
	if err != nil {
		report.add(PayloadCorrupt, m.ID, -1, fmt.Sprintf("payload unavailable: %v", err))
		return nil
	}

	header := chain.SigningBytes(m.ID, chain.Digest(m.SealDigest), chain.Digest(m.PrevDigest))
	plaintext, err := keys.Decrypt(key, sealed.Nonce, sealed.Ciphertext, header)
	if err != nil {
		report.add(PayloadCorrupt, m.ID, -1, "ciphertext fails authenticated decryption")
		return nil
	}

	records, err := event.DecodeAll(plaintext)
	if err != nil {
		report.add(PayloadCorrupt, m.ID, -1, fmt.Sprintf("record decoding failed: %v", err))
		return nil
	}
	if uint64(len(records)) != m.RecordCount {
		report.add(ChainBroken, m.ID, -1,
			fmt.Sprintf("segment holds %d records, metadata claims %d", len(records), m.RecordCount))
		return nil
	}

	running := chain.Digest(m.PrevDigest)
	expectSeq := m.FirstSequence
	for i, rec := range records {
		if rec.PrevLink != running {
			// A mismatch observed through record i's link means the bytes
			// of record i-1 diverged; for i == 0 the record itself carries
			// a bad link.
			at := int64(i) - 1
			if at < 0 {
				at = 0
			}
			report.add(ChainBroken, m.ID, at,
				fmt.Sprintf("chain diverges at record %d", at))
			return nil
		}
		if rec.Sequence != expectSeq {
			report.add(ChainBroken, m.ID, int64(i),
				fmt.Sprintf("sequence %d where %d expected", rec.Sequence, expectSeq))
			return nil
		}
		running = chain.Link(running, rec.Canonical())
		expectSeq++
	}
	if recomputed := chain.Seal(m.ID, m.RecordCount, running); recomputed != chain.Digest(m.SealDigest) {
		// Every interior link held, so the divergence is in the final
		// record (or the stored seal itself).
		report.add(ChainBroken, m.ID, int64(m.RecordCount)-1,
			"recomputed seal digest does not match stored seal digest")
		return nil
	}
	return records
}

func (r *Report) add(kind ViolationKind, segmentID uint64, record int64, detail string) {
	r.Violations = append(r.Violations, Violation{
		Kind:      kind,
		SegmentID: segmentID,
		Record:    record,
		Detail:    detail,
	})
}

// finalize orders violations deterministically and derives the result.
// IncompleteTail alone downgrades to INCOMPLETE; anything else is TAMPERED.
func (r *Report) finalize() {
	sort.SliceStable(r.Violations, func(i, j int) bool {
		a, b := r.Violations[i], r.Violations[j]
		if a.SegmentID != b.SegmentID {
			return a.SegmentID < b.SegmentID
		}
		if a.Record != b.Record {
			return a.Record < b.Record
		}
		return a.Kind < b.Kind
	})

	r.Result = ResultValid
	for _, v := range r.Violations {
		if v.Kind.tampered() {
			r.Result = ResultTampered
			return
		}
		r.Result = ResultIncomplete
	}
}
