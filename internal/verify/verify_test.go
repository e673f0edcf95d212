package verify

import (
	"bytes"
	"crypto/ed25519"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"proctord/internal/chain"
	"proctord/internal/event"
	"proctord/internal/keys"
	"proctord/internal/segment"
	"proctord/internal/session"
	"proctord/internal/store"
)

type fixture struct {
	logDir     string
	secretsDir string
	sessionID  string
}

func (f fixture) options() Options {
	return Options{LogDir: f.logDir, SecretsDir: f.secretsDir}
}

// buildLog writes a sealed log with one segment per entry of counts, each
// holding that many keystroke records, sequences continuing across segments.
func buildLog(t *testing.T, counts []int) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{
		logDir:     filepath.Join(dir, "log"),
		secretsDir: filepath.Join(dir, "secrets"),
	}

	km := keys.NewManager(f.secretsDir)
	sess, err := km.StartSession()
	require.NoError(t, err)
	f.sessionID = sess.ID
	require.NoError(t, os.MkdirAll(f.logDir, 0700))
	_, err = sess.ExportPublicKey(f.logDir)
	require.NoError(t, err)

	db, err := store.Open(filepath.Join(f.logDir, "audit.db"))
	require.NoError(t, err)
	defer db.Close()

	prev := chain.Genesis()
	seq := uint64(0)
	mono := uint64(0)
	for id, n := range counts {
		w, err := segment.NewWriter(segment.WriterConfig{
			ID:            uint64(id),
			FirstSequence: seq,
			PrevDigest:    prev,
			Session:       sess,
			MaxRecords:    n + 1,
		})
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			mono++
			payload, err := event.Keystroke(uint32(30+i%40), "down", nil)
			require.NoError(t, err)
			require.NoError(t, w.Append(&event.Record{
				Monotonic: mono,
				Wall:      int64(mono),
				Kind:      event.KindKeystroke,
				Payload:   payload,
			}))
		}
		sealed, err := w.Seal()
		require.NoError(t, err)
		require.NoError(t, db.Persist(sealed))
		prev = chain.Digest(sealed.SealDigest)
		seq = sealed.LastSequence + 1
	}
	return f
}

// rawDB opens the log database directly, the way an attacker editing the
// file out-of-band would.
func rawDB(t *testing.T, f fixture) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(f.logDir, "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// segmentKey replays the ratchet up to and including segmentID and returns
// that segment's key together with its metadata.
func segmentKey(t *testing.T, f fixture, segmentID uint64) ([]byte, store.Meta) {
	t.Helper()
	db, err := store.Open(filepath.Join(f.logDir, "audit.db"))
	require.NoError(t, err)
	defer db.Close()
	metas, err := db.ListMetadata()
	require.NoError(t, err)

	km := keys.NewManager(f.secretsDir)
	ratchet, err := km.ResumeSessionKeys(f.sessionID)
	require.NoError(t, err)

	for _, m := range metas {
		key, err := ratchet.NextSegmentKey(chain.Digest(m.PrevDigest))
		require.NoError(t, err)
		if m.ID == segmentID {
			return key, m
		}
	}
	t.Fatalf("segment %d not found", segmentID)
	return nil, store.Meta{}
}

// flipPayloadByte decrypts a segment, flips one payload byte of the record
// at index, re-encrypts with the correct key and writes the new ciphertext
// back. The AEAD then passes and only the chain can catch the change.
func flipPayloadByte(t *testing.T, f fixture, segmentID uint64, index int) {
	t.Helper()
	key, m := segmentKey(t, f, segmentID)

	db, err := store.Open(filepath.Join(f.logDir, "audit.db"))
	require.NoError(t, err)
	sealed, err := db.Load(segmentID)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	header := chain.SigningBytes(m.ID, chain.Digest(m.SealDigest), chain.Digest(m.PrevDigest))
	plaintext, err := keys.Decrypt(key, sealed.Nonce, sealed.Ciphertext, header)
	require.NoError(t, err)
	records, err := event.DecodeAll(plaintext)
	require.NoError(t, err)

	records[index].Payload[0] ^= 0x01
	var rebuilt []byte
	for _, rec := range records {
		rebuilt = append(rebuilt, rec.Canonical()...)
	}
	nonce, ciphertext, err := keys.Encrypt(key, rebuilt, header)
	require.NoError(t, err)

	raw := rawDB(t, f)
	_, err = raw.Exec(`UPDATE segment_payloads SET nonce = ?, ciphertext = ? WHERE id = ?`,
		nonce, ciphertext, int64(segmentID))
	require.NoError(t, err)
}

func TestCleanLogVerifiesValid(t *testing.T) {
	f := buildLog(t, []int{1000, 501})

	report, err := Verify(f.options())
	require.NoError(t, err)
	require.Equal(t, ResultValid, report.Result)
	require.Equal(t, 2, report.Segments)
	require.Equal(t, uint64(1501), report.Records)
	require.Empty(t, report.Violations)
	require.Equal(t, []string{f.sessionID}, report.Sessions)
	require.Equal(t, 0, report.ExitCode())
}

func TestFlippedPayloadByteLocalizedToRecord(t *testing.T) {
	f := buildLog(t, []int{1000, 501})
	flipPayloadByte(t, f, 0, 500)

	report, err := Verify(f.options())
	require.NoError(t, err)
	require.Equal(t, ResultTampered, report.Result)
	require.Equal(t, 1, report.ExitCode())

	found := false
	for _, v := range report.Violations {
		if v.Kind == ChainBroken && v.SegmentID == 0 && v.Record == 500 {
			found = true
		}
	}
	require.True(t, found, "expected ChainBroken at segment 0 record 500, got %+v", report.Violations)
}

func TestFlippedByteInFinalRecord(t *testing.T) {
	f := buildLog(t, []int{10})
	flipPayloadByte(t, f, 0, 9)

	report, err := Verify(f.options())
	require.NoError(t, err)
	require.Equal(t, ResultTampered, report.Result)

	found := false
	for _, v := range report.Violations {
		if v.Kind == ChainBroken && v.SegmentID == 0 && v.Record == 9 {
			found = true
		}
	}
	require.True(t, found, "violations: %+v", report.Violations)
}

func TestRawCiphertextTamperIsPayloadCorrupt(t *testing.T) {
	f := buildLog(t, []int{20})

	raw := rawDB(t, f)
	var ct []byte
	require.NoError(t, raw.QueryRow(`SELECT ciphertext FROM segment_payloads WHERE id = 0`).Scan(&ct))
	ct[len(ct)/2] ^= 0xFF
	_, err := raw.Exec(`UPDATE segment_payloads SET ciphertext = ? WHERE id = 0`, ct)
	require.NoError(t, err)

	report, err := Verify(f.options())
	require.NoError(t, err)
	require.Equal(t, ResultTampered, report.Result)
	require.Equal(t, PayloadCorrupt, report.Violations[0].Kind)
}

func TestDeletedSegmentIsAGap(t *testing.T) {
	f := buildLog(t, []int{50, 50, 50})

	raw := rawDB(t, f)
	_, err := raw.Exec(`DELETE FROM segments WHERE id = 1`)
	require.NoError(t, err)
	_, err = raw.Exec(`DELETE FROM segment_payloads WHERE id = 1`)
	require.NoError(t, err)

	report, err := Verify(f.options())
	require.NoError(t, err)
	require.Equal(t, ResultTampered, report.Result)

	kinds := violationKinds(report)
	require.Contains(t, kinds, SegmentGap)
	require.Contains(t, kinds, SegmentLinkBroken)

	// The gap violation names the missing segment, once.
	var gaps []Violation
	for _, v := range report.Violations {
		if v.Kind == SegmentGap {
			gaps = append(gaps, v)
		}
	}
	require.Len(t, gaps, 1)
	require.Equal(t, uint64(1), gaps[0].SegmentID)
}

func TestUnreadablePayloadDoesNotCascade(t *testing.T) {
	f := buildLog(t, []int{50, 50, 50})

	// The index row survives but the ciphertext is gone; only this segment
	// may be reported, the neighbours still decrypt with their own keys.
	raw := rawDB(t, f)
	_, err := raw.Exec(`DELETE FROM segment_payloads WHERE id = 1`)
	require.NoError(t, err)

	report, err := Verify(f.options())
	require.NoError(t, err)
	require.Equal(t, ResultTampered, report.Result)

	require.Len(t, report.Violations, 1)
	require.Equal(t, PayloadCorrupt, report.Violations[0].Kind)
	require.Equal(t, uint64(1), report.Violations[0].SegmentID)
}

func TestReorderedSegmentsBreakTheLink(t *testing.T) {
	f := buildLog(t, []int{50, 50})

	// Swap the ids of the two segments.
	raw := rawDB(t, f)
	for _, stmt := range []string{
		`UPDATE segments SET id = 99 WHERE id = 0`,
		`UPDATE segment_payloads SET id = 99 WHERE id = 0`,
		`UPDATE segments SET id = 0 WHERE id = 1`,
		`UPDATE segment_payloads SET id = 0 WHERE id = 1`,
		`UPDATE segments SET id = 1 WHERE id = 99`,
		`UPDATE segment_payloads SET id = 1 WHERE id = 99`,
	} {
		_, err := raw.Exec(stmt)
		require.NoError(t, err)
	}

	report, err := Verify(f.options())
	require.NoError(t, err)
	require.Equal(t, ResultTampered, report.Result)
	require.Contains(t, violationKinds(report), SegmentLinkBroken)
}

func TestResignWithForeignKeyStillInvalid(t *testing.T) {
	f := buildLog(t, []int{30})

	// The attacker rewrites a seal digest and re-signs the header with a
	// keypair of their own. The published key still wins.
	_, attackerPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	raw := rawDB(t, f)
	var prev, seal []byte
	require.NoError(t, raw.QueryRow(`SELECT prev_digest, seal_digest FROM segments WHERE id = 0`).Scan(&prev, &seal))

	forged := make([]byte, len(seal))
	copy(forged, seal)
	forged[0] ^= 0xFF
	var prevD, forgedD chain.Digest
	copy(prevD[:], prev)
	copy(forgedD[:], forged)
	header := chain.SigningBytes(0, forgedD, prevD)
	sig := ed25519.Sign(attackerPriv, header)

	_, err = raw.Exec(`UPDATE segments SET seal_digest = ?, signature = ? WHERE id = 0`, forged, sig)
	require.NoError(t, err)

	report, err := Verify(f.options())
	require.NoError(t, err)
	require.Equal(t, ResultTampered, report.Result)
	require.Contains(t, violationKinds(report), SignatureInvalid)
}

func TestAbandonedTailIsIncompleteNotTampered(t *testing.T) {
	f := buildLog(t, []int{40})

	db, err := store.Open(filepath.Join(f.logDir, "audit.db"))
	require.NoError(t, err)
	require.NoError(t, db.MarkOpen(1, f.sessionID, 40, 123))
	require.NoError(t, db.Close())

	report, err := Verify(f.options())
	require.NoError(t, err)
	require.Equal(t, ResultIncomplete, report.Result)
	require.Equal(t, 2, report.ExitCode())
	require.Len(t, report.Violations, 1)
	require.Equal(t, IncompleteTail, report.Violations[0].Kind)
}

func TestReportIsByteIdenticalAcrossRuns(t *testing.T) {
	f := buildLog(t, []int{25, 25})

	r1, err := Verify(f.options())
	require.NoError(t, err)
	r2, err := Verify(f.options())
	require.NoError(t, err)

	j1, err := r1.JSON()
	require.NoError(t, err)
	j2, err := r2.JSON()
	require.NoError(t, err)
	require.True(t, bytes.Equal(j1, j2), "reports differ:\n%s\n%s", j1, j2)
	require.Equal(t, r1.Text(true), r2.Text(true))
}

func TestExplicitPublicKeyOverride(t *testing.T) {
	f := buildLog(t, []int{10})

	// Verifying against an unrelated key must fail every signature.
	otherPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "other.pub")
	require.NoError(t, os.WriteFile(keyPath, otherPub, 0644))

	opts := f.options()
	opts.PublicKeyPath = keyPath
	report, err := Verify(opts)
	require.NoError(t, err)
	require.Equal(t, ResultTampered, report.Result)
	require.Contains(t, violationKinds(report), SignatureInvalid)
}

func TestExportRequiresValidLog(t *testing.T) {
	f := buildLog(t, []int{15, 5})

	var out bytes.Buffer
	report, err := ExportCSV(f.options(), &out)
	require.NoError(t, err)
	require.Equal(t, ResultValid, report.Result)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 21, "header plus 20 records")
	require.Equal(t, "segment,sequence,kind,monotonic_ns,wall_ns,payload", lines[0])
	require.True(t, strings.HasPrefix(lines[1], "0,0,keystroke,"))

	// A tampered log must refuse to export.
	flipPayloadByte(t, f, 0, 3)
	out.Reset()
	_, err = ExportCSV(f.options(), &out)
	require.ErrorIs(t, err, ErrNotVerified)
	require.Zero(t, out.Len(), "no rows may leak from a tampered log")
}

// TestLiveSessionLogVerifies drives the real writer path end to end: a
// session with rotation, mixed event kinds and a clean shutdown must leave
// a log the independent verifier accepts.
func TestLiveSessionLogVerifies(t *testing.T) {
	dir := t.TempDir()
	cfg := session.Config{
		LogDir:            filepath.Join(dir, "log"),
		SecretsDir:        filepath.Join(dir, "secrets"),
		MaxSegmentRecords: 8,
	}
	sess, err := session.Open(cfg)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		payload, err := event.Keystroke(uint32(30+i), "down", []string{"shift"})
		require.NoError(t, err)
		require.NoError(t, sess.Submit(event.KindKeystroke, payload))
	}
	fp, err := event.Focus("editor", 4211, strings.Repeat("9f", 32), 1500)
	require.NoError(t, err)
	require.NoError(t, sess.Submit(event.KindFocus, fp))
	cp, err := event.Clipboard(42, "text", sess.SaltedDigest([]byte("x")))
	require.NoError(t, err)
	require.NoError(t, sess.Submit(event.KindClipboard, cp))
	require.NoError(t, sess.Close())

	report, err := Verify(Options{LogDir: cfg.LogDir, SecretsDir: cfg.SecretsDir})
	require.NoError(t, err)
	require.Equal(t, ResultValid, report.Result, "violations: %+v", report.Violations)
	require.True(t, report.Segments >= 3, "rotation should have produced several segments")
	// 22 submitted + session_start + session_end.
	require.Equal(t, uint64(24), report.Records)
}

func violationKinds(r *Report) []ViolationKind {
	kinds := make([]ViolationKind, 0, len(r.Violations))
	for _, v := range r.Violations {
		kinds = append(kinds, v.Kind)
	}
	return kinds
}
