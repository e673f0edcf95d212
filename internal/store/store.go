// Package store persists sealed segments in a SQLite database beside the
// exported public keys. The database is the durable form of the audit log:
// metadata rows describe the segment chain, payload rows hold the encrypted
// record buffers, and an open-segment marker records in-flight segments so a
// crash leaves detectable evidence instead of a silent gap.
package store

import (
	"crypto/ed25519"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"

	"proctord/internal/segment"
)

const schema = `
CREATE TABLE IF NOT EXISTS segments (
    id                INTEGER PRIMARY KEY,
    session_id        TEXT NOT NULL,
    public_key        BLOB NOT NULL,
    prev_digest       BLOB NOT NULL,
    seal_digest       BLOB NOT NULL,
    signature         BLOB NOT NULL,
    record_count      INTEGER NOT NULL,
    first_sequence    INTEGER NOT NULL,
    last_sequence     INTEGER NOT NULL,
    first_wall        INTEGER NOT NULL,
    last_wall         INTEGER NOT NULL,
    clock_regressions INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS segment_payloads (
    id          INTEGER PRIMARY KEY REFERENCES segments(id),
    nonce       BLOB NOT NULL,
    ciphertext  BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS open_segments (
    id              INTEGER PRIMARY KEY,
    session_id      TEXT NOT NULL,
    first_sequence  INTEGER NOT NULL,
    opened_at       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_segments_session ON segments(session_id, id);
`

// Errors
var (
	ErrNotFound     = errors.New("store: segment not found")
	ErrDuplicate    = errors.New("store: segment id already persisted")
	ErrBadDigestLen = errors.New("store: digest column has wrong length")
)

// Meta is the metadata row of a sealed segment, without its payload.
type Meta struct {
	ID               uint64
	SessionID        string
	PublicKey        ed25519.PublicKey
	PrevDigest       [32]byte
	SealDigest       [32]byte
	Signature        []byte
	RecordCount      uint64
	FirstSequence    uint64
	LastSequence     uint64
	FirstWall        int64
	LastWall         int64
	ClockRegressions int
}

// OpenMarker records a segment that was opened but never sealed.
type OpenMarker struct {
	ID            uint64
	SessionID     string
	FirstSequence uint64
	OpenedAt      int64
}

// Store is a SQLite-backed segment store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. The file is created with 0600
// permissions and WAL journaling.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	// SQLite creates the file with default permissions; pre-create it
	// restrictively so the log is never world readable.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("create database file: %w", err)
	}
	f.Close()

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// MarkOpen records that a segment has been opened and is accumulating
// records. The marker is removed atomically when the segment is persisted,
// so a surviving marker means the process died with an unsealed tail.
func (s *Store) MarkOpen(id uint64, sessionID string, firstSequence uint64, openedAt int64) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO open_segments (id, session_id, first_sequence, opened_at)
		VALUES (?, ?, ?, ?)`,
		int64(id), sessionID, int64(firstSequence), openedAt,
	)
	if err != nil {
		return fmt.Errorf("mark segment %d open: %w", id, err)
	}
	return nil
}

// Persist stores a sealed segment and clears its open marker in one
// transaction. Either the segment is fully durable or nothing changed.
func (s *Store) Persist(sealed *segment.Sealed) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin persist: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO segments (id, session_id, public_key, prev_digest, seal_digest, signature,
			record_count, first_sequence, last_sequence, first_wall, last_wall, clock_regressions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(sealed.ID), sealed.SessionID, []byte(sealed.PublicKey),
		sealed.PrevDigest[:], sealed.SealDigest[:], sealed.Signature,
		int64(sealed.RecordCount), int64(sealed.FirstSequence), int64(sealed.LastSequence),
		sealed.FirstWall, sealed.LastWall, sealed.ClockRegressions,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %d", ErrDuplicate, sealed.ID)
		}
		return fmt.Errorf("insert segment %d: %w", sealed.ID, err)
	}

	_, err = tx.Exec(`INSERT INTO segment_payloads (id, nonce, ciphertext) VALUES (?, ?, ?)`,
		int64(sealed.ID), sealed.Nonce, sealed.Ciphertext)
	if err != nil {
		return fmt.Errorf("insert payload %d: %w", sealed.ID, err)
	}

	if _, err := tx.Exec(`DELETE FROM open_segments WHERE id = ?`, int64(sealed.ID)); err != nil {
		return fmt.Errorf("clear open marker %d: %w", sealed.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit segment %d: %w", sealed.ID, err)
	}
	return nil
}

// Load reads a full sealed segment, payload included.
func (s *Store) Load(id uint64) (*segment.Sealed, error) {
	row := s.db.QueryRow(`
		SELECT s.id, s.session_id, s.public_key, s.prev_digest, s.seal_digest, s.signature,
		       s.record_count, s.first_sequence, s.last_sequence, s.first_wall, s.last_wall,
		       s.clock_regressions, p.nonce, p.ciphertext
		FROM segments s JOIN segment_payloads p ON p.id = s.id
		WHERE s.id = ?`, int64(id))

	var (
		sealed                   segment.Sealed
		sid                      int64
		count, firstSeq, lastSeq int64
		prev, seal               []byte
	)
	err := row.Scan(&sid, &sealed.SessionID, (*[]byte)(&sealed.PublicKey), &prev, &seal,
		&sealed.Signature, &count, &firstSeq, &lastSeq, &sealed.FirstWall, &sealed.LastWall,
		&sealed.ClockRegressions, &sealed.Nonce, &sealed.Ciphertext)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load segment %d: %w", id, err)
	}

	sealed.ID = uint64(sid)
	sealed.RecordCount = uint64(count)
	sealed.FirstSequence = uint64(firstSeq)
	sealed.LastSequence = uint64(lastSeq)
	if err := copyDigest(&sealed.PrevDigest, prev); err != nil {
		return nil, err
	}
	if err := copyDigest(&sealed.SealDigest, seal); err != nil {
		return nil, err
	}
	return &sealed, nil
}

// ListMetadata returns the metadata of every sealed segment in id order.
func (s *Store) ListMetadata() ([]Meta, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, public_key, prev_digest, seal_digest, signature,
		       record_count, first_sequence, last_sequence, first_wall, last_wall, clock_regressions
		FROM segments ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	var metas []Meta
	for rows.Next() {
		var (
			m                            Meta
			id, count, firstSeq, lastSeq int64
			prev, seal                   []byte
		)
		err := rows.Scan(&id, &m.SessionID, (*[]byte)(&m.PublicKey), &prev, &seal, &m.Signature,
			&count, &firstSeq, &lastSeq, &m.FirstWall, &m.LastWall, &m.ClockRegressions)
		if err != nil {
			return nil, fmt.Errorf("scan segment row: %w", err)
		}
		m.ID = uint64(id)
		m.RecordCount = uint64(count)
		m.FirstSequence = uint64(firstSeq)
		m.LastSequence = uint64(lastSeq)
		if err := copyDigest(&m.PrevDigest, prev); err != nil {
			return nil, err
		}
		if err := copyDigest(&m.SealDigest, seal); err != nil {
			return nil, err
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// LastSealed returns the metadata of the highest sealed segment, or
// ErrNotFound when the log is empty.
func (s *Store) LastSealed() (*Meta, error) {
	metas, err := s.ListMetadata()
	if err != nil {
		return nil, err
	}
	if len(metas) == 0 {
		return nil, ErrNotFound
	}
	return &metas[len(metas)-1], nil
}

// AbandonedMarkers returns open-segment markers left behind by a previous
// run, oldest first. A marker whose id was never persisted is evidence of
// an incomplete tail.
func (s *Store) AbandonedMarkers() ([]OpenMarker, error) {
	rows, err := s.db.Query(`
		SELECT o.id, o.session_id, o.first_sequence, o.opened_at
		FROM open_segments o
		LEFT JOIN segments s ON s.id = o.id
		WHERE s.id IS NULL
		ORDER BY o.id`)
	if err != nil {
		return nil, fmt.Errorf("list open markers: %w", err)
	}
	defer rows.Close()

	var markers []OpenMarker
	for rows.Next() {
		var m OpenMarker
		var id, firstSeq int64
		if err := rows.Scan(&id, &m.SessionID, &firstSeq, &m.OpenedAt); err != nil {
			return nil, fmt.Errorf("scan open marker: %w", err)
		}
		m.ID = uint64(id)
		m.FirstSequence = uint64(firstSeq)
		markers = append(markers, m)
	}
	return markers, rows.Err()
}

// ClearMarker removes an open-segment marker. Called when a new writer
// adopts the abandoned id so the evidence is not double counted.
func (s *Store) ClearMarker(id uint64) error {
	if _, err := s.db.Exec(`DELETE FROM open_segments WHERE id = ?`, int64(id)); err != nil {
		return fmt.Errorf("clear marker %d: %w", id, err)
	}
	return nil
}

func copyDigest(dst *[32]byte, src []byte) error {
	if len(src) != len(dst) {
		return fmt.Errorf("%w: %d bytes", ErrBadDigestLen, len(src))
	}
	copy(dst[:], src)
	return nil
}

func isUniqueViolation(err error) bool {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code == sqlite3.ErrConstraint
	}
	return false
}
