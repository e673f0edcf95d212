// Package session orchestrates one audit session: it owns the writer lock,
// the session key material, the bounded producer queue and the segment
// rotation loop, and it hands sealed segments to the store on a background
// goroutine so producers never block on disk I/O.
package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"proctord/internal/chain"
	"proctord/internal/event"
	"proctord/internal/keys"
	"proctord/internal/logging"
	"proctord/internal/segment"
	"proctord/internal/store"
)

// Errors
var (
	ErrClosed      = errors.New("session: closed")
	ErrWriteFailed = errors.New("session: persistent write failure, log is fail-closed")
)

// Config parameterizes a log session.
type Config struct {
	// LogDir holds the database, lock file and exported public key.
	LogDir string

	// SecretsDir holds the master key and per-session signing keys.
	SecretsDir string

	// MaxSegmentRecords rotates a segment when it reaches this many records.
	MaxSegmentRecords int

	// MaxSegmentAge rotates a non-empty segment after this much open time.
	MaxSegmentAge time.Duration

	// QueueCapacity bounds the producer queue. Under pressure the oldest
	// queued event is dropped and counted, never the newest.
	QueueCapacity int

	// MaxPersistRetries bounds persist attempts per segment before the
	// session fails closed.
	MaxPersistRetries int

	// RetryBaseDelay is the initial backoff between persist attempts; it
	// doubles per retry.
	RetryBaseDelay time.Duration

	Logger *logging.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxSegmentRecords <= 0 {
		c.MaxSegmentRecords = 1000
	}
	if c.MaxSegmentAge <= 0 {
		c.MaxSegmentAge = time.Minute
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 4096
	}
	if c.MaxPersistRetries <= 0 {
		c.MaxPersistRetries = 5
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 100 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
}

// Stats is a point-in-time snapshot of session counters.
type Stats struct {
	SessionID      string
	Submitted      uint64
	Dropped        uint64
	Rejected       uint64
	Appended       uint64
	SegmentsSealed uint64
	WriteFailed    bool
}

// LogSession is a running audit session. Submit is safe for concurrent use;
// one drain goroutine serializes appends and a persist goroutine writes
// sealed segments to the store.
type LogSession struct {
	cfg   Config
	log   *logging.Logger
	lock  *store.Lock
	db    *store.Store
	sess  *keys.Session
	start time.Time

	queue   chan *event.Record
	sealedq chan *segment.Sealed

	submitted atomic.Uint64
	dropped   atomic.Uint64
	rejected  atomic.Uint64
	lastMono  atomic.Uint64
	appended  atomic.Uint64
	sealedN   atomic.Uint64
	failed    atomic.Bool
	closed    atomic.Bool

	drainDone   chan struct{}
	persistDone chan struct{}

	// mu orders Submit against queue closure in Close.
	mu        sync.RWMutex
	closeOnce sync.Once
	closeErr  error
}

// Open acquires the writer lock, starts a new key session, publishes the
// session public key beside the log, opens the first segment and launches
// the drain and persist goroutines.
func Open(cfg Config) (*LogSession, error) {
	cfg.applyDefaults()

	lock, err := store.AcquireLock(cfg.LogDir)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(filepath.Join(cfg.LogDir, "audit.db"))
	if err != nil {
		lock.Release()
		return nil, err
	}

	km := keys.NewManager(cfg.SecretsDir)
	sess, err := km.StartSession()
	if err != nil {
		db.Close()
		lock.Release()
		return nil, err
	}
	if _, err := sess.ExportPublicKey(cfg.LogDir); err != nil {
		db.Close()
		lock.Release()
		return nil, err
	}

	s := &LogSession{
		cfg:         cfg,
		log:         cfg.Logger.WithComponent("session"),
		lock:        lock,
		db:          db,
		sess:        sess,
		start:       time.Now(),
		queue:       make(chan *event.Record, cfg.QueueCapacity),
		sealedq:     make(chan *segment.Sealed, 4),
		drainDone:   make(chan struct{}),
		persistDone: make(chan struct{}),
	}

	w, recovered, err := s.openFirstWriter()
	if err != nil {
		db.Close()
		lock.Release()
		return nil, err
	}

	s.log.Info("session opened",
		"session_id", sess.ID,
		"segment_id", w.ID(),
		"first_sequence", w.NextSequence())

	go s.persistLoop()
	go s.drainLoop(w)

	// The recovery note, if any, becomes the first record of the chain.
	for _, rec := range recovered {
		s.enqueue(rec)
	}
	s.enqueueSystem("session_start", map[string]any{"session_id": sess.ID})
	return s, nil
}

// openFirstWriter resumes the log position: segment ids continue after the
// last sealed segment, and sequences continue gap-free from its last record.
// Abandoned open markers from a crashed run are adopted (their id is reused
// so sealed ids stay contiguous) and reported as system events.
func (s *LogSession) openFirstWriter() (*segment.Writer, []*event.Record, error) {
	nextID := uint64(0)
	firstSeq := uint64(0)
	prev := chain.Genesis()

	last, err := s.db.LastSealed()
	switch {
	case err == nil:
		nextID = last.ID + 1
		firstSeq = last.LastSequence + 1
		prev = chain.Digest(last.SealDigest)
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, nil, err
	}

	var recovered []*event.Record
	markers, err := s.db.AbandonedMarkers()
	if err != nil {
		return nil, nil, err
	}
	for _, m := range markers {
		s.log.Warn("adopting abandoned segment marker",
			"segment_id", m.ID, "marker_session_id", m.SessionID)
		if err := s.db.ClearMarker(m.ID); err != nil {
			return nil, nil, err
		}
		payload, perr := event.System("recovered_abandoned_segment", map[string]any{
			"segment_id": m.ID,
			"session_id": m.SessionID,
		})
		if perr != nil {
			return nil, nil, perr
		}
		recovered = append(recovered, &event.Record{
			Wall:    time.Now().UnixNano(),
			Kind:    event.KindSystem,
			Payload: payload,
		})
	}

	w, err := s.newWriter(nextID, firstSeq, prev)
	if err != nil {
		return nil, nil, err
	}
	return w, recovered, nil
}

func (s *LogSession) newWriter(id, firstSeq uint64, prev chain.Digest) (*segment.Writer, error) {
	w, err := segment.NewWriter(segment.WriterConfig{
		ID:              id,
		FirstSequence:   firstSeq,
		PrevDigest:      prev,
		Session:         s.sess,
		MaxRecords:      s.cfg.MaxSegmentRecords,
		MaxOpenDuration: s.cfg.MaxSegmentAge,
	})
	if err != nil {
		return nil, err
	}
	if err := s.db.MarkOpen(id, s.sess.ID, firstSeq, time.Now().UnixNano()); err != nil {
		return nil, err
	}
	return w, nil
}

// SessionID returns the id of the running key session.
func (s *LogSession) SessionID() string { return s.sess.ID }

// SaltedDigest exposes the session-salted content digest for producers.
func (s *LogSession) SaltedDigest(content []byte) string {
	return s.sess.SaltedDigest(content)
}

// monotonic returns nanoseconds since session start, never below the
// highest caller-supplied monotonic value. Producers may timestamp against
// a different monotonic epoch; taking the maximum keeps internally
// generated records from appearing to run backwards.
func (s *LogSession) monotonic() uint64 {
	now := uint64(time.Since(s.start))
	if last := s.lastMono.Load(); last > now {
		return last
	}
	return now
}

// observeMono records a caller-supplied monotonic value.
func (s *LogSession) observeMono(mono uint64) {
	for {
		last := s.lastMono.Load()
		if mono <= last || s.lastMono.CompareAndSwap(last, mono) {
			return
		}
	}
}

// Submit queues an event for the chain. It never blocks: under queue
// pressure the oldest queued event is dropped and counted. After a
// persistent write failure it returns ErrWriteFailed and accepts nothing.
func (s *LogSession) Submit(kind event.Kind, payload []byte) error {
	return s.SubmitAt(kind, payload, time.Now().UnixNano(), 0)
}

// SubmitAt is Submit with caller-supplied capture timestamps, for producers
// that observe events earlier than they can hand them over. A zero mono is
// stamped by the drain loop at append time; stamping there rather than here
// keeps concurrent submitters' timestamps in queue order, so the writer's
// monotonic check never rejects a race between producers.
func (s *LogSession) SubmitAt(kind event.Kind, payload []byte, wall int64, mono uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return ErrClosed
	}
	if s.failed.Load() {
		return ErrWriteFailed
	}
	if err := event.ValidatePayload(kind, payload); err != nil {
		return err
	}
	if mono != 0 {
		s.observeMono(mono)
	}
	rec := &event.Record{
		Monotonic: mono,
		Wall:      wall,
		Kind:      kind,
		Payload:   payload,
	}
	s.submitted.Add(1)
	s.enqueue(rec)
	return nil
}

// enqueue adds rec, evicting the oldest queued record when full.
func (s *LogSession) enqueue(rec *event.Record) {
	for {
		select {
		case s.queue <- rec:
			return
		default:
		}
		select {
		case <-s.queue:
			s.dropped.Add(1)
		default:
		}
	}
}

func (s *LogSession) enqueueSystem(marker string, details map[string]any) {
	payload, err := event.System(marker, details)
	if err != nil {
		s.log.Error("system event construction failed", "marker", marker, "error", err)
		return
	}
	s.enqueue(&event.Record{
		Wall:    time.Now().UnixNano(),
		Kind:    event.KindSystem,
		Payload: payload,
	})
}

// drainLoop is the single appender. It owns the current writer, applies
// rotation triggers and reports queue drops into the chain itself.
func (s *LogSession) drainLoop(w *segment.Writer) {
	defer close(s.drainDone)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var reportedDrops uint64

	rotate := func() bool {
		sealed, err := w.Seal()
		if err != nil {
			s.log.Error("seal failed", "segment_id", w.ID(), "error", err)
			s.failed.Store(true)
			return false
		}
		s.sealedN.Add(1)
		s.sealedq <- sealed

		next, err := s.newWriter(sealed.ID+1, sealed.LastSequence+1, chain.Digest(sealed.SealDigest))
		if err != nil {
			s.log.Error("segment open failed", "segment_id", sealed.ID+1, "error", err)
			s.failed.Store(true)
			return false
		}
		w = next
		return true
	}

	appendRec := func(rec *event.Record) bool {
		if s.failed.Load() {
			return false
		}
		// A zero monotonic marks a record stamped here rather than at
		// submission, so stamps follow queue order.
		if rec.Monotonic == 0 {
			rec.Monotonic = s.monotonic()
		}
		if drops := s.dropped.Load(); drops > reportedDrops {
			n := drops - reportedDrops
			reportedDrops = drops
			if payload, err := event.System("events_dropped", map[string]any{"count": n}); err == nil {
				drop := &event.Record{
					Monotonic: s.monotonic(),
					Wall:      time.Now().UnixNano(),
					Kind:      event.KindSystem,
					Payload:   payload,
				}
				if err := w.Append(drop); err == nil {
					s.appended.Add(1)
				}
			}
		}
		if err := w.Append(rec); err != nil {
			s.recordRejection(w, rec, err)
			return true
		}
		s.appended.Add(1)
		if w.ShouldRotate(time.Now()) {
			return rotate()
		}
		return true
	}

	for {
		select {
		case rec, ok := <-s.queue:
			if !ok {
				// Closing: seal the non-empty tail.
				if !s.failed.Load() && w.Len() > 0 {
					if sealed, err := w.Seal(); err == nil {
						s.sealedN.Add(1)
						s.sealedq <- sealed
					} else {
						s.log.Error("tail seal failed", "segment_id", w.ID(), "error", err)
					}
				}
				close(s.sealedq)
				return
			}
			appendRec(rec)
		case now := <-ticker.C:
			if !s.failed.Load() && w.ShouldRotate(now) {
				rotate()
			}
		}
	}
}

// recordRejection accounts for a record the writer refused, which happens
// when a caller-supplied monotonic timestamp runs backwards. The rejection
// itself is appended to the chain as a system event so the loss is never
// silent.
func (s *LogSession) recordRejection(w *segment.Writer, rec *event.Record, cause error) {
	s.rejected.Add(1)
	s.log.Error("append rejected",
		"segment_id", w.ID(), "kind", rec.Kind.String(), "error", cause)
	payload, err := event.System("event_rejected", map[string]any{
		"kind":   rec.Kind.String(),
		"reason": cause.Error(),
	})
	if err != nil {
		return
	}
	note := &event.Record{
		Monotonic: s.monotonic(),
		Wall:      time.Now().UnixNano(),
		Kind:      event.KindSystem,
		Payload:   payload,
	}
	if err := w.Append(note); err == nil {
		s.appended.Add(1)
	}
}

// persistLoop writes sealed segments with exponential backoff. Exhausted
// retries fail the session closed.
func (s *LogSession) persistLoop() {
	defer close(s.persistDone)

	for sealed := range s.sealedq {
		if err := s.persistWithRetry(sealed); err != nil {
			s.log.Error("segment lost after retries, failing closed",
				"segment_id", sealed.ID, "error", err)
			s.failed.Store(true)
			// Keep draining so the drain loop is never blocked on send.
			continue
		}
		s.log.Debug("segment persisted",
			"segment_id", sealed.ID,
			"record_count", sealed.RecordCount,
			"first_sequence", sealed.FirstSequence,
			"last_sequence", sealed.LastSequence)
	}
}

func (s *LogSession) persistWithRetry(sealed *segment.Sealed) error {
	delay := s.cfg.RetryBaseDelay
	var err error
	for attempt := 0; attempt < s.cfg.MaxPersistRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		if err = s.db.Persist(sealed); err == nil {
			return nil
		}
		s.log.Warn("persist attempt failed",
			"segment_id", sealed.ID, "attempt", attempt+1, "error", err)
	}
	return err
}

// Stats returns a snapshot of the session counters.
func (s *LogSession) Stats() Stats {
	return Stats{
		SessionID:      s.sess.ID,
		Submitted:      s.submitted.Load(),
		Dropped:        s.dropped.Load(),
		Rejected:       s.rejected.Load(),
		Appended:       s.appended.Load(),
		SegmentsSealed: s.sealedN.Load(),
		WriteFailed:    s.failed.Load(),
	}
}

// Close drains the queue, seals and persists the tail segment, and releases
// the writer lock. Safe to call more than once.
func (s *LogSession) Close() error {
	s.closeOnce.Do(func() {
		s.enqueueSystem("session_end", map[string]any{"session_id": s.sess.ID})
		s.mu.Lock()
		s.closed.Store(true)
		close(s.queue)
		s.mu.Unlock()
		<-s.drainDone
		<-s.persistDone

		var errs []error
		if s.failed.Load() {
			errs = append(errs, ErrWriteFailed)
		}
		if err := s.db.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := s.lock.Release(); err != nil {
			errs = append(errs, err)
		}
		s.closeErr = errors.Join(errs...)
		s.log.Info("session closed", "session_id", s.sess.ID, "stats", fmt.Sprintf("%+v", s.Stats()))
	})
	return s.closeErr
}
