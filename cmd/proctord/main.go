// Command proctord runs one audit session and records submitted events in a
// tamper-evident, encrypted, signed segment chain.
//
// Capture frontends feed events as JSON lines on stdin:
//
//	{"kind": "keystroke", "payload": {"key": 30, "action": "down"}}
//	{"kind": "focus", "payload": {"app": "code", "pid": 4211, "title_hash": "9f..."}}
//
// The session ends on stdin EOF, SIGINT or SIGTERM; the tail segment is
// sealed and persisted before exit.
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"proctord/internal/config"
	"proctord/internal/event"
	"proctord/internal/logging"
	"proctord/internal/session"
	"proctord/internal/watcher"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "configuration file (toml, json or yaml)")
	logDir := flag.String("log-dir", "", "override log directory")
	secretsDir := flag.String("secrets", "", "override secrets directory")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("proctord %s\n", version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "proctord: %v\n", err)
		return 1
	}
	if *logDir != "" {
		cfg.Log.Dir = *logDir
	}
	if *secretsDir != "" {
		cfg.Log.SecretsDir = *secretsDir
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "proctord: %v\n", err)
		return 1
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "proctord: %v\n", err)
		return 1
	}

	log := newLogger(cfg)
	logging.SetDefault(log)

	sess, err := session.Open(session.Config{
		LogDir:            cfg.Log.Dir,
		SecretsDir:        cfg.Log.SecretsDir,
		MaxSegmentRecords: cfg.Session.MaxSegmentRecords,
		MaxSegmentAge:     cfg.MaxSegmentAge(),
		QueueCapacity:     cfg.Session.QueueCapacity,
		MaxPersistRetries: cfg.Session.MaxPersistRetries,
		RetryBaseDelay:    cfg.RetryBaseDelay(),
		Logger:            log,
	})
	if err != nil {
		log.Error("cannot open session", "error", err)
		return 1
	}

	// The sentinel starts after the session so the initial key export is
	// not reported as a finding.
	var sentinel *watcher.Sentinel
	if cfg.Sentinel.Enabled {
		sentinel, err = watcher.New(cfg.Log.Dir, log)
		if err == nil {
			err = sentinel.Start()
		}
		if err != nil {
			log.Warn("sentinel unavailable", "error", err)
			sentinel = nil
		} else {
			go forwardFindings(sentinel, sess, log)
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan []byte, 256)
	go readStdin(lines)

	code := 0
loop:
	for {
		select {
		case sig := <-sigs:
			log.Info("signal received, closing", "signal", sig.String())
			break loop
		case line, ok := <-lines:
			if !ok {
				log.Info("stdin closed, closing")
				break loop
			}
			if err := submitLine(sess, line); err != nil {
				if errors.Is(err, session.ErrWriteFailed) {
					log.Error("log is fail-closed, shutting down")
					code = 1
					break loop
				}
				log.Warn("event rejected", "error", err)
			}
		}
	}

	if sentinel != nil {
		sentinel.Close()
	}
	if err := sess.Close(); err != nil {
		log.Error("session close", "error", err)
		code = 1
	}

	st := sess.Stats()
	log.Info("session summary",
		"session_id", st.SessionID,
		"submitted", st.Submitted,
		"appended", st.Appended,
		"dropped", st.Dropped,
		"rejected", st.Rejected,
		"segments_sealed", st.SegmentsSealed)
	return code
}

func newLogger(cfg *config.Config) *logging.Logger {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	format := logging.FormatText
	if cfg.Logging.Format == "json" {
		format = logging.FormatJSON
	}
	return logging.New(&logging.Config{
		Level:     level,
		Format:    format,
		Output:    cfg.Logging.Output,
		Component: "proctord",
	})
}

func readStdin(lines chan<- []byte) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), event.MaxPayloadSize+4096)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		lines <- line
	}
	close(lines)
}

// inputLine is the stdin bridge format. Capture frontends may include their
// own timestamps; lines without them are stamped at submission.
type inputLine struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	Wall    int64           `json:"wall_ns"`
	Mono    uint64          `json:"monotonic_ns"`
}

func submitLine(sess *session.LogSession, line []byte) error {
	if len(line) == 0 {
		return nil
	}
	var in inputLine
	if err := json.Unmarshal(line, &in); err != nil {
		return fmt.Errorf("malformed input line: %w", err)
	}
	kind, err := event.ParseKind(in.Kind)
	if err != nil {
		return err
	}
	if in.Mono == 0 && in.Wall == 0 {
		return sess.Submit(kind, []byte(in.Payload))
	}
	wall := in.Wall
	if wall == 0 {
		wall = time.Now().UnixNano()
	}
	// A zero mono is stamped by the session at append time.
	return sess.SubmitAt(kind, []byte(in.Payload), wall, in.Mono)
}

func forwardFindings(s *watcher.Sentinel, sess *session.LogSession, log *logging.Logger) {
	for f := range s.Findings() {
		payload, err := event.System("store_tamper_attempt", map[string]any{
			"path": f.Path,
			"op":   f.Op,
		})
		if err != nil {
			log.Error("finding payload", "error", err)
			continue
		}
		if err := sess.Submit(event.KindSystem, payload); err != nil {
			log.Error("finding not recorded", "error", err)
		}
	}
}
