// Package watcher is a best-effort sentinel over the log directory. While a
// session runs it reports out-of-band manipulation of store artifacts, such
// as a removed database or a replaced public key, so the attempt itself can
// be recorded in the chain. The verifier remains the authority; the sentinel
// only shortens the time to discovery.
package watcher

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"proctord/internal/logging"
)

// Finding describes one suspicious filesystem operation on a store artifact.
type Finding struct {
	Path string
	Op   string
}

// Sentinel watches a log directory.
type Sentinel struct {
	dir       string
	fsWatcher *fsnotify.Watcher
	log       *logging.Logger

	findings chan Finding
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// New creates a sentinel for the given log directory.
func New(dir string, log *logging.Logger) (*Sentinel, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if log == nil {
		log = logging.Default()
	}
	return &Sentinel{
		dir:       dir,
		fsWatcher: fsWatcher,
		log:       log.WithComponent("sentinel"),
		findings:  make(chan Finding, 64),
		done:      make(chan struct{}),
	}, nil
}

// Findings returns the channel of sentinel findings.
func (s *Sentinel) Findings() <-chan Finding {
	return s.findings
}

// Start begins watching. Findings are delivered until Close.
func (s *Sentinel) Start() error {
	if err := s.fsWatcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	s.wg.Add(1)
	go s.loop()
	return nil
}

func (s *Sentinel) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.fsWatcher.Events:
			if !ok {
				return
			}
			if f, suspicious := classify(ev); suspicious {
				s.log.Warn("store artifact touched out of band", "path", f.Path, "op", f.Op)
				select {
				case s.findings <- f:
				default:
					// A flooded channel means the findings themselves are
					// under attack; the log line above still lands.
				}
			}
		case err, ok := <-s.fsWatcher.Errors:
			if !ok {
				return
			}
			s.log.Error("sentinel error", "error", err)
		}
	}
}

// classify decides whether a filesystem event on the log directory is
// expected writer activity or worth reporting. Removes, renames and
// permission changes of any artifact are never part of normal operation;
// writes are normal for the database but not for published keys.
func classify(ev fsnotify.Event) (Finding, bool) {
	name := filepath.Base(ev.Name)
	if !isArtifact(name) {
		return Finding{}, false
	}
	f := Finding{Path: ev.Name, Op: ev.Op.String()}

	if ev.Op&(fsnotify.Remove|fsnotify.Rename|fsnotify.Chmod) != 0 {
		return f, true
	}
	if strings.HasSuffix(name, ".pub") && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
		return f, true
	}
	return Finding{}, false
}

// isArtifact reports whether a file name belongs to the store.
func isArtifact(name string) bool {
	if strings.HasSuffix(name, ".pub") {
		return true
	}
	switch name {
	case "audit.db", "audit.db-wal", "audit.db-shm", "writer.lock":
		return true
	}
	return false
}

// Close stops the sentinel and closes the findings channel.
func (s *Sentinel) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.fsWatcher.Close()
		s.wg.Wait()
		close(s.findings)
	})
	return err
}
