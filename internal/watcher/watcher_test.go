package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name       string
		op         fsnotify.Op
		suspicious bool
	}{
		{"audit.db", fsnotify.Remove, true},
		{"audit.db", fsnotify.Rename, true},
		{"audit.db", fsnotify.Chmod, true},
		{"audit.db", fsnotify.Write, false},
		{"audit.db-wal", fsnotify.Write, false},
		{"audit.db-wal", fsnotify.Remove, true},
		{"writer.lock", fsnotify.Remove, true},
		{"0a1b2c.pub", fsnotify.Write, true},
		{"0a1b2c.pub", fsnotify.Remove, true},
		{"unrelated.txt", fsnotify.Remove, false},
		{"notes.pub.bak", fsnotify.Remove, false},
	}
	for _, tc := range cases {
		ev := fsnotify.Event{Name: filepath.Join("/log", tc.name), Op: tc.op}
		if _, got := classify(ev); got != tc.suspicious {
			t.Errorf("classify(%s %s) = %v, want %v", tc.name, tc.op, got, tc.suspicious)
		}
	}
}

func TestSentinelReportsRemovedDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.db")
	if err := os.WriteFile(path, []byte("db"), 0600); err != nil {
		t.Fatal(err)
	}

	s, err := New(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	select {
	case f := <-s.Findings():
		if filepath.Base(f.Path) != "audit.db" {
			t.Errorf("unexpected finding path %q", f.Path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no finding for removed database")
	}
}

func TestSentinelIgnoresDatabaseWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.db")
	if err := os.WriteFile(path, []byte("db"), 0600); err != nil {
		t.Fatal(err)
	}

	s, err := New(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := os.WriteFile(path, []byte("more"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case f := <-s.Findings():
		t.Fatalf("unexpected finding: %+v", f)
	case <-time.After(500 * time.Millisecond):
	}
}
