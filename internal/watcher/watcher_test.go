package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/marcus/tokentally/internal/usage"
)

type recorder struct {
	mu    sync.Mutex
	calls [][]string
	ch    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan struct{}, 16)}
}

func (r *recorder) onChange(paths []string) {
	r.mu.Lock()
	r.calls = append(r.calls, paths)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change callback")
	}
}

func (r *recorder) seen() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]bool{}
	for _, call := range r.calls {
		for _, p := range call {
			out[p] = true
		}
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func startWatcher(t *testing.T, root string, debounce time.Duration) (*Watcher, *recorder) {
	t.Helper()
	rec := newRecorder()
	w := New(root, debounce, rec.onChange)
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, rec
}

func TestBurstCoalesced(t *testing.T) {
	root := t.TempDir()
	project := filepath.Join(root, "-Users-dev-app")
	if err := os.MkdirAll(project, 0755); err != nil {
		t.Fatal(err)
	}
	_, rec := startWatcher(t, root, 200*time.Millisecond)

	var paths []string
	for _, name := range []string{"a.jsonl", "b.jsonl", "c.jsonl"} {
		p := filepath.Join(project, name)
		paths = append(paths, p)
		if err := os.WriteFile(p, []byte("{}\n"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	rec.wait(t)
	time.Sleep(400 * time.Millisecond)

	if n := rec.count(); n != 1 {
		t.Errorf("callback ran %d times, want 1", n)
	}
	seen := rec.seen()
	for _, p := range paths {
		if !seen[p] {
			t.Errorf("%s not reported", p)
		}
	}
}

func TestIgnoresOtherFiles(t *testing.T) {
	root := t.TempDir()
	_, rec := startWatcher(t, root, 50*time.Millisecond)

	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)

	if n := rec.count(); n != 0 {
		t.Errorf("callback ran %d times for a non-log file", n)
	}
}

func TestNewProjectDirectory(t *testing.T) {
	root := t.TempDir()
	_, rec := startWatcher(t, root, 100*time.Millisecond)

	project := filepath.Join(root, "-Users-dev-new")
	if err := os.MkdirAll(project, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(project, "s1.jsonl")
	if err := os.WriteFile(path, []byte("{}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	rec.wait(t)
	if !rec.seen()[path] {
		t.Errorf("%s not reported, got %v", path, rec.seen())
	}
}

func TestNotify(t *testing.T) {
	root := t.TempDir()
	w, rec := startWatcher(t, root, 20*time.Millisecond)

	w.Notify("/logs/a.jsonl")
	rec.wait(t)
	if !rec.seen()["/logs/a.jsonl"] {
		t.Errorf("notified path not reported")
	}
}

func TestStopDropsPending(t *testing.T) {
	root := t.TempDir()
	rec := newRecorder()
	w := New(root, 100*time.Millisecond, rec.onChange)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	w.Notify("/logs/a.jsonl")
	w.Stop()
	w.Stop()
	time.Sleep(250 * time.Millisecond)

	if n := rec.count(); n != 0 {
		t.Errorf("callback ran %d times after Stop", n)
	}
}

func TestMissingRoot(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "missing"), time.Second, func([]string) {})
	if err := w.Start(); !errors.Is(err, usage.ErrFileAccess) {
		t.Errorf("expected ErrFileAccess, got %v", err)
	}
}
