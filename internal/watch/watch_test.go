package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/dicomctl/internal/testutil/dcmtest"
	"github.com/danmuck/dicomctl/internal/testutil/testlog"
)

type batches struct {
	mu  sync.Mutex
	got [][]string
	ch  chan struct{}
}

func (b *batches) submit(_ context.Context, files []string) error {
	b.mu.Lock()
	b.got = append(b.got, append([]string(nil), files...))
	b.mu.Unlock()
	b.ch <- struct{}{}
	return nil
}

func startWatcher(t *testing.T, cfg Config) *batches {
	t.Helper()
	b := &batches{ch: make(chan struct{}, 8)}
	w, err := New(cfg, b.submit)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("run: %v", err)
		}
	})
	// Run adds the watch on its own goroutine.
	time.Sleep(50 * time.Millisecond)
	return b
}

func (b *batches) next(t *testing.T) []string {
	t.Helper()
	select {
	case <-b.ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("no batch submitted")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.got[len(b.got)-1]
}

func TestDropFolderBatches(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	b := startWatcher(t, Config{Dir: dir, Settle: 150 * time.Millisecond})

	second := dcmtest.Write(t, dir, dcmtest.Spec{Name: "b.dcm"})
	first := dcmtest.Write(t, dir, dcmtest.Spec{Name: "a.dcm"})
	dcmtest.WriteGarbage(t, dir, "readme.txt")
	dcmtest.Write(t, dir, dcmtest.Spec{Name: "a_converted_explicit_vr.dcm"})

	got := b.next(t)
	if len(got) != 2 || got[0] != first || got[1] != second {
		t.Fatalf("unexpected batch: %v", got)
	}
}

func TestRecursiveWatchPicksUpNewDirectories(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	b := startWatcher(t, Config{Dir: dir, Settle: 150 * time.Millisecond, Recursive: true})

	sub := filepath.Join(dir, "study1")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	nested := dcmtest.Write(t, sub, dcmtest.Spec{Name: "IM1"})

	got := b.next(t)
	if len(got) != 1 || got[0] != nested {
		t.Fatalf("unexpected batch: %v", got)
	}
}

func TestNewRequiresDir(t *testing.T) {
	testlog.Start(t)
	if _, err := New(Config{}, func(context.Context, []string) error { return nil }); err != ErrDirRequired {
		t.Fatalf("expected ErrDirRequired, got %v", err)
	}
}
