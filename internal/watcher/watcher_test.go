package watcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sydlexius/gridserver/internal/event"
	"github.com/sydlexius/gridserver/internal/scanner"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func staticDirs(dirs ...string) DirSource {
	return func() []string { return dirs }
}

func newTestService(t *testing.T, scanCount *atomic.Int32, dirs DirSource, probeCache *ProbeCache) (*Service, *event.Bus, context.Context, context.CancelFunc) {
	t.Helper()
	logger := testLogger()
	bus := event.NewBus(logger, 64)
	go bus.Start()
	t.Cleanup(bus.Stop)

	scanFn := func(_ context.Context) error {
		scanCount.Add(1)
		return nil
	}

	svc := NewService(scanFn, dirs, bus, logger, probeCache)
	svc.SetDebounce(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	return svc, bus, ctx, cancel
}

func TestNewBundleTriggersScan(t *testing.T) {
	root := t.TempDir()
	var scanCount atomic.Int32
	svc, bus, ctx, cancel := newTestService(t, &scanCount, staticDirs(root), NewProbeCache())
	defer cancel()

	var created atomic.Int32
	bus.Subscribe(event.PluginDirCreated, func(event.Event) { created.Add(1) })

	go svc.Start(ctx)
	time.Sleep(100 * time.Millisecond)

	if err := os.MkdirAll(filepath.Join(root, "Reverb.vst3", "Contents"), 0o755); err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)
	cancel()

	if got := scanCount.Load(); got != 1 {
		t.Errorf("expected 1 scan, got %d", got)
	}
	if got := created.Load(); got != 1 {
		t.Errorf("expected 1 created event, got %d", got)
	}
}

func TestSharedLibraryFileTriggersScan(t *testing.T) {
	root := t.TempDir()
	var scanCount atomic.Int32
	svc, _, ctx, cancel := newTestService(t, &scanCount, staticDirs(root), NewProbeCache())
	defer cancel()

	go svc.Start(ctx)
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(root, "Delay.so"), []byte{0x7f, 'E', 'L', 'F'}, 0o644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)
	cancel()

	if got := scanCount.Load(); got != 1 {
		t.Errorf("expected 1 scan, got %d", got)
	}
}

func TestMultipleInstallsCoalesce(t *testing.T) {
	root := t.TempDir()
	var scanCount atomic.Int32
	svc, _, ctx, cancel := newTestService(t, &scanCount, staticDirs(root), NewProbeCache())
	defer cancel()

	go svc.Start(ctx)
	time.Sleep(100 * time.Millisecond)

	for i := range 5 {
		if err := os.Mkdir(filepath.Join(root, fmt.Sprintf("Plugin%d.vst3", i)), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	time.Sleep(300 * time.Millisecond)
	cancel()

	if got := scanCount.Load(); got != 1 {
		t.Errorf("expected 1 coalesced scan, got %d", got)
	}
}

func TestHiddenEntriesIgnored(t *testing.T) {
	root := t.TempDir()
	var scanCount atomic.Int32
	svc, _, ctx, cancel := newTestService(t, &scanCount, staticDirs(root), NewProbeCache())
	defer cancel()

	go svc.Start(ctx)
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(root, ".DS_Store"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)
	cancel()

	if got := scanCount.Load(); got != 0 {
		t.Errorf("expected 0 scans, got %d", got)
	}
}

func TestRemovedBundlePublishesEvent(t *testing.T) {
	root := t.TempDir()
	bundle := filepath.Join(root, "Old.vst3")
	if err := os.Mkdir(bundle, 0o755); err != nil {
		t.Fatal(err)
	}

	var scanCount atomic.Int32
	svc, bus, ctx, cancel := newTestService(t, &scanCount, staticDirs(root), NewProbeCache())
	defer cancel()

	var removed atomic.Int32
	bus.Subscribe(event.PluginDirRemoved, func(event.Event) { removed.Add(1) })

	go svc.Start(ctx)
	time.Sleep(100 * time.Millisecond)

	if err := os.Remove(bundle); err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)
	cancel()

	if got := removed.Load(); got < 1 {
		t.Errorf("expected a removed event, got %d", got)
	}
	if got := scanCount.Load(); got != 1 {
		t.Errorf("expected 1 scan after removal, got %d", got)
	}
}

func TestScanInProgressIsTolerated(t *testing.T) {
	root := t.TempDir()
	var calls atomic.Int32
	svc := NewService(func(context.Context) error {
		calls.Add(1)
		return scanner.ErrScanInProgress
	}, staticDirs(root), nil, testLogger(), NewProbeCache())
	svc.SetDebounce(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Start(ctx)
	time.Sleep(100 * time.Millisecond)

	if err := os.Mkdir(filepath.Join(root, "New.vst3"), 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)

	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 scan attempt, got %d", got)
	}
}

func TestMissingDirectoryNotWatched(t *testing.T) {
	var scanCount atomic.Int32
	svc, _, ctx, cancel := newTestService(t, &scanCount, staticDirs("/nonexistent/plugins"), NewProbeCache())
	defer cancel()

	go svc.Start(ctx)
	time.Sleep(100 * time.Millisecond)

	if got := svc.Watching(); len(got) != 0 {
		t.Errorf("watching %v, want nothing", got)
	}
}

func TestUnsupportedDirectoryIsPolled(t *testing.T) {
	root := t.TempDir()
	pc := NewProbeCache()
	pc.Set(root, false)

	var scanCount atomic.Int32
	svc, bus, _, cancel := newTestService(t, &scanCount, staticDirs(root), pc)
	defer cancel()
	svc.refresh()

	if got := svc.Watching(); len(got) != 0 {
		t.Errorf("watching %v, want poll only", got)
	}

	var created atomic.Int32
	bus.Subscribe(event.PluginDirCreated, func(event.Event) { created.Add(1) })

	if err := os.Mkdir(filepath.Join(root, "Synth.vst3"), 0o755); err != nil {
		t.Fatal(err)
	}
	svc.mu.Lock()
	svc.lastPoll[root] = time.Time{}
	svc.mu.Unlock()

	if !svc.pollDirectories() {
		t.Error("expected pollDirectories to report a change")
	}
	time.Sleep(100 * time.Millisecond)
	if got := created.Load(); got != 1 {
		t.Errorf("expected 1 created event, got %d", got)
	}
}

func TestPollIntervalRespected(t *testing.T) {
	root := t.TempDir()
	pc := NewProbeCache()
	pc.Set(root, false)

	var scanCount atomic.Int32
	svc, _, _, cancel := newTestService(t, &scanCount, staticDirs(root), pc)
	defer cancel()
	svc.SetPollInterval(time.Hour)
	svc.refresh()

	if err := os.Mkdir(filepath.Join(root, "Synth.vst3"), 0o755); err != nil {
		t.Fatal(err)
	}
	if svc.pollDirectories() {
		t.Error("directory polled before its interval elapsed")
	}
}

func TestContextCancellation(t *testing.T) {
	root := t.TempDir()
	var scanCount atomic.Int32
	svc, _, ctx, cancel := newTestService(t, &scanCount, staticDirs(root), NewProbeCache())

	done := make(chan struct{})
	go func() {
		svc.Start(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}
