package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sydlexius/gridserver/internal/event"
	"github.com/sydlexius/gridserver/internal/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoSession echoes until the peer closes or the worker is shut down.
var echoSession = worker.SessionFunc(func(_ context.Context, conn net.Conn) error {
	_, err := io.Copy(conn, conn)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
})

func newTestServer(t *testing.T, cfg Config) (*Server, *worker.Registry) {
	t.Helper()
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	reg := worker.NewRegistry(echoSession, testLogger(), 8)
	return New(cfg, reg, testLogger()), reg
}

func startServer(t *testing.T, srv *Server) (context.CancelFunc, <-chan error) {
	t.Helper()
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func dialEcho(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "ping" {
		t.Fatalf("echo = %q, %v", buf, err)
	}
	return conn
}

func TestServer_Lifecycle(t *testing.T) {
	srv, reg := newTestServer(t, Config{})
	if srv.State() != StateIdle {
		t.Errorf("initial state = %s", srv.State())
	}

	var stopped atomic.Bool
	srv.OnStopped(func() {
		if reg.Len() != 0 {
			t.Error("OnStopped ran before workers drained")
		}
		stopped.Store(true)
	})

	cancel, done := startServer(t, srv)
	if srv.State() != StateListening {
		t.Errorf("state after Listen = %s", srv.State())
	}

	dialEcho(t, srv.Addr())
	dialEcho(t, srv.Addr())
	deadline := time.Now().Add(2 * time.Second)
	for reg.Len() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if reg.Len() != 2 {
		t.Errorf("registry has %d workers, want 2", reg.Len())
	}

	cancel()
	if err := waitDone(t, done); err != nil {
		t.Errorf("Run = %v", err)
	}
	if srv.State() != StateStopped {
		t.Errorf("final state = %s", srv.State())
	}
	if !stopped.Load() {
		t.Error("OnStopped not called")
	}
	if err := srv.Run(context.Background()); !errors.Is(err, ErrServerStopped) {
		t.Errorf("Run after stop = %v, want ErrServerStopped", err)
	}
}

func TestServer_ShutdownDrainsWorkers(t *testing.T) {
	srv, reg := newTestServer(t, Config{})
	_, done := startServer(t, srv)

	conn := dialEcho(t, srv.Addr())
	srv.Shutdown()

	if err := waitDone(t, done); err != nil {
		t.Errorf("Run = %v", err)
	}
	if reg.Len() != 0 {
		t.Errorf("registry has %d workers after shutdown", reg.Len())
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("client connection still open after shutdown")
	}
	srv.Shutdown()
}

func TestServer_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close() //nolint:errcheck
	port := ln.Addr().(*net.TCPAddr).Port

	srv, _ := newTestServer(t, Config{Port: port})
	if err := srv.Run(context.Background()); err == nil {
		t.Fatal("expected a bind error")
	}
	if srv.State() != StateIdle {
		t.Errorf("state after bind failure = %s, want idle", srv.State())
	}
}

func TestServer_ShutdownBeforeRun(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	srv.Shutdown()
	if srv.State() != StateStopped {
		t.Errorf("state = %s", srv.State())
	}
	if err := srv.Run(context.Background()); !errors.Is(err, ErrServerStopped) {
		t.Errorf("Run = %v, want ErrServerStopped", err)
	}
}

func TestServer_PublishesClientConnected(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	bus := event.NewBus(testLogger(), 8)
	got := make(chan event.Event, 1)
	bus.Subscribe(event.ClientConnected, func(e event.Event) { got <- e })
	go bus.Start()
	defer bus.Stop()
	srv.SetEventBus(bus)

	startServer(t, srv)
	dialEcho(t, srv.Addr())

	select {
	case e := <-got:
		if e.Data["worker_id"] == "" || e.Data["remote"] == "" {
			t.Errorf("event data = %v", e.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client.connected not published")
	}
}

func TestServer_AcceptRateLimit(t *testing.T) {
	srv, reg := newTestServer(t, Config{AcceptRate: 2, AcceptBurst: 1})
	startServer(t, srv)

	start := time.Now()
	for range 3 {
		dialEcho(t, srv.Addr())
	}
	// Burst 1 at 2/s: the third accept waits for roughly a second.
	if elapsed := time.Since(start); elapsed < 700*time.Millisecond {
		t.Errorf("three accepts took %s, expected throttling", elapsed)
	}
	if reg.Len() != 3 {
		t.Errorf("registry has %d workers, want 3", reg.Len())
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateIdle: "idle", StateListening: "listening", StateDraining: "draining", StateStopped: "stopped",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
