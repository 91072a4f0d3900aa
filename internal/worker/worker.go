// Package worker runs one goroutine per client connection and tracks them
// until they are reaped.
package worker

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session drives one client connection until it ends or ctx is canceled.
type Session interface {
	Run(ctx context.Context, conn net.Conn) error
}

// SessionFunc adapts a function to Session.
type SessionFunc func(ctx context.Context, conn net.Conn) error

// Run calls f.
func (f SessionFunc) Run(ctx context.Context, conn net.Conn) error { return f(ctx, conn) }

// Info is a snapshot of a worker for the admin API.
type Info struct {
	ID        string    `json:"id"`
	Remote    string    `json:"remote"`
	StartedAt time.Time `json:"started_at"`
	Running   bool      `json:"running"`
}

// Worker owns one client connection.
type Worker struct {
	id        string
	remote    string
	startedAt time.Time
	conn      net.Conn
	cancel    context.CancelFunc
	logger    *slog.Logger

	running  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
	err      error
}

func newWorker(parent context.Context, conn net.Conn, logger *slog.Logger) (*Worker, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	w := &Worker{
		id:        uuid.New().String(),
		remote:    conn.RemoteAddr().String(),
		startedAt: time.Now().UTC(),
		conn:      conn,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	w.logger = logger.With(slog.String("worker_id", w.id), slog.String("remote", w.remote))
	w.running.Store(true)
	return w, ctx
}

func (w *Worker) run(ctx context.Context, s Session) {
	defer close(w.done)
	defer w.running.Store(false)
	defer w.conn.Close() //nolint:errcheck

	w.logger.Info("worker started")
	w.err = s.Run(ctx, w.conn)
	if w.err != nil && ctx.Err() == nil {
		w.logger.Warn("worker session ended with error", slog.Any("error", w.err))
		return
	}
	w.logger.Info("worker finished")
}

// ID returns the worker's unique id.
func (w *Worker) ID() string { return w.id }

// Remote returns the client address.
func (w *Worker) Remote() string { return w.remote }

// Running reports whether the session is still active.
func (w *Worker) Running() bool { return w.running.Load() }

// Shutdown asks the worker to stop. It does not wait.
func (w *Worker) Shutdown() {
	w.stopOnce.Do(func() {
		w.cancel()
		// Unblocks a session stuck in a read.
		w.conn.Close() //nolint:errcheck
	})
}

// Wait blocks until the session has returned and returns its error.
func (w *Worker) Wait() error {
	<-w.done
	return w.err
}

// Info returns a snapshot.
func (w *Worker) Info() Info {
	return Info{
		ID:        w.id,
		Remote:    w.remote,
		StartedAt: w.startedAt,
		Running:   w.Running(),
	}
}
