package worker

import (
	"context"
	"log/slog"
	"net"
	"slices"
	"sync"

	"github.com/sydlexius/gridserver/internal/metrics"
)

// Registry tracks live workers. Finished workers are removed lazily by
// Sweep and handed to a background reaper that waits for them, so the
// accept loop never blocks on a dying session.
type Registry struct {
	session Session
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	workers []*Worker
	closed  bool

	reap       chan *Worker
	reaperDone chan struct{}
}

// NewRegistry creates a registry running session for every connection and
// starts its reaper. queueSize bounds the reaper backlog.
func NewRegistry(session Session, logger *slog.Logger, queueSize int) *Registry {
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		session:    session,
		logger:     logger.With(slog.String("component", "workers")),
		ctx:        ctx,
		cancel:     cancel,
		reap:       make(chan *Worker, queueSize),
		reaperDone: make(chan struct{}),
	}
	go r.reaper()
	return r
}

// Start runs a new worker on conn. After ShutdownAll the connection is
// closed and nil returned.
func (r *Registry) Start(conn net.Conn) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		conn.Close() //nolint:errcheck
		return nil
	}
	w, ctx := newWorker(r.ctx, conn, r.logger)
	r.workers = append(r.workers, w)
	metrics.ActiveWorkers.Set(float64(len(r.workers)))
	go w.run(ctx, r.session)
	return w
}

// Sweep moves finished workers to the reaper and returns how many it
// removed. It never blocks: when the reaper queue is full the remaining
// finished workers stay listed until the next sweep.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0
	}
	removed := 0
	kept := r.workers[:0]
	for _, w := range r.workers {
		if w.Running() {
			kept = append(kept, w)
			continue
		}
		select {
		case r.reap <- w:
			removed++
		default:
			kept = append(kept, w)
		}
	}
	clear(r.workers[len(kept):])
	r.workers = kept
	metrics.ActiveWorkers.Set(float64(len(r.workers)))
	return removed
}

func (r *Registry) reaper() {
	defer close(r.reaperDone)
	for w := range r.reap {
		w.Wait() //nolint:errcheck
		r.logger.Debug("worker reaped", slog.String("worker_id", w.ID()))
	}
}

// ShutdownAll asks every worker to stop, waits for each without a bound and
// stops the reaper. Later Start calls refuse connections.
func (r *Registry) ShutdownAll() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	workers := r.workers
	r.workers = nil
	r.mu.Unlock()

	r.logger.Info("shutting down workers", slog.Int("count", len(workers)))
	r.cancel()
	for _, w := range workers {
		w.Shutdown()
	}
	for _, w := range workers {
		w.Wait() //nolint:errcheck
	}
	close(r.reap)
	<-r.reaperDone
	metrics.ActiveWorkers.Set(0)
}

// Len returns the number of listed workers, finished or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// List returns worker snapshots in start order.
func (r *Registry) List() []Info {
	r.mu.Lock()
	workers := slices.Clone(r.workers)
	r.mu.Unlock()
	out := make([]Info, len(workers))
	for i, w := range workers {
		out[i] = w.Info()
	}
	return out
}
