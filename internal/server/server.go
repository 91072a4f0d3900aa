// Package server accepts client connections on the instance port and hands
// each one to the worker registry.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sydlexius/gridserver/internal/event"
	"github.com/sydlexius/gridserver/internal/metrics"
	"github.com/sydlexius/gridserver/internal/worker"
)

// State is the server lifecycle state.
type State int32

// Lifecycle states, in order.
const (
	StateIdle State = iota
	StateListening
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrServerStopped is returned by Listen and Run once the server has stopped.
var ErrServerStopped = errors.New("server stopped")

// Config holds listener settings.
type Config struct {
	Host string
	Port int
	// AcceptRate limits accepted connections per second. Zero disables the limit.
	AcceptRate  float64
	AcceptBurst int
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Server is the client connection listener.
type Server struct {
	cfg       Config
	registry  *worker.Registry
	logger    *slog.Logger
	eventBus  *event.Bus
	onStopped func()

	mu        sync.Mutex
	state     State
	ln        net.Listener
	cancelRun context.CancelFunc
	done      chan struct{}
}

// New creates a server that starts a worker from registry per connection.
func New(cfg Config, registry *worker.Registry, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		logger:   logger.With(slog.String("component", "server")),
		done:     make(chan struct{}),
	}
}

// SetEventBus sets the bus receiving client.connected events.
func (s *Server) SetEventBus(bus *event.Bus) {
	s.eventBus = bus
}

// OnStopped sets a hook run once after every worker has exited.
func (s *Server) OnStopped(fn func()) {
	s.onStopped = fn
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Listen binds the listener. Calling it again while listening is a no-op.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateListening:
		return nil
	case StateDraining, StateStopped:
		return ErrServerStopped
	}
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	s.ln = ln
	s.state = StateListening
	s.logger.Info("listening for clients", slog.String("addr", ln.Addr().String()))
	return nil
}

// Run listens if needed and accepts connections until ctx is canceled or
// Shutdown is called, then drains every worker. A bind failure is returned
// without draining.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateListening {
		s.mu.Unlock()
		return ErrServerStopped
	}
	if s.cancelRun != nil {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel
	ln := s.ln
	s.mu.Unlock()
	defer cancel()

	go func() {
		<-runCtx.Done()
		ln.Close() //nolint:errcheck
	}()

	err := s.acceptLoop(runCtx, ln)
	s.drain()
	return err
}

func (s *Server) limiter() *rate.Limiter {
	if s.cfg.AcceptRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := s.cfg.AcceptBurst
	if burst <= 0 {
		burst = int(math.Ceil(s.cfg.AcceptRate))
	}
	return rate.NewLimiter(rate.Limit(s.cfg.AcceptRate), burst)
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	limiter := s.limiter()
	var tempDelay time.Duration
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				tempDelay = min(max(2*tempDelay, 5*time.Millisecond), time.Second)
				s.logger.Warn("accept failed, retrying", slog.Any("error", err), slog.Duration("delay", tempDelay))
				time.Sleep(tempDelay)
				continue
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		tempDelay = 0

		metrics.ConnectionsTotal.Inc()
		s.logger.Info("client connected", slog.String("remote", conn.RemoteAddr().String()))
		if w := s.registry.Start(conn); w != nil && s.eventBus != nil {
			s.eventBus.Publish(event.Event{
				Type: event.ClientConnected,
				Data: map[string]any{
					"remote":    conn.RemoteAddr().String(),
					"worker_id": w.ID(),
				},
			})
		}
		if n := s.registry.Sweep(); n > 0 {
			s.logger.Debug("swept finished workers", slog.Int("count", n))
		}
	}
}

func (s *Server) drain() {
	s.mu.Lock()
	s.state = StateDraining
	s.mu.Unlock()

	s.logger.Info("server draining")
	s.registry.ShutdownAll()
	if s.onStopped != nil {
		s.onStopped()
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	close(s.done)
	s.logger.Info("server stopped")
}

// Shutdown stops accepting, waits for the drain and returns. A server that
// never ran moves straight to Stopped.
func (s *Server) Shutdown() {
	s.mu.Lock()
	switch {
	case s.state == StateStopped:
		s.mu.Unlock()
		return
	case s.cancelRun == nil:
		if s.ln != nil {
			s.ln.Close() //nolint:errcheck
		}
		s.state = StateStopped
		close(s.done)
		s.mu.Unlock()
		return
	}
	cancel := s.cancelRun
	s.mu.Unlock()

	cancel()
	<-s.done
}
