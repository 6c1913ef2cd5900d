package relay

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/oklog/ulid/v2"

	"github.com/roach88/beacon/internal/clock"
	"github.com/roach88/beacon/internal/metrics"
	"github.com/roach88/beacon/internal/proxy"
	"github.com/roach88/beacon/internal/scheduler"
	"github.com/roach88/beacon/internal/worker"
)

const (
	// helloTimeout bounds the wait for a client's hello.
	helloTimeout = 5 * time.Second

	// writeTimeout bounds one frame write.
	writeTimeout = 10 * time.Second
)

// Server accepts producer sessions and feeds their hits into one queue.
//
// Queue operations and dispatch cycles all run on the server's own
// inbox goroutine, so the queue is never touched concurrently.
type Server struct {
	socket  string
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	inbox  *worker.Inbox
	sched  *scheduler.Scheduler
	period time.Duration
	queue  proxy.LocalStore
	base   context.Context

	entropyMu sync.Mutex
	entropy   io.Reader

	mu       sync.Mutex
	sessions map[string]net.Conn
	active   sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerClock sets the clock used for session ids and the schedule.
// Socket deadlines always use wall time.
func WithServerClock(c clock.Clock) ServerOption {
	return func(s *Server) { s.clock = c }
}

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithServerMetrics records sessions into m.
func WithServerMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithDispatchPeriod sets the automatic dispatch period.
func WithDispatchPeriod(d time.Duration) ServerOption {
	return func(s *Server) { s.period = d }
}

// NewServer creates a server that will listen on socket.
//
// The server is also the queue's store.StateListener and its
// redispatch hook: open the queue with store.WithListener(srv) and
// store.WithRedispatch(srv.Dispatch), then pass it to Serve.
func NewServer(socket string, opts ...ServerOption) *Server {
	s := &Server{
		socket:   socket,
		clock:    clock.Real(),
		logger:   slog.Default(),
		inbox:    worker.NewInbox(),
		sessions: make(map[string]net.Conn),
		entropy:  ulid.Monotonic(rand.Reader, 0),
		base:     context.Background(),
		period:   scheduler.DefaultPeriod,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sched = scheduler.New(s.dispatchNow,
		scheduler.WithClock(s.clock),
		scheduler.WithLogger(s.logger),
		scheduler.WithPeriod(s.period),
	)
	return s
}

// ReportStoreIsEmpty forwards queue emptiness to the schedule.
func (s *Server) ReportStoreIsEmpty(empty bool) {
	s.sched.ReportStoreIsEmpty(empty)
}

// Dispatch requests a dispatch cycle.
func (s *Server) Dispatch() {
	s.sched.Dispatch()
}

// SetDispatchPeriod changes the automatic dispatch period.
func (s *Server) SetDispatchPeriod(d time.Duration) {
	s.sched.SetDispatchPeriod(d)
}

// UpdateConnectivity reports a network change to the schedule.
func (s *Server) UpdateConnectivity(connected bool) {
	s.sched.UpdateConnectivity(connected)
}

// Sessions returns the number of connected sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) dispatchNow() {
	if s.queue != nil {
		s.queue.Dispatch(s.base)
	}
}

func (s *Server) newSessionID() string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.clock.Now()), s.entropy).String()
}

// Serve listens on the socket and stores hits from every session in
// queue until ctx is cancelled. It then closes all sessions, runs what
// is already queued and returns.
//
// An existing socket file is removed before listening; the socket file
// is removed on return.
func (s *Server) Serve(ctx context.Context, queue proxy.LocalStore) error {
	if err := os.Remove(s.socket); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socket, err)
	}
	listener, err := net.Listen("unix", s.socket)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socket, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socket)
	}()
	if err := os.Chmod(s.socket, 0o600); err != nil {
		return fmt.Errorf("restricting socket %s: %w", s.socket, err)
	}

	s.queue = queue
	s.base = context.WithoutCancel(ctx)

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		s.runInbox()
	}()
	s.sched.Start(s.inbox)

	go func() {
		<-ctx.Done()
		listener.Close()
		s.closeSessions()
	}()

	s.logger.Info("relay listening", "path", s.socket)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.active.Wait()
	s.sched.Stop()
	s.inbox.Close()
	<-loopDone
	s.logger.Info("relay stopped")
	return nil
}

func (s *Server) runInbox() {
	for {
		if fn, ok := s.inbox.TryTake(); ok {
			fn()
			continue
		}
		<-s.inbox.Wait()
		if s.inbox.Drained() {
			return
		}
	}
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.sessions {
		conn.Close()
	}
}

// handleConnection runs one session: handshake, then frames until bye,
// EOF or an undecodable frame.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	enc := newEncoder(conn)
	dec := newDecoder(conn)

	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	var hello Frame
	if err := dec.Decode(&hello); err != nil {
		if !errors.Is(err, io.EOF) {
			s.logger.Debug("relay handshake failed", "error", err)
		}
		return
	}
	if hello.Type != FrameHello {
		s.writeFrame(conn, enc, Frame{Type: FrameAck, Error: fmt.Sprintf("expected hello, got %s", hello.Type)})
		return
	}
	if hello.Version != ProtocolVersion {
		s.writeFrame(conn, enc, Frame{Type: FrameAck, Error: fmt.Sprintf("unsupported protocol version %d", hello.Version)})
		return
	}

	session := s.newSessionID()
	if !s.register(ctx, session, conn) {
		return
	}
	defer s.unregister(session)

	if err := s.writeFrame(conn, enc, Frame{Type: FrameAck, Session: session, Version: ProtocolVersion}); err != nil {
		return
	}
	conn.SetReadDeadline(time.Time{})

	logger := s.logger.With("session", session)
	logger.Info("relay session opened")

	hits := 0
	for {
		var f Frame
		if err := dec.Decode(&f); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("relay session read failed", "error", err)
			}
			break
		}

		switch f.Type {
		case FrameHit:
			hits++
			s.inbox.Post(func() {
				s.queue.Put(s.base, f.Params, f.HitTime, f.Path, f.Commands)
			})
		case FrameClear:
			logger.Debug("relay clearing hits")
			s.inbox.Post(func() { s.queue.Clear(s.base, 0) })
		case FrameBye:
			logger.Info("relay session closed", "hits", hits)
			return
		default:
			logger.Warn("relay ignoring unexpected frame", "type", f.Type.String())
		}
	}
	logger.Info("relay session dropped", "hits", hits)
}

// register records a session, refusing it if the server is stopping.
func (s *Server) register(ctx context.Context, session string, conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	s.sessions[session] = conn
	s.metrics.RelaySessionOpened()
	return true
}

func (s *Server) unregister(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, session)
	s.metrics.RelaySessionClosed()
}

func (s *Server) writeFrame(conn net.Conn, enc *cbor.Encoder, f Frame) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := enc.Encode(f); err != nil {
		s.logger.Debug("relay write failed", "frame", f.Type.String(), "error", err)
		return err
	}
	return nil
}
