package smtp

import (
	"context"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smtpsink/smtpsink/internal/metrics"
	"github.com/smtpsink/smtpsink/internal/sink"
)

// shutdownTimeout is the maximum time to wait for in-flight sessions
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// ServerConfig holds the configuration for the capture server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., "localhost:2525").
	ListenAddr string

	// Workers is the session worker-pool size. Defaults to the number
	// of available processors.
	Workers int

	// QueueSize bounds the number of accepted connections waiting for a
	// free worker. When the queue is full the accept loop blocks, so
	// excess load stays in the kernel backlog.
	QueueSize int

	// IdleTimeout is the per-read deadline on session connections.
	// Zero disables it.
	IdleTimeout time.Duration

	// Sinks receive every successfully completed session record.
	Sinks []sink.Sink
}

// Server accepts SMTP connections and dispatches each to a fixed pool of
// session workers. A worker runs the protocol engine against the stream
// and, on success, hands the finished record to the configured sinks. One
// session's failure never affects other sessions or the pool.
type Server struct {
	config ServerConfig
	queue  chan net.Conn

	mu       sync.Mutex
	listener net.Listener

	// wg tracks worker goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new capture Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Workers < 1 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}

	return &Server{
		config: cfg,
		queue:  make(chan net.Conn, cfg.QueueSize),
	}
}

// ListenAndServe starts the server and blocks until the context is
// cancelled. On cancellation it stops accepting, lets queued and in-flight
// sessions finish, and waits up to 30 seconds before giving up on them.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("SMTP capture server listening",
		"addr", ln.Addr().String(),
		"workers", s.config.Workers,
		"queue_size", s.config.QueueSize,
	)

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	// Monitor context for shutdown
	go func() {
		<-ctx.Done()
		slog.Info("shutting down SMTP capture server")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Expected error from listener close during shutdown
				close(s.queue)
				s.waitForSessions()
				return nil
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		// FIFO dispatch; blocks when all workers are busy and the
		// queue is full. Cancellation during the wait drops the
		// connection so shutdown cannot hang on a full queue.
		select {
		case s.queue <- conn:
		case <-ctx.Done():
			conn.Close()
		}
	}
}

// worker consumes accepted connections until the queue is closed.
func (s *Server) worker(ctx context.Context) {
	defer s.wg.Done()
	for conn := range s.queue {
		s.handle(ctx, conn)
	}
}

// handle runs one session from stream to record.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	id := uuid.NewString()
	log := slog.With("session", id, "remote", conn.RemoteAddr().String())
	log.Debug("session started")

	r := deadlineReader{conn: conn, timeout: s.config.IdleTimeout}
	result, err := NewEngine(r, conn).Run()
	if err != nil {
		log.Warn("session failed", "error", err)
		metrics.SessionInc("error")
		return
	}

	for _, snk := range s.config.Sinks {
		if err := snk.Record(ctx, result); err != nil {
			log.Error("sink failed", "sink", snk.Name(), "error", err)
		}
	}

	metrics.SessionInc("ok")
	metrics.MessagesAdd(len(result.Messages))
	log.Info("session captured",
		"sender_domain", result.SenderDomain,
		"messages", len(result.Messages),
	)
}

// waitForSessions waits for all workers to drain the queue, with a maximum
// timeout to prevent indefinite blocking on stalled peers.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// deadlineReader extends the connection read deadline before every blocking
// read, so a stalled peer cannot hold a worker forever.
type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (d deadlineReader) Read(p []byte) (int, error) {
	if d.timeout > 0 {
		if err := d.conn.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
			return 0, err
		}
	}
	return d.conn.Read(p)
}
