package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hthuynh/cacheproxy/internal/cache"
	"github.com/hthuynh/cacheproxy/internal/config"
	"github.com/hthuynh/cacheproxy/internal/logging"
	"github.com/hthuynh/cacheproxy/internal/metrics"
	"github.com/hthuynh/cacheproxy/internal/ratelimit"
)

// Server is the acceptor: it owns the listening socket, dispatches
// each accepted connection to an independent worker goroutine, and
// coordinates shutdown of the workers and the shared store. The store
// is the only state workers share.
type Server struct {
	store   *cache.Store
	limiter *ratelimit.Limiter
	logger  *logging.Logger
	metrics *metrics.Metrics

	addr        string
	dialTimeout time.Duration
	maxObject   int64

	mu       sync.Mutex // guards listener across Start/Addr/Shutdown
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer wires the acceptor from configuration and its
// collaborators. The limiter may be nil.
func NewServer(cfg *config.Config, store *cache.Store, limiter *ratelimit.Limiter,
	logger *logging.Logger, m *metrics.Metrics) (*Server, error) {
	if store == nil {
		return nil, errors.New("proxy: nil store")
	}
	if logger == nil || m == nil {
		return nil, errors.New("proxy: nil logger or metrics")
	}

	return &Server{
		store:       store,
		limiter:     limiter,
		logger:      logger,
		metrics:     m,
		addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		dialTimeout: cfg.Server.DialTimeout,
		maxObject:   cfg.Cache.MaxObjectSize,
	}, nil
}

// Start binds the listener and runs the accept loop. It returns when
// the listener is closed, when accept fails, or when the context is
// cancelled; cancelling the context does not close the listener, so
// the loop keeps accepting until Shutdown closes it. The accept loop
// never blocks on worker completion; every connection runs in its own
// goroutine.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info(ctx, "proxy listening", slog.String("addr", ln.Addr().String()))

	errChan := make(chan error, 1)
	go s.acceptLoop(ln, errChan)

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the bound listener address, usable once Start has
// bound the socket. Tests rely on this with port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// acceptLoop accepts connections until the listener closes. A closed
// listener is the clean shutdown path and yields a nil error.
func (s *Server) acceptLoop(ln net.Listener, errChan chan<- error) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				errChan <- nil
				return
			}
			errChan <- fmt.Errorf("accept: %w", err)
			return
		}

		if !s.admit(conn) {
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

// admit applies the per-client connection limit. Over-limit clients
// are answered with an error page off the accept loop, before any
// worker is spawned.
func (s *Server) admit(conn net.Conn) bool {
	if s.limiter == nil {
		return true
	}

	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	if s.limiter.Allow(host) {
		return true
	}

	s.metrics.RecordRequest(metrics.OutcomeRejected, 0)
	s.logger.Warn(context.Background(), "connection rate limited",
		slog.String("client", conn.RemoteAddr().String()))
	go reject(conn, host)
	return false
}

// reject drains whatever request the client already sent, bounded by a
// short deadline, then answers 503 and closes. Draining first keeps
// the close from resetting the connection under the client's read.
func reject(conn net.Conn, host string) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil || line == "\r\n" || line == "\n" {
			break
		}
	}
	conn.SetWriteDeadline(time.Now().Add(500 * time.Millisecond))
	clientError(conn, host, "503", "Service Unavailable",
		"Too many connections from this client")
}

// Shutdown closes the listener, waits for in-flight workers up to the
// context deadline, then tears the store down. Workers still blocked
// on origin I/O past the deadline are abandoned with their sockets;
// the process is exiting anyway.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.store.Shutdown()
	return err
}
