// Package server owns the TCP listener and the per-connection session loop.
//
// Purpose:
//   - Accept client connections and hand each one to the worker pool.
//   - Drive the read-dispatch-write loop for a connection until the client
//     hangs up, goes idle past the timeout, or the worker is reclaimed.
//
// Key aspects:
//   - One request line is answered completely (terminating END or ERROR
//     line) before the next line is read.
//   - Malformed or over-long lines are answered with an error line and the
//     connection is kept; write failures tear the connection down.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"waveserver/internal/ratelimit"
	"waveserver/pool"
	"waveserver/protocol"
	"waveserver/stats"
)

const (
	defaultIdleTimeout  = 10 * time.Minute
	defaultWriteTimeout = 30 * time.Second
	defaultMaxLineBytes = 1024
	defaultMaxRequest   = 2 * time.Minute
	writeBufferBytes    = 64 << 10
)

var errLineTooLong = errors.New("server: request line too long")

// Options configures the listener and session loop. Zero values take
// defaults.
type Options struct {
	ListenAddress string
	IdleTimeout   time.Duration
	WriteTimeout  time.Duration
	MaxLineBytes  int
	// MaxRequest bounds the time spent answering a single request.
	MaxRequest time.Duration
	Pool       pool.Options
}

func normalizeOptions(opts Options) Options {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.MaxLineBytes < 16 {
		opts.MaxLineBytes = defaultMaxLineBytes
	}
	if opts.MaxRequest <= 0 {
		opts.MaxRequest = defaultMaxRequest
	}
	return opts
}

// Server accepts connections and serves them on pooled workers.
type Server struct {
	opts     Options
	handler  *protocol.Handler
	stats    *stats.Tracker
	pool     *pool.Pool
	listener net.Listener

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	acceptErrors *ratelimit.Counter
}

// New builds a server around handler. st may be nil.
func New(opts Options, handler *protocol.Handler, st *stats.Tracker) *Server {
	opts = normalizeOptions(opts)
	if st == nil {
		st = stats.NewTracker()
	}
	s := &Server{
		opts:         opts,
		handler:      handler,
		stats:        st,
		shutdown:     make(chan struct{}),
		acceptErrors: ratelimit.NewCounter(time.Minute),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.pool = pool.New(opts.Pool, s.serve)
	return s
}

// Pool exposes the worker pool for status reporting.
func (s *Server) Pool() *pool.Pool {
	return s.pool
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	listener, err := listenWithReuse(s.opts.ListenAddress)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.opts.ListenAddress, err)
	}
	s.listener = listener
	log.Printf("server: listening on %s", listener.Addr())

	s.pool.Start(ctx)
	s.wg.Add(1)
	go s.acceptConnections()
	return nil
}

// listenWithReuse enables SO_REUSEADDR so a restarted server can rebind
// immediately. It falls back to a plain Listen when the control call fails.
func listenWithReuse(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			controlErr := c.Control(func(fd uintptr) {
				sockErr = setReuseAddr(fd)
			})
			if controlErr != nil {
				return controlErr
			}
			return sockErr
		},
	}
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return net.Listen("tcp", addr)
	}
	return listener, nil
}

func (s *Server) acceptConnections() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if _, suppressed, ok := s.acceptErrors.Inc(); ok {
				log.Printf("server: accept: %v (suppressed=%d)", err, suppressed)
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetKeepAlive(true)
			_ = tcp.SetKeepAlivePeriod(2 * time.Minute)
		}
		if err := s.pool.Assign(s.ctx, conn); err != nil {
			s.reject(conn, err)
		}
	}
}

// reject tells the client why it is not being served before closing.
func (s *Server) reject(conn net.Conn, err error) {
	addr := conn.RemoteAddr()
	if errors.Is(err, pool.ErrSaturated) {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_, _ = io.WriteString(conn, "? ERROR server busy, try again later\n")
		log.Printf("server: rejected %s: %v", addr, err)
	}
	_ = conn.Close()
}

// Stop closes the listener and every active session.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.shutdown)
		s.cancel()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.wg.Wait()
		s.pool.Stop()
		log.Printf("server: stopped")
	})
}

// serve is the pool handler: the session loop for one connection.
func (s *Server) serve(ctx context.Context, w *pool.Worker, conn net.Conn) {
	s.stats.IncrementConnections()
	addr := conn.RemoteAddr()
	log.Printf("server: session %s on worker %d", addr, w.ID())

	session := protocol.NewSession()
	reader := bufio.NewReaderSize(conn, s.opts.MaxLineBytes)
	writer := bufio.NewWriterSize(conn, writeBufferBytes)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		line, err := readLine(reader)
		if errors.Is(err, errLineTooLong) {
			s.stats.IncrementProtocolErrors()
			if werr := s.writeNow(conn, writer, "? ERROR request line too long\n"); werr != nil {
				w.MarkDead()
				return
			}
			continue
		}
		if err != nil {
			s.logReadError(addr, err)
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			w.Touch()
			continue
		}

		w.Begin()
		reqCtx, cancel := context.WithTimeout(ctx, s.opts.MaxRequest)
		_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
		err = s.handler.Handle(reqCtx, session, line, writer)
		if err == nil {
			err = writer.Flush()
		}
		cancel()
		w.End()
		if err != nil {
			w.MarkDead()
			log.Printf("server: session %s: write: %v", addr, err)
			return
		}
	}
}

func (s *Server) writeNow(conn net.Conn, writer *bufio.Writer, text string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if _, err := writer.WriteString(text); err != nil {
		return err
	}
	return writer.Flush()
}

func (s *Server) logReadError(addr net.Addr, err error) {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		log.Printf("server: session %s closed", addr)
	case errors.As(err, &ne) && ne.Timeout():
		log.Printf("server: session %s idle timeout", addr)
	default:
		log.Printf("server: session %s: read: %v", addr, err)
	}
}

// readLine returns one line without its terminator. A line longer than the
// reader's buffer is consumed through its newline and reported as
// errLineTooLong. A final unterminated line before EOF is returned.
func readLine(r *bufio.Reader) (string, error) {
	buf, err := r.ReadSlice('\n')
	if err == nil {
		return string(buf), nil
	}
	if errors.Is(err, bufio.ErrBufferFull) {
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = r.ReadSlice('\n')
		}
		if err != nil {
			return "", err
		}
		return "", errLineTooLong
	}
	if errors.Is(err, io.EOF) && len(buf) > 0 {
		return string(buf), nil
	}
	return "", err
}
