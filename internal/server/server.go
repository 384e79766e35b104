// Package server implements the network front ends of the command log: a raw
// TCP append/echo service and an HTTP/WebSocket API.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/cmdlog/internal/assembler"
	"github.com/ehrlich-b/cmdlog/internal/logstore"
	"github.com/google/uuid"
)

const (
	// DefaultAddr is the TCP listen address.
	DefaultAddr = ":9000"

	// readBufferSize is the per-session receive buffer.
	readBufferSize = 1024
)

// Config holds TCP server and record settings.
type Config struct {
	Network       string // "tcp4", "tcp", "unix"; default "tcp4"
	Addr          string
	Terminator    byte
	ChunkSize     int
	MaxRecordSize int
}

// AssemblerOptions returns the options every session assembler is built with.
func (c Config) AssemblerOptions() []assembler.Option {
	opts := []assembler.Option{
		assembler.WithChunkSize(c.ChunkSize),
		assembler.WithMaxSize(c.MaxRecordSize),
	}
	if c.Terminator != 0 {
		opts = append(opts, assembler.WithTerminator(c.Terminator))
	}
	return opts
}

// Server accepts TCP connections and runs one session goroutine per client.
// Each session appends the commands it receives and answers every command
// with the full log.
type Server struct {
	cfg   Config
	store *logstore.Store
	log   *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]string // conn -> session id
	wg       sync.WaitGroup
	sessions atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a server over store.
func NewServer(cfg Config, store *logstore.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Network == "" {
		cfg.Network = "tcp4"
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		store:  store,
		log:    log,
		conns:  make(map[net.Conn]string),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins listening and accepting connections in the background.
func (s *Server) Start() error {
	listener, err := net.Listen(s.cfg.Network, s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Info("server listening", "network", s.cfg.Network, "addr", listener.Addr().String())

	go s.acceptLoop(listener)
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Sessions returns the number of connected clients.
func (s *Server) Sessions() int {
	return int(s.sessions.Load())
}

// acceptLoop accepts new client connections.
func (s *Server) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		id := uuid.NewString()
		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = id
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConn(conn, id)
	}
}

// handleConn runs one session and releases the connection on every exit path.
func (s *Server) handleConn(conn net.Conn, id string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	log := s.log.With("session", id, "remote", conn.RemoteAddr().String())
	log.Info("accepted connection")

	// Commits outlive Shutdown; only the read deadline ends a session.
	if err := s.serve(context.WithoutCancel(s.ctx), conn, log); err != nil {
		if s.ctx.Err() != nil && errors.Is(err, os.ErrDeadlineExceeded) {
			log.Debug("session interrupted by shutdown")
		} else {
			log.Warn("session ended with error", "error", err)
		}
	}
	log.Info("closed connection")
}

// ServeConn runs a session on rw until it reaches end of input. It is the
// transport-independent body of every TCP session.
func (s *Server) ServeConn(ctx context.Context, rw io.ReadWriter) error {
	return s.serve(ctx, rw, s.log.With("session", uuid.NewString()))
}

// serve reads input, commits each completed command and replies with the
// whole log after every commit.
func (s *Server) serve(ctx context.Context, rw io.ReadWriter, log *slog.Logger) error {
	s.sessions.Add(1)
	defer s.sessions.Add(-1)

	asm := assembler.New(s.cfg.AssemblerOptions()...)
	defer asm.Reset()

	buf := make([]byte, readBufferSize)
	for {
		n, rerr := rw.Read(buf)
		if n > 0 {
			records, ferr := asm.Feed(buf[:n])
			for _, rec := range records {
				if err := s.store.AppendRecord(ctx, rec); err != nil {
					return fmt.Errorf("append record: %w", err)
				}
				snapshot, err := s.store.Snapshot(ctx)
				if err != nil {
					return fmt.Errorf("snapshot: %w", err)
				}
				if _, err := rw.Write(snapshot); err != nil {
					return fmt.Errorf("send log: %w", err)
				}
			}
			if ferr != nil {
				log.Warn("discarded oversized record", "error", ferr)
			}
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				if asm.Pending() > 0 {
					log.Debug("dropped unterminated input", "bytes", asm.Pending())
				}
				return nil
			}
			return fmt.Errorf("receive: %w", rerr)
		}
	}
}

// Shutdown stops accepting connections, unblocks idle sessions and waits
// for in-flight commits to finish. Connections still open when ctx expires
// are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	// Sessions blocked in Read return immediately; one in the middle of a
	// commit finishes it and then sees the deadline.
	for conn := range s.conns {
		_ = conn.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for conn, id := range s.conns {
			s.log.Warn("closing connection at shutdown", "session", id)
			_ = conn.Close()
		}
		s.mu.Unlock()
		<-done
		return ctx.Err()
	}
}
