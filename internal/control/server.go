package control

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/ehrlich-b/cmdlog/internal/logstore"
	"golang.org/x/crypto/sha3"
)

// SessionCounter reports the number of connected clients.
type SessionCounter interface {
	Sessions() int
}

// Server is the Unix control socket server.
type Server struct {
	socketPath string
	store      *logstore.Store
	sessions   SessionCounter
	version    string
	log        *slog.Logger

	mu      sync.Mutex
	clients map[net.Conn]struct{}
	wg      sync.WaitGroup

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewServer creates a control server. sessions may be nil.
func NewServer(socketPath string, store *logstore.Store, sessions SessionCounter, version string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: socketPath,
		store:      store,
		sessions:   sessions,
		version:    version,
		log:        log,
		clients:    make(map[net.Conn]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins listening on the Unix socket.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	// Remove a stale socket left by a previous run
	if _, err := os.Stat(s.socketPath); err == nil {
		if IsRunning(s.socketPath) {
			return fmt.Errorf("control socket %s is in use", s.socketPath)
		}
		if err := os.Remove(s.socketPath); err != nil {
			return fmt.Errorf("remove existing socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	s.listener = listener

	// Readable/writable by owner only
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		s.log.Warn("failed to set socket permissions", "error", err)
	}

	s.log.Info("control socket listening", "socket", s.socketPath)

	go s.acceptLoop()
	return nil
}

// Stop closes the listener and every client, then removes the socket file.
func (s *Server) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.clients {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()

	os.Remove(s.socketPath)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
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

		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.clients[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleClient(conn)
	}
}

// handleClient answers requests until the client disconnects.
func (s *Server) handleClient(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msgType, _, err := Decode(line)
		if err != nil {
			s.log.Warn("decode error", "error", err)
			s.sendError(conn, "malformed message")
			continue
		}

		switch msgType {
		case TypeStatusRequest:
			s.handleStatus(conn)
		case TypeClearRequest:
			s.handleClear(conn)
		default:
			s.sendError(conn, fmt.Sprintf("unknown message type %q", msgType))
		}
	}
}

func (s *Server) handleStatus(conn net.Conn) {
	resp, err := s.status()
	if err != nil {
		s.sendError(conn, err.Error())
		return
	}
	s.send(conn, TypeStatusResponse, resp)
}

func (s *Server) handleClear(conn net.Conn) {
	if err := s.store.Clear(s.ctx); err != nil {
		s.sendError(conn, err.Error())
		return
	}
	resp, err := s.status()
	if err != nil {
		s.sendError(conn, err.Error())
		return
	}
	s.log.Info("log cleared over control socket")
	s.send(conn, TypeClearResponse, ClearResponse{Status: resp})
}

// status gathers counters and a digest of the current log.
func (s *Server) status() (StatusResponse, error) {
	st, data, err := s.store.StatSnapshot(s.ctx)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("stat log: %w", err)
	}

	resp := StatusResponse{
		Records:   st.Records,
		Bytes:     st.Bytes,
		Capacity:  st.Capacity,
		Appends:   st.Appends,
		Evictions: st.Evictions,
		Backend:   st.Backend,
		Digest:    Digest(data),
		Version:   s.version,
	}
	if s.sessions != nil {
		resp.Sessions = s.sessions.Sessions()
	}
	return resp, nil
}

// Digest returns the hex SHA3-256 of data.
func Digest(data []byte) string {
	h := sha3.New256()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Server) send(conn net.Conn, msgType string, payload any) {
	data, err := Encode(msgType, payload)
	if err != nil {
		s.log.Warn("encode error", "error", err)
		return
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		s.log.Warn("write error", "error", err)
	}
}

func (s *Server) sendError(conn net.Conn, message string) {
	s.send(conn, TypeError, Error{Message: message})
}
