package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/javanstorm/vmctl/internal/logging"
)

// WriteTimeout bounds each write of console output to a client. A client
// that does not keep up is disconnected.
const WriteTimeout = 2 * time.Second

// Socket serves the VM console on a Unix socket. One client is attached at
// a time; a new client replaces the previous one. Output produced while no
// client is attached is discarded.
type Socket struct {
	path         string
	ln           net.Listener
	logger       *slog.Logger
	writeTimeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// Listen binds path, removing a stale socket file first.
func Listen(path string, logger *slog.Logger) (*Socket, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("console: removing stale socket %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("console: listening on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("console: chmod %s: %w", path, err)
	}
	return &Socket{path: path, ln: ln, logger: logger, writeTimeout: WriteTimeout}, nil
}

// Path returns the socket path.
func (s *Socket) Path() string {
	return s.path
}

// Serve accepts clients and relays console traffic until ctx is cancelled
// or the listener is closed. The socket file is removed on return.
func (s *Socket) Serve(ctx context.Context, vmIn io.Writer, vmOut io.Reader) error {
	defer os.Remove(s.path)
	defer s.ln.Close()

	stop := context.AfterFunc(ctx, func() { s.ln.Close() })
	defer stop()

	go s.pumpOutput(vmOut)

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.detach(nil)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("console: accept: %w", err)
		}
		s.logger.Debug("console client attached")
		s.attach(conn)
		go s.pumpInput(conn, vmIn)
	}
}

// Close stops Serve.
func (s *Socket) Close() error {
	return s.ln.Close()
}

func (s *Socket) attach(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
}

// detach drops conn, or the current client when conn is nil.
func (s *Socket) detach(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || (conn != nil && s.conn != conn) {
		return
	}
	s.conn.Close()
	s.conn = nil
}

func (s *Socket) pumpInput(conn net.Conn, vmIn io.Writer) {
	io.Copy(vmIn, conn)
	s.detach(conn)
	s.logger.Debug("console client detached")
}

// pumpOutput copies VM output to the attached client. The write happens
// outside s.mu so a client that stops reading never blocks attach, and the
// deadline drops it so it cannot stall the guest console either.
func (s *Socket) pumpOutput(vmOut io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := vmOut.Read(buf)
		if n > 0 {
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()

			if conn != nil {
				conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
				if _, werr := conn.Write(buf[:n]); werr != nil {
					s.logger.Debug("console client dropped", "error", werr)
					s.detach(conn)
				}
			}
		}
		if err != nil {
			return
		}
	}
}
