// Package apiserver serves the administrative protocol: one JSON command
// per Unix socket connection, executed against the VM engine through the
// control channel. Nothing is ever written back to the client.
package apiserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/javanstorm/vmctl/internal/bridge"
	"github.com/javanstorm/vmctl/internal/logging"
	"github.com/javanstorm/vmctl/pkg/vmm"
)

// DefaultMaxRequestSize bounds one command. Anything past it is cut off
// and fails to decode.
const DefaultMaxRequestSize = 1024 * 1024

// readTimeout is how long a client has to send its command and close
// its write side.
const readTimeout = 30 * time.Second

// Request outcome labels passed to Observer.
const (
	ResultOK          = "ok"
	ResultIgnored     = "ignored"
	ResultDecodeError = "decode_error"
	ResultFailed      = "failed"
)

// Retrier issues an action, retrying while the engine is not ready.
type Retrier interface {
	CallWithRetry(a vmm.Action) (vmm.Data, error)
}

// Observer receives one event per dispatched command.
type Observer interface {
	ObserveRequest(action, result string)
}

// Server accepts administrative connections one at a time.
type Server struct {
	caller         bridge.Caller
	retrier        Retrier
	logger         *slog.Logger
	observer       Observer
	maxRequestSize int64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithObserver registers an Observer.
func WithObserver(o Observer) Option {
	return func(s *Server) { s.observer = o }
}

// WithMaxRequestSize overrides DefaultMaxRequestSize.
func WithMaxRequestSize(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxRequestSize = n
		}
	}
}

// New returns a Server that issues configuration actions through caller
// and device attachments through retrier.
func New(caller bridge.Caller, retrier Retrier, opts ...Option) *Server {
	s := &Server{
		caller:         caller,
		retrier:        retrier,
		logger:         logging.Nop(),
		maxRequestSize: DefaultMaxRequestSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe binds socketPath, replacing a stale socket file, and
// serves until ctx is cancelled. The socket file is removed on return.
func (s *Server) ListenAndServe(ctx context.Context, socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("apiserver: removing stale socket %s: %w", socketPath, err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("apiserver: listening on %s: %w", socketPath, err)
	}
	defer os.Remove(socketPath)

	// Access control is file permissions only.
	if err := os.Chmod(socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("apiserver: chmod %s: %w", socketPath, err)
	}

	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener and handles them sequentially.
// It returns nil once ctx is cancelled. Any other accept error ends the
// server and is returned.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	defer listener.Close()

	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	s.logger.Info("api server listening", "addr", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("api server stopped")
				return nil
			}
			return fmt.Errorf("apiserver: accept: %w", err)
		}
		s.handleConnection(conn)
	}
}

// handleConnection reads one command to end of stream and dispatches it.
// Failures stay with the connection.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	logger := s.logger.With("conn", uuid.NewString())
	conn.SetReadDeadline(time.Now().Add(readTimeout))

	payload, err := io.ReadAll(io.LimitReader(conn, s.maxRequestSize))
	if err != nil {
		logger.Warn("reading request failed", "error", err)
		return
	}
	if len(payload) == 0 {
		logger.Debug("client sent nothing")
		return
	}

	if err := s.dispatch(payload, logger); err != nil {
		logger.Error("request failed", "error", err)
		return
	}
	logger.Debug("request handled", "request", string(payload))
}

// Dispatch decodes one command and executes it. Decoding completes before
// the first action is issued, so a malformed command issues nothing.
// Batches stop at the first failing action.
func (s *Server) Dispatch(payload []byte) error {
	return s.dispatch(payload, s.logger)
}

func (s *Server) dispatch(payload []byte, logger *slog.Logger) error {
	cmd, err := decodeCommand(payload)
	if err != nil {
		s.observe(cmd.name, ResultDecodeError)
		return err
	}

	switch {
	case !cmd.known:
		logger.Warn("unknown action", "action", cmd.name)
		s.observe("", ResultIgnored)
		return nil
	case len(cmd.actions) == 0:
		logger.Info("no devices given, nothing to do", "action", cmd.name)
		s.observe(cmd.name, ResultIgnored)
		return nil
	}

	for i, a := range cmd.actions {
		var err error
		if vmm.IsHotplug(a) {
			_, err = s.retrier.CallWithRetry(a)
		} else {
			_, err = s.caller.Call(a)
		}
		if err != nil {
			s.observe(cmd.name, ResultFailed)
			return fmt.Errorf("%s: %s %d of %d (%s): %w",
				cmd.name, a.Kind(), i+1, len(cmd.actions), describe(a), err)
		}
	}

	logger.Info("action applied", "action", cmd.name, "count", len(cmd.actions))
	s.observe(cmd.name, ResultOK)
	return nil
}

func (s *Server) observe(action, result string) {
	if s.observer == nil {
		return
	}
	// Unknown names are client input; keep them out of metric labels.
	if action == "" {
		action = "unknown"
	}
	s.observer.ObserveRequest(action, result)
}

// describe names the device an action targets, for error messages.
func describe(a vmm.Action) string {
	switch act := a.(type) {
	case vmm.InsertNetworkDevice:
		return act.Config.DeviceName()
	case vmm.InsertBlockDevice:
		return "virtio-blk(" + act.Config.DriveID + ")"
	case vmm.InsertHostDevice:
		return act.Config.HostDevID
	case vmm.PrepareRemoveHostDevice:
		return act.HostDevID
	case vmm.RemoveHostDevice:
		return act.HostDevID
	case vmm.InsertMemoryDevice:
		return act.Config.MemID
	case vmm.ManipulateFsBackend:
		return act.Config.Ops + " " + act.Config.Mountpoint
	default:
		return a.Kind().String()
	}
}

// IsDecodeError reports whether err came from decoding a command rather
// than from executing it.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrDecode)
}
