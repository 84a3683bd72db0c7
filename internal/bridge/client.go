package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/javanstorm/vmctl/internal/logging"
	"github.com/javanstorm/vmctl/pkg/vmm"
)

// ErrChannelClosed is returned by Call when the control channel is gone.
// It wraps ErrDisconnected.
var ErrChannelClosed = errors.New("bridge: control channel closed")

// Round trip result labels passed to Observer.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultClosed   = "closed"
	ResultFailed   = "failed"
)

// RejectedError is returned by Call when the engine answered with an
// ActionError. errors.As reaches both the RejectedError and the wrapped
// *vmm.ActionError.
type RejectedError struct {
	Action vmm.ActionKind
	Err    *vmm.ActionError
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected: %v", e.Action, e.Err)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// Caller issues one action and returns its success payload.
type Caller interface {
	Call(a vmm.Action) (vmm.Data, error)
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(a vmm.Action) (vmm.Data, error)

// Call calls f(a).
func (f CallerFunc) Call(a vmm.Action) (vmm.Data, error) {
	return f(a)
}

// Observer receives one event per completed round trip.
type Observer interface {
	ObserveRoundTrip(kind vmm.ActionKind, result string, elapsed time.Duration)
}

// Client performs synchronous round trips over a Channel. It is safe for
// concurrent use; concurrent calls are serialized first come, first served.
type Client struct {
	// mu spans Submit and Await. Holding it only around Await would let
	// two callers submit before either awaits and swap outcomes.
	mu       sync.Mutex
	ch       *Channel
	logger   *slog.Logger
	observer Observer
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger used for per-call debug output.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithObserver registers an Observer.
func WithObserver(o Observer) ClientOption {
	return func(c *Client) { c.observer = o }
}

// NewClient returns a Client over ch.
func NewClient(ch *Channel, opts ...ClientOption) *Client {
	c := &Client{
		ch:     ch,
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call submits a, waits for its outcome and unwraps it.
func (c *Client) Call(a vmm.Action) (vmm.Data, error) {
	start := time.Now()
	outcome, err := c.roundTrip(a)
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, ErrDisconnected):
		c.observe(a.Kind(), ResultClosed, elapsed)
		c.logger.Debug("round trip failed", "action", a.Kind().String(), "error", err)
		return nil, fmt.Errorf("%w: %w", ErrChannelClosed, err)
	case err != nil:
		c.observe(a.Kind(), ResultFailed, elapsed)
		c.logger.Debug("round trip failed", "action", a.Kind().String(), "error", err)
		return nil, fmt.Errorf("bridge: %s: %w", a.Kind(), err)
	case outcome.Err != nil:
		c.observe(a.Kind(), ResultRejected, elapsed)
		c.logger.Debug("action rejected",
			"action", a.Kind().String(),
			"kind", outcome.Err.Kind.String(),
			"error", outcome.Err,
		)
		return nil, &RejectedError{Action: a.Kind(), Err: outcome.Err}
	}

	c.observe(a.Kind(), ResultOK, elapsed)
	c.logger.Debug("action completed", "action", a.Kind().String(), "elapsed", elapsed)
	if outcome.Data == nil {
		return vmm.Empty{}, nil
	}
	return outcome.Data, nil
}

func (c *Client) roundTrip(a vmm.Action) (vmm.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ch.Submit(a); err != nil {
		return vmm.Outcome{}, err
	}
	return c.ch.Await()
}

func (c *Client) observe(kind vmm.ActionKind, result string, elapsed time.Duration) {
	if c.observer != nil {
		c.observer.ObserveRoundTrip(kind, result, elapsed)
	}
}

// IsNotReady reports whether err is an engine rejection with the transient
// ErrorUpcallNotReady kind.
func IsNotReady(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected) && rejected.Err != nil && rejected.Err.Temporary()
}
