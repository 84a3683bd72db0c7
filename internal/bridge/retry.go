package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/javanstorm/vmctl/internal/logging"
	"github.com/javanstorm/vmctl/pkg/vmm"
)

const (
	// DefaultMaxAttempts is how many times an action is tried while the
	// engine keeps answering ErrorUpcallNotReady.
	DefaultMaxAttempts = 500

	// DefaultBackoff is the pause between attempts.
	DefaultBackoff = 10 * time.Millisecond
)

// ErrRetriesExhausted is returned when every attempt hit ErrorUpcallNotReady.
var ErrRetriesExhausted = errors.New("bridge: retries exhausted")

// RetryObserver receives the number of attempts each retried call took.
type RetryObserver interface {
	ObserveAttempts(kind vmm.ActionKind, attempts int)
}

// Retrier retries actions that the engine refuses because its hot-plug
// subsystem is not ready yet. Every other outcome is returned as is.
type Retrier struct {
	caller      Caller
	maxAttempts int
	backoff     time.Duration
	sleep       func(time.Duration)
	logger      *slog.Logger
	observer    RetryObserver
}

// RetryOption configures a Retrier.
type RetryOption func(*Retrier)

// WithMaxAttempts overrides DefaultMaxAttempts. Values below 1 are ignored.
func WithMaxAttempts(n int) RetryOption {
	return func(r *Retrier) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithBackoff overrides DefaultBackoff.
func WithBackoff(d time.Duration) RetryOption {
	return func(r *Retrier) { r.backoff = d }
}

// WithSleep replaces time.Sleep, for tests.
func WithSleep(sleep func(time.Duration)) RetryOption {
	return func(r *Retrier) { r.sleep = sleep }
}

// WithRetryLogger sets the logger.
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(r *Retrier) { r.logger = logger }
}

// WithRetryObserver registers a RetryObserver.
func WithRetryObserver(o RetryObserver) RetryOption {
	return func(r *Retrier) { r.observer = o }
}

// NewRetrier wraps caller with the retry policy.
func NewRetrier(caller Caller, opts ...RetryOption) *Retrier {
	r := &Retrier{
		caller:      caller,
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
		sleep:       time.Sleep,
		logger:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CallWithRetry calls a until it succeeds, fails with anything other than
// ErrorUpcallNotReady, or maxAttempts attempts have been made.
func (r *Retrier) CallWithRetry(a vmm.Action) (vmm.Data, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		data, err := r.caller.Call(a)
		if err == nil || !IsNotReady(err) {
			r.observe(a.Kind(), attempt)
			if attempt > 1 {
				r.logger.Debug("action settled after retries",
					"action", a.Kind().String(),
					"attempts", attempt,
				)
			}
			return data, err
		}
		lastErr = err
		if attempt < r.maxAttempts {
			r.sleep(r.backoff)
		}
	}

	r.observe(a.Kind(), r.maxAttempts)
	r.logger.Warn("action never became ready",
		"action", a.Kind().String(),
		"attempts", r.maxAttempts,
	)
	return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrRetriesExhausted, a.Kind(), r.maxAttempts, lastErr)
}

// AsCaller exposes the retry policy as a Caller.
func (r *Retrier) AsCaller() Caller {
	return CallerFunc(r.CallWithRetry)
}

func (r *Retrier) observe(kind vmm.ActionKind, attempts int) {
	if r.observer != nil {
		r.observer.ObserveAttempts(kind, attempts)
	}
}
