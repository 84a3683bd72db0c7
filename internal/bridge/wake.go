package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrNotifierClosed is returned by Notify and Wait after Close.
var ErrNotifierClosed = errors.New("bridge: notifier closed")

// Notifier is the out-of-band wake primitive that tells the worker commands
// are queued. It is a level-triggered counter: writers only increment it,
// the worker only drains it. Any number of Notify calls before the worker
// polls produce a single wake, and the worker is expected to drain the
// whole command queue on every wake.
type Notifier interface {
	// Notify increments the pending counter.
	Notify() error

	// Wait blocks until the counter is non-zero, ctx is done or the
	// notifier is closed.
	Wait(ctx context.Context) error

	// Drain returns the counter and resets it to zero. Never blocks.
	Drain() (uint64, error)

	// Close releases the notifier. Safe to call more than once.
	Close() error
}

// signalNotifier is the portable Notifier: an atomic counter plus a
// capacity-1 token channel that makes Wait selectable.
type signalNotifier struct {
	count  atomic.Uint64
	ready  chan struct{}
	closed chan struct{}
	once   sync.Once
}

// NewSignal returns a Notifier that works on every platform.
func NewSignal() Notifier {
	return &signalNotifier{
		ready:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (s *signalNotifier) Notify() error {
	select {
	case <-s.closed:
		return ErrNotifierClosed
	default:
	}
	s.count.Add(1)
	select {
	case s.ready <- struct{}{}:
	default:
	}
	return nil
}

func (s *signalNotifier) Wait(ctx context.Context) error {
	for {
		if s.count.Load() > 0 {
			return nil
		}
		select {
		case <-s.ready:
			// A token can outlive the count it announced if Drain ran in
			// between; loop and check the counter again.
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return ErrNotifierClosed
		}
	}
}

func (s *signalNotifier) Drain() (uint64, error) {
	n := s.count.Swap(0)
	select {
	case <-s.ready:
	default:
	}
	return n, nil
}

func (s *signalNotifier) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}
