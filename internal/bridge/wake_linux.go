//go:build linux

package bridge

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// pollInterval bounds how long Wait sleeps in poll(2) before rechecking ctx.
const pollInterval = 50 // milliseconds

// eventFD is a Notifier backed by a non-blocking eventfd(2). The kernel
// counter gives the level-triggered, idempotent semantics for free.
type eventFD struct {
	mu     sync.RWMutex
	fd     int
	closed bool
}

// NewEventFD returns an eventfd-backed Notifier.
func NewEventFD() (Notifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("bridge: create eventfd: %w", err)
	}
	return &eventFD{fd: fd}, nil
}

// NewNotifier returns the best Notifier for the platform.
func NewNotifier() (Notifier, error) {
	return NewEventFD()
}

func (e *eventFD) Notify() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrNotifierClosed
	}

	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(e.fd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		// Counter saturated: a wake is already pending.
		return nil
	}
	if err != nil {
		return fmt.Errorf("bridge: write eventfd: %w", err)
	}
	return nil
}

func (e *eventFD) Wait(ctx context.Context) error {
	for {
		e.mu.RLock()
		if e.closed {
			e.mu.RUnlock()
			return ErrNotifierClosed
		}
		fds := []unix.PollFd{{Fd: int32(e.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, pollInterval)
		e.mu.RUnlock()

		if err != nil && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("bridge: poll eventfd: %w", err)
		}
		if n > 0 && fds[0].Revents&unix.POLLIN != 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (e *eventFD) Drain() (uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return 0, ErrNotifierClosed
	}

	var buf [8]byte
	_, err := unix.Read(e.fd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("bridge: read eventfd: %w", err)
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

func (e *eventFD) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return unix.Close(e.fd)
}
