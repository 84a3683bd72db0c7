// Package bridge carries actions from any number of caller goroutines to
// the single VM engine worker and carries outcomes back.
//
// The transport has no per-call correlation id. Use Client, whose lock
// spans submit and await, rather than driving Channel directly from more
// than one goroutine.
package bridge

import (
	"errors"
	"fmt"
	"sync"

	"github.com/javanstorm/vmctl/pkg/vmm"
)

// DefaultCapacity is the queue depth used when New is given capacity <= 0.
const DefaultCapacity = 64

// ErrDisconnected is the transport error: the worker side is gone.
var ErrDisconnected = errors.New("bridge: channel disconnected")

// ErrNotDelivered is returned by Submit when the worker could not be woken
// and the action was withdrawn from the queue. The channel stays usable.
var ErrNotDelivered = errors.New("bridge: action not delivered")

// Channel is the caller side of the control channel. It is safe to share
// between goroutines; Go channels are multi-producer.
type Channel struct {
	requests  chan vmm.Action
	responses chan vmm.Outcome
	notifier  Notifier
	done      chan struct{}
}

// Endpoint is the worker side of the control channel. Exactly one
// goroutine, the engine worker, should use it.
type Endpoint struct {
	ch   *Channel
	once sync.Once
}

// New creates a control channel and returns both of its ends. The
// notifier is owned by the endpoint and closed with it.
func New(capacity int, notifier Notifier) (*Channel, *Endpoint) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	ch := &Channel{
		requests:  make(chan vmm.Action, capacity),
		responses: make(chan vmm.Outcome, capacity),
		notifier:  notifier,
		done:      make(chan struct{}),
	}
	return ch, &Endpoint{ch: ch}
}

// Submit enqueues a for the worker and wakes it. It blocks while the queue
// is full and never drops a command.
func (c *Channel) Submit(a vmm.Action) error {
	select {
	case <-c.done:
		return ErrDisconnected
	default:
	}

	select {
	case c.requests <- a:
	case <-c.done:
		return ErrDisconnected
	}

	err := c.notifier.Notify()
	if err == nil || errors.Is(err, ErrNotifierClosed) {
		// A closed notifier means the endpoint is closing; Await sees done.
		return nil
	}

	// The worker was not woken. Take the action back so no outcome is
	// produced for a caller that will not await it. If the worker already
	// took it, the outcome is on its way and the caller must await.
	select {
	case <-c.requests:
		return fmt.Errorf("%w: %w", ErrNotDelivered, err)
	default:
		return nil
	}
}

// Await blocks until the worker produces an outcome. There is no timeout:
// a stalled worker blocks the caller forever.
func (c *Channel) Await() (vmm.Outcome, error) {
	select {
	case o := <-c.responses:
		return o, nil
	case <-c.done:
	}

	// The worker may have answered just before shutting down.
	select {
	case o := <-c.responses:
		return o, nil
	default:
		return vmm.Outcome{}, ErrDisconnected
	}
}

// Notifier returns the wake primitive the worker polls.
func (e *Endpoint) Notifier() Notifier {
	return e.ch.notifier
}

// Recv returns the next queued action without blocking.
func (e *Endpoint) Recv() (vmm.Action, bool) {
	select {
	case a := <-e.ch.requests:
		return a, true
	default:
		return nil, false
	}
}

// Respond hands an outcome back to the waiting caller.
func (e *Endpoint) Respond(o vmm.Outcome) error {
	select {
	case <-e.ch.done:
		return ErrDisconnected
	default:
	}

	select {
	case e.ch.responses <- o:
		return nil
	case <-e.ch.done:
		return ErrDisconnected
	}
}

// Close tears down the worker side. Pending and future Submit and Await
// calls fail with ErrDisconnected.
func (e *Endpoint) Close() error {
	var err error
	e.once.Do(func() {
		close(e.ch.done)
		err = e.ch.notifier.Close()
	})
	return err
}
