// Package engine runs the VM engine on the worker side of the control
// channel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/javanstorm/vmctl/internal/bridge"
	"github.com/javanstorm/vmctl/internal/logging"
	"github.com/javanstorm/vmctl/pkg/vmm"
)

// Engine executes one action and reports its outcome. Handle is only ever
// called from the worker goroutine.
type Engine interface {
	Handle(a vmm.Action) vmm.Outcome
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(a vmm.Action) vmm.Outcome

// Handle calls f(a).
func (f EngineFunc) Handle(a vmm.Action) vmm.Outcome {
	return f(a)
}

// Worker owns the consuming end of the control channel.
type Worker struct {
	ep     *bridge.Endpoint
	eng    Engine
	logger *slog.Logger
}

// NewWorker returns a worker that feeds actions from ep to eng.
func NewWorker(ep *bridge.Endpoint, eng Engine, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Worker{ep: ep, eng: eng, logger: logger}
}

// Run serves actions until ctx is done or the endpoint is closed. Every
// wake drains the whole queue, since any number of submits may be folded
// into one wake.
func (w *Worker) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	n := w.ep.Notifier()
	w.logger.Debug("engine worker started")
	for {
		if err := n.Wait(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, bridge.ErrNotifierClosed) {
				w.logger.Debug("engine worker stopped")
				return nil
			}
			return fmt.Errorf("engine: wait for commands: %w", err)
		}
		if _, err := n.Drain(); err != nil {
			return fmt.Errorf("engine: drain wake counter: %w", err)
		}

		for {
			a, ok := w.ep.Recv()
			if !ok {
				break
			}
			if err := w.ep.Respond(w.handle(a)); err != nil {
				if errors.Is(err, bridge.ErrDisconnected) {
					return nil
				}
				return fmt.Errorf("engine: respond to %s: %w", a.Kind(), err)
			}
		}
	}
}

// handle runs one action. A panicking engine must not leave a caller
// waiting forever, so the panic becomes an internal error outcome.
func (w *Worker) handle(a vmm.Action) (out vmm.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("engine panicked", "action", a.Kind().String(), "panic", fmt.Sprint(r))
			out = vmm.Fail(vmm.NewActionError(vmm.ErrorInternal, "engine panic: %v", r))
		}
	}()

	out = w.eng.Handle(a)
	if out.Err != nil {
		w.logger.Debug("action refused",
			"action", a.Kind().String(),
			"kind", out.Err.Kind.String(),
			"error", out.Err.Message)
	}
	return out
}
