// Package console connects a running VM's serial console to the user,
// either on the process's own terminal or on a Unix socket.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"
)

// ErrEscapeSequence is returned when the user triggers the escape sequence.
var ErrEscapeSequence = errors.New("console: escape sequence detected")

// Stdio attaches the VM console to stdin and stdout.
type Stdio struct {
	stdin  *os.File
	stdout *os.File
	fd     int
}

// Current returns the console of the current process.
func Current() *Stdio {
	return &Stdio{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		fd:     int(os.Stdin.Fd()),
	}
}

// IsTTY reports whether stdin is a terminal.
func (c *Stdio) IsTTY() bool {
	return term.IsTerminal(c.fd)
}

// setRaw puts the terminal into raw mode and returns the restore function.
func (c *Stdio) setRaw() (func(), error) {
	oldState, err := term.MakeRaw(c.fd)
	if err != nil {
		return nil, err
	}
	return func() {
		term.Restore(c.fd, oldState)
	}, nil
}

// Attach copies stdin to vmIn and vmOut to stdout. On a terminal, stdin is
// switched to raw mode and Ctrl+] twice detaches with ErrEscapeSequence.
// It returns nil when vmOut ends and ctx.Err() when ctx is cancelled.
func (c *Stdio) Attach(ctx context.Context, vmIn io.Writer, vmOut io.Reader) error {
	var in io.Reader = c.stdin
	escapeReader := NewEscapeReader(c.stdin)
	if c.IsTTY() {
		restore, err := c.setRaw()
		if err != nil {
			return fmt.Errorf("console: raw mode: %w", err)
		}
		defer restore()
		fmt.Fprintf(c.stdout, "Escape sequence: Ctrl+] Ctrl+] (press twice quickly to exit)\r\n")
		in = escapeReader
	}

	// SIGTTOU would stop a background process writing to the terminal.
	signal.Ignore(syscall.SIGTTOU)
	defer signal.Reset(syscall.SIGTTOU)

	// stdin -> VM. The goroutine may stay blocked on stdin after Attach
	// returns; the process exits shortly after.
	go io.Copy(vmIn, in)

	done := make(chan struct{})
	go func() {
		defer close(done)
		io.Copy(c.stdout, vmOut)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-escapeReader.Escaped():
		fmt.Fprintf(c.stdout, "\r\nEscape sequence detected, exiting...\r\n")
		return ErrEscapeSequence
	case <-done:
		return nil
	}
}
