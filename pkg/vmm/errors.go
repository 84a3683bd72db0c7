package vmm

import "fmt"

// ErrorKind classifies an ActionError.
type ErrorKind int

const (
	// ErrorUpcallNotReady means the engine's hot-plug subsystem has not
	// finished initializing. It is the only transient kind.
	ErrorUpcallNotReady ErrorKind = iota
	ErrorInvalidState
	ErrorInvalidConfig
	ErrorUnsupported
	ErrorDeviceNotFound
	ErrorInternal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorUpcallNotReady:
		return "upcall_not_ready"
	case ErrorInvalidState:
		return "invalid_state"
	case ErrorInvalidConfig:
		return "invalid_config"
	case ErrorUnsupported:
		return "unsupported"
	case ErrorDeviceNotFound:
		return "device_not_found"
	case ErrorInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// ActionError is returned by the engine when it refuses or fails an action.
type ActionError struct {
	Kind    ErrorKind
	Message string
}

// NewActionError returns an ActionError with a formatted message.
func NewActionError(kind ErrorKind, format string, args ...any) *ActionError {
	return &ActionError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ErrUpcallNotReady returns the transient "not ready yet" error.
func ErrUpcallNotReady() *ActionError {
	return &ActionError{Kind: ErrorUpcallNotReady, Message: "upcall server is not ready"}
}

func (e *ActionError) Error() string {
	if e.Message == "" {
		return "vmm action error: " + e.Kind.String()
	}
	return fmt.Sprintf("vmm action error: %s: %s", e.Kind, e.Message)
}

// Temporary reports whether retrying the same action later may succeed.
func (e *ActionError) Temporary() bool {
	return e.Kind == ErrorUpcallNotReady
}

// Is matches another *ActionError of the same kind, so callers can write
// errors.Is(err, vmm.ErrUpcallNotReady()).
func (e *ActionError) Is(target error) bool {
	t, ok := target.(*ActionError)
	return ok && t.Kind == e.Kind
}
