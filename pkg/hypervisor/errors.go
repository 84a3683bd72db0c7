package hypervisor

import "errors"

// Configuration errors
var (
	ErrInvalidCPUCount    = errors.New("hypervisor: CPU count must be at least 1 and at most the max CPU count")
	ErrInsufficientMemory = errors.New("hypervisor: memory must be at least 1MB")
	ErrMissingKernel      = errors.New("hypervisor: kernel path is required")
	ErrMissingDiskPath    = errors.New("hypervisor: disk path is required")
	ErrMultipleRootDisks  = errors.New("hypervisor: only one root disk is allowed")
	ErrInvalidNetworkMode = errors.New("hypervisor: network mode must be 'nat' or 'bridged'")
)

// Runtime errors
var (
	ErrNotCreated     = errors.New("hypervisor: VM not created")
	ErrAlreadyRunning = errors.New("hypervisor: VM is already running")
	ErrNotRunning     = errors.New("hypervisor: VM is not running")
)

// Platform errors
var (
	ErrUnsupportedPlatform = errors.New("hypervisor: platform not supported")
)
