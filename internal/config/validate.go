package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/javanstorm/vmctl/pkg/hypervisor"
)

// Create-time configuration errors.
var (
	ErrMissingKernel   = errors.New("config: kernel_path is required")
	ErrMissingRootfs   = errors.New("config: rootfs is required")
	ErrVcpuRange       = errors.New("config: vcpu must be between 1 and max_vcpu")
	ErrMissingMemory   = errors.New("config: mem_size must be at least 1 MiB")
	ErrHostDeviceFlags = errors.New("config: hostdev_id needs bus_slot_func or sysfs_path")
)

// Validate checks the settings the VM cannot boot without.
func (c *CreateConfig) Validate() error {
	if c.KernelPath == "" {
		return ErrMissingKernel
	}
	if c.Rootfs == "" {
		return ErrMissingRootfs
	}
	if c.Vcpu == 0 || c.Vcpu > c.MaxVcpu {
		return fmt.Errorf("%w (vcpu=%d, max_vcpu=%d)", ErrVcpuRange, c.Vcpu, c.MaxVcpu)
	}
	if c.MemSize == 0 {
		return ErrMissingMemory
	}
	if c.HostDevID != "" && c.BusSlotFunc == "" && c.SysfsPath == "" {
		return ErrHostDeviceFlags
	}
	return nil
}

// ValidationError represents a configuration issue.
type ValidationError struct {
	Field   string
	Message string
	Fatal   bool // true = bootstrap will fail, false = degraded
}

// ValidateCapabilities checks the requested devices against what the
// hypervisor backend can provide.
func ValidateCapabilities(c *CreateConfig, caps hypervisor.Capabilities) []ValidationError {
	var errs []ValidationError

	if c.Vsock != "" && !caps.Vsock {
		errs = append(errs, ValidationError{
			Field:   "vsock",
			Message: "vsock devices are not supported by this hypervisor backend",
			Fatal:   true,
		})
	}
	if hasItems(c.Virnets) && !caps.Networking {
		errs = append(errs, ValidationError{
			Field:   "virnets",
			Message: "network devices are not supported by this hypervisor backend",
			Fatal:   true,
		})
	}
	if hasItems(c.Fs) {
		errs = append(errs, ValidationError{
			Field:   "fs",
			Message: "virtio-fs devices are not supported (no vhost-user-fs backend)",
			Fatal:   true,
		})
	}
	if c.HostDevID != "" {
		errs = append(errs, ValidationError{
			Field:   "hostdev_id",
			Message: "host device passthrough is not supported (no VFIO backend)",
			Fatal:   true,
		})
	}
	if c.PCIHotplugEnabled && !caps.Hotplug {
		errs = append(errs, ValidationError{
			Field:   "pci_hotplug_enabled",
			Message: "hotplug is not supported by this hypervisor backend; update requests will be refused",
		})
	}
	if c.Vcpu < c.MaxVcpu && !caps.Hotplug {
		errs = append(errs, ValidationError{
			Field:   "max_vcpu",
			Message: "vcpu resize is not supported by this hypervisor backend",
		})
	}
	return errs
}

// HasFatal reports whether any error in errs is fatal.
func HasFatal(errs []ValidationError) bool {
	for _, e := range errs {
		if e.Fatal {
			return true
		}
	}
	return false
}

// FormatValidationErrors returns human-readable error summary.
func FormatValidationErrors(errs []ValidationError) string {
	if len(errs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Configuration warnings:\n")
	for _, e := range errs {
		prefix := "Warning"
		if e.Fatal {
			prefix = "Error"
		}
		fmt.Fprintf(&b, "  %s [%s]: %s\n", prefix, e.Field, e.Message)
	}
	return b.String()
}

// hasItems reports whether a JSON device list is non-empty without
// decoding it; Plan reports malformed lists.
func hasItems(list string) bool {
	s := strings.TrimSpace(list)
	return s != "" && s != "[]"
}
