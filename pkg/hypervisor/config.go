package hypervisor

// Disk is a block device attached at boot.
type Disk struct {
	// ID is the drive identifier used by the engine.
	ID string

	// Path is the host file backing the disk.
	Path string

	// ReadOnly opens the disk read-only.
	ReadOnly bool

	// Root marks the boot disk. At most one disk may be root.
	Root bool
}

// VMConfig holds VM configuration parameters.
type VMConfig struct {
	// CPUs is the number of virtual CPUs online at boot.
	CPUs int

	// MaxCPUs bounds later vCPU resizes. Zero means CPUs.
	MaxCPUs int

	// MemoryMB is the amount of memory in megabytes.
	MemoryMB int

	// Kernel is the path to the Linux kernel image.
	Kernel string

	// Initrd is the path to the initial ramdisk (optional).
	Initrd string

	// Cmdline is the kernel command line.
	Cmdline string

	// Disks are attached in order. The root disk, if any, should come first.
	Disks []Disk

	// EnableNetwork enables VM networking.
	EnableNetwork bool

	// NetworkMode specifies the network mode ("nat" or "bridged").
	// Currently only "nat" is supported.
	NetworkMode string

	// MACAddress is an optional custom MAC address.
	// If empty, a random locally-administered MAC will be generated.
	MACAddress string

	// VsockCID enables a virtio-vsock device with this guest CID when non-zero.
	VsockCID uint32
}

// Validate performs basic validation of the configuration.
func (c *VMConfig) Validate() error {
	if c.CPUs < 1 {
		return ErrInvalidCPUCount
	}
	if c.MaxCPUs != 0 && c.MaxCPUs < c.CPUs {
		return ErrInvalidCPUCount
	}
	if c.MemoryMB < 1 {
		return ErrInsufficientMemory
	}
	if c.Kernel == "" {
		return ErrMissingKernel
	}
	roots := 0
	for _, d := range c.Disks {
		if d.Path == "" {
			return ErrMissingDiskPath
		}
		if d.Root {
			roots++
		}
	}
	if roots > 1 {
		return ErrMultipleRootDisks
	}
	if c.EnableNetwork {
		if c.NetworkMode == "" {
			c.NetworkMode = "nat" // Default to NAT
		}
		if c.NetworkMode != "nat" && c.NetworkMode != "bridged" {
			return ErrInvalidNetworkMode
		}
	}
	return nil
}

// RootDisk returns the root disk, if one is configured.
func (c *VMConfig) RootDisk() (Disk, bool) {
	for _, d := range c.Disks {
		if d.Root {
			return d, true
		}
	}
	return Disk{}, false
}
