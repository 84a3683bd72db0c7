package vmm

import "fmt"

// CPUTopology describes the guest CPU layout.
type CPUTopology struct {
	ThreadsPerCore uint8 `json:"threads_per_core"`
	CoresPerDie    uint8 `json:"cores_per_die"`
	DiesPerSocket  uint8 `json:"dies_per_socket"`
	Sockets        uint8 `json:"sockets"`
}

// VMConfigInfo holds VM-wide configuration.
type VMConfigInfo struct {
	// VcpuCount is the number of vCPUs online at boot.
	VcpuCount uint8 `json:"vcpu_count"`

	// MaxVcpuCount bounds later ResizeVcpu requests.
	MaxVcpuCount uint8 `json:"max_vcpu_count"`

	// CPUPM is the cpu power management mode ("on" or "off").
	CPUPM string `json:"cpu_pm"`

	CPUTopology CPUTopology `json:"cpu_topology"`

	// VPMUFeature is the vPMU support level (0 disables it).
	VPMUFeature uint8 `json:"vpmu_feature"`

	// MemType is the guest memory backing, "shmem" or "hugetlbfs".
	MemType string `json:"mem_type"`

	// MemFilePath is the backing file for MemType, if any.
	MemFilePath string `json:"mem_file_path"`

	// MemSizeMib is the boot memory size.
	MemSizeMib uint64 `json:"mem_size_mib"`

	// SerialPath is the console socket. Nil means stdio.
	SerialPath *string `json:"serial_path,omitempty"`
}

// BootSourceConfig selects what the VM boots.
type BootSourceConfig struct {
	KernelPath string  `json:"kernel_path"`
	InitrdPath *string `json:"initrd_path,omitempty"`
	BootArgs   *string `json:"boot_args,omitempty"`
}

// BlockDeviceConfigInfo describes a virtio-blk device.
type BlockDeviceConfigInfo struct {
	DriveID      string `json:"drive_id"`
	DeviceType   string `json:"device_type,omitempty"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	PartUUID     string `json:"part_uuid,omitempty"`
	IsReadOnly   bool   `json:"is_read_only"`
	IsDirect     bool   `json:"is_direct"`
	NoDrop       bool   `json:"no_drop"`
	NumQueues    int    `json:"num_queues,omitempty"`
	QueueSize    int    `json:"queue_size,omitempty"`
}

// Network backends.
const (
	NetBackendVirtio    = "virtio"
	NetBackendVhost     = "vhost"
	NetBackendVhostUser = "vhost-user"
)

// NetworkInterfaceConfig describes a network device. Backend selects how
// HostDevName or SockPath is interpreted; empty means virtio.
type NetworkInterfaceConfig struct {
	IfaceID           string `json:"iface_id"`
	Backend           string `json:"backend,omitempty"`
	HostDevName       string `json:"host_dev_name,omitempty"`
	SockPath          string `json:"sock_path,omitempty"`
	GuestMAC          string `json:"guest_mac,omitempty"`
	NumQueues         int    `json:"num_queues,omitempty"`
	QueueSize         int    `json:"queue_size,omitempty"`
	AllowDuplicateMAC bool   `json:"allow_duplicate_mac,omitempty"`
	UseSharedIRQ      *bool  `json:"use_shared_irq,omitempty"`
	UseGenericIRQ     *bool  `json:"use_generic_irq,omitempty"`
}

// DeviceName renders a short human-readable name, e.g. "virtio-net(tap0)".
func (c NetworkInterfaceConfig) DeviceName() string {
	switch c.Backend {
	case NetBackendVhost:
		return fmt.Sprintf("vhost-net(%s)", c.HostDevName)
	case NetBackendVhostUser:
		return fmt.Sprintf("vhost-user-net(%s)", c.SockPath)
	default:
		return fmt.Sprintf("virtio-net(%s)", c.HostDevName)
	}
}

// FsDeviceConfigInfo describes a virtio-fs device.
type FsDeviceConfigInfo struct {
	SockPath        string `json:"sock_path"`
	Tag             string `json:"tag"`
	NumQueues       int    `json:"num_queues,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	CacheSize       uint64 `json:"cache_size,omitempty"`
	ThreadPoolSize  int    `json:"thread_pool_size,omitempty"`
	CachePolicy     string `json:"cache_policy,omitempty"`
	WritebackCache  bool   `json:"writeback_cache,omitempty"`
	NoOpen          bool   `json:"no_open,omitempty"`
	XAttr           bool   `json:"xattr,omitempty"`
	DropSysResource bool   `json:"drop_sys_resource,omitempty"`
	Mode            string `json:"mode,omitempty"`
	FuseKillprivV2  bool   `json:"fuse_killpriv_v2,omitempty"`
	NoReaddir       bool   `json:"no_readdir,omitempty"`
}

// FsMountConfigInfo describes a backend filesystem mutation.
type FsMountConfigInfo struct {
	// Ops is "mount", "umount" or "update".
	Ops              string  `json:"ops"`
	FsType           string  `json:"fstype,omitempty"`
	Source           string  `json:"source,omitempty"`
	Mountpoint       string  `json:"mountpoint"`
	Config           *string `json:"config,omitempty"`
	Tag              string  `json:"tag"`
	PrefetchListPath *string `json:"prefetch_list_path,omitempty"`
	DAXThreshold     *uint64 `json:"dax_threshold,omitempty"`
}

// VcpuResizeInfo is the target vCPU count. Nil leaves it unchanged.
type VcpuResizeInfo struct {
	VcpuCount *uint8 `json:"vcpu_count,omitempty"`
}

// VfioPCIDeviceConfig identifies a host PCI function.
type VfioPCIDeviceConfig struct {
	BusSlotFunc    string `json:"bus_slot_func"`
	VendorDeviceID uint32 `json:"vendor_device_id"`
	GuestDevID     *uint8 `json:"guest_dev_id,omitempty"`
	CliqueID       *uint8 `json:"clique_id,omitempty"`
}

// HostDeviceConfig describes a passed-through host device.
type HostDeviceConfig struct {
	HostDevID string              `json:"hostdev_id"`
	SysfsPath string              `json:"sysfs_path"`
	DevConfig VfioPCIDeviceConfig `json:"dev_config"`
}

// VsockDeviceConfigInfo describes a virtio-vsock device.
type VsockDeviceConfigInfo struct {
	GuestCID uint32 `json:"guest_cid"`
	UDSPath  string `json:"uds_path,omitempty"`
}

// MemDeviceConfigInfo describes a virtio-mem device.
type MemDeviceConfigInfo struct {
	MemID           string  `json:"mem_id"`
	SizeMib         uint64  `json:"size_mib"`
	CapacityMib     uint64  `json:"capacity_mib"`
	MultiRegion     bool    `json:"multi_region"`
	HostNUMANodeID  *uint32 `json:"host_numa_node_id,omitempty"`
	GuestNUMANodeID *uint32 `json:"guest_numa_node_id,omitempty"`
	UseSharedIRQ    *bool   `json:"use_shared_irq,omitempty"`
	UseGenericIRQ   *bool   `json:"use_generic_irq,omitempty"`
}
