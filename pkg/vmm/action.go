// Package vmm defines the closed set of actions a VM engine worker
// understands, their payloads, and the outcome returned for each one.
//
// The types here carry no behavior. They are copied by value across
// goroutine boundaries, so every payload is a plain struct.
package vmm

// ActionKind identifies an Action variant.
type ActionKind int

const (
	KindSetVMConfiguration ActionKind = iota
	KindConfigureBootSource
	KindInsertBlockDevice
	KindInsertNetworkDevice
	KindInsertFsDevice
	KindManipulateFsBackend
	KindResizeVcpu
	KindInsertHostDevice
	KindPrepareRemoveHostDevice
	KindRemoveHostDevice
	KindInsertVsockDevice
	KindInsertMemoryDevice
	KindGetVMConfiguration
	KindStartMicroVM
)

func (k ActionKind) String() string {
	switch k {
	case KindSetVMConfiguration:
		return "set_vm_configuration"
	case KindConfigureBootSource:
		return "configure_boot_source"
	case KindInsertBlockDevice:
		return "insert_block_device"
	case KindInsertNetworkDevice:
		return "insert_network_device"
	case KindInsertFsDevice:
		return "insert_fs_device"
	case KindManipulateFsBackend:
		return "manipulate_fs_backend"
	case KindResizeVcpu:
		return "resize_vcpu"
	case KindInsertHostDevice:
		return "insert_host_device"
	case KindPrepareRemoveHostDevice:
		return "prepare_remove_host_device"
	case KindRemoveHostDevice:
		return "remove_host_device"
	case KindInsertVsockDevice:
		return "insert_vsock_device"
	case KindInsertMemoryDevice:
		return "insert_memory_device"
	case KindGetVMConfiguration:
		return "get_vm_configuration"
	case KindStartMicroVM:
		return "start_microvm"
	default:
		return "unknown"
	}
}

// Action is one command for the VM engine. The set of implementations is
// closed: only types in this package satisfy it.
type Action interface {
	Kind() ActionKind
	action()
}

// SetVMConfiguration applies VM-wide CPU, memory and power settings.
// Must precede StartMicroVM.
type SetVMConfiguration struct {
	Config VMConfigInfo
}

// ConfigureBootSource sets the kernel, initrd and command line.
type ConfigureBootSource struct {
	Config BootSourceConfig
}

// InsertBlockDevice attaches a virtio-blk device.
type InsertBlockDevice struct {
	Config BlockDeviceConfigInfo
}

// InsertNetworkDevice attaches a virtio-net, vhost-net or vhost-user-net device.
type InsertNetworkDevice struct {
	Config NetworkInterfaceConfig
}

// InsertFsDevice attaches a virtio-fs device.
type InsertFsDevice struct {
	Config FsDeviceConfigInfo
}

// ManipulateFsBackend mounts, unmounts or updates a backend filesystem of
// an existing virtio-fs device.
type ManipulateFsBackend struct {
	Config FsMountConfigInfo
}

// ResizeVcpu changes the number of online vCPUs.
type ResizeVcpu struct {
	Config VcpuResizeInfo
}

// InsertHostDevice passes a host PCI device through to the guest.
type InsertHostDevice struct {
	Config HostDeviceConfig
}

// PrepareRemoveHostDevice asks the guest to release a passed-through device.
type PrepareRemoveHostDevice struct {
	HostDevID string
}

// RemoveHostDevice detaches a passed-through device.
type RemoveHostDevice struct {
	HostDevID string
}

// InsertVsockDevice attaches a virtio-vsock device.
type InsertVsockDevice struct {
	Config VsockDeviceConfigInfo
}

// InsertMemoryDevice hot-adds a virtio-mem region.
type InsertMemoryDevice struct {
	Config MemDeviceConfigInfo
}

// GetVMConfiguration returns the VM configuration currently held by the
// engine as MachineConfiguration.
type GetVMConfiguration struct{}

// StartMicroVM boots the configured VM.
type StartMicroVM struct{}

func (SetVMConfiguration) Kind() ActionKind      { return KindSetVMConfiguration }
func (ConfigureBootSource) Kind() ActionKind     { return KindConfigureBootSource }
func (InsertBlockDevice) Kind() ActionKind       { return KindInsertBlockDevice }
func (InsertNetworkDevice) Kind() ActionKind     { return KindInsertNetworkDevice }
func (InsertFsDevice) Kind() ActionKind          { return KindInsertFsDevice }
func (ManipulateFsBackend) Kind() ActionKind     { return KindManipulateFsBackend }
func (ResizeVcpu) Kind() ActionKind              { return KindResizeVcpu }
func (InsertHostDevice) Kind() ActionKind        { return KindInsertHostDevice }
func (PrepareRemoveHostDevice) Kind() ActionKind { return KindPrepareRemoveHostDevice }
func (RemoveHostDevice) Kind() ActionKind        { return KindRemoveHostDevice }
func (InsertVsockDevice) Kind() ActionKind       { return KindInsertVsockDevice }
func (InsertMemoryDevice) Kind() ActionKind      { return KindInsertMemoryDevice }
func (GetVMConfiguration) Kind() ActionKind      { return KindGetVMConfiguration }
func (StartMicroVM) Kind() ActionKind            { return KindStartMicroVM }

func (SetVMConfiguration) action()      {}
func (ConfigureBootSource) action()     {}
func (InsertBlockDevice) action()       {}
func (InsertNetworkDevice) action()     {}
func (InsertFsDevice) action()          {}
func (ManipulateFsBackend) action()     {}
func (ResizeVcpu) action()              {}
func (InsertHostDevice) action()        {}
func (PrepareRemoveHostDevice) action() {}
func (RemoveHostDevice) action()        {}
func (InsertVsockDevice) action()       {}
func (InsertMemoryDevice) action()      {}
func (GetVMConfiguration) action()      {}
func (StartMicroVM) action()            {}

// IsHotplug reports whether the action attaches a device and may therefore
// be refused with ErrorUpcallNotReady while the engine's hot-plug path is
// still coming up.
func IsHotplug(a Action) bool {
	switch a.Kind() {
	case KindInsertBlockDevice, KindInsertNetworkDevice, KindInsertFsDevice,
		KindInsertHostDevice, KindInsertVsockDevice, KindInsertMemoryDevice:
		return true
	default:
		return false
	}
}
