package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/javanstorm/vmctl/internal/logging"
	"github.com/javanstorm/vmctl/pkg/hypervisor"
	"github.com/javanstorm/vmctl/pkg/vmm"
)

// DefaultUpcallDelay is how long after boot the hot-plug path stays
// unavailable.
const DefaultUpcallDelay = 200 * time.Millisecond

// Machine is an Engine backed by a hypervisor driver. Devices inserted
// before StartMicroVM are folded into the boot configuration; devices
// inserted afterwards go through the hot-plug path.
type Machine struct {
	mu     sync.Mutex
	ctx    context.Context
	driver hypervisor.Driver
	logger *slog.Logger

	now         func() time.Time
	upcallDelay time.Duration
	onStart     func(hypervisor.Driver) error

	vmConfig *vmm.VMConfigInfo
	boot     *vmm.BootSourceConfig
	blocks   []vmm.BlockDeviceConfigInfo
	nets     []vmm.NetworkInterfaceConfig
	vsock    *vmm.VsockDeviceConfigInfo

	started   bool
	startedAt time.Time
	exited    chan error
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithMachineLogger sets the logger.
func WithMachineLogger(logger *slog.Logger) MachineOption {
	return func(m *Machine) { m.logger = logger }
}

// WithUpcallDelay overrides DefaultUpcallDelay.
func WithUpcallDelay(d time.Duration) MachineOption {
	return func(m *Machine) { m.upcallDelay = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

// WithStartHook runs fn right after the driver starts the VM, typically
// to attach the console. An error fails StartMicroVM.
func WithStartHook(fn func(hypervisor.Driver) error) MachineOption {
	return func(m *Machine) { m.onStart = fn }
}

// NewMachine returns a Machine that boots on driver. ctx bounds the
// lifetime of the running VM.
func NewMachine(ctx context.Context, driver hypervisor.Driver, opts ...MachineOption) *Machine {
	m := &Machine{
		ctx:         ctx,
		driver:      driver,
		logger:      logging.Nop(),
		now:         time.Now,
		upcallDelay: DefaultUpcallDelay,
		exited:      make(chan error, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Exited receives the VM exit status once the started VM stops.
func (m *Machine) Exited() <-chan error {
	return m.exited
}

// Handle implements Engine.
func (m *Machine) Handle(a vmm.Action) vmm.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		data vmm.Data
		err  *vmm.ActionError
	)
	switch act := a.(type) {
	case vmm.SetVMConfiguration:
		err = m.setVMConfiguration(act.Config)
	case vmm.ConfigureBootSource:
		err = m.configureBootSource(act.Config)
	case vmm.InsertBlockDevice:
		err = m.insertBlockDevice(act.Config)
	case vmm.InsertNetworkDevice:
		err = m.insertNetworkDevice(act.Config)
	case vmm.InsertVsockDevice:
		err = m.insertVsockDevice(act.Config)
	case vmm.InsertFsDevice:
		err = m.coldplugOnly(a, "virtio-fs needs a vhost-user-fs backend")
	case vmm.InsertHostDevice:
		err = m.coldplugOnly(a, "no VFIO passthrough")
	case vmm.InsertMemoryDevice:
		err = m.hotplugGate(a)
		if err == nil {
			err = vmm.NewActionError(vmm.ErrorUnsupported, "driver %s cannot hot-add memory", m.driver.Info().Name)
		}
	case vmm.ResizeVcpu:
		err = m.resizeVcpu(act.Config)
	case vmm.ManipulateFsBackend:
		err = m.requireStarted(a)
		if err == nil {
			err = vmm.NewActionError(vmm.ErrorDeviceNotFound, "no virtio-fs device with tag %q", act.Config.Tag)
		}
	case vmm.PrepareRemoveHostDevice:
		err = m.requireStarted(a)
		if err == nil {
			err = vmm.NewActionError(vmm.ErrorDeviceNotFound, "host device %q is not attached", act.HostDevID)
		}
	case vmm.RemoveHostDevice:
		err = m.requireStarted(a)
		if err == nil {
			err = vmm.NewActionError(vmm.ErrorDeviceNotFound, "host device %q is not attached", act.HostDevID)
		}
	case vmm.GetVMConfiguration:
		if m.vmConfig == nil {
			err = vmm.NewActionError(vmm.ErrorInvalidState, "VM configuration not set")
		} else {
			data = vmm.MachineConfiguration{Config: *m.vmConfig}
		}
	case vmm.StartMicroVM:
		err = m.start()
	default:
		err = vmm.NewActionError(vmm.ErrorUnsupported, "unknown action %s", a.Kind())
	}

	if err != nil {
		return vmm.Fail(err)
	}
	return vmm.Succeed(data)
}

func (m *Machine) setVMConfiguration(cfg vmm.VMConfigInfo) *vmm.ActionError {
	if m.started {
		return vmm.NewActionError(vmm.ErrorInvalidState, "VM already started")
	}
	if cfg.VcpuCount == 0 {
		return vmm.NewActionError(vmm.ErrorInvalidConfig, "vcpu_count must be at least 1")
	}
	if cfg.MaxVcpuCount == 0 {
		cfg.MaxVcpuCount = cfg.VcpuCount
	}
	if cfg.MaxVcpuCount < cfg.VcpuCount {
		return vmm.NewActionError(vmm.ErrorInvalidConfig,
			"max_vcpu_count %d is below vcpu_count %d", cfg.MaxVcpuCount, cfg.VcpuCount)
	}
	if cfg.MemSizeMib == 0 {
		return vmm.NewActionError(vmm.ErrorInvalidConfig, "mem_size_mib must be at least 1")
	}
	m.vmConfig = &cfg
	return nil
}

func (m *Machine) configureBootSource(cfg vmm.BootSourceConfig) *vmm.ActionError {
	if m.started {
		return vmm.NewActionError(vmm.ErrorInvalidState, "VM already started")
	}
	if cfg.KernelPath == "" {
		return vmm.NewActionError(vmm.ErrorInvalidConfig, "kernel_path is required")
	}
	m.boot = &cfg
	return nil
}

func (m *Machine) insertBlockDevice(cfg vmm.BlockDeviceConfigInfo) *vmm.ActionError {
	if m.vmConfig == nil || m.boot == nil {
		return vmm.NewActionError(vmm.ErrorInvalidState, "block devices need VM configuration and boot source first")
	}
	if cfg.PathOnHost == "" {
		return vmm.NewActionError(vmm.ErrorInvalidConfig, "drive %q: path_on_host is required", cfg.DriveID)
	}
	for _, b := range m.blocks {
		if b.DriveID == cfg.DriveID {
			return vmm.NewActionError(vmm.ErrorInvalidConfig, "drive %q already attached", cfg.DriveID)
		}
		if b.IsRootDevice && cfg.IsRootDevice {
			return vmm.NewActionError(vmm.ErrorInvalidConfig, "root device already set to %q", b.DriveID)
		}
	}

	if !m.started {
		m.blocks = append(m.blocks, cfg)
		return nil
	}

	if err := m.hotplugGate(vmm.InsertBlockDevice{Config: cfg}); err != nil {
		return err
	}
	hp, ok := m.driver.(hypervisor.DiskHotplugger)
	if !ok {
		return vmm.NewActionError(vmm.ErrorUnsupported, "driver %s cannot attach disks at runtime", m.driver.Info().Name)
	}
	if err := hp.AttachDisk(m.ctx, diskFromBlock(cfg)); err != nil {
		return vmm.NewActionError(vmm.ErrorInternal, "attach drive %q: %v", cfg.DriveID, err)
	}
	m.blocks = append(m.blocks, cfg)
	m.logger.Info("block device hot-plugged", "drive_id", cfg.DriveID)
	return nil
}

func (m *Machine) insertNetworkDevice(cfg vmm.NetworkInterfaceConfig) *vmm.ActionError {
	if m.started {
		if err := m.hotplugGate(vmm.InsertNetworkDevice{Config: cfg}); err != nil {
			return err
		}
		return vmm.NewActionError(vmm.ErrorUnsupported, "%s cannot be hot-plugged", cfg.DeviceName())
	}
	if !m.driver.Capabilities().Networking {
		return vmm.NewActionError(vmm.ErrorUnsupported, "driver %s has no networking", m.driver.Info().Name)
	}
	if len(m.nets) > 0 {
		return vmm.NewActionError(vmm.ErrorUnsupported, "only one network device is supported")
	}
	m.nets = append(m.nets, cfg)
	return nil
}

func (m *Machine) insertVsockDevice(cfg vmm.VsockDeviceConfigInfo) *vmm.ActionError {
	if m.started {
		if err := m.hotplugGate(vmm.InsertVsockDevice{Config: cfg}); err != nil {
			return err
		}
		return vmm.NewActionError(vmm.ErrorUnsupported, "vsock cannot be hot-plugged")
	}
	if !m.driver.Capabilities().Vsock {
		return vmm.NewActionError(vmm.ErrorUnsupported, "driver %s has no vsock", m.driver.Info().Name)
	}
	// CIDs 0-2 are reserved for the hypervisor and host.
	if cfg.GuestCID < 3 {
		return vmm.NewActionError(vmm.ErrorInvalidConfig, "guest_cid %d is reserved", cfg.GuestCID)
	}
	m.vsock = &cfg
	return nil
}

func (m *Machine) coldplugOnly(a vmm.Action, reason string) *vmm.ActionError {
	if m.started {
		if err := m.hotplugGate(a); err != nil {
			return err
		}
	}
	return vmm.NewActionError(vmm.ErrorUnsupported, "%s: %s", a.Kind(), reason)
}

func (m *Machine) resizeVcpu(cfg vmm.VcpuResizeInfo) *vmm.ActionError {
	if err := m.requireStarted(vmm.ResizeVcpu{Config: cfg}); err != nil {
		return err
	}
	if cfg.VcpuCount == nil {
		return nil
	}
	n := *cfg.VcpuCount
	if n == 0 || n > m.vmConfig.MaxVcpuCount {
		return vmm.NewActionError(vmm.ErrorInvalidConfig,
			"vcpu_count %d outside 1..%d", n, m.vmConfig.MaxVcpuCount)
	}
	if n == m.vmConfig.VcpuCount {
		return nil
	}
	if err := m.hotplugGate(vmm.ResizeVcpu{Config: cfg}); err != nil {
		return err
	}
	return vmm.NewActionError(vmm.ErrorUnsupported, "driver %s cannot resize vCPUs", m.driver.Info().Name)
}

func (m *Machine) requireStarted(a vmm.Action) *vmm.ActionError {
	if !m.started {
		return vmm.NewActionError(vmm.ErrorInvalidState, "%s requires a running VM", a.Kind())
	}
	return nil
}

// hotplugGate refuses runtime device changes until the upcall channel to
// the guest is up, and for good on drivers without hot-plug.
func (m *Machine) hotplugGate(a vmm.Action) *vmm.ActionError {
	if err := m.requireStarted(a); err != nil {
		return err
	}
	if m.now().Sub(m.startedAt) < m.upcallDelay {
		return vmm.ErrUpcallNotReady()
	}
	if !m.driver.Capabilities().Hotplug {
		return vmm.NewActionError(vmm.ErrorUnsupported, "driver %s has no hot-plug", m.driver.Info().Name)
	}
	return nil
}

func (m *Machine) start() *vmm.ActionError {
	if m.started {
		return vmm.NewActionError(vmm.ErrorInvalidState, "VM already started")
	}
	if m.vmConfig == nil {
		return vmm.NewActionError(vmm.ErrorInvalidState, "VM configuration not set")
	}
	if m.boot == nil {
		return vmm.NewActionError(vmm.ErrorInvalidState, "boot source not configured")
	}

	cfg := m.bootConfig()
	if _, ok := cfg.RootDisk(); !ok {
		return vmm.NewActionError(vmm.ErrorInvalidState, "no root block device")
	}
	if err := m.driver.Validate(m.ctx, cfg); err != nil {
		return vmm.NewActionError(vmm.ErrorInvalidConfig, "%v", err)
	}
	if err := m.driver.Create(m.ctx, cfg); err != nil {
		return vmm.NewActionError(vmm.ErrorInternal, "create VM: %v", err)
	}
	errCh, err := m.driver.Start(m.ctx)
	if err != nil {
		return vmm.NewActionError(vmm.ErrorInternal, "start VM: %v", err)
	}

	if m.onStart != nil {
		if err := m.onStart(m.driver); err != nil {
			m.abortStart()
			return vmm.NewActionError(vmm.ErrorInternal, "start hook: %v", err)
		}
	}

	m.started = true
	m.startedAt = m.now()
	go func() {
		m.exited <- <-errCh
	}()

	m.logger.Info("VM started",
		"driver", m.driver.Info().Name,
		"vcpus", cfg.CPUs,
		"memory_mb", cfg.MemoryMB,
		"disks", len(cfg.Disks))
	return nil
}

// abortStart kills a VM whose start hook failed so that a failed
// StartMicroVM never leaves a guest running. Its exit is not forwarded to
// Exited.
func (m *Machine) abortStart() {
	if err := m.driver.Kill(m.ctx); err != nil && !errors.Is(err, hypervisor.ErrNotRunning) {
		m.logger.Warn("kill VM after failed start hook", "error", err)
	}
	if err := m.driver.CloseConsole(); err != nil {
		m.logger.Warn("close console after failed start hook", "error", err)
	}
}

// bootConfig folds the stored configuration into a driver config.
func (m *Machine) bootConfig() *hypervisor.VMConfig {
	cfg := &hypervisor.VMConfig{
		CPUs:     int(m.vmConfig.VcpuCount),
		MaxCPUs:  int(m.vmConfig.MaxVcpuCount),
		MemoryMB: int(m.vmConfig.MemSizeMib),
		Kernel:   m.boot.KernelPath,
	}
	if m.boot.InitrdPath != nil {
		cfg.Initrd = *m.boot.InitrdPath
	}
	if m.boot.BootArgs != nil {
		cfg.Cmdline = *m.boot.BootArgs
	}
	// Root first, then the rest in insertion order.
	for _, b := range m.blocks {
		if b.IsRootDevice {
			cfg.Disks = append(cfg.Disks, diskFromBlock(b))
		}
	}
	for _, b := range m.blocks {
		if !b.IsRootDevice {
			cfg.Disks = append(cfg.Disks, diskFromBlock(b))
		}
	}
	if len(m.nets) > 0 {
		cfg.EnableNetwork = true
		cfg.NetworkMode = "nat"
		cfg.MACAddress = m.nets[0].GuestMAC
	}
	if m.vsock != nil {
		cfg.VsockCID = m.vsock.GuestCID
	}
	return cfg
}

func diskFromBlock(b vmm.BlockDeviceConfigInfo) hypervisor.Disk {
	return hypervisor.Disk{
		ID:       b.DriveID,
		Path:     b.PathOnHost,
		ReadOnly: b.IsReadOnly,
		Root:     b.IsRootDevice,
	}
}

// Shutdown kills a started VM and releases its console.
func (m *Machine) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil
	}
	m.started = false
	var errs []error
	if err := m.driver.Kill(ctx); err != nil && !errors.Is(err, hypervisor.ErrNotRunning) {
		errs = append(errs, err)
	}
	if err := m.driver.CloseConsole(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("engine: shutdown: %w", errors.Join(errs...))
	}
	return nil
}
