//go:build darwin

package hypervisor

import (
	"context"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"

	"github.com/Code-Hex/vz/v3"
)

// vzDriver implements Driver using macOS Virtualization.framework.
type vzDriver struct {
	mu      sync.Mutex
	cfg     *VMConfig
	vm      *vz.VirtualMachine
	state   driverState
	console consolePipes
}

// NewDriver creates a new vz-based driver for macOS.
func NewDriver() (Driver, error) {
	return &vzDriver{state: stateNew}, nil
}

func (d *vzDriver) Info() Info {
	return Info{
		Name:    "vz",
		Version: "1.0.0",
		Arch:    runtime.GOARCH,
	}
}

func (d *vzDriver) Validate(ctx context.Context, cfg *VMConfig) error {
	return cfg.Validate()
}

func (d *vzDriver) Create(ctx context.Context, cfg *VMConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateNew {
		return fmt.Errorf("vzDriver: invalid state for Create")
	}

	bootLoader, err := vz.NewLinuxBootLoader(cfg.Kernel,
		vz.WithCommandLine(cfg.Cmdline),
		vz.WithInitrd(cfg.Initrd),
	)
	if err != nil {
		return fmt.Errorf("vzDriver: create boot loader: %w", err)
	}

	vmCfg, err := vz.NewVirtualMachineConfiguration(
		bootLoader,
		uint(cfg.CPUs),
		uint64(cfg.MemoryMB)*1024*1024,
	)
	if err != nil {
		return fmt.Errorf("vzDriver: create VM config: %w", err)
	}

	platform, err := vz.NewGenericPlatformConfiguration()
	if err != nil {
		return fmt.Errorf("vzDriver: create platform config: %w", err)
	}
	vmCfg.SetPlatformVirtualMachineConfiguration(platform)

	vmIn, vmOut, err := d.console.open()
	if err != nil {
		return fmt.Errorf("vzDriver: %w", err)
	}
	serialAttachment, err := vz.NewFileHandleSerialPortAttachment(vmIn, vmOut)
	if err != nil {
		return fmt.Errorf("vzDriver: create serial attachment: %w", err)
	}
	serialCfg, err := vz.NewVirtioConsoleDeviceSerialPortConfiguration(serialAttachment)
	if err != nil {
		return fmt.Errorf("vzDriver: create serial config: %w", err)
	}
	vmCfg.SetSerialPortsVirtualMachineConfiguration([]*vz.VirtioConsoleDeviceSerialPortConfiguration{
		serialCfg,
	})

	if cfg.EnableNetwork {
		netCfg, err := natNetwork(cfg.MACAddress)
		if err != nil {
			return err
		}
		vmCfg.SetNetworkDevicesVirtualMachineConfiguration([]*vz.VirtioNetworkDeviceConfiguration{netCfg})
	}

	storage := make([]vz.StorageDeviceConfiguration, 0, len(cfg.Disks))
	for _, disk := range cfg.Disks {
		attachment, err := vz.NewDiskImageStorageDeviceAttachment(disk.Path, disk.ReadOnly)
		if err != nil {
			return fmt.Errorf("vzDriver: attach disk %s: %w", disk.ID, err)
		}
		blockDevice, err := vz.NewVirtioBlockDeviceConfiguration(attachment)
		if err != nil {
			return fmt.Errorf("vzDriver: create block device %s: %w", disk.ID, err)
		}
		storage = append(storage, blockDevice)
	}
	if len(storage) > 0 {
		vmCfg.SetStorageDevicesVirtualMachineConfiguration(storage)
	}

	// The guest picks its own CID under Virtualization.framework.
	if cfg.VsockCID != 0 {
		socketCfg, err := vz.NewVirtioSocketDeviceConfiguration()
		if err != nil {
			return fmt.Errorf("vzDriver: create vsock device: %w", err)
		}
		vmCfg.SetSocketDevicesVirtualMachineConfiguration([]vz.SocketDeviceConfiguration{socketCfg})
	}

	ok, err := vmCfg.Validate()
	if !ok || err != nil {
		return fmt.Errorf("vzDriver: invalid configuration: %w", err)
	}

	vm, err := vz.NewVirtualMachine(vmCfg)
	if err != nil {
		return fmt.Errorf("vzDriver: create VM: %w", err)
	}

	d.cfg = cfg
	d.vm = vm
	d.state = stateCreated
	return nil
}

func natNetwork(mac string) (*vz.VirtioNetworkDeviceConfiguration, error) {
	natAttachment, err := vz.NewNATNetworkDeviceAttachment()
	if err != nil {
		return nil, fmt.Errorf("vzDriver: create NAT attachment: %w", err)
	}
	netCfg, err := vz.NewVirtioNetworkDeviceConfiguration(natAttachment)
	if err != nil {
		return nil, fmt.Errorf("vzDriver: create network config: %w", err)
	}

	var macAddr *vz.MACAddress
	if mac != "" {
		hwAddr, err := net.ParseMAC(mac)
		if err != nil {
			return nil, fmt.Errorf("vzDriver: parse MAC address: %w", err)
		}
		macAddr, err = vz.NewMACAddress(hwAddr)
		if err != nil {
			return nil, fmt.Errorf("vzDriver: create MAC address: %w", err)
		}
	} else {
		macAddr, err = vz.NewRandomLocallyAdministeredMACAddress()
		if err != nil {
			return nil, fmt.Errorf("vzDriver: generate random MAC: %w", err)
		}
	}
	netCfg.SetMACAddress(macAddr)
	return netCfg, nil
}

func (d *vzDriver) Start(ctx context.Context) (chan error, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateCreated && d.state != stateStopped {
		return nil, ErrNotCreated
	}
	if err := d.vm.Start(); err != nil {
		return nil, fmt.Errorf("vzDriver: start VM: %w", err)
	}
	d.state = stateRunning

	errCh := make(chan error, 1)
	go func() {
		for state := range d.vm.StateChangedNotify() {
			if state == vz.VirtualMachineStateStopped || state == vz.VirtualMachineStateError {
				d.mu.Lock()
				d.state = stateStopped
				d.mu.Unlock()
				errCh <- nil
				return
			}
		}
	}()

	return errCh, nil
}

func (d *vzDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateRunning {
		return ErrNotRunning
	}
	if d.vm.CanRequestStop() {
		if ok, err := d.vm.RequestStop(); err != nil || !ok {
			return fmt.Errorf("vzDriver: request stop failed: %w", err)
		}
	}
	d.state = stateStopped
	return nil
}

func (d *vzDriver) Kill(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateRunning {
		return ErrNotRunning
	}
	if err := d.vm.Stop(); err != nil {
		return fmt.Errorf("vzDriver: force stop: %w", err)
	}
	d.state = stateStopped
	return nil
}

func (d *vzDriver) Console() (io.Writer, io.Reader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.console.handles("vzDriver")
}

func (d *vzDriver) CloseConsole() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.console.close(); err != nil {
		return fmt.Errorf("vzDriver: %w", err)
	}
	return nil
}

func (d *vzDriver) Capabilities() Capabilities {
	return Capabilities{
		Networking: true,
		Vsock:      true,
		Hotplug:    false,
	}
}
