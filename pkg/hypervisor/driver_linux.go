//go:build linux

package hypervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	hypeos "github.com/c35s/hype/os/linux"
	"github.com/c35s/hype/virtio"
	"github.com/c35s/hype/vmm"
)

// kvmDriver implements Driver using Linux KVM via hype.
type kvmDriver struct {
	mu        sync.Mutex
	cfg       *VMConfig
	vm        *vmm.VM
	state     driverState
	cancel    context.CancelFunc
	diskFiles []*os.File
	console   consolePipes
}

// NewDriver creates a new KVM-based driver for Linux.
func NewDriver() (Driver, error) {
	if _, err := os.Stat("/dev/kvm"); err != nil {
		return nil, fmt.Errorf("kvmDriver: /dev/kvm not accessible: %w", err)
	}
	return &kvmDriver{state: stateNew}, nil
}

func (d *kvmDriver) Info() Info {
	return Info{
		Name:    "kvm",
		Version: "1.0.0",
		Arch:    runtime.GOARCH,
	}
}

func (d *kvmDriver) Validate(ctx context.Context, cfg *VMConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := os.Stat(cfg.Kernel); err != nil {
		return fmt.Errorf("kvmDriver: kernel not found: %w", err)
	}
	for _, disk := range cfg.Disks {
		if _, err := os.Stat(disk.Path); err != nil {
			return fmt.Errorf("kvmDriver: disk %s not found: %w", disk.ID, err)
		}
	}
	return nil
}

func (d *kvmDriver) Create(ctx context.Context, cfg *VMConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateNew {
		return fmt.Errorf("kvmDriver: invalid state for Create")
	}

	kernel, err := os.ReadFile(cfg.Kernel)
	if err != nil {
		return fmt.Errorf("kvmDriver: read kernel: %w", err)
	}

	var initrd []byte
	if cfg.Initrd != "" {
		initrd, err = os.ReadFile(cfg.Initrd)
		if err != nil {
			return fmt.Errorf("kvmDriver: read initrd: %w", err)
		}
	}

	vmIn, vmOut, err := d.console.open()
	if err != nil {
		return fmt.Errorf("kvmDriver: %w", err)
	}

	hypeCfg := vmm.Config{
		MemSize: cfg.MemoryMB * 1024 * 1024,
		Devices: []virtio.DeviceConfig{
			&virtio.ConsoleDevice{In: vmIn, Out: vmOut},
		},
		Loader: &hypeos.Loader{
			Kernel:  kernel,
			Initrd:  initrd,
			Cmdline: cfg.Cmdline,
		},
	}

	for _, disk := range cfg.Disks {
		flag := os.O_RDWR
		if disk.ReadOnly {
			flag = os.O_RDONLY
		}
		f, err := os.OpenFile(disk.Path, flag, 0)
		if err != nil {
			d.closeDisks()
			return fmt.Errorf("kvmDriver: open disk %s: %w", disk.ID, err)
		}
		d.diskFiles = append(d.diskFiles, f)
		hypeCfg.Devices = append(hypeCfg.Devices, &virtio.BlockDevice{
			Storage: &virtio.FileStorage{File: f},
		})
	}

	vm, err := vmm.New(hypeCfg)
	if err != nil {
		d.closeDisks()
		return fmt.Errorf("kvmDriver: create VM: %w", err)
	}

	d.cfg = cfg
	d.vm = vm
	d.state = stateCreated
	return nil
}

func (d *kvmDriver) Start(ctx context.Context) (chan error, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateCreated && d.state != stateStopped {
		return nil, ErrNotCreated
	}

	errCh := make(chan error, 1)
	startedCh := make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	go func() {
		// vCPU ioctls must stay on one OS thread.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		close(startedCh)

		err := d.vm.Run(runCtx)
		d.mu.Lock()
		d.state = stateStopped
		d.mu.Unlock()
		errCh <- err
	}()

	<-startedCh
	d.state = stateRunning
	return errCh, nil
}

func (d *kvmDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateRunning {
		return ErrNotRunning
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.state = stateStopped
	return nil
}

func (d *kvmDriver) Kill(ctx context.Context) error {
	// For KVM, Kill is the same as Stop (context cancellation).
	err := d.Stop(ctx)

	d.mu.Lock()
	d.closeDisks()
	d.mu.Unlock()

	return err
}

// closeDisks must be called with d.mu held.
func (d *kvmDriver) closeDisks() {
	for _, f := range d.diskFiles {
		f.Close()
	}
	d.diskFiles = nil
}

func (d *kvmDriver) Console() (io.Writer, io.Reader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.console.handles("kvmDriver")
}

func (d *kvmDriver) CloseConsole() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.console.close(); err != nil {
		return fmt.Errorf("kvmDriver: %w", err)
	}
	return nil
}

func (d *kvmDriver) Capabilities() Capabilities {
	return Capabilities{
		Networking: false, // hype lacks virtio-net
		Vsock:      false, // hype lacks virtio-vsock
		Hotplug:    false,
	}
}
