package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/javanstorm/vmctl/internal/bootstrap"
	"github.com/javanstorm/vmctl/pkg/vmm"
)

// RootDriveID is the drive id of the rootfs block device.
const RootDriveID = "rootfs"

// VsockGuestCID is the guest context id given to the vsock device.
const VsockGuestCID = 42

// Plan converts the settings into a bootstrap plan. It fails when a JSON
// device list is malformed.
func (c *CreateConfig) Plan() (bootstrap.Plan, error) {
	p := bootstrap.Plan{
		VM: vmm.VMConfigInfo{
			VcpuCount:    c.Vcpu,
			MaxVcpuCount: c.MaxVcpu,
			CPUPM:        c.CPUPM,
			CPUTopology: vmm.CPUTopology{
				ThreadsPerCore: c.ThreadsPerCore,
				CoresPerDie:    c.CoresPerDie,
				DiesPerSocket:  c.DiesPerSocket,
				Sockets:        c.Sockets,
			},
			VPMUFeature: c.VPMUFeature,
			MemType:     c.MemType,
			MemFilePath: c.MemFilePath,
			MemSizeMib:  c.MemSize,
		},
		BootSource: vmm.BootSourceConfig{
			KernelPath: c.KernelPath,
		},
		Root: vmm.BlockDeviceConfigInfo{
			DriveID:      RootDriveID,
			PathOnHost:   c.Rootfs,
			IsRootDevice: c.IsRoot,
			IsReadOnly:   c.IsReadOnly,
		},
	}

	if c.SerialPath != "" && c.SerialPath != SerialStdio {
		path := c.SerialPath
		p.VM.SerialPath = &path
	}
	if c.InitrdPath != "" {
		initrd := c.InitrdPath
		p.BootSource.InitrdPath = &initrd
	}
	if c.BootArgs != "" {
		args := c.BootArgs
		p.BootSource.BootArgs = &args
	}

	if c.Vsock != "" {
		p.Vsock = &vmm.VsockDeviceConfigInfo{GuestCID: VsockGuestCID, UDSPath: c.Vsock}
	}
	if c.HostDevID != "" {
		p.HostDevice = &vmm.HostDeviceConfig{
			HostDevID: c.HostDevID,
			SysfsPath: c.SysfsPath,
			DevConfig: vmm.VfioPCIDeviceConfig{
				BusSlotFunc:    c.BusSlotFunc,
				VendorDeviceID: c.VendorDeviceID,
			},
		}
	}

	if err := parseList("virnets", c.Virnets, &p.Networks); err != nil {
		return bootstrap.Plan{}, err
	}
	if err := parseList("virblks", c.Virblks, &p.Blocks); err != nil {
		return bootstrap.Plan{}, err
	}
	if err := parseList("fs", c.Fs, &p.FsDevices); err != nil {
		return bootstrap.Plan{}, err
	}
	return p, nil
}

func parseList(field, list string, out any) error {
	if strings.TrimSpace(list) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(list), out); err != nil {
		return fmt.Errorf("config: parse %s: %w", field, err)
	}
	return nil
}
