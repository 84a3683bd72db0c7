package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/javanstorm/vmctl/pkg/hypervisor"
	"github.com/javanstorm/vmctl/pkg/vmm"
)

func validConfig() *CreateConfig {
	c := DefaultCreateConfig()
	c.KernelPath = "/boot/vmlinux"
	c.Rootfs = "/var/lib/vmctl/rootfs.img"
	return c
}

func TestGetPaths(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	paths, err := GetPaths()
	if err != nil {
		t.Fatalf("GetPaths failed: %v", err)
	}
	if paths.ConfigDir == "" {
		t.Error("ConfigDir should not be empty")
	}
	if want := filepath.Join(paths.ConfigDir, "config.yaml"); paths.ConfigFile != want {
		t.Errorf("ConfigFile = %q, want %q", paths.ConfigFile, want)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if want := DefaultCreateConfig(); !reflect.DeepEqual(cfg, want) {
		t.Errorf("Load() = %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	file := filepath.Join(t.TempDir(), "vm.yaml")
	content := strings.Join([]string{
		"kernel_path: /boot/vmlinux",
		"rootfs: /img/root.ext4",
		"mem_size: 512",
		"vcpu: 2",
		"max_vcpu: 4",
	}, "\n")
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	t.Setenv("VMCTL_MEM_SIZE", "1024")

	fs := pflag.NewFlagSet("create", pflag.ContinueOnError)
	fs.Uint8("max-vcpu", 1, "")
	fs.String("serial-path", SerialStdio, "")
	if err := fs.Parse([]string{"--max-vcpu", "8"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	v := viper.New()
	if err := BindFlags(v, fs); err != nil {
		t.Fatalf("BindFlags failed: %v", err)
	}
	cfg, err := Load(v, file)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.KernelPath != "/boot/vmlinux" {
		t.Errorf("KernelPath = %q, want /boot/vmlinux", cfg.KernelPath)
	}
	if cfg.Vcpu != 2 {
		t.Errorf("Vcpu = %d, want 2", cfg.Vcpu)
	}
	// Explicit flag wins over the file.
	if cfg.MaxVcpu != 8 {
		t.Errorf("MaxVcpu = %d, want 8", cfg.MaxVcpu)
	}
	// Environment wins over the file.
	if cfg.MemSize != 1024 {
		t.Errorf("MemSize = %d, want 1024", cfg.MemSize)
	}
	if cfg.SerialPath != SerialStdio {
		t.Errorf("SerialPath = %q, want %q", cfg.SerialPath, SerialStdio)
	}
	if cfg.MemType != "shmem" {
		t.Errorf("MemType = %q, want shmem", cfg.MemType)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("Load should fail for a missing explicit config file")
	}
	if !strings.Contains(err.Error(), "absent.yaml") {
		t.Errorf("error should name the file, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateConfig)
		want   error
	}{
		{name: "valid", mutate: func(*CreateConfig) {}},
		{name: "no kernel", mutate: func(c *CreateConfig) { c.KernelPath = "" }, want: ErrMissingKernel},
		{name: "no rootfs", mutate: func(c *CreateConfig) { c.Rootfs = "" }, want: ErrMissingRootfs},
		{name: "zero vcpu", mutate: func(c *CreateConfig) { c.Vcpu = 0 }, want: ErrVcpuRange},
		{name: "vcpu above max", mutate: func(c *CreateConfig) { c.Vcpu = 3; c.MaxVcpu = 2 }, want: ErrVcpuRange},
		{name: "no memory", mutate: func(c *CreateConfig) { c.MemSize = 0 }, want: ErrMissingMemory},
		{name: "host device without address", mutate: func(c *CreateConfig) { c.HostDevID = "gpu0" }, want: ErrHostDeviceFlags},
		{name: "host device with bdf", mutate: func(c *CreateConfig) { c.HostDevID = "gpu0"; c.BusSlotFunc = "0000:01:00.0" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.want == nil {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidateCapabilities(t *testing.T) {
	c := validConfig()
	c.Vsock = "/tmp/vsock.sock"
	c.Virnets = `[{"iface_id":"eth0"}]`
	c.PCIHotplugEnabled = true

	errs := ValidateCapabilities(c, hypervisor.Capabilities{})
	var fields []string
	for _, e := range errs {
		fields = append(fields, e.Field)
	}
	if want := []string{"vsock", "virnets", "pci_hotplug_enabled"}; !reflect.DeepEqual(fields, want) {
		t.Errorf("fields = %v, want %v", fields, want)
	}
	if !HasFatal(errs) {
		t.Error("HasFatal should be true")
	}

	out := FormatValidationErrors(errs)
	for _, want := range []string{"Error [vsock]", "Warning [pci_hotplug_enabled]"} {
		if !strings.Contains(out, want) {
			t.Errorf("output should contain %q, got:\n%s", want, out)
		}
	}

	errs = ValidateCapabilities(c, hypervisor.Capabilities{Networking: true, Vsock: true, Hotplug: true})
	if len(errs) != 0 {
		t.Errorf("Expected no errors with full capabilities, got %v", errs)
	}
	if out := FormatValidationErrors(errs); out != "" {
		t.Errorf("Expected empty output, got %q", out)
	}

	c.Virnets = "[]"
	if errs := ValidateCapabilities(c, hypervisor.Capabilities{Vsock: true, Hotplug: true}); len(errs) != 0 {
		t.Errorf("an empty virnets list needs no networking, got %v", errs)
	}
}

func TestPlan(t *testing.T) {
	c := validConfig()
	c.SerialPath = "/run/vm/console.sock"
	c.Vsock = "/run/vm/vsock.sock"
	c.Virblks = `[{"drive_id":"data","path_on_host":"/img/data.ext4","is_read_only":true}]`
	c.Virnets = `[{"iface_id":"eth0","host_dev_name":"tap0"}]`

	p, err := c.Plan()
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if p.VM.VcpuCount != 1 || p.VM.MemSizeMib != 128 {
		t.Errorf("VM = %+v, want 1 vcpu and 128 MiB", p.VM)
	}
	if p.VM.SerialPath == nil || *p.VM.SerialPath != "/run/vm/console.sock" {
		t.Errorf("SerialPath = %v, want /run/vm/console.sock", p.VM.SerialPath)
	}
	if p.BootSource.KernelPath != "/boot/vmlinux" {
		t.Errorf("KernelPath = %q", p.BootSource.KernelPath)
	}
	if p.BootSource.InitrdPath != nil {
		t.Errorf("InitrdPath = %q, want nil", *p.BootSource.InitrdPath)
	}
	if p.BootSource.BootArgs == nil || *p.BootSource.BootArgs != DefaultBootArgs {
		t.Errorf("BootArgs = %v, want %q", p.BootSource.BootArgs, DefaultBootArgs)
	}

	wantRoot := vmm.BlockDeviceConfigInfo{
		DriveID:      RootDriveID,
		PathOnHost:   "/var/lib/vmctl/rootfs.img",
		IsRootDevice: true,
	}
	if p.Root != wantRoot {
		t.Errorf("Root = %+v, want %+v", p.Root, wantRoot)
	}
	wantVsock := &vmm.VsockDeviceConfigInfo{GuestCID: VsockGuestCID, UDSPath: "/run/vm/vsock.sock"}
	if !reflect.DeepEqual(p.Vsock, wantVsock) {
		t.Errorf("Vsock = %+v, want %+v", p.Vsock, wantVsock)
	}
	if p.HostDevice != nil {
		t.Errorf("HostDevice = %+v, want nil", p.HostDevice)
	}
	wantBlocks := []vmm.BlockDeviceConfigInfo{{DriveID: "data", PathOnHost: "/img/data.ext4", IsReadOnly: true}}
	if !reflect.DeepEqual(p.Blocks, wantBlocks) {
		t.Errorf("Blocks = %+v, want %+v", p.Blocks, wantBlocks)
	}
	wantNets := []vmm.NetworkInterfaceConfig{{IfaceID: "eth0", HostDevName: "tap0"}}
	if !reflect.DeepEqual(p.Networks, wantNets) {
		t.Errorf("Networks = %+v, want %+v", p.Networks, wantNets)
	}
	if len(p.FsDevices) != 0 {
		t.Errorf("FsDevices = %+v, want none", p.FsDevices)
	}
}

func TestPlanStdioSerial(t *testing.T) {
	p, err := validConfig().Plan()
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if p.VM.SerialPath != nil {
		t.Errorf("stdio console should leave SerialPath nil, got %q", *p.VM.SerialPath)
	}
	if p.Vsock != nil {
		t.Errorf("Vsock = %+v, want nil", p.Vsock)
	}
}

func TestPlanRejectsMalformedLists(t *testing.T) {
	c := validConfig()
	c.Fs = `{"tag":`
	_, err := c.Plan()
	if err == nil {
		t.Fatal("Plan should fail on a malformed fs list")
	}
	if !strings.Contains(err.Error(), "parse fs") {
		t.Errorf("error should name the fs list, got %v", err)
	}
}
