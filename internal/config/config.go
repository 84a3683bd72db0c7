package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: VMCTL_VCPU, VMCTL_MEM_SIZE, ...
const EnvPrefix = "VMCTL"

// SerialStdio selects the process's stdin and stdout as the console.
const SerialStdio = "stdio"

// DefaultBootArgs is the kernel command line used when none is given.
const DefaultBootArgs = "console=hvc0 reboot=k panic=1 root=/dev/vda"

// CreateConfig holds every setting of the create command.
type CreateConfig struct {
	// APISockPath is the administrative socket. Empty disables it.
	APISockPath string `mapstructure:"api_sock_path"`

	Vcpu           uint8  `mapstructure:"vcpu"`
	MaxVcpu        uint8  `mapstructure:"max_vcpu"`
	CPUPM          string `mapstructure:"cpu_pm"`
	VPMUFeature    uint8  `mapstructure:"vpmu_feature"`
	ThreadsPerCore uint8  `mapstructure:"threads_per_core"`
	CoresPerDie    uint8  `mapstructure:"cores_per_die"`
	DiesPerSocket  uint8  `mapstructure:"dies_per_socket"`
	Sockets        uint8  `mapstructure:"sockets"`

	MemType     string `mapstructure:"mem_type"`
	MemFilePath string `mapstructure:"mem_file_path"`
	MemSize     uint64 `mapstructure:"mem_size"`

	// SerialPath is a Unix socket path for the console, or "stdio".
	SerialPath string `mapstructure:"serial_path"`

	// Vsock is the host-side Unix socket of the vsock device. Empty
	// means no vsock device.
	Vsock string `mapstructure:"vsock"`

	// Virnets, Virblks and Fs are JSON arrays of device configs attached
	// before boot.
	Virnets string `mapstructure:"virnets"`
	Virblks string `mapstructure:"virblks"`
	Fs      string `mapstructure:"fs"`

	PCIHotplugEnabled bool   `mapstructure:"pci_hotplug_enabled"`
	HostDevID         string `mapstructure:"hostdev_id"`
	SysfsPath         string `mapstructure:"sysfs_path"`
	BusSlotFunc       string `mapstructure:"bus_slot_func"`
	VendorDeviceID    uint32 `mapstructure:"vendor_device_id"`

	LogFile    string `mapstructure:"log_file"`
	LogLevel   string `mapstructure:"log_level"`
	LogJournal bool   `mapstructure:"log_journal"`

	KernelPath string `mapstructure:"kernel_path"`
	InitrdPath string `mapstructure:"initrd_path"`
	BootArgs   string `mapstructure:"boot_args"`
	Rootfs     string `mapstructure:"rootfs"`
	IsRoot     bool   `mapstructure:"is_root"`
	IsReadOnly bool   `mapstructure:"is_read_only"`

	// MetricsAddr serves Prometheus metrics when set, e.g. "127.0.0.1:9464".
	MetricsAddr string `mapstructure:"metrics_addr"`

	// PIDFile, when set, records the process id while the VM runs and
	// refuses to start a second instance.
	PIDFile string `mapstructure:"pid_file"`

	// KeepAliveOnBootstrapFailure keeps the process running after a
	// failed bootstrap instead of exiting non-zero.
	KeepAliveOnBootstrapFailure bool `mapstructure:"keep_alive_on_bootstrap_failure"`
}

// DefaultCreateConfig returns the defaults of the create command.
func DefaultCreateConfig() *CreateConfig {
	return &CreateConfig{
		Vcpu:           1,
		MaxVcpu:        1,
		CPUPM:          "on",
		ThreadsPerCore: 1,
		CoresPerDie:    1,
		DiesPerSocket:  1,
		Sockets:        1,
		MemType:        "shmem",
		MemSize:        128,
		SerialPath:     SerialStdio,
		LogFile:        "vmctl.log",
		LogLevel:       "debug",
		BootArgs:       DefaultBootArgs,
		IsRoot:         true,
	}
}

// SetDefaults registers the defaults with v.
func SetDefaults(v *viper.Viper) {
	d := DefaultCreateConfig()
	v.SetDefault("vcpu", d.Vcpu)
	v.SetDefault("max_vcpu", d.MaxVcpu)
	v.SetDefault("cpu_pm", d.CPUPM)
	v.SetDefault("vpmu_feature", d.VPMUFeature)
	v.SetDefault("threads_per_core", d.ThreadsPerCore)
	v.SetDefault("cores_per_die", d.CoresPerDie)
	v.SetDefault("dies_per_socket", d.DiesPerSocket)
	v.SetDefault("sockets", d.Sockets)
	v.SetDefault("mem_type", d.MemType)
	v.SetDefault("mem_size", d.MemSize)
	v.SetDefault("serial_path", d.SerialPath)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("boot_args", d.BootArgs)
	v.SetDefault("is_root", d.IsRoot)
}

// BindFlags binds every flag in fs to v under its name with dashes turned
// into underscores, so --max-vcpu sets max_vcpu.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		err = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
	return err
}

// Load reads configFile, or config.yaml from the platform config
// directory when configFile is empty, and unmarshals v. A missing default
// config file is not an error; a missing explicit one is.
func Load(v *viper.Viper, configFile string) (*CreateConfig, error) {
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if paths, err := GetPaths(); err == nil {
			v.AddConfigPath(paths.ConfigDir)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", describeFile(v, configFile), err)
		}
	}

	cfg := &CreateConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, nil
}

func describeFile(v *viper.Viper, configFile string) string {
	if configFile != "" {
		return configFile
	}
	if used := v.ConfigFileUsed(); used != "" {
		return used
	}
	return "config file"
}
