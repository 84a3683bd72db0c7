package hypervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *VMConfig {
	return &VMConfig{
		CPUs:     2,
		MaxCPUs:  4,
		MemoryMB: 512,
		Kernel:   "/boot/vmlinux",
		Disks: []Disk{
			{ID: "rootfs", Path: "/var/lib/vm/rootfs.img", Root: true},
			{ID: "data", Path: "/var/lib/vm/data.img", ReadOnly: true},
		},
	}
}

func TestVMConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*VMConfig)
		want   error
	}{
		{name: "valid", mutate: func(*VMConfig) {}},
		{name: "zero cpus", mutate: func(c *VMConfig) { c.CPUs = 0 }, want: ErrInvalidCPUCount},
		{name: "max below cpus", mutate: func(c *VMConfig) { c.MaxCPUs = 1 }, want: ErrInvalidCPUCount},
		{name: "max unset", mutate: func(c *VMConfig) { c.MaxCPUs = 0 }},
		{name: "no memory", mutate: func(c *VMConfig) { c.MemoryMB = 0 }, want: ErrInsufficientMemory},
		{name: "no kernel", mutate: func(c *VMConfig) { c.Kernel = "" }, want: ErrMissingKernel},
		{name: "disk without path", mutate: func(c *VMConfig) { c.Disks[1].Path = "" }, want: ErrMissingDiskPath},
		{name: "two roots", mutate: func(c *VMConfig) { c.Disks[1].Root = true }, want: ErrMultipleRootDisks},
		{
			name:   "bad network mode",
			mutate: func(c *VMConfig) { c.EnableNetwork = true; c.NetworkMode = "host" },
			want:   ErrInvalidNetworkMode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVMConfigDefaultsNetworkMode(t *testing.T) {
	cfg := validConfig()
	cfg.EnableNetwork = true
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "nat", cfg.NetworkMode)
}

func TestRootDisk(t *testing.T) {
	cfg := validConfig()
	root, ok := cfg.RootDisk()
	require.True(t, ok)
	assert.Equal(t, "rootfs", root.ID)

	cfg.Disks = cfg.Disks[1:]
	_, ok = cfg.RootDisk()
	assert.False(t, ok)
}

func TestConsolePipes(t *testing.T) {
	var p consolePipes
	_, _, err := p.handles("test")
	require.Error(t, err)

	vmIn, vmOut, err := p.open()
	require.NoError(t, err)
	defer vmIn.Close()
	defer vmOut.Close()

	in, out, err := p.handles("test")
	require.NoError(t, err)

	_, err = in.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = vmIn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	_, err = vmOut.Write([]byte("pong"))
	require.NoError(t, err)
	_, err = out.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))

	require.NoError(t, p.close())
	require.NoError(t, p.close())
}
