package vmm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActionKindString(t *testing.T) {
	tests := []struct {
		action Action
		want   string
	}{
		{SetVMConfiguration{}, "set_vm_configuration"},
		{ConfigureBootSource{}, "configure_boot_source"},
		{InsertBlockDevice{}, "insert_block_device"},
		{InsertNetworkDevice{}, "insert_network_device"},
		{InsertFsDevice{}, "insert_fs_device"},
		{ManipulateFsBackend{}, "manipulate_fs_backend"},
		{ResizeVcpu{}, "resize_vcpu"},
		{InsertHostDevice{}, "insert_host_device"},
		{PrepareRemoveHostDevice{}, "prepare_remove_host_device"},
		{RemoveHostDevice{}, "remove_host_device"},
		{InsertVsockDevice{}, "insert_vsock_device"},
		{InsertMemoryDevice{}, "insert_memory_device"},
		{GetVMConfiguration{}, "get_vm_configuration"},
		{StartMicroVM{}, "start_microvm"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.action.Kind().String())
		})
	}

	assert.Equal(t, "unknown", ActionKind(-1).String())
}

func TestIsHotplug(t *testing.T) {
	assert.True(t, IsHotplug(InsertBlockDevice{}))
	assert.True(t, IsHotplug(InsertMemoryDevice{}))
	assert.True(t, IsHotplug(InsertHostDevice{}))
	assert.False(t, IsHotplug(SetVMConfiguration{}))
	assert.False(t, IsHotplug(ResizeVcpu{}))
	assert.False(t, IsHotplug(StartMicroVM{}))
}

func TestNetworkDeviceName(t *testing.T) {
	tests := []struct {
		name string
		cfg  NetworkInterfaceConfig
		want string
	}{
		{"default backend", NetworkInterfaceConfig{HostDevName: "tap0"}, "virtio-net(tap0)"},
		{"virtio", NetworkInterfaceConfig{Backend: NetBackendVirtio, HostDevName: "tap1"}, "virtio-net(tap1)"},
		{"vhost", NetworkInterfaceConfig{Backend: NetBackendVhost, HostDevName: "tap2"}, "vhost-net(tap2)"},
		{"vhost-user", NetworkInterfaceConfig{Backend: NetBackendVhostUser, SockPath: "/run/net.sock"}, "vhost-user-net(/run/net.sock)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.DeviceName())
		})
	}
}

func TestOutcome(t *testing.T) {
	ok := Succeed(nil)
	assert.True(t, ok.OK())
	assert.Equal(t, Empty{}, ok.Data)

	failed := Fail(ErrUpcallNotReady())
	assert.False(t, failed.OK())
	assert.Nil(t, failed.Data)
}

func TestActionErrorMatching(t *testing.T) {
	err := fmt.Errorf("insert: %w", NewActionError(ErrorUpcallNotReady, "boot in progress"))

	assert.True(t, errors.Is(err, ErrUpcallNotReady()))
	assert.False(t, errors.Is(err, &ActionError{Kind: ErrorInternal}))

	var ae *ActionError
	assert.True(t, errors.As(err, &ae))
	assert.True(t, ae.Temporary())
	assert.Equal(t, "vmm action error: upcall_not_ready: boot in progress", ae.Error())

	assert.False(t, (&ActionError{Kind: ErrorUnsupported}).Temporary())
	assert.Equal(t, "vmm action error: unsupported", (&ActionError{Kind: ErrorUnsupported}).Error())
}
