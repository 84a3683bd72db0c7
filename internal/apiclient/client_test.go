package apiclient

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/vmctl/internal/apiserver"
	"github.com/javanstorm/vmctl/internal/testutil"
	"github.com/javanstorm/vmctl/pkg/vmm"
)

type sink struct {
	mu      sync.Mutex
	actions []vmm.Action
	seen    chan struct{}
}

func (s *sink) Call(a vmm.Action) (vmm.Data, error) {
	s.mu.Lock()
	s.actions = append(s.actions, a)
	s.mu.Unlock()
	s.seen <- struct{}{}
	return vmm.Empty{}, nil
}

func (s *sink) CallWithRetry(a vmm.Action) (vmm.Data, error) { return s.Call(a) }

func startServer(t *testing.T) (string, *sink) {
	t.Helper()
	sock := testutil.SocketPath(t, "api.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)

	s := &sink{seen: make(chan struct{}, 16)}
	srv := apiserver.New(s, s)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return sock, s
}

func u8(n uint8) *uint8 { return &n }

func TestUpdateRequests(t *testing.T) {
	reqs, err := UpdateRequests(UpdateArgs{
		VcpuResize:       u8(3),
		Virblks:          `[{"drive_id":"b"}]`,
		HostDevID:        "gpu0",
		BusSlotFunc:      "0000:01:00.0",
		RemoveHostDevice: "nic1",
		HotplugMemoryMib: 512,
	})
	require.NoError(t, err)

	var actions []string
	for _, r := range reqs {
		actions = append(actions, r.Action())
	}
	assert.Equal(t, []string{
		"resize_vcpu",
		"insert_virblks",
		"insert_host_device",
		"remove_host_device",
		"hotplug_memory",
	}, actions)

	reqs, err = UpdateRequests(UpdateArgs{})
	require.NoError(t, err)
	assert.Empty(t, reqs)

	_, err = UpdateRequests(UpdateArgs{HostDevID: "gpu0"})
	require.ErrorIs(t, err, ErrIncompleteHostDevice)
}

func TestSendReachesServer(t *testing.T) {
	sock, s := startServer(t)
	c := New(sock)

	reqs := []Request{
		ResizeVcpu(4),
		InsertVirblks(`[{"drive_id":"a","path_on_host":"/a"},{"drive_id":"b","path_on_host":"/b"}]`),
		InsertHostDevice("gpu0", "0000:01:00.0"),
		PrepareRemoveHostDevice("gpu0"),
		HotplugMemory(256),
	}
	require.NoError(t, c.SendAll(context.Background(), reqs))

	for i := 0; i < 6; i++ {
		select {
		case <-s.seen:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for action %d", i+1)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	four := uint8(4)
	assert.Equal(t, []vmm.Action{
		vmm.ResizeVcpu{Config: vmm.VcpuResizeInfo{VcpuCount: &four}},
		vmm.InsertBlockDevice{Config: vmm.BlockDeviceConfigInfo{DriveID: "a", PathOnHost: "/a"}},
		vmm.InsertBlockDevice{Config: vmm.BlockDeviceConfigInfo{DriveID: "b", PathOnHost: "/b"}},
		vmm.InsertHostDevice{Config: vmm.HostDeviceConfig{HostDevID: "gpu0", DevConfig: vmm.VfioPCIDeviceConfig{BusSlotFunc: "0000:01:00.0"}}},
		vmm.PrepareRemoveHostDevice{HostDevID: "gpu0"},
		vmm.InsertMemoryDevice{Config: vmm.MemDeviceConfigInfo{MemID: apiserver.HotplugMemoryID, SizeMib: 256, CapacityMib: 256, MultiRegion: true}},
	}, s.actions)
}

func TestSendErrors(t *testing.T) {
	require.ErrorIs(t, New("").Send(context.Background(), ResizeVcpu(1)), ErrNoSocket)

	err := New(testutil.SocketPath(t, "missing.sock")).Send(context.Background(), ResizeVcpu(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect")
}
