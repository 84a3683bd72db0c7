// Package apiclient sends administrative commands to a running vmctl.
// Commands are fire-and-forget: the server never answers, so a nil error
// only means the command was delivered.
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/javanstorm/vmctl/internal/apiserver"
)

// ErrNoSocket is returned when no socket path is configured.
var ErrNoSocket = errors.New("apiclient: api socket path is required")

// DefaultTimeout bounds dialing and writing one command.
const DefaultTimeout = 10 * time.Second

// Request is one wire command. It must carry an "action" key.
type Request map[string]any

// Action returns the request's action name.
func (r Request) Action() string {
	name, _ := r["action"].(string)
	return name
}

// Client delivers requests to one socket.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// New returns a Client for socketPath.
func New(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: DefaultTimeout}
}

// Send writes req on a fresh connection and closes it.
func (c *Client) Send(ctx context.Context, req Request) error {
	if c.socketPath == "" {
		return ErrNoSocket
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("apiclient: encode %s: %w", req.Action(), err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("apiclient: connect %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("apiclient: send %s: %w", req.Action(), err)
	}
	return nil
}

// SendAll sends each request on its own connection, in order, stopping
// at the first delivery failure.
func (c *Client) SendAll(ctx context.Context, reqs []Request) error {
	for _, req := range reqs {
		if err := c.Send(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// ResizeVcpu builds a resize_vcpu request.
func ResizeVcpu(count uint8) Request {
	return Request{"action": apiserver.ActionResizeVcpu, "vcpu_count": count}
}

// InsertVirnets builds an insert_virnets request. config is a JSON array
// of network interface configs, passed through as a string.
func InsertVirnets(config string) Request {
	return Request{"action": apiserver.ActionInsertVirnets, "config": config}
}

// InsertVirblks builds an insert_virblks request. config is a JSON array
// of block device configs, passed through as a string.
func InsertVirblks(config string) Request {
	return Request{"action": apiserver.ActionInsertVirblks, "config": config}
}

// PatchFs builds a patch_fs request from a JSON fs mount config.
func PatchFs(config string) Request {
	return Request{"action": apiserver.ActionPatchFs, "config": config}
}

// InsertHostDevice builds an insert_host_device request.
func InsertHostDevice(hostDevID, busSlotFunc string) Request {
	return Request{
		"action":        apiserver.ActionInsertHostDevice,
		"hostdev-id":    hostDevID,
		"bus-slot-func": busSlotFunc,
	}
}

// PrepareRemoveHostDevice builds a prepare_remove_host_device request.
func PrepareRemoveHostDevice(hostDevID string) Request {
	return Request{"action": apiserver.ActionPrepareRemoveHostDevice, "hostdev-id": hostDevID}
}

// RemoveHostDevice builds a remove_host_device request.
func RemoveHostDevice(hostDevID string) Request {
	return Request{"action": apiserver.ActionRemoveHostDevice, "hostdev-id": hostDevID}
}

// HotplugMemory builds a hotplug_memory request.
func HotplugMemory(sizeMib uint64) Request {
	return Request{"action": apiserver.ActionHotplugMemory, "size_mib": sizeMib}
}

// UpdateArgs are the options of the update command. Zero values mean
// "not requested".
type UpdateArgs struct {
	VcpuResize              *uint8
	Virnets                 string
	Virblks                 string
	PatchFs                 string
	HostDevID               string
	BusSlotFunc             string
	PrepareRemoveHostDevice string
	RemoveHostDevice        string
	HotplugMemoryMib        uint64
}

// ErrIncompleteHostDevice is returned when only one of the host device
// id and bus-slot-func is given.
var ErrIncompleteHostDevice = errors.New("apiclient: --hostdev-id and --bus-slot-func go together")

// UpdateRequests maps update options to requests, one per requested
// action, in a fixed order.
func UpdateRequests(args UpdateArgs) ([]Request, error) {
	var reqs []Request
	if args.VcpuResize != nil {
		reqs = append(reqs, ResizeVcpu(*args.VcpuResize))
	}
	if args.Virnets != "" {
		reqs = append(reqs, InsertVirnets(args.Virnets))
	}
	if args.Virblks != "" {
		reqs = append(reqs, InsertVirblks(args.Virblks))
	}
	if args.PatchFs != "" {
		reqs = append(reqs, PatchFs(args.PatchFs))
	}
	switch {
	case args.HostDevID != "" && args.BusSlotFunc != "":
		reqs = append(reqs, InsertHostDevice(args.HostDevID, args.BusSlotFunc))
	case args.HostDevID != "" || args.BusSlotFunc != "":
		return nil, ErrIncompleteHostDevice
	}
	if args.PrepareRemoveHostDevice != "" {
		reqs = append(reqs, PrepareRemoveHostDevice(args.PrepareRemoveHostDevice))
	}
	if args.RemoveHostDevice != "" {
		reqs = append(reqs, RemoveHostDevice(args.RemoveHostDevice))
	}
	if args.HotplugMemoryMib > 0 {
		reqs = append(reqs, HotplugMemory(args.HotplugMemoryMib))
	}
	return reqs, nil
}
