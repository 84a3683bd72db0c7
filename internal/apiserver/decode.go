package apiserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/mitchellh/mapstructure"

	"github.com/javanstorm/vmctl/pkg/vmm"
)

// ErrDecode wraps every failure to turn a payload into actions.
var ErrDecode = errors.New("apiserver: decode request")

// Wire action names.
const (
	ActionResizeVcpu              = "resize_vcpu"
	ActionInsertVirnets           = "insert_virnets"
	ActionInsertVirblks           = "insert_virblks"
	ActionPatchFs                 = "patch_fs"
	ActionInsertHostDevice        = "insert_host_device"
	ActionPrepareRemoveHostDevice = "prepare_remove_host_device"
	ActionRemoveHostDevice        = "remove_host_device"
	ActionHotplugMemory           = "hotplug_memory"
)

// HotplugMemoryID is the fixed id of the virtio-mem device that
// hotplug_memory grows.
const HotplugMemoryID = "virtio-mem0"

type resizeVcpuFields struct {
	VcpuCount *uint64 `mapstructure:"vcpu_count"`
}

type configFields struct {
	Config *string `mapstructure:"config"`
}

type hostDeviceFields struct {
	HostDevID   *string `mapstructure:"hostdev-id"`
	BusSlotFunc *string `mapstructure:"bus-slot-func"`
}

type hotplugMemoryFields struct {
	SizeMib *uint64 `mapstructure:"size_mib"`
}

// command is a decoded payload.
type command struct {
	name    string
	known   bool
	actions []vmm.Action
}

func decodeCommand(payload []byte) (command, error) {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return command{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if err := dec.Decode(&json.RawMessage{}); !errors.Is(err, io.EOF) {
		return command{}, fmt.Errorf("%w: trailing data after JSON value", ErrDecode)
	}

	name, _ := raw["action"].(string)
	cmd := command{name: name, known: true}
	var err error

	switch name {
	case ActionResizeVcpu:
		var f resizeVcpuFields
		if err = decodeFields(raw, &f); err != nil {
			break
		}
		info := vmm.VcpuResizeInfo{}
		if f.VcpuCount != nil {
			if *f.VcpuCount > math.MaxUint8 {
				err = fmt.Errorf("vcpu_count %d out of range", *f.VcpuCount)
				break
			}
			n := uint8(*f.VcpuCount)
			info.VcpuCount = &n
		}
		cmd.actions = []vmm.Action{vmm.ResizeVcpu{Config: info}}

	case ActionInsertVirnets:
		var configs []vmm.NetworkInterfaceConfig
		var present bool
		if present, err = decodeNested(raw, &configs); err != nil || !present {
			break
		}
		for _, c := range configs {
			cmd.actions = append(cmd.actions, vmm.InsertNetworkDevice{Config: c})
		}

	case ActionInsertVirblks:
		var configs []vmm.BlockDeviceConfigInfo
		var present bool
		if present, err = decodeNested(raw, &configs); err != nil || !present {
			break
		}
		for _, c := range configs {
			cmd.actions = append(cmd.actions, vmm.InsertBlockDevice{Config: c})
		}

	case ActionPatchFs:
		var config vmm.FsMountConfigInfo
		var present bool
		if present, err = decodeNested(raw, &config); err != nil || !present {
			break
		}
		cmd.actions = []vmm.Action{vmm.ManipulateFsBackend{Config: config}}

	case ActionInsertHostDevice:
		var f hostDeviceFields
		if err = decodeFields(raw, &f); err != nil {
			break
		}
		if err = requireString(f.HostDevID, "hostdev-id"); err != nil {
			break
		}
		if err = requireString(f.BusSlotFunc, "bus-slot-func"); err != nil {
			break
		}
		cmd.actions = []vmm.Action{vmm.InsertHostDevice{Config: vmm.HostDeviceConfig{
			HostDevID: *f.HostDevID,
			DevConfig: vmm.VfioPCIDeviceConfig{BusSlotFunc: *f.BusSlotFunc},
		}}}

	case ActionPrepareRemoveHostDevice, ActionRemoveHostDevice:
		var f hostDeviceFields
		if err = decodeFields(raw, &f); err != nil {
			break
		}
		if err = requireString(f.HostDevID, "hostdev-id"); err != nil {
			break
		}
		if name == ActionRemoveHostDevice {
			cmd.actions = []vmm.Action{vmm.RemoveHostDevice{HostDevID: *f.HostDevID}}
		} else {
			cmd.actions = []vmm.Action{vmm.PrepareRemoveHostDevice{HostDevID: *f.HostDevID}}
		}

	case ActionHotplugMemory:
		var f hotplugMemoryFields
		if err = decodeFields(raw, &f); err != nil {
			break
		}
		if f.SizeMib == nil {
			err = errors.New("missing required field size_mib")
			break
		}
		cmd.actions = []vmm.Action{vmm.InsertMemoryDevice{Config: vmm.MemDeviceConfigInfo{
			MemID:       HotplugMemoryID,
			SizeMib:     *f.SizeMib,
			CapacityMib: *f.SizeMib,
			MultiRegion: true,
		}}}

	default:
		cmd.known = false
	}

	if err != nil {
		return cmd, fmt.Errorf("%w: %s: %w", ErrDecode, name, err)
	}
	return cmd, nil
}

// decodeFields copies the scalar fields of raw into out. Types must match
// exactly; a string where a number is expected is an error.
func decodeFields(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      out,
		ErrorUnused: false,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

// decodeNested parses the JSON document carried as a string in the
// "config" field. present is false when the field is absent.
func decodeNested(raw map[string]any, out any) (present bool, err error) {
	var f configFields
	if err := decodeFields(raw, &f); err != nil {
		return false, err
	}
	if f.Config == nil {
		return false, nil
	}
	if err := json.Unmarshal([]byte(*f.Config), out); err != nil {
		return true, fmt.Errorf("parse config: %w", err)
	}
	return true, nil
}

func requireString(v *string, field string) error {
	if v == nil {
		return fmt.Errorf("missing required field %s", field)
	}
	return nil
}
