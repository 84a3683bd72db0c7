// Package bootstrap drives a freshly created VM from empty to running by
// issuing its configuration actions in a fixed order.
package bootstrap

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/javanstorm/vmctl/internal/bridge"
	"github.com/javanstorm/vmctl/internal/logging"
	"github.com/javanstorm/vmctl/internal/timing"
	"github.com/javanstorm/vmctl/pkg/vmm"
)

// Plan is everything needed to boot one VM.
type Plan struct {
	VM         vmm.VMConfigInfo
	BootSource vmm.BootSourceConfig
	Root       vmm.BlockDeviceConfigInfo

	// Optional devices, attached after the root device in field order.
	Vsock      *vmm.VsockDeviceConfigInfo
	HostDevice *vmm.HostDeviceConfig
	Networks   []vmm.NetworkInterfaceConfig
	Blocks     []vmm.BlockDeviceConfigInfo
	FsDevices  []vmm.FsDeviceConfigInfo
}

// Retrier issues an action, retrying while the engine is not ready.
type Retrier interface {
	CallWithRetry(a vmm.Action) (vmm.Data, error)
}

// StepError reports which bootstrap step failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("bootstrap: %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Sequencer runs a Plan.
type Sequencer struct {
	caller  bridge.Caller
	retrier Retrier
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sequencer) { s.logger = logger }
}

// WithClock replaces time.Now for step timing.
func WithClock(now func() time.Time) Option {
	return func(s *Sequencer) { s.now = now }
}

// New returns a Sequencer that issues configuration actions through
// caller and device attachments through retrier.
func New(caller bridge.Caller, retrier Retrier, opts ...Option) *Sequencer {
	s := &Sequencer{
		caller:  caller,
		retrier: retrier,
		logger:  logging.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type step struct {
	name  string
	act   vmm.Action
	retry bool
}

// steps lists the plan's actions in issue order.
func (p Plan) steps() []step {
	out := []step{
		{name: "set_vm_configuration", act: vmm.SetVMConfiguration{Config: p.VM}},
		{name: "configure_boot_source", act: vmm.ConfigureBootSource{Config: p.BootSource}},
		{name: "insert_root_block_device", act: vmm.InsertBlockDevice{Config: p.Root}, retry: true},
	}
	if p.Vsock != nil {
		out = append(out, step{name: "insert_vsock_device", act: vmm.InsertVsockDevice{Config: *p.Vsock}, retry: true})
	}
	if p.HostDevice != nil {
		out = append(out, step{name: "insert_host_device", act: vmm.InsertHostDevice{Config: *p.HostDevice}, retry: true})
	}
	for _, n := range p.Networks {
		out = append(out, step{name: "insert_network_device:" + n.DeviceName(), act: vmm.InsertNetworkDevice{Config: n}, retry: true})
	}
	for _, b := range p.Blocks {
		out = append(out, step{name: "insert_block_device:" + b.DriveID, act: vmm.InsertBlockDevice{Config: b}, retry: true})
	}
	for _, f := range p.FsDevices {
		out = append(out, step{name: "insert_fs_device:" + f.Tag, act: vmm.InsertFsDevice{Config: f}, retry: true})
	}
	return append(out, step{name: "start_microvm", act: vmm.StartMicroVM{}})
}

// Run issues the plan's actions strictly in order and stops at the first
// failure, which is returned as a *StepError.
func (s *Sequencer) Run(p Plan) error {
	timer := timing.NewWithClock(s.now)

	for _, st := range p.steps() {
		var err error
		if st.retry {
			_, err = s.retrier.CallWithRetry(st.act)
		} else {
			_, err = s.caller.Call(st.act)
		}
		timer.Mark(st.name)
		if err != nil {
			s.logger.Error("bootstrap step failed", "step", st.name, "error", err, "timing", timer)
			return &StepError{Step: st.name, Err: err}
		}
		s.logger.Debug("bootstrap step done", "step", st.name)
	}

	s.logger.Info("microvm started", "timing", timer)
	return nil
}
