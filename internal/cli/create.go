package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/javanstorm/vmctl/internal/apiserver"
	"github.com/javanstorm/vmctl/internal/bootstrap"
	"github.com/javanstorm/vmctl/internal/bridge"
	"github.com/javanstorm/vmctl/internal/config"
	"github.com/javanstorm/vmctl/internal/console"
	"github.com/javanstorm/vmctl/internal/engine"
	"github.com/javanstorm/vmctl/internal/logging"
	"github.com/javanstorm/vmctl/internal/metrics"
	"github.com/javanstorm/vmctl/internal/version"
	"github.com/javanstorm/vmctl/pkg/hypervisor"
)

// shutdownTimeout bounds killing the VM on exit.
const shutdownTimeout = 10 * time.Second

func newCreateCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create and boot a microVM",
		Long: `Create configures a microVM, attaches the root filesystem and any extra
devices, boots it and stays in the foreground until the VM exits or the
process is interrupted.

Settings are read from defaults, then the config file, then VMCTL_*
environment variables, then flags.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCreateConfig(cmd.Flags(), configFile)
			if err != nil {
				return err
			}
			return runCreate(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "config file (default: <config dir>/vmctl/config.yaml)")
	addCreateFlags(cmd.Flags())
	return cmd
}

func addCreateFlags(fs *pflag.FlagSet) {
	d := config.DefaultCreateConfig()

	fs.Uint8("vcpu", d.Vcpu, "number of vCPUs at boot")
	fs.Uint8("max-vcpu", d.MaxVcpu, "maximum number of vCPUs")
	fs.String("cpu-pm", d.CPUPM, "cpu power management (on or off)")
	fs.Uint8("vpmu-feature", d.VPMUFeature, "vPMU feature level (0 disables)")
	fs.Uint8("threads-per-core", d.ThreadsPerCore, "cpu topology: threads per core")
	fs.Uint8("cores-per-die", d.CoresPerDie, "cpu topology: cores per die")
	fs.Uint8("dies-per-socket", d.DiesPerSocket, "cpu topology: dies per socket")
	fs.Uint8("sockets", d.Sockets, "cpu topology: sockets")

	fs.String("mem-type", d.MemType, "memory backing (shmem or hugetlbfs)")
	fs.String("mem-file-path", d.MemFilePath, "memory backing file")
	fs.Uint64("mem-size", d.MemSize, "memory size in MiB")

	fs.String("serial-path", d.SerialPath, `console Unix socket path, or "stdio"`)
	fs.String("vsock", d.Vsock, "host Unix socket of the vsock device")
	fs.String("virnets", d.Virnets, "JSON array of network devices")
	fs.String("virblks", d.Virblks, "JSON array of extra block devices")
	fs.String("fs", d.Fs, "JSON array of virtio-fs devices")

	fs.Bool("pci-hotplug-enabled", d.PCIHotplugEnabled, "enable PCI hot-plug")
	fs.String("hostdev-id", d.HostDevID, "id of a host device to pass through")
	fs.String("sysfs-path", d.SysfsPath, "sysfs path of the host device")
	fs.String("bus-slot-func", d.BusSlotFunc, "PCI bus:slot.func of the host device")
	fs.Uint32("vendor-device-id", d.VendorDeviceID, "PCI vendor and device id of the host device")

	fs.String("log-file", d.LogFile, "log file (empty logs to stderr)")
	fs.String("log-level", d.LogLevel, "log level: trace, debug, info, warn, error")
	fs.Bool("log-journal", d.LogJournal, "log to the systemd journal")

	fs.String("kernel-path", d.KernelPath, "guest kernel image")
	fs.String("initrd-path", d.InitrdPath, "guest initrd")
	fs.String("boot-args", d.BootArgs, "kernel command line")
	fs.String("rootfs", d.Rootfs, "root filesystem image")
	fs.Bool("is-root", d.IsRoot, "mark the rootfs as the root device")
	fs.Bool("is-read-only", d.IsReadOnly, "attach the rootfs read-only")

	fs.String("metrics-addr", d.MetricsAddr, "serve Prometheus metrics on this address")
	fs.String("pid-file", d.PIDFile, "record the process id in this file")
	fs.Bool("keep-alive-on-bootstrap-failure", d.KeepAliveOnBootstrapFailure, "keep running after a failed bootstrap")
}

// loadCreateConfig merges the config sources and validates the result.
func loadCreateConfig(fs *pflag.FlagSet, configFile string) (*config.CreateConfig, error) {
	v := viper.New()
	if err := config.BindFlags(v, fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runCreate(ctx context.Context, cfg *config.CreateConfig) error {
	plan, err := cfg.Plan()
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(logging.Options{
		Path:    cfg.LogFile,
		Level:   cfg.LogLevel,
		Journal: cfg.LogJournal,
		Version: version.String(),
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	if cfg.PIDFile != "" {
		if err := writePIDFile(cfg.PIDFile); err != nil {
			return err
		}
		defer removePIDFile(cfg.PIDFile)
	}

	driver, err := hypervisor.NewDriver()
	if err != nil {
		return fmt.Errorf("hypervisor: %w", err)
	}
	for _, e := range config.ValidateCapabilities(cfg, driver.Capabilities()) {
		level := slog.LevelWarn
		if e.Fatal {
			level = slog.LevelError
		}
		logger.Log(ctx, level, e.Message, "field", e.Field, "driver", driver.Info().Name)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	attach, err := newConsoleAttacher(cfg.SerialPath, logger.With("component", "console"))
	if err != nil {
		return err
	}
	defer attach.close()

	machine := engine.NewMachine(ctx, driver,
		engine.WithMachineLogger(logger.With("component", "engine")),
		engine.WithStartHook(func(d hypervisor.Driver) error {
			return attach.start(ctx, cancel, d)
		}),
	)

	notifier, err := bridge.NewNotifier()
	if err != nil {
		return err
	}
	ch, ep := bridge.New(bridge.DefaultCapacity, notifier)

	// Closing the endpoint releases any caller still waiting on the worker.
	var wg sync.WaitGroup
	defer func() {
		cancel()
		ep.Close()
		wg.Wait()
	}()

	worker := engine.NewWorker(ep, machine, logger.With("component", "worker"))
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := worker.Run(ctx); err != nil {
			logger.Error("engine worker failed", "error", err)
			cancel()
		}
	}()

	client := bridge.NewClient(ch,
		bridge.WithLogger(logger.With("component", "client")),
		bridge.WithObserver(m))
	retrier := bridge.NewRetrier(client,
		bridge.WithRetryLogger(logger.With("component", "retry")),
		bridge.WithRetryObserver(m))

	srv := apiserver.New(client, retrier,
		apiserver.WithLogger(logger.With("component", "api")),
		apiserver.WithObserver(m))
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := serveAPI(ctx, srv, apiSockPath, logger); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	var started atomic.Bool
	if cfg.MetricsAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metrics.Serve(ctx, cfg.MetricsAddr, metrics.Handler(reg, started.Load), logger); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	seq := bootstrap.New(client, retrier, bootstrap.WithLogger(logger.With("component", "bootstrap")))
	bootErr := seq.Run(plan)
	switch {
	case bootErr == nil:
		started.Store(true)
		if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			logger.Warn("systemd notify failed", "error", err)
		}
	case cfg.KeepAliveOnBootstrapFailure:
		logger.Error("bootstrap failed, staying alive", "error", bootErr)
	default:
		logger.Error("bootstrap failed", "error", bootErr)
		shutdownMachine(machine, logger)
		return bootErr
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-machine.Exited():
		if err != nil {
			logger.Error("VM exited", "error", err)
		} else {
			logger.Info("VM exited")
		}
	}
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	shutdownMachine(machine, logger)
	return nil
}

func shutdownMachine(machine *engine.Machine, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := machine.Shutdown(ctx); err != nil {
		logger.Error("VM shutdown failed", "error", err)
	}
}

// serveAPI serves the administrative socket. A listener passed by systemd
// socket activation takes precedence over socketPath.
func serveAPI(ctx context.Context, srv *apiserver.Server, socketPath string, logger *slog.Logger) error {
	listeners, err := activation.Listeners()
	if err != nil {
		return fmt.Errorf("socket activation: %w", err)
	}
	for _, ln := range listeners {
		if ln != nil {
			logger.Info("using socket-activated api listener")
			return srv.Serve(ctx, ln)
		}
	}

	if socketPath == "" {
		logger.Warn("no api socket path given, api server not started")
		return nil
	}
	return srv.ListenAndServe(ctx, socketPath)
}

// consoleAttacher connects the VM console once the VM has started.
type consoleAttacher struct {
	socket *console.Socket
	logger *slog.Logger
}

// newConsoleAttacher binds the console socket up front so a stale socket
// file is replaced before boot. "stdio" or an empty path uses the
// process's terminal.
func newConsoleAttacher(serialPath string, logger *slog.Logger) (*consoleAttacher, error) {
	a := &consoleAttacher{logger: logger}
	if serialPath == "" || serialPath == config.SerialStdio {
		return a, nil
	}
	sock, err := console.Listen(serialPath, logger)
	if err != nil {
		return nil, err
	}
	a.socket = sock
	return a, nil
}

func (a *consoleAttacher) start(ctx context.Context, cancel context.CancelFunc, d hypervisor.Driver) error {
	vmIn, vmOut, err := d.Console()
	if err != nil {
		return err
	}

	if a.socket != nil {
		a.logger.Info("console listening", "path", a.socket.Path())
		go func() {
			if err := a.socket.Serve(ctx, vmIn, vmOut); err != nil {
				a.logger.Error("console socket failed", "error", err)
			}
		}()
		return nil
	}

	go func() {
		err := console.Current().Attach(ctx, vmIn, vmOut)
		if errors.Is(err, console.ErrEscapeSequence) {
			a.logger.Info("console detached, stopping VM")
			cancel()
		}
	}()
	return nil
}

func (a *consoleAttacher) close() {
	if a.socket != nil {
		a.socket.Close()
	}
}
