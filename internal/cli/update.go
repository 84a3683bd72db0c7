package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmctl/internal/apiclient"
)

func newUpdateCmd() *cobra.Command {
	var (
		args       apiclient.UpdateArgs
		vcpuResize uint8
	)
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Hot-plug devices into a running VM",
		Long: `Update sends one request per given flag to the administrative socket of a
running "vmctl create". Requests are fire-and-forget: success means the
request was delivered, not that the VM applied it. Check the create log
for the outcome.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("vcpu-resize") {
				args.VcpuResize = &vcpuResize
			}
			return runUpdate(cmd.Context(), apiSockPath, args)
		},
	}

	f := cmd.Flags()
	f.Uint8Var(&vcpuResize, "vcpu-resize", 0, "resize the VM to this many vCPUs")
	f.StringVar(&args.Virnets, "virnets", "", "JSON array of network devices to insert")
	f.StringVar(&args.Virblks, "virblks", "", "JSON array of block devices to insert")
	f.StringVar(&args.PatchFs, "patch-fs", "", "JSON virtio-fs backend mount operation")
	f.StringVar(&args.HostDevID, "hostdev-id", "", "id of a host device to insert (needs --bus-slot-func)")
	f.StringVar(&args.BusSlotFunc, "bus-slot-func", "", "PCI bus:slot.func of the host device to insert")
	f.StringVar(&args.PrepareRemoveHostDevice, "prepare-remove-host-device", "", "id of a host device to prepare for removal")
	f.StringVar(&args.RemoveHostDevice, "remove-host-device", "", "id of a host device to remove")
	f.Uint64Var(&args.HotplugMemoryMib, "hotplug-memory", 0, "MiB of memory to hot-plug")
	return cmd
}

func runUpdate(ctx context.Context, socketPath string, args apiclient.UpdateArgs) error {
	reqs, err := apiclient.UpdateRequests(args)
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		return errors.New("nothing to update: give at least one update flag")
	}
	return apiclient.New(socketPath).SendAll(ctx, reqs)
}
