// Package cli provides the command-line interface for vmctl.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// apiSockPath is shared by create (server side) and update (client side).
var apiSockPath string

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vmctl",
		Short: "vmctl - boot and manage a microVM",
		Long: `vmctl boots a single microVM and keeps it running in the foreground.

The create command configures the VM, attaches its devices and starts it.
While it runs, the update command sends hot-plug requests to it over the
administrative socket given by --api-sock-path.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&apiSockPath, "api-sock-path", "", "administrative Unix socket path")

	cmd.AddCommand(newCreateCmd())
	cmd.AddCommand(newUpdateCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}
