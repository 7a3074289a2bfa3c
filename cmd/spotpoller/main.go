// Command spotpoller reconciles tracked spot requests against the cloud provider.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "config/app.yaml"

func main() {
	ctx, cancel := newSignalContext()
	err := newRootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:               "spotpoller",
		Short:             "Spot request reconciliation poller",
		Long:              "spotpoller periodically re-checks tracked spot requests with the cloud provider, updates their stored status, cancels requests stuck in a bad state, and forgets requests that reached a terminal state.",
		SilenceUsage:      true,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.AddCommand(
		newRunCmd(),
		newOnceCmd(),
		newMigrateCmd(),
		newSeedCmd(),
		newVersionCmd(),
	)
	return root
}

func addConfigFlag(cmd *cobra.Command) {
	cmd.Flags().String("config", defaultConfigPath, "Path to application configuration file")
}
