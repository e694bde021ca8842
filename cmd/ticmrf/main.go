// Command ticmrf extracts negotiated rates from Transparency in Coverage
// machine-readable files.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	var opts globalOptions
	rootCmd := &cobra.Command{
		Use:           "ticmrf",
		Short:         "Stream TiC in-network rate files into normalized records",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.register(rootCmd)

	rootCmd.AddCommand(extractCmd(&opts))
	rootCmd.AddCommand(runCmd(&opts))
	rootCmd.AddCommand(listCmd(&opts))
	rootCmd.AddCommand(detectCmd(&opts))
	rootCmd.AddCommand(inspectCmd(&opts))
	rootCmd.AddCommand(payersCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ticmrf: %v\n", err)
		stop()
		os.Exit(1)
	}
}
