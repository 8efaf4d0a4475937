package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "droidpool",
		Short: "Droid credential pool",
		Long: `Droidpool manages a pool of Factory.ai Droid credentials (WorkOS OAuth and
API keys), keeps their tokens fresh, tracks per-credential health and serves
the selection API the request-routing layer proxies through.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(NewStartCommand())
	rootCmd.AddCommand(NewStatusCommand())
	rootCmd.AddCommand(NewVersionCommand())

	return rootCmd
}

// Execute runs the root command
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
