package cli

import (
	"fmt"

	"github.com/droidpool/droidpool/internal/version"

	"github.com/spf13/cobra"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Get()
			fmt.Printf("droidpool %s\n", info.Version)
			if info.GitCommit != "" {
				fmt.Printf("  commit: %s\n", info.GitCommit)
			}
			fmt.Printf("  go: %s (%s)\n", info.GoVersion, info.Platform)
		},
	}
}
