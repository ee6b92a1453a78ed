package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/gasbot/internal/version"
)

var versionCmd = &cobra.Command{
	Use:     "version",
	GroupID: GroupTools,
	Short:   "Print version information",
	Args:    noArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), version.String())
		return err
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
