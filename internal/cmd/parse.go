package cmd

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/gasbot/internal/bridge/command"
	"github.com/steveyegge/gasbot/internal/exitcode"
)

var parseCmd = &cobra.Command{
	Use:     "parse <command>...",
	GroupID: GroupTools,
	Short:   "Show what a control command turns into",
	Long: `Parse a control command the way the bridge does and print the result
as JSON, without running anything.

Examples:
  gasbot parse WRITE --ign alpha --m be right back
  gasbot parse pause

Flags after 'parse' belong to the command line being parsed.`,
	DisableFlagParsing: true,
	Args:               minArgs(1),
	RunE:               runParse,
}

func init() {
	rootCmd.AddCommand(parseCmd)
}

func runParse(cmd *cobra.Command, args []string) error {
	res, err := command.Parse(strings.Join(args, " "))
	if err != nil {
		return exitcode.Wrap(exitcode.ErrUsage, "invalid command", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
