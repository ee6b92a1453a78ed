// Package cmd provides CLI commands for the gasbot tool.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/gasbot/internal/exitcode"
	"github.com/steveyegge/gasbot/internal/style"
	"github.com/steveyegge/gasbot/internal/ui"
	"github.com/steveyegge/gasbot/internal/version"
)

var rootCmd = &cobra.Command{
	Use:     "gasbot",
	Short:   "gasbot - supervised multi-process game bot runner",
	Version: version.Version,
	Long: `gasbot runs a fleet of game bots.

Worker processes run each bot's decision makers and send the resulting
requests to a single supervisor. The supervisor schedules them by priority
and is the only process that injects input into the game. A bridge process
captures the game windows and carries operator commands in from the
console, Slack or NATS.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		style.SetColor(ui.ShouldUseColor(os.Stdout))
	},
}

// Flags shared by every command.
var (
	configDir string
	logLevel  string
)

// Execute runs the root command and returns an exit code.
// The caller (main) should call os.Exit with this code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		code := exitcode.Code(err)
		if code == exitcode.ErrGeneral && isUsageError(err) {
			code = exitcode.ErrUsage
		}
		fmt.Fprintf(os.Stderr, "%s %v\n", style.ErrorPrefix, err)
		return code
	}
	return exitcode.Success
}

// usageError marks a flag or argument problem reported by cobra.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func isUsageError(err error) bool {
	var u usageError
	return errors.As(err, &u)
}

// Command group IDs - used by subcommands to organize help output
const (
	GroupRun   = "run"
	GroupTools = "tools"
)

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupRun, Title: "Running:"},
		&cobra.Group{ID: GroupTools, Title: "Tools:"},
	)
	rootCmd.SetHelpCommandGroupID(GroupTools)
	rootCmd.SetCompletionCommandGroupID(GroupTools)
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{fmt.Errorf("%w\n\nRun '%s --help' for usage", err, cmd.CommandPath())}
	})

	rootCmd.PersistentFlags().StringVar(&configDir, "config", "",
		"configuration directory (default $GASBOT_CONFIG or ./config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level: debug, info, warn or error (default from gasbot.toml)")
}
