package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/gasbot/internal/config"
	"github.com/steveyegge/gasbot/internal/exitcode"
	"github.com/steveyegge/gasbot/internal/style"
	"github.com/steveyegge/gasbot/internal/supervisor"
)

var rosterCmd = &cobra.Command{
	Use:     "roster",
	GroupID: GroupTools,
	Short:   "Show the bots and the worker each one runs on",
	Long: `Validate the configuration and show how 'gasbot run' would place the
bots on worker processes.`,
	Args: noArgs,
	RunE: runRoster,
}

var rosterWorkers int

func init() {
	rosterCmd.Flags().IntVar(&rosterWorkers, "workers", 0, "worker count to plan for (default from gasbot.toml)")
	rootCmd.AddCommand(rosterCmd)
}

func runRoster(cmd *cobra.Command, args []string) error {
	rc, err := loadRuntime()
	if err != nil {
		return err
	}
	n := rc.Settings.Workers
	if cmd.Flags().Changed("workers") {
		n = rosterWorkers
	}
	groups, err := rc.Roster.Assign(n)
	if err != nil {
		return exitcode.Wrap(exitcode.ErrConfig, "assigning bots to workers", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), renderRoster(groups, supervisor.Targets(rc.Roster)))
	return nil
}

func renderRoster(groups [][]config.BotSpec, targets map[string]string) string {
	t := style.NewTable(
		style.Column{Name: "BOT", Width: 16, Style: &style.Bold},
		style.Column{Name: "WORKER", Width: 10},
		style.Column{Name: "TARGET", Width: 32},
		style.Column{Name: "MAKERS", Width: 32},
	)
	for i, g := range groups {
		for _, b := range g {
			t.AddRow(b.IGN, config.ProcessName(config.RoleWorker, i), targets[b.IGN], makers(b))
		}
	}
	return t.Render()
}

func makers(b config.BotSpec) string {
	var parts []string
	if b.Maintenance != nil {
		parts = append(parts, "maintenance")
	}
	if b.Breaks != nil {
		parts = append(parts, "breaks")
	}
	if len(b.Rotation) > 0 {
		parts = append(parts, "rotation("+strconv.Itoa(len(b.Rotation))+")")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}
