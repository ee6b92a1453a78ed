package cmd

import (
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/steveyegge/gasbot/internal/config"
	"github.com/steveyegge/gasbot/internal/exitcode"
	"github.com/steveyegge/gasbot/internal/logging"
	"github.com/steveyegge/gasbot/internal/style"
	"github.com/steveyegge/gasbot/internal/supervisor"
	"github.com/steveyegge/gasbot/internal/telemetry"
	"github.com/steveyegge/gasbot/internal/ui"
	"github.com/steveyegge/gasbot/internal/version"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: GroupRun,
	Short:   "Run the supervisor with its bridge and workers",
	Long: `Run the supervisor in the foreground.

The supervisor takes the single-instance lock, starts the bridge and one
process per worker, and schedules every request they send. Logs from all
processes are merged into the console and the rotated log file.

Stop it with the KILL control command or Ctrl-C. The exit code is 0 after
a requested stop and non-zero when a process failed:

  4   configuration error
  52  another supervisor is running
  60  a process broke the request or channel contract
  61  a scheduled task failed fatally
  62  a worker or the bridge died`,
	Args: noArgs,
	RunE: runRun,
}

var runWorkers int

func init() {
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "number of worker processes (default from gasbot.toml, 0 = as few as the roster allows)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	rc, err := loadRuntime()
	if err != nil {
		return err
	}
	set := rc.Settings
	if cmd.Flags().Changed("workers") {
		if runWorkers < 0 {
			return usageError{exitcode.Newf(exitcode.ErrUsage, "--workers must not be negative")}
		}
		set.Workers = runWorkers
	}
	level := effectiveLogLevel(set)
	runID := uuid.NewString()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	bootstrap := logging.New(os.Stderr, level, config.RoleSupervisor)
	defer startTelemetry(ctx, config.RoleSupervisor, config.RoleSupervisor, runID, set.TelemetryEnabled, bootstrap)()

	style.SetColor(ui.ShouldUseColor(os.Stderr))
	collector := logging.NewCollector(logging.CollectorOptions{
		File:       set.LogFile,
		MaxSizeMB:  set.LogMaxSizeMB,
		MaxBackups: set.LogMaxBackups,
		MaxAgeDays: set.LogMaxAgeDays,
		Console:    os.Stderr,
		Level:      logging.ParseLevel(level),
		Forward:    telemetry.Active(),
	})
	defer collector.Close()

	logger := logging.New(collector.Writer(config.RoleSupervisor), level, config.RoleSupervisor)
	slog.SetDefault(logger)

	sup, err := supervisor.New(supervisor.Options{
		Settings: set,
		Roster:   rc.Roster,
		Spawner: &supervisor.ProcessSpawner{
			ConfigDir: rc.Dir,
			RunID:     runID,
			LogLevel:  level,
			Collector: collector,
			Console:   set.Surface == config.SurfaceConsole,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	logger.Info("gasbot starting",
		"version", version.Version,
		"run_id", runID,
		"config", rc.Dir,
		"bots", len(rc.Roster.Bots),
		"surface", set.Surface,
		"backend", set.Backend)
	return sup.Run(ctx)
}
