package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/gasbot/internal/bots"
	"github.com/steveyegge/gasbot/internal/channel"
	"github.com/steveyegge/gasbot/internal/config"
	"github.com/steveyegge/gasbot/internal/exitcode"
	"github.com/steveyegge/gasbot/internal/host"
	"github.com/steveyegge/gasbot/internal/logging"
	"github.com/steveyegge/gasbot/internal/process"
	"github.com/steveyegge/gasbot/internal/supervisor"
	"github.com/steveyegge/gasbot/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one worker process (internal)",
	Hidden: true,
	Long: `Run the decision loop for one share of the roster.

Started by 'gasbot run'. stdin and stdout carry the supervisor channel;
stderr carries JSON log records.`,
	Args: noArgs,
	RunE: runWorker,
}

var (
	workerIndex int
	workerCount int
)

func init() {
	workerCmd.Flags().IntVar(&workerIndex, "index", 0, "worker index")
	workerCmd.Flags().IntVar(&workerCount, "workers", 0, "worker count the supervisor assigned bots for")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	rc, err := loadRuntime()
	if err != nil {
		return err
	}
	name := config.ProcessName(config.RoleWorker, workerIndex)
	process.IgnoreBrokenPipe()
	logger := logging.New(os.Stderr, effectiveLogLevel(rc.Settings), name)

	ctx, cancel := signalContext(cmd)
	defer cancel()
	defer startTelemetry(ctx, config.RoleWorker, name, os.Getenv(config.EnvRunID), rc.Settings.TelemetryEnabled, logger)()

	groups, err := rc.Roster.Assign(workerCount)
	if err != nil {
		return exitcode.Wrap(exitcode.ErrConfig, "assigning bots to workers", err)
	}
	if workerIndex < 0 || workerIndex >= len(groups) {
		return exitcode.Newf(exitcode.ErrUsage, "worker index %d out of range (%d workers)", workerIndex, len(groups))
	}
	specs := groups[workerIndex]

	opts := bots.Options{}
	if needsRecognizer(specs) {
		backend, err := host.Open(ctx, host.Options{
			Backend:    rc.Settings.Backend,
			ControlURL: rc.Settings.ControlURL,
			Targets:    supervisor.Targets(rc.Roster),
			Logger:     logger,
		})
		if err != nil {
			return exitcode.Wrap(exitcode.ErrConfig, "opening host backend", err)
		}
		defer backend.Close()
		opts.Recognizer = backend
	}
	built, err := bots.BuildAll(specs, opts)
	if err != nil {
		return exitcode.Wrap(exitcode.ErrConfig, "building bots", err)
	}

	w, err := worker.New(name, channel.Stdio(config.RoleSupervisor, channel.WithValidation()), built, worker.Options{
		Cycle:  rc.Settings.Cycle,
		Logger: logger,
	})
	if err != nil {
		return exitcode.Wrap(exitcode.ErrConfig, "starting worker", err)
	}
	return w.Run(ctx)
}

// needsRecognizer reports whether any bot watches host state.
func needsRecognizer(specs []config.BotSpec) bool {
	for _, s := range specs {
		if len(s.Watches) > 0 {
			return true
		}
	}
	return false
}
