package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/gasbot/internal/bridge"
	"github.com/steveyegge/gasbot/internal/channel"
	"github.com/steveyegge/gasbot/internal/config"
	"github.com/steveyegge/gasbot/internal/exitcode"
	"github.com/steveyegge/gasbot/internal/host"
	"github.com/steveyegge/gasbot/internal/logging"
	"github.com/steveyegge/gasbot/internal/observer"
	"github.com/steveyegge/gasbot/internal/process"
	"github.com/steveyegge/gasbot/internal/supervisor"
)

// File descriptors the supervisor passes the console on.
const (
	consoleInFD  = 3
	consoleOutFD = 4
)

var bridgeCmd = &cobra.Command{
	Use:    "bridge",
	Short:  "Run the peripheral bridge (internal)",
	Hidden: true,
	Long: `Run the bridge between the supervisor and the operator.

Started by 'gasbot run'. stdin and stdout carry the supervisor channel;
stderr carries JSON log records. With the console surface the operator's
terminal arrives on file descriptors 3 (input) and 4 (output).`,
	Args: noArgs,
	RunE: runBridge,
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
}

func runBridge(cmd *cobra.Command, args []string) error {
	rc, err := loadRuntime()
	if err != nil {
		return err
	}
	set := rc.Settings
	process.IgnoreBrokenPipe()
	logger := logging.New(os.Stderr, effectiveLogLevel(set), config.RoleBridge)

	ctx, cancel := signalContext(cmd)
	defer cancel()
	defer startTelemetry(ctx, config.RoleBridge, config.RoleBridge, os.Getenv(config.EnvRunID), set.TelemetryEnabled, logger)()

	surface, err := openSurface(set, logger)
	if err != nil {
		return exitcode.Wrap(exitcode.ErrConfig, "opening control surface", err)
	}
	backend, err := host.Open(ctx, host.Options{
		Backend:    set.Backend,
		ControlURL: set.ControlURL,
		Targets:    supervisor.Targets(rc.Roster),
		Logger:     logger,
	})
	if err != nil {
		return exitcode.Wrap(exitcode.ErrConfig, "opening host backend", err)
	}
	defer backend.Close()

	hub := observer.NewHub(logger)
	opts := bridge.Options{
		Surface:   surface,
		Capturer:  backend,
		Targets:   rc.Roster.Names(),
		Interval:  set.CaptureInterval,
		Publisher: hub,
		Logger:    logger,
	}
	if addr := set.ObserverAddr; addr != "" {
		opts.Serve = func(ctx context.Context) error { return hub.Serve(ctx, addr) }
	}
	b, err := bridge.New(channel.Stdio(config.RoleSupervisor, channel.WithValidation()), opts)
	if err != nil {
		return err
	}
	return b.Run(ctx)
}

// openSurface builds the configured control surface.
func openSurface(set config.Settings, logger *slog.Logger) (bridge.Surface, error) {
	switch set.Surface {
	case config.SurfaceConsole:
		in := os.NewFile(consoleInFD, "console-in")
		out := os.NewFile(consoleOutFD, "console-out")
		if !isOpen(in) || !isOpen(out) {
			return nil, fmt.Errorf("console surface needs file descriptors %d and %d", consoleInFD, consoleOutFD)
		}
		var shots string
		if set.LogFile != "" {
			shots = filepath.Join(filepath.Dir(set.LogFile), "shots")
		}
		return bridge.NewConsole(in, out, shots, logger), nil
	case config.SurfaceSlack:
		return bridge.NewSlack(bridge.SlackConfig{
			BotToken: set.SlackBotToken,
			AppToken: set.SlackAppToken,
			Channel:  set.SlackChannel,
			Debug:    effectiveLogLevel(set) == "debug",
		}, logger)
	case config.SurfaceNATS:
		return bridge.NewNATS(bridge.NATSConfig{
			URL:            set.NATSURL,
			Token:          os.Getenv("NATS_TOKEN"),
			CommandSubject: set.NATSCommandSubject,
			NotifySubject:  set.NATSNotifySubject,
		}, logger)
	}
	return nil, fmt.Errorf("unknown surface %q", set.Surface)
}

func isOpen(f *os.File) bool {
	if f == nil {
		return false
	}
	_, err := f.Stat()
	return err == nil
}
