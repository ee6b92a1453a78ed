package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/gasbot/internal/config"
	"github.com/steveyegge/gasbot/internal/exitcode"
	"github.com/steveyegge/gasbot/internal/telemetry"
	"github.com/steveyegge/gasbot/internal/version"
)

const telemetryFlushTimeout = 5 * time.Second

// runtimeConfig is everything a gasbot process reads from the config dir.
type runtimeConfig struct {
	Dir      string
	Settings config.Settings
	Roster   config.Roster
}

// loadRuntime loads settings and roster from the resolved config dir.
// Every failure carries exitcode.ErrConfig.
func loadRuntime() (runtimeConfig, error) {
	dir := config.ResolveDir(configDir)
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	store, err := config.Load(dir)
	if err != nil {
		return runtimeConfig{}, exitcode.Wrap(exitcode.ErrConfig, "loading config", err)
	}
	set, err := config.LoadSettings(store)
	if err != nil {
		return runtimeConfig{}, exitcode.Wrap(exitcode.ErrConfig, "reading "+config.SettingsFile+" settings", err)
	}
	roster, err := config.LoadRoster(store)
	if err != nil {
		return runtimeConfig{}, exitcode.Wrap(exitcode.ErrConfig, "reading "+config.RosterFile+" roster", err)
	}
	return runtimeConfig{Dir: dir, Settings: set, Roster: roster}, nil
}

// effectiveLogLevel applies --log-level, then GASBOT_LOG_LEVEL (set by the
// supervisor for its children), then the configured level.
func effectiveLogLevel(set config.Settings) string {
	if logLevel != "" {
		return logLevel
	}
	if v := os.Getenv(config.EnvLogLevel); v != "" {
		return v
	}
	return set.LogLevel
}

// signalContext ends on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// startTelemetry initializes OTel export for this process and returns the
// flush function. telemetry.enabled without explicit endpoints selects the
// default local endpoints; children inherit them through the environment.
func startTelemetry(ctx context.Context, role, name, runID string, enabled bool, logger *slog.Logger) func() {
	provider, err := telemetry.Init(ctx, telemetry.Process{
		Role:    role,
		Name:    name,
		RunID:   runID,
		Version: version.Version,
	}, enabled)
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
		return func() {}
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			logger.Warn("flushing telemetry", "error", err)
		}
	}
}

// noArgs rejects positional arguments as a usage error.
func noArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		return usageError{err}
	}
	return nil
}

// minArgs requires at least n positional arguments.
func minArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MinimumNArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}
