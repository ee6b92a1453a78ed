package config

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// SettingsFile is the store file holding supervisor settings.
const SettingsFile = "gasbot"

// Control surfaces the bridge can serve.
const (
	SurfaceConsole = "console"
	SurfaceSlack   = "slack"
	SurfaceNATS    = "nats"
)

// Settings is the typed view of gasbot.toml.
type Settings struct {
	Workers      int
	LockFile     string
	DrainTimeout time.Duration
	JoinGrace    time.Duration

	Throttle          time.Duration
	OverflowThreshold int
	StrictContracts   bool

	Cycle time.Duration

	Backend        string
	ControlURL     string
	FocusLock      string
	InjectAttempts int
	RetryDelay     time.Duration

	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	Surface         string
	CaptureInterval time.Duration
	ObserverAddr    string

	SlackAppToken string
	SlackBotToken string
	SlackChannel  string

	NATSURL            string
	NATSCommandSubject string
	NATSNotifySubject  string

	TelemetryEnabled bool
}

// DefaultSettings returns the settings used when gasbot.toml is absent.
func DefaultSettings() Settings {
	return Settings{
		Workers:            0,
		LockFile:           ".gasbot/supervisor.lock",
		DrainTimeout:       5 * time.Second,
		JoinGrace:          5 * time.Second,
		Throttle:           10 * time.Millisecond,
		OverflowThreshold:  30,
		StrictContracts:    true,
		Cycle:              100 * time.Millisecond,
		Backend:            "dryrun",
		FocusLock:          ".gasbot/focus.lock",
		InjectAttempts:     10,
		RetryDelay:         50 * time.Millisecond,
		LogLevel:           "info",
		LogFile:            "logs/gasbot.log",
		LogMaxSizeMB:       20,
		LogMaxBackups:      5,
		LogMaxAgeDays:      14,
		Surface:            SurfaceConsole,
		CaptureInterval:    2 * time.Second,
		ObserverAddr:       "127.0.0.1:8765",
		NATSURL:            "nats://127.0.0.1:4222",
		NATSCommandSubject: "gasbot.command",
		NATSNotifySubject:  "gasbot.notify",
	}
}

// LoadSettings reads gasbot.toml (or .yaml) from s on top of the defaults.
// Slack tokens may also come from SLACK_APP_TOKEN and SLACK_BOT_TOKEN.
func LoadSettings(s *Store) (Settings, error) {
	out := DefaultSettings()
	r := reader{s: s}

	out.Workers = r.int("supervisor", "workers", out.Workers)
	out.LockFile = s.String(SettingsFile, "supervisor", "lock_file", out.LockFile)
	out.DrainTimeout = r.duration("supervisor", "drain_timeout", out.DrainTimeout)
	out.JoinGrace = r.duration("supervisor", "join_grace", out.JoinGrace)

	out.Throttle = r.duration("scheduler", "throttle", out.Throttle)
	out.OverflowThreshold = r.int("scheduler", "overflow_threshold", out.OverflowThreshold)
	out.StrictContracts = r.bool("scheduler", "strict_contracts", out.StrictContracts)

	out.Cycle = r.duration("worker", "cycle", out.Cycle)

	out.Backend = s.String(SettingsFile, "host", "backend", out.Backend)
	out.ControlURL = s.String(SettingsFile, "host", "control_url", out.ControlURL)
	out.FocusLock = s.String(SettingsFile, "host", "focus_lock", out.FocusLock)
	out.InjectAttempts = r.int("host", "inject_attempts", out.InjectAttempts)
	out.RetryDelay = r.duration("host", "retry_delay", out.RetryDelay)

	out.LogLevel = s.String(SettingsFile, "logging", "level", out.LogLevel)
	out.LogFile = s.String(SettingsFile, "logging", "file", out.LogFile)
	out.LogMaxSizeMB = r.int("logging", "max_size_mb", out.LogMaxSizeMB)
	out.LogMaxBackups = r.int("logging", "max_backups", out.LogMaxBackups)
	out.LogMaxAgeDays = r.int("logging", "max_age_days", out.LogMaxAgeDays)

	out.Surface = s.String(SettingsFile, "bridge", "surface", out.Surface)
	out.CaptureInterval = r.duration("bridge", "capture_interval", out.CaptureInterval)
	out.ObserverAddr = s.String(SettingsFile, "bridge", "observer_addr", out.ObserverAddr)

	out.SlackAppToken = s.String(SettingsFile, "slack", "app_token", os.Getenv("SLACK_APP_TOKEN"))
	out.SlackBotToken = s.String(SettingsFile, "slack", "bot_token", os.Getenv("SLACK_BOT_TOKEN"))
	out.SlackChannel = s.String(SettingsFile, "slack", "channel", out.SlackChannel)

	out.NATSURL = s.String(SettingsFile, "nats", "url", out.NATSURL)
	out.NATSCommandSubject = s.String(SettingsFile, "nats", "command_subject", out.NATSCommandSubject)
	out.NATSNotifySubject = s.String(SettingsFile, "nats", "notify_subject", out.NATSNotifySubject)

	out.TelemetryEnabled = r.bool("telemetry", "enabled", out.TelemetryEnabled)

	if err := errors.Join(r.errs...); err != nil {
		return Settings{}, err
	}
	return out, out.Validate()
}

// Validate reports settings that cannot work.
func (s Settings) Validate() error {
	switch s.Surface {
	case SurfaceConsole, SurfaceSlack, SurfaceNATS:
	default:
		return fmt.Errorf("bridge.surface: unknown surface %q", s.Surface)
	}
	if s.Surface == SurfaceSlack && (s.SlackAppToken == "" || s.SlackBotToken == "" || s.SlackChannel == "") {
		return fmt.Errorf("slack surface needs app_token, bot_token and channel")
	}
	if s.Workers < 0 {
		return fmt.Errorf("supervisor.workers: must not be negative")
	}
	if s.Cycle <= 0 || s.Throttle <= 0 {
		return fmt.Errorf("worker.cycle and scheduler.throttle must be positive")
	}
	if s.InjectAttempts < 1 {
		return fmt.Errorf("host.inject_attempts: must be at least 1")
	}
	return nil
}

// reader collects conversion errors so LoadSettings can report them together.
type reader struct {
	s    *Store
	errs []error
}

func (r *reader) int(section, option string, def int) int {
	v, err := r.s.Int(SettingsFile, section, option, def)
	if err != nil {
		r.errs = append(r.errs, err)
	}
	return v
}

func (r *reader) bool(section, option string, def bool) bool {
	v, err := r.s.Bool(SettingsFile, section, option, def)
	if err != nil {
		r.errs = append(r.errs, err)
	}
	return v
}

func (r *reader) duration(section, option string, def time.Duration) time.Duration {
	v, err := r.s.Duration(SettingsFile, section, option, def)
	if err != nil {
		r.errs = append(r.errs, err)
	}
	return v
}
