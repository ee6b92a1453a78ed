package supervisor

import (
	"io"
	"os"
	"strconv"
	"time"

	"github.com/steveyegge/gasbot/internal/channel"
	"github.com/steveyegge/gasbot/internal/config"
	"github.com/steveyegge/gasbot/internal/logging"
	"github.com/steveyegge/gasbot/internal/process"
	"github.com/steveyegge/gasbot/internal/telemetry"
)

// Peer is a spawned child as the supervisor sees it.
type Peer interface {
	Name() string
	Channel() *channel.Channel
	// Stop waits up to grace for the peer to exit, then kills it. It
	// returns the exit code (-1 when killed by a signal) and
	// process.ErrKilled when the grace period ran out.
	Stop(grace time.Duration) (int, error)
}

// Spawner starts the bridge and the workers.
type Spawner interface {
	Bridge() (Peer, error)
	Worker(index, workers int) (Peer, error)
}

// ProcessSpawner re-executes the running binary under the hidden bridge and
// worker subcommands.
type ProcessSpawner struct {
	// Executable defaults to the running binary.
	Executable string
	ConfigDir  string
	RunID      string
	LogLevel   string

	// Collector receives every child's stderr. Nil discards it.
	Collector *logging.Collector

	// Console hands the supervisor's stdin and stdout to the bridge as
	// file descriptors 3 and 4, since the bridge's own stdio carries its
	// channel.
	Console bool
}

// Bridge starts the peripheral bridge.
func (s *ProcessSpawner) Bridge() (Peer, error) {
	spec := s.spec(config.RoleBridge, 0, []string{"bridge"})
	if s.Console {
		spec.ExtraFiles = []*os.File{os.Stdin, os.Stdout}
	}
	return s.start(spec)
}

// Worker starts worker index out of workers.
func (s *ProcessSpawner) Worker(index, workers int) (Peer, error) {
	return s.start(s.spec(config.RoleWorker, index, []string{
		"worker", "--index", strconv.Itoa(index), "--workers", strconv.Itoa(workers),
	}))
}

func (s *ProcessSpawner) spec(role string, index int, args []string) process.Spec {
	name := config.ProcessName(role, index)
	if s.ConfigDir != "" {
		args = append(args, "--config", s.ConfigDir)
	}
	env := config.MergeEnv(
		config.ChildEnv(config.ChildEnvConfig{
			Role:      role,
			Index:     index,
			ConfigDir: s.ConfigDir,
			RunID:     s.RunID,
			LogLevel:  s.LogLevel,
		}),
		telemetry.ChildEnv(role, name, s.RunID),
	)
	return process.Spec{Name: name, Executable: s.Executable, Args: args, Env: env}
}

func (s *ProcessSpawner) start(spec process.Spec) (Peer, error) {
	c, err := process.Start(spec, channel.WithValidation())
	if err != nil {
		return nil, err
	}
	if s.Collector != nil {
		s.Collector.Attach(spec.Name, c.Stderr)
	} else {
		go func() { _, _ = io.Copy(io.Discard, c.Stderr) }()
	}
	return childPeer{c: c}, nil
}

type childPeer struct{ c *process.Child }

func (p childPeer) Name() string              { return p.c.Name }
func (p childPeer) Channel() *channel.Channel { return p.c.Channel }

func (p childPeer) Stop(grace time.Duration) (int, error) {
	err := p.c.Stop(grace)
	return p.c.ExitCode(), err
}
