// Package supervisor owns one gasbot run: it spawns the bridge and the
// workers, feeds every request they send into the single scheduler and
// tears everything down when any part ends.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/steveyegge/gasbot/internal/action"
	"github.com/steveyegge/gasbot/internal/config"
	"github.com/steveyegge/gasbot/internal/eventbus"
	"github.com/steveyegge/gasbot/internal/exitcode"
	"github.com/steveyegge/gasbot/internal/focus"
	"github.com/steveyegge/gasbot/internal/host"
	"github.com/steveyegge/gasbot/internal/listener"
	"github.com/steveyegge/gasbot/internal/parallel"
	"github.com/steveyegge/gasbot/internal/procedure"
	"github.com/steveyegge/gasbot/internal/process"
	"github.com/steveyegge/gasbot/internal/scheduler"
	"github.com/steveyegge/gasbot/internal/telemetry"
)

// notifyWait bounds how long teardown waits for queued notifications.
const notifyWait = 2 * time.Second

// Options wires a Supervisor.
type Options struct {
	Settings config.Settings
	Roster   config.Roster
	Spawner  Spawner

	// Backend performs the input procedures inject. Nil opens the backend
	// named in Settings.
	Backend host.Backend
	Logger  *slog.Logger
}

// Supervisor runs the process tree of one gasbot run.
type Supervisor struct {
	opts Options
	log  *slog.Logger
}

// New validates opts.
func New(opts Options) (*Supervisor, error) {
	if opts.Spawner == nil {
		return nil, errors.New("supervisor: a spawner is required")
	}
	if len(opts.Roster.Bots) == 0 {
		return nil, exitcode.New(exitcode.ErrConfig, "roster lists no bots")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{opts: opts, log: opts.Logger.With("component", "supervisor")}, nil
}

// Run spawns the children, serves until the first component ends and then
// tears down. It returns nil after a requested shutdown (KILL, or ctx
// ending) and the cause otherwise; exitcode.Code maps it.
func (s *Supervisor) Run(ctx context.Context) error {
	unlock, err := acquireLock(s.opts.Settings.LockFile)
	if err != nil {
		return err
	}
	defer unlock()

	groups, err := s.opts.Roster.Assign(s.opts.Settings.Workers)
	if err != nil {
		return exitcode.Wrap(exitcode.ErrConfig, "assigning bots to workers", err)
	}

	backend := s.opts.Backend
	if backend == nil {
		backend, err = host.Open(ctx, host.Options{
			Backend:    s.opts.Settings.Backend,
			ControlURL: s.opts.Settings.ControlURL,
			Targets:    Targets(s.opts.Roster),
			Logger:     s.opts.Logger,
		})
		if err != nil {
			return exitcode.Wrap(exitcode.ErrConfig, "opening host backend", err)
		}
		defer backend.Close()
	}

	bridge, err := s.opts.Spawner.Bridge()
	if err != nil {
		return fmt.Errorf("spawning bridge: %w", err)
	}
	peers := []Peer{bridge}
	workers := make([]Peer, 0, len(groups))
	for i := range groups {
		w, err := s.opts.Spawner.Worker(i, s.opts.Settings.Workers)
		if err != nil {
			_ = s.join(peers)
			return fmt.Errorf("spawning worker %d: %w", i, err)
		}
		workers = append(workers, w)
		peers = append(peers, w)
	}
	s.log.Info("supervisor started", "workers", len(workers), "bots", s.opts.Roster.Names())

	err = s.serve(ctx, bridge, workers, groups, backend)
	_ = s.join(peers)
	if err != nil {
		s.log.Error("supervisor stopped", "error", err, "exit_code", exitcode.Code(err))
	} else {
		s.log.Info("supervisor stopped")
	}
	return err
}

func (s *Supervisor) serve(ctx context.Context, bridge Peer, workers []Peer, groups [][]config.BotSpec, backend host.Backend) error {
	set := s.opts.Settings
	bus := eventbus.New()
	defer bus.Close()

	notes := newNotifier(bridge.Channel(), s.log)
	rt := newRouter()
	for i, w := range workers {
		names := make([]string, len(groups[i]))
		for j, b := range groups[i] {
			names[j] = b.IGN
		}
		rt.host(w.Channel(), names...)
	}

	var focusOpts []focus.Option
	if set.FocusLock != "" {
		focusOpts = append(focusOpts, focus.WithHostLock(set.FocusLock))
	}
	registry := procedure.NewRegistry(procedure.Deps{
		Injector:   backend,
		Focus:      focus.New(append(focusOpts, focus.WithLogger(s.opts.Logger))...),
		Notifier:   notes,
		Logger:     s.opts.Logger,
		RetryDelay: set.RetryDelay,
		Attempts:   set.InjectAttempts,
	})
	sched := scheduler.New(scheduler.Options{
		Throttle:          set.Throttle,
		OverflowThreshold: set.OverflowThreshold,
		DrainTimeout:      set.DrainTimeout,
		Lenient:           !set.StrictContracts,
		Logger:            s.opts.Logger,
		Bus:               bus,
		Notifier:          notes,
		Router:            rt,
	})

	tasks := []parallel.Task{
		{Name: "scheduler", Run: sched.Run},
		{Name: "events", Run: func(ctx context.Context) error {
			s.logEvents(ctx, bus)
			return nil
		}},
	}
	if telemetry.Active() {
		tasks = append(tasks, parallel.Task{Name: "telemetry", Run: func(ctx context.Context) error {
			telemetry.Watch(ctx, bus)
			return nil
		}})
	}
	for _, w := range workers {
		l := listener.New(w.Channel(), listener.Options{
			Submitter: sched,
			Resolver:  registry,
			Notifier:  notes,
			Logger:    s.opts.Logger,
		})
		tasks = append(tasks, parallel.Task{Name: w.Name(), Run: l.Run})
	}
	bl := listener.New(bridge.Channel(), listener.Options{
		Submitter: sched,
		Resolver:  registry,
		Notifier:  notes,
		Logger:    s.opts.Logger,
		OnShutdown: func() {
			sched.Shutdown(nil)
		},
	})
	tasks = append(tasks, parallel.Task{Name: bridge.Name(), Run: bl.Run})

	var (
		once  sync.Once
		first string
	)
	err := parallel.Group(ctx, func(name string, err error) {
		once.Do(func() {
			first = name
			s.log.Info("tearing down", "ended_first", name, "error", err)
			notes.finish(action.Shutdown(), notifyWait)
		})
		if err != nil {
			s.log.Debug("task ended", "task", name, "error", err)
		} else {
			s.log.Debug("task ended", "task", name)
		}
	}, tasks...)

	// Only the scheduler ends cleanly on purpose; a peer that simply went
	// away is a loss.
	if err == nil && ctx.Err() == nil && first != "scheduler" {
		err = exitcode.PeerLost(first, errors.New("closed its channel"))
	}
	return err
}

// join closes every channel and waits for the children to exit. It returns
// what went wrong on the way: close errors, kills and non-zero exits.
func (s *Supervisor) join(peers []Peer) error {
	grace := s.opts.Settings.JoinGrace
	err := parallel.Execute(peers, len(peers), Peer.Name, func(p Peer) error {
		cerr := p.Channel().Close()
		code, err := p.Stop(grace)
		killed := errors.Is(err, process.ErrKilled)
		telemetry.RecordChildExit(context.Background(), p.Name(), code, killed)
		switch {
		case killed:
			s.log.Warn("child killed after grace period", "process", p.Name(), "grace", grace)
		case code != 0:
			s.log.Warn("child exited", "process", p.Name(), "exit_code", code)
			err = errors.Join(err, fmt.Errorf("exit code %d", code))
		default:
			s.log.Debug("child exited", "process", p.Name())
		}
		return errors.Join(cerr, err)
	})
	if err != nil {
		s.log.Warn("teardown was not clean", "error", err)
	}
	return err
}

func (s *Supervisor) logEvents(ctx context.Context, bus *eventbus.Bus) {
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.log.Debug("task event", "event", ev.Type, "task", ev.TaskID, "bot", ev.Bot,
				"priority", ev.Priority, "reason", ev.Reason)
		}
	}
}

// Targets maps every bot to its host target. Bots without a target use
// their IGN.
func Targets(r config.Roster) map[string]string {
	out := make(map[string]string, len(r.Bots))
	for _, b := range r.Bots {
		t := b.Target
		if t == "" {
			t = b.IGN
		}
		out[b.IGN] = t
	}
	return out
}

// acquireLock takes the single-instance lock. An empty path disables it.
func acquireLock(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return nil, exitcode.Busy(path)
	}
	return func() { _ = fl.Unlock() }, nil
}
