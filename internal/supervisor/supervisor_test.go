package supervisor

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/gasbot/internal/action"
	"github.com/steveyegge/gasbot/internal/botdata"
	"github.com/steveyegge/gasbot/internal/bridge"
	"github.com/steveyegge/gasbot/internal/channel"
	"github.com/steveyegge/gasbot/internal/config"
	"github.com/steveyegge/gasbot/internal/decision"
	"github.com/steveyegge/gasbot/internal/exitcode"
	"github.com/steveyegge/gasbot/internal/host"
	"github.com/steveyegge/gasbot/internal/process"
	"github.com/steveyegge/gasbot/internal/testutil"
	"github.com/steveyegge/gasbot/internal/worker"
)

const wait = 3 * time.Second

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// scriptSurface is a control surface driven by the test.
type scriptSurface struct {
	in chan string

	mu    sync.Mutex
	posts []action.Notification
}

func newSurface() *scriptSurface { return &scriptSurface{in: make(chan string)} }

func (s *scriptSurface) Name() string { return "script" }

func (s *scriptSurface) Run(ctx context.Context, lines chan<- string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case l := <-s.in:
			select {
			case lines <- l:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (s *scriptSurface) Post(_ context.Context, n action.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts = append(s.posts, n)
	return nil
}

func (s *scriptSurface) enter(t *testing.T, line string) {
	t.Helper()
	select {
	case s.in <- line:
	case <-time.After(wait):
		t.Fatalf("surface did not take %q", line)
	}
}

func (s *scriptSurface) saw(pred func(action.Notification) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.posts {
		if pred(n) {
			return true
		}
	}
	return false
}

func text(sub string) func(action.Notification) bool {
	return func(n action.Notification) bool {
		return n.Kind == action.NotifyText && strings.Contains(n.Text, sub)
	}
}

// memPeer runs a real bridge or worker on a goroutine over an in-memory pair.
type memPeer struct {
	name string
	ch   *channel.Channel
	done chan struct{}
	err  error
}

func (p *memPeer) Name() string              { return p.name }
func (p *memPeer) Channel() *channel.Channel { return p.ch }

func (p *memPeer) Stop(grace time.Duration) (int, error) {
	select {
	case <-p.done:
	case <-time.After(grace):
		return -1, process.ErrKilled
	}
	if p.err != nil {
		return 1, nil
	}
	return 0, nil
}

type memSpawner struct {
	surface *scriptSurface
	bots    func(index int) []*worker.Bot
	// silent workers close their channel right away.
	silent bool

	mu      sync.Mutex
	workers []int
}

func (s *memSpawner) Bridge() (Peer, error) {
	sup, own := channel.Pair("bridge", "supervisor")
	b, err := bridge.New(own, bridge.Options{Surface: s.surface, Logger: quiet})
	if err != nil {
		return nil, err
	}
	p := &memPeer{name: "bridge", ch: sup, done: make(chan struct{})}
	go func() {
		p.err = b.Run(context.Background())
		close(p.done)
	}()
	return p, nil
}

func (s *memSpawner) Worker(index, workers int) (Peer, error) {
	s.mu.Lock()
	s.workers = append(s.workers, workers)
	s.mu.Unlock()

	name := config.ProcessName(config.RoleWorker, index)
	sup, own := channel.Pair(name, "supervisor")
	p := &memPeer{name: name, ch: sup, done: make(chan struct{})}
	if s.silent {
		go func() {
			_ = own.Close()
			close(p.done)
		}()
		return p, nil
	}
	w, err := worker.New(name, own, s.bots(index), worker.Options{Cycle: 5 * time.Millisecond, Logger: quiet})
	if err != nil {
		return nil, err
	}
	go func() {
		p.err = w.Run(context.Background())
		close(p.done)
	}()
	return p, nil
}

func settings(t *testing.T) config.Settings {
	s := config.DefaultSettings()
	dir := t.TempDir()
	s.LockFile = filepath.Join(dir, "supervisor.lock")
	s.FocusLock = ""
	s.Throttle = 2 * time.Millisecond
	s.DrainTimeout = time.Second
	s.JoinGrace = 2 * time.Second
	s.RetryDelay = time.Millisecond
	return s
}

func roster(igns ...string) config.Roster {
	var r config.Roster
	for _, ign := range igns {
		r.Bots = append(r.Bots, config.BotSpec{IGN: ign})
	}
	return r
}

func idleBot(t *testing.T, ign string) *worker.Bot {
	t.Helper()
	b, err := worker.NewBot(botdata.New(ign), decision.Func{ID: "idle", Kind: decision.Rotation,
		Fn: func(*decision.Context) (*action.Request, error) { return nil, nil }})
	require.NoError(t, err)
	return b
}

type harness struct {
	surface *scriptSurface
	backend *host.DryRunBackend
	spawner *memSpawner
	done    chan error
}

func run(t *testing.T, set config.Settings, r config.Roster, sp *memSpawner) *harness {
	t.Helper()
	h := &harness{surface: sp.surface, backend: host.NewDryRun(quiet, r.Names()...), spawner: sp, done: make(chan error, 1)}
	sup, err := New(Options{Settings: set, Roster: r, Spawner: sp, Backend: h.backend, Logger: quiet})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.done <- sup.Run(ctx) }()
	t.Cleanup(cancel)
	return h
}

func (h *harness) result(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * wait):
		t.Fatal("supervisor did not stop")
		return nil
	}
}

func TestSupervisor_WriteThenKill(t *testing.T) {
	sp := &memSpawner{surface: newSurface()}
	sp.bots = func(int) []*worker.Bot { return []*worker.Bot{idleBot(t, "alpha")} }
	h := run(t, settings(t), roster("alpha"), sp)

	h.surface.enter(t, "WRITE --ign alpha --m hello there")
	testutil.RequireWithin(t, wait, "write to finish", func() bool {
		return h.surface.saw(text("write-alpha finished: completed"))
	})
	var typed []string
	for _, in := range h.backend.Inputs() {
		if in.Op == "type" {
			typed = append(typed, in.Target+":"+in.Value)
		}
	}
	assert.Equal(t, []string{"alpha:hello there"}, typed)

	h.surface.enter(t, "KILL")
	require.NoError(t, h.result(t), "KILL is a graceful stop")
	assert.True(t, h.surface.saw(func(n action.Notification) bool { return n.Kind == action.NotifyShutdown }),
		"the bridge is told about the shutdown before its channel closes")
}

func TestSupervisor_WorkerRequestsAreScheduled(t *testing.T) {
	sp := &memSpawner{surface: newSurface()}
	sp.bots = func(int) []*worker.Bot {
		var fired atomic.Bool
		b, err := worker.NewBot(botdata.New("alpha"), decision.Func{ID: "greeter", Kind: decision.Rotation,
			Fn: func(*decision.Context) (*action.Request, error) {
				if fired.Swap(true) {
					return nil, nil
				}
				return &action.Request{Identifier: "greet", Priority: 3,
					Procedure: action.Procedure{Name: "noop"}, Callbacks: []string{"notify"}}, nil
			}})
		require.NoError(t, err)
		return []*worker.Bot{b}
	}
	h := run(t, settings(t), roster("alpha"), sp)

	testutil.RequireWithin(t, wait, "worker request to complete", func() bool {
		return h.surface.saw(text("greet finished: completed"))
	})
	h.surface.enter(t, "KILL")
	require.NoError(t, h.result(t))
	assert.Equal(t, []int{0}, sp.workers, "children get the configured worker count")
}

func TestSupervisor_WorkerContractViolation(t *testing.T) {
	sp := &memSpawner{surface: newSurface()}
	sp.bots = func(int) []*worker.Bot {
		b, err := worker.NewBot(botdata.New("alpha"), decision.Func{ID: "broken", Kind: decision.Rotation,
			Fn: func(*decision.Context) (*action.Request, error) {
				return &action.Request{Priority: 1, Procedure: action.Procedure{Name: "noop"}}, nil
			}})
		require.NoError(t, err)
		return []*worker.Bot{b}
	}
	h := run(t, settings(t), roster("alpha"), sp)

	err := h.result(t)
	require.Error(t, err)
	assert.Equal(t, exitcode.ErrContract, exitcode.Code(err))
	assert.True(t, h.surface.saw(text("empty identifier")), "the failure reaches the control surface")
}

func TestSupervisor_LostWorker(t *testing.T) {
	sp := &memSpawner{surface: newSurface(), silent: true}
	h := run(t, settings(t), roster("alpha"), sp)

	err := h.result(t)
	require.Error(t, err)
	assert.Equal(t, exitcode.ErrPeerLost, exitcode.Code(err))
	assert.Contains(t, err.Error(), "worker-0")
}

func TestSupervisor_SecondInstanceIsBusy(t *testing.T) {
	set := settings(t)
	held := flock.New(set.LockFile)
	locked, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer held.Unlock()

	sp := &memSpawner{surface: newSurface()}
	h := run(t, set, roster("alpha"), sp)
	err = h.result(t)
	assert.Equal(t, exitcode.ErrBusy, exitcode.Code(err))
	assert.Empty(t, sp.workers, "nothing is spawned without the lock")
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Options{Roster: roster("alpha")})
	assert.Error(t, err)
	_, err = New(Options{Spawner: &memSpawner{}})
	assert.Equal(t, exitcode.ErrConfig, exitcode.Code(err))
}

// exitedPeer is a child that already ended with a fixed result.
type exitedPeer struct {
	name string
	ch   *channel.Channel
	code int
	err  error
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
func (discard) Close() error                { return nil }

func exited(name string, code int, err error) *exitedPeer {
	ch := channel.New(name, io.NopCloser(strings.NewReader("")), discard{})
	return &exitedPeer{name: name, ch: ch, code: code, err: err}
}

func (p *exitedPeer) Name() string                    { return p.name }
func (p *exitedPeer) Channel() *channel.Channel       { return p.ch }
func (p *exitedPeer) Stop(time.Duration) (int, error) { return p.code, p.err }

func TestJoin_ReportsUncleanChildren(t *testing.T) {
	sup, err := New(Options{Settings: config.DefaultSettings(), Roster: roster("alpha"), Spawner: &memSpawner{}, Logger: quiet})
	require.NoError(t, err)

	assert.NoError(t, sup.join([]Peer{exited("bridge", 0, nil), exited("worker-0", 0, nil)}))

	err = sup.join([]Peer{
		exited("bridge", 0, nil),
		exited("worker-0", -1, process.ErrKilled),
		exited("worker-1", 61, nil),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, process.ErrKilled)
	assert.Contains(t, err.Error(), "worker-0: "+process.ErrKilled.Error())
	assert.Contains(t, err.Error(), "worker-1: exit code 61")
	assert.NotContains(t, err.Error(), "bridge")
}

func TestTargets(t *testing.T) {
	r := config.Roster{Bots: []config.BotSpec{{IGN: "alpha", Target: "http://game.local/a"}, {IGN: "beta"}}}
	assert.Equal(t, map[string]string{"alpha": "http://game.local/a", "beta": "beta"}, Targets(r))
}

func TestRouter(t *testing.T) {
	w0, own0 := channel.Pair("worker-0", "supervisor")
	w1, own1 := channel.Pair("worker-1", "supervisor")
	rt := newRouter()
	rt.host(w0, "alpha", "beta")
	rt.host(w1, "gamma")

	recv := func(ch *channel.Channel) <-chan channel.Frame {
		out := make(chan channel.Frame, 4)
		go func() {
			for {
				f, err := ch.Recv()
				if err != nil || f.IsClose() {
					close(out)
					return
				}
				out <- f
			}
		}()
		return out
	}
	in0, in1 := recv(own0), recv(own1)

	u, err := action.NewAttributeUpdate("gamma", "paused", true)
	require.NoError(t, err)
	require.NoError(t, rt.Route(u))
	f := testutil.Receive(t, in1, wait)
	assert.Equal(t, "gamma", f.Update.BotIGN)

	all, err := action.NewAttributeUpdate(action.BroadcastBot, "paused", false)
	require.NoError(t, err)
	require.NoError(t, rt.Route(all))
	assert.Equal(t, action.BroadcastBot, testutil.Receive(t, in0, wait).Update.BotIGN)
	assert.Equal(t, action.BroadcastBot, testutil.Receive(t, in1, wait).Update.BotIGN)

	ghost, err := action.NewAttributeUpdate("ghost", "paused", true)
	require.NoError(t, err)
	assert.Equal(t, exitcode.ErrContract, exitcode.Code(rt.Route(ghost)))
}
