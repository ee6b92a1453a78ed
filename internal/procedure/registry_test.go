package procedure

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/gasbot/internal/action"
	"github.com/steveyegge/gasbot/internal/faults"
	"github.com/steveyegge/gasbot/internal/host"
	"github.com/steveyegge/gasbot/internal/scheduler"
)

func req(name string, args map[string]string, callbacks ...string) action.Request {
	return action.Request{
		Identifier: name + "-alpha",
		BotIGN:     "alpha",
		Priority:   1,
		Procedure:  action.Procedure{Name: name, Args: args},
		Callbacks:  callbacks,
	}
}

// flaky fails the first n presses with a transient error.
type flaky struct {
	host.Injector
	n     int
	calls int
}

func (f *flaky) Press(ctx context.Context, target, key string) error {
	f.calls++
	if f.calls <= f.n {
		return faults.Transientf("press", "window not focused")
	}
	return nil
}

func TestResolve_Errors(t *testing.T) {
	r := NewRegistry(Deps{Injector: host.NewDryRun(nil)})

	_, err := r.Resolve(req("teleport", nil))
	assert.True(t, faults.Is(err, faults.ContractViolation))

	_, err = r.Resolve(req("click", map[string]string{"x": "1"}))
	assert.True(t, faults.Is(err, faults.ContractViolation))

	_, err = r.Resolve(req("press", nil))
	assert.True(t, faults.Is(err, faults.ContractViolation))

	_, err = r.Resolve(req("sleep", map[string]string{"duration": "soon"}))
	assert.True(t, faults.Is(err, faults.ContractViolation))

	_, err = r.Resolve(req("noop", nil, "fireworks"))
	assert.True(t, faults.Is(err, faults.ContractViolation))
}

func TestNames(t *testing.T) {
	r := NewRegistry(Deps{})
	assert.Equal(t, []string{"click", "hold", "noop", "press", "sleep", "write"}, r.Names())
}

func TestPress_SendsKeysInOrder(t *testing.T) {
	d := host.NewDryRun(nil)
	r := NewRegistry(Deps{Injector: d})
	job, err := r.Resolve(req("press", map[string]string{"keys": "a, f1 ,enter", "gap": "1ms"}))
	require.NoError(t, err)
	require.NoError(t, job.Run(context.Background()))

	var keys []string
	for _, in := range d.Inputs() {
		assert.Equal(t, "alpha", in.Target)
		keys = append(keys, in.Value)
	}
	assert.Equal(t, []string{"a", "f1", "enter"}, keys)
}

func TestWrite_OpensTypesSubmits(t *testing.T) {
	d := host.NewDryRun(nil)
	r := NewRegistry(Deps{Injector: d})
	job, err := r.Resolve(req("write", map[string]string{"text": "hello world"}))
	require.NoError(t, err)
	require.NoError(t, job.Run(context.Background()))

	in := d.Inputs()
	require.Len(t, in, 3)
	assert.Equal(t, "press", in[0].Op)
	assert.Equal(t, "type", in[1].Op)
	assert.Equal(t, "hello world", in[1].Value)
	assert.Equal(t, "press", in[2].Op)
}

func TestClick_UsesTargetOverride(t *testing.T) {
	d := host.NewDryRun(nil)
	r := NewRegistry(Deps{Injector: d})
	job, err := r.Resolve(req("click", map[string]string{"x": "3", "y": "4", "target": "beta"}))
	require.NoError(t, err)
	require.NoError(t, job.Run(context.Background()))
	require.Len(t, d.Inputs(), 1)
	assert.Equal(t, "beta", d.Inputs()[0].Target)
	assert.Equal(t, "3,4", d.Inputs()[0].Value)
}

func TestInject_RetriesTransient(t *testing.T) {
	f := &flaky{n: 3}
	r := NewRegistry(Deps{Injector: f, RetryDelay: time.Millisecond})
	job, err := r.Resolve(req("press", map[string]string{"keys": "a"}))
	require.NoError(t, err)
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 4, f.calls)
}

func TestInject_ExhaustionIsFatal(t *testing.T) {
	f := &flaky{n: 100}
	r := NewRegistry(Deps{Injector: f, RetryDelay: time.Millisecond, Attempts: 3})
	job, err := r.Resolve(req("press", map[string]string{"keys": "a"}))
	require.NoError(t, err)
	err = job.Run(context.Background())
	assert.True(t, faults.Is(err, faults.Fatal))
	assert.Equal(t, 3, f.calls)
}

func TestHold_EndsOnCancel(t *testing.T) {
	r := NewRegistry(Deps{})
	job, err := r.Resolve(req("hold", nil))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, faults.Is(job.Run(ctx), faults.Cancelled))
}

func TestSleep(t *testing.T) {
	r := NewRegistry(Deps{})
	job, err := r.Resolve(req("sleep", map[string]string{"duration": "5ms"}))
	require.NoError(t, err)
	start := time.Now()
	require.NoError(t, job.Run(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestNotifyCallback(t *testing.T) {
	var got []action.Notification
	r := NewRegistry(Deps{Notifier: scheduler.NotifierFunc(func(n action.Notification) { got = append(got, n) })})
	job, err := r.Resolve(req("noop", nil, "log", "notify"))
	require.NoError(t, err)
	require.Len(t, job.Callbacks, 2)

	for _, cb := range job.Callbacks {
		cb(scheduler.Outcome{Request: job.Request, State: scheduler.StateCompleted})
	}
	require.Len(t, got, 1)
	assert.Equal(t, "noop-alpha finished: completed", got[0].Text)
}
