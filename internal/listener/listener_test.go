package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/gasbot/internal/action"
	"github.com/steveyegge/gasbot/internal/channel"
	"github.com/steveyegge/gasbot/internal/faults"
	"github.com/steveyegge/gasbot/internal/scheduler"
	"github.com/steveyegge/gasbot/internal/testutil"
)

const wait = 2 * time.Second

type recorder struct {
	mu    sync.Mutex
	jobs  []scheduler.Job
	notes []action.Notification
	err   error
}

func (r *recorder) Submit(job scheduler.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *recorder) Notify(n action.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) submitted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(r.jobs))
	for i, j := range r.jobs {
		ids[i] = j.Request.Identifier
	}
	return ids
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.notes))
	for i, n := range r.notes {
		out[i] = n.Text
	}
	return out
}

type resolverFunc func(action.Request) (scheduler.Job, error)

func (f resolverFunc) Resolve(req action.Request) (scheduler.Job, error) { return f(req) }

func resolveAll(req action.Request) (scheduler.Job, error) {
	return scheduler.Job{Request: req, Run: func(context.Context) error { return nil }}, nil
}

func request(id string) action.Request {
	return action.Request{Identifier: id, BotIGN: "alpha", Priority: 1, Procedure: action.Procedure{Name: "noop"}}
}

type running struct {
	peer *channel.Channel
	done chan struct{}
	err  error
}

func start(t *testing.T, ctx context.Context, rec *recorder, resolver Resolver, onShutdown func()) *running {
	t.Helper()
	sup, peer := channel.Pair("worker-0", "supervisor")
	l := New(sup, Options{Submitter: rec, Resolver: resolver, Notifier: rec, OnShutdown: onShutdown})
	r := &running{peer: peer, done: make(chan struct{})}
	go func() {
		r.err = l.Run(ctx)
		close(r.done)
	}()
	return r
}

func (r *running) result(t *testing.T) error {
	t.Helper()
	testutil.WaitClosed(t, r.done, wait)
	return r.err
}

func TestListener_DrainsUntilPeerCloses(t *testing.T) {
	rec := &recorder{}
	r := start(t, context.Background(), rec, resolverFunc(resolveAll), nil)

	require.NoError(t, r.peer.Send(channel.RequestFrame(request("a"))))
	require.NoError(t, r.peer.Send(channel.TextFrame("hello from worker")))
	require.NoError(t, r.peer.Send(channel.RequestFrame(request("b"))))
	require.NoError(t, r.peer.Close())

	assert.NoError(t, r.result(t))
	assert.Equal(t, []string{"a", "b"}, rec.submitted())
	assert.Equal(t, []string{"hello from worker"}, rec.texts())
}

func TestListener_ExceptionIsForwardedAndReturned(t *testing.T) {
	rec := &recorder{}
	r := start(t, context.Background(), rec, resolverFunc(resolveAll), nil)

	go func() {
		_ = r.peer.Send(channel.ExceptionFrame("worker-0", faults.Contractf("worker.decide", "bad request")))
		for {
			if _, err := r.peer.Recv(); err != nil {
				return
			}
		}
	}()

	err := r.result(t)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.ContractViolation))
	require.Len(t, rec.texts(), 1)
	assert.Contains(t, rec.texts()[0], "worker-0 failed")
}

func TestListener_CancelSendsCloseToPeer(t *testing.T) {
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	r := start(t, ctx, rec, resolverFunc(resolveAll), nil)

	got := make(chan channel.Frame, 1)
	go func() {
		f, err := r.peer.Recv()
		if err == nil {
			got <- f
		}
	}()
	cancel()

	assert.NoError(t, r.result(t))
	f := testutil.Receive(t, got, wait)
	assert.True(t, f.IsClose())
}

func TestListener_UnresolvableRequestIsFatal(t *testing.T) {
	rec := &recorder{}
	resolver := resolverFunc(func(req action.Request) (scheduler.Job, error) {
		return scheduler.Job{}, faults.Contractf("procedure.resolve", "unknown procedure %q", req.Procedure.Name)
	})
	r := start(t, context.Background(), rec, resolver, nil)
	go func() {
		_ = r.peer.Send(channel.RequestFrame(request("a")))
		for {
			if _, err := r.peer.Recv(); err != nil {
				return
			}
		}
	}()

	err := r.result(t)
	assert.True(t, faults.Is(err, faults.ContractViolation))
	assert.Empty(t, rec.submitted())
	assert.Len(t, rec.texts(), 1)
}

func TestListener_IgnoresSubmitAfterStop(t *testing.T) {
	rec := &recorder{err: scheduler.ErrStopped}
	r := start(t, context.Background(), rec, resolverFunc(resolveAll), nil)
	require.NoError(t, r.peer.Send(channel.RequestFrame(request("late"))))
	require.NoError(t, r.peer.Close())
	assert.NoError(t, r.result(t))
}

func TestListener_SubmitRejectionIsReturned(t *testing.T) {
	rec := &recorder{err: errors.New("queue full")}
	r := start(t, context.Background(), rec, resolverFunc(resolveAll), nil)
	go func() {
		_ = r.peer.Send(channel.RequestFrame(request("a")))
		for {
			if _, err := r.peer.Recv(); err != nil {
				return
			}
		}
	}()
	assert.ErrorContains(t, r.result(t), "queue full")
}

func TestListener_ShutdownToken(t *testing.T) {
	rec := &recorder{}
	var calls int
	var mu sync.Mutex
	r := start(t, context.Background(), rec, resolverFunc(resolveAll), func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	require.NoError(t, r.peer.Send(channel.ShutdownFrame()))
	require.NoError(t, r.peer.Close())
	require.NoError(t, r.result(t))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestListener_ShutdownTokenIgnoredWithoutHandler(t *testing.T) {
	rec := &recorder{}
	r := start(t, context.Background(), rec, resolverFunc(resolveAll), nil)
	require.NoError(t, r.peer.Send(channel.ShutdownFrame()))
	require.NoError(t, r.peer.Close())
	assert.NoError(t, r.result(t))
}
