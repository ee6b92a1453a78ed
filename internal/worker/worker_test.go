package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/gasbot/internal/action"
	"github.com/steveyegge/gasbot/internal/botdata"
	"github.com/steveyegge/gasbot/internal/channel"
	"github.com/steveyegge/gasbot/internal/decision"
	"github.com/steveyegge/gasbot/internal/faults"
	"github.com/steveyegge/gasbot/internal/testutil"
)

const wait = 2 * time.Second

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Unix(1_700_000_000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	sup    *channel.Channel
	frames chan channel.Frame
	done   chan struct{}
	err    error
}

func (h *harness) next(t *testing.T) channel.Frame {
	t.Helper()
	return testutil.Receive(t, h.frames, wait)
}

func (h *harness) result(t *testing.T) error {
	t.Helper()
	testutil.WaitClosed(t, h.done, wait)
	return h.err
}

func start(t *testing.T, bots []*Bot, clk *clock) *harness {
	t.Helper()
	sup, wrk := channel.Pair("supervisor", "worker-0")
	opts := Options{Cycle: time.Millisecond}
	if clk != nil {
		opts.Clock = clk.Now
	}
	w, err := New("worker-0", wrk, bots, opts)
	require.NoError(t, err)

	h := &harness{sup: sup, frames: make(chan channel.Frame, 128), done: make(chan struct{})}
	go func() {
		for {
			f, err := sup.Recv()
			if err != nil {
				return
			}
			h.frames <- f
			if f.IsClose() {
				return
			}
		}
	}()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		h.err = w.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func bot(t *testing.T, ign string, makers ...decision.Maker) *Bot {
	t.Helper()
	b, err := NewBot(botdata.New(ign), makers...)
	require.NoError(t, err)
	return b
}

func request(id string) *action.Request {
	return &action.Request{Identifier: id, Priority: 1, Procedure: action.Procedure{Name: "noop"}}
}

// once emits req on the first call only.
func once(id string, k decision.Kind, req *action.Request) decision.Maker {
	var fired atomic.Bool
	return decision.Func{ID: id, Kind: k, Fn: func(*decision.Context) (*action.Request, error) {
		if fired.Swap(true) {
			return nil, nil
		}
		return req, nil
	}}
}

// counting counts Decide calls.
type counting struct {
	id    string
	calls atomic.Int32
	err   error
}

func (c *counting) Identifier() string  { return c.id }
func (c *counting) Type() decision.Kind { return decision.Rotation }
func (c *counting) Decide(*decision.Context) (*action.Request, error) {
	c.calls.Add(1)
	return nil, c.err
}

func TestRoundRobinOrder(t *testing.T) {
	h := start(t, []*Bot{
		bot(t, "alpha", once("a", decision.Rotation, request("a1")), once("a2", decision.Maintenance, request("a2"))),
		bot(t, "beta", once("b", decision.Rotation, request("b1"))),
	}, nil)

	var ids []string
	for i := 0; i < 3; i++ {
		f := h.next(t)
		require.Equal(t, channel.KindRequest, f.Kind)
		ids = append(ids, f.Request.Identifier)
	}
	assert.Equal(t, []string{"a1", "a2", "b1"}, ids)
}

func TestEmptyBotIGNIsFilledIn(t *testing.T) {
	h := start(t, []*Bot{bot(t, "alpha", once("a", decision.Rotation, request("a1")))}, nil)
	f := h.next(t)
	assert.Equal(t, "alpha", f.Request.BotIGN)
}

func richWhen(gold int) decision.Maker {
	var fired atomic.Bool
	return decision.Func{ID: "rich", Kind: decision.Rotation, Fn: func(ctx *decision.Context) (*action.Request, error) {
		v, err := botdata.Value[int](ctx.Data, "gold")
		if err != nil {
			return nil, err
		}
		if v != gold || fired.Swap(true) {
			return nil, nil
		}
		return request("rich-" + ctx.Bot), nil
	}}
}

func goldBot(t *testing.T, ign string) *Bot {
	t.Helper()
	data := botdata.New(ign)
	require.NoError(t, botdata.DefinePush(data, "gold", 0))
	b, err := NewBot(data, richWhen(10))
	require.NoError(t, err)
	return b
}

func TestAttributeUpdateApplied(t *testing.T) {
	h := start(t, []*Bot{goldBot(t, "alpha")}, nil)
	require.NoError(t, h.sup.Send(channel.UpdateFrame(action.MustAttributeUpdate("alpha", "gold", 10))))
	f := h.next(t)
	assert.Equal(t, "rich-alpha", f.Request.Identifier)
}

func TestBroadcastUpdate(t *testing.T) {
	h := start(t, []*Bot{goldBot(t, "alpha"), goldBot(t, "beta")}, nil)
	require.NoError(t, h.sup.Send(channel.UpdateFrame(action.MustAttributeUpdate(action.BroadcastBot, "gold", 10))))
	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		got[h.next(t).Request.Identifier] = true
	}
	assert.Equal(t, map[string]bool{"rich-alpha": true, "rich-beta": true}, got)
}

func TestPausedBotIsSkipped(t *testing.T) {
	c := &counting{id: "count"}
	h := start(t, []*Bot{bot(t, "alpha", c)}, nil)
	testutil.RequireWithin(t, wait, "first decisions", func() bool { return c.calls.Load() > 2 })

	require.NoError(t, h.sup.Send(channel.UpdateFrame(action.MustAttributeUpdate("alpha", botdata.Paused, true))))
	time.Sleep(20 * time.Millisecond)
	paused := c.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, paused, c.calls.Load())

	require.NoError(t, h.sup.Send(channel.UpdateFrame(action.MustAttributeUpdate("alpha", botdata.Paused, false))))
	testutil.RequireWithin(t, wait, "decisions resume", func() bool { return c.calls.Load() > paused })
}

func TestCloseSentinelStopsWorker(t *testing.T) {
	h := start(t, []*Bot{bot(t, "alpha", &counting{id: "count"})}, nil)
	require.NoError(t, h.sup.Close())
	assert.NoError(t, h.result(t))
}

func TestSupervisorGoneEndsQuietly(t *testing.T) {
	in, _ := io.Pipe()
	outR, outW := io.Pipe()
	require.NoError(t, outR.Close())

	w, err := New("worker-0", channel.New("supervisor", in, outW),
		[]*Bot{bot(t, "alpha", once("a", decision.Rotation, request("a1")))},
		Options{Cycle: time.Millisecond})
	require.NoError(t, err)
	assert.NoError(t, w.Run(context.Background()))
}

func TestShutdownTokenStopsWorker(t *testing.T) {
	h := start(t, []*Bot{bot(t, "alpha", &counting{id: "count"})}, nil)
	require.NoError(t, h.sup.Send(channel.ShutdownFrame()))
	assert.NoError(t, h.result(t))
	assert.True(t, h.next(t).IsClose())
}

func expectException(t *testing.T, h *harness, kind string) {
	t.Helper()
	for {
		f := h.next(t)
		if f.Kind == channel.KindException {
			assert.Equal(t, "worker-0", f.Exception.Origin)
			assert.Equal(t, kind, f.Exception.Kind)
			assert.True(t, h.next(t).IsClose(), "exception is followed by close")
			return
		}
	}
}

func TestMalformedRequestIsContractViolation(t *testing.T) {
	bad := &action.Request{Identifier: "bad", Priority: 1}
	h := start(t, []*Bot{bot(t, "alpha", once("m", decision.Rotation, bad))}, nil)
	expectException(t, h, "contract-violation")
	assert.True(t, faults.Is(h.result(t), faults.ContractViolation))
}

func TestBlockedTooLongIsFatal(t *testing.T) {
	clk := newClock()
	blocker := decision.Func{ID: "maint", Kind: decision.Maintenance, Fn: func(ctx *decision.Context) (*action.Request, error) {
		ctx.Block(decision.Rotation)
		return nil, nil
	}}
	h := start(t, []*Bot{bot(t, "alpha", blocker, &counting{id: "rot"})}, clk)

	time.Sleep(10 * time.Millisecond)
	clk.Advance(decision.MaxBlocked + time.Second)
	expectException(t, h, "fatal")
	assert.True(t, faults.Is(h.result(t), faults.Fatal))
}

func TestQuarantineAfterConsecutiveErrors(t *testing.T) {
	c := &counting{id: "flaky", err: errors.New("ocr failed")}
	start(t, []*Bot{bot(t, "alpha", c)}, newClock())

	testutil.RequireWithin(t, wait, "three attempts", func() bool { return c.calls.Load() >= decision.QuarantineAfter })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(decision.QuarantineAfter), c.calls.Load())
}

func TestResumeReleasesQuarantine(t *testing.T) {
	c := &counting{id: "flaky", err: errors.New("ocr failed")}
	h := start(t, []*Bot{bot(t, "alpha", c)}, newClock())
	testutil.RequireWithin(t, wait, "quarantine", func() bool { return c.calls.Load() >= decision.QuarantineAfter })

	require.NoError(t, h.sup.Send(channel.UpdateFrame(action.MustAttributeUpdate("alpha", botdata.Paused, true))))
	require.NoError(t, h.sup.Send(channel.UpdateFrame(action.MustAttributeUpdate("alpha", botdata.Paused, false))))
	testutil.RequireWithin(t, wait, "decisions resume", func() bool { return c.calls.Load() > decision.QuarantineAfter })
}

type handling struct {
	counting
	verdict error
}

func (h *handling) HandleError(error) error { return h.verdict }

func TestHandleErrorAbsorbs(t *testing.T) {
	m := &handling{counting: counting{id: "h", err: errors.New("boom")}}
	start(t, []*Bot{bot(t, "alpha", m)}, nil)
	testutil.RequireWithin(t, wait, "keeps deciding", func() bool { return m.calls.Load() > 2*decision.QuarantineAfter })
}

func TestHandleErrorReraises(t *testing.T) {
	m := &handling{counting: counting{id: "h", err: errors.New("boom")}, verdict: errors.New("give up")}
	h := start(t, []*Bot{bot(t, "alpha", m)}, nil)
	expectException(t, h, "fatal")
	assert.ErrorContains(t, h.result(t), "give up")
	assert.Equal(t, int32(1), m.calls.Load())
}

func TestUpdateForUnknownBotIsFatal(t *testing.T) {
	h := start(t, []*Bot{goldBot(t, "alpha")}, nil)
	require.NoError(t, h.sup.Send(channel.UpdateFrame(action.MustAttributeUpdate("ghost", "gold", 1))))
	expectException(t, h, "contract-violation")
}

func TestUpdateForUnknownAttributeIsFatal(t *testing.T) {
	h := start(t, []*Bot{goldBot(t, "alpha")}, nil)
	require.NoError(t, h.sup.Send(channel.UpdateFrame(action.MustAttributeUpdate("alpha", "silver", 1))))
	expectException(t, h, "contract-violation")
}

func TestNewValidates(t *testing.T) {
	_, wrk := channel.Pair("s", "w")
	_, err := New("w", wrk, nil, Options{})
	assert.Error(t, err)

	a := bot(t, "alpha", &counting{id: "x"})
	_, err = New("w", wrk, []*Bot{a, a}, Options{})
	assert.Error(t, err)
}
