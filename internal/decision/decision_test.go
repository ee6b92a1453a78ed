package decision

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/gasbot/internal/action"
)

func nop(id string, k Kind) Func {
	return Func{ID: id, Kind: k, Fn: func(*Context) (*action.Request, error) { return nil, nil }}
}

func TestKind_Matches(t *testing.T) {
	assert.True(t, All.Matches(Rotation))
	assert.True(t, All.Matches(Maintenance))
	assert.True(t, Rotation.Matches(Rotation))
	assert.False(t, Rotation.Matches(AntiDetection))
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{Rotation, AntiDetection, Maintenance, All} {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("combat")
	assert.Error(t, err)
}

func TestNewGroup_RejectsDuplicates(t *testing.T) {
	_, err := NewGroup(nop("a", Rotation), nop("a", Maintenance))
	assert.Error(t, err)
	_, err = NewGroup(nop("", Rotation))
	assert.Error(t, err)
}

func TestGroup_BlockByKindExcludesSelf(t *testing.T) {
	g, err := NewGroup(nop("rot", Rotation), nop("anti", AntiDetection), nop("maint", Maintenance))
	require.NoError(t, err)
	now := time.Now()

	g.Block("anti", Rotation, now)
	assert.True(t, g.Blocked("rot"))
	assert.False(t, g.Blocked("anti"))
	assert.False(t, g.Blocked("maint"))

	g.Block("maint", All, now)
	assert.Equal(t, []string{"anti", "maint"}, g.BlockedBy("rot"))
	assert.True(t, g.Blocked("anti"))
	assert.False(t, g.Blocked("maint"), "a maker never blocks itself")

	g.Unblock("maint", All)
	assert.Equal(t, []string{"anti"}, g.BlockedBy("rot"))
	assert.False(t, g.Blocked("anti"))

	g.Unblock("anti", Rotation)
	assert.False(t, g.Blocked("rot"))
}

func TestContext_BlockUsesOwnIdentity(t *testing.T) {
	g, err := NewGroup(nop("rot", Rotation), nop("anti", AntiDetection))
	require.NoError(t, err)
	ctx := NewContext("alpha", nil, g, "anti", time.Now(), 1, nil)
	ctx.Block(Rotation)
	assert.Equal(t, []string{"anti"}, g.BlockedBy("rot"))
	ctx.Unblock(Rotation)
	assert.False(t, g.Blocked("rot"))
}

func TestGroup_OverdueAndHold(t *testing.T) {
	g, err := NewGroup(nop("rot", Rotation), nop("maint", Maintenance))
	require.NoError(t, err)
	start := time.Unix(1000, 0)
	g.Block("maint", Rotation, start)

	_, _, overdue := g.Overdue(start.Add(MaxBlocked))
	assert.False(t, overdue)

	m, d, overdue := g.Overdue(start.Add(MaxBlocked + time.Second))
	require.True(t, overdue)
	assert.Equal(t, "rot", m.Identifier())
	assert.Equal(t, MaxBlocked+time.Second, d)

	g.Hold(time.Minute)
	_, _, overdue = g.Overdue(start.Add(MaxBlocked + time.Second))
	assert.False(t, overdue)
}

func TestGroup_BlockStartIsFirstBlocker(t *testing.T) {
	g, err := NewGroup(nop("rot", Rotation), nop("a", Maintenance), nop("b", Maintenance))
	require.NoError(t, err)
	start := time.Unix(1000, 0)
	g.Block("a", Rotation, start)
	g.Block("b", Rotation, start.Add(4*time.Minute))
	g.Unblock("a", Rotation)

	_, _, overdue := g.Overdue(start.Add(MaxBlocked + time.Second))
	assert.True(t, overdue, "block stayed continuous across blockers")
}

func TestGroup_QuarantineAfterConsecutiveFailures(t *testing.T) {
	g, err := NewGroup(nop("rot", Rotation))
	require.NoError(t, err)
	now := time.Now()

	assert.False(t, g.RecordFailure("rot", now))
	assert.False(t, g.RecordFailure("rot", now))
	g.RecordSuccess("rot")
	assert.False(t, g.RecordFailure("rot", now))
	assert.False(t, g.RecordFailure("rot", now))
	assert.True(t, g.RecordFailure("rot", now))
	assert.True(t, g.Blocked("rot"))

	g.Release()
	assert.False(t, g.Blocked("rot"))
}

func TestFailsafe_EmitsFallbackAfterLimit(t *testing.T) {
	fallback := func(ctx *Context) action.Request {
		return action.Request{Identifier: ctx.Bot + "-fallback", BotIGN: ctx.Bot, Procedure: action.Procedure{Name: "noop"}}
	}
	f := NewFailsafe(nop("rot", Rotation), 2, fallback)
	ctx := NewContext("alpha", nil, nil, "rot", time.Now(), 0, nil)

	for i := 0; i < 2; i++ {
		req, err := f.Decide(ctx)
		require.NoError(t, err)
		assert.Nil(t, req)
	}
	req, err := f.Decide(ctx)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, "alpha-fallback", req.Identifier)

	req, err = f.Decide(ctx)
	require.NoError(t, err)
	assert.Nil(t, req, "counter restarts after fallback")
}

func TestFailsafe_ResetsOnOutputAndPassesErrors(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	inner := Func{ID: "rot", Kind: Rotation, Fn: func(ctx *Context) (*action.Request, error) {
		calls++
		switch calls {
		case 2:
			return &action.Request{Identifier: "x"}, nil
		case 3:
			return nil, boom
		}
		return nil, nil
	}}
	f := NewFailsafe(inner, 1, func(*Context) action.Request { return action.Request{Identifier: "fb"} })
	ctx := NewContext("alpha", nil, nil, "rot", time.Now(), 0, nil)

	req, _ := f.Decide(ctx)
	assert.Nil(t, req)
	req, _ = f.Decide(ctx)
	assert.Equal(t, "x", req.Identifier)
	_, err := f.Decide(ctx)
	assert.ErrorIs(t, err, boom)
	req, _ = f.Decide(ctx)
	assert.Nil(t, req)
	req, _ = f.Decide(ctx)
	require.NotNil(t, req)
	assert.Equal(t, "fb", req.Identifier)
}

type handled struct {
	Func
	seen error
}

func (h *handled) HandleError(err error) error {
	h.seen = err
	return nil
}

func TestHandlerOf_LooksThroughFailsafe(t *testing.T) {
	h := &handled{Func: nop("rot", Rotation)}
	got, ok := HandlerOf(NewFailsafe(h, 1, nil))
	require.True(t, ok)
	assert.NoError(t, got.HandleError(errors.New("x")))
	assert.Error(t, h.seen)

	_, ok = HandlerOf(nop("plain", Rotation))
	assert.False(t, ok)
}
