package bots

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/gasbot/internal/action"
	"github.com/steveyegge/gasbot/internal/config"
	"github.com/steveyegge/gasbot/internal/decision"
	"github.com/steveyegge/gasbot/internal/worker"
)

type sim struct {
	t   *testing.T
	now time.Time
	n   uint64
	bot *worker.Bot
}

func newSim(t *testing.T, spec config.BotSpec, rec *fakeRecognizer) *sim {
	t.Helper()
	s := &sim{t: t, now: time.Unix(1_700_000_000, 0)}
	opts := Options{
		Clock:  func() time.Time { return s.now },
		Jitter: func(time.Duration) time.Duration { return 0 },
	}
	if rec != nil {
		opts.Recognizer = rec
	}
	b, err := Build(spec, opts)
	require.NoError(t, err)
	s.bot = b
	return s
}

// cycle runs every unblocked maker once, the way the worker loop does.
func (s *sim) cycle() []action.Request {
	s.t.Helper()
	s.n++
	var out []action.Request
	for _, m := range s.bot.Group.Makers() {
		if s.bot.Group.Blocked(m.Identifier()) {
			continue
		}
		ctx := decision.NewContext(s.bot.IGN, s.bot.Data, s.bot.Group, m.Identifier(), s.now, s.n, nil)
		req, err := m.Decide(ctx)
		require.NoError(s.t, err)
		if req != nil {
			require.NoError(s.t, req.Validate())
			out = append(out, *req)
		}
	}
	return out
}

func (s *sim) advance(d time.Duration) { s.now = s.now.Add(d) }

// complete applies the attribute updates a finished request carries.
func (s *sim) complete(req action.Request) {
	s.t.Helper()
	for _, u := range req.AttributeUpdates {
		require.Equal(s.t, s.bot.IGN, u.BotIGN)
		require.NoError(s.t, s.bot.Data.SetJSON(u.Attribute, u.Value))
	}
}

func ids(reqs []action.Request) []string {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.Identifier
	}
	return out
}

func dur(d time.Duration) config.Duration { return config.Duration(d) }

type fakeRecognizer struct {
	values map[string]string
	reads  int
	err    error
}

func (f *fakeRecognizer) Read(_ context.Context, target, query string) (string, error) {
	f.reads++
	if f.err != nil {
		return "", f.err
	}
	return f.values[target+query], nil
}

func TestRotation_RespectsCooldowns(t *testing.T) {
	s := newSim(t, config.BotSpec{IGN: "alpha", Rotation: []config.KeySpec{
		{Key: "1", Cooldown: dur(2 * time.Second)},
		{Key: "2", Cooldown: dur(5 * time.Second), Priority: 8},
	}}, nil)

	first := s.cycle()
	require.Len(t, first, 1)
	assert.Equal(t, "alpha/rotation/1", first[0].Identifier)
	assert.Equal(t, RotationPriority, first[0].Priority)
	assert.Equal(t, "1", first[0].Procedure.Arg("keys", ""))
	assert.True(t, first[0].CancelSelfIfDuplicate)

	s.advance(100 * time.Millisecond)
	second := s.cycle()
	assert.Equal(t, []string{"alpha/rotation/2"}, ids(second))
	assert.Equal(t, 8, second[0].Priority)

	s.advance(100 * time.Millisecond)
	assert.Empty(t, s.cycle())

	s.advance(2 * time.Second)
	assert.Equal(t, []string{"alpha/rotation/1"}, ids(s.cycle()))
}

func TestFailsafe_FiresAfterIdleCycles(t *testing.T) {
	s := newSim(t, config.BotSpec{
		IGN:          "alpha",
		Rotation:     []config.KeySpec{{Key: "1", Cooldown: dur(time.Hour)}},
		Failsafe:     2,
		FailsafeKeys: []string{"Escape", "Enter"},
	}, nil)

	require.Len(t, s.cycle(), 1)
	assert.Empty(t, s.cycle())
	assert.Empty(t, s.cycle())
	got := s.cycle()
	require.Len(t, got, 1)
	assert.Equal(t, "alpha/failsafe", got[0].Identifier)
	assert.Equal(t, "Escape,Enter", got[0].Procedure.Arg("keys", ""))
	assert.Empty(t, s.cycle(), "counter restarts")
}

func TestBreaks_BlockRotationUntilCompletion(t *testing.T) {
	s := newSim(t, config.BotSpec{
		IGN:      "alpha",
		Rotation: []config.KeySpec{{Key: "1", Cooldown: dur(time.Second)}},
		Breaks:   &config.BreakSpec{Every: dur(10 * time.Minute), Length: dur(time.Minute)},
	}, nil)

	assert.Equal(t, []string{"alpha/rotation/1"}, ids(s.cycle()))

	s.advance(10 * time.Minute)
	got := s.cycle()
	require.Equal(t, []string{"alpha/break"}, ids(got))
	brk := got[0]
	assert.Equal(t, "sleep", brk.Procedure.Name)
	assert.Equal(t, "1m0s", brk.Procedure.Arg("duration", ""))
	assert.Equal(t, BreakPriority, brk.Priority)
	assert.True(t, brk.RequeueIfBlocked, "a maintenance block delays the break instead of dropping it")
	require.Len(t, brk.AttributeUpdates, 1)
	assert.Equal(t, OnBreak, brk.AttributeUpdates[0].Attribute)
	assert.True(t, s.bot.Group.Blocked("rotation"))

	s.advance(30 * time.Second)
	assert.Empty(t, s.cycle(), "rotation stays blocked during the break")

	s.complete(brk)
	s.advance(100 * time.Millisecond)
	assert.Equal(t, []string{"alpha/rotation/1"}, ids(s.cycle()), "rotation resumes in the cycle the break ends")
	assert.False(t, s.bot.Group.Blocked("rotation"))
}

func TestBreaks_AbandonStaleEpisode(t *testing.T) {
	s := newSim(t, config.BotSpec{
		IGN:    "alpha",
		Breaks: &config.BreakSpec{Every: dur(time.Minute), Length: dur(time.Minute)},
	}, nil)
	s.cycle()
	s.advance(time.Minute)
	require.Len(t, s.cycle(), 1)

	s.advance(staleAfter)
	s.cycle()
	paused, err := s.bot.Data.Get(OnBreak)
	require.NoError(t, err)
	assert.Equal(t, false, paused)
}

func TestMaintenance_BlocksEverything(t *testing.T) {
	s := newSim(t, config.BotSpec{
		IGN:         "alpha",
		Rotation:    []config.KeySpec{{Key: "1", Cooldown: dur(time.Second)}},
		Breaks:      &config.BreakSpec{Every: dur(10 * time.Minute), Length: dur(time.Minute)},
		Maintenance: &config.MaintenanceSpec{Every: dur(5 * time.Minute), Keys: []string{"F5", "Enter"}},
	}, nil)

	s.cycle()
	s.advance(5 * time.Minute)
	got := s.cycle()
	require.Equal(t, []string{"alpha/maintenance"}, ids(got))
	m := got[0]
	assert.True(t, m.BlockLowerPriority)
	assert.True(t, m.RequeueIfBlocked)
	assert.Equal(t, MaintenancePriority, m.Priority)
	assert.Equal(t, "F5,Enter", m.Procedure.Arg("keys", ""))
	assert.True(t, s.bot.Group.Blocked("rotation"))
	assert.True(t, s.bot.Group.Blocked("breaks"))
	assert.False(t, s.bot.Group.Blocked("maintenance"))

	s.complete(m)
	s.cycle()
	assert.False(t, s.bot.Group.Blocked("rotation"))
	assert.False(t, s.bot.Group.Blocked("breaks"))
}

func TestMaintenance_TriggeredByWatch(t *testing.T) {
	rec := &fakeRecognizer{values: map[string]string{"alpha#hp": "12"}}
	s := newSim(t, config.BotSpec{
		IGN:         "alpha",
		Watches:     []config.WatchSpec{{Name: "hp", Query: "#hp", TTL: dur(time.Second)}},
		Maintenance: &config.MaintenanceSpec{Keys: []string{"F1"}, Watch: "hp", Equals: "0"},
	}, rec)

	assert.Empty(t, s.cycle())
	assert.Equal(t, 1, rec.reads)

	s.advance(500 * time.Millisecond)
	rec.values["alpha#hp"] = "0"
	assert.Empty(t, s.cycle(), "cached value is still fresh")

	s.advance(500 * time.Millisecond)
	assert.Equal(t, []string{"alpha/maintenance"}, ids(s.cycle()))
	assert.Equal(t, 2, rec.reads)
}

func TestWatch_ReadErrorSurfaces(t *testing.T) {
	rec := &fakeRecognizer{err: errors.New("ocr timeout")}
	b, err := Build(config.BotSpec{
		IGN:         "alpha",
		Watches:     []config.WatchSpec{{Name: "hp", Query: "#hp"}},
		Maintenance: &config.MaintenanceSpec{Keys: []string{"F1"}, Watch: "hp", Equals: "0"},
	}, Options{Recognizer: rec})
	require.NoError(t, err)

	m := b.Group.Makers()[0]
	_, err = m.Decide(decision.NewContext("alpha", b.Data, b.Group, m.Identifier(), time.Now(), 1, nil))
	assert.ErrorContains(t, err, "ocr timeout")
}

func TestBuild_Errors(t *testing.T) {
	cases := map[string]config.BotSpec{
		"idle":              {IGN: "a"},
		"watch without rec": {IGN: "a", Watches: []config.WatchSpec{{Name: "hp", Query: "#hp"}}},
		"break too long":    {IGN: "a", Breaks: &config.BreakSpec{Every: dur(time.Hour), Length: dur(time.Hour)}},
		"jitter too wide":   {IGN: "a", Breaks: &config.BreakSpec{Every: dur(time.Minute), Jitter: dur(time.Minute), Length: dur(time.Second)}},
		"maintenance keys":  {IGN: "a", Maintenance: &config.MaintenanceSpec{Every: dur(time.Minute)}},
		"maintenance when":  {IGN: "a", Maintenance: &config.MaintenanceSpec{Keys: []string{"F1"}}},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Build(spec, Options{})
			assert.Error(t, err)
		})
	}
}

func TestBuildAll_KeepsOrder(t *testing.T) {
	got, err := BuildAll([]config.BotSpec{
		{IGN: "alpha", Rotation: []config.KeySpec{{Key: "1", Cooldown: dur(time.Second)}}},
		{IGN: "beta", Rotation: []config.KeySpec{{Key: "2", Cooldown: dur(time.Second)}}},
	}, Options{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "alpha", got[0].IGN)
	assert.Equal(t, "beta", got[1].IGN)
}

func TestDefaultJitterStaysInRange(t *testing.T) {
	j := Options{}.withDefaults().Jitter
	for i := 0; i < 100; i++ {
		d := j(time.Second)
		assert.LessOrEqual(t, d, time.Second)
		assert.GreaterOrEqual(t, d, -time.Second)
	}
	assert.Zero(t, j(0))
}
