package bots

import (
	"fmt"
	"time"

	"github.com/steveyegge/gasbot/internal/action"
	"github.com/steveyegge/gasbot/internal/botdata"
	"github.com/steveyegge/gasbot/internal/config"
	"github.com/steveyegge/gasbot/internal/decision"
)

// OnBreak is the push attribute set while a bot takes an idle break.
const OnBreak = "on_break"

// breaks pauses the rotation at jittered intervals so the input pattern
// does not look machine-made.
type breaks struct {
	ign    string
	spec   config.BreakSpec
	jitter func(time.Duration) time.Duration
	next   time.Time
	ep     *episode
}

func newBreaks(ign string, data *botdata.Store, spec config.BreakSpec, jitter func(time.Duration) time.Duration) (*breaks, error) {
	switch {
	case spec.Every <= 0 || spec.Length <= 0:
		return nil, fmt.Errorf("bot %s: breaks need every and length", ign)
	case spec.Jitter < 0 || spec.Jitter >= spec.Every:
		return nil, fmt.Errorf("bot %s: break jitter must be below the interval", ign)
	case spec.Length.Std() >= staleAfter:
		return nil, fmt.Errorf("bot %s: breaks longer than %s would stall the worker", ign, staleAfter)
	}
	ep, err := newEpisode(data, OnBreak, decision.Rotation)
	if err != nil {
		return nil, fmt.Errorf("bot %s: %w", ign, err)
	}
	return &breaks{ign: ign, spec: spec, jitter: jitter, ep: ep}, nil
}

func (b *breaks) Identifier() string { return "breaks" }

func (b *breaks) Type() decision.Kind { return decision.AntiDetection }

func (b *breaks) schedule(now time.Time) {
	b.next = now.Add(b.spec.Every.Std() + b.jitter(b.spec.Jitter.Std()))
}

func (b *breaks) Decide(ctx *decision.Context) (*action.Request, error) {
	state, err := b.ep.poll(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case state == episodeRunning:
		return nil, nil
	case state == episodeEnded, b.next.IsZero():
		b.schedule(ctx.Now)
		return nil, nil
	case ctx.Now.Before(b.next):
		return nil, nil
	}
	ctx.Logger.Info("taking a break", "length", b.spec.Length.Std())
	return b.ep.start(ctx, &action.Request{
		Identifier: b.ign + "/break",
		BotIGN:     b.ign,
		Priority:   orDefault(b.spec.Priority, BreakPriority),
		Procedure: action.Procedure{Name: "sleep", Args: map[string]string{
			"duration": b.spec.Length.Std().String(),
		}},
		// A maintenance block must delay the break, not lose it with
		// on_break still set.
		RequeueIfBlocked:      true,
		CancelSelfIfDuplicate: true,
	})
}
