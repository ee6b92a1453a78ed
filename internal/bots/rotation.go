package bots

import (
	"time"

	"github.com/steveyegge/gasbot/internal/action"
	"github.com/steveyegge/gasbot/internal/config"
	"github.com/steveyegge/gasbot/internal/decision"
)

// rotation presses the first key whose cooldown has elapsed, at most one
// key per cycle.
type rotation struct {
	ign  string
	keys []config.KeySpec
	last map[string]time.Time
}

func newRotation(ign string, keys []config.KeySpec) *rotation {
	return &rotation{ign: ign, keys: keys, last: make(map[string]time.Time, len(keys))}
}

func (r *rotation) Identifier() string { return "rotation" }

func (r *rotation) Type() decision.Kind { return decision.Rotation }

func (r *rotation) Decide(ctx *decision.Context) (*action.Request, error) {
	for _, k := range r.keys {
		last, used := r.last[k.Key]
		if used && ctx.Now.Sub(last) < k.Cooldown.Std() {
			continue
		}
		r.last[k.Key] = ctx.Now
		return &action.Request{
			Identifier:            r.ign + "/rotation/" + k.Key,
			BotIGN:                r.ign,
			Priority:              orDefault(k.Priority, RotationPriority),
			Procedure:             press(k.Key),
			CancelSelfIfDuplicate: true,
		}, nil
	}
	return nil, nil
}
