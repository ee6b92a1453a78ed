package bots

import (
	"github.com/steveyegge/gasbot/internal/action"
	"github.com/steveyegge/gasbot/internal/botdata"
	"github.com/steveyegge/gasbot/internal/decision"
)

type episodeState int

const (
	episodeIdle episodeState = iota
	episodeRunning
	episodeEnded
)

// episode tracks a request whose completion the supervisor reports back by
// resetting a push attribute. While the episode runs its owner blocks kind.
type episode struct {
	attr     string
	kind     decision.Kind
	blocking bool
}

func newEpisode(data *botdata.Store, attr string, kind decision.Kind) (*episode, error) {
	if err := botdata.DefinePush(data, attr, false); err != nil {
		return nil, err
	}
	return &episode{attr: attr, kind: kind}, nil
}

// poll reports the episode state, lifting the block once the completion
// update has arrived. An episode whose update never arrives is abandoned
// after staleAfter.
func (e *episode) poll(ctx *decision.Context) (episodeState, error) {
	running, err := botdata.Value[bool](ctx.Data, e.attr)
	if err != nil {
		return episodeIdle, err
	}
	if running {
		age, err := ctx.Data.Age(e.attr)
		if err != nil {
			return episodeIdle, err
		}
		if age < staleAfter {
			return episodeRunning, nil
		}
		ctx.Logger.Warn("completion update never arrived, abandoning episode", "attribute", e.attr, "age", age)
		if err := ctx.Data.Set(e.attr, false); err != nil {
			return episodeIdle, err
		}
	}
	if e.blocking {
		ctx.Unblock(e.kind)
		e.blocking = false
		return episodeEnded, nil
	}
	return episodeIdle, nil
}

// start marks the episode running, blocks kind and asks the supervisor to
// reset the attribute when req completes.
func (e *episode) start(ctx *decision.Context, req *action.Request) (*action.Request, error) {
	u, err := action.NewAttributeUpdate(ctx.Bot, e.attr, false)
	if err != nil {
		return nil, err
	}
	if err := ctx.Data.Set(e.attr, true); err != nil {
		return nil, err
	}
	req.AttributeUpdates = append(req.AttributeUpdates, u)
	ctx.Block(e.kind)
	e.blocking = true
	return req, nil
}
