package supervisor

import (
	"errors"
	"fmt"

	"github.com/steveyegge/gasbot/internal/action"
	"github.com/steveyegge/gasbot/internal/channel"
	"github.com/steveyegge/gasbot/internal/faults"
)

// router delivers attribute-update orders to the worker hosting the bot.
type router struct {
	owners  map[string]*channel.Channel
	workers []*channel.Channel
}

func newRouter() *router {
	return &router{owners: make(map[string]*channel.Channel)}
}

func (r *router) host(ch *channel.Channel, bots ...string) {
	r.workers = append(r.workers, ch)
	for _, b := range bots {
		r.owners[b] = ch
	}
}

// Route sends u to its owner, or to every worker for the broadcast bot.
func (r *router) Route(u action.AttributeUpdate) error {
	if u.BotIGN == action.BroadcastBot {
		var errs []error
		for _, ch := range r.workers {
			if err := ch.Send(channel.UpdateFrame(u)); err != nil {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			return faults.New(faults.Fatal, "supervisor.route", err)
		}
		return nil
	}
	ch, ok := r.owners[u.BotIGN]
	if !ok {
		return faults.Contractf("supervisor.route", "no worker hosts bot %s", u.BotIGN)
	}
	if err := ch.Send(channel.UpdateFrame(u)); err != nil {
		return faults.New(faults.Fatal, "supervisor.route", fmt.Errorf("update for %s: %w", u.BotIGN, err))
	}
	return nil
}
