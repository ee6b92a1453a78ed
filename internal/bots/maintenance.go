package bots

import (
	"fmt"
	"time"

	"github.com/steveyegge/gasbot/internal/action"
	"github.com/steveyegge/gasbot/internal/botdata"
	"github.com/steveyegge/gasbot/internal/config"
	"github.com/steveyegge/gasbot/internal/decision"
)

// Maintaining is the push attribute set while upkeep runs.
const Maintaining = "maintaining"

// maintenance runs periodic upkeep, or upkeep triggered by a watch, and
// blocks every other maker of the bot until it completes.
type maintenance struct {
	ign  string
	spec config.MaintenanceSpec
	next time.Time
	ep   *episode
}

func newMaintenance(ign string, data *botdata.Store, spec config.MaintenanceSpec) (*maintenance, error) {
	if len(spec.Keys) == 0 {
		return nil, fmt.Errorf("bot %s: maintenance needs keys", ign)
	}
	if spec.Every <= 0 && spec.Watch == "" {
		return nil, fmt.Errorf("bot %s: maintenance needs an interval or a watch", ign)
	}
	ep, err := newEpisode(data, Maintaining, decision.All)
	if err != nil {
		return nil, fmt.Errorf("bot %s: %w", ign, err)
	}
	return &maintenance{ign: ign, spec: spec, ep: ep}, nil
}

func (m *maintenance) Identifier() string { return "maintenance" }

func (m *maintenance) Type() decision.Kind { return decision.Maintenance }

func (m *maintenance) Decide(ctx *decision.Context) (*action.Request, error) {
	state, err := m.ep.poll(ctx)
	if err != nil {
		return nil, err
	}
	switch state {
	case episodeRunning:
		return nil, nil
	case episodeEnded:
		m.next = time.Time{}
	}
	if m.spec.Every > 0 && m.next.IsZero() {
		m.next = ctx.Now.Add(m.spec.Every.Std())
	}

	due := m.spec.Every > 0 && !ctx.Now.Before(m.next)
	if !due && m.spec.Watch != "" {
		v, err := botdata.Value[string](ctx.Data, m.spec.Watch)
		if err != nil {
			return nil, err
		}
		due = v == m.spec.Equals
	}
	if !due {
		return nil, nil
	}
	m.next = time.Time{}
	ctx.Logger.Info("running maintenance", "keys", m.spec.Keys)
	return m.ep.start(ctx, &action.Request{
		Identifier:            m.ign + "/maintenance",
		BotIGN:                m.ign,
		Priority:              orDefault(m.spec.Priority, MaintenancePriority),
		Procedure:             press(m.spec.Keys...),
		CancelSelfIfDuplicate: true,
		RequeueIfBlocked:      true,
		BlockLowerPriority:    true,
	})
}
