// Package bots turns roster entries into hosted bots: a data store plus the
// ordered decision makers for rotation, idle breaks and maintenance.
package bots

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/steveyegge/gasbot/internal/action"
	"github.com/steveyegge/gasbot/internal/botdata"
	"github.com/steveyegge/gasbot/internal/config"
	"github.com/steveyegge/gasbot/internal/decision"
	"github.com/steveyegge/gasbot/internal/host"
	"github.com/steveyegge/gasbot/internal/worker"
)

// Default priorities per request family.
const (
	FailsafePriority    = 1
	RotationPriority    = 5
	BreakPriority       = 20
	MaintenancePriority = 50
)

// ReadTimeout bounds one recognizer read behind a watch attribute.
const ReadTimeout = 2 * time.Second

// staleAfter is how long an episode may wait for the supervisor's
// completion update before the maker gives up on it. It stays below
// decision.MaxBlocked so a lost update never becomes a fatal block.
const staleAfter = decision.MaxBlocked - time.Minute

// Options carries the collaborators every bot shares.
type Options struct {
	Recognizer host.Recognizer
	Clock      func() time.Time
	// Jitter returns a uniformly distributed offset in [-max, max].
	Jitter func(max time.Duration) time.Duration
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Jitter == nil {
		o.Jitter = func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return rand.N(2*max+1) - max
		}
	}
	return o
}

// BuildAll builds every spec in order.
func BuildAll(specs []config.BotSpec, opts Options) ([]*worker.Bot, error) {
	out := make([]*worker.Bot, 0, len(specs))
	for _, spec := range specs {
		b, err := Build(spec, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Build creates the store and makers for one bot. Makers run in the order
// maintenance, breaks, rotation so that upkeep and breaks can block the
// rotation within the same cycle.
func Build(spec config.BotSpec, opts Options) (*worker.Bot, error) {
	opts = opts.withDefaults()
	data := botdata.New(spec.IGN, botdata.WithClock(opts.Clock))

	for _, w := range spec.Watches {
		if opts.Recognizer == nil {
			return nil, fmt.Errorf("bot %s: watch %s needs a recognizer", spec.IGN, w.Name)
		}
		if err := defineWatch(data, opts.Recognizer, spec.IGN, w); err != nil {
			return nil, fmt.Errorf("bot %s: %w", spec.IGN, err)
		}
	}

	var makers []decision.Maker
	if m := spec.Maintenance; m != nil {
		mk, err := newMaintenance(spec.IGN, data, *m)
		if err != nil {
			return nil, err
		}
		makers = append(makers, mk)
	}
	if b := spec.Breaks; b != nil {
		mk, err := newBreaks(spec.IGN, data, *b, opts.Jitter)
		if err != nil {
			return nil, err
		}
		makers = append(makers, mk)
	}
	if len(spec.Rotation) > 0 {
		var rot decision.Maker = newRotation(spec.IGN, spec.Rotation)
		if spec.Failsafe > 0 && len(spec.FailsafeKeys) > 0 {
			rot = decision.NewFailsafe(rot, spec.Failsafe, failsafeRequest(spec.IGN, spec.FailsafeKeys))
		}
		makers = append(makers, rot)
	}
	if len(makers) == 0 {
		return nil, fmt.Errorf("bot %s has nothing to do", spec.IGN)
	}
	return worker.NewBot(data, makers...)
}

func defineWatch(data *botdata.Store, rec host.Recognizer, target string, w config.WatchSpec) error {
	read := func() (string, error) {
		ctx, cancel := context.WithTimeout(context.Background(), ReadTimeout)
		defer cancel()
		return rec.Read(ctx, target, w.Query)
	}
	opts := []botdata.Option{botdata.Deferred()}
	if w.TTL > 0 {
		opts = append(opts, botdata.WithTTL(w.TTL.Std()))
	}
	return botdata.Define(data, w.Name, read, opts...)
}

func failsafeRequest(ign string, keys []string) func(*decision.Context) action.Request {
	return func(ctx *decision.Context) action.Request {
		ctx.Logger.Warn("rotation idle too long, pressing failsafe keys", "keys", keys)
		return action.Request{
			Identifier:            ign + "/failsafe",
			BotIGN:                ign,
			Priority:              FailsafePriority,
			Procedure:             press(keys...),
			CancelSelfIfDuplicate: true,
		}
	}
}

func press(keys ...string) action.Procedure {
	return action.Procedure{Name: "press", Args: map[string]string{"keys": strings.Join(keys, ",")}}
}

func orDefault(p, def int) int {
	if p > 0 {
		return p
	}
	return def
}
