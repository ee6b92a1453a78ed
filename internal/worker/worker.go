// Package worker hosts one or more bots in a child process and runs their
// decision makers in a single cooperative loop.
//
// Each iteration visits bots round-robin and calls every unblocked maker in
// declared order. Emitted requests go to the supervisor immediately.
// Attribute-update orders from the supervisor are applied between
// iterations, never during one.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/steveyegge/gasbot/internal/action"
	"github.com/steveyegge/gasbot/internal/botdata"
	"github.com/steveyegge/gasbot/internal/channel"
	"github.com/steveyegge/gasbot/internal/decision"
	"github.com/steveyegge/gasbot/internal/faults"
	"github.com/steveyegge/gasbot/internal/telemetry"
)

// DefaultCycle is the minimum interval between iterations.
const DefaultCycle = 100 * time.Millisecond

// Bot is one hosted bot: its data store and its ordered makers.
type Bot struct {
	IGN   string
	Data  *botdata.Store
	Group *decision.Group
}

// NewBot builds a bot from its store and makers.
func NewBot(data *botdata.Store, makers ...decision.Maker) (*Bot, error) {
	g, err := decision.NewGroup(makers...)
	if err != nil {
		return nil, fmt.Errorf("bot %s: %w", data.Bot(), err)
	}
	return &Bot{IGN: data.Bot(), Data: data, Group: g}, nil
}

// Options configures a Worker.
type Options struct {
	Cycle  time.Duration
	Logger *slog.Logger
	Clock  func() time.Time
}

// Worker runs the decision loop of its bots.
type Worker struct {
	name    string
	ch      *channel.Channel
	bots    []*Bot
	byIGN   map[string]*Bot
	limiter *rate.Limiter
	now     func() time.Time
	log     *slog.Logger

	cycle    uint64
	pausedAt map[string]time.Time
}

// New validates the bot list and binds it to ch.
func New(name string, ch *channel.Channel, bots []*Bot, opts Options) (*Worker, error) {
	if len(bots) == 0 {
		return nil, fmt.Errorf("worker %s has no bots", name)
	}
	if opts.Cycle <= 0 {
		opts.Cycle = DefaultCycle
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	w := &Worker{
		name:     name,
		ch:       ch,
		bots:     bots,
		byIGN:    make(map[string]*Bot, len(bots)),
		limiter:  rate.NewLimiter(rate.Every(opts.Cycle), 1),
		now:      opts.Clock,
		log:      opts.Logger.With("component", "worker", "worker", name),
		pausedAt: make(map[string]time.Time),
	}
	for _, b := range bots {
		if _, dup := w.byIGN[b.IGN]; dup {
			return nil, fmt.Errorf("worker %s: bot %s listed twice", name, b.IGN)
		}
		w.byIGN[b.IGN] = b
	}
	return w, nil
}

// Run loops until the supervisor closes the channel (nil), ctx ends (nil),
// or a fatal error occurs. A fatal error is reported to the supervisor as
// an exception frame before the channel is closed.
func (w *Worker) Run(ctx context.Context) error {
	inbox := channel.Pump(ctx, w.ch)
	names := make([]string, len(w.bots))
	for i, b := range w.bots {
		names[i] = b.IGN
	}
	w.log.Info("worker started", "bots", names)

	for {
		if err := w.iterate(ctx); err != nil {
			if errors.Is(err, channel.ErrClosed) {
				// Nobody is left to report to.
				w.log.Info("supervisor stopped reading", "error", err)
				_ = w.ch.Close()
				return nil
			}
			return w.fail(err)
		}
		stop, err := w.pace(ctx, inbox)
		if err != nil {
			return w.fail(err)
		}
		if stop {
			w.log.Info("worker stopping", "cycles", w.cycle)
			_ = w.ch.Close()
			return nil
		}
	}
}

// pace waits for the next cycle slot while applying inbound frames.
func (w *Worker) pace(ctx context.Context, inbox <-chan channel.Received) (bool, error) {
	t := time.NewTimer(w.limiter.Reserve().Delay())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case r, ok := <-inbox:
			if !ok {
				return false, faults.Fatalf("worker.recv", "channel to supervisor lost")
			}
			if stop, err := w.receive(r); stop || err != nil {
				return stop, err
			}
		case <-t.C:
			return false, nil
		}
	}
}

func (w *Worker) receive(r channel.Received) (bool, error) {
	if r.Err != nil {
		if errors.Is(r.Err, channel.ErrClosed) {
			return true, nil
		}
		return false, faults.New(faults.Fatal, "worker.recv", r.Err)
	}
	f := r.Frame
	switch f.Kind {
	case channel.KindClose:
		w.log.Info("supervisor closed the channel")
		return true, nil
	case channel.KindControl:
		if f.Control == channel.ControlShutdown {
			return true, nil
		}
		w.log.Warn("unknown control token", "token", f.Control)
	case channel.KindUpdate:
		return false, w.apply(*f.Update)
	default:
		w.log.Warn("unexpected frame from supervisor", "kind", f.Kind)
	}
	return false, nil
}

// apply writes one attribute-update order into the target store(s).
func (w *Worker) apply(u action.AttributeUpdate) error {
	targets := w.bots
	if u.BotIGN != action.BroadcastBot {
		b, ok := w.byIGN[u.BotIGN]
		if !ok {
			return faults.Contractf("worker.update", "bot %s is not hosted by %s", u.BotIGN, w.name)
		}
		targets = []*Bot{b}
	}
	now := w.now()
	for _, b := range targets {
		wasPaused := b.Data.IsPaused()
		if err := b.Data.SetJSON(u.Attribute, u.Value); err != nil {
			return err
		}
		w.log.Debug("attribute updated", "bot", b.IGN, "attribute", u.Attribute)
		if u.Attribute != botdata.Paused {
			continue
		}
		switch paused := b.Data.IsPaused(); {
		case paused && !wasPaused:
			w.pausedAt[b.IGN] = now
			w.log.Info("bot paused", "bot", b.IGN)
		case !paused && wasPaused:
			b.Group.Hold(now.Sub(w.pausedAt[b.IGN]))
			b.Group.Release()
			delete(w.pausedAt, b.IGN)
			w.log.Info("bot resumed", "bot", b.IGN)
		}
	}
	return nil
}

// iterate runs one round over every bot.
func (w *Worker) iterate(ctx context.Context) error {
	now := w.now()
	w.cycle++
	for _, b := range w.bots {
		if b.Data.IsPaused() {
			continue
		}
		for _, m := range b.Group.Makers() {
			if err := w.step(ctx, b, m, now); err != nil {
				return err
			}
		}
		if m, d, over := b.Group.Overdue(now); over {
			return faults.Fatalf("worker.blocked", "maker %s of bot %s blocked for %s by %v",
				m.Identifier(), b.IGN, d.Round(time.Second), b.Group.BlockedBy(m.Identifier()))
		}
	}
	return nil
}

func (w *Worker) step(ctx context.Context, b *Bot, m decision.Maker, now time.Time) error {
	id := m.Identifier()
	if b.Group.Blocked(id) {
		return nil
	}
	log := w.log.With("bot", b.IGN, "maker", id)
	req, err := decide(m, decision.NewContext(b.IGN, b.Data, b.Group, id, now, w.cycle, log))
	if err != nil {
		if h, ok := decision.HandlerOf(m); ok {
			if herr := h.HandleError(err); herr != nil {
				return fmt.Errorf("maker %s of bot %s: %w", id, b.IGN, herr)
			}
			log.Debug("decide error absorbed", "error", err)
			return nil
		}
		if faults.Is(err, faults.ContractViolation) {
			return fmt.Errorf("maker %s of bot %s: %w", id, b.IGN, err)
		}
		log.Warn("decide failed", "error", err)
		quarantined := b.Group.RecordFailure(id, now)
		if quarantined {
			log.Error("maker quarantined after consecutive errors", "errors", decision.QuarantineAfter)
		}
		telemetry.RecordMakerFault(ctx, b.IGN, id, quarantined, err)
		return nil
	}
	b.Group.RecordSuccess(id)
	if req == nil {
		return nil
	}
	if req.BotIGN == "" {
		req.BotIGN = b.IGN
	}
	if err := req.Validate(); err != nil {
		return faults.New(faults.ContractViolation, "worker.decide", fmt.Errorf("maker %s of bot %s: %w", id, b.IGN, err))
	}
	if err := w.ch.Send(channel.RequestFrame(*req)); err != nil {
		return faults.New(faults.Fatal, "worker.send", err)
	}
	log.Debug("request emitted", "request", req.String())
	telemetry.RecordRequest(ctx, req.BotIGN, id, req.Identifier)
	return nil
}

// decide calls m, turning a panic into an error.
func decide(m decision.Maker, ctx *decision.Context) (req *action.Request, err error) {
	defer func() {
		if r := recover(); r != nil {
			req, err = nil, faults.Fatalf("worker.decide", "maker %s panicked: %v", m.Identifier(), r)
		}
	}()
	return m.Decide(ctx)
}

// fail reports err to the supervisor and closes the channel.
func (w *Worker) fail(err error) error {
	w.log.Error("worker failed", "error", err, "kind", faults.Classify(err))
	if serr := w.ch.Send(channel.ExceptionFrame(w.name, err)); serr != nil {
		w.log.Warn("could not report failure", "error", serr)
	}
	_ = w.ch.Close()
	return err
}
