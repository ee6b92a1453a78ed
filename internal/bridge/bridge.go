// Package bridge is the peripheral process between the supervisor and the
// person operating it. It runs three tasks over its channel:
//
//   - capture grabs every target on an interval and keeps the latest frame
//   - control-out posts supervisor notifications to the control surface
//   - control-in parses surface commands into requests or control tokens
//
// The first task to end, cleanly or not, ends the others.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/gasbot/internal/action"
	"github.com/steveyegge/gasbot/internal/bridge/command"
	"github.com/steveyegge/gasbot/internal/channel"
	"github.com/steveyegge/gasbot/internal/faults"
	"github.com/steveyegge/gasbot/internal/host"
	"github.com/steveyegge/gasbot/internal/parallel"
	"github.com/steveyegge/gasbot/internal/telemetry"
)

// postTimeout bounds a single Post to the surface.
const postTimeout = 10 * time.Second

// Publisher receives every captured frame. *observer.Hub implements it.
type Publisher interface {
	Publish(target string, img action.Image)
}

// Options wires a Bridge.
type Options struct {
	Surface  Surface
	Capturer host.Capturer
	Targets  []string
	Interval time.Duration

	Publisher Publisher
	// Serve, when set, runs alongside the three tasks (the observer's
	// listener).
	Serve  func(ctx context.Context) error
	Logger *slog.Logger
}

type capture struct {
	img action.Image
	at  time.Time
}

// Bridge owns the supervisor channel on the bridge side.
type Bridge struct {
	ch   *channel.Channel
	opts Options
	log  *slog.Logger
	now  func() time.Time

	mu     sync.Mutex
	latest map[string]capture
}

// New binds a bridge to ch.
func New(ch *channel.Channel, opts Options) (*Bridge, error) {
	if opts.Surface == nil {
		return nil, errors.New("bridge: a control surface is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	targets := append([]string(nil), opts.Targets...)
	sort.Strings(targets)
	opts.Targets = targets
	return &Bridge{
		ch:     ch,
		opts:   opts,
		log:    opts.Logger.With("component", "bridge", "surface", opts.Surface.Name()),
		now:    time.Now,
		latest: make(map[string]capture),
	}, nil
}

// Run blocks until the supervisor closes the channel (nil), ctx ends (nil)
// or a task fails. The close sentinel is sent to the supervisor on return.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.ch.Close()

	lines := make(chan string, 16)
	tasks := []parallel.Task{
		{Name: "capture", Run: b.capture},
		{Name: "control-out", Run: b.controlOut},
		{Name: "control-in", Run: func(ctx context.Context) error { return b.controlIn(ctx, lines) }},
		{Name: "surface", Run: func(ctx context.Context) error { return b.opts.Surface.Run(ctx, lines) }},
	}
	if b.opts.Serve != nil {
		tasks = append(tasks, parallel.Task{Name: "observer", Run: b.opts.Serve})
	}

	b.log.Info("bridge running", "targets", b.opts.Targets, "interval", b.opts.Interval)
	return parallel.Group(ctx, func(name string, err error) {
		if err != nil && !errors.Is(err, context.Canceled) {
			b.log.Error("bridge task failed", "task", name, "error", err)
			return
		}
		b.log.Debug("bridge task ended", "task", name)
	}, tasks...)
}

func (b *Bridge) capture(ctx context.Context) error {
	if b.opts.Capturer == nil || len(b.opts.Targets) == 0 || b.opts.Interval <= 0 {
		b.log.Info("capture disabled")
		<-ctx.Done()
		return nil
	}
	failing := make(map[string]bool)
	ticker := time.NewTicker(b.opts.Interval)
	defer ticker.Stop()
	for {
		for _, target := range b.opts.Targets {
			img, err := b.opts.Capturer.Capture(ctx, target)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if !failing[target] {
					b.log.Warn("capture failed", "target", target, "error", err)
					failing[target] = true
				}
				continue
			}
			if failing[target] {
				b.log.Info("capture recovered", "target", target)
				delete(failing, target)
			}
			img.Source = target
			b.mu.Lock()
			b.latest[target] = capture{img: img, at: b.now()}
			b.mu.Unlock()
			if b.opts.Publisher != nil {
				b.opts.Publisher.Publish(target, img)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Latest returns the most recent capture of target.
func (b *Bridge) Latest(target string) (action.Image, time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.latest[target]
	return c.img, c.at, ok
}

func (b *Bridge) controlOut(ctx context.Context) error {
	inbox := channel.Pump(ctx, b.ch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-inbox:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return faults.Fatalf("bridge.control-out", "supervisor channel lost")
			}
			if r.Err != nil {
				if errors.Is(r.Err, channel.ErrClosed) {
					return nil
				}
				return faults.New(faults.Fatal, "bridge.control-out", r.Err)
			}
			switch f := r.Frame; f.Kind {
			case channel.KindClose:
				b.log.Info("supervisor closed the channel")
				return nil
			case channel.KindNotify:
				b.post(ctx, *f.Notification)
			case channel.KindText:
				b.post(ctx, action.Text("%s", f.Text))
			default:
				b.log.Warn("unexpected frame from supervisor", "kind", f.Kind)
			}
		}
	}
}

func (b *Bridge) controlIn(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-lines:
			if err := b.command(ctx, line); err != nil {
				return err
			}
		}
	}
}

func (b *Bridge) command(ctx context.Context, line string) error {
	res, err := command.Parse(line)
	switch {
	case errors.Is(err, command.ErrEmpty):
		return nil
	case err != nil:
		b.log.Info("rejected command", "line", line, "error", err)
		telemetry.RecordCommand(ctx, "invalid", err)
		b.post(ctx, action.Text("cannot run %q: %v", line, err))
		return nil
	}
	b.log.Info("command", "verb", res.Verb, "requests", len(res.Requests))
	telemetry.RecordCommand(ctx, res.Verb, nil)

	switch {
	case res.Control != "":
		return b.send(channel.Frame{Kind: channel.KindControl, Control: res.Control})
	case res.Shot:
		b.postShots(ctx, res.Targets)
		return nil
	}
	for _, req := range res.Requests {
		if err := b.send(channel.RequestFrame(req)); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bridge) send(f channel.Frame) error {
	if err := b.ch.Send(f); err != nil {
		return faults.New(faults.Fatal, "bridge.control-in", fmt.Errorf("sending %s: %w", f.Kind, err))
	}
	return nil
}

func (b *Bridge) postShots(ctx context.Context, targets []string) {
	if len(targets) == 0 {
		targets = b.opts.Targets
	}
	if len(targets) == 0 {
		b.post(ctx, action.Text("nothing is being captured"))
		return
	}
	for _, target := range targets {
		img, at, ok := b.Latest(target)
		if !ok {
			b.post(ctx, action.Text("no capture of %s yet", target))
			continue
		}
		b.post(ctx, action.Picture(img, fmt.Sprintf("%s at %s", target, at.Format("15:04:05"))))
	}
}

// post never fails the bridge: a surface outage is logged and the
// notification dropped.
func (b *Bridge) post(ctx context.Context, n action.Notification) {
	pctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()
	if err := b.opts.Surface.Post(pctx, n); err != nil {
		b.log.Warn("cannot post notification", "kind", n.Kind, "error", err)
	}
}
