// Package listener drains one peer channel on the supervisor side and feeds
// the scheduler. There is one listener per worker plus one for the bridge.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/steveyegge/gasbot/internal/action"
	"github.com/steveyegge/gasbot/internal/channel"
	"github.com/steveyegge/gasbot/internal/faults"
	"github.com/steveyegge/gasbot/internal/scheduler"
)

// Submitter accepts resolved jobs. *scheduler.Scheduler implements it.
type Submitter interface {
	Submit(job scheduler.Job) error
}

// Resolver turns a request into a runnable job. *procedure.Registry
// implements it.
type Resolver interface {
	Resolve(req action.Request) (scheduler.Job, error)
}

// Options wires a Listener.
type Options struct {
	Submitter Submitter
	Resolver  Resolver
	Notifier  scheduler.Notifier
	Logger    *slog.Logger

	// OnShutdown handles a shutdown control token from the peer. Peers
	// without that right leave it nil and the token is ignored.
	OnShutdown func()
}

// Listener is bound to exactly one channel.
type Listener struct {
	ch   *channel.Channel
	opts Options
	log  *slog.Logger
}

// New binds a listener to ch.
func New(ch *channel.Channel, opts Options) *Listener {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Listener{
		ch:   ch,
		opts: opts,
		log:  opts.Logger.With("component", "listener", "peer", ch.Name()),
	}
}

// Run processes frames until the peer closes the channel (nil), ctx ends
// (nil, after sending the close sentinel to the peer) or something fatal
// happens. An exception frame from the peer is forwarded as a notification
// and returned as an error of the peer's kind.
func (l *Listener) Run(ctx context.Context) error {
	defer l.ch.Close()
	inbox := channel.Pump(ctx, l.ch)
	for {
		select {
		case <-ctx.Done():
			l.log.Debug("listener cancelled, closing peer channel")
			return nil
		case r, ok := <-inbox:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return faults.Fatalf("listener", "%s: channel lost", l.ch.Name())
			}
			if r.Err != nil {
				if errors.Is(r.Err, channel.ErrClosed) {
					return nil
				}
				return faults.New(faults.Fatal, "listener", fmt.Errorf("%s lost: %w", l.ch.Name(), r.Err))
			}
			done, err := l.handle(r.Frame)
			if err != nil || done {
				return err
			}
		}
	}
}

func (l *Listener) handle(f channel.Frame) (bool, error) {
	switch f.Kind {
	case channel.KindClose:
		l.log.Info("peer closed the channel")
		return true, nil

	case channel.KindException:
		exc := f.Exception
		l.log.Error("peer failed", "origin", exc.Origin, "kind", exc.Kind, "message", exc.Message)
		l.notify(action.Text("%s failed: %s", exc.Origin, exc.Message))
		return true, faults.New(faults.ParseKind(exc.Kind), "listener", exc)

	case channel.KindRequest:
		return false, l.submit(*f.Request)

	case channel.KindText:
		l.notify(action.Text("%s", f.Text))

	case channel.KindNotify:
		l.notify(*f.Notification)

	case channel.KindControl:
		if f.Control == channel.ControlShutdown && l.opts.OnShutdown != nil {
			l.log.Info("shutdown requested by peer")
			l.opts.OnShutdown()
			return false, nil
		}
		l.log.Warn("ignoring control token", "token", f.Control)

	default:
		l.log.Warn("unexpected frame from peer", "kind", f.Kind)
	}
	return false, nil
}

func (l *Listener) submit(req action.Request) error {
	job, err := l.opts.Resolver.Resolve(req)
	if err != nil {
		l.log.Error("cannot resolve request", "request", req.String(), "error", err)
		l.notify(action.Text("%s sent an unusable request %s: %v", l.ch.Name(), req.Identifier, err))
		return fmt.Errorf("%s: %w", l.ch.Name(), err)
	}
	err = l.opts.Submitter.Submit(job)
	switch {
	case err == nil:
		l.log.Debug("request queued", "request", req.String())
		return nil
	case errors.Is(err, scheduler.ErrStopped):
		l.log.Debug("scheduler stopped, request discarded", "request", req.Identifier)
		return nil
	}
	l.notify(action.Text("%s sent a malformed request: %v", l.ch.Name(), err))
	return fmt.Errorf("%s: %w", l.ch.Name(), err)
}

func (l *Listener) notify(n action.Notification) {
	if l.opts.Notifier != nil {
		l.opts.Notifier.Notify(n)
	}
}
