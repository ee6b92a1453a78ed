package procedure

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/steveyegge/gasbot/internal/action"
	"github.com/steveyegge/gasbot/internal/scheduler"
)

// DefaultKeyGap separates consecutive key presses.
const DefaultKeyGap = 80 * time.Millisecond

func (r *Registry) registerBuiltins() {
	r.Register("noop", func(action.Request) (Func, error) {
		return func(ctx context.Context) error { return nil }, nil
	})
	r.Register("hold", func(action.Request) (Func, error) {
		return func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}, nil
	})
	r.Register("sleep", r.sleep)
	r.Register("press", r.press)
	r.Register("write", r.write)
	r.Register("click", r.click)

	r.RegisterCallback("log", func(req action.Request) (scheduler.Callback, error) {
		return func(o scheduler.Outcome) {
			r.deps.Logger.Info("task finished", "task", req.Identifier, "bot", req.BotIGN,
				"state", o.State, "elapsed", o.Finished.Sub(o.Started))
		}, nil
	})
	r.RegisterCallback("notify", func(req action.Request) (scheduler.Callback, error) {
		return func(o scheduler.Outcome) {
			if r.deps.Notifier != nil {
				r.deps.Notifier.Notify(action.Text("%s finished: %s", req.Identifier, o.State))
			}
		}, nil
	})
}

func target(req action.Request) string {
	return req.Procedure.Arg("target", req.BotIGN)
}

func durationArg(p action.Procedure, name string, def time.Duration) (time.Duration, error) {
	v := p.Arg(name, "")
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("argument %s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("argument %s: negative duration", name)
	}
	return d, nil
}

func (r *Registry) sleep(req action.Request) (Func, error) {
	d, err := durationArg(req.Procedure, "duration", 0)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error { return pause(ctx, d) }, nil
}

// press sends each key separately, taking the focus lock per key and
// waiting the gap outside it.
func (r *Registry) press(req action.Request) (Func, error) {
	var keys []string
	for _, k := range strings.Split(req.Procedure.Arg("keys", ""), ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("argument keys is empty")
	}
	gap, err := durationArg(req.Procedure, "gap", DefaultKeyGap)
	if err != nil {
		return nil, err
	}
	tgt := target(req)
	return func(ctx context.Context) error {
		for i, k := range keys {
			if i > 0 {
				if err := pause(ctx, gap); err != nil {
					return err
				}
			}
			err := r.inject(ctx, "press "+k, func(ctx context.Context) error {
				return r.deps.Injector.Press(ctx, tgt, k)
			})
			if err != nil {
				return err
			}
		}
		return nil
	}, nil
}

// write types a chat line. Opening the input, typing and submitting form
// one critical section so no other input can land in between.
func (r *Registry) write(req action.Request) (Func, error) {
	text := req.Procedure.Arg("text", "")
	if text == "" {
		return nil, fmt.Errorf("argument text is empty")
	}
	open := req.Procedure.Arg("open", "enter")
	submit := req.Procedure.Arg("submit", "enter")
	tgt := target(req)
	return func(ctx context.Context) error {
		return r.inject(ctx, "write", func(ctx context.Context) error {
			if open != "" {
				if err := r.deps.Injector.Press(ctx, tgt, open); err != nil {
					return err
				}
			}
			if err := r.deps.Injector.Type(ctx, tgt, text); err != nil {
				return err
			}
			if submit != "" {
				return r.deps.Injector.Press(ctx, tgt, submit)
			}
			return nil
		})
	}, nil
}

func (r *Registry) click(req action.Request) (Func, error) {
	x, err := strconv.Atoi(req.Procedure.Arg("x", ""))
	if err != nil {
		return nil, fmt.Errorf("argument x: %w", err)
	}
	y, err := strconv.Atoi(req.Procedure.Arg("y", ""))
	if err != nil {
		return nil, fmt.Errorf("argument y: %w", err)
	}
	tgt := target(req)
	return func(ctx context.Context) error {
		return r.inject(ctx, "click", func(ctx context.Context) error {
			return r.deps.Injector.Click(ctx, tgt, x, y)
		})
	}, nil
}
