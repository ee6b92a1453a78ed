// Package procedure resolves the named procedures and callbacks carried by
// requests into executable scheduler jobs.
package procedure

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/steveyegge/gasbot/internal/action"
	"github.com/steveyegge/gasbot/internal/faults"
	"github.com/steveyegge/gasbot/internal/focus"
	"github.com/steveyegge/gasbot/internal/host"
	"github.com/steveyegge/gasbot/internal/scheduler"
	"github.com/steveyegge/gasbot/internal/telemetry"
)

// DefaultRetryDelay separates injection attempts.
const DefaultRetryDelay = 50 * time.Millisecond

// Func is the body of a task.
type Func func(ctx context.Context) error

// Factory builds the body for one request, validating its arguments.
type Factory func(req action.Request) (Func, error)

// CallbackFactory builds one completion callback for a request.
type CallbackFactory func(req action.Request) (scheduler.Callback, error)

// Deps are the capabilities procedures may use.
type Deps struct {
	Injector   host.Injector
	Focus      *focus.Lock
	Notifier   scheduler.Notifier
	Logger     *slog.Logger
	RetryDelay time.Duration
	Attempts   int
}

// Registry maps names to factories.
type Registry struct {
	deps      Deps
	procs     map[string]Factory
	callbacks map[string]CallbackFactory
}

// NewRegistry returns a registry with the built-in procedures and callbacks.
func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Focus == nil {
		deps.Focus = focus.New(focus.WithLogger(deps.Logger))
	}
	if deps.RetryDelay <= 0 {
		deps.RetryDelay = DefaultRetryDelay
	}
	if deps.Attempts <= 0 {
		deps.Attempts = faults.DefaultInjectionAttempts
	}
	r := &Registry{
		deps:      deps,
		procs:     make(map[string]Factory),
		callbacks: make(map[string]CallbackFactory),
	}
	r.registerBuiltins()
	return r
}

// Register adds or replaces a procedure.
func (r *Registry) Register(name string, f Factory) { r.procs[name] = f }

// RegisterCallback adds or replaces a callback.
func (r *Registry) RegisterCallback(name string, f CallbackFactory) { r.callbacks[name] = f }

// Names lists registered procedures.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.procs))
	for n := range r.procs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve turns req into a job. Unknown names and bad arguments are
// contract violations of the request's emitter.
func (r *Registry) Resolve(req action.Request) (scheduler.Job, error) {
	f, ok := r.procs[req.Procedure.Name]
	if !ok {
		return scheduler.Job{}, faults.Contractf("procedure.resolve", "request %s: unknown procedure %q", req.Identifier, req.Procedure.Name)
	}
	run, err := f(req)
	if err != nil {
		return scheduler.Job{}, faults.New(faults.ContractViolation, "procedure.resolve",
			fmt.Errorf("request %s: procedure %s: %w", req.Identifier, req.Procedure.Name, err))
	}
	job := scheduler.Job{Request: req, Run: timed(req, run)}
	for _, name := range req.Callbacks {
		cf, ok := r.callbacks[name]
		if !ok {
			return scheduler.Job{}, faults.Contractf("procedure.resolve", "request %s: unknown callback %q", req.Identifier, name)
		}
		cb, err := cf(req)
		if err != nil {
			return scheduler.Job{}, faults.New(faults.ContractViolation, "procedure.resolve",
				fmt.Errorf("request %s: callback %s: %w", req.Identifier, name, err))
		}
		job.Callbacks = append(job.Callbacks, cb)
	}
	return job, nil
}

// timed records the duration and outcome of every run of fn.
func timed(req action.Request, fn Func) Func {
	return func(ctx context.Context) error {
		start := time.Now()
		err := fn(ctx)
		telemetry.RecordProcedure(ctx, req.Procedure.Name, req.BotIGN, time.Since(start), err)
		return err
	}
}

// inject runs fn under the focus lock, retrying transient failures. The
// lock is released between attempts.
func (r *Registry) inject(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if r.deps.Injector == nil {
		return faults.Fatalf(op, "no input backend configured")
	}
	return faults.Retry(ctx, op, r.deps.Attempts, r.deps.RetryDelay, func(ctx context.Context) error {
		return r.deps.Focus.Do(ctx, fn)
	})
}

// pause sleeps for d or until ctx ends.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
