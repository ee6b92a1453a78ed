// Package scheduler is the supervisor's task manager. It receives requests
// from every worker and the bridge, orders them by priority, enforces the
// one-task-per-identifier rule and the block_lower_priority gate, and runs
// each granted request as a cancellable goroutine.
//
// All bookkeeping happens on the goroutine that calls Run. Task goroutines
// only report back through the done channel, so cleanup, callbacks and
// cancellation are serialized with dispatch.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/gasbot/internal/action"
	"github.com/steveyegge/gasbot/internal/eventbus"
	"github.com/steveyegge/gasbot/internal/faults"
)

const (
	DefaultThrottle          = 10 * time.Millisecond
	DefaultOverflowThreshold = 30
	DefaultDrainTimeout      = 5 * time.Second
)

// ErrStopped is returned by Submit once the scheduler has shut down.
var ErrStopped = errors.New("scheduler stopped")

// State is the terminal state of a task.
type State string

const (
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateTimedOut  State = "timed_out"
	StateFailed    State = "failed"
)

// Outcome is handed to every callback of a finished task.
type Outcome struct {
	Request  action.Request
	State    State
	Err      error
	Started  time.Time
	Finished time.Time
}

// Callback runs on the scheduler goroutine after a task finishes.
type Callback func(Outcome)

// Job is a request resolved to executable code.
type Job struct {
	Request   action.Request
	Run       func(ctx context.Context) error
	Callbacks []Callback
}

// Notifier forwards user notifications. It must not block.
type Notifier interface {
	Notify(n action.Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(action.Notification)

func (f NotifierFunc) Notify(n action.Notification) { f(n) }

// Router delivers attribute-update orders to the worker owning the bot.
type Router interface {
	Route(u action.AttributeUpdate) error
}

// RouterFunc adapts a function to Router.
type RouterFunc func(action.AttributeUpdate) error

func (f RouterFunc) Route(u action.AttributeUpdate) error { return f(u) }

// Options configures a Scheduler. Zero values select defaults.
type Options struct {
	Throttle          time.Duration
	OverflowThreshold int
	DrainTimeout      time.Duration
	// Lenient drops duplicate identifiers instead of shutting down.
	Lenient  bool
	Logger   *slog.Logger
	Bus      *eventbus.Bus
	Notifier Notifier
	Router   Router
}

type task struct {
	job       Job
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled bool
	started   time.Time
	err       error
}

func (t *task) id() string { return t.job.Request.Identifier }

// Scheduler is the single task manager of a supervisor.
type Scheduler struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	q        queue
	inFlight map[string]*task
	stopped  bool

	running        int
	done           chan *task
	exited         chan struct{}
	overflowWarned bool
}

// New builds a scheduler. Call Run to start it.
func New(opts Options) *Scheduler {
	if opts.Throttle <= 0 {
		opts.Throttle = DefaultThrottle
	}
	if opts.OverflowThreshold <= 0 {
		opts.OverflowThreshold = DefaultOverflowThreshold
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		opts:     opts,
		log:      opts.Logger.With("component", "scheduler"),
		inFlight: make(map[string]*task),
		done:     make(chan *task, 64),
		exited:   make(chan struct{}),
	}
}

// Submit queues a job without blocking.
func (s *Scheduler) Submit(job Job) error {
	if job.Run == nil {
		return faults.Contractf("scheduler.submit", "request %s has no procedure", job.Request.Identifier)
	}
	if err := job.Request.Validate(); err != nil {
		return faults.New(faults.ContractViolation, "scheduler.submit", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	s.q.push(&item{job: job})
	return nil
}

// Shutdown queues the shutdown sentinel. A nil reason is a graceful stop;
// otherwise Run returns reason.
func (s *Scheduler) Shutdown(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.q.push(&item{shutdown: true, reason: reason})
}

// InFlight lists identifiers of running tasks, sorted.
func (s *Scheduler) InFlight() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.inFlight))
	for id := range s.inFlight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Pending reports how many requests are queued.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.len()
}

// Run drives the scheduler until the shutdown sentinel is processed or ctx
// ends. It returns the sentinel's reason.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.exited)
	ticker := time.NewTicker(s.opts.Throttle)
	defer ticker.Stop()

	s.log.Info("scheduler started", "throttle", s.opts.Throttle, "overflow_threshold", s.opts.OverflowThreshold)
	for {
		select {
		case <-ctx.Done():
			s.stop("context done")
			return nil
		case t := <-s.done:
			s.finish(t)
			continue
		case <-ticker.C:
		}

		if stop, reason := s.step(ctx); stop {
			if reason != nil {
				s.stop(reason.Error())
			} else {
				s.stop("shutdown requested")
			}
			return reason
		}
		s.checkOverflow()
	}
}

// step pops and dispatches requests until the queue is empty, a request is
// requeued, or the shutdown sentinel appears.
func (s *Scheduler) step(ctx context.Context) (bool, error) {
	for {
		s.mu.Lock()
		it, ok := s.q.pop()
		s.mu.Unlock()
		if !ok {
			return false, nil
		}
		if it.shutdown {
			return true, it.reason
		}
		if requeued := s.dispatch(ctx, it); requeued {
			return false, nil
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, it *item) (requeued bool) {
	req := it.job.Request
	log := s.log.With("task", req.Identifier, "bot", req.BotIGN, "priority", req.Priority)

	s.mu.Lock()
	existing := s.inFlight[req.Identifier]
	s.mu.Unlock()
	if existing != nil {
		if !req.CancelSelfIfDuplicate {
			err := faults.Contractf("scheduler.dispatch",
				"duplicate identifier %q from bot %s while the previous task is in flight", req.Identifier, req.BotIGN)
			log.Error("contract violation", "error", err)
			s.notify(action.Text("scheduling error: %v", err))
			s.publish(eventbus.EventDropped, req, "duplicate")
			if !s.opts.Lenient {
				s.Shutdown(err)
			}
			return false
		}
		s.cancelTask(existing, "superseded")
	}

	adm := Admit(req.Priority, req.RequeueIfBlocked, s.blockers())
	switch adm.Verdict {
	case Requeue:
		s.mu.Lock()
		s.q.requeue(it)
		s.mu.Unlock()
		log.Debug("request blocked, requeued", "block", adm.Block, "blocker", adm.Blocker)
		s.publish(eventbus.EventRequeued, req, adm.Blocker)
		return true
	case Drop:
		log.Info("request blocked, dropped", "block", adm.Block, "blocker", adm.Blocker)
		s.publish(eventbus.EventDropped, req, "blocked by "+adm.Blocker)
		return false
	}

	for _, id := range req.CancelIDs {
		s.mu.Lock()
		victim := s.inFlight[id]
		s.mu.Unlock()
		if victim != nil {
			s.cancelTask(victim, "cancelled by "+req.Identifier)
		}
	}

	if req.UserMessage != nil {
		s.notify(*req.UserMessage)
	}
	s.launch(ctx, it.job)
	return false
}

// blockers snapshots running tasks for the gate. Tasks already asked to
// cancel no longer hold the gate, even while their cleanup still runs.
func (s *Scheduler) blockers() []blocker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]blocker, 0, len(s.inFlight))
	for id, t := range s.inFlight {
		if t.cancelled {
			continue
		}
		out = append(out, blocker{id: id, priority: t.job.Request.Priority, blocks: t.job.Request.BlockLowerPriority})
	}
	return out
}

func (s *Scheduler) launch(ctx context.Context, job Job) {
	base, cancelBase := context.WithCancel(ctx)
	tctx, cancel := base, cancelBase
	if d := time.Duration(job.Request.Timeout); d > 0 {
		var cancelTimeout context.CancelFunc
		tctx, cancelTimeout = context.WithTimeout(base, d)
		cancel = func() {
			cancelTimeout()
			cancelBase()
		}
	}
	t := &task{job: job, ctx: tctx, cancel: cancel, started: time.Now()}

	s.mu.Lock()
	s.inFlight[job.Request.Identifier] = t
	s.mu.Unlock()
	s.running++

	s.log.Debug("task scheduled", "task", job.Request.Identifier, "bot", job.Request.BotIGN, "priority", job.Request.Priority)
	s.publish(eventbus.EventScheduled, job.Request, "")
	go s.execute(t)
}

func (s *Scheduler) execute(t *task) {
	defer func() {
		if r := recover(); r != nil {
			t.err = faults.Fatalf("task "+t.id(), "panic: %v", r)
		}
		select {
		case s.done <- t:
		case <-s.exited:
		}
	}()
	t.err = t.job.Run(t.ctx)
}

func (s *Scheduler) cancelTask(t *task, why string) {
	if t.cancelled {
		return
	}
	t.cancelled = true
	t.cancel()
	s.log.Debug("task cancel requested", "task", t.id(), "reason", why)
}

func (s *Scheduler) classify(t *task) State {
	if t.err == nil {
		return StateCompleted
	}
	kind := faults.Classify(t.err)
	if kind == faults.Fatal || kind == faults.Transient {
		switch {
		case t.cancelled, errors.Is(t.ctx.Err(), context.Canceled):
			kind = faults.Cancelled
		case errors.Is(t.ctx.Err(), context.DeadlineExceeded):
			kind = faults.Timeout
		}
	}
	switch kind {
	case faults.Cancelled:
		return StateCancelled
	case faults.Timeout:
		return StateTimedOut
	}
	return StateFailed
}

// finish runs the completion chain of t: cleanup, user callbacks,
// attribute updates, then cancel-set completers.
func (s *Scheduler) finish(t *task) {
	req := t.job.Request
	out := Outcome{Request: req, State: s.classify(t), Err: t.err, Started: t.started, Finished: time.Now()}
	t.cancel()
	s.running--

	s.mu.Lock()
	if s.inFlight[req.Identifier] == t {
		delete(s.inFlight, req.Identifier)
	}
	s.mu.Unlock()

	log := s.log.With("task", req.Identifier, "bot", req.BotIGN, "elapsed", out.Finished.Sub(out.Started))
	switch out.State {
	case StateCompleted:
		log.Debug("task completed")
		s.publish(eventbus.EventCompleted, req, "")
	case StateCancelled:
		log.Debug("task cancelled")
		s.publish(eventbus.EventCancelled, req, "")
	case StateTimedOut:
		log.Warn("task timed out", "timeout", time.Duration(req.Timeout))
		s.publish(eventbus.EventTimedOut, req, "")
	default:
		log.Error("task failed", "error", t.err, "kind", faults.Classify(t.err))
		s.publish(eventbus.EventFailed, req, t.err.Error())
		s.notify(action.Text("task %s (bot %s) failed: %v", req.Identifier, req.BotIGN, t.err))
		s.Shutdown(fmt.Errorf("task %s: %w", req.Identifier, t.err))
	}

	for _, cb := range t.job.Callbacks {
		s.invoke(cb, out)
	}

	if out.State == StateCompleted && s.opts.Router != nil {
		for _, u := range req.AttributeUpdates {
			if err := s.opts.Router.Route(u); err != nil {
				log.Error("attribute update not delivered", "target", u.BotIGN, "attribute", u.Attribute, "error", err)
				if faults.Is(err, faults.ContractViolation) && !s.opts.Lenient {
					s.Shutdown(err)
				}
			}
		}
	}

	for _, id := range req.CancelIDs {
		s.mu.Lock()
		other := s.inFlight[id]
		s.mu.Unlock()
		if other != nil && other != t {
			s.cancelTask(other, "cancel set of "+req.Identifier)
		}
	}
}

func (s *Scheduler) invoke(cb Callback, out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			err := faults.Fatalf("scheduler.callback", "callback of %s panicked: %v", out.Request.Identifier, r)
			s.log.Error("callback panicked", "task", out.Request.Identifier, "error", err)
			s.Shutdown(err)
		}
	}()
	cb(out)
}

// stop cancels everything in flight and waits up to DrainTimeout for the
// completion chains to run. Queued requests are discarded.
func (s *Scheduler) stop(why string) {
	s.mu.Lock()
	s.stopped = true
	discarded := s.q.len()
	s.q = queue{}
	victims := make([]*task, 0, len(s.inFlight))
	for _, t := range s.inFlight {
		victims = append(victims, t)
	}
	s.mu.Unlock()

	s.log.Info("scheduler stopping", "reason", why, "in_flight", len(victims), "discarded", discarded)
	for _, t := range victims {
		s.cancelTask(t, "shutdown")
	}

	deadline := time.NewTimer(s.opts.DrainTimeout)
	defer deadline.Stop()
	for s.running > 0 {
		select {
		case t := <-s.done:
			s.finish(t)
		case <-deadline.C:
			s.log.Warn("tasks still running after drain timeout", "running", s.running, "in_flight", s.InFlight())
			return
		}
	}
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) checkOverflow() {
	s.mu.Lock()
	n, q := len(s.inFlight), s.q.len()
	s.mu.Unlock()
	over := n > s.opts.OverflowThreshold || q > s.opts.OverflowThreshold
	switch {
	case over && !s.overflowWarned:
		s.overflowWarned = true
		s.log.Warn("scheduler overflow", "in_flight", n, "queued", q, "threshold", s.opts.OverflowThreshold)
	case !over:
		s.overflowWarned = false
	}
}

func (s *Scheduler) notify(n action.Notification) {
	if s.opts.Notifier == nil {
		return
	}
	s.opts.Notifier.Notify(n)
}

func (s *Scheduler) publish(typ eventbus.EventType, req action.Request, reason string) {
	s.opts.Bus.Publish(eventbus.Event{
		Type:     typ,
		TaskID:   req.Identifier,
		Bot:      req.BotIGN,
		Priority: req.Priority,
		Reason:   reason,
	})
}
