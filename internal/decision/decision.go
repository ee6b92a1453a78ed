// Package decision defines the contract between a worker and the pluggable
// units that decide what a bot does next.
package decision

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/steveyegge/gasbot/internal/action"
	"github.com/steveyegge/gasbot/internal/botdata"
)

// Kind is the coarse tag used for group blocking.
type Kind int

const (
	Rotation Kind = iota
	AntiDetection
	Maintenance
	// All matches every kind in Block and Unblock.
	All
)

func (k Kind) String() string {
	switch k {
	case Rotation:
		return "rotation"
	case AntiDetection:
		return "anti-detection"
	case Maintenance:
		return "maintenance"
	case All:
		return "all"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind accepts the names produced by String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rotation":
		return Rotation, nil
	case "anti-detection", "antidetection":
		return AntiDetection, nil
	case "maintenance":
		return Maintenance, nil
	case "all":
		return All, nil
	}
	return 0, fmt.Errorf("unknown decision kind %q", s)
}

// Matches reports whether a block on k applies to a maker of kind other.
func (k Kind) Matches(other Kind) bool {
	return k == All || k == other
}

// Maker inspects bot data once per worker cycle and optionally emits one
// request. Decide must return within the cycle budget.
type Maker interface {
	Identifier() string
	Type() Kind
	Decide(ctx *Context) (*action.Request, error)
}

// ErrorHandler is implemented by makers that want to see their own Decide
// errors. Returning nil absorbs the error; returning an error makes it fatal
// for the worker.
type ErrorHandler interface {
	HandleError(err error) error
}

// HandlerOf finds the ErrorHandler of m, looking through wrappers that
// expose Unwrap() Maker.
func HandlerOf(m Maker) (ErrorHandler, bool) {
	for m != nil {
		if h, ok := m.(ErrorHandler); ok {
			return h, true
		}
		u, ok := m.(interface{ Unwrap() Maker })
		if !ok {
			break
		}
		m = u.Unwrap()
	}
	return nil, false
}

// Context is what a maker sees during one Decide call.
type Context struct {
	Bot    string
	Data   *botdata.Store
	Now    time.Time
	Cycle  uint64
	Logger *slog.Logger

	self  string
	group *Group
}

// NewContext binds a context to the maker identified by self inside group.
func NewContext(bot string, data *botdata.Store, group *Group, self string, now time.Time, cycle uint64, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{Bot: bot, Data: data, Now: now, Cycle: cycle, Logger: logger, self: self, group: group}
}

// Block suspends every other maker of kind k until Unblock(k) is called by
// the same maker.
func (c *Context) Block(k Kind) {
	if c.group != nil {
		c.group.Block(c.self, k, c.Now)
	}
}

// Unblock releases the blocks this maker placed on kind k.
func (c *Context) Unblock(k Kind) {
	if c.group != nil {
		c.group.Unblock(c.self, k)
	}
}

// Func adapts a function to Maker.
type Func struct {
	ID   string
	Kind Kind
	Fn   func(ctx *Context) (*action.Request, error)
}

func (f Func) Identifier() string { return f.ID }

func (f Func) Type() Kind { return f.Kind }

func (f Func) Decide(ctx *Context) (*action.Request, error) { return f.Fn(ctx) }
