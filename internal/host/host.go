// Package host declares the capabilities bots use to observe and drive the
// external application, and provides the backends that implement them.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/steveyegge/gasbot/internal/action"
)

// Capturer grabs the current screen of a target.
type Capturer interface {
	Capture(ctx context.Context, target string) (action.Image, error)
}

// Injector synthesizes user input into a target. Callers must hold the
// focus lock around each call.
type Injector interface {
	Press(ctx context.Context, target, key string) error
	Type(ctx context.Context, target, text string) error
	Click(ctx context.Context, target string, x, y int) error
}

// Recognizer reads a piece of state out of a target.
type Recognizer interface {
	Read(ctx context.Context, target, query string) (string, error)
}

// Backend bundles every capability plus its lifecycle.
type Backend interface {
	Capturer
	Injector
	Recognizer
	Targets() []string
	Close() error
}

// Backend names accepted by Open.
const (
	DryRun = "dryrun"
	Rod    = "rod"
)

// Options selects and configures a backend.
type Options struct {
	Backend    string
	ControlURL string
	// Targets maps a target name (usually a bot IGN) to the page URL it drives.
	Targets map[string]string
	Logger  *slog.Logger
}

func (o Options) targetNames() []string {
	names := make([]string, 0, len(o.Targets))
	for n := range o.Targets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Open builds the configured backend.
func Open(ctx context.Context, opts Options) (Backend, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	switch opts.Backend {
	case "", DryRun:
		return NewDryRun(opts.Logger, opts.targetNames()...), nil
	case Rod:
		return OpenRod(ctx, opts)
	}
	return nil, fmt.Errorf("unknown host backend %q", opts.Backend)
}
