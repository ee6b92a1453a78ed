// Package focus serializes input injection on the host.
//
// Every keystroke or click must happen inside Do. The in-process lock is a
// one-slot semaphore so waiters can give up when their context ends. When a
// lock file is configured the critical section also holds an advisory
// flock, which keeps a second supervisor on the same desktop out.
package focus

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// LongHold is the hold time above which a warning is logged.
const LongHold = 2 * time.Second

const retryDelay = 5 * time.Millisecond

// Lock is the focus mutex.
type Lock struct {
	sem    chan struct{}
	file   *flock.Flock
	logger *slog.Logger
}

// Option configures a Lock.
type Option func(*Lock)

// WithHostLock adds an advisory file lock at path.
func WithHostLock(path string) Option {
	return func(l *Lock) {
		if path != "" {
			l.file = flock.New(path)
		}
	}
}

// WithLogger sets the logger used for long-hold warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Lock) { l.logger = logger }
}

// New returns an unlocked focus mutex.
func New(opts ...Option) *Lock {
	l := &Lock{sem: make(chan struct{}, 1), logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire blocks until the lock is held or ctx ends. The returned release
// func must be called exactly once.
func (l *Lock) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if l.file != nil {
		if err := os.MkdirAll(filepath.Dir(l.file.Path()), 0755); err != nil {
			<-l.sem
			return nil, fmt.Errorf("creating focus lock directory: %w", err)
		}
		ok, err := l.file.TryLockContext(ctx, retryDelay)
		if err != nil || !ok {
			<-l.sem
			if err == nil {
				err = ctx.Err()
			}
			return nil, fmt.Errorf("acquiring host focus lock: %w", err)
		}
	}
	start := time.Now()
	return func() {
		if l.file != nil {
			if err := l.file.Unlock(); err != nil {
				l.logger.Warn("releasing host focus lock", "error", err)
			}
		}
		<-l.sem
		if held := time.Since(start); held > LongHold {
			l.logger.Warn("focus held for a long time", "held", held)
		}
	}, nil
}

// Do runs fn while holding the lock.
func (l *Lock) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}
