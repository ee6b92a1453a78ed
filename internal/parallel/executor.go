// Package parallel provides the concurrency helpers the supervisor and the
// bridge share: a bounded fan-out over a slice and a task group that ends
// as soon as any member ends.
package parallel

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Execute runs work on every item with at most limit calls in flight and
// waits for all of them. One failure does not stop the others. The result
// joins every failure, each prefixed with name(item); it is nil when all
// items succeeded.
func Execute[T any](items []T, limit int, name func(T) string, work func(T) error) error {
	if limit < 1 {
		limit = 1
	}
	errs := make([]error, len(items))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		g.Go(func() error {
			if err := work(item); err != nil {
				errs[i] = fmt.Errorf("%s: %w", name(item), err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Task is one member of a Group.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// errEnded marks a task that returned nil; it cancels the group like an
// error would but is not reported.
var errEnded = errors.New("task ended")

// Group runs every task until the first one returns, with or without an
// error, then cancels the rest and waits for them. It returns the first
// real error, or nil when the first task to end ended cleanly.
//
// onEnd, when non-nil, is called with the name of each task as it returns.
func Group(ctx context.Context, onEnd func(name string, err error), tasks ...Task) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		g.Go(func() error {
			err := t.Run(gctx)
			if onEnd != nil {
				onEnd(t.Name, err)
			}
			if err != nil {
				return err
			}
			return errEnded
		})
	}
	err := g.Wait()
	if errors.Is(err, errEnded) {
		return nil
	}
	return err
}
