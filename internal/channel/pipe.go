package channel

import (
	"context"
	"io"
	"os"
)

// Pair returns two connected in-memory endpoints.
func Pair(nameA, nameB string, opts ...Option) (*Channel, *Channel) {
	abR, abW := io.Pipe()
	baR, baW := io.Pipe()
	a := New(nameA, baR, abW, opts...)
	b := New(nameB, abR, baW, opts...)
	return a, b
}

// Stdio returns the endpoint a child process uses to talk to its supervisor.
func Stdio(name string, opts ...Option) *Channel {
	return New(name, os.Stdin, os.Stdout, opts...)
}

// Received is one result of Pump.
type Received struct {
	Frame Frame
	Err   error
}

// Pump moves blocking Recv calls onto a goroutine so a select loop can stay
// responsive. The returned channel is closed after the close sentinel or the
// first error has been delivered, or when ctx ends.
func Pump(ctx context.Context, c *Channel) <-chan Received {
	out := make(chan Received, 16)
	go func() {
		defer close(out)
		for {
			f, err := c.Recv()
			select {
			case out <- Received{Frame: f, Err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil || f.IsClose() {
				return
			}
		}
	}()
	return out
}
