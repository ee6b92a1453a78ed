package supervisor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/steveyegge/gasbot/internal/action"
	"github.com/steveyegge/gasbot/internal/channel"
)

const notifyQueue = 64

// notifier forwards notifications to the bridge from its own goroutine so
// the scheduler never waits on the bridge.
type notifier struct {
	ch  *channel.Channel
	log *slog.Logger

	mu     sync.Mutex
	queue  chan action.Notification
	closed bool
	done   chan struct{}
}

func newNotifier(ch *channel.Channel, logger *slog.Logger) *notifier {
	n := &notifier{
		ch:    ch,
		log:   logger,
		queue: make(chan action.Notification, notifyQueue),
		done:  make(chan struct{}),
	}
	go n.run()
	return n
}

// Notify queues note. A full queue drops it.
func (n *notifier) Notify(note action.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		n.log.Debug("notification after teardown", "text", note.Text)
		return
	}
	select {
	case n.queue <- note:
	default:
		n.log.Warn("notification queue full, dropping", "kind", note.Kind, "text", note.Text)
	}
}

func (n *notifier) run() {
	defer close(n.done)
	for note := range n.queue {
		if err := n.ch.Send(channel.NotifyFrame(note)); err != nil {
			n.log.Warn("cannot notify the bridge", "kind", note.Kind, "error", err)
		}
	}
}

// finish stops accepting notifications, waits up to wait for the queue to
// drain and then sends last.
func (n *notifier) finish(last action.Notification, wait time.Duration) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	select {
	case <-n.done:
	case <-time.After(wait):
		n.log.Warn("bridge is not draining notifications")
		return
	}
	if err := n.ch.Send(channel.NotifyFrame(last)); err != nil {
		n.log.Warn("cannot notify the bridge", "kind", last.Kind, "error", err)
	}
}
