package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/steveyegge/gasbot/internal/action"
)

// NATSConfig configures the NATS surface.
type NATSConfig struct {
	URL            string // NATS server URL (e.g., "nats://localhost:4222")
	Token          string // optional auth token
	CommandSubject string // subject command lines are read from
	NotifySubject  string // subject notifications are published to
	Name           string // client name shown by the server
}

// ErrNotConnected is returned by Post while no connection is up.
var ErrNotConnected = errors.New("nats: not connected")

// NATS is a control surface over plain NATS subjects. A command is the
// message payload; requests with a reply subject get "ok" back.
// Notifications are published as JSON.
type NATS struct {
	cfg NATSConfig
	log *slog.Logger

	mu sync.Mutex
	nc *nats.Conn
}

// NewNATS validates cfg. Nothing connects until Run.
func NewNATS(cfg NATSConfig, logger *slog.Logger) (*NATS, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	if cfg.CommandSubject == "" || cfg.NotifySubject == "" {
		return nil, fmt.Errorf("nats command and notify subjects are required")
	}
	if cfg.Name == "" {
		cfg.Name = "gasbot-bridge"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATS{cfg: cfg, log: logger.With("component", "nats")}, nil
}

func (n *NATS) Name() string { return "nats" }

// Run connects and forwards commands. Blocks until ctx is canceled.
// Reconnects with exponential backoff when the connection is lost for good.
func (n *NATS) Run(ctx context.Context, lines chan<- string) error {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		err := n.connectAndConsume(ctx, lines)
		if ctx.Err() != nil {
			return nil
		}
		n.log.Warn("connection error, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (n *NATS) connectAndConsume(ctx context.Context, lines chan<- string) error {
	closed := make(chan struct{})
	opts := []nats.Option{
		nats.Name(n.cfg.Name),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				n.log.Warn("disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(*nats.Conn) { n.log.Info("reconnected") }),
	}
	if n.cfg.Token != "" {
		opts = append(opts, nats.Token(n.cfg.Token))
	}

	nc, err := nats.Connect(n.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer func() {
		n.setConn(nil)
		nc.Close()
	}()

	msgs := make(chan *nats.Msg, 64)
	sub, err := nc.ChanSubscribe(n.cfg.CommandSubject, msgs)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", n.cfg.CommandSubject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	n.setConn(nc)
	n.log.Info("connected", "url", n.cfg.URL, "subject", n.cfg.CommandSubject)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-closed:
			return errors.New("connection closed")
		case msg := <-msgs:
			line, ok := messageLine(msg.Data)
			if msg.Reply != "" {
				_ = msg.Respond([]byte("ok"))
			}
			if !ok {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (n *NATS) setConn(nc *nats.Conn) {
	n.mu.Lock()
	n.nc = nc
	n.mu.Unlock()
}

// Post publishes the notification as JSON on the notify subject.
func (n *NATS) Post(ctx context.Context, note action.Notification) error {
	n.mu.Lock()
	nc := n.nc
	n.mu.Unlock()
	if nc == nil {
		return ErrNotConnected
	}
	data, err := encodeNotification(note)
	if err != nil {
		return err
	}
	if err := nc.Publish(n.cfg.NotifySubject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", n.cfg.NotifySubject, err)
	}
	return nil
}

func messageLine(data []byte) (string, bool) {
	line := strings.TrimSpace(string(data))
	return line, line != ""
}

func encodeNotification(note action.Notification) ([]byte, error) {
	data, err := json.Marshal(note)
	if err != nil {
		return nil, fmt.Errorf("encoding notification: %w", err)
	}
	return data, nil
}
