// Package observer fans capture frames out to local websocket viewers.
//
// Viewers connect to /ws from a loopback address and receive one JSON
// message per captured frame. Slow viewers lose frames rather than stall
// the capture loop.
package observer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/steveyegge/gasbot/internal/action"
)

const (
	writeWait   = 5 * time.Second
	readWait    = 60 * time.Second
	clientQueue = 4
)

// Frame is the message pushed to viewers.
type Frame struct {
	Target string    `json:"target"`
	At     time.Time `json:"at"`
	Format string    `json:"format"`
	Width  int       `json:"width,omitempty"`
	Height int       `json:"height,omitempty"`
	Data   []byte    `json:"data"`
}

type client struct {
	id   uint64
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks connected viewers.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[uint64]*client
	nextID  atomic.Uint64
	dropped atomic.Uint64
}

// NewHub returns an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		log: logger.With("component", "observer"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[uint64]*client),
	}
}

// Clients returns the number of connected viewers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many frames were skipped for slow viewers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Publish queues img for every viewer.
func (h *Hub) Publish(target string, img action.Image) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) == 0 {
		return
	}
	b, err := json.Marshal(Frame{
		Target: target,
		At:     time.Now().UTC(),
		Format: img.Format,
		Width:  img.Width,
		Height: img.Height,
		Data:   img.Data,
	})
	if err != nil {
		h.log.Warn("cannot encode frame", "target", target, "error", err)
		return
	}
	for _, c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) add(conn *websocket.Conn) *client {
	c := &client{id: h.nextID.Add(1), conn: conn, send: make(chan []byte, clientQueue)}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	return c
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
}

// disconnect drops every viewer. Hijacked connections outlive http.Server
// shutdown, so they are closed here.
func (h *Hub) disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		_ = c.conn.Close()
	}
}

// Handler serves the websocket endpoint.
func (h *Hub) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		c := h.add(conn)
		defer h.remove(c)
		h.log.Debug("viewer connected", "viewer", c.id, "remote", r.RemoteAddr)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-c.send:
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Viewers do not talk back; reading only detects disconnects.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readWait))
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		cancel()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
		h.log.Debug("viewer left", "viewer", c.id)
	}
}

// Serve listens on addr until ctx ends. addr must be a loopback address.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	if !isLoopbackRemote(addr) && !strings.HasPrefix(addr, "localhost:") {
		return errors.New("observer: refusing to listen on non-loopback address " + addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return h.serve(ctx, ln)
}

func (h *Hub) serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	h.log.Info("observer listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	h.disconnect()
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
