// Package feed streams monitor events to WebSocket clients.
package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11scan", "feed")

// Message types
const (
	TypeHello    = "hello"
	TypeEvent    = "event"
	TypeSnapshot = "snapshot"
	TypePing     = "ping"
	TypePong     = "pong"
	TypeError    = "error"
)

const (
	sendQueue   = 256
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	readLimit   = 64 * 1024
	hubShutdown = time.Second
)

// Message is a WebSocket message
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub fans out published messages to the connected clients.
// A client that does not keep up with the feed is disconnected.
type Hub struct {
	upgrader websocket.Upgrader

	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}

	lock     sync.RWMutex
	clients  map[*client]bool
	snapshot json.RawMessage
}

// NewHub returns Hub
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte),
		done:       make(chan struct{}),
		clients:    make(map[*client]bool),
	}
}

// Run dispatches messages until ctx is done.
// Run must be called once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.lock.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.lock.Unlock()
			return
		case c := <-h.register:
			h.lock.Lock()
			h.clients[c] = true
			h.lock.Unlock()
			logger.KV(xlog.DEBUG, "status", "registered", "client", c.id)
		case c := <-h.unregister:
			h.lock.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.lock.Unlock()
			logger.KV(xlog.DEBUG, "status", "unregistered", "client", c.id)
		case msg := <-h.broadcast:
			h.lock.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					logger.KV(xlog.WARNING, "reason", "slow_client", "client", c.id)
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.lock.Unlock()
		}
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.clients)
}

// Publish sends the payload to every client.
// With retain set, the payload is also kept as the snapshot
// returned to clients on request.
func (h *Hub) Publish(ctx context.Context, payload any, retain bool) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.WithMessage(err, "failed to encode payload")
	}
	if retain {
		h.lock.Lock()
		h.snapshot = raw
		h.lock.Unlock()
	}
	msg, err := json.Marshal(Message{Type: TypeEvent, Payload: raw})
	if err != nil {
		return errors.WithStack(err)
	}

	select {
	case h.broadcast <- msg:
		return nil
	case <-h.done:
		return errors.New("feed is closed")
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

// Snapshot returns the last retained payload
func (h *Hub) Snapshot() json.RawMessage {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return h.snapshot
}

// ServeHTTP upgrades the request to a WebSocket feed connection
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.KV(xlog.ERROR, "reason", "upgrade", "remote", r.RemoteAddr, "err", err.Error())
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendQueue),
		hub:  h,
	}
	logger.KV(xlog.INFO, "status", "connected", "client", c.id, "remote", r.RemoteAddr)

	hello, _ := json.Marshal(Message{Type: TypeHello, ID: c.id})
	c.send <- hello

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (c *client) reply(msg Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		logger.KV(xlog.ERROR, "reason", "encode", "client", c.id, "err", err.Error())
		return
	}
	c.hub.lock.RLock()
	defer c.hub.lock.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.KV(xlog.WARNING, "reason", "unexpected_close", "client", c.id, "err", err.Error())
			}
			return
		}

		var msg Message
		if err = json.Unmarshal(data, &msg); err != nil {
			c.reply(Message{Type: TypeError, Error: "invalid message format"})
			continue
		}
		switch msg.Type {
		case TypePing:
			c.reply(Message{Type: TypePong, ID: msg.ID})
		case TypeSnapshot:
			c.reply(Message{Type: TypeSnapshot, ID: msg.ID, Payload: c.hub.Snapshot()})
		default:
			c.reply(Message{Type: TypeError, ID: msg.ID, Error: "unsupported message type: " + msg.Type})
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Serve runs an HTTP server with the feed on /events until ctx is done
func Serve(ctx context.Context, addr string, h *Hub) error {
	mux := http.NewServeMux()
	mux.Handle("/events", h)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.KV(xlog.NOTICE, "status", "listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.WithMessagef(err, "failed to listen on %s", addr)
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), hubShutdown)
		defer cancel()
		_ = srv.Shutdown(sctx)
		return nil
	}
}
