package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"homehealth/services/staff-tracker/internal/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// SessionStore persists connected websocket sessions. It is optional.
type SessionStore interface {
	Save(ctx context.Context, sessionID, operatorID, topic string) error
	Delete(ctx context.Context, sessionID string) error
	Heartbeat(ctx context.Context, sessionID string) error
	Cleanup(ctx context.Context, idle time.Duration) error
}

// Subscription describes what a connection listens to. Initial is called
// once the connection is registered on Topic and its result is queued as
// the first message, so no broadcast can fall between the two. OnClose
// runs once, on its own goroutine, when the connection ends.
type Subscription struct {
	Topic      string
	OperatorID string
	Initial    func() any
	OnClose    func()
}

type Hub struct {
	mu         sync.Mutex
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	done       chan struct{}
	store      SessionStore
	upgrader   websocket.Upgrader
}

func NewHub(store SessionStore) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		store:      store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			h.add(c)
			metrics.WebsocketConnections.Inc()
			h.persist(func(ctx context.Context) error { return h.store.Save(ctx, c.id, c.operatorID, c.topic) }, "save", c.id)
		case c := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[c]
			if ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			if ok {
				metrics.WebsocketConnections.Dec()
				h.persist(func(ctx context.Context) error { return h.store.Delete(ctx, c.id) }, "delete", c.id)
			}
			go c.closeOnce.Do(c.onClose)
		case <-t.C:
			h.persist(func(ctx context.Context) error { return h.store.Cleanup(ctx, 10*time.Minute) }, "cleanup", "")
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	if c.initial == nil {
		return
	}
	b, err := json.Marshal(c.initial())
	if err != nil {
		slog.Error("ws initial marshal failed", "error", err, "topic", c.topic)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

func (h *Hub) persist(fn func(ctx context.Context) error, op, sessionID string) {
	if h.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		slog.Warn("ws session "+op+" failed", "error", err, "session_id", sessionID)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		metrics.WebsocketConnections.Dec()
		go c.closeOnce.Do(c.onClose)
	}
}

// Broadcast sends msg to every client subscribed to topic. Clients whose
// buffer is full are dropped.
func (h *Hub) Broadcast(topic string, msg any) {
	b, err := json.Marshal(msg)
	if err != nil {
		slog.Error("ws broadcast marshal failed", "error", err, "topic", topic)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.topic != topic {
			continue
		}
		select {
		case c.send <- b:
		default:
			close(c.send)
			delete(h.clients, c)
			metrics.WebsocketConnections.Dec()
		}
	}
}

// Len returns the number of clients on topic.
func (h *Hub) Len(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for c := range h.clients {
		if c.topic == topic {
			n++
		}
	}
	return n
}

// ServeWS upgrades the request and attaches the connection to sub.Topic.
// sub.OnClose runs even when the upgrade fails.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, sub Subscription) {
	onClose := sub.OnClose
	if onClose == nil {
		onClose = func() {}
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		onClose()
		return
	}
	c := &client{
		conn:       conn,
		send:       make(chan []byte, 256),
		id:         uuid.NewString(),
		topic:      sub.Topic,
		operatorID: sub.OperatorID,
		initial:    sub.Initial,
		onClose:    onClose,
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		go c.closeOnce.Do(c.onClose)
		return
	}
	go c.readPump(h)
	go h.writePump(c)
}

func (h *Hub) leave(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) writePump(c *client) {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		h.leave(c)
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
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) updateHeartbeat(sessionID string) {
	h.persist(func(ctx context.Context) error { return h.store.Heartbeat(ctx, sessionID) }, "heartbeat", sessionID)
}
