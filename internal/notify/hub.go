package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/rampline/settlecore/internal/storage/relationaldb"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64

	// seenFrames bounds the dedupe window. Redeliveries land close together,
	// so a small window is enough.
	seenFrames = 1024
)

// Hub fans lifecycle frames out to connected websocket clients. Slow clients
// are dropped rather than allowed to stall the broadcast.
type Hub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}

	// seen drops frames already broadcast once, keyed by Frame.Key.
	seen *lru.Cache[string, struct{}]
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a websocket hub.
func NewHub(log *zap.Logger) (*Hub, error) {
	seen, err := lru.New[string, struct{}](seenFrames)
	if err != nil {
		return nil, err
	}
	return &Hub{
		log:     log,
		clients: map[*client]struct{}{},
		seen:    seen,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

// Publish broadcasts one envelope to all connected clients, deduplicating on
// the (event, order, version) key.
func (h *Hub) Publish(_ context.Context, env *relationaldb.Envelope) error {
	frame, err := FrameFor(env)
	if err != nil {
		return err
	}

	if _, dup := h.seen.Get(frame.Key); dup {
		return nil
	}
	h.seen.Add(frame.Key, struct{}{})

	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- raw:
		default:
			h.log.Warn("dropping slow websocket client")
			go h.drop(c)
		}
	}
	return nil
}

// ServeWS upgrades an HTTP request to a websocket subscription.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBufferSize)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("websocket client connected", zap.Int("clients", n))

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// readPump discards inbound messages; the hub is broadcast-only. It exists
// to service pongs and to notice disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.drop(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects all clients.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		c.conn.Close()
		delete(h.clients, c)
	}
	return nil
}

var _ Publisher = (*Hub)(nil)
