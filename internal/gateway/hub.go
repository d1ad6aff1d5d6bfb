package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"nifty-orbit/internal/metrics"
)

// SnapshotFunc produces the periodic state pushed to every WebSocket
// client: spot, positions, P/L and market status. Injected by the server so
// the hub stays free of service dependencies.
type SnapshotFunc func(ctx context.Context) (any, error)

// Hub owns the WebSocket clients and pushes them a state snapshot on a
// fixed cadence. Clients are write-only; inbound frames are drained for
// ping/pong only.
type Hub struct {
	logger   *zap.Logger
	metrics  *metrics.Metrics
	snapshot SnapshotFunc
	interval time.Duration

	mu      sync.RWMutex
	clients map[*client]bool
}

// NewHub creates a hub broadcasting snapshots every interval.
func NewHub(snapshot SnapshotFunc, interval time.Duration, logger *zap.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Hub{
		logger:   logger.Named("ws"),
		metrics:  m,
		snapshot: snapshot,
		interval: interval,
		clients:  make(map[*client]bool),
	}
}

// Run drives the broadcast loop until ctx is cancelled. Snapshots are only
// computed while someone is listening.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			if h.ClientCount() == 0 {
				continue
			}
			snap, err := h.snapshot(ctx)
			if err != nil {
				h.logger.Warn("snapshot failed", zap.Error(err))
				continue
			}
			h.Broadcast("snapshot", snap)
		}
	}
}

// Broadcast fans one typed message out to every connected client. Slow
// clients are skipped rather than blocking the loop.
func (h *Hub) Broadcast(msgType string, payload any) {
	envelope, err := json.Marshal(map[string]any{
		"type": msgType,
		"data": payload,
		"ts":   time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		h.logger.Warn("broadcast encode failed", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- envelope:
		default:
		}
	}
}

// Register attaches an upgraded connection and starts its pumps.
func (h *Hub) Register(conn *websocket.Conn) {
	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
	}
	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(count))
	}
	h.logger.Info("client connected", zap.Int("total", count))

	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(count))
	}
	h.logger.Info("client disconnected", zap.Int("total", count))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
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

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
