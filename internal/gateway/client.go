package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jensholdgaard/bidengine/internal/store"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 8 << 10
)

// Identity is the authenticated caller behind a connection.
type Identity struct {
	ID   string
	Role store.Role
}

// Client is one realtime connection.
type Client struct {
	ID       string
	Identity Identity
	Addr     string

	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewClient wraps conn. A nil conn yields a client whose outbound queue is
// only reachable through Outbox.
func NewClient(conn *websocket.Conn, id Identity, addr string, buffer int) *Client {
	return &Client{
		ID:       uuid.NewString(),
		Identity: id,
		Addr:     addr,
		conn:     conn,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
	}
}

// Send queues data without blocking. It reports false when the queue is
// full or the client is closed; the message is dropped.
func (c *Client) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Outbox is the queue drained by the write pump.
func (c *Client) Outbox() <-chan []byte {
	return c.send
}

// Close stops the write pump. Safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

// writePump drains the outbound queue and keeps the connection alive.
func (c *Client) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
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

// readPump dispatches inbound commands until the connection fails.
func (c *Client) readPump(ctx context.Context, h *Hub, pongWait time.Duration) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WarnContext(ctx, "connection closed unexpectedly",
					slog.String("client_id", c.ID),
					slog.Any("error", err),
				)
			}
			return
		}
		h.Handle(ctx, c, msg)
	}
}
