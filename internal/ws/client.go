package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxReadBytes = 512
)

// Client is one websocket subscriber. The hub and the keepalive loop both
// write to the connection, so writes are serialised.
type Client struct {
	conn   *websocket.Conn
	log    *slog.Logger
	mu     sync.Mutex
	done   chan struct{}
	closed sync.Once
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{conn: conn, log: logger, done: make(chan struct{})}
}

// Send writes a text frame. A failed write closes the connection.
func (c *Client) Send(payload []byte) error {
	return c.write(websocket.TextMessage, payload)
}

func (c *Client) write(frame int, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(frame, payload); err != nil {
		c.log.Debug("websocket write failed", "frame", frame, "error", err)
		c.Close()
		return err
	}
	return nil
}

// Serve blocks until the peer disconnects or stops answering pings.
// Inbound messages are discarded; subscribers only listen.
func (c *Client) Serve() {
	c.conn.SetReadLimit(maxReadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.keepalive()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close terminates the connection. It is safe to call more than once.
func (c *Client) Close() {
	c.closed.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
