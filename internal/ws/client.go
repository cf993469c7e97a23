package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 4096
	defaultBacklog = 256
)

var (
	// ErrQueueFull means the subscriber fell too far behind.
	ErrQueueFull = errors.New("subscriber queue full")
	// ErrClosed means the subscriber has disconnected.
	ErrClosed = errors.New("subscriber closed")
)

// Client represents a websocket client connection. Writes go through a
// bounded queue drained by WritePump.
type Client struct {
	id   string
	conn *websocket.Conn
	log  *slog.Logger
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewClient constructs a client wrapper with room for backlog pending frames.
func NewClient(conn *websocket.Conn, logger *slog.Logger, backlog int) *Client {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		log:  logger,
		send: make(chan []byte, backlog),
		done: make(chan struct{}),
	}
}

// ID identifies the connection.
func (c *Client) ID() string {
	return c.id
}

// Send queues a frame without blocking.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrQueueFull
	}
}

// WritePump drains the queue to the socket and keeps the connection alive
// with pings. It owns the socket: it returns, closing it, when the client
// closes or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Warn("websocket send failed", "client", c.id, "error", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// ReadPump hands every inbound text frame to handle until the peer goes
// away.
func (c *Client) ReadPump(handle func([]byte)) error {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				return err
			}
			return nil
		}
		handle(msg)
	}
}

// Close stops the client; WritePump sends a close frame and releases the
// socket. It is safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}
