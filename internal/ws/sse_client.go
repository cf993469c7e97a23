package ws

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SSEClient streams Server-Sent Events over an HTTP response writer.
type SSEClient struct {
	id      string
	writer  io.Writer
	flusher http.Flusher
	log     *slog.Logger
	send    chan []byte
	done    chan struct{}
	once    sync.Once

	mu   sync.Mutex
	last time.Time
}

// NewSSEClient builds an SSE client instance.
func NewSSEClient(writer io.Writer, flusher http.Flusher, logger *slog.Logger, backlog int) *SSEClient {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &SSEClient{
		id:      uuid.NewString(),
		writer:  writer,
		flusher: flusher,
		log:     logger,
		send:    make(chan []byte, backlog),
		done:    make(chan struct{}),
		last:    time.Now().UTC(),
	}
}

// ID identifies the stream.
func (c *SSEClient) ID() string {
	return c.id
}

// Send queues a data event without blocking.
func (c *SSEClient) Send(payload []byte) error {
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

// Serve writes queued events and heartbeat comments until ctx ends or the
// client is closed. It must run on the request goroutine.
func (c *SSEClient) Serve(ctx context.Context, heartbeat time.Duration) error {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case payload := <-c.send:
			if err := c.write("data: %s\n\n", payload); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.write(": ping\n\n"); err != nil {
				return err
			}
		}
	}
}

func (c *SSEClient) write(format string, args ...any) error {
	if _, err := fmt.Fprintf(c.writer, format, args...); err != nil {
		c.log.Warn("sse send failed", "client", c.id, "error", err)
		return err
	}
	c.flusher.Flush()
	c.mu.Lock()
	c.last = time.Now().UTC()
	c.mu.Unlock()
	return nil
}

// Close marks the stream as closed.
func (c *SSEClient) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// lastActivity reports the timestamp of the most recent successful write.
func (c *SSEClient) lastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
