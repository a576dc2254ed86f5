package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/agentd/internal/protocol"
)

const writeTimeout = 10 * time.Second

// Conn is one client websocket acting as a session sink. Frames are queued by
// Send and written by a single background writer, so the emitter never waits
// on the network.
type Conn struct {
	ws     *websocket.Conn
	out    *outbox
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newConn(ctx context.Context, ws *websocket.Conn, threshold int, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &Conn{
		ws:     ws,
		out:    newOutbox(threshold),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	c.wg.Add(1)
	go c.writeLoop()
	return c
}

// Send queues a frame for delivery.
func (c *Conn) Send(f protocol.Frame) {
	c.out.push(f)
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.out.notify:
		}

		for _, f := range c.out.take() {
			if err := c.write(f); err != nil {
				if c.ctx.Err() == nil {
					c.logger.Warn("WebSocket write error", "error", err)
				}
				c.cancel()
				return
			}
		}
	}
}

func (c *Conn) write(f protocol.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Done is closed when the connection stops writing.
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// flush writes whatever is still queued. Used before a normal close so the
// last events reach the client.
func (c *Conn) flush(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if queued, _ := c.out.stats(); queued == 0 || c.ctx.Err() != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Terminate disconnects the client after its session was deleted.
func (c *Conn) Terminate(reason string) {
	c.Close(websocket.StatusNormalClosure, reason)
}

// Close stops the writer and closes the websocket with reason.
func (c *Conn) Close(status websocket.StatusCode, reason string) {
	c.once.Do(func() {
		c.cancel()
		c.wg.Wait()
		c.out.close()
		if _, coalesced := c.out.stats(); coalesced > 0 {
			c.logger.Debug("Coalesced response deltas", "count", coalesced)
		}
		if err := c.ws.Close(status, reason); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Debug("Failed to close websocket", "error", err)
		}
	})
}
