// ABOUTME: WebSocket Channel adapter using gorilla/websocket
// ABOUTME: JSON event frames with write deadlines and ping/pong keepalive

package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds how long a single frame write may take.
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong before giving up on the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// WSChannel adapts a websocket connection to the Channel interface.
type WSChannel struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	recvMu   sync.Mutex
	receiver Receiver

	closeMu sync.Mutex
	closed  bool
	done    chan struct{}
}

// NewWSChannel wraps an upgraded websocket connection and starts its read
// and keepalive loops. Pass nil logger for the default.
func NewWSChannel(conn *websocket.Conn, logger *slog.Logger) *WSChannel {
	if logger == nil {
		logger = slog.Default()
	}
	c := &WSChannel{
		conn:   conn,
		logger: logger.With("component", "ws-channel"),
		done:   make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readLoop()
	go c.pingLoop()
	return c
}

// Deliver writes an event frame to the peer.
func (c *WSChannel) Deliver(ctx context.Context, ev *Event) error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return ErrClosed
	}
	c.closeMu.Unlock()

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.shutdown()
		return ErrClosed
	}
	return nil
}

// Done is closed when the connection is torn down, however that happened.
func (c *WSChannel) Done() <-chan struct{} {
	return c.done
}

// OnReceive registers the consumer for inbound events.
func (c *WSChannel) OnReceive(r Receiver) {
	c.recvMu.Lock()
	c.receiver = r
	c.recvMu.Unlock()
}

func (c *WSChannel) readLoop() {
	defer c.shutdown()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("dropping malformed event frame", "error", err)
			continue
		}

		c.recvMu.Lock()
		r := c.receiver
		c.recvMu.Unlock()
		if r != nil {
			r(&ev)
		}
	}
}

func (c *WSChannel) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *WSChannel) shutdown() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
		c.conn.Close()
	}
}

// Close sends a close frame and tears down the connection.
// Safe to call multiple times.
func (c *WSChannel) Close() error {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	c.shutdown()
	return nil
}
