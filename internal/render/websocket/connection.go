package websocket

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
)

const (
	sendChSize   = 4096
	maxReconnect = 10
	maxBackoff   = 30 * time.Second
	writeWait    = 10 * time.Second
	closeWait    = 2 * time.Second
)

// connection manages a WebSocket connection with a single write goroutine.
type connection struct {
	mu      sync.Mutex
	writeMu sync.Mutex // gorilla allows one concurrent writer
	conn    *ws.Conn
	sendCh  chan []byte
	done    chan struct{} // closed on shutdown
	flushed chan struct{} // closed by the write loop after the close frame
	closed  bool

	wsURL  string
	secret string

	// onMessage receives every frame read from the rendering client.
	onMessage func([]byte)
	// replay rebuilds the surface state after a reconnect.
	replay func() [][]byte

	initialBackoff time.Duration

	logger *slog.Logger
}

func newConnection(logger *slog.Logger, onMessage func([]byte), replay func() [][]byte) *connection {
	return &connection{
		sendCh:         make(chan []byte, sendChSize),
		done:           make(chan struct{}),
		flushed:        make(chan struct{}),
		onMessage:      onMessage,
		replay:         replay,
		initialBackoff: time.Second,
		logger:         logger,
	}
}

// dial connects to the rendering client and starts read/write loops.
func (c *connection) dial(rawURL, secret string) error {
	c.wsURL = rawURL
	c.secret = secret

	conn, err := c.dialOnce()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.writeLoop()
	go c.readLoop()

	return nil
}

// dialOnce performs a single WebSocket dial with the secret query param.
func (c *connection) dialOnce() (*ws.Conn, error) {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	if c.secret != "" {
		q := u.Query()
		q.Set("secret", c.secret)
		u.RawQuery = q.Encode()
	}

	conn, _, err := ws.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

// writeLoop drains sendCh and writes messages to the WebSocket.
// Only one writeLoop runs at a time; it returns on error or shutdown.
func (c *connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendCh:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				continue
			}

			if data == nil {
				c.writeMu.Lock()
				_ = conn.WriteMessage(
					ws.CloseMessage,
					ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
				)
				c.writeMu.Unlock()
				close(c.flushed)
				return
			}

			if err := c.write(conn, data); err != nil {
				c.logger.Warn("WebSocket write error", "error", err)
				go c.reconnect()
				return
			}
		}
	}
}

func (c *connection) write(conn *ws.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(ws.TextMessage, data)
}

// readLoop hands incoming frames to onMessage.
func (c *connection) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.logger.Warn("WebSocket read error", "error", err)
			go c.reconnect()
			return
		}

		if c.onMessage != nil {
			c.onMessage(message)
		}
	}
}

// reconnect re-establishes the connection with exponential backoff, replays
// the surface state and restarts the read/write loops.
func (c *connection) reconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	backoff := c.initialBackoff
	for attempt := 1; attempt <= maxReconnect; attempt++ {
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		c.logger.Info("Reconnecting to rendering client", "attempt", attempt, "backoff", backoff)

		conn, err := c.dialOnce()
		if err != nil {
			c.logger.Warn("Reconnect dial failed", "attempt", attempt, "error", err)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		if c.replay != nil {
			if err := c.replayOn(conn); err != nil {
				c.logger.Warn("Failed to replay surface state after reconnect", "error", err)
				_ = conn.Close()
				continue
			}
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.logger.Info("Rendering client reconnected", "attempt", attempt)
		go c.writeLoop()
		go c.readLoop()
		return
	}

	c.logger.Error("Rendering client reconnect failed after max attempts", "maxAttempts", maxReconnect)
}

func (c *connection) replayOn(conn *ws.Conn) error {
	for _, data := range c.replay() {
		if err := c.write(conn, data); err != nil {
			return err
		}
	}
	return nil
}

// send pushes data to the write loop. Non-blocking; drops if channel full
// or the connection is closed.
func (c *connection) send(data []byte) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	select {
	case c.sendCh <- data:
	default:
		c.logger.Warn("WebSocket send channel full, dropping message")
	}
}

// close flushes queued messages through the write loop, sends a WebSocket
// close frame and shuts down all goroutines.
func (c *connection) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		// nil is the shutdown sentinel; everything queued before it is written first.
		select {
		case c.sendCh <- nil:
			select {
			case <-c.flushed:
			case <-time.After(closeWait):
			}
		case <-time.After(closeWait):
		}
	}

	close(c.done)

	c.mu.Lock()
	conn = c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
