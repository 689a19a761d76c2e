package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"chat-broker/internal/broker"
	"chat-broker/pkg/logger"
	"chat-broker/pkg/models"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second

	// DefaultIdleTimeout is used when NewClient gets no idle timeout.
	DefaultIdleTimeout = 60 * time.Second
)

// Dispatcher is the broker side of a connection.
type Dispatcher interface {
	Handle(ctx context.Context, sessionID string, env models.Envelope)
	Touch(sessionID string)
	Close(sessionID string)
}

// Client adapts one websocket connection to a broker session. Frames go out
// through a bounded queue drained by WritePump.
type Client struct {
	conn          *websocket.Conn
	send          chan models.Envelope
	maxFrameBytes int64
	pongWait      time.Duration
	pingPeriod    time.Duration

	mu     sync.Mutex
	closed bool

	sessionID  string
	dispatcher Dispatcher
}

// NewClient wraps conn. idleTimeout must match the broker's idle timeout: the
// read deadline is set to it and pings go out at 9/10 of it, so a healthy
// peer's pong always touches the session before the broker reaps it.
func NewClient(conn *websocket.Conn, bufferSize int, maxFrameBytes int64, idleTimeout time.Duration) *Client {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Client{
		conn:          conn,
		send:          make(chan models.Envelope, bufferSize),
		maxFrameBytes: maxFrameBytes,
		pongWait:      idleTimeout,
		pingPeriod:    (idleTimeout * 9) / 10,
	}
}

// Bind attaches the session the client feeds. Must be called before the pumps start.
func (c *Client) Bind(sessionID string, d Dispatcher) {
	c.sessionID = sessionID
	c.dispatcher = d
}

// Enqueue never blocks. Frames for a closed client are dropped.
func (c *Client) Enqueue(env models.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// Close stops the outbound queue; WritePump flushes what is queued and sends
// a close frame.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.dispatcher.Close(c.sessionID)
		c.conn.Close()
	}()

	if c.maxFrameBytes > 0 {
		c.conn.SetReadLimit(c.maxFrameBytes)
	}

	// Set read deadline and pong handler for connection health
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		c.dispatcher.Touch(c.sessionID)
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket error on session %s: %v", c.sessionID, err)
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Debug("Malformed frame on session %s: %v", c.sessionID, err)
			c.Enqueue(models.Envelope{
				Type:      models.MessageTypeError,
				Code:      broker.CodeInvalidPayload,
				Reason:    "malformed frame",
				Timestamp: time.Now(),
			})
			continue
		}

		c.dispatcher.Handle(ctx, c.sessionID, env)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			data, err := json.Marshal(env)
			if err != nil {
				logger.Error("Error marshaling %s frame: %v", env.Type, err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Error("Write error on session %s: %v", c.sessionID, err)
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
