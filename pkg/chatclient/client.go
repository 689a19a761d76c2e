package chatclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"chat-broker/pkg/logger"
	"chat-broker/pkg/models"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

var ErrClosed = errors.New("connection closed")

// Client is a websocket connection to the broker. It implements Sender and
// routes incoming frames to a Store and an Aggregator.
type Client struct {
	conn *websocket.Conn
	send chan models.Envelope
	done chan struct{}

	wmu sync.Mutex // gorilla allows one concurrent writer

	mu        sync.Mutex
	store     *Store
	agg       *Aggregator
	onFrame   func(models.Envelope)
	closeOnce sync.Once
}

// Dial connects to baseURL (http or ws scheme) and authenticates with token.
func Dial(ctx context.Context, baseURL, token string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"token": {token}}.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", u.Host, err)
	}

	c := &Client{
		conn: conn,
		send: make(chan models.Envelope, 64),
		done: make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

// Route sets where incoming frames go. Either argument may be nil.
func (c *Client) Route(store *Store, agg *Aggregator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = store
	c.agg = agg
}

// OnFrame registers a hook that sees every incoming frame after routing.
func (c *Client) OnFrame(fn func(models.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrame = fn
}

func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) enqueue(ctx context.Context, env models.Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) SendMessage(ctx context.Context, channelID, body, correlationID string) error {
	return c.enqueue(ctx, models.Envelope{Type: models.MessageTypeSend, ChannelID: channelID, Body: body, CorrelationID: correlationID})
}

func (c *Client) Join(ctx context.Context, channelIDs ...string) error {
	return c.enqueue(ctx, models.Envelope{Type: models.MessageTypeJoin, ChannelIDs: channelIDs})
}

func (c *Client) Leave(ctx context.Context, channelID string) error {
	return c.enqueue(ctx, models.Envelope{Type: models.MessageTypeLeave, ChannelID: channelID})
}

func (c *Client) StartTyping(ctx context.Context, channelID string) error {
	return c.enqueue(ctx, models.Envelope{Type: models.MessageTypeTypingStart, ChannelID: channelID})
}

func (c *Client) StopTyping(ctx context.Context, channelID string) error {
	return c.enqueue(ctx, models.Envelope{Type: models.MessageTypeTypingStop, ChannelID: channelID})
}

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	c.shutdown()
	return nil
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.wmu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.wmu.Unlock()
		c.conn.Close()
	})
}

func (c *Client) readLoop() {
	defer func() {
		c.shutdown()
		c.mu.Lock()
		store := c.store
		c.mu.Unlock()
		if store != nil {
			store.FailPending("connection lost")
		}
	}()

	for {
		var env models.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("Broker connection ended: %v", err)
			}
			return
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env models.Envelope) {
	c.mu.Lock()
	store, agg, onFrame := c.store, c.agg, c.onFrame
	c.mu.Unlock()

	switch env.Type {
	case models.MessageTypeNew, models.MessageTypeAck:
		if store != nil {
			store.OnConfirmed(env.Message, env.CorrelationID)
		}
	case models.MessageTypeError:
		if store != nil && env.CorrelationID != "" {
			store.OnBrokerError(env.CorrelationID, env.Reason)
		}
	}
	if agg != nil {
		agg.Apply(env)
	}
	if onFrame != nil {
		onFrame(env)
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			c.wmu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteJSON(env)
			c.wmu.Unlock()
			if err != nil {
				logger.Debug("Write to broker failed: %v", err)
				c.shutdown()
				return
			}
		}
	}
}
