package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Message is the exchange's websocket envelope.
type Message struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type subscription struct {
	Type string `json:"type"`
	Coin string `json:"coin,omitempty"`
}

type request struct {
	Method       string        `json:"method"`
	Subscription *subscription `json:"subscription,omitempty"`
}

// Handler consumes the raw payload of one channel.
type Handler func(data json.RawMessage)

// Client maintains one websocket connection to the exchange's streaming
// endpoint. It tracks its subscriptions so a reconnect can replay them, and
// exposes Heartbeat/Reconnect in the shape the health supervisor consumes.
type Client struct {
	url string
	log *zap.SugaredLogger

	mu       sync.RWMutex
	conn     *websocket.Conn
	handlers map[string]Handler
	subs     []subscription

	writeMu sync.Mutex
	pong    chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewClient(url string, logger *zap.SugaredLogger) *Client {
	return &Client{
		url:      url,
		log:      logger,
		handlers: make(map[string]Handler),
		pong:     make(chan struct{}, 1),
	}
}

// RegisterHandler routes payloads for one channel ("allMids", "trades", ...).
// Register before Connect; handlers run on the read loop goroutine.
func (c *Client) RegisterHandler(channel string, h Handler) {
	c.mu.Lock()
	c.handlers[channel] = h
	c.mu.Unlock()
}

// Connect dials the endpoint and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("websocket connection failed: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(loopCtx, conn)

	c.log.Infow("stream_connected", "url", c.url)
	return nil
}

// Subscribe requests one feed and remembers it for replay after reconnect.
func (c *Client) Subscribe(feedType, coin string) error {
	sub := subscription{Type: feedType, Coin: coin}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	return c.write(request{Method: "subscribe", Subscription: &sub})
}

// Heartbeat sends a ping and blocks until the matching pong arrives or the
// context expires. No acknowledgment means the connection is dead even if the
// TCP socket still looks open.
func (c *Client) Heartbeat(ctx context.Context) error {
	// Drain a stale pong so we only accept one that answers this ping.
	select {
	case <-c.pong:
	default:
	}

	if err := c.write(request{Method: "ping"}); err != nil {
		return err
	}

	select {
	case <-c.pong:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("heartbeat not acknowledged: %w", ctx.Err())
	}
}

// Reconnect tears down the current connection, dials again and replays the
// recorded subscriptions.
func (c *Client) Reconnect(ctx context.Context) error {
	c.closeConn()

	if err := c.Connect(ctx); err != nil {
		return err
	}

	c.mu.RLock()
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.RUnlock()

	for _, sub := range subs {
		if err := c.write(request{Method: "subscribe", Subscription: &sub}); err != nil {
			return fmt.Errorf("failed to resubscribe %s/%s: %w", sub.Type, sub.Coin, err)
		}
	}
	return nil
}

// Close shuts the connection down and waits for the read loop.
func (c *Client) Close() {
	c.closeConn()
	c.wg.Wait()
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	c.conn = nil
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) write(v any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("stream not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warnw("stream_read_error", "err", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Warnw("stream_bad_message", "err", err)
			continue
		}

		if msg.Channel == "pong" {
			select {
			case c.pong <- struct{}{}:
			default:
			}
			continue
		}

		c.mu.RLock()
		handler := c.handlers[msg.Channel]
		c.mu.RUnlock()
		if handler != nil {
			handler(msg.Data)
		}
	}
}
