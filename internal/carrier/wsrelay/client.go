package wsrelay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/1ureka/pushtun/internal/util"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

// DefaultReconnectDelay is the fixed wait between connection attempts.
const DefaultReconnectDelay = 5 * time.Second

var ErrNotConnected = errors.New("wsrelay: not connected")

// MessageHandler receives the data of every inbound message.
type MessageHandler interface {
	HandleMessage(data map[string]string)
}

// HandlerFunc adapts a function to MessageHandler.
type HandlerFunc func(data map[string]string)

func (f HandlerFunc) HandleMessage(data map[string]string) { f(data) }

// ClientOptions configures a Client.
type ClientOptions struct {
	URL            string // hub base URL, e.g. ws://127.0.0.1:8080
	Token          string // this client's address
	Peer           string // recipient of SendData
	Key            string
	ReconnectDelay time.Duration
}

// Client is a carrier endpoint on the hub. It sends to one peer and hands
// every received message to its handler, reconnecting until Run's context
// ends.
type Client struct {
	opts    ClientOptions
	handler MessageHandler

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient creates a disconnected client.
func NewClient(opts ClientOptions, handler MessageHandler) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	return &Client{opts: opts, handler: handler}
}

// SendData implements transport.Sender.
func (c *Client) SendData(ctx context.Context, data map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return c.conn.WriteJSON(Message{To: c.opts.Peer, Data: data})
}

// Connected reports whether a hub connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run keeps a connection to the hub until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	b := &backoff.Backoff{Min: c.opts.ReconnectDelay, Max: c.opts.ReconnectDelay, Factor: 1}
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		delay := b.Duration()
		util.LogWarning("[wsrelay] %v (reconnecting in %s)", err, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to WS server: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	util.LogInfo("[wsrelay] connected as %s", short(c.opts.Token))

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if c.handler != nil && len(msg.Data) > 0 {
			c.handler.HandleMessage(msg.Data)
		}
	}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("hub url: %w", err)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = Path
	}
	q := u.Query()
	q.Set("token", c.opts.Token)
	if c.opts.Key != "" {
		q.Set("key", c.opts.Key)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
