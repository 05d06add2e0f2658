package mcs

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/1ureka/pushtun/internal/util"
	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"
)

// Defaults.
const (
	DefaultAddr              = "mtalk.google.com:5228"
	DefaultHeartbeatInterval = 4 * time.Minute
	DefaultReconnectDelay    = 5 * time.Second

	dialTimeout    = 10 * time.Second
	readGrace      = 30 * time.Second
	readBufferSize = 8192
)

var errRemoteClose = errors.New("relay sent Close")

// Handler receives parsed data messages.
type Handler interface {
	HandleDataMessage(msg *DataMessage)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(msg *DataMessage)

func (f HandlerFunc) HandleDataMessage(msg *DataMessage) { f(msg) }

// Options configures a Client. Zero values take the defaults.
type Options struct {
	Addr              string
	Dial              func(ctx context.Context, addr string) (net.Conn, error)
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	ClientID          string
	OnStateChange     func(State)
}

func (o *Options) applyDefaults() {
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}
	if o.Dial == nil {
		o.Dial = dialTLS
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.ClientID == "" {
		o.ClientID = DefaultClientID
	}
}

func dialTLS(ctx context.Context, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	d := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: dialTimeout},
		Config:    &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12},
	}
	return d.DialContext(ctx, "tcp", addr)
}

// Client keeps one persistent connection to the push relay alive, reconnecting
// forever after faults, and hands every data message to its Handler.
type Client struct {
	creds   Credentials
	handler Handler
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once

	mu       sync.Mutex
	state    State
	stopping bool // set by Stop; afterwards only Stop moves the state
	cur      *connection

	// Persistent ids awaiting a selective ack. Kept across reconnects.
	ackMu sync.Mutex
	acks  []string
}

// connection is the per-dial state. Counters start at zero on every dial.
type connection struct {
	conn net.Conn

	mu     sync.Mutex // serialises writes and guards the counters
	out    int
	lastIn int
}

// NewClient creates a stopped client.
func NewClient(creds Credentials, handler Handler, opts Options) *Client {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		creds:   creds,
		handler: handler,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the connect loop. Calling it more than once has no effect.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.loop()
	})
}

// Stop cancels the session, closes the live connection and waits for every
// task to exit.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopping = true
		c.mu.Unlock()
		c.transition(StateClosing, true)
		c.cancel()
		c.mu.Lock()
		if c.cur != nil {
			c.cur.conn.Close()
		}
		c.mu.Unlock()
		c.wg.Wait()
		c.transition(StateDisconnected, true)
	})
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Counters returns the outgoing and last received stream counters of the
// current connection, or zeros when none is open.
func (c *Client) Counters() (out, lastIn int) {
	c.mu.Lock()
	cn := c.cur
	c.mu.Unlock()
	if cn == nil {
		return 0, 0
	}
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.out, cn.lastIn
}

func (c *Client) setState(s State) {
	c.transition(s, false)
}

// transition records s unless Stop has begun and the caller is not Stop.
func (c *Client) transition(s State, fromStop bool) {
	c.mu.Lock()
	if (c.stopping && !fromStop) || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	util.LogDebug("[mcs] state → %s", s)
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

func (c *Client) setConn(cn *connection) {
	c.mu.Lock()
	c.cur = cn
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Connect loop
// ---------------------------------------------------------------------------

func (c *Client) loop() {
	defer c.wg.Done()

	b := &backoff.Backoff{
		Min:    c.opts.ReconnectDelay,
		Max:    c.opts.ReconnectDelay,
		Factor: 1,
	}

	for {
		err := c.runConnection(c.ctx)
		if c.ctx.Err() != nil {
			return
		}

		c.setState(StateFaulted)
		delay := b.Duration()
		util.LogWarning("[mcs] connection lost: %v (reconnecting in %s)", err, delay)
		c.setState(StateDisconnected)

		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return
		}
	}
}

// runConnection dials, logs in and serves one connection until it fails or
// ctx is cancelled.
func (c *Client) runConnection(ctx context.Context) error {
	c.setConn(nil)
	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := c.opts.Dial(dialCtx, c.opts.Addr)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.Addr, err)
	}

	cn := &connection{conn: conn}
	c.setConn(cn)
	defer c.setConn(nil)
	util.LogInfo("[mcs] connected to %s", c.opts.Addr)

	g, gctx := errgroup.WithContext(ctx)

	// Closing the socket is what unblocks the read loop.
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return nil
	})

	g.Go(func() error {
		c.setState(StateAwaitingLoginAck)
		login := BuildLoginRequest(c.opts.ClientID, c.creds)
		if err := cn.write(TagLoginRequest, login); err != nil {
			return fmt.Errorf("send login: %w", err)
		}
		return c.readLoop(gctx, cn)
	})

	g.Go(func() error {
		return c.heartbeatLoop(gctx, cn)
	})

	return g.Wait()
}

func (c *Client) readLoop(ctx context.Context, cn *connection) error {
	r := NewReader()
	buf := make([]byte, readBufferSize)

	for {
		cn.conn.SetReadDeadline(time.Now().Add(c.opts.HeartbeatInterval + readGrace))
		n, err := cn.conn.Read(buf)

		if n > 0 {
			r.Feed(buf[:n])
			for {
				msg, ok, perr := r.Next()
				if perr != nil {
					return perr
				}
				if !ok {
					break
				}
				if herr := c.handleMessage(cn, msg); herr != nil {
					return herr
				}
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return errors.New("relay closed the connection")
			}
			return fmt.Errorf("read: %w", err)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, cn *connection) error {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if c.State() != StateLive {
				continue
			}
			if err := c.sendPing(cn); err != nil {
				return err
			}
			if err := c.flushAcks(cn); err != nil {
				return err
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Inbound dispatch
// ---------------------------------------------------------------------------

// handleMessage reacts to one inbound record. A returned error tears the
// connection down.
func (c *Client) handleMessage(cn *connection, msg Message) error {
	lastIn := cn.received()

	switch msg.Tag {
	case TagLoginResponse:
		resp, err := ParseLoginResponse(msg.Body)
		if err != nil {
			return err
		}
		if err := resp.Err(); err != nil {
			return err
		}
		util.LogSuccess("[mcs] login accepted (stream %d)", lastIn)
		c.setState(StateLive)
		if err := c.sendPing(cn); err != nil {
			return err
		}
		return c.flushAcks(cn)

	case TagHeartbeatPing:
		util.LogDebug("[mcs] heartbeat ping received")
		return cn.write(TagHeartbeatAck, BuildHeartbeatAck(lastIn))

	case TagHeartbeatAck:
		util.LogDebug("[mcs] heartbeat ack received")
		return nil

	case TagClose:
		util.LogWarning("[mcs] relay sent Close")
		return errRemoteClose

	case TagIqStanza:
		iq, err := ParseIqStanza(msg.Body)
		if err != nil {
			util.LogWarning("[mcs] dropping iq: %v", err)
			return nil
		}
		util.LogDebug("[mcs] iq type=%d id=%q ext=%d", iq.Type, iq.ID, iq.ExtensionID)
		if !iq.NeedsResult() {
			return nil
		}
		return cn.write(TagIqStanza, BuildIqResult(iq))

	case TagDataMessageStanza:
		dm, err := ParseDataMessage(msg.Body)
		if err != nil {
			util.LogWarning("[mcs] dropping data message: %v", err)
			return nil
		}
		if dm.PersistentID != "" {
			c.ackMu.Lock()
			c.acks = append(c.acks, dm.PersistentID)
			c.ackMu.Unlock()
			if err := c.flushAcks(cn); err != nil {
				return err
			}
		}
		if c.handler != nil {
			c.handler.HandleDataMessage(dm)
		}
		return nil

	default:
		util.LogDebug("[mcs] ignoring %s (%d bytes)", TagName(msg.Tag), len(msg.Body))
		return nil
	}
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

func (c *Client) sendPing(cn *connection) error {
	out, lastIn := cn.counters()
	util.LogDebug("[mcs] heartbeat ping (out=%d, lastIn=%d)", out, lastIn)
	return cn.write(TagHeartbeatPing, BuildHeartbeatPing(out, lastIn))
}

// flushAcks sends every pending persistent id in one selective ack. Ids stay
// queued if the write fails.
func (c *Client) flushAcks(cn *connection) error {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	if len(c.acks) == 0 {
		return nil
	}

	out, _ := cn.counters()
	body := BuildSelectiveAck(fmt.Sprintf("ack-%d", out+1), c.acks)
	if err := cn.write(TagIqStanza, body); err != nil {
		return fmt.Errorf("send selective ack: %w", err)
	}
	util.LogDebug("[mcs] acked %d message(s)", len(c.acks))
	c.acks = nil
	return nil
}

// write frames and sends one record. The first record on a connection
// carries the version byte. The outgoing counter counts successful writes.
func (cn *connection) write(tag byte, body []byte) error {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	frame := EncodeMessage(tag, body, cn.out == 0)
	if _, err := cn.conn.Write(frame); err != nil {
		return fmt.Errorf("write %s: %w", TagName(tag), err)
	}
	cn.out++
	return nil
}

func (cn *connection) received() int {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.lastIn++
	return cn.lastIn
}

func (cn *connection) counters() (out, lastIn int) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.out, cn.lastIn
}
