package session

import (
	"net"
	"sync"
	"sync/atomic"
)

// Kind distinguishes channels opened by the remote peer from channels
// opened by the local front end.
type Kind uint8

const (
	// KindRelay channels own a TCP connection dialed on the remote's behalf.
	KindRelay Kind = iota
	// KindLocal channels were opened through the front-end API and wait for
	// the remote to acknowledge them.
	KindLocal
)

func (k Kind) String() string {
	if k == KindLocal {
		return "local"
	}
	return "relay"
}

// Channel is one multiplexed TCP stream inside a session.
type Channel struct {
	ID   uint16
	Kind Kind
	Conn net.Conn // relay channels only

	alive     atomic.Bool
	closeOnce sync.Once

	// Local channels resolve exactly once when the remote answers the CONNECT.
	resolveOnce sync.Once
	result      chan bool
}

// NewRelayChannel wraps an established connection.
func NewRelayChannel(id uint16, conn net.Conn) *Channel {
	ch := &Channel{ID: id, Kind: KindRelay, Conn: conn}
	ch.alive.Store(true)
	return ch
}

// NewLocalChannel creates a channel awaiting the remote's answer.
func NewLocalChannel(id uint16) *Channel {
	ch := &Channel{ID: id, Kind: KindLocal, result: make(chan bool, 1)}
	ch.alive.Store(true)
	return ch
}

// Alive reports whether Close has not been called yet.
func (c *Channel) Alive() bool {
	return c.alive.Load()
}

// Close marks the channel dead and closes its connection. Safe to call
// more than once; only the first call closes the socket.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		if c.Conn != nil {
			err = c.Conn.Close()
		}
		c.Resolve(false)
	})
	return err
}

// Resolve records the remote's answer to a local open. Later calls are
// ignored. It is a no-op on relay channels.
func (c *Channel) Resolve(accepted bool) bool {
	if c.result == nil {
		return false
	}
	resolved := false
	c.resolveOnce.Do(func() {
		c.result <- accepted
		resolved = true
	})
	return resolved
}

// Result delivers the remote's answer to a local open.
func (c *Channel) Result() <-chan bool {
	return c.result
}
