// Package adapter bridges tunnel channels opened by the remote peer to real
// TCP connections on this side. Each accepted CONNECT dials the requested
// target; bytes read from the socket travel back as DATA frames.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/1ureka/pushtun/internal/session"
	"github.com/1ureka/pushtun/internal/util"
)

// Tuning constants.
const (
	DefaultDialTimeout    = 10 * time.Second
	DefaultReadBufferSize = 16 * 1024 // bytes per DATA frame read from a relay socket
)

var ErrClosed = errors.New("relay manager closed")

// Options configures a Manager. Zero values take the defaults.
type Options struct {
	DialTimeout    time.Duration
	ReadBufferSize int
	Dial           func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Manager owns every relay socket and the pump goroutine reading it.
type Manager struct {
	opts Options

	mu     sync.Mutex
	live   map[*session.Channel]*session.Session
	closed bool
	wg     sync.WaitGroup
}

// NewManager creates an empty relay manager.
func NewManager(opts Options) *Manager {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = DefaultReadBufferSize
	}
	if opts.Dial == nil {
		d := &net.Dialer{}
		opts.Dial = d.DialContext
	}
	return &Manager{
		opts: opts,
		live: make(map[*session.Channel]*session.Session),
	}
}

// Open dials target and registers the connection as channel id of sess.
// On failure nothing is registered and the dial error is returned.
func (m *Manager) Open(ctx context.Context, sess *session.Session, id uint16, target string) error {
	dialCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	conn, err := m.opts.Dial(dialCtx, "tcp", target)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}

	ch := session.NewRelayChannel(id, conn)
	if err := sess.Add(ch); err != nil {
		conn.Close()
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sess.Remove(ch)
		ch.Close()
		return ErrClosed
	}
	m.live[ch] = sess
	m.wg.Add(1)
	m.mu.Unlock()

	util.LogInfo("[ch %04x] connected to %s", id, target)
	go m.pump(sess, ch)
	return nil
}

// Forward writes data to the relay socket behind id. Unknown ids are
// ignored. A failed write tears the channel down and tells the remote.
func (m *Manager) Forward(sess *session.Session, id uint16, data []byte) {
	ch, ok := sess.Get(id)
	if !ok || ch.Kind != session.KindRelay {
		return
	}
	if _, err := ch.Conn.Write(data); err != nil {
		util.LogWarning("[ch %04x] write error: %v", id, err)
		m.release(sess, ch)
	}
}

// Disconnect closes the relay socket behind id because the remote closed
// it. No DISCONNECT is sent back. Unknown ids are ignored.
func (m *Manager) Disconnect(sess *session.Session, id uint16) {
	ch, ok := sess.Get(id)
	if !ok || ch.Kind != session.KindRelay {
		return
	}
	if sess.Remove(ch) {
		ch.Close()
		util.LogInfo("[ch %04x] closed by remote", id)
	}
}

// Close shuts every relay socket and waits for their pumps to exit.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	var errs []error
	for ch, sess := range m.live {
		sess.Remove(ch)
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.mu.Unlock()

	m.wg.Wait()
	return errors.Join(errs...)
}

// Len returns the number of relay sockets still being pumped.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}
