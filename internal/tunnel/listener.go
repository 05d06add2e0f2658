package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/1ureka/pushtun/internal/util"
)

// forwardReadSize is the read buffer for accepted local connections.
const forwardReadSize = 16 * 1024

// ListenAndForward accepts TCP connections on listenAddr and tunnels each
// one to target on the remote side. It takes over the engine's callbacks
// and blocks until ctx is cancelled.
func ListenAndForward(ctx context.Context, e *Engine, listenAddr, target string) error {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
	}
	return NewForwarder(e).Serve(ctx, listener, target)
}

// Serve accepts connections on listener and tunnels each one to target.
// Several listeners may share one Forwarder. It blocks until ctx is
// cancelled or Accept fails.
func (f *Forwarder) Serve(ctx context.Context, listener net.Listener, target string) error {
	// Close the listener when context is done so Accept() returns an error.
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	util.LogInfo("forwarding %s → remote %s", listener.Addr(), target)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				f.closeAll()
				return nil
			default:
				return fmt.Errorf("accept error: %w", err)
			}
		}

		util.LogInfo("new connection from %s", conn.RemoteAddr())
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.serve(ctx, conn, target)
		}()
	}
}

// Forwarder maps channel ids to accepted local connections. Traffic that
// arrives between the remote's ACK and the mapping being installed is held
// until the connection is attached.
type Forwarder struct {
	e *Engine

	mu    sync.Mutex
	conns map[uint16]net.Conn
	early map[uint16]*earlyTraffic
}

type earlyTraffic struct {
	data   [][]byte
	closed bool
}

// NewForwarder creates a forwarder and registers it as the engine's
// front end.
func NewForwarder(e *Engine) *Forwarder {
	f := &Forwarder{
		e:     e,
		conns: make(map[uint16]net.Conn),
		early: make(map[uint16]*earlyTraffic),
	}
	e.RegisterCallbacks(Callbacks{OnData: f.onData, OnClose: f.onClose})
	return f
}

func (f *Forwarder) serve(ctx context.Context, conn net.Conn, target string) {
	id, err := f.e.Open(ctx, target)
	if err != nil {
		util.LogWarning("open %s: %v", target, err)
		conn.Close()
		return
	}
	if !f.attach(id, conn) {
		return
	}
	defer f.detach(id, conn)

	buf := make([]byte, forwardReadSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if serr := f.e.Send(id, buf[:n]); serr != nil {
				if errors.Is(serr, ErrUnknownChannel) {
					return
				}
				util.LogWarning("[ch %04x] send: %v", id, serr)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				util.LogWarning("[ch %04x] read error: %v", id, err)
			}
			f.e.Close(id)
			return
		}
	}
}

// attach installs conn for id and replays traffic that beat it here. It
// reports false if the remote already closed the channel.
func (f *Forwarder) attach(id uint16, conn net.Conn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	pending := f.early[id]
	delete(f.early, id)
	if pending != nil {
		for _, b := range pending.data {
			if _, err := conn.Write(b); err != nil {
				break
			}
		}
		if pending.closed {
			conn.Close()
			return false
		}
	}
	f.conns[id] = conn
	return true
}

func (f *Forwarder) detach(id uint16, conn net.Conn) {
	f.mu.Lock()
	if f.conns[id] == conn {
		delete(f.conns, id)
	}
	delete(f.early, id)
	f.mu.Unlock()
	conn.Close()
}

func (f *Forwarder) onData(id uint16, data []byte) {
	f.mu.Lock()
	conn, ok := f.conns[id]
	if !ok {
		e := f.earlyFor(id)
		e.data = append(e.data, data)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	if _, err := conn.Write(data); err != nil {
		util.LogWarning("[ch %04x] write error: %v", id, err)
		f.e.Close(id)
		conn.Close()
	}
}

func (f *Forwarder) onClose(id uint16) {
	f.mu.Lock()
	conn, ok := f.conns[id]
	if !ok {
		f.earlyFor(id).closed = true
		f.mu.Unlock()
		return
	}
	delete(f.conns, id)
	f.mu.Unlock()
	conn.Close()
}

func (f *Forwarder) earlyFor(id uint16) *earlyTraffic {
	e, ok := f.early[id]
	if !ok {
		e = &earlyTraffic{}
		f.early[id] = e
	}
	return e
}

func (f *Forwarder) closeAll() {
	f.mu.Lock()
	conns := f.conns
	f.conns = make(map[uint16]net.Conn)
	f.mu.Unlock()
	for id, conn := range conns {
		f.e.Close(id)
		conn.Close()
	}
}
