package tunnel

import (
	"context"
	"sync"

	"github.com/1ureka/pushtun/internal/protocol"
	"github.com/1ureka/pushtun/internal/session"
	"github.com/1ureka/pushtun/internal/util"
)

// Relay opens and drives channels the remote peer asked for.
type Relay interface {
	Open(ctx context.Context, sess *session.Session, id uint16, target string) error
	Forward(sess *session.Session, id uint16, data []byte)
	Disconnect(sess *session.Session, id uint16)
}

// localSink receives traffic for channels opened through the front end.
type localSink interface {
	deliver(id uint16, data []byte)
	closed(id uint16)
}

// Dispatcher routes every inbound frame of one remote peer to the relay
// manager or to the front end, depending on who owns the channel. CONNECT
// dials run in their own goroutine so a slow target does not hold up the
// receive path.
type Dispatcher struct {
	ctx      context.Context
	identity string
	registry *session.Registry
	relay    Relay
	local    localSink

	mu         sync.Mutex
	connecting map[uint16]bool // id -> abandoned by the remote
	wg         sync.WaitGroup
}

// HandleFrame implements transport.FrameHandler.
func (d *Dispatcher) HandleFrame(f protocol.Frame) {
	sess := d.registry.GetOrCreate(d.identity)
	if sess == nil {
		return
	}

	switch f.Type {
	case protocol.TypeConnect:
		if !d.beginConnect(f.ChannelID) {
			util.LogWarning("[ch %04x] CONNECT while the id is still connecting", f.ChannelID)
			d.reply(sess, protocol.Frame{Type: protocol.TypeDisconnect, ChannelID: f.ChannelID})
			return
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.connect(sess, f)
		}()

	case protocol.TypeData:
		ch, ok := sess.Get(f.ChannelID)
		if !ok {
			util.LogDebug("[ch %04x] DATA for unknown channel, dropping", f.ChannelID)
			return
		}
		if ch.Kind == session.KindRelay {
			d.relay.Forward(sess, f.ChannelID, f.Payload)
		} else {
			d.local.deliver(f.ChannelID, f.Payload)
		}

	case protocol.TypeDisconnect:
		ch, ok := sess.Get(f.ChannelID)
		if !ok {
			d.abandonConnect(f.ChannelID)
			return
		}
		if ch.Kind == session.KindRelay {
			d.abandonConnect(f.ChannelID)
			d.relay.Disconnect(sess, f.ChannelID)
			return
		}
		if !sess.Remove(ch) {
			return
		}
		// A pending open is rejected; an established one is closed.
		pending := ch.Resolve(false)
		ch.Close()
		if pending {
			util.LogWarning("[ch %04x] open rejected by remote", f.ChannelID)
		} else {
			util.LogInfo("[ch %04x] closed by remote", f.ChannelID)
			d.local.closed(f.ChannelID)
		}

	case protocol.TypeAck:
		if ch, ok := sess.Get(f.ChannelID); ok && ch.Kind == session.KindLocal {
			ch.Resolve(true)
		}

	default:
		util.LogWarning("[ch %04x] unexpected frame %s", f.ChannelID, f.Type)
	}
}

// wait blocks until every in-flight CONNECT has finished.
func (d *Dispatcher) wait() {
	d.wg.Wait()
}

func (d *Dispatcher) beginConnect(id uint16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.connecting[id]; busy {
		return false
	}
	if d.connecting == nil {
		d.connecting = make(map[uint16]bool)
	}
	d.connecting[id] = false
	return true
}

// abandonConnect marks an in-flight CONNECT as given up by the remote.
func (d *Dispatcher) abandonConnect(id uint16) {
	d.mu.Lock()
	if _, busy := d.connecting[id]; busy {
		d.connecting[id] = true
	}
	d.mu.Unlock()
}

// endConnect reports whether the remote abandoned the CONNECT meanwhile.
func (d *Dispatcher) endConnect(id uint16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	abandoned := d.connecting[id]
	delete(d.connecting, id)
	return abandoned
}

func (d *Dispatcher) connect(sess *session.Session, f protocol.Frame) {
	target := string(f.Payload)
	reply := protocol.Frame{Type: protocol.TypeAck, ChannelID: f.ChannelID}

	var opened bool
	if _, used := sess.Get(f.ChannelID); used {
		util.LogWarning("[ch %04x] CONNECT for an id already in use", f.ChannelID)
		reply.Type = protocol.TypeDisconnect
	} else if err := d.relay.Open(d.ctx, sess, f.ChannelID, target); err != nil {
		util.LogWarning("[ch %04x] CONNECT %s failed: %v", f.ChannelID, target, err)
		reply.Type = protocol.TypeDisconnect
	} else {
		opened = true
	}

	// The remote already dropped this id; an answer could hit a new
	// channel that reuses it.
	if d.endConnect(f.ChannelID) {
		util.LogInfo("[ch %04x] CONNECT abandoned by remote", f.ChannelID)
		if opened {
			d.relay.Disconnect(sess, f.ChannelID)
		}
		return
	}
	d.reply(sess, reply)
}

func (d *Dispatcher) reply(sess *session.Session, f protocol.Frame) {
	if err := sess.Enqueue(f); err != nil {
		util.LogWarning("[ch %04x] could not queue %s: %v", f.ChannelID, f.Type, err)
	}
}
