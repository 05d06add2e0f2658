package tunnel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/pushtun/internal/protocol"
	"github.com/1ureka/pushtun/internal/session"
	"github.com/1ureka/pushtun/internal/util"
)

var (
	ErrOpenTimeout    = errors.New("channel open timed out")
	ErrOpenRejected   = errors.New("channel open rejected by remote")
	ErrUnknownChannel = errors.New("unknown channel")
	ErrEngineStopped  = errors.New("engine stopped")
)

// Callbacks deliver traffic of channels opened through Open. They run on the
// carrier's receive path and must not block for long.
type Callbacks struct {
	OnData  func(id uint16, data []byte)
	OnClose func(id uint16)
}

// RegisterCallbacks replaces the front-end callbacks.
func (e *Engine) RegisterCallbacks(cb Callbacks) {
	e.cbMu.Lock()
	e.cb = cb
	e.cbMu.Unlock()
}

func (e *Engine) callbacks() Callbacks {
	e.cbMu.RLock()
	defer e.cbMu.RUnlock()
	return e.cb
}

func (e *Engine) deliver(id uint16, data []byte) {
	if cb := e.callbacks(); cb.OnData != nil {
		cb.OnData(id, data)
	}
}

func (e *Engine) closed(id uint16) {
	if cb := e.callbacks(); cb.OnClose != nil {
		cb.OnClose(id)
	}
}

// Open asks the remote peer to connect a new channel to target and waits
// for its answer, at most the configured open timeout.
func (e *Engine) Open(ctx context.Context, target string) (uint16, error) {
	sess, err := e.session()
	if err != nil {
		return 0, err
	}
	ch, err := sess.Allocate()
	if err != nil {
		return 0, err
	}

	connect := protocol.Frame{Type: protocol.TypeConnect, ChannelID: ch.ID, Payload: []byte(target)}
	if err := sess.Enqueue(connect); err != nil {
		sess.Remove(ch)
		ch.Close()
		return 0, err
	}
	util.LogDebug("[ch %04x] CONNECT %s", ch.ID, target)

	timer := time.NewTimer(e.cfg.OpenTimeout)
	defer timer.Stop()

	select {
	case ok := <-ch.Result():
		if ok {
			util.LogInfo("[ch %04x] opened to %s", ch.ID, target)
			return ch.ID, nil
		}
		if sess.Remove(ch) {
			ch.Close()
		}
		return 0, fmt.Errorf("%s: %w", target, ErrOpenRejected)

	case <-timer.C:
		e.abandon(sess, ch)
		return 0, fmt.Errorf("%s: %w", target, ErrOpenTimeout)

	case <-ctx.Done():
		e.abandon(sess, ch)
		return 0, ctx.Err()

	case <-e.ctx.Done():
		return 0, ErrEngineStopped
	}
}

// abandon gives up on a pending open and tells the remote in case its
// answer is still on the way.
func (e *Engine) abandon(sess *session.Session, ch *session.Channel) {
	if !sess.Remove(ch) {
		return
	}
	ch.Close()
	_ = sess.Enqueue(protocol.Frame{Type: protocol.TypeDisconnect, ChannelID: ch.ID})
}

// Send queues data on an open local channel, split into frames of at most
// the maximum payload size.
func (e *Engine) Send(id uint16, data []byte) error {
	sess, err := e.session()
	if err != nil {
		return err
	}
	ch, ok := sess.Get(id)
	if !ok || ch.Kind != session.KindLocal || !ch.Alive() {
		return fmt.Errorf("channel %d: %w", id, ErrUnknownChannel)
	}

	for len(data) > 0 {
		n := min(len(data), protocol.MaxPayloadSize)
		payload := make([]byte, n)
		copy(payload, data[:n])
		if err := sess.Enqueue(protocol.Frame{Type: protocol.TypeData, ChannelID: id, Payload: payload}); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Close closes a local channel and notifies the remote. Closing an unknown
// or already closed channel is a no-op.
func (e *Engine) Close(id uint16) error {
	sess, err := e.session()
	if err != nil {
		return err
	}
	ch, ok := sess.Get(id)
	if !ok || ch.Kind != session.KindLocal || !sess.Remove(ch) {
		return nil
	}
	ch.Close()
	util.LogInfo("[ch %04x] closed", id)
	return sess.Enqueue(protocol.Frame{Type: protocol.TypeDisconnect, ChannelID: id})
}
