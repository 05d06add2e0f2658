package adapter

import (
	"errors"
	"io"
	"net"

	"github.com/1ureka/pushtun/internal/protocol"
	"github.com/1ureka/pushtun/internal/session"
	"github.com/1ureka/pushtun/internal/util"
)

// pump reads the relay socket and queues DATA frames for the remote. It
// uses a blocking Read; closing the socket is what unblocks it.
func (m *Manager) pump(sess *session.Session, ch *session.Channel) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.live, ch)
		m.mu.Unlock()
	}()

	buf := make([]byte, m.opts.ReadBufferSize)
	for {
		n, err := ch.Conn.Read(buf)

		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			// A full queue drops this chunk of the stream; the session logs it.
			_ = sess.Enqueue(protocol.Frame{Type: protocol.TypeData, ChannelID: ch.ID, Payload: payload})
		}

		if err != nil {
			if ch.Alive() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				util.LogWarning("[ch %04x] read error: %v", ch.ID, err)
			}
			m.release(sess, ch)
			return
		}
	}
}

// release tears down a relay channel from this side. Only the caller that
// actually removes the channel notifies the remote, so a channel produces
// at most one DISCONNECT no matter how many goroutines race here.
func (m *Manager) release(sess *session.Session, ch *session.Channel) {
	if !sess.Remove(ch) {
		ch.Close()
		return
	}
	ch.Close()
	if err := sess.Enqueue(protocol.Frame{Type: protocol.TypeDisconnect, ChannelID: ch.ID}); err != nil {
		util.LogWarning("[ch %04x] could not queue DISCONNECT: %v", ch.ID, err)
	}
	util.LogInfo("[ch %04x] closed", ch.ID)
}
