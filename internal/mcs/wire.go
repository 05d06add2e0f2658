// Package mcs implements the persistent receive session with the push relay:
// a long-lived TLS connection carrying tag/length framed protobuf records,
// with its own login, heartbeat, selective-ack and query-echo sub-protocol.
package mcs

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message tags.
const (
	TagHeartbeatPing     byte = 0
	TagHeartbeatAck      byte = 1
	TagLoginRequest      byte = 2
	TagLoginResponse     byte = 3
	TagClose             byte = 4
	TagIqStanza          byte = 7
	TagDataMessageStanza byte = 8
)

// Version is sent once, before the first message on a connection.
const Version byte = 41

// MaxMessageSize bounds a single record body.
const MaxMessageSize = 4 << 20

var ErrMalformed = errors.New("malformed mcs stream")

// Message is one framed record.
type Message struct {
	Tag  byte
	Body []byte
}

// TagName returns a printable name for a tag.
func TagName(tag byte) string {
	switch tag {
	case TagHeartbeatPing:
		return "HeartbeatPing"
	case TagHeartbeatAck:
		return "HeartbeatAck"
	case TagLoginRequest:
		return "LoginRequest"
	case TagLoginResponse:
		return "LoginResponse"
	case TagClose:
		return "Close"
	case TagIqStanza:
		return "IqStanza"
	case TagDataMessageStanza:
		return "DataMessageStanza"
	default:
		return fmt.Sprintf("tag(%d)", tag)
	}
}

// EncodeMessage frames body as [version][tag][varint length][body]; the
// version byte is only written when withVersion is set.
func EncodeMessage(tag byte, body []byte, withVersion bool) []byte {
	buf := make([]byte, 0, 2+protowire.SizeVarint(uint64(len(body)))+len(body))
	if withVersion {
		buf = append(buf, Version)
	}
	buf = append(buf, tag)
	buf = protowire.AppendVarint(buf, uint64(len(body)))
	return append(buf, body...)
}

// Reader is an incremental parser over the inbound byte stream. It yields a
// message only once its tag, length and full body are buffered. The leading
// version byte is consumed once and never expected again.
type Reader struct {
	buf         []byte
	versionRead bool
	version     byte
}

// NewReader creates a Reader for a fresh connection.
func NewReader() *Reader {
	return &Reader{}
}

// Feed appends received bytes.
func (r *Reader) Feed(p []byte) {
	r.buf = append(r.buf, p...)
}

// Version returns the peer's version byte once it has been read.
func (r *Reader) Version() (byte, bool) {
	return r.version, r.versionRead
}

// Next returns the next complete message. ok is false when more input is
// needed. A non-nil error means the stream cannot be resynchronised.
func (r *Reader) Next() (msg Message, ok bool, err error) {
	if !r.versionRead {
		if len(r.buf) == 0 {
			return Message{}, false, nil
		}
		r.version = r.buf[0]
		r.buf = r.buf[1:]
		r.versionRead = true
	}

	if len(r.buf) < 2 {
		return Message{}, false, nil
	}

	rest := r.buf[1:]
	length, n := protowire.ConsumeVarint(rest)
	if n < 0 {
		// A terminated varint shorter than the maximum always parses, so
		// failing on a short buffer only means more bytes are needed.
		if len(rest) < protowire.SizeVarint(^uint64(0)) {
			return Message{}, false, nil
		}
		return Message{}, false, fmt.Errorf("%w: length: %v", ErrMalformed, protowire.ParseError(n))
	}
	if length > MaxMessageSize {
		return Message{}, false, fmt.Errorf("%w: %s body of %d bytes exceeds %d", ErrMalformed, TagName(r.buf[0]), length, MaxMessageSize)
	}

	headerLen := 1 + n
	total := headerLen + int(length)
	if len(r.buf) < total {
		return Message{}, false, nil
	}

	msg = Message{Tag: r.buf[0], Body: make([]byte, length)}
	copy(msg.Body, r.buf[headerLen:total])
	r.buf = r.buf[total:]
	return msg, true, nil
}

// Buffered returns the number of bytes waiting to be parsed.
func (r *Reader) Buffered() int {
	return len(r.buf)
}
