// Package transport adapts the push carrier, whose messages have a hard size
// ceiling, to sealed frames of any size: large envelopes are split into
// chunks on send and reassembled on receive.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/1ureka/pushtun/internal/envelope"
	"github.com/1ureka/pushtun/internal/protocol"
	"github.com/1ureka/pushtun/internal/util"
)

// Defaults for Options.
const (
	DefaultCeiling       = 3072 // usable bytes per carrier message after JSON overhead
	DefaultMessageType   = "weather_alert"
	DefaultChunkTimeout  = 30 * time.Second
	DefaultSweepInterval = 30 * time.Second
)

// Sender delivers one key/value data message to the peer over the carrier.
type Sender interface {
	SendData(ctx context.Context, data map[string]string) error
}

// FrameHandler receives every frame that was reassembled, authenticated and
// decoded.
type FrameHandler interface {
	HandleFrame(f protocol.Frame)
}

// FrameHandlerFunc adapts a function to FrameHandler.
type FrameHandlerFunc func(f protocol.Frame)

func (fn FrameHandlerFunc) HandleFrame(f protocol.Frame) { fn(f) }

// Options tunes a Transport. Zero fields take the defaults above.
type Options struct {
	Ceiling       int
	MessageType   string
	ChunkTimeout  time.Duration
	SweepInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Ceiling <= 0 {
		o.Ceiling = DefaultCeiling
	}
	if o.MessageType == "" {
		o.MessageType = DefaultMessageType
	}
	if o.ChunkTimeout <= 0 {
		o.ChunkTimeout = DefaultChunkTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	return o
}

// Transport seals, chunks and sends frames, and reassembles, opens and
// decodes inbound carrier messages. It is safe for concurrent use.
type Transport struct {
	opts    Options
	env     *envelope.Envelope
	sender  Sender
	handler FrameHandler
	reasm   *Reassembler

	maxChunks int
}

// New creates a Transport sending through sender and delivering inbound
// frames to handler.
func New(env *envelope.Envelope, sender Sender, handler FrameHandler, opts Options) *Transport {
	opts = opts.withDefaults()
	return &Transport{
		opts:    opts,
		env:     env,
		sender:  sender,
		handler: handler,
		reasm:   NewReassembler(opts.ChunkTimeout),

		maxChunks: maxChunks(opts.Ceiling),
	}
}

// Reassembler exposes the reassembly table.
func (t *Transport) Reassembler() *Reassembler {
	return t.reasm
}

// Run sweeps stale chunk groups until ctx is cancelled.
func (t *Transport) Run(ctx context.Context) {
	t.reasm.Run(ctx, t.opts.SweepInterval)
}

// ---------------------------------------------------------------------------
// Send
// ---------------------------------------------------------------------------

// Send seals the frame and hands it to the carrier, chunked if the envelope
// exceeds the ceiling. The first failed chunk aborts the whole frame; retry
// policy belongs to the caller.
func (t *Transport) Send(ctx context.Context, f protocol.Frame) error {
	raw, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	sealed, err := t.env.Seal(raw)
	if err != nil {
		return err
	}

	util.LogDebug("[transport] send %s ch=%d len=%d env=%d", f.Type, f.ChannelID, len(f.Payload), len(sealed))

	if len(sealed) <= t.opts.Ceiling {
		if err := t.sender.SendData(ctx, singleMessage(t.opts.MessageType, sealed)); err != nil {
			return err
		}
		util.Stats.AddSent(len(sealed))
		return nil
	}

	mid := util.RandomHex(messageIDLength)
	pieces := Split(sealed, t.opts.Ceiling)
	for i, piece := range pieces {
		msg := chunkMessage(t.opts.MessageType, Chunk{MessageID: mid, Index: i, Total: len(pieces), Data: piece})
		if err := t.sender.SendData(ctx, msg); err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", i, len(pieces), err)
		}
	}
	util.Stats.AddSent(len(sealed))
	return nil
}

// ---------------------------------------------------------------------------
// Receive
// ---------------------------------------------------------------------------

// HandleMessage processes the key/value data of one inbound carrier message.
// Malformed chunks, failed decryption and undecodable frames are logged and
// dropped.
func (t *Transport) HandleMessage(data map[string]string) {
	if _, chunked := data[KeyMessageID]; !chunked {
		sealed := data[KeyData]
		if sealed == "" {
			util.LogDebug("[transport] ignoring message without payload (type=%q)", data[KeyType])
			return
		}
		t.deliver(sealed)
		return
	}

	c, err := parseChunk(data, t.maxChunks)
	if err != nil {
		util.LogWarning("[transport] %v", err)
		util.Stats.AddDropped()
		return
	}
	sealed, done, err := t.reasm.Add(c)
	if err != nil {
		util.LogWarning("[transport] %v", err)
		util.Stats.AddDropped()
		return
	}
	if done {
		t.deliver(sealed)
	}
}

func (t *Transport) deliver(sealed string) {
	raw, err := t.env.Open(sealed)
	if err != nil {
		util.LogWarning("[transport] %v", err)
		util.Stats.AddDropped()
		return
	}
	f, err := protocol.Decode(raw)
	if err != nil {
		util.LogWarning("[transport] frame decode: %v", err)
		util.Stats.AddDropped()
		return
	}
	util.Stats.AddRecv(len(sealed))
	t.handler.HandleFrame(f)
}
