package transport

import (
	"context"
	"errors"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/pushtun/internal/envelope"
	"github.com/1ureka/pushtun/internal/protocol"
)

// recordingSender captures every carrier message and can fail at a given call.
type recordingSender struct {
	mu     sync.Mutex
	msgs   []map[string]string
	failAt int // 1-based call number to fail; 0 = never
}

func (s *recordingSender) SendData(_ context.Context, data map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.msgs)+1 == s.failAt {
		return errors.New("carrier unavailable")
	}
	s.msgs = append(s.msgs, data)
	return nil
}

func (s *recordingSender) messages() []map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]string(nil), s.msgs...)
}

// frameCollector is a FrameHandler that records delivered frames.
type frameCollector struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (c *frameCollector) HandleFrame(f protocol.Frame) {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
}

func (c *frameCollector) all() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Frame(nil), c.frames...)
}

func newTestEnvelope(t *testing.T) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New("test-secret")
	require.NoError(t, err)
	return env
}

func makeEnvelopeText(n int) string {
	var sb strings.Builder
	for i := range n {
		sb.WriteByte("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"[i%64])
	}
	return sb.String()
}

func TestSplitCount(t *testing.T) {
	testCases := []struct {
		length, size, want int
	}{
		{0, 3072, 0},
		{1, 3072, 1},
		{3072, 3072, 1},
		{3073, 3072, 2},
		{10000, 3072, 4},
		{43700, 3072, 15},
	}
	for _, tc := range testCases {
		t.Run(strconv.Itoa(tc.length), func(t *testing.T) {
			s := makeEnvelopeText(tc.length)
			pieces := Split(s, tc.size)
			require.Len(t, pieces, tc.want)
			assert.Equal(t, s, strings.Join(pieces, ""))
			for i, p := range pieces {
				if i < len(pieces)-1 {
					assert.Len(t, p, tc.size)
				}
			}
		})
	}
}

// TestReassembleReverseOrder splits a 10000-byte envelope at a 3072-byte
// ceiling and feeds the chunks back last-first.
func TestReassembleReverseOrder(t *testing.T) {
	original := makeEnvelopeText(10000)
	pieces := Split(original, 3072)
	require.Len(t, pieces, 4)
	assert.Len(t, pieces[3], 10000-3*3072)

	r := NewReassembler(time.Minute)
	for i := len(pieces) - 1; i >= 0; i-- {
		got, done, err := r.Add(Chunk{MessageID: "0123456789abcdef", Index: i, Total: 4, Data: pieces[i]})
		require.NoError(t, err)
		if i > 0 {
			assert.False(t, done)
			continue
		}
		require.True(t, done)
		assert.Equal(t, original, got)
	}
	assert.Zero(t, r.Pending())
}

func TestReassembleAnyOrder(t *testing.T) {
	original := makeEnvelopeText(20000)
	pieces := Split(original, 1000)

	for trial := range 20 {
		r := NewReassembler(time.Minute)
		order := rand.Perm(len(pieces))
		var got string
		for n, i := range order {
			env, done, err := r.Add(Chunk{MessageID: "mid", Index: i, Total: len(pieces), Data: pieces[i]})
			require.NoError(t, err)
			require.Equal(t, n == len(order)-1, done, "trial %d", trial)
			if done {
				got = env
			}
		}
		assert.Equal(t, original, got)
	}
}

func TestReassembleDuplicateChunkDoesNotComplete(t *testing.T) {
	r := NewReassembler(time.Minute)
	_, done, err := r.Add(Chunk{MessageID: "m", Index: 0, Total: 2, Data: "aa"})
	require.NoError(t, err)
	require.False(t, done)
	_, done, err = r.Add(Chunk{MessageID: "m", Index: 0, Total: 2, Data: "aa"})
	require.NoError(t, err)
	require.False(t, done)

	got, done, err := r.Add(Chunk{MessageID: "m", Index: 1, Total: 2, Data: "bb"})
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, "aabb", got)
}

func TestReassembleCountMismatch(t *testing.T) {
	r := NewReassembler(time.Minute)
	_, _, err := r.Add(Chunk{MessageID: "m", Index: 0, Total: 3, Data: "a"})
	require.NoError(t, err)
	_, _, err = r.Add(Chunk{MessageID: "m", Index: 1, Total: 2, Data: "b"})
	require.ErrorIs(t, err, ErrInvalidChunk)
}

// TestSweepDropsIncompleteGroup verifies that a group missing one chunk is
// removed by the sweep and never delivered, even when the missing chunk
// turns up afterwards.
func TestSweepDropsIncompleteGroup(t *testing.T) {
	now := time.Unix(1700000000, 0)
	r := NewReassembler(30 * time.Second)
	r.now = func() time.Time { return now }

	for _, i := range []int{0, 1} {
		_, done, err := r.Add(Chunk{MessageID: "late", Index: i, Total: 3, Data: "x"})
		require.NoError(t, err)
		require.False(t, done)
	}

	now = now.Add(10 * time.Second)
	assert.Zero(t, r.Sweep())
	assert.Equal(t, 1, r.Pending())

	now = now.Add(25 * time.Second)
	assert.Equal(t, 1, r.Sweep())
	assert.Zero(t, r.Pending())

	_, done, err := r.Add(Chunk{MessageID: "late", Index: 2, Total: 3, Data: "x"})
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 1, r.Pending())
}

func TestReassemblerRunSweeps(t *testing.T) {
	r := NewReassembler(time.Millisecond)
	_, _, err := r.Add(Chunk{MessageID: "m", Index: 0, Total: 2, Data: "a"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, 5*time.Millisecond)

	require.Eventually(t, func() bool { return r.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestParseChunkRejectsBadMetadata(t *testing.T) {
	testCases := map[string]map[string]string{
		"zero count":         {KeyMessageID: "m", KeyChunkIndex: "0", KeyChunkTotal: "0", KeyData: "x"},
		"negative index":     {KeyMessageID: "m", KeyChunkIndex: "-1", KeyChunkTotal: "2", KeyData: "x"},
		"index out of range": {KeyMessageID: "m", KeyChunkIndex: "2", KeyChunkTotal: "2", KeyData: "x"},
		"empty data":         {KeyMessageID: "m", KeyChunkIndex: "0", KeyChunkTotal: "2", KeyData: ""},
		"non-numeric index":  {KeyMessageID: "m", KeyChunkIndex: "zero", KeyChunkTotal: "2", KeyData: "x"},
		"missing count":      {KeyMessageID: "m", KeyChunkIndex: "0", KeyData: "x"},
		"count too large":    {KeyMessageID: "m", KeyChunkIndex: "0", KeyChunkTotal: "20000000", KeyData: "x"},
	}
	for name, data := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := parseChunk(data, maxChunks(DefaultCeiling))
			require.ErrorIs(t, err, ErrInvalidChunk)
		})
	}
}

func TestSendSingleMessage(t *testing.T) {
	sender := &recordingSender{}
	tr := New(newTestEnvelope(t), sender, &frameCollector{}, Options{})

	require.NoError(t, tr.Send(context.Background(), protocol.Frame{Type: protocol.TypeAck, ChannelID: 3}))

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, DefaultMessageType, msgs[0][KeyType])
	assert.NotEmpty(t, msgs[0][KeyData])
	assert.NotContains(t, msgs[0], KeyMessageID)
}

// TestSendReceiveChunked pushes a maximum-size frame through one transport
// and delivers the resulting carrier messages, shuffled, to a second one.
func TestSendReceiveChunked(t *testing.T) {
	env := newTestEnvelope(t)
	sender := &recordingSender{}
	tx := New(env, sender, &frameCollector{}, Options{})
	rxFrames := &frameCollector{}
	rx := New(env, &recordingSender{}, rxFrames, Options{})

	payload := make([]byte, protocol.MaxPayloadSize)
	for i := range payload {
		payload[i] = byte(i % 253)
	}
	frame := protocol.Frame{Type: protocol.TypeData, ChannelID: 77, Payload: payload}
	require.NoError(t, tx.Send(context.Background(), frame))

	msgs := sender.messages()
	wantChunks := (envelope.SealedLen(protocol.HeaderSize+len(payload)) + DefaultCeiling - 1) / DefaultCeiling
	require.Len(t, msgs, wantChunks)
	mid := msgs[0][KeyMessageID]
	require.Len(t, mid, 2*messageIDLength)
	for i, m := range msgs {
		assert.Equal(t, mid, m[KeyMessageID])
		assert.Equal(t, strconv.Itoa(i), m[KeyChunkIndex])
		assert.Equal(t, strconv.Itoa(wantChunks), m[KeyChunkTotal])
		assert.LessOrEqual(t, len(m[KeyData]), DefaultCeiling)
	}

	rand.Shuffle(len(msgs), func(i, j int) { msgs[i], msgs[j] = msgs[j], msgs[i] })
	for _, m := range msgs {
		rx.HandleMessage(m)
	}

	got := rxFrames.all()
	require.Len(t, got, 1)
	assert.Equal(t, frame.Type, got[0].Type)
	assert.Equal(t, frame.ChannelID, got[0].ChannelID)
	assert.Equal(t, frame.Payload, got[0].Payload)
	assert.Zero(t, rx.Reassembler().Pending())
}

func TestSendAbortsOnChunkFailure(t *testing.T) {
	sender := &recordingSender{failAt: 2}
	tr := New(newTestEnvelope(t), sender, &frameCollector{}, Options{Ceiling: 64})

	err := tr.Send(context.Background(), protocol.Frame{Type: protocol.TypeData, ChannelID: 1, Payload: make([]byte, 500)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send chunk 1/")
	assert.Len(t, sender.messages(), 1)
}

func TestSendRejectsOversizeFrame(t *testing.T) {
	sender := &recordingSender{}
	tr := New(newTestEnvelope(t), sender, &frameCollector{}, Options{})
	err := tr.Send(context.Background(), protocol.Frame{Type: protocol.TypeData, Payload: make([]byte, protocol.MaxPayloadSize+1)})
	require.ErrorIs(t, err, protocol.ErrPayloadTooLarge)
	assert.Empty(t, sender.messages())
}

func TestHandleMessageDropsBadInput(t *testing.T) {
	frames := &frameCollector{}
	tr := New(newTestEnvelope(t), &recordingSender{}, frames, Options{})

	tr.HandleMessage(map[string]string{KeyType: "test", KeyData: "hello-self-test"})
	tr.HandleMessage(map[string]string{KeyType: DefaultMessageType})
	tr.HandleMessage(map[string]string{KeyMessageID: "m", KeyChunkIndex: "5", KeyChunkTotal: "2", KeyData: "x"})

	other, err := envelope.New("other-secret")
	require.NoError(t, err)
	sealed, err := other.Seal([]byte{0x02, 0x00, 0x01, 0x00, 0x00})
	require.NoError(t, err)
	tr.HandleMessage(map[string]string{KeyData: sealed})

	assert.Empty(t, frames.all())
	assert.Zero(t, tr.Reassembler().Pending())
}

func TestMaxChunksCoversLargestFrame(t *testing.T) {
	sealed := envelope.SealedLen(protocol.HeaderSize + protocol.MaxPayloadSize)
	n := maxChunks(DefaultCeiling)
	assert.GreaterOrEqual(t, n*DefaultCeiling, sealed)
	assert.Less(t, (n-1)*DefaultCeiling, sealed)

	c, err := parseChunk(map[string]string{
		KeyMessageID: "m", KeyChunkIndex: strconv.Itoa(n - 1), KeyChunkTotal: strconv.Itoa(n), KeyData: "x",
	}, n)
	require.NoError(t, err)
	assert.Equal(t, n, c.Total)
}

func TestHandleMessageRejectsHugeChunkCount(t *testing.T) {
	tr := New(newTestEnvelope(t), &recordingSender{}, &frameCollector{}, Options{})

	for _, mid := range []string{"a", "b", "c", "d"} {
		tr.HandleMessage(map[string]string{KeyMessageID: mid, KeyChunkIndex: "0", KeyChunkTotal: "20000000", KeyData: "x"})
	}
	assert.Zero(t, tr.Reassembler().Pending())
}

func TestReassemblerGroupStartsEmpty(t *testing.T) {
	r := NewReassembler(time.Minute)
	_, done, err := r.Add(Chunk{MessageID: "m", Index: 0, Total: 1 << 30, Data: "x"})
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 1, r.Pending())
}
