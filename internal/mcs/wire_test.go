package mcs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestEncodeMessageLayout(t *testing.T) {
	got := EncodeMessage(TagHeartbeatAck, []byte{0x18, 0x00}, true)
	assert.Equal(t, []byte{41, 1, 2, 0x18, 0x00}, got)

	got = EncodeMessage(TagHeartbeatAck, []byte{0x18, 0x00}, false)
	assert.Equal(t, []byte{1, 2, 0x18, 0x00}, got)
}

func TestEncodeMessageLongBodyUsesMultiByteLength(t *testing.T) {
	body := make([]byte, 300)
	got := EncodeMessage(TagDataMessageStanza, body, false)
	assert.Equal(t, []byte{8, 0xac, 0x02}, got[:3])
	assert.Len(t, got, 3+300)
}

func TestReaderByteAtATime(t *testing.T) {
	var stream []byte
	stream = append(stream, EncodeMessage(TagLoginResponse, []byte("first"), true)...)
	stream = append(stream, EncodeMessage(TagHeartbeatPing, nil, false)...)
	stream = append(stream, EncodeMessage(TagDataMessageStanza, make([]byte, 200), false)...)

	r := NewReader()
	var got []Message
	for _, b := range stream {
		r.Feed([]byte{b})
		for {
			msg, ok, err := r.Next()
			require.NoError(t, err)
			if !ok {
				break
			}
			got = append(got, msg)
		}
	}

	require.Len(t, got, 3)
	assert.Equal(t, TagLoginResponse, got[0].Tag)
	assert.Equal(t, []byte("first"), got[0].Body)
	assert.Equal(t, TagHeartbeatPing, got[1].Tag)
	assert.Empty(t, got[1].Body)
	assert.Equal(t, TagDataMessageStanza, got[2].Tag)
	assert.Len(t, got[2].Body, 200)
	assert.Zero(t, r.Buffered())

	v, ok := r.Version()
	assert.True(t, ok)
	assert.Equal(t, Version, v)
}

func TestReaderVersionOnlyOnce(t *testing.T) {
	r := NewReader()
	r.Feed(EncodeMessage(TagClose, nil, true))
	msg, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TagClose, msg.Tag)

	// A second 41 is read as a tag, not a version.
	r.Feed([]byte{41, 0})
	msg, ok, err = r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, byte(41), msg.Tag)
}

func TestReaderWaitsForIncompleteVarint(t *testing.T) {
	r := NewReader()
	r.Feed([]byte{Version, TagDataMessageStanza, 0x80, 0x80})
	_, ok, err := r.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReaderMalformedLength(t *testing.T) {
	r := NewReader()
	r.Feed([]byte{Version, TagDataMessageStanza})
	r.Feed([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	_, _, err := r.Next()
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestReaderOversizeBody(t *testing.T) {
	r := NewReader()
	r.Feed([]byte{Version, TagDataMessageStanza})
	r.Feed(protowire.AppendVarint(nil, MaxMessageSize+1))
	_, _, err := r.Next()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseRecordFieldTypes(t *testing.T) {
	var b []byte
	b = appendVarint(b, 1, 300)
	b = appendString(b, 2, "hi")
	b = protowire.AppendTag(b, 3, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 7)
	b = protowire.AppendTag(b, 4, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, 9)
	b = appendBytes(b, 5, appendString(nil, 1, "inner"))
	b = appendBytes(b, 5, appendString(nil, 1, "second"))

	rec, err := ParseRecord(b)
	require.NoError(t, err)

	v, ok := rec.Uint(1)
	assert.True(t, ok)
	assert.EqualValues(t, 300, v)
	assert.Equal(t, "hi", rec.Text(2))
	v, _ = rec.Uint(3)
	assert.EqualValues(t, 7, v)
	v, _ = rec.Uint(4)
	assert.EqualValues(t, 9, v)

	sub, ok := rec.Message(5)
	require.True(t, ok)
	assert.Equal(t, "inner", sub.Text(1))
	assert.Len(t, rec.Messages(5), 2)

	_, ok = rec.Uint(99)
	assert.False(t, ok)
	assert.Empty(t, rec.Text(99))
}

func TestParseRecordRejectsGarbage(t *testing.T) {
	_, err := ParseRecord([]byte{0x0a, 0x05, 'a'})
	assert.ErrorIs(t, err, ErrMalformed)

	// Wire type 3 (start group) is not supported.
	_, err = ParseRecord([]byte{0x0b})
	assert.ErrorIs(t, err, ErrMalformed)
}
