package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrFrameTooShort   = errors.New("frame too short")
	ErrFrameTruncated  = errors.New("frame truncated")
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Encode serializes a Frame into its wire form.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(f.Payload), MaxPayloadSize)
	}
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = byte(f.Type)
	binary.BigEndian.PutUint16(buf[1:3], f.ChannelID)
	binary.BigEndian.PutUint16(buf[3:5], uint16(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf, nil
}

// Decode deserializes one frame from the start of data. Bytes after the
// declared payload are ignored. The returned payload never aliases data.
func Decode(data []byte) (Frame, error) {
	f, _, err := decodeOne(data)
	return f, err
}

// DecodeAll parses a concatenation of complete frames. A short or invalid
// trailing frame fails the whole call.
func DecodeAll(data []byte) ([]Frame, error) {
	var frames []Frame
	for offset := 0; offset < len(data); {
		f, n, err := decodeOne(data[offset:])
		if err != nil {
			return nil, fmt.Errorf("frame at offset %d: %w", offset, err)
		}
		frames = append(frames, f)
		offset += n
	}
	return frames, nil
}

func decodeOne(data []byte) (Frame, int, error) {
	if len(data) < HeaderSize {
		return Frame{}, 0, fmt.Errorf("%w: %d bytes (need at least %d)", ErrFrameTooShort, len(data), HeaderSize)
	}
	payloadLen := int(binary.BigEndian.Uint16(data[3:5]))
	if payloadLen > MaxPayloadSize {
		return Frame{}, 0, fmt.Errorf("%w: declared %d > %d", ErrPayloadTooLarge, payloadLen, MaxPayloadSize)
	}
	if len(data) < HeaderSize+payloadLen {
		return Frame{}, 0, fmt.Errorf("%w: need %d, got %d", ErrFrameTruncated, HeaderSize+payloadLen, len(data))
	}
	f := Frame{
		Type:      Type(data[0]),
		ChannelID: binary.BigEndian.Uint16(data[1:3]),
	}
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		copy(f.Payload, data[HeaderSize:HeaderSize+payloadLen])
	}
	return f, HeaderSize + payloadLen, nil
}
