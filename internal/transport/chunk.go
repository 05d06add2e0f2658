package transport

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/1ureka/pushtun/internal/envelope"
	"github.com/1ureka/pushtun/internal/protocol"
)

// Keys of the key/value data carried by one carrier message.
const (
	KeyType         = "type"
	KeyData         = "d"
	KeyMessageID    = "mid"
	KeyChunkIndex   = "ci"
	KeyChunkTotal   = "ct"
	messageIDLength = 8 // random bytes, hex encoded
)

var ErrInvalidChunk = errors.New("invalid chunk")

// Chunk is one piece of an envelope that exceeded the carrier ceiling.
type Chunk struct {
	MessageID string
	Index     int
	Total     int
	Data      string
}

// Split cuts s into pieces of at most size bytes; the last piece holds the
// remainder. An empty string yields no pieces.
func Split(s string, size int) []string {
	if size <= 0 {
		panic("transport: non-positive chunk size")
	}
	pieces := make([]string, 0, (len(s)+size-1)/size)
	for len(s) > 0 {
		end := min(size, len(s))
		pieces = append(pieces, s[:end])
		s = s[end:]
	}
	return pieces
}

// singleMessage builds the carrier data for an envelope that fits in one message.
func singleMessage(msgType, envelope string) map[string]string {
	return map[string]string{
		KeyType: msgType,
		KeyData: envelope,
	}
}

// chunkMessage builds the carrier data for one chunk.
func chunkMessage(msgType string, c Chunk) map[string]string {
	return map[string]string{
		KeyType:       msgType,
		KeyMessageID:  c.MessageID,
		KeyChunkIndex: strconv.Itoa(c.Index),
		KeyChunkTotal: strconv.Itoa(c.Total),
		KeyData:       c.Data,
	}
}

// maxChunks is the chunk count of the largest envelope a peer can produce
// when splitting at ceiling.
func maxChunks(ceiling int) int {
	sealed := envelope.SealedLen(protocol.HeaderSize + protocol.MaxPayloadSize)
	return (sealed + ceiling - 1) / ceiling
}

// parseChunk validates the chunk metadata of an inbound message. The content
// is not authenticated here; decryption of the reassembled envelope is the
// only integrity check. Counts above maxTotal are rejected.
func parseChunk(data map[string]string, maxTotal int) (Chunk, error) {
	c := Chunk{MessageID: data[KeyMessageID], Data: data[KeyData]}
	var err error
	if c.Index, err = strconv.Atoi(data[KeyChunkIndex]); err != nil {
		return c, fmt.Errorf("%w: mid=%s bad index %q", ErrInvalidChunk, c.MessageID, data[KeyChunkIndex])
	}
	if c.Total, err = strconv.Atoi(data[KeyChunkTotal]); err != nil {
		return c, fmt.Errorf("%w: mid=%s bad count %q", ErrInvalidChunk, c.MessageID, data[KeyChunkTotal])
	}
	if c.Total <= 0 || c.Index < 0 || c.Index >= c.Total || c.Data == "" {
		return c, fmt.Errorf("%w: mid=%s ci=%d ct=%d len=%d", ErrInvalidChunk, c.MessageID, c.Index, c.Total, len(c.Data))
	}
	if c.Total > maxTotal {
		return c, fmt.Errorf("%w: mid=%s count %d exceeds %d", ErrInvalidChunk, c.MessageID, c.Total, maxTotal)
	}
	return c, nil
}
