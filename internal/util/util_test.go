package util

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatBytesFixedWidth(t *testing.T) {
	for _, b := range []float64{0, 99, 100, 1536, 99 * 1024, 5 * 1024 * 1024, 98.9 * 1024 * 1024 * 1024} {
		assert.Len(t, formatBytes(b), 8, "formatBytes(%v)", b)
	}
	assert.Equal(t, "99.0   B", formatBytes(99))
	assert.Equal(t, " 1.5 KiB", formatBytes(1536))
}

func TestFormatStats(t *testing.T) {
	got := formatStats(0, 1536, 2, 1, 3)
	assert.Equal(t, "In:  0.0   B/s | Out:  1.5 KiB/s | Chan:  2↑  1↓ | Dropped: 3", got)
}

func TestRandomHex(t *testing.T) {
	id := RandomHex(8)
	require.Len(t, id, 16)
	_, err := hex.DecodeString(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, RandomHex(8))
}
