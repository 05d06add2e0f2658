package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic/channel counter.
var Stats = &stats{}

type stats struct {
	OpenedChannels atomic.Int64 // cumulative count of channels opened since process start
	ClosedChannels atomic.Int64 // cumulative count of channels closed since process start
	FramesSent     atomic.Int64 // frames handed to the carrier
	FramesRecv     atomic.Int64 // frames decoded from the carrier
	BytesSent      atomic.Int64 // envelope bytes handed to the carrier
	BytesRecv      atomic.Int64 // envelope bytes received from the carrier
	FramesDropped  atomic.Int64 // frames lost to full queues, bad chunks or failed decrypts
}

func (s *stats) AddChannel()    { s.OpenedChannels.Add(1) }
func (s *stats) RemoveChannel() { s.ClosedChannels.Add(1) }
func (s *stats) AddSent(n int)  { s.FramesSent.Add(1); s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)  { s.FramesRecv.Add(1); s.BytesRecv.Add(int64(n)) }
func (s *stats) AddDropped()    { s.FramesDropped.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs tunnel statistics
// every interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prevSent, prevRecv, prevOpened, prevClosed, prevDropped int64
		for {
			select {
			case <-ticker.C:
				opened := Stats.OpenedChannels.Load()
				closed := Stats.ClosedChannels.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				dropped := Stats.FramesDropped.Load()

				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs
				inC := opened - prevOpened
				outC := closed - prevClosed
				dropC := dropped - prevDropped

				if inC > 0 || outC > 0 || dropC > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, inC, outC, dropC))
				}

				prevSent = sent
				prevRecv = recv
				prevOpened = opened
				prevClosed = closed
				prevDropped = dropped

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, inC, outC, dropC int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Chan: %2d↑ %2d↓ | Dropped: %d",
		formatBytes(inS),
		formatBytes(outS),
		inC,
		outC,
		dropC,
	)
}
