package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/1ureka/pushtun/internal/util"
)

// Reassembler collects chunks per message ID until every index has arrived.
// Groups older than the timeout are swept whether complete or not; no
// retransmission is ever requested.
type Reassembler struct {
	timeout time.Duration
	now     func() time.Time

	mu     sync.Mutex
	groups map[string]*chunkGroup
}

// chunkGroup tracks received chunks for a single message.
type chunkGroup struct {
	total     int
	chunks    map[int]string
	firstSeen time.Time
}

// NewReassembler creates an empty reassembly table.
func NewReassembler(timeout time.Duration) *Reassembler {
	return &Reassembler{
		timeout: timeout,
		now:     time.Now,
		groups:  make(map[string]*chunkGroup),
	}
}

// Add stores one chunk. When the chunk completes its group, the group is
// removed and the envelope, concatenated by ascending index, is returned with
// done set. Duplicate indices overwrite the earlier copy.
func (r *Reassembler) Add(c Chunk) (envelope string, done bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	group, ok := r.groups[c.MessageID]
	if !ok {
		group = &chunkGroup{
			total:     c.Total,
			chunks:    make(map[int]string),
			firstSeen: r.now(),
		}
		r.groups[c.MessageID] = group
	} else if group.total != c.Total {
		return "", false, fmt.Errorf("%w: mid=%s count %d disagrees with group count %d",
			ErrInvalidChunk, c.MessageID, c.Total, group.total)
	}

	group.chunks[c.Index] = c.Data
	if len(group.chunks) < group.total {
		return "", false, nil
	}

	delete(r.groups, c.MessageID)
	return group.assemble(), true, nil
}

func (g *chunkGroup) assemble() string {
	indices := make([]int, 0, len(g.chunks))
	size := 0
	for i, chunk := range g.chunks {
		indices = append(indices, i)
		size += len(chunk)
	}
	sort.Ints(indices)

	var sb strings.Builder
	sb.Grow(size)
	for _, i := range indices {
		sb.WriteString(g.chunks[i])
	}
	return sb.String()
}

// Sweep drops every group first seen more than the timeout ago and returns
// how many were dropped.
func (r *Reassembler) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	dropped := 0
	for mid, group := range r.groups {
		if now.Sub(group.firstSeen) > r.timeout {
			util.LogWarning("[transport] dropping stale chunk group %s (%d/%d received)",
				mid, len(group.chunks), group.total)
			delete(r.groups, mid)
			dropped++
		}
	}
	return dropped
}

// Pending returns the number of incomplete groups.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (r *Reassembler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				util.Stats.FramesDropped.Add(int64(n))
			}
		case <-ctx.Done():
			return
		}
	}
}
