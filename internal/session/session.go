package session

import (
	"context"
	"errors"
	"sync"

	"github.com/1ureka/pushtun/internal/protocol"
	"github.com/1ureka/pushtun/internal/util"
	"golang.org/x/time/rate"
)

var (
	ErrQueueFull     = errors.New("outbound queue full")
	ErrChannelInUse  = errors.New("channel id in use")
	ErrNoFreeChannel = errors.New("no free channel id")
	ErrClosed        = errors.New("session closed")
)

// Sink carries frames to the remote peer.
type Sink interface {
	Send(ctx context.Context, f protocol.Frame) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, f protocol.Frame) error

func (f SinkFunc) Send(ctx context.Context, fr protocol.Frame) error { return f(ctx, fr) }

// Session is the set of channels shared with one remote identity, plus the
// bounded queue of frames waiting to be sent there.
type Session struct {
	Identity string

	mu       sync.Mutex
	channels map[uint16]*Channel
	cursor   uint16
	closed   bool

	queue   chan protocol.Frame
	sink    Sink
	limiter *rate.Limiter

	cancel context.CancelFunc
	done   chan struct{}
}

func newSession(identity string, sink Sink, opts Options) *Session {
	return &Session{
		Identity: identity,
		channels: make(map[uint16]*Channel),
		cursor:   1,
		queue:    make(chan protocol.Frame, opts.QueueSize),
		sink:     sink,
		limiter:  rate.NewLimiter(opts.FrameRate, opts.Burst),
		done:     make(chan struct{}),
	}
}

// Allocate registers a new local channel under the lowest free id at or
// after the rotating cursor. Id 0 is never used.
func (s *Session) Allocate() (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	id := s.cursor
	for range 65535 {
		if id == 0 {
			id = 1
		}
		if _, used := s.channels[id]; !used {
			ch := NewLocalChannel(id)
			s.channels[id] = ch
			s.cursor = id + 1
			if s.cursor == 0 {
				s.cursor = 1
			}
			util.Stats.AddChannel()
			return ch, nil
		}
		id++
	}
	return nil, ErrNoFreeChannel
}

// Add registers ch under its own id.
func (s *Session) Add(ch *Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, used := s.channels[ch.ID]; used {
		return ErrChannelInUse
	}
	s.channels[ch.ID] = ch
	util.Stats.AddChannel()
	return nil
}

// Get looks up a channel by id.
func (s *Session) Get(id uint16) (*Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	return ch, ok
}

// Remove unregisters ch if it is still the channel stored under its id.
// Exactly one caller observes true for a given channel.
func (s *Session) Remove(ch *Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.channels[ch.ID]; !ok || cur != ch {
		return false
	}
	delete(s.channels, ch.ID)
	util.Stats.RemoveChannel()
	return true
}

// RemoveID unregisters whatever channel holds id and returns it.
func (s *Session) RemoveID(id uint16) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil
	}
	delete(s.channels, id)
	util.Stats.RemoveChannel()
	return ch
}

// Len returns the number of registered channels.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// CloseAll unregisters and closes every channel.
func (s *Session) CloseAll() error {
	s.mu.Lock()
	chans := make([]*Channel, 0, len(s.channels))
	for id, ch := range s.channels {
		chans = append(chans, ch)
		delete(s.channels, id)
		util.Stats.RemoveChannel()
	}
	s.mu.Unlock()

	var errs []error
	for _, ch := range chans {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Enqueue queues f for the remote without blocking. A full queue drops f.
func (s *Session) Enqueue(f protocol.Frame) error {
	select {
	case s.queue <- f:
		return nil
	default:
		util.Stats.AddDropped()
		util.LogWarning("[session %s] outbound queue full, dropping %s for channel %d", s.Identity, f.Type, f.ChannelID)
		return ErrQueueFull
	}
}

// drain sends queued frames to the sink, paced by the limiter, until ctx
// is cancelled.
func (s *Session) drain(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			if err := s.sink.Send(ctx, f); err != nil {
				if ctx.Err() != nil {
					return
				}
				util.LogError("[session %s] send %s for channel %d: %v", s.Identity, f.Type, f.ChannelID, err)
			}
		}
	}
}

// shutdown stops the drainer and closes every channel.
func (s *Session) shutdown() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return s.CloseAll()
}
