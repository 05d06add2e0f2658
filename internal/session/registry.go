// Package session tracks remote identities, the channels multiplexed with
// each of them and the paced outbound queue feeding the carrier.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/1ureka/pushtun/internal/util"
	"golang.org/x/time/rate"
)

// Defaults.
const (
	DefaultQueueSize = 256
	DefaultFrameRate = rate.Limit(100) // one frame per 10ms
)

// Options tunes every session a registry creates.
type Options struct {
	QueueSize int
	FrameRate rate.Limit
	Burst     int
}

func (o *Options) applyDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.FrameRate <= 0 {
		o.FrameRate = DefaultFrameRate
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
}

// Registry owns all sessions. Each session is created on first use and
// starts a drainer bound to the registry's context.
type Registry struct {
	ctx     context.Context
	sinkFor func(identity string) Sink
	opts    Options

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewRegistry creates an empty registry. sinkFor supplies the carrier
// for a newly created session.
func NewRegistry(ctx context.Context, sinkFor func(identity string) Sink, opts Options) *Registry {
	opts.applyDefaults()
	return &Registry{
		ctx:      ctx,
		sinkFor:  sinkFor,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the session for identity, creating it if needed.
// It returns nil once the registry is closed.
func (r *Registry) GetOrCreate(identity string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if s, ok := r.sessions[identity]; ok {
		return s
	}

	s := newSession(identity, r.sinkFor(identity), r.opts)
	ctx, cancel := context.WithCancel(r.ctx)
	s.cancel = cancel
	go s.drain(ctx)

	r.sessions[identity] = s
	util.LogInfo("[session %s] created", identity)
	return s
}

// Get returns an existing session.
func (r *Registry) Get(identity string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[identity]
	return s, ok
}

// Remove tears down a session and all its channels.
func (r *Registry) Remove(identity string) bool {
	r.mu.Lock()
	s, ok := r.sessions[identity]
	delete(r.sessions, identity)
	r.mu.Unlock()

	if !ok {
		return false
	}
	if err := s.shutdown(); err != nil {
		util.LogDebug("[session %s] close: %v", identity, err)
	}
	util.LogInfo("[session %s] removed", identity)
	return true
}

// Close removes every session. Later GetOrCreate calls return nil.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	all := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var errs []error
	for _, s := range all {
		if err := s.shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
