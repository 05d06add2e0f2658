// Package tunnel wires the codec, envelope, chunked transport, session
// registry and relay manager into one engine per remote peer, and exposes
// the front-end API used to open channels through it.
package tunnel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/1ureka/pushtun/internal/adapter"
	"github.com/1ureka/pushtun/internal/envelope"
	"github.com/1ureka/pushtun/internal/mcs"
	"github.com/1ureka/pushtun/internal/session"
	"github.com/1ureka/pushtun/internal/transport"
)

// Defaults.
const (
	DefaultPeer        = "peer"
	DefaultOpenTimeout = 15 * time.Second
)

// Config configures an Engine.
type Config struct {
	Secret      string // pre-shared secret both peers derive the key from
	Peer        string // identity the remote's session is keyed by
	OpenTimeout time.Duration

	Transport transport.Options
	Session   session.Options
	Relay     adapter.Options
}

// Engine is one end of the tunnel.
type Engine struct {
	cfg Config

	tr    *transport.Transport
	reg   *session.Registry
	relay *adapter.Manager
	disp  *Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once

	cbMu sync.RWMutex
	cb   Callbacks
}

// New builds an engine that sends through sender. Inbound carrier messages
// are fed to it via HandleMessage or HandleDataMessage.
func New(cfg Config, sender transport.Sender) (*Engine, error) {
	if cfg.Peer == "" {
		cfg.Peer = DefaultPeer
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}

	env, err := envelope.New(cfg.Secret)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:    cfg,
		relay:  adapter.NewManager(cfg.Relay),
		ctx:    ctx,
		cancel: cancel,
	}
	e.disp = &Dispatcher{ctx: ctx, identity: cfg.Peer, relay: e.relay, local: e}
	e.tr = transport.New(env, sender, e.disp, cfg.Transport)
	e.reg = session.NewRegistry(ctx, func(string) session.Sink { return e.tr }, cfg.Session)
	e.disp.registry = e.reg
	return e, nil
}

// Start launches the background chunk sweeper.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.tr.Run(e.ctx)
		}()
	})
}

// Stop closes every channel and waits for background work to finish.
func (e *Engine) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		e.cancel()
		e.disp.wait()
		err = errors.Join(e.relay.Close(), e.reg.Close())
		e.wg.Wait()
	})
	return err
}

// HandleMessage feeds one inbound carrier message into the engine.
func (e *Engine) HandleMessage(data map[string]string) {
	e.tr.HandleMessage(data)
}

// HandleDataMessage implements mcs.Handler.
func (e *Engine) HandleDataMessage(dm *mcs.DataMessage) {
	e.tr.HandleMessage(dm.Data())
}

// Transport exposes the chunked transport, mainly for inspection.
func (e *Engine) Transport() *transport.Transport {
	return e.tr
}

func (e *Engine) session() (*session.Session, error) {
	sess := e.reg.GetOrCreate(e.cfg.Peer)
	if sess == nil {
		return nil, ErrEngineStopped
	}
	return sess, nil
}
