// Pushtun CLI entry point.
//
// This tool tunnels TCP connections between two peers over a mobile push
// notification service. Each peer sends through the provider's HTTP API and
// receives through a persistent relay connection. For local testing the
// carrier can be swapped for a small WebSocket hub (-mode relay).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/pterm/pterm"
	"golang.org/x/time/rate"

	"github.com/1ureka/pushtun/internal/adapter"
	"github.com/1ureka/pushtun/internal/carrier/fcm"
	"github.com/1ureka/pushtun/internal/carrier/wsrelay"
	"github.com/1ureka/pushtun/internal/config"
	"github.com/1ureka/pushtun/internal/mcs"
	"github.com/1ureka/pushtun/internal/session"
	"github.com/1ureka/pushtun/internal/transport"
	"github.com/1ureka/pushtun/internal/tunnel"
	"github.com/1ureka/pushtun/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	configPath := flag.String("config", "", "Path to the YAML config file")
	mode := flag.String("mode", "", "Override mode: peer or relay")
	forward := flag.String("forward", "", "Comma-separated listen=target port forwards, e.g. 127.0.0.1:2222=10.0.0.5:22")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = applyFlags(cfg, *mode, *forward)
	}
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.SetLevel(cfg.Log.Level)
	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Pushtun v%s", version))
	pterm.Println()

	switch cfg.Mode {
	case config.ModeRelay:
		err = runRelay(ctx, cfg)
	default:
		err = runPeer(ctx, cfg)
	}
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("successfully closed tunnel")
}

// applyFlags layers command-line overrides on the loaded config.
func applyFlags(cfg *config.Config, mode, forward string) error {
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if forward != "" {
		fwds, err := parseForwards(forward)
		if err != nil {
			return err
		}
		cfg.Forward = append(cfg.Forward, fwds...)
	}
	return cfg.Validate()
}

// parseForwards parses "listen=target[,listen=target...]".
func parseForwards(raw string) ([]config.ForwardConfig, error) {
	var out []config.ForwardConfig
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		listen, target, ok := strings.Cut(item, "=")
		if !ok || listen == "" || target == "" {
			return nil, fmt.Errorf("invalid -forward entry %q (want listen=target)", item)
		}
		out = append(out, config.ForwardConfig{Listen: listen, Target: target})
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runRelay serves the development WebSocket hub.
func runRelay(ctx context.Context, cfg *config.Config) error {
	hub := wsrelay.NewServer(cfg.Carrier.WSRelay.Key)
	util.LogSuccess("WebSocket relay starting on %s", cfg.Carrier.WSRelay.Listen)
	return hub.ListenAndServe(ctx, cfg.Carrier.WSRelay.Listen)
}

// runPeer runs one end of the tunnel until ctx is cancelled.
func runPeer(ctx context.Context, cfg *config.Config) error {
	engineCfg := tunnel.Config{
		Secret:      cfg.Secret,
		Peer:        cfg.Peer,
		OpenTimeout: cfg.Tunnel.OpenTimeout,
		Transport: transport.Options{
			Ceiling:       cfg.Transport.Ceiling,
			MessageType:   cfg.Transport.MessageType,
			ChunkTimeout:  cfg.Transport.ChunkTimeout,
			SweepInterval: cfg.Transport.SweepInterval,
		},
		Session: session.Options{
			QueueSize: cfg.Tunnel.QueueSize,
			FrameRate: rate.Limit(cfg.Tunnel.FrameRate),
		},
		Relay: adapter.Options{DialTimeout: cfg.Tunnel.DialTimeout},
	}

	// Bind every forward before anything is started so a bad address fails
	// fast.
	listeners, err := listenAll(cfg.Forward)
	if err != nil {
		return err
	}

	var (
		engine *tunnel.Engine
		wg     sync.WaitGroup
	)
	ctx, cancel := context.WithCancel(ctx)
	defer wg.Wait()
	defer closeAll(listeners)
	defer cancel()

	switch cfg.Carrier.Kind {
	case config.CarrierWSRelay:
		w := cfg.Carrier.WSRelay
		client := wsrelay.NewClient(wsrelay.ClientOptions{
			URL:   w.URL,
			Token: w.Token,
			Peer:  w.PeerToken,
			Key:   w.Key,
		}, wsrelay.HandlerFunc(func(data map[string]string) { engine.HandleMessage(data) }))

		if engine, err = tunnel.New(engineCfg, client); err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.Run(ctx)
		}()

	default:
		f := cfg.Carrier.FCM
		creds, err := mcs.LoadCredentials(f.CredentialsFile)
		if err != nil {
			return err
		}
		ts, err := fcm.TokenSourceFromFile(ctx, f.ServiceAccountFile)
		if err != nil {
			return err
		}
		sender, err := fcm.NewSender(fcm.Options{Project: f.Project, PeerToken: f.PeerToken, TokenSource: ts})
		if err != nil {
			return err
		}
		if engine, err = tunnel.New(engineCfg, sender); err != nil {
			return err
		}

		printToken(creds.PushToken)

		client := mcs.NewClient(creds, engine, mcs.Options{
			Addr:              f.MCSAddr,
			HeartbeatInterval: f.HeartbeatInterval,
			ReconnectDelay:    f.ReconnectDelay,
			OnStateChange: func(s mcs.State) {
				util.LogDebug("push connection: %s", s)
			},
		})
		client.Start()
		defer client.Stop()
	}

	engine.Start()
	defer engine.Stop()

	if cfg.StatsInterval > 0 {
		util.StartStatsReporter(ctx, cfg.StatsInterval)
	}

	if len(listeners) > 0 {
		fwd := tunnel.NewForwarder(engine)
		for i, listener := range listeners {
			target := cfg.Forward[i].Target
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := fwd.Serve(ctx, listener, target); err != nil {
					util.LogError("forward %s: %v", listener.Addr(), err)
				}
			}()
		}
	}

	util.LogSuccess("tunnel ready, relaying for %s", cfg.Peer)
	<-ctx.Done()
	return nil
}

// listenAll opens one TCP listener per forward. On failure the listeners
// already opened are closed.
func listenAll(forwards []config.ForwardConfig) ([]net.Listener, error) {
	listeners := make([]net.Listener, 0, len(forwards))
	for _, f := range forwards {
		l, err := net.Listen("tcp", f.Listen)
		if err != nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to listen on %s: %w", f.Listen, err)
		}
		listeners = append(listeners, l)
	}
	return listeners, nil
}

func closeAll(listeners []net.Listener) {
	for _, l := range listeners {
		l.Close()
	}
}

// printToken shows this peer's push token so it can be copied to the other
// side's config.
func printToken(token string) {
	if token == "" {
		return
	}
	pterm.Println()
	pterm.Info.Println("Push token (copy to the peer's carrier.fcm.peer_token):")
	pterm.Println(token)
	pterm.Println()
}
