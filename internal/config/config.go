// Package config provides YAML-based configuration loading for pushtun.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Mode selects what the process runs.
type Mode string

const (
	ModePeer  Mode = "peer"  // one end of the tunnel
	ModeRelay Mode = "relay" // the development WebSocket hub
)

// Carrier kinds.
const (
	CarrierFCM     = "fcm"
	CarrierWSRelay = "wsrelay"
)

// Config is the root application configuration.
type Config struct {
	Mode Mode `mapstructure:"mode"`

	// Secret is the pre-shared key both peers derive the envelope key from.
	Secret string `mapstructure:"secret"`

	// Peer names the remote's session in logs.
	Peer string `mapstructure:"peer"`

	Log       LogConfig       `mapstructure:"log"`
	Carrier   CarrierConfig   `mapstructure:"carrier"`
	Transport TransportConfig `mapstructure:"transport"`
	Tunnel    TunnelConfig    `mapstructure:"tunnel"`

	// Forward lists local listeners tunnelled to targets on the remote side.
	Forward []ForwardConfig `mapstructure:"forward"`

	// StatsInterval is how often traffic stats are logged; 0 disables them.
	StatsInterval time.Duration `mapstructure:"stats_interval"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
}

// CarrierConfig selects and configures the push carrier.
type CarrierConfig struct {
	Kind    string        `mapstructure:"kind"`
	FCM     FCMConfig     `mapstructure:"fcm"`
	WSRelay WSRelayConfig `mapstructure:"wsrelay"`
}

// FCMConfig configures the push provider carrier.
type FCMConfig struct {
	Project            string        `mapstructure:"project"`
	ServiceAccountFile string        `mapstructure:"service_account_file"`
	CredentialsFile    string        `mapstructure:"credentials_file"`
	PeerToken          string        `mapstructure:"peer_token"`
	MCSAddr            string        `mapstructure:"mcs_addr"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectDelay     time.Duration `mapstructure:"reconnect_delay"`
}

// WSRelayConfig configures the development carrier. Listen is only used
// in relay mode.
type WSRelayConfig struct {
	URL       string `mapstructure:"url"`
	Listen    string `mapstructure:"listen"`
	Token     string `mapstructure:"token"`
	PeerToken string `mapstructure:"peer_token"`
	Key       string `mapstructure:"key"`
}

// TransportConfig tunes chunking and reassembly.
type TransportConfig struct {
	Ceiling       int           `mapstructure:"ceiling"`
	MessageType   string        `mapstructure:"message_type"`
	ChunkTimeout  time.Duration `mapstructure:"chunk_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// TunnelConfig tunes channels and the outbound queue.
type TunnelConfig struct {
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	QueueSize   int           `mapstructure:"queue_size"`
	FrameRate   float64       `mapstructure:"frame_rate"`
}

// ForwardConfig is one local port forward.
type ForwardConfig struct {
	Listen string `mapstructure:"listen"`
	Target string `mapstructure:"target"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Mode: ModePeer,
		Peer: "peer",
		Log:  LogConfig{Level: "info"},
		Carrier: CarrierConfig{
			Kind: CarrierFCM,
			FCM: FCMConfig{
				CredentialsFile:   "gcm_credentials.json",
				MCSAddr:           "mtalk.google.com:5228",
				HeartbeatInterval: 4 * time.Minute,
				ReconnectDelay:    5 * time.Second,
			},
			WSRelay: WSRelayConfig{
				URL:    "ws://127.0.0.1:8080",
				Listen: "127.0.0.1:8080",
			},
		},
		Transport: TransportConfig{
			Ceiling:       3072,
			MessageType:   "weather_alert",
			ChunkTimeout:  30 * time.Second,
			SweepInterval: 30 * time.Second,
		},
		Tunnel: TunnelConfig{
			OpenTimeout: 15 * time.Second,
			DialTimeout: 10 * time.Second,
			QueueSize:   256,
			FrameRate:   100,
		},
		StatsInterval: 5 * time.Second,
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix PUSHTUN and `.`/`-` are replaced with `_`.
// Example: PUSHTUN_CARRIER_FCM_PEER_TOKEN=...
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PUSHTUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("mode", string(cfg.Mode))
	v.SetDefault("secret", cfg.Secret)
	v.SetDefault("peer", cfg.Peer)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("carrier.kind", cfg.Carrier.Kind)
	v.SetDefault("carrier.fcm.project", cfg.Carrier.FCM.Project)
	v.SetDefault("carrier.fcm.service_account_file", cfg.Carrier.FCM.ServiceAccountFile)
	v.SetDefault("carrier.fcm.credentials_file", cfg.Carrier.FCM.CredentialsFile)
	v.SetDefault("carrier.fcm.peer_token", cfg.Carrier.FCM.PeerToken)
	v.SetDefault("carrier.fcm.mcs_addr", cfg.Carrier.FCM.MCSAddr)
	v.SetDefault("carrier.fcm.heartbeat_interval", cfg.Carrier.FCM.HeartbeatInterval)
	v.SetDefault("carrier.fcm.reconnect_delay", cfg.Carrier.FCM.ReconnectDelay)
	v.SetDefault("carrier.wsrelay.url", cfg.Carrier.WSRelay.URL)
	v.SetDefault("carrier.wsrelay.listen", cfg.Carrier.WSRelay.Listen)
	v.SetDefault("carrier.wsrelay.token", cfg.Carrier.WSRelay.Token)
	v.SetDefault("carrier.wsrelay.peer_token", cfg.Carrier.WSRelay.PeerToken)
	v.SetDefault("carrier.wsrelay.key", cfg.Carrier.WSRelay.Key)
	v.SetDefault("transport.ceiling", cfg.Transport.Ceiling)
	v.SetDefault("transport.message_type", cfg.Transport.MessageType)
	v.SetDefault("transport.chunk_timeout", cfg.Transport.ChunkTimeout)
	v.SetDefault("transport.sweep_interval", cfg.Transport.SweepInterval)
	v.SetDefault("tunnel.open_timeout", cfg.Tunnel.OpenTimeout)
	v.SetDefault("tunnel.dial_timeout", cfg.Tunnel.DialTimeout)
	v.SetDefault("tunnel.queue_size", cfg.Tunnel.QueueSize)
	v.SetDefault("tunnel.frame_rate", cfg.Tunnel.FrameRate)
	v.SetDefault("stats_interval", cfg.StatsInterval)

	// Choose config file
	if path == "" {
		if envPath := os.Getenv("PUSHTUN_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pushtun")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".pushtun"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalises the config and rejects unusable combinations.
func (c *Config) Validate() error {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.Carrier.Kind = strings.ToLower(strings.TrimSpace(c.Carrier.Kind))

	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	switch c.Mode {
	case ModeRelay:
		if c.Carrier.WSRelay.Listen == "" {
			return errors.New("relay mode requires carrier.wsrelay.listen")
		}
		return nil
	case ModePeer:
	default:
		return fmt.Errorf("invalid mode: %q", c.Mode)
	}

	if c.Secret == "" {
		return errors.New("secret is required")
	}
	if strings.TrimSpace(c.Peer) == "" {
		c.Peer = "peer"
	}

	switch c.Carrier.Kind {
	case CarrierFCM:
		f := c.Carrier.FCM
		switch {
		case f.Project == "":
			return errors.New("carrier.fcm.project is required")
		case f.ServiceAccountFile == "":
			return errors.New("carrier.fcm.service_account_file is required")
		case f.CredentialsFile == "":
			return errors.New("carrier.fcm.credentials_file is required")
		case f.PeerToken == "":
			return errors.New("carrier.fcm.peer_token is required")
		case f.HeartbeatInterval <= 0:
			return fmt.Errorf("invalid carrier.fcm.heartbeat_interval: %s", f.HeartbeatInterval)
		}
	case CarrierWSRelay:
		w := c.Carrier.WSRelay
		switch {
		case w.URL == "":
			return errors.New("carrier.wsrelay.url is required")
		case w.Token == "":
			return errors.New("carrier.wsrelay.token is required")
		case w.PeerToken == "":
			return errors.New("carrier.wsrelay.peer_token is required")
		}
	default:
		return fmt.Errorf("invalid carrier.kind: %q", c.Carrier.Kind)
	}

	if c.Transport.Ceiling < 64 {
		return fmt.Errorf("transport.ceiling too small: %d", c.Transport.Ceiling)
	}
	if c.Tunnel.QueueSize <= 0 {
		return fmt.Errorf("invalid tunnel.queue_size: %d", c.Tunnel.QueueSize)
	}
	if c.Tunnel.FrameRate <= 0 {
		return fmt.Errorf("invalid tunnel.frame_rate: %v", c.Tunnel.FrameRate)
	}
	for i, f := range c.Forward {
		if f.Listen == "" || f.Target == "" {
			return fmt.Errorf("forward[%d] needs listen and target", i)
		}
	}
	return nil
}
