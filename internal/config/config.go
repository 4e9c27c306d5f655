package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHTTPListen         = ":3001"
	DefaultWSListen           = ":3002"
	DefaultHeartbeatTimeoutMS = 30000
	DefaultPingIntervalMS     = 15000
	DefaultReconnectAttempts  = 5
	DefaultReconnectDelayMS   = 5000
)

// Config holds both gateway and node settings.
type Config struct {
	Gateway *GatewayConfig `yaml:"gateway,omitempty"`
	Node    *NodeConfig    `yaml:"node,omitempty"`
}

// GatewayConfig is used by the relay gateway process.
type GatewayConfig struct {
	HTTPListen         string `yaml:"http_listen"`
	WSListen           string `yaml:"ws_listen"`
	HeartbeatTimeoutMS int    `yaml:"heartbeat_timeout_ms"`
	PingIntervalMS     int    `yaml:"ping_interval_ms"`
	DeliveryLog        string `yaml:"delivery_log"`
}

// NodeConfig is used by the peer client process running on a mail node.
type NodeConfig struct {
	MailAddress       string   `yaml:"mail_address"`
	Gateway           string   `yaml:"gateway"`    // websocket endpoint, e.g. ws://host:3002
	Controller        string   `yaml:"controller"` // HTTP facade, e.g. http://host:3001
	AdvertiseHost     string   `yaml:"advertise_host"`
	AdvertisePort     int      `yaml:"advertise_port"`
	DataDir           string   `yaml:"data_dir"`
	STUNServers       []string `yaml:"stun_servers"`
	ReconnectAttempts int      `yaml:"reconnect_attempts"`
	ReconnectDelayMS  int      `yaml:"reconnect_delay_ms"`
	PingIntervalMS    int      `yaml:"ping_interval_ms"`
}

// HeartbeatTimeout returns the liveness timeout as a duration.
func (g GatewayConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(g.HeartbeatTimeoutMS) * time.Millisecond
}

// PingInterval returns the transport ping period as a duration.
func (g GatewayConfig) PingInterval() time.Duration {
	return time.Duration(g.PingIntervalMS) * time.Millisecond
}

// ReconnectDelay returns the fixed delay between reconnect attempts.
func (n NodeConfig) ReconnectDelay() time.Duration {
	return time.Duration(n.ReconnectDelayMS) * time.Millisecond
}

// PingInterval returns the protocol heartbeat period as a duration.
func (n NodeConfig) PingInterval() time.Duration {
	return time.Duration(n.PingIntervalMS) * time.Millisecond
}

// Load reads and parses a YAML config file, then applies environment
// overrides and defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	FromEnv(&cfg)
	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Gateway == nil && cfg.Node == nil {
		return fmt.Errorf("config must contain gateway or node section")
	}
	if cfg.Node != nil && cfg.Node.MailAddress == "" {
		return fmt.Errorf("node.mail_address is required")
	}
	if cfg.Node != nil && cfg.Node.Gateway == "" {
		return fmt.Errorf("node.gateway is required")
	}
	return nil
}

// FromEnv overrides config values from MAILRELAY_* environment variables.
// Unset or malformed variables leave the config untouched.
func FromEnv(cfg *Config) {
	if cfg.Gateway != nil {
		setString(&cfg.Gateway.HTTPListen, "MAILRELAY_HTTP_LISTEN")
		setString(&cfg.Gateway.WSListen, "MAILRELAY_WS_LISTEN")
		setInt(&cfg.Gateway.HeartbeatTimeoutMS, "MAILRELAY_HEARTBEAT_TIMEOUT_MS")
		setInt(&cfg.Gateway.PingIntervalMS, "MAILRELAY_PING_INTERVAL_MS")
		setString(&cfg.Gateway.DeliveryLog, "MAILRELAY_DELIVERY_LOG")
	}
	if cfg.Node != nil {
		setString(&cfg.Node.Gateway, "MAILRELAY_GATEWAY")
		setString(&cfg.Node.Controller, "MAILRELAY_CONTROLLER")
		setInt(&cfg.Node.ReconnectAttempts, "MAILRELAY_RECONNECT_ATTEMPTS")
		setInt(&cfg.Node.ReconnectDelayMS, "MAILRELAY_RECONNECT_DELAY_MS")
		setInt(&cfg.Node.PingIntervalMS, "MAILRELAY_PING_INTERVAL_MS")
	}
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Gateway != nil {
		if cfg.Gateway.HTTPListen == "" {
			cfg.Gateway.HTTPListen = DefaultHTTPListen
		}
		if cfg.Gateway.WSListen == "" {
			cfg.Gateway.WSListen = DefaultWSListen
		}
		if cfg.Gateway.HeartbeatTimeoutMS == 0 {
			cfg.Gateway.HeartbeatTimeoutMS = DefaultHeartbeatTimeoutMS
		}
		if cfg.Gateway.PingIntervalMS == 0 {
			cfg.Gateway.PingIntervalMS = DefaultPingIntervalMS
		}
	}

	if cfg.Node != nil {
		if cfg.Node.ReconnectAttempts == 0 {
			cfg.Node.ReconnectAttempts = DefaultReconnectAttempts
		}
		if cfg.Node.ReconnectDelayMS == 0 {
			cfg.Node.ReconnectDelayMS = DefaultReconnectDelayMS
		}
		if cfg.Node.PingIntervalMS == 0 {
			cfg.Node.PingIntervalMS = DefaultPingIntervalMS
		}
		if cfg.Node.DataDir == "" {
			cfg.Node.DataDir = "data"
		}
	}
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}
