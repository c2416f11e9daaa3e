package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mist-chat/go-core/internal/transport"
)

// Config is the full node configuration. Every field has a usable default
// so an empty file (or none at all) still yields a runnable node.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Network NetworkConfig `yaml:"network"`
	Limits  LimitsConfig  `yaml:"limits"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

type NodeConfig struct {
	Name        string `yaml:"name"`
	DataDir     string `yaml:"dataDir"`
	KeystoreKey string `yaml:"keystoreKey"`
}

type NetworkConfig struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	EnableRelay         *bool         `yaml:"enableRelay"`
	EnableStore         *bool         `yaml:"enableStore"`
	EnableFilter        *bool         `yaml:"enableFilter"`
	EnableLightPush     *bool         `yaml:"enableLightPush"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	MinPeers            int           `yaml:"minPeers"`
	StoreQueryFanout    int           `yaml:"storeQueryFanout"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
}

type LimitsConfig struct {
	CommandsPerSecond float64       `yaml:"commandsPerSecond"`
	CommandBurst      int           `yaml:"commandBurst"`
	IdleTTL           time.Duration `yaml:"idleTTL"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func Default() Config {
	return Config{
		Node: NodeConfig{
			Name:    "mist-node",
			DataDir: "data",
		},
		Limits: LimitsConfig{
			CommandsPerSecond: 5,
			CommandBurst:      10,
			IdleTTL:           10 * time.Minute,
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9464",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromPath reads a yaml config, merges it over defaults and applies
// environment overrides. A missing or unreadable file falls back to the
// defaults rather than failing startup.
func LoadFromPath(configPath string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates, "configs/config.yaml")
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		merge(&cfg, parsed)
		break
	}
	applyEnvOverrides(&cfg)
	return cfg
}

func merge(dst *Config, src Config) {
	if src.Node.Name != "" {
		dst.Node.Name = src.Node.Name
	}
	if src.Node.DataDir != "" {
		dst.Node.DataDir = src.Node.DataDir
	}
	if src.Node.KeystoreKey != "" {
		dst.Node.KeystoreKey = src.Node.KeystoreKey
	}
	dst.Network = src.Network
	if src.Limits.CommandsPerSecond != 0 {
		dst.Limits.CommandsPerSecond = src.Limits.CommandsPerSecond
	}
	if src.Limits.CommandBurst != 0 {
		dst.Limits.CommandBurst = src.Limits.CommandBurst
	}
	if src.Limits.IdleTTL != 0 {
		dst.Limits.IdleTTL = src.Limits.IdleTTL
	}
	if src.Metrics.Enabled {
		dst.Metrics.Enabled = true
	}
	if src.Metrics.Listen != "" {
		dst.Metrics.Listen = src.Metrics.Listen
	}
	if src.Logging.Level != "" {
		dst.Logging.Level = src.Logging.Level
	}
}

func applyEnvOverrides(cfg *Config) {
	if transport := strings.TrimSpace(os.Getenv("MIST_NETWORK_TRANSPORT")); transport != "" {
		cfg.Network.Transport = transport
	}
	if dataDir := strings.TrimSpace(os.Getenv("MIST_DATA_DIR")); dataDir != "" {
		cfg.Node.DataDir = dataDir
	}
	if level := strings.TrimSpace(os.Getenv("MIST_LOG_LEVEL")); level != "" {
		cfg.Logging.Level = level
	}
	if raw := strings.TrimSpace(os.Getenv("MIST_METRICS_ENABLED")); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Metrics.Enabled = v
		}
	}
}

// TransportConfig converts the network section into the transport node's
// config, keeping its defaults where the section left fields unset.
func (c Config) TransportConfig() transport.Config {
	out := transport.DefaultConfig()
	src := c.Network
	if src.Transport != "" {
		out.Transport = src.Transport
	}
	if src.Port != 0 {
		out.Port = src.Port
	}
	if src.EnableRelay != nil {
		out.EnableRelay = *src.EnableRelay
	}
	if src.EnableStore != nil {
		out.EnableStore = *src.EnableStore
	}
	if src.EnableFilter != nil {
		out.EnableFilter = *src.EnableFilter
	}
	if src.EnableLightPush != nil {
		out.EnableLightPush = *src.EnableLightPush
	}
	if src.BootstrapNodes != nil {
		out.BootstrapNodes = src.BootstrapNodes
	}
	if src.MinPeers != 0 {
		out.MinPeers = src.MinPeers
	}
	if src.StoreQueryFanout != 0 {
		out.StoreQueryFanout = src.StoreQueryFanout
	}
	if src.ReconnectInterval != 0 {
		out.ReconnectInterval = src.ReconnectInterval
	}
	if src.ReconnectBackoffMax != 0 {
		out.ReconnectBackoffMax = src.ReconnectBackoffMax
	}
	return out
}
