package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"panthalassa/go-core/internal/waku"
)

const (
	EngineHosted = "hosted"
	EngineNative = "native"
)

// HostConfig configures the dev host binary.
type HostConfig struct {
	Listen         string        `yaml:"listen"`
	Token          string        `yaml:"token"`
	StorageDir     string        `yaml:"storageDir"`
	DAppEngine     string        `yaml:"dappEngine"`
	RateLimitRPS   float64       `yaml:"rateLimitRPS"`
	RateLimitBurst int           `yaml:"rateLimitBurst"`
	UpstreamReplay int           `yaml:"upstreamReplay"`
	ShutdownGrace  time.Duration `yaml:"shutdownGrace"`
	Network        waku.Config   `yaml:"-"`
}

type hostFile struct {
	Listen         string        `yaml:"listen"`
	Token          string        `yaml:"token"`
	StorageDir     string        `yaml:"storageDir"`
	DAppEngine     string        `yaml:"dappEngine"`
	RateLimitRPS   float64       `yaml:"rateLimitRPS"`
	RateLimitBurst int           `yaml:"rateLimitBurst"`
	UpstreamReplay int           `yaml:"upstreamReplay"`
	ShutdownGrace  time.Duration `yaml:"shutdownGrace"`
	Network        NetworkConfig `yaml:"network"`
}

// NetworkConfig is the optional network section; unset fields keep the
// waku defaults.
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

func DefaultHostConfig() HostConfig {
	return HostConfig{
		Listen:         "127.0.0.1:8787",
		StorageDir:     "panthalassa-data",
		DAppEngine:     EngineHosted,
		RateLimitRPS:   20,
		RateLimitBurst: 40,
		UpstreamReplay: 512,
		ShutdownGrace:  5 * time.Second,
		Network:        waku.DefaultConfig(),
	}
}

// LoadHostConfig reads path when given, then applies PANTHALASSA_* env
// overrides. A missing path is an error; an empty path means defaults.
func LoadHostConfig(path string) (HostConfig, error) {
	cfg := DefaultHostConfig()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return HostConfig{}, err
		}
		var parsed hostFile
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return HostConfig{}, fmt.Errorf("parse %s: %w", path, err)
		}
		mergeHost(&cfg, parsed)
	}
	ApplyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return HostConfig{}, err
	}
	return cfg, nil
}

func (c HostConfig) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DAppEngine != EngineHosted && c.DAppEngine != EngineNative {
		return fmt.Errorf("unknown dapp engine %q", c.DAppEngine)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	return waku.ValidateBootstrapNodes(c.Network.BootstrapNodes)
}

func mergeHost(dst *HostConfig, src hostFile) {
	if src.Listen != "" {
		dst.Listen = src.Listen
	}
	if src.Token != "" {
		dst.Token = src.Token
	}
	if src.StorageDir != "" {
		dst.StorageDir = src.StorageDir
	}
	if src.DAppEngine != "" {
		dst.DAppEngine = src.DAppEngine
	}
	if src.RateLimitRPS != 0 {
		dst.RateLimitRPS = src.RateLimitRPS
	}
	if src.RateLimitBurst != 0 {
		dst.RateLimitBurst = src.RateLimitBurst
	}
	if src.UpstreamReplay != 0 {
		dst.UpstreamReplay = src.UpstreamReplay
	}
	if src.ShutdownGrace != 0 {
		dst.ShutdownGrace = src.ShutdownGrace
	}
	MergeNetwork(&dst.Network, src.Network)
}

func MergeNetwork(dst *waku.Config, src NetworkConfig) {
	if src.Transport != "" {
		dst.Transport = src.Transport
	}
	if src.Port != 0 {
		dst.Port = src.Port
	}
	if src.EnableRelay != nil {
		dst.EnableRelay = *src.EnableRelay
	}
	if src.EnableStore != nil {
		dst.EnableStore = *src.EnableStore
	}
	if src.EnableFilter != nil {
		dst.EnableFilter = *src.EnableFilter
	}
	if src.EnableLightPush != nil {
		dst.EnableLightPush = *src.EnableLightPush
	}
	if src.BootstrapNodes != nil {
		dst.BootstrapNodes = src.BootstrapNodes
	}
	if src.MinPeers != 0 {
		dst.MinPeers = src.MinPeers
	}
	if src.StoreQueryFanout != 0 {
		dst.StoreQueryFanout = src.StoreQueryFanout
	}
	if src.ReconnectInterval != 0 {
		dst.ReconnectInterval = src.ReconnectInterval
	}
	if src.ReconnectBackoffMax != 0 {
		dst.ReconnectBackoffMax = src.ReconnectBackoffMax
	}
}

func ApplyEnvOverrides(cfg *HostConfig) {
	if v := strings.TrimSpace(os.Getenv("PANTHALASSA_LISTEN")); v != "" {
		cfg.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("PANTHALASSA_TOKEN")); v != "" {
		cfg.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("PANTHALASSA_STORAGE_DIR")); v != "" {
		cfg.StorageDir = v
	}
	if v := strings.TrimSpace(os.Getenv("PANTHALASSA_DAPP_ENGINE")); v != "" {
		cfg.DAppEngine = v
	}
	if v := strings.TrimSpace(os.Getenv("PANTHALASSA_NETWORK_TRANSPORT")); v != "" {
		cfg.Network.Transport = v
	}
	if v := strings.TrimSpace(os.Getenv("PANTHALASSA_BOOTSTRAP_NODES")); v != "" {
		nodes := make([]string, 0)
		for _, node := range strings.Split(v, ",") {
			if node = strings.TrimSpace(node); node != "" {
				nodes = append(nodes, node)
			}
		}
		cfg.Network.BootstrapNodes = nodes
	}
	if raw := strings.TrimSpace(os.Getenv("PANTHALASSA_RATE_LIMIT_RPS")); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.RateLimitRPS = v
		}
	}
}
