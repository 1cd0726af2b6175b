package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"panthalassa/go-core/internal/apperr"
	"panthalassa/go-core/internal/waku"
)

func boolPtr(v bool) *bool {
	return &v
}

func TestParseStartConfigAcceptsHostJSON(t *testing.T) {
	raw := `{
		"encrypted_key_manager": "{\"version\":1}",
		"signed_profile": "",
		"eth_ws_endpoint": "wss://mainnet.infura.io/ws",
		"enable_debugging": true,
		"private_chat_endpoint": "https://chat.example.org",
		"private_chat_bearer_token": " token "
	}`
	cfg, err := ParseStartConfig(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.EncryptedKeyManager != `{"version":1}` || !cfg.EnableDebugging || cfg.PrivateChatBearerToken != "token" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if kind, _ := cfg.ChatEndpoint(); kind != ChatEndpointRelay {
		t.Fatalf("expected relay endpoint, got %v", kind)
	}
}

func TestParseStartConfigRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"empty":         "  ",
		"unknown field": `{"encrypted_key_manager":"x","surprise":1}`,
		"eth scheme":    `{"eth_ws_endpoint":"http://node"}`,
		"chat scheme":   `{"private_chat_endpoint":"ftp://chat"}`,
		"bad multiaddr": `{"private_chat_endpoint":"/ip4/999.0.0.1/tcp/1"}`,
		"not yaml":      `{"encrypted_key_manager": [`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseStartConfig(raw); apperr.KindOf(err) != apperr.KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestChatEndpointMultiaddrSelectsPeer(t *testing.T) {
	cfg := StartConfig{PrivateChatEndpoint: "/ip4/127.0.0.1/tcp/60000"}
	kind, err := cfg.ChatEndpoint()
	if err != nil || kind != ChatEndpointPeer {
		t.Fatalf("expected peer endpoint, got kind=%v err=%v", kind, err)
	}
	if kind, _ := (StartConfig{}).ChatEndpoint(); kind != ChatEndpointNone {
		t.Fatalf("expected no endpoint, got %v", kind)
	}
}

func TestMergeNetworkKeepsDefaultsWhenUnset(t *testing.T) {
	dst := waku.DefaultConfig()
	MergeNetwork(&dst, NetworkConfig{MinPeers: 4})
	if !dst.EnableRelay || !dst.EnableStore || !dst.EnableFilter || !dst.EnableLightPush {
		t.Fatalf("unset bools must keep defaults: %+v", dst)
	}
	if dst.MinPeers != 4 {
		t.Fatalf("expected minPeers=4, got %d", dst.MinPeers)
	}

	MergeNetwork(&dst, NetworkConfig{EnableRelay: boolPtr(false), ReconnectInterval: 2 * time.Second})
	if dst.EnableRelay {
		t.Fatal("explicit false must override default")
	}
	if dst.ReconnectInterval != 2*time.Second {
		t.Fatalf("unexpected reconnect interval %s", dst.ReconnectInterval)
	}
}

func TestLoadHostConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devhost.yaml")
	content := `listen: 127.0.0.1:9999
token: file-token
dappEngine: native
shutdownGrace: 2s
network:
  transport: mock
  minPeers: 3
  bootstrapNodes:
    - /ip4/127.0.0.1/tcp/60001
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PANTHALASSA_TOKEN", "env-token")

	cfg, err := LoadHostConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != "127.0.0.1:9999" || cfg.DAppEngine != EngineNative || cfg.ShutdownGrace != 2*time.Second {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Token != "env-token" {
		t.Fatalf("env override not applied, token=%q", cfg.Token)
	}
	if cfg.Network.MinPeers != 3 || len(cfg.Network.BootstrapNodes) != 1 {
		t.Fatalf("network section not merged: %+v", cfg.Network)
	}
	if cfg.RateLimitBurst != DefaultHostConfig().RateLimitBurst {
		t.Fatalf("unset values must keep defaults, burst=%d", cfg.RateLimitBurst)
	}
}

func TestLoadHostConfigValidates(t *testing.T) {
	if _, err := LoadHostConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected missing file error")
	}
	t.Setenv("PANTHALASSA_DAPP_ENGINE", "v8")
	if _, err := LoadHostConfig(""); err == nil {
		t.Fatal("expected unknown engine to be rejected")
	}
	t.Setenv("PANTHALASSA_DAPP_ENGINE", "")
	t.Setenv("PANTHALASSA_BOOTSTRAP_NODES", "not-a-multiaddr")
	if _, err := LoadHostConfig(""); err == nil {
		t.Fatal("expected invalid bootstrap node to be rejected")
	}
}
