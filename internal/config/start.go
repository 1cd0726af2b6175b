// Package config parses the start configuration handed over by the host and
// the dev host's own configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"

	"panthalassa/go-core/internal/apperr"
)

// StartConfig is the serialized configuration passed to Start. JSON is
// accepted since it is a subset of YAML.
type StartConfig struct {
	EncryptedKeyManager    string `yaml:"encrypted_key_manager" json:"encrypted_key_manager"`
	SignedProfile          string `yaml:"signed_profile" json:"signed_profile"`
	EthWsEndpoint          string `yaml:"eth_ws_endpoint" json:"eth_ws_endpoint"`
	EnableDebugging        bool   `yaml:"enable_debugging" json:"enable_debugging"`
	PrivateChatEndpoint    string `yaml:"private_chat_endpoint" json:"private_chat_endpoint"`
	PrivateChatBearerToken string `yaml:"private_chat_bearer_token" json:"private_chat_bearer_token"`
}

type ChatEndpointKind int

const (
	ChatEndpointNone ChatEndpointKind = iota
	ChatEndpointRelay
	ChatEndpointPeer
)

// ParseStartConfig decodes and validates raw. Unknown fields are rejected.
func ParseStartConfig(raw string) (StartConfig, error) {
	var cfg StartConfig
	if strings.TrimSpace(raw) == "" {
		return cfg, apperr.Validation("start config is empty")
	}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return StartConfig{}, apperr.Validation("invalid start config: %v", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return StartConfig{}, err
	}
	return cfg, nil
}

func (c *StartConfig) normalize() {
	c.EncryptedKeyManager = strings.TrimSpace(c.EncryptedKeyManager)
	c.SignedProfile = strings.TrimSpace(c.SignedProfile)
	c.EthWsEndpoint = strings.TrimSpace(c.EthWsEndpoint)
	c.PrivateChatEndpoint = strings.TrimSpace(c.PrivateChatEndpoint)
	c.PrivateChatBearerToken = strings.TrimSpace(c.PrivateChatBearerToken)
}

func (c StartConfig) Validate() error {
	if c.EthWsEndpoint != "" {
		u, err := url.Parse(c.EthWsEndpoint)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return apperr.Validation("eth_ws_endpoint must be a ws:// or wss:// url")
		}
	}
	if _, err := c.ChatEndpoint(); err != nil {
		return err
	}
	return nil
}

// ChatEndpoint classifies private_chat_endpoint: an http(s) url selects the
// relay transport, a multiaddr is dialed as a waku bootstrap peer.
func (c StartConfig) ChatEndpoint() (ChatEndpointKind, error) {
	endpoint := c.PrivateChatEndpoint
	if endpoint == "" {
		return ChatEndpointNone, nil
	}
	if strings.HasPrefix(endpoint, "/") {
		if _, err := ma.NewMultiaddr(endpoint); err != nil {
			return ChatEndpointNone, apperr.Validation("private_chat_endpoint: %v", err)
		}
		return ChatEndpointPeer, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ChatEndpointNone, apperr.Validation("private_chat_endpoint must be an http(s) url or a multiaddr")
	}
	return ChatEndpointRelay, nil
}

// Encode renders the config as JSON-compatible YAML flow text.
func (c StartConfig) Encode() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode start config: %w", err)
	}
	return string(out), nil
}
