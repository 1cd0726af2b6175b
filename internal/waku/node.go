// Package waku is the chat network transport. The mock transport runs on an
// in-process Bus; the go-waku transport is compiled in with the real_waku
// build tag.
package waku

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
)

const (
	TransportMock   = "mock"
	TransportGoWaku = "go-waku"

	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDegraded     = "degraded"
)

var (
	ErrNotConnected      = errors.New("waku not connected")
	ErrIdentityNotSet    = errors.New("identity is not set")
	ErrRecipientRequired = errors.New("recipient is required")
	ErrBackendMissing    = errors.New("go-waku backend is not available in this build")
)

var runtimeStatusPollInterval = 1 * time.Second

type Config struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	EnableRelay         bool          `yaml:"enableRelay"`
	EnableStore         bool          `yaml:"enableStore"`
	EnableFilter        bool          `yaml:"enableFilter"`
	EnableLightPush     bool          `yaml:"enableLightPush"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	MinPeers            int           `yaml:"minPeers"`
	StoreQueryFanout    int           `yaml:"storeQueryFanout"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
}

type Status struct {
	State     string    `json:"state"`
	PeerCount int       `json:"peer_count"`
	LastSync  time.Time `json:"last_sync"`
}

type Node struct {
	mu      sync.RWMutex
	cfg     Config
	status  Status
	selfID  string
	handler func(Packet)
	bus     *Bus
	gw      goWakuBackend

	monitorCancel    context.CancelFunc
	monitorWG        sync.WaitGroup
	stateTransitions int
}

type goWakuBackend interface {
	Start(ctx context.Context, cfg Config) error
	Stop()
	PeerCount() int
	NetworkMetrics() map[string]int
	SetIdentity(identityID string)
	ListenAddresses() []string
	Subscribe(handler func(Packet)) error
	Publish(ctx context.Context, pkt Packet) error
	FetchSince(ctx context.Context, recipient string, since time.Time, limit int) ([]Packet, error)
}

type Option func(*Node)

// WithBus isolates a mock node on its own bus.
func WithBus(bus *Bus) Option {
	return func(n *Node) {
		if bus != nil {
			n.bus = bus
		}
	}
}

func DefaultConfig() Config {
	return Config{
		Transport:           TransportMock,
		Port:                60000,
		EnableRelay:         true,
		EnableStore:         true,
		EnableFilter:        true,
		EnableLightPush:     true,
		MinPeers:            2,
		StoreQueryFanout:    3,
		ReconnectInterval:   1 * time.Second,
		ReconnectBackoffMax: 30 * time.Second,
	}
}

func NewNode(cfg Config, opts ...Option) *Node {
	n := &Node{
		cfg:    normalizeConfig(cfg),
		status: Status{State: StateDisconnected},
		bus:    defaultBus,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	cfg.Transport = strings.TrimSpace(cfg.Transport)
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if cfg.StoreQueryFanout <= 0 {
		cfg.StoreQueryFanout = def.StoreQueryFanout
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.ReconnectBackoffMax <= 0 {
		cfg.ReconnectBackoffMax = def.ReconnectBackoffMax
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectInterval {
		cfg.ReconnectBackoffMax = cfg.ReconnectInterval
	}
	if cfg.MinPeers < 0 {
		cfg.MinPeers = 0
	}
	return cfg
}

// ValidateBootstrapNodes checks that every entry is a multiaddr.
func ValidateBootstrapNodes(nodes []string) error {
	for _, addr := range nodes {
		if _, err := ma.NewMultiaddr(strings.TrimSpace(addr)); err != nil {
			return fmt.Errorf("invalid bootstrap node %q: %w", addr, err)
		}
	}
	return nil
}

func (n *Node) Start(ctx context.Context) error {
	if err := ValidateBootstrapNodes(n.cfg.BootstrapNodes); err != nil {
		return err
	}
	n.mu.Lock()
	n.transitionStateLocked(StateConnecting)
	n.status.LastSync = time.Now()
	n.mu.Unlock()

	if n.cfg.Transport == TransportGoWaku {
		backend := newGoWakuBackend()
		if backend == nil {
			n.setDisconnected()
			return ErrBackendMissing
		}
		n.mu.RLock()
		selfID := n.selfID
		n.mu.RUnlock()
		backend.SetIdentity(selfID)
		if err := backend.Start(ctx, n.cfg); err != nil {
			n.setDisconnected()
			return err
		}
		peerCount, err := waitForStartupPeerCount(ctx, backend, n.cfg)
		if err != nil {
			backend.Stop()
			n.setDisconnected()
			return err
		}
		n.mu.Lock()
		n.gw = backend
		n.transitionStateLocked(startupStateFromPeerCount(peerCount, n.cfg))
		n.status.PeerCount = peerCount
		n.status.LastSync = time.Now()
		n.mu.Unlock()
		n.startRuntimeMonitor()
		return nil
	}

	if err := ctx.Err(); err != nil {
		n.setDisconnected()
		return err
	}
	n.mu.Lock()
	n.transitionStateLocked(StateConnected)
	n.status.PeerCount = 1
	n.status.LastSync = time.Now()
	n.mu.Unlock()
	return nil
}

func (n *Node) Stop(_ context.Context) error {
	n.stopRuntimeMonitor()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.gw != nil {
		n.gw.Stop()
		n.gw = nil
	}
	if n.selfID != "" {
		n.bus.unsubscribe(n.selfID)
	}
	n.handler = nil
	n.transitionStateLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
	return nil
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s := n.status
	if n.gw != nil {
		s.PeerCount = n.gw.PeerCount()
	}
	return s
}

func (n *Node) SetIdentity(identityID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.selfID = identityID
	if n.gw != nil {
		n.gw.SetIdentity(identityID)
	}
}

// Subscribe delivers packets addressed to this node's identity to handler.
func (n *Node) Subscribe(handler func(Packet)) error {
	n.mu.Lock()
	state := n.status.State
	selfID := n.selfID
	gw := n.gw
	if connected(state) && selfID != "" {
		n.handler = handler
	}
	n.mu.Unlock()

	if !connected(state) {
		return ErrNotConnected
	}
	if selfID == "" {
		return ErrIdentityNotSet
	}
	if gw != nil {
		return gw.Subscribe(handler)
	}
	n.bus.subscribe(selfID, handler)
	return nil
}

func (n *Node) Publish(ctx context.Context, pkt Packet) error {
	n.mu.RLock()
	state := n.status.State
	gw := n.gw
	n.mu.RUnlock()
	if !connected(state) {
		return ErrNotConnected
	}
	if pkt.Recipient == "" {
		return ErrRecipientRequired
	}
	if gw != nil {
		return gw.Publish(ctx, pkt)
	}
	n.bus.publish(pkt)
	return nil
}

// FetchSince asks store peers for packets missed while offline. The mock
// transport replays its mailbox on Subscribe instead and returns nothing.
func (n *Node) FetchSince(ctx context.Context, since time.Time, limit int) ([]Packet, error) {
	n.mu.RLock()
	state := n.status.State
	selfID := n.selfID
	gw := n.gw
	n.mu.RUnlock()
	if !connected(state) {
		return nil, ErrNotConnected
	}
	if selfID == "" {
		return nil, ErrIdentityNotSet
	}
	if gw == nil {
		return nil, nil
	}
	return gw.FetchSince(ctx, selfID, since, limit)
}

func (n *Node) ListenAddresses() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.gw == nil {
		return nil
	}
	return append([]string(nil), n.gw.ListenAddresses()...)
}

func (n *Node) NetworkMetrics() map[string]int {
	n.mu.RLock()
	transitions := n.stateTransitions
	gw := n.gw
	n.mu.RUnlock()
	out := map[string]int{
		"network_state_transitions": transitions,
	}
	if gw != nil {
		for k, v := range gw.NetworkMetrics() {
			out[k] = v
		}
	}
	return out
}

func (n *Node) setDisconnected() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitionStateLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
}

func (n *Node) startRuntimeMonitor() {
	n.mu.Lock()
	if n.monitorCancel != nil {
		n.monitorCancel()
	}
	monitorCtx, cancel := context.WithCancel(context.Background())
	n.monitorCancel = cancel
	n.monitorWG.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.monitorWG.Done()
		ticker := time.NewTicker(runtimeStatusPollInterval)
		defer ticker.Stop()
		n.refreshRuntimeStatus()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				n.refreshRuntimeStatus()
			}
		}
	}()
}

func (n *Node) stopRuntimeMonitor() {
	n.mu.Lock()
	cancel := n.monitorCancel
	n.monitorCancel = nil
	n.mu.Unlock()
	if cancel != nil {
		cancel()
		n.monitorWG.Wait()
	}
}

func (n *Node) refreshRuntimeStatus() {
	n.mu.RLock()
	gw := n.gw
	n.mu.RUnlock()
	if gw == nil {
		return
	}
	peerCount := gw.PeerCount()
	nextState := StateConnected
	if peerCount <= 0 {
		nextState = StateDegraded
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status.State == StateDisconnected {
		return
	}
	if n.status.State != nextState || n.status.PeerCount != peerCount {
		n.transitionStateLocked(nextState)
		n.status.PeerCount = peerCount
		n.status.LastSync = time.Now()
	}
}

func (n *Node) transitionStateLocked(next string) {
	if n.status.State != next {
		n.stateTransitions++
		n.status.State = next
	}
}

func connected(state string) bool {
	return state == StateConnected || state == StateDegraded
}

func waitForStartupPeerCount(ctx context.Context, backend goWakuBackend, cfg Config) (int, error) {
	target := startupPeerTarget(cfg)
	peerCount := backend.PeerCount()
	if peerCount >= target {
		return peerCount, nil
	}

	timer := time.NewTimer(startupHandshakeTimeout(cfg))
	defer timer.Stop()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return backend.PeerCount(), ctx.Err()
		case <-timer.C:
			return backend.PeerCount(), nil
		case <-ticker.C:
			if peerCount = backend.PeerCount(); peerCount >= target {
				return peerCount, nil
			}
		}
	}
}

func startupStateFromPeerCount(peerCount int, cfg Config) string {
	if peerCount >= startupPeerTarget(cfg) {
		return StateConnected
	}
	return StateDegraded
}

func startupPeerTarget(cfg Config) int {
	target := cfg.MinPeers
	if len(cfg.BootstrapNodes) > 0 && target > len(cfg.BootstrapNodes) {
		target = len(cfg.BootstrapNodes)
	}
	if target < 1 {
		target = 1
	}
	return target
}

func startupHandshakeTimeout(cfg Config) time.Duration {
	timeout := cfg.ReconnectInterval * 5
	if timeout < 2*time.Second {
		timeout = 2 * time.Second
	}
	if cfg.ReconnectBackoffMax > 0 && timeout > cfg.ReconnectBackoffMax {
		timeout = cfg.ReconnectBackoffMax
	}
	return timeout
}
