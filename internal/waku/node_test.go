package waku

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"
)

func TestNodeLifecycle(t *testing.T) {
	n := NewNode(DefaultConfig(), WithBus(NewBus()))
	initial := n.Status()
	if initial.State != StateDisconnected {
		t.Fatalf("expected disconnected initially, got %s", initial.State)
	}

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	started := n.Status()
	if started.State != StateConnected {
		t.Fatalf("expected connected after start, got %s", started.State)
	}
	if started.PeerCount <= 0 {
		t.Fatalf("expected peer count > 0, got %d", started.PeerCount)
	}

	if err := n.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	stopped := n.Status()
	if stopped.State != StateDisconnected {
		t.Fatalf("expected disconnected after stop, got %s", stopped.State)
	}
	if got := n.NetworkMetrics()["network_state_transitions"]; got != 3 {
		t.Fatalf("expected 3 state transitions, got %d", got)
	}
}

func TestNodeRejectsInvalidBootstrapNodes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BootstrapNodes = []string{"not-a-multiaddr"}
	n := NewNode(cfg, WithBus(NewBus()))
	if err := n.Start(context.Background()); err == nil {
		t.Fatal("expected invalid bootstrap node to fail start")
	}
	if n.Status().State != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", n.Status().State)
	}
	if err := ValidateBootstrapNodes([]string{"/ip4/127.0.0.1/tcp/60000"}); err != nil {
		t.Fatalf("valid multiaddr rejected: %v", err)
	}
}

func TestMockPublishDeliversToSubscriber(t *testing.T) {
	bus := NewBus()
	alice := startMockNode(t, bus, "alice")
	bob := startMockNode(t, bus, "bob")

	var mu sync.Mutex
	var got []Packet
	if err := bob.Subscribe(func(pkt Packet) {
		mu.Lock()
		got = append(got, pkt)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := alice.Publish(context.Background(), Packet{ID: "m1", Sender: "alice", Recipient: "bob", Payload: []byte("hi")}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].ID != "m1" || string(got[0].Payload) != "hi" {
		t.Fatalf("unexpected delivery: %+v", got)
	}
}

func TestMockMailboxReplaysOnSubscribe(t *testing.T) {
	bus := NewBus()
	alice := startMockNode(t, bus, "alice")
	for _, id := range []string{"m1", "m2"} {
		if err := alice.Publish(context.Background(), Packet{ID: id, Sender: "alice", Recipient: "carol"}); err != nil {
			t.Fatalf("publish %s failed: %v", id, err)
		}
	}

	carol := startMockNode(t, bus, "carol")
	var ids []string
	if err := carol.Subscribe(func(pkt Packet) { ids = append(ids, pkt.ID) }); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "m1" || ids[1] != "m2" {
		t.Fatalf("expected mailbox replay in order, got %v", ids)
	}
}

func TestNodeGuardsBeforeStartAndIdentity(t *testing.T) {
	n := NewNode(DefaultConfig(), WithBus(NewBus()))
	if err := n.Publish(context.Background(), Packet{Recipient: "x"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer n.Stop(context.Background())
	if err := n.Subscribe(func(Packet) {}); !errors.Is(err, ErrIdentityNotSet) {
		t.Fatalf("expected ErrIdentityNotSet, got %v", err)
	}
	if err := n.Publish(context.Background(), Packet{ID: "m"}); !errors.Is(err, ErrRecipientRequired) {
		t.Fatalf("expected ErrRecipientRequired, got %v", err)
	}
	if _, err := n.FetchSince(context.Background(), time.Time{}, 10); !errors.Is(err, ErrIdentityNotSet) {
		t.Fatalf("expected ErrIdentityNotSet from fetch, got %v", err)
	}
}

func TestNodeLifecycleGoWaku(t *testing.T) {
	if os.Getenv("PANTHALASSA_RUN_REAL_WAKU_TESTS") != "true" {
		t.Skip("set PANTHALASSA_RUN_REAL_WAKU_TESTS=true to run go-waku lifecycle test")
	}
	if newGoWakuBackend() == nil {
		t.Skip("go-waku backend is not enabled in this build")
	}

	cfg := DefaultConfig()
	cfg.Transport = TransportGoWaku
	cfg.Port = 0
	cfg.BootstrapNodes = nil

	n := NewNode(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := n.Start(ctx); err != nil {
		t.Fatalf("go-waku start failed: %v", err)
	}
	started := n.Status()
	if started.State != StateConnected && started.State != StateDegraded {
		t.Fatalf("expected connected/degraded after go-waku start, got %s", started.State)
	}
	if err := n.Stop(context.Background()); err != nil {
		t.Fatalf("go-waku stop failed: %v", err)
	}
}

func TestGoWakuTransportWithoutBackendFails(t *testing.T) {
	if newGoWakuBackend() != nil {
		t.Skip("go-waku backend is compiled in")
	}
	n := NewNode(Config{Transport: TransportGoWaku})
	if err := n.Start(context.Background()); !errors.Is(err, ErrBackendMissing) {
		t.Fatalf("expected ErrBackendMissing, got %v", err)
	}
}

func TestNodeRuntimeStateTransitionsByPeerCount(t *testing.T) {
	prevInterval := runtimeStatusPollInterval
	runtimeStatusPollInterval = 20 * time.Millisecond
	defer func() { runtimeStatusPollInterval = prevInterval }()

	backend := &fakeGoWakuBackend{peerCount: 1}
	n := NewNode(Config{Transport: TransportGoWaku})
	n.mu.Lock()
	n.gw = backend
	n.status.State = StateConnected
	n.status.PeerCount = 1
	n.status.LastSync = time.Now()
	n.mu.Unlock()
	n.startRuntimeMonitor()
	defer n.stopRuntimeMonitor()

	waitForState(t, n, StateConnected, 300*time.Millisecond)
	backend.setPeerCount(0)
	waitForState(t, n, StateDegraded, 500*time.Millisecond)
	backend.setPeerCount(2)
	waitForState(t, n, StateConnected, 500*time.Millisecond)
}

func TestNormalizeConfigAppliesSafeDefaults(t *testing.T) {
	cfg := normalizeConfig(Config{
		Transport:           "",
		MinPeers:            -1,
		StoreQueryFanout:    0,
		ReconnectInterval:   0,
		ReconnectBackoffMax: 10 * time.Millisecond,
	})

	if cfg.Transport != TransportMock {
		t.Fatalf("transport must default to mock, got %q", cfg.Transport)
	}
	if cfg.MinPeers != 0 {
		t.Fatalf("expected negative minPeers to clamp to 0, got %d", cfg.MinPeers)
	}
	if cfg.StoreQueryFanout <= 0 {
		t.Fatalf("storeQueryFanout must be > 0, got %d", cfg.StoreQueryFanout)
	}
	if cfg.ReconnectInterval <= 0 {
		t.Fatalf("reconnectInterval must be > 0, got %s", cfg.ReconnectInterval)
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectInterval {
		t.Fatalf("reconnectBackoffMax must be >= reconnectInterval, got max=%s interval=%s", cfg.ReconnectBackoffMax, cfg.ReconnectInterval)
	}
}

func TestStartupStateFromPeerCount(t *testing.T) {
	cfg := Config{MinPeers: 2}
	if got := startupStateFromPeerCount(2, cfg); got != StateConnected {
		t.Fatalf("expected connected, got %s", got)
	}
	if got := startupStateFromPeerCount(0, cfg); got != StateDegraded {
		t.Fatalf("expected degraded, got %s", got)
	}
}

func TestStartupPeerTarget(t *testing.T) {
	if got := startupPeerTarget(Config{}); got != 1 {
		t.Fatalf("expected default startup target=1, got %d", got)
	}
	if got := startupPeerTarget(Config{MinPeers: 3, BootstrapNodes: []string{"a", "b"}}); got != 2 {
		t.Fatalf("expected target capped by bootstrap size to 2, got %d", got)
	}
}

func TestWaitForStartupPeerCountTimeoutReturnsDegradedCount(t *testing.T) {
	backend := &fakeGoWakuBackend{peerCount: 0}
	ctx, cancel := context.WithTimeout(context.Background(), 350*time.Millisecond)
	defer cancel()

	cfg := Config{
		MinPeers:            2,
		ReconnectInterval:   50 * time.Millisecond,
		ReconnectBackoffMax: 200 * time.Millisecond,
	}
	got, err := waitForStartupPeerCount(ctx, backend, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0 {
		t.Fatalf("expected peer count=0 after timeout, got %d", got)
	}
}

func startMockNode(t *testing.T, bus *Bus, identity string) *Node {
	t.Helper()
	n := NewNode(DefaultConfig(), WithBus(bus))
	n.SetIdentity(identity)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start %s failed: %v", identity, err)
	}
	t.Cleanup(func() { _ = n.Stop(context.Background()) })
	return n
}

func waitForState(t *testing.T, n *Node, expected string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if n.Status().State == expected {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for state=%s, got=%s", expected, n.Status().State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type fakeGoWakuBackend struct {
	mu        sync.RWMutex
	peerCount int
}

func (f *fakeGoWakuBackend) Start(_ context.Context, _ Config) error      { return nil }
func (f *fakeGoWakuBackend) Stop()                                        {}
func (f *fakeGoWakuBackend) NetworkMetrics() map[string]int               { return map[string]int{} }
func (f *fakeGoWakuBackend) SetIdentity(_ string)                         {}
func (f *fakeGoWakuBackend) ListenAddresses() []string                    { return nil }
func (f *fakeGoWakuBackend) Subscribe(_ func(Packet)) error               { return nil }
func (f *fakeGoWakuBackend) Publish(_ context.Context, _ Packet) error    { return nil }
func (f *fakeGoWakuBackend) FetchSince(_ context.Context, _ string, _ time.Time, _ int) ([]Packet, error) {
	return nil, nil
}
func (f *fakeGoWakuBackend) PeerCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.peerCount
}
func (f *fakeGoWakuBackend) setPeerCount(v int) {
	f.mu.Lock()
	f.peerCount = v
	f.mu.Unlock()
}
