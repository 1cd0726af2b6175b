//go:build real_waku

package waku

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestGoWakuPacketExchangeAndStoreRetrieval(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	nodeA := startRealWakuNode(t, ctx, "pan1alice", nil, true)
	bootstrap := firstLoopbackAddr(nodeA.ListenAddresses())
	if bootstrap == "" {
		t.Skip("no loopback listen address for node A")
	}

	nodeB1 := startRealWakuNode(t, ctx, "pan1bob", []string{bootstrap}, false)
	pktCh := make(chan Packet, 4)
	if err := nodeB1.Subscribe(func(pkt Packet) { pktCh <- pkt }); err != nil {
		t.Fatalf("node B subscribe failed: %v", err)
	}

	online := Packet{ID: "realwaku_online_1", Sender: "pan1alice", Recipient: "pan1bob", Payload: []byte("hello-over-relay")}
	if err := nodeA.Publish(ctx, online); err != nil {
		t.Fatalf("publish online packet failed: %v", err)
	}
	select {
	case got := <-pktCh:
		if got.ID != online.ID {
			t.Fatalf("unexpected online packet id: %s", got.ID)
		}
	case <-time.After(12 * time.Second):
		t.Fatal("timed out waiting for online packet via relay")
	}

	if err := nodeB1.Stop(context.Background()); err != nil {
		t.Fatalf("stop node B failed: %v", err)
	}

	since := time.Now().Add(-2 * time.Second)
	offline := Packet{ID: "realwaku_offline_1", Sender: "pan1alice", Recipient: "pan1bob", Payload: []byte("hello-from-store")}
	if err := nodeA.Publish(ctx, offline); err != nil {
		t.Fatalf("publish offline packet failed: %v", err)
	}

	nodeB2 := startRealWakuNode(t, ctx, "pan1bob", []string{bootstrap}, false)
	missed, err := nodeB2.FetchSince(ctx, since, 200)
	if err != nil {
		t.Fatalf("fetch missed packets failed: %v", err)
	}
	for _, got := range missed {
		if got.ID == offline.ID {
			return
		}
	}
	t.Fatalf("offline packet %q was not recovered via store path", offline.ID)
}

func startRealWakuNode(t *testing.T, ctx context.Context, identity string, bootstrapNodes []string, subscribe bool) *Node {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Transport = TransportGoWaku
	cfg.Port = 0
	cfg.BootstrapNodes = append([]string(nil), bootstrapNodes...)
	node := NewNode(cfg)
	node.SetIdentity(identity)
	if err := node.Start(ctx); err != nil {
		t.Fatalf("start node %s failed: %v", identity, err)
	}
	t.Cleanup(func() { _ = node.Stop(context.Background()) })
	if subscribe {
		if err := node.Subscribe(func(Packet) {}); err != nil {
			t.Fatalf("node %s subscribe failed: %v", identity, err)
		}
	}
	return node
}

func firstLoopbackAddr(addrs []string) string {
	for _, addr := range addrs {
		if strings.Contains(addr, "/p2p/") && strings.Contains(addr, "/tcp/") && strings.Contains(addr, "/127.0.0.1/") {
			return addr
		}
	}
	for _, addr := range addrs {
		if strings.Contains(addr, "/p2p/") && strings.Contains(addr, "/tcp/") {
			return addr
		}
	}
	return ""
}
