//go:build real_waku

package waku

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/waku-org/go-waku/waku/persistence"
	"github.com/waku-org/go-waku/waku/persistence/sqlite"
	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	legacyStore "github.com/waku-org/go-waku/waku/v2/protocol/legacy_store"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"
	"github.com/waku-org/go-waku/waku/v2/utils"
)

const (
	chatPubsubTopic  = "/waku/2/default-waku/proto"
	chatContentTopic = "/panthalassa/1/chat/proto"
	defaultFetchSize = 100
)

var errNodeNotRunning = errors.New("go-waku node is not running")

type goWakuNode struct {
	mu             sync.RWMutex
	node           *wakuNode.WakuNode
	selfID         string
	cfg            Config
	maintainCancel context.CancelFunc
	maintainWG     sync.WaitGroup
	counters       map[string]int
}

func newGoWakuBackend() goWakuBackend {
	return &goWakuNode{counters: make(map[string]int)}
}

func (g *goWakuNode) Start(ctx context.Context, cfg Config) error {
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return err
	}
	opts := []wakuNode.WakuNodeOption{wakuNode.WithHostAddress(hostAddr)}
	if cfg.EnableRelay {
		opts = append(opts, wakuNode.WithWakuRelay())
	}
	if cfg.EnableStore {
		provider, err := newInMemoryMessageProvider()
		if err != nil {
			return err
		}
		opts = append(opts, wakuNode.WithMessageProvider(provider), wakuNode.WithWakuStore())
	}
	if cfg.EnableFilter {
		opts = append(opts, wakuNode.WithWakuFilterLightNode(), wakuNode.WithWakuFilterFullNode())
	}
	if cfg.EnableLightPush {
		opts = append(opts, wakuNode.WithLightPush())
	}

	node, err := wakuNode.New(opts...)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}
	for _, addr := range cfg.BootstrapNodes {
		g.count("dial_attempts")
		if err := node.DialPeer(ctx, addr); err != nil {
			g.count("dial_failures")
			continue
		}
		g.count("dial_success")
	}

	g.mu.Lock()
	g.node = node
	g.cfg = cfg
	g.mu.Unlock()
	g.startPeerMaintenance()
	return nil
}

func (g *goWakuNode) Stop() {
	g.stopPeerMaintenance()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.node != nil {
		g.node.Stop()
		g.node = nil
	}
}

func (g *goWakuNode) PeerCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.node == nil {
		return 0
	}
	return g.node.PeerCount()
}

func (g *goWakuNode) NetworkMetrics() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]int, len(g.counters))
	for k, v := range g.counters {
		out[k] = v
	}
	return out
}

func (g *goWakuNode) SetIdentity(identityID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.selfID = identityID
}

func (g *goWakuNode) ListenAddresses() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.node == nil {
		return nil
	}
	addrs := g.node.ListenAddresses()
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	return out
}

func (g *goWakuNode) Subscribe(handler func(Packet)) error {
	g.mu.RLock()
	node := g.node
	selfID := g.selfID
	g.mu.RUnlock()
	if node == nil {
		return errNodeNotRunning
	}
	if selfID == "" {
		return ErrIdentityNotSet
	}

	filter := protocol.NewContentFilter(chatPubsubTopic, chatContentTopic)
	subs, err := node.Relay().Subscribe(context.Background(), filter)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		go func(subscription *relay.Subscription) {
			for env := range subscription.Ch {
				if env == nil || env.Message() == nil {
					continue
				}
				pkt, ok := decodePacket(env.Message().Payload, selfID)
				if !ok {
					continue
				}
				handler(pkt)
			}
		}(sub)
	}
	return nil
}

func (g *goWakuNode) Publish(ctx context.Context, pkt Packet) error {
	g.mu.RLock()
	node := g.node
	g.mu.RUnlock()
	if node == nil {
		return errNodeNotRunning
	}
	payload, err := json.Marshal(pkt)
	if err != nil {
		return err
	}
	ts := time.Now().UnixNano()
	_, err = node.Relay().Publish(ctx, &wpb.WakuMessage{
		Payload:      payload,
		ContentTopic: chatContentTopic,
		Timestamp:    &ts,
	}, relay.WithPubSubTopic(chatPubsubTopic))
	return err
}

// FetchSince queries store peers one after another, bootstrap nodes first,
// then any peer go-waku picks.
func (g *goWakuNode) FetchSince(ctx context.Context, recipient string, since time.Time, limit int) ([]Packet, error) {
	g.mu.RLock()
	node := g.node
	bootstrap := append([]string(nil), g.cfg.BootstrapNodes...)
	fanout := g.cfg.StoreQueryFanout
	g.mu.RUnlock()
	if node == nil {
		return nil, errNodeNotRunning
	}
	if limit <= 0 {
		limit = defaultFetchSize
	}
	start := since.UnixNano()
	end := time.Now().UnixNano()
	criteria := legacyStore.Query{
		PubsubTopic:   chatPubsubTopic,
		ContentTopics: []string{chatContentTopic},
		StartTime:     &start,
		EndTime:       &end,
	}

	var peers []ma.Multiaddr
	for _, addr := range bootstrap {
		if len(peers) >= fanout {
			break
		}
		if peer, err := ma.NewMultiaddr(strings.TrimSpace(addr)); err == nil {
			peers = append(peers, peer)
		}
	}
	peers = append(peers, nil)

	var lastErr error
	for i, peer := range peers {
		opts := []legacyStore.HistoryRequestOption{legacyStore.WithPaging(true, uint64(limit))}
		if peer != nil {
			opts = append(opts, legacyStore.WithPeerAddr(peer))
		}
		result, err := node.LegacyStore().Query(ctx, criteria, opts...)
		if err != nil {
			g.count("store_query_failures")
			slog.Warn("store query attempt failed", "attempt", i+1, "reason", err.Error())
			lastErr = err
			continue
		}
		if i > 0 {
			g.count("store_query_failover")
		}
		return collectPackets(ctx, node, result, recipient, limit)
	}
	return nil, lastErr
}

func collectPackets(ctx context.Context, node *wakuNode.WakuNode, result *legacyStore.Result, recipient string, limit int) ([]Packet, error) {
	seen := make(map[string]struct{})
	out := make([]Packet, 0, limit)
	for {
		for _, wm := range result.Messages {
			if wm == nil {
				continue
			}
			pkt, ok := decodePacket(wm.Payload, recipient)
			if !ok {
				continue
			}
			if _, dup := seen[pkt.ID]; dup {
				continue
			}
			seen[pkt.ID] = struct{}{}
			out = append(out, pkt)
			if len(out) >= limit {
				return out, nil
			}
		}
		if result.IsComplete() {
			return out, nil
		}
		next, err := node.LegacyStore().Next(ctx, result)
		if err != nil {
			return nil, err
		}
		result = next
	}
}

func decodePacket(payload []byte, recipient string) (Packet, bool) {
	var pkt Packet
	if err := json.Unmarshal(payload, &pkt); err != nil {
		return Packet{}, false
	}
	return pkt, pkt.Recipient == recipient && pkt.ID != ""
}

func (g *goWakuNode) startPeerMaintenance() {
	g.mu.Lock()
	if g.maintainCancel != nil {
		g.maintainCancel()
	}
	if len(g.cfg.BootstrapNodes) == 0 || g.node == nil {
		g.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.maintainCancel = cancel
	g.maintainWG.Add(1)
	cfg := g.cfg
	g.mu.Unlock()

	go func() {
		defer g.maintainWG.Done()
		ticker := time.NewTicker(cfg.ReconnectInterval)
		defer ticker.Stop()
		backoff := cfg.ReconnectInterval
		nextAttempt := time.Now()
		rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if time.Now().Before(nextAttempt) || !g.needMorePeers() {
					continue
				}
				if g.redialBootstrapPeers(ctx, rnd) {
					backoff = cfg.ReconnectInterval
					nextAttempt = time.Now()
					continue
				}
				backoff *= 2
				if backoff > cfg.ReconnectBackoffMax {
					backoff = cfg.ReconnectBackoffMax
				}
				jitter := time.Duration(rnd.Int63n(int64(backoff/2) + 1))
				nextAttempt = time.Now().Add(backoff + jitter)
			}
		}
	}()
}

func (g *goWakuNode) stopPeerMaintenance() {
	g.mu.Lock()
	cancel := g.maintainCancel
	g.maintainCancel = nil
	g.mu.Unlock()
	if cancel != nil {
		cancel()
		g.maintainWG.Wait()
	}
}

func (g *goWakuNode) needMorePeers() bool {
	g.mu.RLock()
	node := g.node
	cfg := g.cfg
	g.mu.RUnlock()
	if node == nil {
		return false
	}
	return node.PeerCount() < startupPeerTarget(cfg)
}

func (g *goWakuNode) redialBootstrapPeers(ctx context.Context, rnd *rand.Rand) bool {
	g.mu.RLock()
	node := g.node
	addrs := append([]string(nil), g.cfg.BootstrapNodes...)
	g.mu.RUnlock()
	if node == nil {
		return false
	}
	rnd.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })

	success := false
	for _, addr := range addrs {
		g.count("dial_attempts")
		if err := node.DialPeer(ctx, addr); err != nil {
			g.count("dial_failures")
			slog.Warn("peer redial failed", "peer_addr", addr, "reason", err.Error())
			continue
		}
		g.count("dial_success")
		success = true
	}
	return success
}

func (g *goWakuNode) count(name string) {
	g.mu.Lock()
	g.counters[name]++
	g.mu.Unlock()
}

func newInMemoryMessageProvider() (*persistence.DBStore, error) {
	db, err := sqlite.NewDB(":memory:", utils.Logger())
	if err != nil {
		return nil, err
	}
	return persistence.NewDBStore(
		prometheus.DefaultRegisterer,
		utils.Logger(),
		persistence.WithDB(db),
		persistence.WithMigrations(sqlite.Migrations),
	)
}
