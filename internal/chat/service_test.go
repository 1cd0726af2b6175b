package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"panthalassa/go-core/internal/crypto"
	"panthalassa/go-core/internal/identity"
	"panthalassa/go-core/internal/storage"
	"panthalassa/go-core/internal/waku"
	"panthalassa/go-core/pkg/models"
)

type peer struct {
	keys    *identity.KeyManager
	service *Service
	events  *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []models.Message
}

func (l *eventLog) record(eventType string, payload any) {
	if eventType != EventMessage {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, payload.(models.Message))
}

func (l *eventLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func newPeer(t *testing.T, transport Transport) *peer {
	t.Helper()
	keys, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	events := &eventLog{}
	svc := NewService(keys, transport, storage.NewMessageStore(), storage.NewContactStore(), WithEvents(events.record))
	return &peer{keys: keys, service: svc, events: events}
}

func befriend(t *testing.T, owner, other *peer) {
	t.Helper()
	contactKey, err := other.keys.ContactKey()
	if err != nil {
		t.Fatalf("contact key: %v", err)
	}
	contact, added, err := owner.service.AddContact(contactKey)
	if err != nil || !added {
		t.Fatalf("add contact: added=%v err=%v", added, err)
	}
	if contact.ID != other.keys.IdentityID() {
		t.Fatalf("contact id mismatch: %s != %s", contact.ID, other.keys.IdentityID())
	}
}

func start(t *testing.T, p *peer) {
	t.Helper()
	if err := p.service.Start(context.Background()); err != nil {
		t.Fatalf("start chat: %v", err)
	}
	t.Cleanup(func() { _ = p.service.Stop(context.Background()) })
}

func TestSendDeliversSealedMessageToContact(t *testing.T) {
	bus := waku.NewBus()
	alice := newPeer(t, waku.NewNode(waku.DefaultConfig(), waku.WithBus(bus)))
	bob := newPeer(t, waku.NewNode(waku.DefaultConfig(), waku.WithBus(bus)))
	befriend(t, alice, bob)
	befriend(t, bob, alice)
	start(t, alice)
	start(t, bob)

	sent, err := alice.service.Send(context.Background(), bob.keys.IdentityID(), "hello bob")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.Status != models.MessageStatusSent || sent.Direction != models.DirectionOut {
		t.Fatalf("unexpected outbound record: %+v", sent)
	}

	got, err := bob.service.Messages(alice.keys.IdentityID(), "", 10)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(got) != 1 || got[0].Body != "hello bob" || got[0].ID != sent.ID {
		t.Fatalf("unexpected inbound history: %+v", got)
	}
	if got[0].Status != models.MessageStatusDelivered || got[0].Direction != models.DirectionIn {
		t.Fatalf("unexpected inbound record: %+v", got[0])
	}
	if bob.events.count() != 1 {
		t.Fatalf("expected one UI event, got %d", bob.events.count())
	}

	chats := bob.service.AllChats()
	if len(chats) != 1 || chats[0].Unread != 1 {
		t.Fatalf("unexpected chat summaries: %+v", chats)
	}
	marked, err := bob.service.MarkRead(alice.keys.IdentityID())
	if err != nil || marked != 1 {
		t.Fatalf("mark read: marked=%d err=%v", marked, err)
	}
	if chats := bob.service.AllChats(); chats[0].Unread != 0 {
		t.Fatalf("expected no unread after mark read, got %d", chats[0].Unread)
	}
}

func TestOfflineRecipientReceivesOnStart(t *testing.T) {
	bus := waku.NewBus()
	alice := newPeer(t, waku.NewNode(waku.DefaultConfig(), waku.WithBus(bus)))
	bob := newPeer(t, waku.NewNode(waku.DefaultConfig(), waku.WithBus(bus)))
	befriend(t, alice, bob)
	befriend(t, bob, alice)
	start(t, alice)

	if _, err := alice.service.Send(context.Background(), bob.keys.IdentityID(), "while you were away"); err != nil {
		t.Fatalf("send: %v", err)
	}
	start(t, bob)
	got, err := bob.service.Messages(alice.keys.IdentityID(), "", 10)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(got) != 1 || got[0].Body != "while you were away" {
		t.Fatalf("expected mailbox delivery, got %+v", got)
	}
}

func TestInboundFromUnknownSenderIsDropped(t *testing.T) {
	bus := waku.NewBus()
	alice := newPeer(t, waku.NewNode(waku.DefaultConfig(), waku.WithBus(bus)))
	bob := newPeer(t, waku.NewNode(waku.DefaultConfig(), waku.WithBus(bus)))
	befriend(t, alice, bob)
	start(t, alice)
	start(t, bob)

	if _, err := alice.service.Send(context.Background(), bob.keys.IdentityID(), "hi stranger"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(bob.service.AllChats()) != 0 || bob.events.count() != 0 {
		t.Fatal("message from unknown sender must be dropped")
	}
}

func TestSendValidatesBeforePublishing(t *testing.T) {
	transport := &fakeTransport{}
	alice := newPeer(t, transport)
	bob := newPeer(t, &fakeTransport{})
	befriend(t, alice, bob)

	if _, err := alice.service.Send(context.Background(), bob.keys.IdentityID(), "too early"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	start(t, alice)
	if _, err := alice.service.Send(context.Background(), "pan1nobody", "hi"); !errors.Is(err, ErrUnknownContact) {
		t.Fatalf("expected ErrUnknownContact, got %v", err)
	}
	if _, err := alice.service.Send(context.Background(), bob.keys.IdentityID(), ""); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	if n := len(transport.published()); n != 0 {
		t.Fatalf("invalid sends must not publish, got %d packets", n)
	}
}

func TestPublishFailureLeavesStoreUnchanged(t *testing.T) {
	transport := &fakeTransport{publishErr: errors.New("network down")}
	alice := newPeer(t, transport)
	bob := newPeer(t, &fakeTransport{})
	befriend(t, alice, bob)
	start(t, alice)

	if _, err := alice.service.Send(context.Background(), bob.keys.IdentityID(), "lost"); err == nil {
		t.Fatal("expected publish error")
	}
	if chats := alice.service.AllChats(); len(chats) != 0 {
		t.Fatalf("store must stay empty, got %+v", chats)
	}
}

func TestReplayedPacketIsStoredOnce(t *testing.T) {
	aliceTransport := &fakeTransport{}
	bobTransport := &fakeTransport{}
	alice := newPeer(t, aliceTransport)
	bob := newPeer(t, bobTransport)
	befriend(t, alice, bob)
	befriend(t, bob, alice)
	start(t, alice)
	start(t, bob)

	_, err := alice.service.Send(context.Background(), bob.keys.IdentityID(), "once")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	pkts := aliceTransport.published()
	if len(pkts) != 1 {
		t.Fatalf("expected one published packet, got %d", len(pkts))
	}
	bobTransport.deliver(pkts[0])
	bobTransport.deliver(pkts[0])
	if bob.events.count() != 1 {
		t.Fatalf("expected one event for a replayed packet, got %d", bob.events.count())
	}

	var env crypto.Envelope
	if err := json.Unmarshal(pkts[0].Payload, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	env.MessageID = "msg1_forged"
	env.Ciphertext[0] ^= 0x01
	forged := pkts[0]
	forged.ID = env.MessageID
	if forged.Payload, err = json.Marshal(&env); err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	bobTransport.deliver(forged)
	if bob.events.count() != 1 {
		t.Fatal("tampered packet must be dropped")
	}
}

func TestStartFetchesMissedPackets(t *testing.T) {
	aliceTransport := &fakeTransport{}
	alice := newPeer(t, aliceTransport)
	bobTransport := &fakeTransport{}
	bob := newPeer(t, bobTransport)
	befriend(t, alice, bob)
	befriend(t, bob, alice)
	start(t, alice)

	if _, err := alice.service.Send(context.Background(), bob.keys.IdentityID(), "from store"); err != nil {
		t.Fatalf("send: %v", err)
	}
	bobTransport.missed = aliceTransport.published()
	start(t, bob)
	if bob.events.count() != 1 {
		t.Fatalf("expected missed packet to be delivered, got %d events", bob.events.count())
	}
	if bobTransport.fetchedSince.Before(time.Now().Add(-missedFetchSpan - time.Minute)) {
		t.Fatalf("fetch cursor too old: %s", bobTransport.fetchedSince)
	}
}

type fakeTransport struct {
	mu           sync.Mutex
	handler      func(waku.Packet)
	packets      []waku.Packet
	missed       []waku.Packet
	fetchedSince time.Time
	publishErr   error
}

func (f *fakeTransport) SetIdentity(string)          {}
func (f *fakeTransport) Start(context.Context) error { return nil }
func (f *fakeTransport) Stop(context.Context) error  { return nil }

func (f *fakeTransport) Subscribe(handler func(waku.Packet)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return nil
}

func (f *fakeTransport) Publish(_ context.Context, pkt waku.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.packets = append(f.packets, pkt)
	return nil
}

func (f *fakeTransport) FetchSince(_ context.Context, since time.Time, _ int) ([]waku.Packet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchedSince = since
	return append([]waku.Packet(nil), f.missed...), nil
}

func (f *fakeTransport) published() []waku.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]waku.Packet(nil), f.packets...)
}

func (f *fakeTransport) deliver(pkt waku.Packet) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	handler(pkt)
}
