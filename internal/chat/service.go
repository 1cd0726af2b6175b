// Package chat sends and receives end-to-end sealed direct messages between
// contacts and keeps the local message history.
package chat

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"panthalassa/go-core/internal/crypto"
	"panthalassa/go-core/internal/identity"
	"panthalassa/go-core/internal/storage"
	"panthalassa/go-core/internal/waku"
	"panthalassa/go-core/pkg/models"
)

const (
	EventMessage = "chat.message"

	maxBodyLen       = 64 * 1024
	missedFetchLimit = 500
	missedFetchSpan  = 7 * 24 * time.Hour
	replayWindow     = 4096
)

var (
	ErrUnknownContact = errors.New("partner is not a contact")
	ErrInvalidMessage = errors.New("message body must be 1..65536 bytes")
	ErrNotRunning     = errors.New("chat service is not running")
)

// Keys is the part of the unlocked key manager chat needs.
type Keys interface {
	IdentityID() string
	SigningPublicKey() ed25519.PublicKey
	Sign(message []byte) ([]byte, error)
	ChatPrivateKey() ([]byte, error)
}

// Transport moves addressed packets. *waku.Node and *Relay implement it.
type Transport interface {
	SetIdentity(identityID string)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Subscribe(handler func(waku.Packet)) error
	Publish(ctx context.Context, pkt waku.Packet) error
	FetchSince(ctx context.Context, since time.Time, limit int) ([]waku.Packet, error)
}

// EventFunc announces inbound traffic to the host UI.
type EventFunc func(eventType string, payload any)

type Service struct {
	keys      Keys
	transport Transport
	messages  *storage.MessageStore
	contacts  *storage.ContactStore
	replay    *crypto.ReplayGuard
	emit      EventFunc
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	running bool
}

type Option func(*Service)

func WithEvents(fn EventFunc) Option {
	return func(s *Service) {
		s.emit = fn
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(keys Keys, transport Transport, messages *storage.MessageStore, contacts *storage.ContactStore, opts ...Option) *Service {
	s := &Service{
		keys:      keys,
		transport: transport,
		messages:  messages,
		contacts:  contacts,
		replay:    crypto.NewReplayGuard(replayWindow),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start connects the transport, subscribes to inbound packets and pulls
// whatever arrived while the runtime was offline.
func (s *Service) Start(ctx context.Context) error {
	s.transport.SetIdentity(s.keys.IdentityID())
	if err := s.transport.Start(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	if err := s.transport.Subscribe(s.handlePacket); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		_ = s.transport.Stop(ctx)
		return err
	}

	missed, err := s.transport.FetchSince(ctx, s.fetchCursor(), missedFetchLimit)
	if err != nil {
		s.logger.Warn("missed message fetch failed", "reason", err.Error())
		return nil
	}
	for _, pkt := range missed {
		s.handlePacket(pkt)
	}
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return s.transport.Stop(ctx)
}

// AddContact registers the owner of contactKey. added is false when the
// contact was already known with the same keys.
func (s *Service) AddContact(contactKey string) (models.Contact, bool, error) {
	keys, err := identity.ParseContactKey(contactKey)
	if err != nil {
		return models.Contact{}, false, err
	}
	id, err := identity.BuildIdentityID(keys.SigningKey)
	if err != nil {
		return models.Contact{}, false, err
	}
	contact := models.Contact{
		ID:         id,
		ContactKey: strings.TrimSpace(contactKey),
		SigningKey: keys.SigningKey,
		ChatKey:    keys.ChatKey,
		AddedAt:    s.now().UTC(),
	}
	added, err := s.contacts.Add(contact)
	if err != nil {
		return models.Contact{}, false, err
	}
	if !added {
		contact, _ = s.contacts.Get(id)
	}
	return contact, added, nil
}

func (s *Service) Contacts() []models.Contact {
	return s.contacts.List()
}

// Send seals body to partner and publishes it. The message is stored only
// after the transport accepted it.
func (s *Service) Send(ctx context.Context, partner, body string) (models.Message, error) {
	if !s.isRunning() {
		return models.Message{}, ErrNotRunning
	}
	if body == "" || len(body) > maxBodyLen {
		return models.Message{}, ErrInvalidMessage
	}
	contact, ok := s.contacts.Get(strings.TrimSpace(partner))
	if !ok {
		return models.Message{}, ErrUnknownContact
	}

	messageID, err := newMessageID()
	if err != nil {
		return models.Message{}, err
	}
	sentAt := s.now().UTC()
	env, err := crypto.Seal(s.keys, contact.ChatKey, messageID, []byte(body), sentAt)
	if err != nil {
		return models.Message{}, err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return models.Message{}, err
	}
	pkt := waku.Packet{
		ID:        messageID,
		Sender:    s.keys.IdentityID(),
		Recipient: contact.ID,
		Payload:   payload,
	}
	if err := s.transport.Publish(ctx, pkt); err != nil {
		return models.Message{}, err
	}

	msg := models.Message{
		ID:        messageID,
		Partner:   contact.ID,
		Body:      body,
		Timestamp: env.SentTime(),
		Direction: models.DirectionOut,
		Status:    models.MessageStatusSent,
	}
	if err := s.messages.SaveMessage(msg); err != nil {
		return models.Message{}, err
	}
	s.logger.Debug("chat message sent", "partner", contact.ID, "message_id", messageID)
	return msg, nil
}

func (s *Service) Messages(partner, cursor string, amount int) ([]models.Message, error) {
	return s.messages.Messages(strings.TrimSpace(partner), strings.TrimSpace(cursor), amount)
}

func (s *Service) MarkRead(partner string) (int, error) {
	return s.messages.MarkRead(strings.TrimSpace(partner))
}

func (s *Service) AllChats() []models.ChatSummary {
	return s.messages.AllChats()
}

func (s *Service) handlePacket(pkt waku.Packet) {
	if !s.isRunning() {
		return
	}
	msg, err := s.openPacket(pkt)
	if err != nil {
		s.logger.Debug("inbound packet dropped", "sender", pkt.Sender, "reason", err.Error())
		return
	}
	if err := s.messages.SaveMessage(msg); err != nil {
		s.logger.Warn("inbound message not stored", "sender", msg.Partner, "reason", err.Error())
		return
	}
	if s.emit != nil {
		s.emit(EventMessage, msg)
	}
}

func (s *Service) openPacket(pkt waku.Packet) (models.Message, error) {
	if pkt.Recipient != s.keys.IdentityID() {
		return models.Message{}, errors.New("packet addressed to another identity")
	}
	var env crypto.Envelope
	if err := json.Unmarshal(pkt.Payload, &env); err != nil {
		return models.Message{}, crypto.ErrInvalidEnvelope
	}
	if err := crypto.Validate(&env); err != nil {
		return models.Message{}, err
	}
	senderID, err := identity.BuildIdentityID(env.Sender)
	if err != nil {
		return models.Message{}, err
	}
	contact, ok := s.contacts.Get(senderID)
	if !ok || senderID != pkt.Sender {
		return models.Message{}, ErrUnknownContact
	}
	if !ed25519.PublicKey(contact.SigningKey).Equal(ed25519.PublicKey(env.Sender)) {
		return models.Message{}, ErrUnknownContact
	}
	if _, known := s.messages.GetMessage(env.MessageID); known {
		return models.Message{}, errors.New("message already stored")
	}

	chatPriv, err := s.keys.ChatPrivateKey()
	if err != nil {
		return models.Message{}, err
	}
	plaintext, err := crypto.Open(chatPriv, &env)
	clear(chatPriv)
	if err != nil {
		return models.Message{}, err
	}
	// Only authentic envelopes count towards the replay window.
	if s.replay.Seen(senderID, env.MessageID) {
		return models.Message{}, errors.New("replayed message")
	}
	return models.Message{
		ID:        env.MessageID,
		Partner:   senderID,
		Body:      string(plaintext),
		Timestamp: env.SentTime(),
		Direction: models.DirectionIn,
		Status:    models.MessageStatusDelivered,
	}, nil
}

// fetchCursor starts the offline fetch at the newest stored message, but
// never further back than missedFetchSpan.
func (s *Service) fetchCursor() time.Time {
	floor := s.now().Add(-missedFetchSpan)
	latest := floor
	for _, chat := range s.messages.AllChats() {
		if chat.LastMessageAt.After(latest) {
			latest = chat.LastMessageAt
		}
	}
	return latest
}

func (s *Service) isRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func newMessageID() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "msg1_" + hex.EncodeToString(buf), nil
}
