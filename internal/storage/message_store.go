package storage

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"panthalassa/go-core/internal/securestore"
	"panthalassa/go-core/pkg/models"
)

const MaxPageSize = 1000

var (
	ErrMessageIDConflict = errors.New("message id conflict")
	ErrUnknownCursor     = errors.New("unknown message cursor")
	ErrInvalidPageSize   = errors.New("page size out of range")
)

type messageSnapshot struct {
	Messages map[string]models.Message `json:"messages"`
}

// MessageStore keeps direct messages keyed by id. Every mutation builds the
// next map, persists it and only then swaps it in, so a failed write leaves
// the store unchanged.
type MessageStore struct {
	mu       sync.RWMutex
	messages map[string]models.Message
	file     snapshotFile
}

func NewMessageStore() *MessageStore {
	return &MessageStore{messages: make(map[string]models.Message)}
}

func OpenMessageStore(path string, sealer *securestore.Sealer) (*MessageStore, error) {
	s := &MessageStore{
		messages: make(map[string]models.Message),
		file:     snapshotFile{path: path, sealer: sealer},
	}
	var snap messageSnapshot
	if err := s.file.load(&snap); err != nil {
		return nil, err
	}
	if snap.Messages != nil {
		s.messages = snap.Messages
	}
	return s, nil
}

// SaveMessage is idempotent for an identical message.
func (s *MessageStore) SaveMessage(msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.messages[msg.ID]; ok {
		if messagesEqual(existing, msg) {
			return nil
		}
		return ErrMessageIDConflict
	}
	next := cloneMessages(s.messages)
	next[msg.ID] = msg
	return s.commitLocked(next)
}

func (s *MessageStore) UpdateMessageStatus(messageID, status string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return false, nil
	}
	merged := models.MergeMessageStatus(msg.Status, status)
	if merged == msg.Status {
		return true, nil
	}
	msg.Status = merged
	next := cloneMessages(s.messages)
	next[messageID] = msg
	return true, s.commitLocked(next)
}

// MarkRead flags every inbound message of partner as read in one write and
// returns how many changed.
func (s *MessageStore) MarkRead(partner string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next map[string]models.Message
	changed := 0
	for id, msg := range s.messages {
		if msg.Partner != partner || msg.Direction != models.DirectionIn || msg.Status == models.MessageStatusRead {
			continue
		}
		if next == nil {
			next = cloneMessages(s.messages)
		}
		msg.Status = models.MessageStatusRead
		next[id] = msg
		changed++
	}
	if changed == 0 {
		return 0, nil
	}
	if err := s.commitLocked(next); err != nil {
		return 0, err
	}
	return changed, nil
}

func (s *MessageStore) GetMessage(messageID string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[messageID]
	return msg, ok
}

// Messages pages backwards through a conversation. With an empty cursor it
// returns the newest amount messages; otherwise the amount messages right
// before the cursor message. Results are in chronological order.
func (s *MessageStore) Messages(partner, cursor string, amount int) ([]models.Message, error) {
	if amount < 1 || amount > MaxPageSize {
		return nil, ErrInvalidPageSize
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	thread := s.threadLocked(partner)
	end := len(thread)
	if cursor = strings.TrimSpace(cursor); cursor != "" {
		end = -1
		for i, msg := range thread {
			if msg.ID == cursor {
				end = i
				break
			}
		}
		if end < 0 {
			return nil, ErrUnknownCursor
		}
	}
	start := end - amount
	if start < 0 {
		start = 0
	}
	return append([]models.Message{}, thread[start:end]...), nil
}

// AllChats summarizes every conversation, most recent first.
func (s *MessageStore) AllChats() []models.ChatSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byPartner := make(map[string]*models.ChatSummary)
	for _, msg := range s.messages {
		sum, ok := byPartner[msg.Partner]
		if !ok {
			sum = &models.ChatSummary{Partner: msg.Partner}
			byPartner[msg.Partner] = sum
		}
		sum.Total++
		if msg.Direction == models.DirectionIn && msg.Status != models.MessageStatusRead {
			sum.Unread++
		}
		if sum.LastMessageID == "" || messageBefore(models.Message{ID: sum.LastMessageID, Timestamp: sum.LastMessageAt}, msg) {
			sum.LastMessageID = msg.ID
			sum.LastMessageAt = msg.Timestamp
		}
	}
	out := make([]models.ChatSummary, 0, len(byPartner))
	for _, sum := range byPartner {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].Partner < out[j].Partner
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

func (s *MessageStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *MessageStore) threadLocked(partner string) []models.Message {
	thread := make([]models.Message, 0)
	for _, msg := range s.messages {
		if msg.Partner == partner {
			thread = append(thread, msg)
		}
	}
	sort.Slice(thread, func(i, j int) bool {
		return messageBefore(thread[i], thread[j])
	})
	return thread
}

func (s *MessageStore) commitLocked(next map[string]models.Message) error {
	if err := s.file.save(messageSnapshot{Messages: next}); err != nil {
		return err
	}
	s.messages = next
	return nil
}

// messageBefore orders by timestamp, then id for a stable total order.
func messageBefore(a, b models.Message) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.ID < b.ID
	}
	return a.Timestamp.Before(b.Timestamp)
}

func cloneMessages(in map[string]models.Message) map[string]models.Message {
	out := make(map[string]models.Message, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func messagesEqual(a, b models.Message) bool {
	return a.ID == b.ID &&
		a.Partner == b.Partner &&
		a.Body == b.Body &&
		a.Timestamp.Equal(b.Timestamp) &&
		a.Direction == b.Direction &&
		a.Status == b.Status
}

