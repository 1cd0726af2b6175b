package storage

import (
	"bytes"
	"errors"
	"sort"
	"sync"

	"panthalassa/go-core/internal/securestore"
	"panthalassa/go-core/pkg/models"
)

var ErrContactKeyMismatch = errors.New("contact already known with different keys")

type contactSnapshot struct {
	Contacts map[string]models.Contact `json:"contacts"`
}

type ContactStore struct {
	mu       sync.RWMutex
	contacts map[string]models.Contact
	file     snapshotFile
}

func NewContactStore() *ContactStore {
	return &ContactStore{contacts: make(map[string]models.Contact)}
}

func OpenContactStore(path string, sealer *securestore.Sealer) (*ContactStore, error) {
	s := &ContactStore{
		contacts: make(map[string]models.Contact),
		file:     snapshotFile{path: path, sealer: sealer},
	}
	var snap contactSnapshot
	if err := s.file.load(&snap); err != nil {
		return nil, err
	}
	if snap.Contacts != nil {
		s.contacts = snap.Contacts
	}
	return s, nil
}

// Add stores c. Re-adding the same keys is a no-op that reports false;
// reusing an id with other keys fails.
func (s *ContactStore) Add(c models.Contact) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.contacts[c.ID]; ok {
		if !bytes.Equal(existing.SigningKey, c.SigningKey) || !bytes.Equal(existing.ChatKey, c.ChatKey) {
			return false, ErrContactKeyMismatch
		}
		return false, nil
	}
	next := make(map[string]models.Contact, len(s.contacts)+1)
	for k, v := range s.contacts {
		next[k] = v
	}
	next[c.ID] = c
	if err := s.file.save(contactSnapshot{Contacts: next}); err != nil {
		return false, err
	}
	s.contacts = next
	return true, nil
}

func (s *ContactStore) Get(id string) (models.Contact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	return c, ok
}

// List returns contacts in the order they were added.
func (s *ContactStore) List() []models.Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].AddedAt.Before(out[j].AddedAt)
	})
	return out
}
