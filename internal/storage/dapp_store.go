package storage

import (
	"sort"
	"sync"

	"panthalassa/go-core/internal/securestore"
	"panthalassa/go-core/pkg/models"
)

type dappSnapshot struct {
	DApps map[string]models.DAppBundle `json:"dapps"`
}

// DAppStore keeps verified DApp bundles keyed by signing key. Saving a
// bundle with a known key replaces the previous version.
type DAppStore struct {
	mu    sync.RWMutex
	dapps map[string]models.DAppBundle
	file  snapshotFile
}

func NewDAppStore() *DAppStore {
	return &DAppStore{dapps: make(map[string]models.DAppBundle)}
}

func OpenDAppStore(path string, sealer *securestore.Sealer) (*DAppStore, error) {
	s := &DAppStore{
		dapps: make(map[string]models.DAppBundle),
		file:  snapshotFile{path: path, sealer: sealer},
	}
	var snap dappSnapshot
	if err := s.file.load(&snap); err != nil {
		return nil, err
	}
	if snap.DApps != nil {
		s.dapps = snap.DApps
	}
	return s, nil
}

func (s *DAppStore) Save(bundle models.DAppBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]models.DAppBundle, len(s.dapps)+1)
	for k, v := range s.dapps {
		next[k] = v
	}
	next[bundle.SigningKey] = bundle
	if err := s.file.save(dappSnapshot{DApps: next}); err != nil {
		return err
	}
	s.dapps = next
	return nil
}

func (s *DAppStore) Get(signingKey string) (models.DAppBundle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.dapps[signingKey]
	return b, ok
}

func (s *DAppStore) List() []models.DAppBundle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.DAppBundle, 0, len(s.dapps))
	for _, b := range s.dapps {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].SigningKey < out[j].SigningKey
		}
		return out[i].Name < out[j].Name
	})
	return out
}
