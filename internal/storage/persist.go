package storage

import "panthalassa/go-core/internal/securestore"

// snapshotFile persists a whole store document. An empty path keeps the
// store in memory only.
type snapshotFile struct {
	path   string
	sealer *securestore.Sealer
}

func (f snapshotFile) load(v any) error {
	if f.path == "" {
		return nil
	}
	_, err := securestore.ReadJSON(f.path, f.sealer, v)
	return err
}

func (f snapshotFile) save(v any) error {
	if f.path == "" {
		return nil
	}
	return securestore.WriteJSON(f.path, f.sealer, v)
}
