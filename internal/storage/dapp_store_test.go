package storage

import (
	"path/filepath"
	"testing"

	"panthalassa/go-core/internal/securestore"
	"panthalassa/go-core/pkg/models"
)

func TestDAppStoreReplacesAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dapps.enc")
	s, err := OpenDAppStore(path, securestore.NewSealer("pass"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	for _, b := range []models.DAppBundle{
		{Name: "wallet", SigningKey: "k2", Code: "v1"},
		{Name: "chess", SigningKey: "k1", Code: "v1"},
		{Name: "wallet", SigningKey: "k2", Code: "v2"},
	} {
		if err := s.Save(b); err != nil {
			t.Fatalf("save %s failed: %v", b.SigningKey, err)
		}
	}

	reopened, err := OpenDAppStore(path, securestore.NewSealer("pass"))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	list := reopened.List()
	if len(list) != 2 || list[0].Name != "chess" || list[1].Code != "v2" {
		t.Fatalf("unexpected bundles after reopen: %+v", list)
	}
	if _, err := OpenDAppStore(path, securestore.NewSealer("other")); err == nil {
		t.Fatal("opening with another passphrase should fail")
	}
}
