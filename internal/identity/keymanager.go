package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// KeyManager holds the unlocked key set of one account. It is safe for
// concurrent use; Wipe zeroes the private material.
type KeyManager struct {
	mu         sync.RWMutex
	mnemonic   string
	keys       *DerivedKeys
	identityID string
	createdAt  time.Time
}

func (k *KeyManager) IdentityID() string {
	return k.identityID
}

func (k *KeyManager) CreatedAt() time.Time {
	return k.createdAt
}

func (k *KeyManager) Mnemonic() (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.keys == nil {
		return "", ErrSeedNotAvailable
	}
	return k.mnemonic, nil
}

func (k *KeyManager) SigningPublicKey() ed25519.PublicKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.keys == nil {
		return nil
	}
	return append(ed25519.PublicKey(nil), k.keys.SigningPublicKey...)
}

// IdentityPublicKey is the hex encoded ed25519 identity key.
func (k *KeyManager) IdentityPublicKey() string {
	return hex.EncodeToString(k.SigningPublicKey())
}

func (k *KeyManager) Sign(message []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.keys == nil {
		return nil, ErrSeedNotAvailable
	}
	return ed25519.Sign(ed25519.PrivateKey(k.keys.SigningPrivateKey), message), nil
}

func (k *KeyManager) ChatPublicKey() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.keys == nil {
		return nil
	}
	return append([]byte(nil), k.keys.ChatPublicKey...)
}

// ChatPrivateKey returns a copy; callers should zero it after use.
func (k *KeyManager) ChatPrivateKey() ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.keys == nil {
		return nil, ErrSeedNotAvailable
	}
	return append([]byte(nil), k.keys.ChatPrivateKey...), nil
}

// ContactKey is the shareable key others add to reach this account.
func (k *KeyManager) ContactKey() (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.keys == nil {
		return "", ErrSeedNotAvailable
	}
	return EncodeContactKey(k.keys.SigningPublicKey, k.keys.ChatPublicKey)
}

// Seal serializes the key manager encrypted under password.
func (k *KeyManager) Seal(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", ErrPasswordRequired
	}
	mnemonic, err := k.Mnemonic()
	if err != nil {
		return "", err
	}
	env, err := EncryptSeed([]byte(mnemonic), []byte(password))
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(KeyManagerBlob{
		Version:    keyManagerVersion,
		IdentityID: k.identityID,
		CreatedAt:  k.createdAt,
		Seed:       *env,
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (k *KeyManager) Wipe() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.keys == nil {
		return
	}
	zeroBytes(k.keys.SigningPrivateKey)
	zeroBytes(k.keys.ChatPrivateKey)
	zeroBytes(k.keys.EthPrivateKey)
	k.keys = nil
	k.mnemonic = ""
}
