package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tyler-smith/go-bip39"
)

const keyManagerVersion = 1

var (
	ErrInvalidMnemonic   = errors.New("invalid mnemonic")
	ErrInvalidPassword   = errors.New("invalid password")
	ErrSeedNotAvailable  = errors.New("seed is not available")
	ErrPasswordRequired  = errors.New("password is required")
	ErrPasswordMismatch  = errors.New("passwords do not match")
	ErrMnemonicRequired  = errors.New("mnemonic is required")
	ErrIdentityInit      = errors.New("identity initialization failed")
	ErrPasswordLocked    = errors.New("password attempts are temporarily locked")
	ErrInvalidKeyManager = errors.New("invalid key manager blob")
)

// SeedManager unlocks sealed key managers and rate limits wrong passwords
// with an exponential lockout.
type SeedManager struct {
	mu             sync.Mutex
	failedAttempts int
	lockedUntil    time.Time
	now            func() time.Time
}

func NewSeedManager() *SeedManager {
	return &SeedManager{now: time.Now}
}

func newSeedManagerWithClock(now func() time.Time) *SeedManager {
	return &SeedManager{now: now}
}

// Unlock opens a serialized KeyManagerBlob with password.
func (s *SeedManager) Unlock(blob, password string) (*KeyManager, error) {
	if strings.TrimSpace(password) == "" {
		return nil, ErrPasswordRequired
	}
	env, err := ParseKeyManagerBlob(blob)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if err := s.ensureUnlocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	plaintext, err := DecryptSeed(&env.Seed, []byte(password))
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.onFailedPasswordAttempt()
		return nil, ErrInvalidPassword
	}
	s.mu.Lock()
	s.resetPasswordAttemptState()
	s.mu.Unlock()

	mnemonic := strings.TrimSpace(string(plaintext))
	zeroBytes(plaintext)
	km, err := FromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupted mnemonic", ErrInvalidMnemonic)
	}
	if env.IdentityID != "" && env.IdentityID != km.IdentityID() {
		return nil, fmt.Errorf("%w: identity mismatch", ErrInvalidKeyManager)
	}
	km.createdAt = env.CreatedAt
	return km, nil
}

func (s *SeedManager) ensureUnlocked() error {
	if s.lockedUntil.IsZero() {
		return nil
	}
	if s.now().Before(s.lockedUntil) {
		return ErrPasswordLocked
	}
	return nil
}

func (s *SeedManager) onFailedPasswordAttempt() {
	s.failedAttempts++
	s.lockedUntil = s.now().Add(failedAttemptBackoff(s.failedAttempts))
}

func (s *SeedManager) resetPasswordAttemptState() {
	s.failedAttempts = 0
	s.lockedUntil = time.Time{}
}

func failedAttemptBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	// 1s, 2s, 4s... up to 32s max.
	shift := attempt - 1
	if shift > 5 {
		shift = 5
	}
	return time.Second * time.Duration(1<<shift)
}

// Generate creates a key manager around a fresh 24 word mnemonic.
func Generate() (*KeyManager, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, err
	}
	return FromMnemonic(mnemonic)
}

func FromMnemonic(mnemonic string) (*KeyManager, error) {
	mnemonic = normalizeMnemonic(mnemonic)
	if mnemonic == "" {
		return nil, ErrMnemonicRequired
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	keys, err := DeriveKeys(bip39.NewSeed(mnemonic, ""))
	if err != nil {
		return nil, err
	}
	id, err := BuildIdentityID(keys.SigningPublicKey)
	if err != nil {
		return nil, err
	}
	return &KeyManager{
		mnemonic:   mnemonic,
		keys:       keys,
		identityID: id,
		createdAt:  time.Now().UTC(),
	}, nil
}

func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(normalizeMnemonic(mnemonic))
}

// CheckPasswords validates a password and its confirmation.
func CheckPasswords(password, confirm string) error {
	if strings.TrimSpace(password) == "" {
		return ErrPasswordRequired
	}
	if password != confirm {
		return ErrPasswordMismatch
	}
	return nil
}

func ParseKeyManagerBlob(blob string) (*KeyManagerBlob, error) {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return nil, ErrSeedNotAvailable
	}
	var env KeyManagerBlob
	if err := json.Unmarshal([]byte(blob), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyManager, err)
	}
	if env.Version != keyManagerVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidKeyManager, env.Version)
	}
	return &env, nil
}

func normalizeMnemonic(mnemonic string) string {
	return strings.Join(strings.Fields(strings.ToLower(mnemonic)), " ")
}
