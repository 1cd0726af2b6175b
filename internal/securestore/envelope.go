// Package securestore seals local state files with a password derived key.
//
// Deriving an argon2id key is deliberately slow, so a Sealer derives the key
// for its own salt once and reuses it for every write of that store.
package securestore

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	filePrefix      = "PANENC1\n"

	argonTime    = uint32(2)
	argonMemKB   = uint32(64 * 1024)
	argonThreads = uint8(1)
)

var (
	ErrAuthFailed = errors.New("securestore authentication failed")
	ErrInvalid    = errors.New("securestore envelope is invalid")
	ErrNotSealed  = errors.New("securestore data is not sealed")
	ErrWiped      = errors.New("securestore sealer was wiped")
)

type Envelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

type Sealer struct {
	passphrase string

	mu    sync.Mutex
	salt  []byte
	keys  map[string][]byte
	wiped bool
}

func NewSealer(passphrase string) *Sealer {
	return &Sealer{
		passphrase: passphrase,
		keys:       make(map[string][]byte),
	}
}

func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	salt, key, err := s.writeKey()
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(Envelope{
		Version:     envelopeVersion,
		KDF:         "argon2id",
		KDFTime:     argonTime,
		KDFMemoryKB: argonMemKB,
		KDFThreads:  argonThreads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plaintext, nil),
	})
	if err != nil {
		return nil, err
	}
	return append([]byte(filePrefix), raw...), nil
}

func (s *Sealer) Open(data []byte) ([]byte, error) {
	if s.isWiped() {
		return nil, ErrWiped
	}
	if !bytes.HasPrefix(data, []byte(filePrefix)) {
		return nil, ErrNotSealed
	}
	var env Envelope
	if err := json.Unmarshal(data[len(filePrefix):], &env); err != nil {
		return nil, ErrInvalid
	}
	if env.Version != envelopeVersion || env.KDF != "argon2id" ||
		env.KDFTime != argonTime || env.KDFMemoryKB != argonMemKB || env.KDFThreads != argonThreads ||
		len(env.Salt) != saltSize || len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrInvalid
	}
	aead, err := chacha20poly1305.NewX(s.keyFor(env.Salt))
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	// Keep writing under the salt the file already uses.
	s.mu.Lock()
	if s.salt == nil {
		s.salt = append([]byte(nil), env.Salt...)
	}
	s.mu.Unlock()
	return plaintext, nil
}

// Wipe zeroes every cached key and drops the passphrase. A wiped sealer
// refuses to seal or open.
func (s *Sealer) Wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, key := range s.keys {
		zeroBytes(key)
		delete(s.keys, k)
	}
	s.passphrase = ""
	s.wiped = true
}

func (s *Sealer) isWiped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wiped
}

func (s *Sealer) writeKey() ([]byte, []byte, error) {
	s.mu.Lock()
	if s.wiped {
		s.mu.Unlock()
		return nil, nil, ErrWiped
	}
	if s.salt == nil {
		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			s.mu.Unlock()
			return nil, nil, err
		}
		s.salt = salt
	}
	salt := s.salt
	s.mu.Unlock()
	return salt, s.keyFor(salt), nil
}

func (s *Sealer) keyFor(salt []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.keys[string(salt)]; ok {
		return key
	}
	key := argon2.IDKey([]byte(s.passphrase), salt, argonTime, argonMemKB, argonThreads, chacha20poly1305.KeySize)
	s.keys[string(salt)] = key
	return key
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
