// Package crypto seals chat messages to a recipient's X25519 chat key and
// signs them with the sender's ed25519 identity key.
//
// Every message uses a fresh ephemeral X25519 key, so a sealed message can
// only be opened by the recipient and carries no reusable session state.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	envelopeVersion = 1
	hkdfInfoSealbox = "panthalassa/chat/sealbox/v1"
	maxMessageIDLen = 128
)

var (
	ErrInvalidPeerKey  = errors.New("invalid peer key")
	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrBadSignature    = errors.New("envelope signature mismatch")
	ErrDecrypt         = errors.New("envelope cannot be opened")
)

// Signer signs with the sender's identity key.
type Signer interface {
	SigningPublicKey() ed25519.PublicKey
	Sign(message []byte) ([]byte, error)
}

type Envelope struct {
	Version      uint8  `json:"version"`
	MessageID    string `json:"message_id"`
	Sender       []byte `json:"sender"`
	EphemeralKey []byte `json:"ephemeral_key"`
	Nonce        []byte `json:"nonce"`
	Ciphertext   []byte `json:"ciphertext"`
	SentAt       int64  `json:"sent_at"`
	Signature    []byte `json:"signature"`
}

func Seal(sender Signer, recipientChatKey []byte, messageID string, plaintext []byte, sentAt time.Time) (*Envelope, error) {
	if len(recipientChatKey) != curve25519.PointSize {
		return nil, ErrInvalidPeerKey
	}
	if messageID = strings.TrimSpace(messageID); messageID == "" || len(messageID) > maxMessageIDLen {
		return nil, ErrInvalidEnvelope
	}
	ephPriv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(ephPriv); err != nil {
		return nil, err
	}
	defer zeroBytes(ephPriv)
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephPriv, recipientChatKey)
	if err != nil {
		return nil, ErrInvalidPeerKey
	}
	key, err := messageKey(shared, ephPub, recipientChatKey)
	zeroBytes(shared)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	env := &Envelope{
		Version:      envelopeVersion,
		MessageID:    messageID,
		Sender:       append([]byte(nil), sender.SigningPublicKey()...),
		EphemeralKey: ephPub,
		Nonce:        nonce,
		SentAt:       sentAt.UTC().UnixMilli(),
	}
	if len(env.Sender) != ed25519.PublicKeySize {
		return nil, ErrInvalidEnvelope
	}
	env.Ciphertext = aead.Seal(nil, nonce, plaintext, envelopeAAD(env))
	if env.Signature, err = sender.Sign(signingBytes(env)); err != nil {
		return nil, err
	}
	return env, nil
}

// Open verifies the sender signature before decrypting and returns the
// plaintext. The caller decides whether the sender is a known contact.
func Open(recipientChatPriv []byte, env *Envelope) ([]byte, error) {
	if err := Validate(env); err != nil {
		return nil, err
	}
	if !ed25519.Verify(env.Sender, signingBytes(env), env.Signature) {
		return nil, ErrBadSignature
	}
	shared, err := curve25519.X25519(recipientChatPriv, env.EphemeralKey)
	if err != nil {
		return nil, ErrDecrypt
	}
	recipientPub, err := curve25519.X25519(recipientChatPriv, curve25519.Basepoint)
	if err != nil {
		return nil, ErrDecrypt
	}
	key, err := messageKey(shared, env.EphemeralKey, recipientPub)
	zeroBytes(shared)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, envelopeAAD(env))
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func Validate(env *Envelope) error {
	switch {
	case env == nil || env.Version != envelopeVersion:
		return ErrInvalidEnvelope
	case env.MessageID == "" || len(env.MessageID) > maxMessageIDLen:
		return ErrInvalidEnvelope
	case len(env.Sender) != ed25519.PublicKeySize || len(env.Signature) != ed25519.SignatureSize:
		return ErrInvalidEnvelope
	case len(env.EphemeralKey) != curve25519.PointSize || len(env.Nonce) != chacha20poly1305.NonceSizeX:
		return ErrInvalidEnvelope
	case len(env.Ciphertext) < chacha20poly1305.Overhead:
		return ErrInvalidEnvelope
	}
	return nil
}

func (e *Envelope) SentTime() time.Time {
	return time.UnixMilli(e.SentAt).UTC()
}

func messageKey(shared, ephPub, recipientPub []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephPub)+len(recipientPub))
	salt = append(salt, ephPub...)
	salt = append(salt, recipientPub...)
	reader := hkdf.New(sha256.New, shared, salt, []byte(hkdfInfoSealbox))
	out := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

func envelopeAAD(env *Envelope) []byte {
	b := make([]byte, 0, 1+len(env.MessageID)+1+len(env.Sender)+len(env.EphemeralKey)+8)
	b = append(b, env.Version)
	b = append(b, env.MessageID...)
	b = append(b, 0)
	b = append(b, env.Sender...)
	b = append(b, env.EphemeralKey...)
	b = binary.BigEndian.AppendUint64(b, uint64(env.SentAt))
	return b
}

func signingBytes(env *Envelope) []byte {
	b := envelopeAAD(env)
	b = append(b, env.Nonce...)
	b = append(b, env.Ciphertext...)
	return b
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
