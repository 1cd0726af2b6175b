package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
)

const (
	identityIDPrefix  = "pan1"
	contactKeyVersion = byte(1)
	contactKeyLen     = 1 + ed25519.PublicKeySize + curve25519.PointSize
)

var ErrInvalidContactKey = errors.New("invalid contact key")

func BuildIdentityID(signingPublicKey []byte) (string, error) {
	if len(signingPublicKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid signing public key size: %d", len(signingPublicKey))
	}
	h := blake2b.Sum256(signingPublicKey)
	return identityIDPrefix + base58.Encode(h[:]), nil
}

func VerifyIdentityID(identityID string, signingPublicKey []byte) (bool, error) {
	expected, err := BuildIdentityID(signingPublicKey)
	if err != nil {
		return false, err
	}
	return identityID == expected, nil
}

// ContactKeys are the public halves carried by a contact key.
type ContactKeys struct {
	SigningKey ed25519.PublicKey
	ChatKey    []byte
}

func EncodeContactKey(signingKey, chatKey []byte) (string, error) {
	if len(signingKey) != ed25519.PublicKeySize || len(chatKey) != curve25519.PointSize {
		return "", ErrInvalidContactKey
	}
	buf := make([]byte, 0, contactKeyLen)
	buf = append(buf, contactKeyVersion)
	buf = append(buf, signingKey...)
	buf = append(buf, chatKey...)
	return base58.Encode(buf), nil
}

func ParseContactKey(key string) (ContactKeys, error) {
	raw, err := base58.Decode(key)
	if err != nil || len(raw) != contactKeyLen || raw[0] != contactKeyVersion {
		return ContactKeys{}, ErrInvalidContactKey
	}
	signing := raw[1 : 1+ed25519.PublicKeySize]
	return ContactKeys{
		SigningKey: append(ed25519.PublicKey(nil), signing...),
		ChatKey:    append([]byte(nil), raw[1+ed25519.PublicKeySize:]...),
	}, nil
}
