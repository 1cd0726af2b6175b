package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoSigning  = "panthalassa/identity/signing/v1"
	hkdfInfoChat     = "panthalassa/identity/chat/v1"
	hkdfInfoEthereum = "panthalassa/identity/ethereum/v1"

	maxEthDeriveRounds = 8
)

// DeriveKeys expands a BIP-39 seed into the account's key set. The result
// is fully determined by the seed.
func DeriveKeys(seedBytes []byte) (*DerivedKeys, error) {
	signingSeed, err := hkdfExpand(seedBytes, hkdfInfoSigning, 32)
	if err != nil {
		return nil, err
	}
	chatPriv, err := hkdfExpand(seedBytes, hkdfInfoChat, curve25519.ScalarSize)
	if err != nil {
		return nil, err
	}
	chatPub, err := curve25519.X25519(chatPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	ethPriv, err := deriveEthKey(seedBytes)
	if err != nil {
		return nil, err
	}

	signingPriv := ed25519.NewKeyFromSeed(signingSeed)
	zeroBytes(signingSeed)
	return &DerivedKeys{
		SigningPrivateKey: signingPriv,
		SigningPublicKey:  signingPriv.Public().(ed25519.PublicKey),
		ChatPrivateKey:    chatPriv,
		ChatPublicKey:     chatPub,
		EthPrivateKey:     ethPriv,
	}, nil
}

// deriveEthKey retries with a counter in the astronomically unlikely case
// the expanded bytes are not a valid secp256k1 scalar.
func deriveEthKey(seed []byte) ([]byte, error) {
	for round := 0; round < maxEthDeriveRounds; round++ {
		info := fmt.Sprintf("%s/%d", hkdfInfoEthereum, round)
		candidate, err := hkdfExpand(seed, info, 32)
		if err != nil {
			return nil, err
		}
		if _, err := crypto.ToECDSA(candidate); err == nil {
			return candidate, nil
		}
	}
	return nil, ErrIdentityInit
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
