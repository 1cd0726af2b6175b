package identity

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidEthKey = errors.New("invalid ethereum key")

func (k *KeyManager) ethKey() (*ecdsa.PrivateKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.keys == nil {
		return nil, ErrSeedNotAvailable
	}
	return crypto.ToECDSA(k.keys.EthPrivateKey)
}

// EthAddress is the EIP-55 checksummed account address.
func (k *KeyManager) EthAddress() (string, error) {
	priv, err := k.ethKey()
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(priv.PublicKey).Hex(), nil
}

func (k *KeyManager) EthPrivateKey() (string, error) {
	priv, err := k.ethKey()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(crypto.FromECDSA(priv)), nil
}

// EthSign signs a 32 byte digest, returning a 65 byte [R || S || V]
// signature.
func (k *KeyManager) EthSign(digest []byte) ([]byte, error) {
	priv, err := k.ethKey()
	if err != nil {
		return nil, err
	}
	return crypto.Sign(digest, priv)
}

// EthPubToAddress accepts a hex secp256k1 public key, compressed (33 bytes)
// or uncompressed (65 bytes), with or without 0x prefix.
func EthPubToAddress(pub string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(pub), "0x"))
	if err != nil {
		return "", ErrInvalidEthKey
	}
	var key *ecdsa.PublicKey
	switch len(raw) {
	case 33:
		key, err = crypto.DecompressPubkey(raw)
	case 65:
		key, err = crypto.UnmarshalPubkey(raw)
	default:
		return "", ErrInvalidEthKey
	}
	if err != nil {
		return "", ErrInvalidEthKey
	}
	return crypto.PubkeyToAddress(*key).Hex(), nil
}

// EthRecoverAddress returns the address that produced sig over digest.
func EthRecoverAddress(digest, sig []byte) (string, error) {
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

func Keccak256(data ...[]byte) []byte {
	return crypto.Keccak256(data...)
}

// EthPublicKey is the uncompressed hex secp256k1 public key.
func (k *KeyManager) EthPublicKey() (string, error) {
	priv, err := k.ethKey()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(crypto.FromECDSAPub(&priv.PublicKey)), nil
}
