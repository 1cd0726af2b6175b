package identity

import "time"

type DerivedKeys struct {
	SigningPrivateKey []byte // Ed25519 private key bytes (64)
	SigningPublicKey  []byte // Ed25519 public key bytes (32)
	ChatPrivateKey    []byte // X25519 private scalar (32)
	ChatPublicKey     []byte // X25519 public key (32)
	EthPrivateKey     []byte // secp256k1 scalar (32)
}

type EncryptedSeedEnvelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// KeyManagerBlob is the serialized, password sealed account the host stores
// and hands back on start as encrypted_key_manager.
type KeyManagerBlob struct {
	Version    uint32                `json:"version"`
	IdentityID string                `json:"identity_id"`
	CreatedAt  time.Time             `json:"created_at"`
	Seed       EncryptedSeedEnvelope `json:"seed"`
}
