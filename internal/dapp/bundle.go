package dapp

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"panthalassa/go-core/pkg/models"
)

const (
	bundleDomain  = "panthalassa/dapp/v1"
	maxBundleCode = 4 << 20
)

var (
	ErrInvalidBundle   = errors.New("invalid dapp bundle")
	ErrBundleSignature = errors.New("dapp bundle signature mismatch")
)

// BundleStore persists verified bundles.
type BundleStore interface {
	BundleSource
	Save(bundle models.DAppBundle) error
	List() []models.DAppBundle
}

// ParseBundle decodes and verifies a bundle received from the host.
func ParseBundle(raw string) (models.DAppBundle, error) {
	var bundle models.DAppBundle
	if err := json.Unmarshal([]byte(raw), &bundle); err != nil {
		return models.DAppBundle{}, ErrInvalidBundle
	}
	if err := VerifyBundle(bundle); err != nil {
		return models.DAppBundle{}, err
	}
	return bundle, nil
}

// VerifyBundle checks the publisher signature over name, image and code.
func VerifyBundle(bundle models.DAppBundle) error {
	if strings.TrimSpace(bundle.Name) == "" || bundle.Code == "" || len(bundle.Code) > maxBundleCode {
		return ErrInvalidBundle
	}
	pub, err := hex.DecodeString(bundle.SigningKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ErrInvalidBundle
	}
	sig, err := hex.DecodeString(bundle.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrInvalidBundle
	}
	if !ed25519.Verify(pub, bundleSigningBytes(bundle), sig) {
		return ErrBundleSignature
	}
	return nil
}

// SignBundle fills SigningKey and Signature from priv.
func SignBundle(priv ed25519.PrivateKey, bundle models.DAppBundle) (models.DAppBundle, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return models.DAppBundle{}, ErrInvalidBundle
	}
	pub := priv.Public().(ed25519.PublicKey)
	bundle.SigningKey = hex.EncodeToString(pub)
	bundle.Signature = hex.EncodeToString(ed25519.Sign(priv, bundleSigningBytes(bundle)))
	return bundle, nil
}

// SaveBundle verifies and stores bundle, stamping SavedAt.
func SaveBundle(store BundleStore, bundle models.DAppBundle, now time.Time) (models.DAppBundle, error) {
	if err := VerifyBundle(bundle); err != nil {
		return models.DAppBundle{}, err
	}
	bundle.SavedAt = now.UTC()
	if err := store.Save(bundle); err != nil {
		return models.DAppBundle{}, err
	}
	return bundle, nil
}

func bundleSigningBytes(bundle models.DAppBundle) []byte {
	out := make([]byte, 0, len(bundleDomain)+len(bundle.Name)+len(bundle.Image)+len(bundle.Code)+3)
	out = append(out, bundleDomain...)
	out = append(out, 0)
	out = append(out, bundle.Name...)
	out = append(out, 0)
	out = append(out, bundle.Image...)
	out = append(out, 0)
	out = append(out, bundle.Code...)
	return out
}
