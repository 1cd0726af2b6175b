// Package profile builds and verifies signed user profiles. A profile is
// signed twice: by the ed25519 identity key and by the account's ethereum
// key, so both halves of the account vouch for the same data.
package profile

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"panthalassa/go-core/internal/identity"
)

const (
	version      = 1
	maxNameLen   = 64
	maxFieldLen  = 256
	maxImageSize = 512 * 1024
)

var (
	ErrInvalidProfile   = errors.New("invalid profile")
	ErrInvalidSignature = errors.New("invalid profile signature")
)

// Signer is the subset of an unlocked key manager a profile needs.
type Signer interface {
	SigningPublicKey() ed25519.PublicKey
	Sign(message []byte) ([]byte, error)
	ContactKey() (string, error)
	EthAddress() (string, error)
	EthSign(digest []byte) ([]byte, error)
}

type Profile struct {
	Version           int       `json:"version"`
	Name              string    `json:"name"`
	Location          string    `json:"location,omitempty"`
	Image             string    `json:"image,omitempty"`
	IdentityKey       string    `json:"identity_key"`
	ContactKey        string    `json:"contact_key"`
	EthAddress        string    `json:"eth_address"`
	Timestamp         time.Time `json:"timestamp"`
	IdentitySignature string    `json:"identity_signature"`
	EthSignature      string    `json:"eth_signature"`
}

func Sign(s Signer, name, location, image string, now time.Time) (*Profile, error) {
	p := &Profile{
		Version:     version,
		Name:        strings.TrimSpace(name),
		Location:    strings.TrimSpace(location),
		Image:       image,
		IdentityKey: hex.EncodeToString(s.SigningPublicKey()),
		Timestamp:   now.UTC().Truncate(time.Second),
	}
	if err := p.validateFields(); err != nil {
		return nil, err
	}
	var err error
	if p.ContactKey, err = s.ContactKey(); err != nil {
		return nil, err
	}
	if p.EthAddress, err = s.EthAddress(); err != nil {
		return nil, err
	}

	payload := p.signingBytes()
	idSig, err := s.Sign(payload)
	if err != nil {
		return nil, err
	}
	ethSig, err := s.EthSign(identity.Keccak256(payload))
	if err != nil {
		return nil, err
	}
	p.IdentitySignature = hex.EncodeToString(idSig)
	p.EthSignature = hex.EncodeToString(ethSig)
	return p, nil
}

// Verify checks both signatures and the binding between identity key and
// contact key.
func Verify(p *Profile) error {
	if p == nil || p.Version != version {
		return ErrInvalidProfile
	}
	if err := p.validateFields(); err != nil {
		return err
	}
	pub, err := hex.DecodeString(p.IdentityKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: identity key", ErrInvalidProfile)
	}
	contact, err := identity.ParseContactKey(p.ContactKey)
	if err != nil || !contact.SigningKey.Equal(ed25519.PublicKey(pub)) {
		return fmt.Errorf("%w: contact key", ErrInvalidProfile)
	}

	payload := p.signingBytes()
	idSig, err := hex.DecodeString(p.IdentitySignature)
	if err != nil || !ed25519.Verify(pub, payload, idSig) {
		return ErrInvalidSignature
	}
	ethSig, err := hex.DecodeString(p.EthSignature)
	if err != nil {
		return ErrInvalidSignature
	}
	signer, err := identity.EthRecoverAddress(identity.Keccak256(payload), ethSig)
	if err != nil || !strings.EqualFold(signer, p.EthAddress) {
		return ErrInvalidSignature
	}
	return nil
}

func (p *Profile) IdentityID() (string, error) {
	pub, err := hex.DecodeString(p.IdentityKey)
	if err != nil {
		return "", ErrInvalidProfile
	}
	return identity.BuildIdentityID(pub)
}

func (p *Profile) Encode() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func Parse(raw string) (*Profile, error) {
	var p Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	return &p, nil
}

func (p *Profile) validateFields() error {
	switch {
	case p.Name == "" || len(p.Name) > maxNameLen:
		return fmt.Errorf("%w: name must be 1..%d bytes", ErrInvalidProfile, maxNameLen)
	case len(p.Location) > maxFieldLen:
		return fmt.Errorf("%w: location too long", ErrInvalidProfile)
	case len(p.Image) > maxImageSize:
		return fmt.Errorf("%w: image too large", ErrInvalidProfile)
	}
	return nil
}

// signingBytes is a canonical, zero separated encoding of every signed field.
func (p *Profile) signingBytes() []byte {
	fields := []string{
		"panthalassa-profile",
		strconv.Itoa(p.Version),
		p.Name,
		p.Location,
		p.Image,
		p.IdentityKey,
		p.ContactKey,
		strings.ToLower(p.EthAddress),
		strconv.FormatInt(p.Timestamp.Unix(), 10),
	}
	var b []byte
	for _, f := range fields {
		b = append(b, f...)
		b = append(b, 0)
	}
	return b
}
