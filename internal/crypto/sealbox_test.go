package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/curve25519"
)

type keySigner struct {
	priv ed25519.PrivateKey
}

func (s keySigner) SigningPublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

func (s keySigner) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, message), nil
}

func newSigner(t *testing.T) keySigner {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	return keySigner{priv: priv}
}

func newChatKey(t *testing.T) (priv, pub []byte) {
	t.Helper()
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		t.Fatalf("rand: %v", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		t.Fatalf("x25519: %v", err)
	}
	return priv, pub
}

func TestSealOpenRoundTrip(t *testing.T) {
	sender := newSigner(t)
	priv, pub := newChatKey(t)
	sentAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	env, err := Seal(sender, pub, "m1", []byte("hi there"), sentAt)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	plain, err := Open(priv, env)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if string(plain) != "hi there" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
	if !env.SentTime().Equal(sentAt) {
		t.Fatalf("sent time mismatch: %v", env.SentTime())
	}
	if !ed25519.PublicKey(env.Sender).Equal(sender.SigningPublicKey()) {
		t.Fatal("sender key should be carried in the envelope")
	}
}

func TestOpenRejectsWrongRecipientAndTampering(t *testing.T) {
	sender := newSigner(t)
	_, pub := newChatKey(t)
	otherPriv, _ := newChatKey(t)

	env, err := Seal(sender, pub, "m1", []byte("secret"), time.Now())
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, err := Open(otherPriv, env); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for wrong recipient, got %v", err)
	}

	tampered := *env
	tampered.Ciphertext = append([]byte(nil), env.Ciphertext...)
	tampered.Ciphertext[0] ^= 0x01
	if _, err := Open(otherPriv, &tampered); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}

	forged := *env
	forged.Sender = newSigner(t).SigningPublicKey()
	if _, err := Open(otherPriv, &forged); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for swapped sender, got %v", err)
	}
}

func TestSealValidatesInputs(t *testing.T) {
	sender := newSigner(t)
	_, pub := newChatKey(t)
	if _, err := Seal(sender, []byte{1, 2}, "m1", nil, time.Now()); !errors.Is(err, ErrInvalidPeerKey) {
		t.Fatalf("expected ErrInvalidPeerKey, got %v", err)
	}
	if _, err := Seal(sender, pub, " ", nil, time.Now()); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
	}
	if err := Validate(&Envelope{Version: 9}); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
	}
}

func TestReplayGuardIsBoundedPerSender(t *testing.T) {
	g := NewReplayGuard(2)
	if g.Seen("a", "1") {
		t.Fatal("first sighting should not be a replay")
	}
	if !g.Seen("a", "1") {
		t.Fatal("second sighting should be a replay")
	}
	if g.Seen("b", "1") {
		t.Fatal("ids are scoped per sender")
	}
	g.Seen("a", "2")
	g.Seen("a", "3")
	if g.Seen("a", "1") {
		t.Fatal("oldest id should have been evicted")
	}
}
