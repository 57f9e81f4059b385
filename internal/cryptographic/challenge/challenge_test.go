package challenge

import (
	"bytes"
	"testing"

	"github.com/Dima4663737373/private-messanger-sub001/internal/cryptographic/dh"
)

func TestSealOpenRoundTrip(t *testing.T) {
	priv, pub, err := dh.NewX25519KeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}

	value, err := New()
	if err != nil {
		t.Fatalf("new challenge: %v", err)
	}

	sealed, err := Seal(pub[:], value)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed.Ciphertext, value) {
		t.Fatal("challenge value visible in ciphertext")
	}

	got, err := Open(priv[:], sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Fatalf("opened value mismatch: got %x want %x", got, value)
	}
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	_, pub, err := dh.NewX25519KeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	otherPriv, _, err := dh.NewX25519KeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}

	value, _ := New()
	sealed, err := Seal(pub[:], value)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if _, err := Open(otherPriv[:], sealed); err == nil {
		t.Fatal("open with wrong private key succeeded")
	}
}

func TestSealRejectsBadKeyLength(t *testing.T) {
	value, _ := New()
	if _, err := Seal([]byte("short"), value); err == nil {
		t.Fatal("seal accepted a truncated recipient key")
	}
}
