package challenge

import (
	"crypto/rand"
	"fmt"

	"github.com/Dima4663737373/private-messanger-sub001/internal/cryptographic/dh"
	"github.com/Dima4663737373/private-messanger-sub001/internal/cryptographic/encryption"
	"github.com/Dima4663737373/private-messanger-sub001/internal/cryptographic/kdf"
)

// Size of the random challenge value.
const Size = 32

// AES-GCM nonce length produced by the encryption helpers.
const nonceSize = 12

var hkdfInfo = []byte("relay-auth-challenge-v1")

type (
	// Sealed is a challenge encrypted to an identity's on-file X25519
	// key with a one-shot ephemeral keypair. Only the holder of the
	// matching private key can recover the value.
	Sealed struct {
		Ciphertext         []byte
		Nonce              []byte
		EphemeralPublicKey []byte
	}
)

// New returns a fresh random challenge value.
func New() ([]byte, error) {
	value := make([]byte, Size)
	if _, err := rand.Read(value); err != nil {
		return nil, fmt.Errorf("generate challenge: %w", err)
	}
	return value, nil
}

// Seal encrypts value to recipientPub (X25519, 32 bytes). The ephemeral
// public key is bound into the AEAD as associated data.
func Seal(recipientPub, value []byte) (*Sealed, error) {
	if len(recipientPub) != 32 {
		return nil, fmt.Errorf("recipient key must be 32 bytes, got %d", len(recipientPub))
	}

	ephPriv, ephPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}

	var pub [32]byte
	copy(pub[:], recipientPub)

	key, err := deriveKey(ephPriv, pub)
	if err != nil {
		return nil, err
	}

	sealed, err := encryption.AEADEncrypt(key, value, ephPub[:])
	if err != nil {
		return nil, err
	}

	return &Sealed{
		Ciphertext:         sealed[nonceSize:],
		Nonce:              sealed[:nonceSize],
		EphemeralPublicKey: ephPub[:],
	}, nil
}

// Open recovers a sealed challenge with the recipient's private key.
// Used by clients and tests; the relay itself never opens challenges.
func Open(recipientPriv []byte, s *Sealed) ([]byte, error) {
	if len(recipientPriv) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(recipientPriv))
	}
	if len(s.EphemeralPublicKey) != 32 || len(s.Nonce) != nonceSize {
		return nil, fmt.Errorf("malformed sealed challenge")
	}

	var priv, ephPub [32]byte
	copy(priv[:], recipientPriv)
	copy(ephPub[:], s.EphemeralPublicKey)

	key, err := deriveKey(priv, ephPub)
	if err != nil {
		return nil, err
	}

	return encryption.AEADDecrypt(key, append(append([]byte{}, s.Nonce...), s.Ciphertext...), s.EphemeralPublicKey)
}

func deriveKey(priv, pub [32]byte) ([]byte, error) {
	shared, err := dh.X25519SharedSecret(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}

	key := make([]byte, 32)
	if _, err := kdf.HKDF(shared, nil, hkdfInfo, key); err != nil {
		return nil, fmt.Errorf("derive challenge key: %w", err)
	}
	return key, nil
}
