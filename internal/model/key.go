package model

type (
	// KeyBundle is the public key material an identity registers with
	// the relay: an X25519 encryption key used to seal auth challenges,
	// and an ed25519 signing key that vouches for it.
	KeyBundle struct {
		EncryptionKey []byte `bson:"encryption_key" json:"encryption_key"`
		SigningKey    []byte `bson:"signing_key" json:"signing_key"`
		KeySignature  []byte `bson:"key_signature" json:"key_signature"`
	}

	// Identity is the registry record resolving an address to its
	// one-way hash and registered key bundle.
	Identity struct {
		Address      string    `bson:"address" json:"address"`
		AddressHash  string    `bson:"address_hash" json:"address_hash"`
		Keys         KeyBundle `bson:"keys" json:"keys"`
		RegisteredAt int64     `bson:"registered_at" json:"registered_at"`
		LedgerHeight int64     `bson:"ledger_height" json:"ledger_height"`
	}
)
