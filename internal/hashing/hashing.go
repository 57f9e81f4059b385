package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// UnknownIdentity is the sentinel recipient used when a hash cannot be
// resolved to a registered or connected identity.
const UnknownIdentity = "unknown"

// IdentityHash returns the one-way hash of a participant address used on
// the wire and in storage in place of the raw address.
func IdentityHash(address string) string {
	sum := sha256.Sum256([]byte(address))
	return hex.EncodeToString(sum[:])
}

// DialogHash combines two identity hashes into an order-independent
// conversation key: the hashes are sorted and joined, so either
// participant derives the same value and the two constituent hashes can
// be recovered with SplitDialogHash.
func DialogHash(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// SplitDialogHash recovers the two identity hashes a dialog hash was
// built from.
func SplitDialogHash(dialog string) (string, string, error) {
	a, b, ok := strings.Cut(dialog, ":")
	if !ok || a == "" || b == "" {
		return "", "", fmt.Errorf("malformed dialog hash %q", dialog)
	}
	return a, b, nil
}
