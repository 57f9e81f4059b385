package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Transition kinds this application recognizes on the ledger.
const (
	KindMessageSend          = "message-send"
	KindIdentityRegistration = "identity-registration"
)

type (
	// Transition is the application-level record recovered from a
	// transaction's chunk payload.
	Transition struct {
		Kind      string `json:"kind"`
		Sender    string `json:"sender"`
		Recipient string `json:"recipient"`
		Payload   []byte `json:"payload"`
		Timestamp int64  `json:"ts"`

		// Identity registration only.
		EncryptionKey []byte `json:"encryption_key,omitempty"`
		SigningKey    []byte `json:"signing_key,omitempty"`
		KeySignature  []byte `json:"key_signature,omitempty"`
	}
)

// DecodeChunks reassembles the text packed into fixed-width big-integer
// chunks: each chunk is stripped of its type suffix, parsed as a base-10
// big integer, and expanded to its big-endian bytes; the byte runs are
// concatenated. Empty and zero chunks are skipped; malformed chunks are
// counted and skipped, never fatal.
func DecodeChunks(chunks []string) (text string, skipped int) {
	var buf bytes.Buffer
	for _, raw := range chunks {
		s := strings.TrimSpace(raw)
		for len(s) > 0 && (s[len(s)-1] < '0' || s[len(s)-1] > '9') {
			s = s[:len(s)-1]
		}
		if s == "" {
			continue
		}

		n, ok := new(big.Int).SetString(s, 10)
		if !ok || n.Sign() < 0 {
			skipped++
			continue
		}
		if n.Sign() == 0 {
			continue
		}
		buf.Write(n.Bytes())
	}
	return buf.String(), skipped
}

// ParseTransition decodes the reassembled chunk text into a transition
// envelope.
func ParseTransition(text string) (*Transition, error) {
	var tr Transition
	if err := json.Unmarshal([]byte(text), &tr); err != nil {
		return nil, fmt.Errorf("parse transition: %w", err)
	}
	if tr.Kind == "" {
		return nil, fmt.Errorf("transition missing kind")
	}
	return &tr, nil
}
