package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

type Tier string

const (
	// TierLimited only permits identity registration; issued to unknown
	// identities and as the fail-open path when a challenge cannot be
	// built.
	TierLimited Tier = "limited"
	// TierFull unlocks all operations; requires a completed
	// challenge-response handshake.
	TierFull Tier = "full"
)

// ErrExpired covers both a token past its validity window and a token
// that was never issued; callers cannot distinguish the two and must
// re-authenticate either way.
var ErrExpired = fmt.Errorf("session expired or unknown")

type (
	Session struct {
		Identity  string `json:"identity"`
		Tier      Tier   `json:"tier"`
		CreatedAt int64  `json:"created_at"`
	}

	// KV is the minimal key-value contract the store needs. The redis
	// service satisfies it in production; MemoryKV backs tests and
	// single-binary runs.
	KV interface {
		Set(ctx context.Context, key string, value any, ttl time.Duration) error
		Lookup(ctx context.Context, key string) (string, bool, error)
		Del(ctx context.Context, key string) error
	}

	Store struct {
		kv  KV
		ttl time.Duration
		now func() time.Time
	}
)

func NewStore(kv KV, ttl time.Duration) *Store {
	return &Store{
		kv:  kv,
		ttl: ttl,
		now: time.Now,
	}
}

func key(token string) string {
	return "session:" + token
}

// Issue creates a session for identity at the given tier and returns
// its bearer token.
func (s *Store) Issue(ctx context.Context, identity string, tier Tier) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(raw)

	sess := Session{
		Identity:  identity,
		Tier:      tier,
		CreatedAt: s.now().UnixMilli(),
	}
	if err := s.put(ctx, token, &sess, s.ttl); err != nil {
		return "", err
	}
	return token, nil
}

// Validate resolves a token to its session, or ErrExpired. The age
// check runs here as well: an entry the backing KV has not swept yet is
// still rejected once past the validity window.
func (s *Store) Validate(ctx context.Context, token string) (*Session, error) {
	val, ok, err := s.kv.Lookup(ctx, key(token))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrExpired
	}

	var sess Session
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}

	if s.remaining(&sess) <= 0 {
		_ = s.kv.Del(ctx, key(token))
		return nil, ErrExpired
	}
	return &sess, nil
}

// Upgrade promotes a limited session to full, keeping its original
// validity window. Triggered when a limited-session identity registers
// a public key.
func (s *Store) Upgrade(ctx context.Context, token string) error {
	sess, err := s.Validate(ctx, token)
	if err != nil {
		return err
	}

	sess.Tier = TierFull
	return s.put(ctx, token, sess, s.remaining(sess))
}

func (s *Store) Revoke(ctx context.Context, token string) error {
	return s.kv.Del(ctx, key(token))
}

func (s *Store) put(ctx context.Context, token string, sess *Session, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return s.kv.Set(ctx, key(token), string(data), ttl)
}

func (s *Store) remaining(sess *Session) time.Duration {
	age := s.now().Sub(time.UnixMilli(sess.CreatedAt))
	return s.ttl - age
}
