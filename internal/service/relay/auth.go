package relay

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/Dima4663737373/private-messanger-sub001/internal/cryptographic/challenge"
	"github.com/Dima4663737373/private-messanger-sub001/internal/cryptographic/signature"
	"github.com/Dima4663737373/private-messanger-sub001/internal/hashing"
	"github.com/Dima4663737373/private-messanger-sub001/internal/metrics"
	"github.com/Dima4663737373/private-messanger-sub001/internal/model"
	"github.com/Dima4663737373/private-messanger-sub001/internal/service/session"
	"github.com/Dima4663737373/private-messanger-sub001/internal/utils/log"

	"go.uber.org/zap"
)

// handleAuth starts the handshake. Known identities get a challenge
// sealed to their on-file key; unknown identities get a limited session
// immediately so they can register.
func (s *Server) handleAuth(ctx context.Context, c *Conn, frame *model.Frame) {
	if !s.guard.AllowControl(s.rateKey(c)) {
		metrics.RateLimited.WithLabelValues("control").Inc()
		c.sendError(model.CodeRateLimited, "too many auth attempts", true)
		return
	}

	if !identityPattern.MatchString(frame.Identity) {
		c.sendError(model.CodeProtocolError, "invalid identity format", false)
		return
	}

	registered, err := s.identities.GetByAddress(ctx, frame.Identity)
	if err != nil {
		c.sendError(model.CodeStoreError, "identity lookup failed, retry", true)
		return
	}

	if registered == nil {
		// New users must register a key before unlocking full
		// capability.
		s.issueSession(ctx, c, frame.Identity, session.TierLimited)
		return
	}

	value, err := challenge.New()
	var sealed *challenge.Sealed
	if err == nil {
		sealed, err = challenge.Seal(registered.Keys.EncryptionKey, value)
	}
	if err != nil {
		// Fail open: a corrupt stored key would otherwise lock the
		// identity out of its own recovery path. The limited session
		// only permits re-registration.
		log.Error("challenge construction failed, issuing limited session",
			zap.String("identity", frame.Identity), zap.Error(err))
		metrics.AuthOutcomes.WithLabelValues("fail_open").Inc()
		s.issueSession(ctx, c, frame.Identity, session.TierLimited)
		return
	}

	c.setPending(&pendingChallenge{
		value:     value,
		identity:  frame.Identity,
		createdAt: time.Now(),
	})

	c.send(&model.Frame{
		Type:               model.TypeAuthChallenge,
		EncryptedChallenge: sealed.Ciphertext,
		Nonce:              sealed.Nonce,
		EphemeralPublicKey: sealed.EphemeralPublicKey,
	})
}

// handleAuthResponse completes the handshake. The pending challenge is
// consumed regardless of outcome: single use.
func (s *Server) handleAuthResponse(ctx context.Context, c *Conn, frame *model.Frame) {
	pending := c.takePending()
	if pending == nil {
		c.sendError(model.CodeAuthError, "no pending challenge", false)
		return
	}

	if time.Since(pending.createdAt) > s.cfg.ChallengeTTL {
		metrics.AuthOutcomes.WithLabelValues("challenge_expired").Inc()
		c.send(&model.Frame{Type: model.TypeAuthFailed})
		c.sendError(model.CodeAuthError, "challenge expired, re-authenticate", false)
		return
	}

	if subtle.ConstantTimeCompare(frame.DecryptedChallenge, pending.value) != 1 {
		metrics.AuthOutcomes.WithLabelValues("challenge_mismatch").Inc()
		c.send(&model.Frame{Type: model.TypeAuthFailed})
		return
	}

	s.issueSession(ctx, c, pending.identity, session.TierFull)
}

// handleKeyMismatch is the client telling us it cannot decrypt the
// issued challenge (its local key rotated). Discard the challenge and
// hand out a limited session so the identity can re-register.
func (s *Server) handleKeyMismatch(ctx context.Context, c *Conn, frame *model.Frame) {
	pending := c.takePending()

	identity := frame.Identity
	if identity == "" && pending != nil {
		identity = pending.identity
	}
	if !identityPattern.MatchString(identity) {
		c.sendError(model.CodeProtocolError, "invalid identity format", false)
		return
	}

	metrics.AuthOutcomes.WithLabelValues("key_mismatch").Inc()
	s.issueSession(ctx, c, identity, session.TierLimited)
}

// handleRegisterKey stores an identity's key bundle and upgrades the
// session to full. The only operation a limited session may perform.
func (s *Server) handleRegisterKey(ctx context.Context, c *Conn, frame *model.Frame) {
	identity, _, token, _ := c.session()

	if frame.Identity != "" && frame.Identity != identity {
		c.sendError(model.CodeAuthError, "cannot register keys for another identity", false)
		return
	}

	// Profile writes sit in the tighter window.
	if !s.guard.AllowExpensive(s.rateKey(c)) {
		metrics.RateLimited.WithLabelValues("tight").Inc()
		c.sendError(model.CodeRateLimited, "too many registration attempts", true)
		return
	}

	if len(frame.EncryptionKey) != 32 || len(frame.SigningKey) != 32 {
		c.sendError(model.CodeProtocolError, "encryption and signing keys must be 32 bytes", false)
		return
	}
	if !signature.ED25519Verify(frame.SigningKey, frame.EncryptionKey, frame.KeySignature) {
		c.sendError(model.CodeAuthError, "key signature verification failed", false)
		return
	}

	record := &model.Identity{
		Address:     identity,
		AddressHash: hashing.IdentityHash(identity),
		Keys: model.KeyBundle{
			EncryptionKey: frame.EncryptionKey,
			SigningKey:    frame.SigningKey,
			KeySignature:  frame.KeySignature,
		},
		RegisteredAt: time.Now().UnixMilli(),
	}
	if err := s.identities.Upsert(ctx, record); err != nil {
		c.sendError(model.CodeStoreError, "key registration failed, retry", true)
		return
	}

	if err := s.sessions.Upgrade(ctx, token); err != nil {
		c.sendError(model.CodeStoreError, "session upgrade failed, retry", true)
		return
	}
	c.setTier(session.TierFull)

	metrics.AuthOutcomes.WithLabelValues("registered").Inc()
	c.send(&model.Frame{
		Type:  model.TypeAuthSuccess,
		Token: token,
		Tier:  string(session.TierFull),
	})
}

// handleSubscribe binds the connection to its identity hash and,
// optionally, a dialog hash. Subscribing on behalf of another identity
// is rejected.
func (s *Server) handleSubscribe(ctx context.Context, c *Conn, frame *model.Frame) {
	identity, ownHash, _, _ := c.session()

	if !s.guard.AllowControl(s.rateKey(c)) {
		metrics.RateLimited.WithLabelValues("control").Inc()
		c.sendError(model.CodeRateLimited, "too many subscribe attempts", true)
		return
	}

	if frame.Identity != "" && frame.Identity != identity {
		c.sendError(model.CodeAuthError, "cannot subscribe as another identity", false)
		return
	}

	hash := frame.IdentityHash
	if hash == "" {
		hash = ownHash
	}
	if hash != ownHash {
		c.sendError(model.CodeAuthError, "identity hash does not match session", false)
		return
	}

	if frame.DialogHash != "" {
		a, b, err := hashing.SplitDialogHash(frame.DialogHash)
		if err != nil {
			c.sendError(model.CodeProtocolError, "malformed dialog hash", false)
			return
		}
		if a != ownHash && b != ownHash {
			c.sendError(model.CodeAuthError, "dialog does not involve this identity", false)
			return
		}
	}

	c.bindHashes(hash, frame.DialogHash)
	c.send(&model.Frame{Type: model.TypeSubscribe, IdentityHash: hash, DialogHash: frame.DialogHash})
}

func (s *Server) handleSubscribeRoom(ctx context.Context, c *Conn, frame *model.Frame) {
	identity, _, _, _ := c.session()

	if !s.guard.AllowControl(s.rateKey(c)) {
		metrics.RateLimited.WithLabelValues("control").Inc()
		c.sendError(model.CodeRateLimited, "too many subscribe attempts", true)
		return
	}

	if frame.RoomID == "" {
		c.sendError(model.CodeProtocolError, "room_id is required", false)
		return
	}

	ok, err := s.rooms.CanSubscribe(ctx, frame.RoomID, identity)
	if err != nil {
		c.sendError(model.CodeStoreError, "room lookup failed, retry", true)
		return
	}
	if !ok {
		c.sendError(model.CodeAuthError, "not a member of this room", false)
		return
	}

	if !c.joinRoom(frame.RoomID, s.cfg.MaxRoomsPerConn) {
		c.sendError(model.CodeProtocolError, "room subscription limit reached", false)
		return
	}
	c.send(&model.Frame{Type: model.TypeSubscribeRoom, RoomID: frame.RoomID})
}

func (s *Server) handleUnsubscribeRoom(c *Conn, frame *model.Frame) {
	if frame.RoomID == "" {
		c.sendError(model.CodeProtocolError, "room_id is required", false)
		return
	}
	c.leaveRoom(frame.RoomID)
	c.send(&model.Frame{Type: model.TypeUnsubscribeRoom, RoomID: frame.RoomID})
}

// issueSession creates a session, binds it to the connection, and
// acknowledges with AUTH_SUCCESS. An existing session on the connection
// is revoked first.
func (s *Server) issueSession(ctx context.Context, c *Conn, identity string, tier session.Tier) {
	if _, _, old, _ := c.session(); old != "" {
		if err := s.sessions.Revoke(ctx, old); err != nil {
			log.Error("revoke superseded session failed", zap.Error(err))
		}
	}

	token, err := s.sessions.Issue(ctx, identity, tier)
	if err != nil {
		log.Error("issue session failed", zap.String("identity", identity), zap.Error(err))
		c.send(&model.Frame{Type: model.TypeAuthFailed})
		c.sendError(model.CodeStoreError, "session issue failed, retry", true)
		return
	}

	c.bindSession(identity, hashing.IdentityHash(identity), token, tier)

	metrics.AuthOutcomes.WithLabelValues(string(tier)).Inc()
	c.send(&model.Frame{
		Type:  model.TypeAuthSuccess,
		Token: token,
		Tier:  string(tier),
	})
}
