package relay

import (
	"sync"
	"time"

	"github.com/Dima4663737373/private-messanger-sub001/internal/model"
	"github.com/Dima4663737373/private-messanger-sub001/internal/service/session"
	"github.com/Dima4663737373/private-messanger-sub001/internal/utils/log"

	"go.uber.org/zap"
)

type (
	// socket is the slice of *websocket.Conn the relay writes through;
	// tests substitute a capturing fake.
	socket interface {
		WriteJSON(v any) error
		Close() error
	}

	// pendingChallenge is the server-side half of an in-flight
	// challenge-response handshake. At most one exists per connection;
	// it is consumed on the matching response or swept after its TTL.
	pendingChallenge struct {
		value     []byte
		identity  string
		createdAt time.Time
	}

	// Conn is the process-local state of one live connection. All
	// fields behind mu; the registry owns the lifecycle.
	Conn struct {
		id     string
		origin string
		ws     socket

		writeMu sync.Mutex

		mu            sync.Mutex
		authenticated bool
		identity      string
		identityHash  string
		tier          session.Tier
		token         string
		boundHash     string
		boundDialog   string
		rooms         map[string]struct{}
		pending       *pendingChallenge
		lastHeartbeat time.Time
	}
)

func newConn(id, origin string, ws socket) *Conn {
	return &Conn{
		id:            id,
		origin:        origin,
		ws:            ws,
		rooms:         make(map[string]struct{}),
		lastHeartbeat: time.Now(),
	}
}

// send serializes writes to the underlying socket; gorilla websockets
// permit one concurrent writer.
func (c *Conn) send(frame *model.Frame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteJSON(frame); err != nil {
		log.Debug("write to connection failed",
			zap.String("conn", c.id), zap.Error(err))
	}
}

func (c *Conn) sendError(code, msg string, retryable bool) {
	c.send(&model.Frame{
		Type:  model.TypeError,
		Error: &model.WireError{Code: code, Message: msg, Retryable: retryable},
	})
}

// Authenticated reports whether the handshake completed. Every non-auth
// operation checks this first.
func (c *Conn) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Conn) session() (identity, hash, token string, tier session.Tier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity, c.identityHash, c.token, c.tier
}

func (c *Conn) bindSession(identity, hash, token string, tier session.Tier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.identity = identity
	c.identityHash = hash
	c.token = token
	c.tier = tier
	c.pending = nil
}

func (c *Conn) setTier(tier session.Tier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tier = tier
}

func (c *Conn) setPending(p *pendingChallenge) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = p
}

// takePending consumes the pending challenge. Single use: even a failed
// comparison burns it.
func (c *Conn) takePending() *pendingChallenge {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pending
	c.pending = nil
	return p
}

func (c *Conn) bindHashes(identityHash, dialogHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if identityHash != "" {
		c.boundHash = identityHash
	}
	if dialogHash != "" {
		c.boundDialog = dialogHash
	}
}

// boundTo reports whether this connection subscribed to hash.
func (c *Conn) boundTo(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boundHash == hash
}

func (c *Conn) joinRoom(roomID string, max int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[roomID]; ok {
		return true
	}
	if len(c.rooms) >= max {
		return false
	}
	c.rooms[roomID] = struct{}{}
	return true
}

func (c *Conn) leaveRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
}

func (c *Conn) inRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

func (c *Conn) heartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = time.Now()
}

func (c *Conn) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// expirePending discards a pending challenge older than ttl.
func (c *Conn) expirePending(ttl time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil && now.Sub(c.pending.createdAt) > ttl {
		c.pending = nil
	}
}
