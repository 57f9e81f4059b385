package relay

import (
	"sync"

	"github.com/Dima4663737373/private-messanger-sub001/internal/model"
)

type (
	// Registry tracks live connections. Fan-out walks the table; at
	// reference scale the linear scan beats maintaining a hash index,
	// and the scan is bounded to participants by the predicates below.
	Registry struct {
		mu    sync.RWMutex
		conns map[string]*Conn
	}
)

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Conn),
	}
}

func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.id] = c
}

// Remove detaches the connection and returns it, or nil if already
// gone.
func (r *Registry) Remove(id string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[id]
	delete(r.conns, id)
	return c
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// SendToHashes delivers frame to every authenticated connection whose
// bound identity-hash subscription matches one of hashes. Never a
// global broadcast: uninvolved connections see nothing.
func (r *Registry) SendToHashes(frame *model.Frame, hashes ...string) int {
	sent := 0
	for _, c := range r.snapshot() {
		if !c.Authenticated() {
			continue
		}
		for _, h := range hashes {
			if h != "" && c.boundTo(h) {
				c.send(frame)
				sent++
				break
			}
		}
	}
	return sent
}

// SendToRoom delivers frame to authenticated members of roomID,
// excluding the originating connection.
func (r *Registry) SendToRoom(frame *model.Frame, roomID, exceptConnID string) int {
	sent := 0
	for _, c := range r.snapshot() {
		if c.id == exceptConnID || !c.Authenticated() {
			continue
		}
		if c.inRoom(roomID) {
			c.send(frame)
			sent++
		}
	}
	return sent
}

// ResolveIdentity finds the identity behind an identity hash among live
// authenticated connections. Fallback path for recipients not yet in
// the registry repository.
func (r *Registry) ResolveIdentity(hash string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.conns {
		c.mu.Lock()
		match := c.authenticated && c.identityHash == hash
		identity := c.identity
		c.mu.Unlock()
		if match {
			return identity, true
		}
	}
	return "", false
}
