package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Dima4663737373/private-messanger-sub001/internal/config"
	"github.com/Dima4663737373/private-messanger-sub001/internal/cryptographic/challenge"
	"github.com/Dima4663737373/private-messanger-sub001/internal/cryptographic/dh"
	"github.com/Dima4663737373/private-messanger-sub001/internal/hashing"
	"github.com/Dima4663737373/private-messanger-sub001/internal/model"
	msgrepo "github.com/Dima4663737373/private-messanger-sub001/internal/repository/message"
	"github.com/Dima4663737373/private-messanger-sub001/internal/service/ratelimit"
	"github.com/Dima4663737373/private-messanger-sub001/internal/service/session"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type fakeSocket struct {
	mu     sync.Mutex
	frames []*model.Frame
	closed bool
}

func (f *fakeSocket) WriteJSON(v any) error {
	frame, ok := v.(*model.Frame)
	if !ok {
		return fmt.Errorf("unexpected write type %T", v)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) last() *model.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	return f.frames[len(f.frames)-1]
}

func (f *fakeSocket) byType(t string) []*model.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Frame
	for _, fr := range f.frames {
		if fr.Type == t {
			out = append(out, fr)
		}
	}
	return out
}

type fakeStore struct {
	mu       sync.Mutex
	byTriple map[string]*model.Message
	byID     map[primitive.ObjectID]*model.Message
	failNext bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byTriple: make(map[string]*model.Message),
		byID:     make(map[primitive.ObjectID]*model.Message),
	}
}

func (f *fakeStore) InsertIdempotent(ctx context.Context, m *model.Message) (primitive.ObjectID, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return primitive.NilObjectID, false, fmt.Errorf("store unavailable")
	}

	key := fmt.Sprintf("%s|%s|%d", m.SenderHash, m.RecipientHash, m.Timestamp)
	if existing, ok := f.byTriple[key]; ok {
		return existing.ID, false, nil
	}

	cp := *m
	cp.ID = primitive.NewObjectID()
	f.byTriple[key] = &cp
	f.byID[cp.ID] = &cp
	return cp.ID, true, nil
}

func (f *fakeStore) GetByID(ctx context.Context, id primitive.ObjectID) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id], nil
}

func (f *fakeStore) SetStatus(ctx context.Context, ids []primitive.ObjectID, status model.MessageStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if m, ok := f.byID[id]; ok {
			m.Status = status
		}
	}
	return nil
}

func (f *fakeStore) Edit(ctx context.Context, id primitive.ObjectID, senderHash string, payload []byte, editedAt int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byID[id]
	if !ok || m.SenderHash != senderHash {
		return msgrepo.ErrNotFound
	}
	m.Payload = payload
	m.EditedAt = editedAt
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, id primitive.ObjectID, senderHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byID[id]
	if !ok || m.SenderHash != senderHash {
		return msgrepo.ErrNotFound
	}
	delete(f.byID, id)
	for k, v := range f.byTriple {
		if v.ID == id {
			delete(f.byTriple, k)
		}
	}
	return nil
}

type fakeIdentities struct {
	mu     sync.Mutex
	byAddr map[string]*model.Identity
}

func newFakeIdentities() *fakeIdentities {
	return &fakeIdentities{byAddr: make(map[string]*model.Identity)}
}

func (f *fakeIdentities) GetByAddress(ctx context.Context, address string) (*model.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byAddr[address], nil
}

func (f *fakeIdentities) GetByHash(ctx context.Context, hash string) (*model.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.byAddr {
		if id.AddressHash == hash {
			return id, nil
		}
	}
	return nil, nil
}

func (f *fakeIdentities) Upsert(ctx context.Context, id *model.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byAddr[id.Address] = id
	return nil
}

type fakeRooms struct {
	private map[string][]string // roomID -> members
}

func (f *fakeRooms) CanSubscribe(ctx context.Context, roomID, identity string) (bool, error) {
	members, ok := f.private[roomID]
	if !ok {
		return true, nil
	}
	for _, m := range members {
		if m == identity {
			return true, nil
		}
	}
	return false, nil
}

type testEnv struct {
	server     *Server
	store      *fakeStore
	identities *fakeIdentities
	rooms      *fakeRooms
	sessions   *session.Store
	nextConn   int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Default()
	store := newFakeStore()
	ids := newFakeIdentities()
	rooms := &fakeRooms{private: make(map[string][]string)}
	sessions := session.NewStore(session.NewMemoryKV(), time.Hour)
	guard := ratelimit.NewGuard(cfg.Rate)

	return &testEnv{
		server:     NewServer(cfg, NewRegistry(), sessions, guard, store, ids, rooms),
		store:      store,
		identities: ids,
		rooms:      rooms,
		sessions:   sessions,
	}
}

func (e *testEnv) connect(t *testing.T) (*Conn, *fakeSocket) {
	t.Helper()
	e.nextConn++
	fs := &fakeSocket{}
	c := newConn(fmt.Sprintf("test-c%d", e.nextConn), "10.0.0.1", fs)
	e.server.registry.Add(c)
	return c, fs
}

func (e *testEnv) dispatch(c *Conn, frame *model.Frame) {
	e.server.dispatch(c, frame)
}

// registerIdentity seeds the registry with a fresh X25519 keypair for
// address and returns the private key.
func (e *testEnv) registerIdentity(t *testing.T, address string) []byte {
	t.Helper()

	priv, pub, err := dh.NewX25519KeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	err = e.identities.Upsert(context.Background(), &model.Identity{
		Address:     address,
		AddressHash: hashing.IdentityHash(address),
		Keys:        model.KeyBundle{EncryptionKey: pub[:]},
	})
	if err != nil {
		t.Fatalf("seed identity: %v", err)
	}
	return priv[:]
}

// authLimited walks an unknown identity through AUTH and asserts it
// lands in a limited session.
func (e *testEnv) authLimited(t *testing.T, c *Conn, fs *fakeSocket, identity string) {
	t.Helper()

	e.dispatch(c, &model.Frame{Type: model.TypeAuth, Identity: identity})

	got := fs.last()
	if got == nil || got.Type != model.TypeAuthSuccess || got.Tier != string(session.TierLimited) {
		t.Fatalf("expected limited AUTH_SUCCESS, got %+v", got)
	}
}

// authFull completes the challenge-response handshake for a registered
// identity whose private key is priv.
func (e *testEnv) authFull(t *testing.T, c *Conn, fs *fakeSocket, identity string, priv []byte) {
	t.Helper()

	e.dispatch(c, &model.Frame{Type: model.TypeAuth, Identity: identity})

	ch := fs.last()
	if ch == nil || ch.Type != model.TypeAuthChallenge {
		t.Fatalf("expected AUTH_CHALLENGE, got %+v", ch)
	}

	value, err := challenge.Open(priv, &challenge.Sealed{
		Ciphertext:         ch.EncryptedChallenge,
		Nonce:              ch.Nonce,
		EphemeralPublicKey: ch.EphemeralPublicKey,
	})
	if err != nil {
		t.Fatalf("open challenge: %v", err)
	}

	e.dispatch(c, &model.Frame{Type: model.TypeAuthResponse, DecryptedChallenge: value})

	got := fs.last()
	if got == nil || got.Type != model.TypeAuthSuccess || got.Tier != string(session.TierFull) {
		t.Fatalf("expected full AUTH_SUCCESS, got %+v", got)
	}
}

// subscribeSelf binds the connection to its own identity hash.
func (e *testEnv) subscribeSelf(t *testing.T, c *Conn) {
	t.Helper()
	e.dispatch(c, &model.Frame{Type: model.TypeSubscribe})
	if !c.boundTo(c.identityHash) {
		t.Fatal("subscribe did not bind the identity hash")
	}
}
