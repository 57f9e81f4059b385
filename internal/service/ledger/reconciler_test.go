package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/Dima4663737373/private-messanger-sub001/internal/config"
	"github.com/Dima4663737373/private-messanger-sub001/internal/hashing"
	"github.com/Dima4663737373/private-messanger-sub001/internal/model"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const testProgram = "relay-program"

type fakeAPI struct {
	height     int64
	blocks     map[int64]*Block
	failBlocks map[int64]bool
	fetched    []int64
}

func (f *fakeAPI) Height(ctx context.Context) (int64, error) {
	return f.height, nil
}

func (f *fakeAPI) Block(ctx context.Context, h int64) (*Block, error) {
	if f.failBlocks[h] {
		return nil, fmt.Errorf("fetch block %d: upstream unavailable", h)
	}
	f.fetched = append(f.fetched, h)
	if blk, ok := f.blocks[h]; ok {
		return blk, nil
	}
	return &Block{Height: h}, nil
}

type fakeMessages struct {
	byTriple  map[string]primitive.ObjectID
	confirmed map[primitive.ObjectID]int64
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{
		byTriple:  make(map[string]primitive.ObjectID),
		confirmed: make(map[primitive.ObjectID]int64),
	}
}

func tripleKey(senderHash, recipientHash string, ts int64) string {
	return fmt.Sprintf("%s|%s|%d", senderHash, recipientHash, ts)
}

func (f *fakeMessages) InsertIdempotent(ctx context.Context, m *model.Message) (primitive.ObjectID, bool, error) {
	key := tripleKey(m.SenderHash, m.RecipientHash, m.Timestamp)
	if id, ok := f.byTriple[key]; ok {
		return id, false, nil
	}
	id := primitive.NewObjectID()
	f.byTriple[key] = id
	return id, true, nil
}

func (f *fakeMessages) Confirm(ctx context.Context, id primitive.ObjectID, height int64) error {
	f.confirmed[id] = height
	return nil
}

type fakeIdentities struct {
	byAddr map[string]*model.Identity
}

func (f *fakeIdentities) GetByAddress(ctx context.Context, address string) (*model.Identity, error) {
	return f.byAddr[address], nil
}

func (f *fakeIdentities) Upsert(ctx context.Context, id *model.Identity) error {
	f.byAddr[id.Address] = id
	return nil
}

type fakeWatermarks struct {
	height  int64
	history []int64
}

func (f *fakeWatermarks) Get(ctx context.Context) (int64, error) {
	return f.height, nil
}

func (f *fakeWatermarks) Set(ctx context.Context, h int64) error {
	if h > f.height {
		f.height = h
	}
	f.history = append(f.history, f.height)
	return nil
}

type fakeFanout struct {
	msgs []*model.Message
}

func (f *fakeFanout) NotifyLedgerMessage(m *model.Message) {
	f.msgs = append(f.msgs, m)
}

func messageTx(sender, recipient string, ts int64) Transaction {
	data, _ := json.Marshal(Transition{
		Kind:      KindMessageSend,
		Sender:    sender,
		Recipient: recipient,
		Payload:   []byte("ciphertext"),
		Timestamp: ts,
	})
	return Transaction{ID: fmt.Sprintf("tx-%s-%d", sender, ts), Program: testProgram, Chunks: packChunks(string(data), 8)}
}

func testConfig() config.LedgerConfig {
	return config.LedgerConfig{
		Program:        testProgram,
		BatchSize:      16,
		IntervalFloor:  time.Second,
		IntervalCeil:   time.Minute,
		RequestTimeout: time.Second,
	}
}

func newTestReconciler(api *fakeAPI) (*Reconciler, *fakeMessages, *fakeIdentities, *fakeWatermarks, *fakeFanout) {
	msgs := newFakeMessages()
	ids := &fakeIdentities{byAddr: make(map[string]*model.Identity)}
	wm := &fakeWatermarks{}
	fan := &fakeFanout{}
	return NewReconciler(testConfig(), api, msgs, ids, wm, fan), msgs, ids, wm, fan
}

func TestCycleMergesBlocksAndAdvancesWatermark(t *testing.T) {
	api := &fakeAPI{
		height: 3,
		blocks: map[int64]*Block{
			1: {Height: 1, Transactions: []Transaction{messageTx("alice", "bob", 100)}},
			2: {Height: 2, Transactions: []Transaction{messageTx("bob", "alice", 200)}},
			3: {Height: 3},
		},
	}
	r, msgs, _, wm, fan := newTestReconciler(api)

	if err := r.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if wm.height != 3 {
		t.Fatalf("watermark %d, want 3", wm.height)
	}
	// Persisted after each block, monotonically.
	want := []int64{1, 2, 3}
	if len(wm.history) != len(want) {
		t.Fatalf("watermark history %v, want %v", wm.history, want)
	}
	for i, h := range want {
		if wm.history[i] != h {
			t.Fatalf("watermark history %v, want %v", wm.history, want)
		}
	}

	if len(msgs.byTriple) != 2 {
		t.Fatalf("stored %d messages, want 2", len(msgs.byTriple))
	}
	if len(fan.msgs) != 2 {
		t.Fatalf("fanned out %d messages, want 2", len(fan.msgs))
	}
}

func TestCycleResumesAfterWatermark(t *testing.T) {
	api := &fakeAPI{height: 110}
	r, _, _, wm, _ := newTestReconciler(api)
	wm.height = 105

	if err := r.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if wm.height != 110 {
		t.Fatalf("watermark %d, want 110", wm.height)
	}
	for _, h := range api.fetched {
		if h <= 105 {
			t.Fatalf("reprocessed block %d below watermark", h)
		}
	}
}

func TestCycleFailureLeavesWatermarkAtLastGoodBlock(t *testing.T) {
	api := &fakeAPI{
		height:     3,
		blocks:     map[int64]*Block{1: {Height: 1, Transactions: []Transaction{messageTx("alice", "bob", 100)}}},
		failBlocks: map[int64]bool{2: true},
	}
	r, _, _, wm, _ := newTestReconciler(api)

	if err := r.Cycle(context.Background()); err == nil {
		t.Fatal("cycle succeeded despite failing block fetch")
	}
	if wm.height != 1 {
		t.Fatalf("watermark %d, want 1", wm.height)
	}

	// Upstream recovers; the next cycle resumes at block 2.
	api.failBlocks = nil
	if err := r.Cycle(context.Background()); err != nil {
		t.Fatalf("recovery cycle: %v", err)
	}
	if wm.height != 3 {
		t.Fatalf("watermark %d after recovery, want 3", wm.height)
	}
}

func TestCycleConfirmsInsteadOfDuplicating(t *testing.T) {
	api := &fakeAPI{
		height: 1,
		blocks: map[int64]*Block{1: {Height: 1, Transactions: []Transaction{messageTx("alice", "bob", 100)}}},
	}
	r, msgs, _, _, fan := newTestReconciler(api)

	// The real-time router already stored the equivalent intent.
	existing, _, err := msgs.InsertIdempotent(context.Background(), &model.Message{
		SenderHash:    hashing.IdentityHash("alice"),
		RecipientHash: hashing.IdentityHash("bob"),
		Timestamp:     100,
	})
	if err != nil {
		t.Fatalf("seed insert: %v", err)
	}

	if err := r.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if len(msgs.byTriple) != 1 {
		t.Fatalf("duplicate record created: %d", len(msgs.byTriple))
	}
	if msgs.confirmed[existing] != 1 {
		t.Fatalf("existing record not confirmed at height 1: %v", msgs.confirmed)
	}
	if len(fan.msgs) != 0 {
		t.Fatalf("confirmation fanned out %d messages, want 0", len(fan.msgs))
	}
}

func TestCycleBatchBounded(t *testing.T) {
	api := &fakeAPI{height: 100}
	r, _, _, wm, _ := newTestReconciler(api)

	if err := r.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if wm.height != 16 {
		t.Fatalf("watermark %d after one cycle, want batch cap 16", wm.height)
	}
}

func TestCycleMergesIdentityRegistration(t *testing.T) {
	data, _ := json.Marshal(Transition{
		Kind:          KindIdentityRegistration,
		Sender:        "carol",
		Timestamp:     500,
		EncryptionKey: []byte("0123456789abcdef0123456789abcdef"),
	})
	api := &fakeAPI{
		height: 1,
		blocks: map[int64]*Block{1: {Height: 1, Transactions: []Transaction{{
			ID: "tx-reg", Program: testProgram, Chunks: packChunks(string(data), 8),
		}}}},
	}
	r, _, ids, _, _ := newTestReconciler(api)

	if err := r.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	got := ids.byAddr["carol"]
	if got == nil {
		t.Fatal("registration not merged")
	}
	if got.AddressHash != hashing.IdentityHash("carol") || got.LedgerHeight != 1 {
		t.Fatalf("unexpected identity record %+v", got)
	}
}

func TestCycleIgnoresForeignProgramsAndGarbage(t *testing.T) {
	api := &fakeAPI{
		height: 1,
		blocks: map[int64]*Block{1: {Height: 1, Transactions: []Transaction{
			{ID: "tx-other", Program: "someone-else", Chunks: packChunks(`{"kind":"message-send"}`, 8)},
			{ID: "tx-bad", Program: testProgram, Chunks: []string{"not-a-number"}},
		}}},
	}
	r, msgs, _, wm, _ := newTestReconciler(api)

	if err := r.Cycle(context.Background()); err != nil {
		t.Fatalf("garbage aborted the cycle: %v", err)
	}
	if len(msgs.byTriple) != 0 {
		t.Fatalf("stored %d messages from garbage", len(msgs.byTriple))
	}
	if wm.height != 1 {
		t.Fatalf("watermark %d, want 1", wm.height)
	}
}

func TestBackoffDoublesAndResets(t *testing.T) {
	r, _, _, _, _ := newTestReconciler(&fakeAPI{})

	r.backoff(true)
	if r.interval != 2*time.Second {
		t.Fatalf("interval %v after one failure, want 2s", r.interval)
	}
	for i := 0; i < 20; i++ {
		r.backoff(true)
	}
	if r.interval != time.Minute {
		t.Fatalf("interval %v, want ceiling 1m", r.interval)
	}

	r.backoff(false)
	if r.interval != time.Second {
		t.Fatalf("interval %v after clean cycle, want floor 1s", r.interval)
	}
}
