package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/Dima4663737373/private-messanger-sub001/internal/config"
	"github.com/Dima4663737373/private-messanger-sub001/internal/hashing"
	"github.com/Dima4663737373/private-messanger-sub001/internal/metrics"
	"github.com/Dima4663737373/private-messanger-sub001/internal/model"
	"github.com/Dima4663737373/private-messanger-sub001/internal/utils/log"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

type (
	// MessageStore is the slice of the durable store the reconciler
	// writes through. Same idempotent-insert key as the real-time
	// router, so both paths converge on one record.
	MessageStore interface {
		InsertIdempotent(ctx context.Context, m *model.Message) (primitive.ObjectID, bool, error)
		Confirm(ctx context.Context, id primitive.ObjectID, height int64) error
	}

	IdentityRegistry interface {
		GetByAddress(ctx context.Context, address string) (*model.Identity, error)
		Upsert(ctx context.Context, id *model.Identity) error
	}

	Watermarks interface {
		Get(ctx context.Context) (int64, error)
		Set(ctx context.Context, height int64) error
	}

	// Fanout notifies live connections of reconciled messages through
	// the same participant-only routing the router uses.
	Fanout interface {
		NotifyLedgerMessage(m *model.Message)
	}

	// Reconciler keeps the durable store an eventually-consistent
	// superset of the application-relevant ledger state without
	// blocking real-time traffic.
	Reconciler struct {
		cfg        config.LedgerConfig
		api        API
		messages   MessageStore
		identities IdentityRegistry
		watermarks Watermarks
		fanout     Fanout

		interval time.Duration
	}
)

func NewReconciler(
	cfg config.LedgerConfig,
	api API,
	messages MessageStore,
	identities IdentityRegistry,
	watermarks Watermarks,
	fanout Fanout,
) *Reconciler {
	return &Reconciler{
		cfg:        cfg,
		api:        api,
		messages:   messages,
		identities: identities,
		watermarks: watermarks,
		fanout:     fanout,
		interval:   cfg.IntervalFloor,
	}
}

// Run cycles until ctx is cancelled. Any failure within a cycle doubles
// the interval up to the ceiling; a clean cycle resets it to the floor.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.interval):
		}

		if err := r.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.ReconcileCycles.WithLabelValues("error").Inc()
			r.backoff(true)
			log.Warn("reconcile cycle failed",
				zap.Duration("next_interval", r.interval), zap.Error(err))
			continue
		}

		metrics.ReconcileCycles.WithLabelValues("ok").Inc()
		r.backoff(false)
	}
}

// backoff adjusts the cycle interval: doubled on failure up to the
// ceiling, reset to the floor on a clean cycle.
func (r *Reconciler) backoff(failed bool) {
	if failed {
		r.interval = min(r.interval*2, r.cfg.IntervalCeil)
		return
	}
	r.interval = r.cfg.IntervalFloor
}

// Cycle processes at most BatchSize unprocessed blocks, persisting the
// watermark after each durably merged block so a crash mid-catch-up
// resumes exactly where it left off.
func (r *Reconciler) Cycle(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	mark, err := r.watermarks.Get(cctx)
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}

	height, err := r.api.Height(cctx)
	if err != nil {
		return fmt.Errorf("read ledger height: %w", err)
	}
	if height <= mark {
		return nil
	}

	end := min(height, mark+int64(r.cfg.BatchSize))
	for h := mark + 1; h <= end; h++ {
		if err := r.processBlock(ctx, h); err != nil {
			return fmt.Errorf("block %d: %w", h, err)
		}

		if err := r.watermarks.Set(ctx, h); err != nil {
			return fmt.Errorf("persist watermark %d: %w", h, err)
		}
		metrics.ReconcileHeight.Set(float64(h))
	}
	return nil
}

// processBlock merges one block. Malformed transitions are logged and
// skipped; store failures abort so the block is retried before the
// watermark moves past it.
func (r *Reconciler) processBlock(ctx context.Context, height int64) error {
	bctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	blk, err := r.api.Block(bctx, height)
	if err != nil {
		return err
	}

	for _, tx := range blk.Transactions {
		if tx.Program != r.cfg.Program {
			continue
		}

		text, skipped := DecodeChunks(tx.Chunks)
		if skipped > 0 {
			log.Warn("malformed chunks in transaction",
				zap.String("tx", tx.ID), zap.Int("skipped", skipped))
		}

		tr, err := ParseTransition(text)
		if err != nil {
			log.Warn("unparseable transition",
				zap.String("tx", tx.ID), zap.Error(err))
			continue
		}

		switch tr.Kind {
		case KindMessageSend:
			if err := r.mergeMessage(ctx, tr, height); err != nil {
				return err
			}
		case KindIdentityRegistration:
			if err := r.mergeIdentity(ctx, tr, height); err != nil {
				return err
			}
		default:
			log.Debug("skipping unrecognized transition kind",
				zap.String("kind", tr.Kind), zap.String("tx", tx.ID))
		}
	}
	return nil
}

// mergeMessage folds a ledger-confirmed send into the store using the
// router's exact hash derivation and insert key. A message already seen
// in real time gets its confirmation height, not a duplicate row.
func (r *Reconciler) mergeMessage(ctx context.Context, tr *Transition, height int64) error {
	if tr.Sender == "" || tr.Recipient == "" || tr.Timestamp == 0 {
		log.Warn("message transition missing fields", zap.Int64("height", height))
		return nil
	}

	senderHash := hashing.IdentityHash(tr.Sender)
	recipientHash := hashing.IdentityHash(tr.Recipient)

	msg := &model.Message{
		Sender:        tr.Sender,
		Recipient:     tr.Recipient,
		SenderHash:    senderHash,
		RecipientHash: recipientHash,
		DialogHash:    hashing.DialogHash(senderHash, recipientHash),
		Payload:       tr.Payload,
		Timestamp:     tr.Timestamp,
		Status:        model.StatusSent,
		LedgerHeight:  height,
	}

	id, created, err := r.messages.InsertIdempotent(ctx, msg)
	if err != nil {
		return fmt.Errorf("merge message: %w", err)
	}

	if !created {
		metrics.MessagesDeduped.Inc()
		return r.messages.Confirm(ctx, id, height)
	}

	msg.ID = id
	metrics.MessagesRouted.WithLabelValues("ledger").Inc()
	r.fanout.NotifyLedgerMessage(msg)
	return nil
}

// mergeIdentity records an on-chain registration unless the relay
// already holds a bundle for the address; a live re-registration is
// fresher than ledger history.
func (r *Reconciler) mergeIdentity(ctx context.Context, tr *Transition, height int64) error {
	if tr.Sender == "" || len(tr.EncryptionKey) == 0 {
		log.Warn("registration transition missing fields", zap.Int64("height", height))
		return nil
	}

	existing, err := r.identities.GetByAddress(ctx, tr.Sender)
	if err != nil {
		return fmt.Errorf("merge identity: %w", err)
	}
	if existing != nil {
		return nil
	}

	return r.identities.Upsert(ctx, &model.Identity{
		Address:     tr.Sender,
		AddressHash: hashing.IdentityHash(tr.Sender),
		Keys: model.KeyBundle{
			EncryptionKey: tr.EncryptionKey,
			SigningKey:    tr.SigningKey,
			KeySignature:  tr.KeySignature,
		},
		RegisteredAt: tr.Timestamp,
		LedgerHeight: height,
	})
}
