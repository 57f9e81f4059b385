package message

import (
	"context"
	"fmt"
	"time"

	"github.com/Dima4663737373/private-messanger-sub001/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrNotFound is returned by mutations that matched no record owned by
// the caller.
var ErrNotFound = fmt.Errorf("message not found")

type (
	Repo struct {
		collection *mongo.Collection
	}
)

func NewRepo(db *mongo.Database) *Repo {
	return &Repo{
		collection: db.Collection("messages"),
	}
}

// EnsureIndexes creates the unique triple index that both write paths
// converge through, plus the TTL index for disappearing messages.
func (r *Repo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "sender_hash", Value: 1},
				{Key: "recipient_hash", Value: 1},
				{Key: "ts", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "expire_ts", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0).SetSparse(true),
		},
	})
	return err
}

// InsertIdempotent stores m keyed on (SenderHash, RecipientHash,
// Timestamp). If a record with that triple already exists, whether from
// a retried intent or from the other write path, the existing id is
// returned and created is false. Exactly one logical record exists
// either way.
func (r *Repo) InsertIdempotent(ctx context.Context, m *model.Message) (primitive.ObjectID, bool, error) {
	filter := bson.M{
		"sender_hash":    m.SenderHash,
		"recipient_hash": m.RecipientHash,
		"ts":             m.Timestamp,
	}

	doc := bson.M{
		"sender":         m.Sender,
		"recipient":      m.Recipient,
		"sender_hash":    m.SenderHash,
		"recipient_hash": m.RecipientHash,
		"dialog_hash":    m.DialogHash,
		"payload":        m.Payload,
		"ts":             m.Timestamp,
		"status":         m.Status,
		"ledger_height":  m.LedgerHeight,
	}
	if len(m.SelfPayload) > 0 {
		doc["self_payload"] = m.SelfPayload
	}
	if m.ReplyTo != "" {
		doc["reply_to"] = m.ReplyTo
	}
	if m.ExpireAt > 0 {
		doc["expire_at"] = m.ExpireAt
		doc["expire_ts"] = primitive.NewDateTimeFromTime(time.UnixMilli(m.ExpireAt))
	}

	res, err := r.collection.UpdateOne(ctx, filter,
		bson.M{"$setOnInsert": doc}, options.Update().SetUpsert(true))
	if err != nil {
		return primitive.NilObjectID, false, err
	}

	if res.UpsertedCount == 1 {
		id, ok := res.UpsertedID.(primitive.ObjectID)
		if !ok {
			return primitive.NilObjectID, false, fmt.Errorf("unexpected upserted id type %T", res.UpsertedID)
		}
		return id, true, nil
	}

	existing, err := r.findOne(ctx, filter)
	if err != nil {
		return primitive.NilObjectID, false, err
	}
	if existing == nil {
		return primitive.NilObjectID, false, ErrNotFound
	}
	return existing.ID, false, nil
}

func (r *Repo) GetByID(ctx context.Context, id primitive.ObjectID) (*model.Message, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *Repo) findOne(ctx context.Context, filter bson.M) (*model.Message, error) {
	var m model.Message
	err := r.collection.FindOne(ctx, filter).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &m, nil
}

// SetStatus updates the delivery status of the given messages.
func (r *Repo) SetStatus(ctx context.Context, ids []primitive.ObjectID, status model.MessageStatus) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := r.collection.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{"status": status}})
	return err
}

// Confirm records the ledger height a message was confirmed at. The
// status is bumped to delivered unless a read receipt already advanced
// it further.
func (r *Repo) Confirm(ctx context.Context, id primitive.ObjectID, height int64) error {
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"ledger_height": height}})
	if err != nil {
		return err
	}

	// Only bump sent → delivered; a read receipt may already have
	// advanced the status past that.
	_, err = r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "status": model.StatusSent},
		bson.M{"$set": bson.M{"status": model.StatusDelivered}})
	return err
}

// Edit replaces the payload of a message owned by senderHash.
func (r *Repo) Edit(ctx context.Context, id primitive.ObjectID, senderHash string, payload []byte, editedAt int64) error {
	res, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "sender_hash": senderHash},
		bson.M{"$set": bson.M{"payload": payload, "edited_at": editedAt}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a message owned by senderHash.
func (r *Repo) Delete(ctx context.Context, id primitive.ObjectID, senderHash string) error {
	res, err := r.collection.DeleteOne(ctx, bson.M{"_id": id, "sender_hash": senderHash})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}
