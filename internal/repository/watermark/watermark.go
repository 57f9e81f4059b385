package watermark

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const docID = "reconcile"

type (
	// Repo persists the reconciliation loop's progress marker: the last
	// ledger height fully merged into the store.
	Repo struct {
		collection *mongo.Collection
	}
)

func NewRepo(db *mongo.Database) *Repo {
	return &Repo{
		collection: db.Collection("watermarks"),
	}
}

// Get returns the persisted height, or 0 if none was ever written.
func (r *Repo) Get(ctx context.Context) (int64, error) {
	var doc struct {
		Height int64 `bson:"height"`
	}
	err := r.collection.FindOne(ctx, bson.M{"_id": docID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	return doc.Height, nil
}

// Set advances the watermark to height. $max keeps the stored value
// monotonically non-decreasing even if cycles race or replay.
func (r *Repo) Set(ctx context.Context, height int64) error {
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": docID},
		bson.M{"$max": bson.M{"height": height}},
		options.Update().SetUpsert(true))
	return err
}
