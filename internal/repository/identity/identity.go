package identity

import (
	"context"

	"github.com/Dima4663737373/private-messanger-sub001/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// Repo is the identity registry: address, one-way hash, and the
	// registered public key bundle.
	Repo struct {
		collection *mongo.Collection
	}
)

func NewRepo(db *mongo.Database) *Repo {
	return &Repo{
		collection: db.Collection("identities"),
	}
}

// EnsureIndexes creates the unique lookup indexes. Call once at startup.
func (r *Repo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "address", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "address_hash", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	})
	return err
}

func (r *Repo) GetByAddress(ctx context.Context, address string) (*model.Identity, error) {
	return r.findOne(ctx, bson.M{"address": address})
}

func (r *Repo) GetByHash(ctx context.Context, hash string) (*model.Identity, error) {
	return r.findOne(ctx, bson.M{"address_hash": hash})
}

func (r *Repo) findOne(ctx context.Context, filter bson.M) (*model.Identity, error) {
	var id model.Identity
	err := r.collection.FindOne(ctx, filter).Decode(&id)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &id, nil
}

// Upsert stores or replaces the record for identity.AddressHash. A
// re-registration after a client-side key rotation overwrites the old
// bundle.
func (r *Repo) Upsert(ctx context.Context, id *model.Identity) error {
	filter := bson.M{"address_hash": id.AddressHash}
	update := bson.M{"$set": id}

	_, err := r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}
