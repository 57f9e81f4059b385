package room

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type (
	// Repo answers the one question the relay core asks about rooms:
	// may this identity subscribe. Room CRUD lives in the external REST
	// layer; the core only reads.
	Repo struct {
		collection *mongo.Collection
	}

	record struct {
		RoomID  string   `bson:"room_id"`
		Private bool     `bson:"private"`
		Members []string `bson:"members"`
	}
)

func NewRepo(db *mongo.Database) *Repo {
	return &Repo{
		collection: db.Collection("rooms"),
	}
}

// CanSubscribe reports whether identity may bind to roomID. Public
// rooms and unknown room ids are open; private rooms require
// membership.
func (r *Repo) CanSubscribe(ctx context.Context, roomID, identity string) (bool, error) {
	var rec record
	err := r.collection.FindOne(ctx, bson.M{"room_id": roomID}).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return true, nil
	}

	if err != nil {
		return false, err
	}

	if !rec.Private {
		return true, nil
	}

	for _, m := range rec.Members {
		if m == identity {
			return true, nil
		}
	}
	return false, nil
}
