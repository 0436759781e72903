package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const modelSnapshotCollection = "pattern_model_snapshots"

// EnsureMongoCollection prepares the pattern model snapshot collection.
// The collection itself is created lazily on first insert; only the
// indexes need to exist up front.
func EnsureMongoCollection(ctx context.Context, db *mongo.Database) error {
	collection := db.Collection(modelSnapshotCollection)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "category", Value: 1}, {Key: "event_type", Value: 1}},
			Options: options.Index().SetName("idx_model_snapshots_category_event_type").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "saved_at", Value: -1}},
			Options: options.Index().SetName("idx_model_snapshots_saved_at"),
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create indexes: %w", err)
		}
	}

	return nil
}
