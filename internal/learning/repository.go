package learning

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"warden/pkg/metrics"
)

// SnapshotRepository persists the pattern model across restarts. Load with
// no prior snapshot returns an empty slice, never an error; a cold start is
// normal.
type SnapshotRepository interface {
	Save(ctx context.Context, entries []*ModelEntry) error
	Load(ctx context.Context) ([]*ModelEntry, error)
}

type PostgresSnapshotRepository struct {
	db *sql.DB
}

func NewPostgresSnapshotRepository(db *sql.DB) *PostgresSnapshotRepository {
	return &PostgresSnapshotRepository{db: db}
}

func (r *PostgresSnapshotRepository) Save(ctx context.Context, entries []*ModelEntry) error {
	query := `
		INSERT INTO pattern_model_snapshots (category, event_type, model, saved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (category, event_type) DO UPDATE
		SET model = EXCLUDED.model,
		    saved_at = EXCLUDED.saved_at`

	start := time.Now()
	for _, entry := range entries {
		body, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal model entry: %w", err)
		}
		if _, err := r.db.ExecContext(ctx, query, entry.Key.Category, entry.Key.EventType, body, time.Now()); err != nil {
			metrics.IncDatabaseQuery("webhook-service", "postgres", "save_snapshot", "error")
			return fmt.Errorf("failed to save model entry: %w", err)
		}
	}

	metrics.IncDatabaseQuery("webhook-service", "postgres", "save_snapshot", "success")
	metrics.ObserveDatabaseQueryDuration("webhook-service", "postgres", "save_snapshot", time.Since(start))
	return nil
}

func (r *PostgresSnapshotRepository) Load(ctx context.Context) ([]*ModelEntry, error) {
	query := `SELECT model FROM pattern_model_snapshots ORDER BY saved_at ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		metrics.IncDatabaseQuery("webhook-service", "postgres", "load_snapshot", "error")
		return nil, fmt.Errorf("failed to load model snapshot: %w", err)
	}
	defer rows.Close()

	var entries []*ModelEntry
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan model entry: %w", err)
		}
		var entry ModelEntry
		if err := json.Unmarshal(body, &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal model entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read model snapshot: %w", err)
	}

	metrics.IncDatabaseQuery("webhook-service", "postgres", "load_snapshot", "success")
	return entries, nil
}

type mongoSnapshotDoc struct {
	Category  string    `bson:"category"`
	EventType string    `bson:"event_type"`
	Model     string    `bson:"model"`
	SavedAt   time.Time `bson:"saved_at"`
}

type MongoSnapshotRepository struct {
	collection *mongo.Collection
}

func NewMongoSnapshotRepository(db *mongo.Database) *MongoSnapshotRepository {
	return &MongoSnapshotRepository{collection: db.Collection("pattern_model_snapshots")}
}

func (r *MongoSnapshotRepository) Save(ctx context.Context, entries []*ModelEntry) error {
	for _, entry := range entries {
		body, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal model entry: %w", err)
		}

		filter := bson.M{"category": entry.Key.Category, "event_type": entry.Key.EventType}
		doc := mongoSnapshotDoc{
			Category:  entry.Key.Category,
			EventType: entry.Key.EventType,
			Model:     string(body),
			SavedAt:   time.Now(),
		}
		opts := options.Replace().SetUpsert(true)
		if _, err := r.collection.ReplaceOne(ctx, filter, doc, opts); err != nil {
			metrics.IncDatabaseQuery("webhook-service", "mongodb", "save_snapshot", "error")
			return fmt.Errorf("failed to save model entry: %w", err)
		}
	}

	metrics.IncDatabaseQuery("webhook-service", "mongodb", "save_snapshot", "success")
	return nil
}

func (r *MongoSnapshotRepository) Load(ctx context.Context) ([]*ModelEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "saved_at", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		metrics.IncDatabaseQuery("webhook-service", "mongodb", "load_snapshot", "error")
		return nil, fmt.Errorf("failed to load model snapshot: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []*ModelEntry
	for cursor.Next(ctx) {
		var doc mongoSnapshotDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode model entry: %w", err)
		}
		var entry ModelEntry
		if err := json.Unmarshal([]byte(doc.Model), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal model entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to read model snapshot: %w", err)
	}

	metrics.IncDatabaseQuery("webhook-service", "mongodb", "load_snapshot", "success")
	return entries, nil
}
