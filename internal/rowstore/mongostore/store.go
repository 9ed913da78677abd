// Package mongostore keeps check-in rows in a MongoDB collection.
package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"raffle/internal/models"
	"raffle/internal/rowstore"
)

// Connect dials uri and pings it.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}

// Store is a rowstore.Store over one collection.
type Store struct {
	coll *mongo.Collection
}

// New wraps coll and makes sure the per-session unique indexes exist.
// Phone and device are unique only where they are non-empty.
func New(ctx context.Context, coll *mongo.Collection) (*Store, error) {
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "session", Value: 1}, {Key: "timestamp", Value: 1}}},
		{
			Keys: bson.D{{Key: "session", Value: 1}, {Key: "phone", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"phone": bson.M{"$gt": ""}}),
		},
		{
			Keys: bson.D{{Key: "session", Value: 1}, {Key: "device", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"device": bson.M{"$gt": ""}}),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mongo indexes: %w", err)
	}
	return &Store{coll: coll}, nil
}

func (s *Store) Insert(ctx context.Context, row models.CheckinRow) (int, error) {
	or := bson.A{}
	if row.Phone != "" {
		or = append(or, bson.M{"phone": row.Phone})
	}
	if row.Device != "" {
		or = append(or, bson.M{"device": row.Device})
	}
	if len(or) > 0 {
		n, err := s.coll.CountDocuments(ctx, bson.M{"session": row.Session, "$or": or}, options.Count().SetLimit(1))
		if err != nil {
			return 0, fmt.Errorf("mongo lookup: %w", err)
		}
		if n > 0 {
			return 0, rowstore.ErrDuplicate
		}
	}
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now().UTC()
	}
	if _, err := s.coll.InsertOne(ctx, row); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return 0, rowstore.ErrDuplicate
		}
		return 0, fmt.Errorf("mongo insert: %w", err)
	}
	n, err := s.Count(ctx, row.Session)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (s *Store) List(ctx context.Context, session string) ([]models.CheckinRow, error) {
	cur, err := s.coll.Find(ctx, bson.M{"session": session}, options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo find: %w", err)
	}
	rows := []models.CheckinRow{}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("mongo decode: %w", err)
	}
	for i := range rows {
		rows[i].Timestamp = rows[i].Timestamp.UTC()
	}
	return rows, nil
}

func (s *Store) Count(ctx context.Context, session string) (int, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{"session": session})
	if err != nil {
		return 0, fmt.Errorf("mongo count: %w", err)
	}
	return int(n), nil
}

func (s *Store) DeleteSession(ctx context.Context, session string) error {
	if _, err := s.coll.DeleteMany(ctx, bson.M{"session": session}); err != nil {
		return fmt.Errorf("mongo delete: %w", err)
	}
	return nil
}
