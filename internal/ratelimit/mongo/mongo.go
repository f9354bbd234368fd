// Package mongo stores shard records as documents of a MongoDB collection.
//
// A unique index on (name, key, shard) guarantees one document per shard.
// Update is a compare-and-swap on a version field: a lost race shows up as
// a duplicate key on insert or a zero match on update, and is retried.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"

	"github.com/AlexKimmel/ShardLimit/internal/ratelimit"
)

const defaultMaxRetries = 100

type document struct {
	ID      string  `bson:"_id"`
	Name    string  `bson:"name"`
	Key     string  `bson:"key"`
	Shard   int     `bson:"shard"`
	Value   float64 `bson:"value"`
	TS      float64 `bson:"ts"`
	Created int64   `bson:"created"`
	Version int64   `bson:"version"`
}

func (d document) record() ratelimit.Record {
	return ratelimit.Record{
		ID:      d.ID,
		Name:    d.Name,
		Key:     d.Key,
		Shard:   d.Shard,
		Value:   d.Value,
		TS:      d.TS,
		Created: d.Created,
	}
}

type Store struct {
	client     *mongo.Client
	col        *mongo.Collection
	maxRetries int
	now        func() time.Time
}

type Option func(*Store)

func WithMaxRetries(n int) Option {
	return func(s *Store) {
		s.maxRetries = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New prepares the collection's indexes and returns a Store on it. The
// client is owned by the Store and disconnected by Close.
func New(ctx context.Context, client *mongo.Client, database, collection string, opts ...Option) (*Store, error) {
	s := &Store{
		client:     client,
		col:        client.Database(database).Collection(collection),
		maxRetries: defaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "name", Value: 1}, {Key: "key", Value: 1}, {Key: "shard", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "created", Value: -1}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create indexes: %w", err)
	}
	return s, nil
}

// Connect dials uri and returns a Store on database.collection. Writes
// are acknowledged by a majority of the replica set.
func Connect(ctx context.Context, uri, database, collection string, opts ...Option) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri).SetWriteConcern(writeconcern.Majority()))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	s, err := New(ctx, client, database, collection, opts...)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func shardFilter(id ratelimit.ShardID) bson.D {
	return bson.D{
		{Key: "name", Value: id.Name},
		{Key: "key", Value: id.Key},
		{Key: "shard", Value: id.Shard},
	}
}

// find returns nil, nil when the shard has no document.
func (s *Store) find(ctx context.Context, id ratelimit.ShardID) (*document, error) {
	var doc document
	err := s.col.FindOne(ctx, shardFilter(id)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *Store) Get(ctx context.Context, id ratelimit.ShardID) (*ratelimit.Record, error) {
	doc, err := s.find(ctx, id)
	if err != nil || doc == nil {
		return nil, err
	}
	rec := doc.record()
	return &rec, nil
}

func (s *Store) Update(ctx context.Context, id ratelimit.ShardID, fn ratelimit.UpdateFunc) error {
	for range s.maxRetries {
		doc, err := s.find(ctx, id)
		if err != nil {
			return err
		}
		var cur *ratelimit.Record
		if doc != nil {
			rec := doc.record()
			cur = &rec
		}
		st, err := fn(cur)
		if err != nil || st == nil {
			return err
		}

		if doc == nil {
			_, err = s.col.InsertOne(ctx, document{
				ID:      uuid.NewString(),
				Name:    id.Name,
				Key:     id.Key,
				Shard:   id.Shard,
				Value:   st.Value,
				TS:      st.TS,
				Created: s.now().UnixMilli(),
				Version: 1,
			})
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
			return err
		}

		res, err := s.col.UpdateOne(ctx,
			bson.D{{Key: "_id", Value: doc.ID}, {Key: "version", Value: doc.Version}},
			bson.D{
				{Key: "$set", Value: bson.D{{Key: "value", Value: st.Value}, {Key: "ts", Value: st.TS}}},
				{Key: "$inc", Value: bson.D{{Key: "version", Value: 1}}},
			},
		)
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %s/%s/%d", ratelimit.ErrConflict, id.Name, id.Key, id.Shard)
}

func (s *Store) DeleteAll(ctx context.Context, name, key string) error {
	_, err := s.col.DeleteMany(ctx, bson.D{{Key: "name", Value: name}, {Key: "key", Value: key}})
	return err
}

func (s *Store) QueryOlderThan(ctx context.Context, cutoff int64, limit int) ([]ratelimit.Record, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created", Value: -1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))
	cursor, err := s.col.Find(ctx, bson.D{{Key: "created", Value: bson.D{{Key: "$lte", Value: cutoff}}}}, opts)
	if err != nil {
		return nil, err
	}
	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]ratelimit.Record, len(docs))
	for i, d := range docs {
		out[i] = d.record()
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, recordID string) error {
	_, err := s.col.DeleteOne(ctx, bson.D{{Key: "_id", Value: recordID}})
	return err
}
