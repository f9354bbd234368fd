// Package redis stores shard records in Redis hashes.
//
// Layout, under a configurable prefix:
//
//	<prefix>rec:"<name>":"<key>":<shard>  hash   name key shard value ts created
//	<prefix>idx:"<name>":"<key>"          set    record keys of every shard of name+key
//	<prefix>created                       zset   record keys scored by creation time
//
// The record key doubles as the record id. Update is an optimistic
// WATCH/MULTI transaction on the record key, retried on conflict.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AlexKimmel/ShardLimit/internal/ratelimit"
)

const defaultMaxRetries = 100

type Store struct {
	client     redis.UniversalClient
	prefix     string
	maxRetries int
	now        func() time.Time
}

type Option func(*Store)

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithMaxRetries bounds optimistic transaction retries per Update.
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

// New checks connectivity and returns a Store on client.
func New(ctx context.Context, client redis.UniversalClient, opts ...Option) (*Store, error) {
	s := &Store{
		client:     client,
		prefix:     "shardlimit:",
		maxRetries: defaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) recordKey(id ratelimit.ShardID) string {
	return fmt.Sprintf("%srec:%q:%q:%d", s.prefix, id.Name, id.Key, id.Shard)
}

func (s *Store) indexKey(name, key string) string {
	return fmt.Sprintf("%sidx:%q:%q", s.prefix, name, key)
}

func (s *Store) createdKey() string {
	return s.prefix + "created"
}

func (s *Store) Get(ctx context.Context, id ratelimit.ShardID) (*ratelimit.Record, error) {
	key := s.recordKey(id)
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	return decode(key, fields)
}

func (s *Store) Update(ctx context.Context, id ratelimit.ShardID, fn ratelimit.UpdateFunc) error {
	key := s.recordKey(id)
	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		cur, err := decode(key, fields)
		if err != nil {
			return err
		}
		st, err := fn(cur)
		if err != nil || st == nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if cur == nil {
				created := s.now().UnixMilli()
				pipe.HSet(ctx, key,
					"name", id.Name,
					"key", id.Key,
					"shard", id.Shard,
					"created", created,
				)
				pipe.SAdd(ctx, s.indexKey(id.Name, id.Key), key)
				pipe.ZAdd(ctx, s.createdKey(), redis.Z{Score: float64(created), Member: key})
			}
			pipe.HSet(ctx, key, "value", st.Value, "ts", st.TS)
			return nil
		})
		return err
	}

	for range s.maxRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: %s", ratelimit.ErrConflict, key)
}

func (s *Store) DeleteAll(ctx context.Context, name, key string) error {
	idx := s.indexKey(name, key)
	members, err := s.client.SMembers(ctx, idx).Result()
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range members {
			pipe.Del(ctx, m)
			pipe.ZRem(ctx, s.createdKey(), m)
		}
		pipe.SRem(ctx, idx, toAny(members)...)
		return nil
	})
	return err
}

func (s *Store) QueryOlderThan(ctx context.Context, cutoff int64, limit int) ([]ratelimit.Record, error) {
	zs, err := s.client.ZRevRangeByScoreWithScores(ctx, s.createdKey(), &redis.ZRangeBy{
		Max:   strconv.FormatInt(cutoff, 10),
		Min:   "-inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(zs) == 0 {
		return nil, nil
	}
	keys := make([]string, len(zs))
	for i, z := range zs {
		keys[i], _ = z.Member.(string)
	}

	cmds, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.HGetAll(ctx, k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]ratelimit.Record, 0, len(keys))
	for i, cmd := range cmds {
		rec, err := decode(keys[i], cmd.(*redis.MapStringStringCmd).Val())
		if err != nil {
			return nil, err
		}
		if rec == nil {
			// hash gone but index entry left behind, drop it with the page
			rec = &ratelimit.Record{ID: keys[i], Created: int64(zs[i].Score)}
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, recordID string) error {
	fields, err := s.client.HMGet(ctx, recordID, "name", "key").Result()
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, recordID)
		pipe.ZRem(ctx, s.createdKey(), recordID)
		if name, ok := fields[0].(string); ok {
			key, _ := fields[1].(string)
			pipe.SRem(ctx, s.indexKey(name, key), recordID)
		}
		return nil
	})
	return err
}

func decode(id string, fields map[string]string) (*ratelimit.Record, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	rec := &ratelimit.Record{
		ID:   id,
		Name: fields["name"],
		Key:  fields["key"],
	}
	var err error
	if rec.Shard, err = strconv.Atoi(fields["shard"]); err != nil {
		return nil, fmt.Errorf("decode %s shard: %w", id, err)
	}
	if rec.Value, err = strconv.ParseFloat(fields["value"], 64); err != nil {
		return nil, fmt.Errorf("decode %s value: %w", id, err)
	}
	if rec.TS, err = strconv.ParseFloat(fields["ts"], 64); err != nil {
		return nil, fmt.Errorf("decode %s ts: %w", id, err)
	}
	if rec.Created, err = strconv.ParseInt(fields["created"], 10, 64); err != nil {
		return nil, fmt.Errorf("decode %s created: %w", id, err)
	}
	return rec, nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
