// Package storetest holds the behaviour every ratelimit.Store backend must
// share, run from each backend's tests.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/ShardLimit/internal/ratelimit"
	"github.com/AlexKimmel/ShardLimit/pkg/limit"
)

// Factory builds an empty store whose creation timestamps come from now.
type Factory func(t *testing.T, now func() time.Time) ratelimit.Store

// Clock is a manually advanced clock.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func NewClock(t time.Time) *Clock { return &Clock{t: t} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func put(v float64) ratelimit.UpdateFunc {
	return func(*ratelimit.Record) (*limit.State, error) {
		return &limit.State{Value: v, TS: 1}, nil
	}
}

// Run exercises f against the Store contract.
func Run(t *testing.T, f Factory) {
	t.Run("GetMissing", func(t *testing.T) {
		s := f(t, time.Now)
		rec, err := s.Get(context.Background(), ratelimit.ShardID{Name: "none"})
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("UpdateInsertsThenModifies", func(t *testing.T) {
		ctx := context.Background()
		clk := NewClock(time.UnixMilli(5000))
		s := f(t, clk.Now)
		id := ratelimit.ShardID{Name: "msg", Key: "user1", Shard: 2}

		err := s.Update(ctx, id, func(cur *ratelimit.Record) (*limit.State, error) {
			assert.Nil(t, cur)
			return &limit.State{Value: 2.5, TS: 100}, nil
		})
		require.NoError(t, err)

		clk.Advance(time.Second)
		err = s.Update(ctx, id, func(cur *ratelimit.Record) (*limit.State, error) {
			require.NotNil(t, cur)
			assert.Equal(t, 2.5, cur.Value)
			return &limit.State{Value: cur.Value - 1, TS: 200}, nil
		})
		require.NoError(t, err)

		rec, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, 1.5, rec.Value)
		assert.Equal(t, 200.0, rec.TS)
		assert.Equal(t, "msg", rec.Name)
		assert.Equal(t, "user1", rec.Key)
		assert.Equal(t, 2, rec.Shard)
		assert.Equal(t, int64(5000), rec.Created, "creation time is kept on update")
		assert.NotEmpty(t, rec.ID)
	})

	t.Run("UpdateWithoutStateDoesNotCreate", func(t *testing.T) {
		ctx := context.Background()
		s := f(t, time.Now)
		id := ratelimit.ShardID{Name: "noop"}
		require.NoError(t, s.Update(ctx, id, func(*ratelimit.Record) (*limit.State, error) { return nil, nil }))
		rec, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("ConcurrentUpdatesAreAtomic", func(t *testing.T) {
		ctx := context.Background()
		s := f(t, time.Now)
		id := ratelimit.ShardID{Name: "hot", Key: "k"}

		const n = 50
		var wg sync.WaitGroup
		wg.Add(n)
		for range n {
			go func() {
				defer wg.Done()
				err := s.Update(ctx, id, func(cur *ratelimit.Record) (*limit.State, error) {
					v := 0.0
					if cur != nil {
						v = cur.Value
					}
					return &limit.State{Value: v + 1, TS: 1}, nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		rec, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, float64(n), rec.Value)
	})

	t.Run("DeleteAllRemovesOnlyNameAndKey", func(t *testing.T) {
		ctx := context.Background()
		s := f(t, time.Now)
		for shard := range 3 {
			require.NoError(t, s.Update(ctx, ratelimit.ShardID{Name: "a", Key: "k", Shard: shard}, put(1)))
		}
		require.NoError(t, s.Update(ctx, ratelimit.ShardID{Name: "a", Key: "other"}, put(1)))
		require.NoError(t, s.Update(ctx, ratelimit.ShardID{Name: "a"}, put(1)))

		require.NoError(t, s.DeleteAll(ctx, "a", "k"))
		for shard := range 3 {
			rec, err := s.Get(ctx, ratelimit.ShardID{Name: "a", Key: "k", Shard: shard})
			require.NoError(t, err)
			assert.Nil(t, rec)
		}
		rec, err := s.Get(ctx, ratelimit.ShardID{Name: "a", Key: "other"})
		require.NoError(t, err)
		assert.NotNil(t, rec)
		rec, err = s.Get(ctx, ratelimit.ShardID{Name: "a"})
		require.NoError(t, err)
		assert.NotNil(t, rec)

		// recreated after a reset
		require.NoError(t, s.Update(ctx, ratelimit.ShardID{Name: "a", Key: "k"}, put(3)))
		rec, err = s.Get(ctx, ratelimit.ShardID{Name: "a", Key: "k"})
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, 3.0, rec.Value)
	})

	t.Run("QueryOlderThanNewestFirst", func(t *testing.T) {
		ctx := context.Background()
		clk := NewClock(time.UnixMilli(1000))
		s := f(t, clk.Now)
		for shard := range 5 {
			require.NoError(t, s.Update(ctx, ratelimit.ShardID{Name: "gc", Shard: shard}, put(1)))
			clk.Advance(time.Second)
		}

		recs, err := s.QueryOlderThan(ctx, 4000, 2)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, int64(4000), recs[0].Created)
		assert.Equal(t, int64(3000), recs[1].Created)

		recs, err = s.QueryOlderThan(ctx, 4000, 10)
		require.NoError(t, err)
		assert.Len(t, recs, 4)

		for _, r := range recs {
			require.NoError(t, s.Delete(ctx, r.ID))
		}
		require.NoError(t, s.Delete(ctx, recs[0].ID), "deleting twice is not an error")

		recs, err = s.QueryOlderThan(ctx, 10000, 10)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, 4, recs[0].Shard)
	})
}
