package ratelimit_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/ShardLimit/internal/ratelimit"
	"github.com/AlexKimmel/ShardLimit/internal/ratelimit/memory"
	"github.com/AlexKimmel/ShardLimit/internal/ratelimit/storetest"
	"github.com/AlexKimmel/ShardLimit/pkg/limit"
)

type fixedRand struct {
	f float64
	n int
}

func (r fixedRand) Float64() float64 { return r.f }
func (r fixedRand) IntN(n int) int   { return r.n % n }

var sendMessage = limit.Config{Kind: limit.TokenBucket, Rate: 10, Period: limit.Minute, Capacity: 3}

func newCoordinator(t *testing.T, opts ...ratelimit.Option) (*ratelimit.Coordinator, *memory.Store, *storetest.Clock) {
	t.Helper()
	clk := storetest.NewClock(time.UnixMilli(0))
	store := memory.New().WithClock(clk.Now)
	opts = append([]ratelimit.Option{
		ratelimit.WithClock(clk.Now),
		ratelimit.WithRand(fixedRand{}),
		ratelimit.WithLimits(map[string]limit.Config{"sendMessage": sendMessage}),
	}, opts...)
	return ratelimit.New(store, opts...), store, clk
}

func count(n float64) *float64 { return &n }

func TestSequentialConsumeAndThrow(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newCoordinator(t)
	args := limit.Args{Key: "user1"}

	for _, want := range []float64{2, 1, 0} {
		dec, err := c.Limit(ctx, "sendMessage", args)
		require.NoError(t, err)
		assert.Equal(t, limit.Decision{OK: true}, dec)

		rec, err := store.Get(ctx, ratelimit.ShardID{Name: "sendMessage", Key: "user1"})
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, want, rec.Value)
	}

	dec, err := c.Limit(ctx, "sendMessage", args)
	require.NoError(t, err)
	assert.False(t, dec.OK)
	assert.Equal(t, 6000.0, dec.RetryAfter)

	args.Throws = true
	_, err = c.Limit(ctx, "sendMessage", args)
	require.True(t, limit.IsRateLimited(err))
	var rl *limit.RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, "sendMessage", rl.Name)
	assert.Equal(t, 6000.0, rl.RetryAfter)
	assert.Equal(t, limit.RateLimitedKind, rl.Kind())

	// other keys are independent
	dec, err = c.Limit(ctx, "sendMessage", limit.Args{Key: "user2"})
	require.NoError(t, err)
	assert.True(t, dec.OK)
}

func TestFixedWindowResetAndCheck(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newCoordinator(t)
	cfg := &limit.Config{Kind: limit.FixedWindow, Rate: 1, Period: 1000}

	dec, err := c.Limit(ctx, "simple", limit.Args{Config: cfg})
	require.NoError(t, err)
	assert.Equal(t, limit.Decision{OK: true}, dec)

	dec, err = c.Limit(ctx, "simple", limit.Args{Config: cfg})
	require.NoError(t, err)
	assert.Equal(t, limit.Decision{OK: false, RetryAfter: 1000}, dec)

	dec, err = c.Check(ctx, "simple", limit.Args{Config: cfg})
	require.NoError(t, err)
	assert.False(t, dec.OK)

	require.NoError(t, c.Reset(ctx, "simple", ""))

	dec, err = c.Check(ctx, "simple", limit.Args{Config: cfg})
	require.NoError(t, err)
	assert.Equal(t, limit.Decision{OK: true}, dec)
}

func TestCheckDoesNotPersist(t *testing.T) {
	ctx := context.Background()
	c, store, clk := newCoordinator(t)

	dec, err := c.Check(ctx, "sendMessage", limit.Args{Key: "k", Count: count(3)})
	require.NoError(t, err)
	assert.True(t, dec.OK)

	rec, err := store.Get(ctx, ratelimit.ShardID{Name: "sendMessage", Key: "k"})
	require.NoError(t, err)
	assert.Nil(t, rec)

	// a window transition seen by check is not written back either
	cfg := &limit.Config{Kind: limit.FixedWindow, Rate: 2, Period: 1000}
	_, err = c.Limit(ctx, "fw", limit.Args{Config: cfg, Count: count(2)})
	require.NoError(t, err)
	before, err := store.Get(ctx, ratelimit.ShardID{Name: "fw"})
	require.NoError(t, err)

	clk.Advance(5 * time.Second)
	dec, err = c.Check(ctx, "fw", limit.Args{Config: cfg, Count: count(2)})
	require.NoError(t, err)
	assert.True(t, dec.OK)
	after, err := store.Get(ctx, ratelimit.ShardID{Name: "fw"})
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestZeroCountConsumeDoesNotWrite(t *testing.T) {
	ctx := context.Background()
	c, store, clk := newCoordinator(t)
	id := ratelimit.ShardID{Name: "sendMessage", Key: "z"}

	_, err := c.Limit(ctx, "sendMessage", limit.Args{Key: "z", Count: count(0)})
	require.NoError(t, err)
	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, rec, "an untouched default state is not recorded")

	_, err = c.Limit(ctx, "sendMessage", limit.Args{Key: "z"})
	require.NoError(t, err)
	first, err := store.Get(ctx, id)
	require.NoError(t, err)

	clk.Advance(time.Second)
	dec, err := c.Limit(ctx, "sendMessage", limit.Args{Key: "z", Count: count(0)})
	require.NoError(t, err)
	assert.True(t, dec.OK)
	second, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestShardCapacityIsLocal(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newCoordinator(t)
	cfg := &limit.Config{Kind: limit.TokenBucket, Rate: 10, Period: limit.Second, Shards: 5}

	dec, err := c.Limit(ctx, "sharded", limit.Args{Config: cfg, Count: count(3)})
	require.NoError(t, err)
	assert.False(t, dec.OK)

	dec, err = c.Limit(ctx, "sharded", limit.Args{Config: cfg, Count: count(2)})
	require.NoError(t, err)
	assert.True(t, dec.OK)
}

func TestPinnedShard(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newCoordinator(t)
	cfg := &limit.Config{Kind: limit.TokenBucket, Rate: 10, Period: limit.Second, Shards: 5}

	shard := 3
	_, err := c.Limit(ctx, "pinned", limit.Args{Config: cfg, Shard: &shard})
	require.NoError(t, err)
	rec, err := store.Get(ctx, ratelimit.ShardID{Name: "pinned", Shard: 3})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1.0, rec.Value)

	shard = 5
	_, err = c.Limit(ctx, "pinned", limit.Args{Config: cfg, Shard: &shard})
	assert.ErrorIs(t, err, limit.ErrInvalidArgument)
}

func TestReservation(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newCoordinator(t)
	cfg := &limit.Config{Kind: limit.TokenBucket, Rate: 10, Period: limit.Second, MaxReserved: 10}

	dec, err := c.Limit(ctx, "reserve", limit.Args{Config: cfg, Count: count(15), Reserve: true})
	require.NoError(t, err)
	assert.True(t, dec.OK)
	assert.InDelta(t, 500, dec.RetryAfter, 1e-9)

	dec, err = c.Limit(ctx, "reserve", limit.Args{Config: cfg, Count: count(6), Reserve: true})
	require.NoError(t, err)
	assert.False(t, dec.OK, "debt would exceed maxReserved")
}

func TestGetValue(t *testing.T) {
	ctx := context.Background()
	c, _, clk := newCoordinator(t)
	clk.Advance(time.Hour)
	now := float64(clk.Now().UnixMilli())

	for _, kind := range []limit.Kind{limit.TokenBucket, limit.FixedWindow} {
		t.Run(string(kind), func(t *testing.T) {
			cfg := limit.Config{Kind: kind, Rate: 10, Period: limit.Second}

			snap, err := c.GetValue(ctx, "unused "+string(kind), limit.ValueArgs{Config: &cfg})
			require.NoError(t, err)
			assert.Equal(t, 10.0, snap.Value)
			assert.Equal(t, now, snap.TS)
			assert.Equal(t, cfg, snap.Config)
			if kind == limit.FixedWindow {
				require.NotNil(t, snap.WindowStart)
			} else {
				assert.Nil(t, snap.WindowStart)
			}

			sharded := cfg
			sharded.Shards = 5
			snap, err = c.GetValue(ctx, "sharded "+string(kind), limit.ValueArgs{Config: &sharded, SampleShards: 3})
			require.NoError(t, err)
			assert.Equal(t, 10.0, snap.Value)
			assert.Equal(t, sharded, snap.Config)

			name := "consumed " + string(kind)
			_, err = c.Limit(ctx, name, limit.Args{Config: &cfg, Count: count(4)})
			require.NoError(t, err)
			snap, err = c.GetValue(ctx, name, limit.ValueArgs{Config: &cfg})
			require.NoError(t, err)
			assert.Equal(t, 6.0, snap.Value)

			require.NoError(t, c.Reset(ctx, name, ""))
			snap, err = c.GetValue(ctx, name, limit.ValueArgs{Config: &cfg})
			require.NoError(t, err)
			assert.Equal(t, 10.0, snap.Value, "reset looks like an unused key")
		})
	}
}

func TestConfigErrors(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newCoordinator(t)

	_, err := c.Limit(ctx, "undefined", limit.Args{})
	assert.ErrorIs(t, err, limit.ErrConfigNotFound)
	_, err = c.GetValue(ctx, "undefined", limit.ValueArgs{})
	assert.ErrorIs(t, err, limit.ErrConfigNotFound)

	_, err = c.Check(ctx, "bad", limit.Args{Config: &limit.Config{Kind: limit.TokenBucket}})
	assert.ErrorIs(t, err, limit.ErrInvalidConfig)

	_, err = c.Limit(ctx, "sendMessage", limit.Args{Count: count(-1)})
	assert.ErrorIs(t, err, limit.ErrInvalidArgument)

	// inline config wins over the bound one
	dec, err := c.Limit(ctx, "sendMessage", limit.Args{
		Config: &limit.Config{Kind: limit.TokenBucket, Rate: 100, Period: limit.Second},
		Count:  count(50),
	})
	require.NoError(t, err)
	assert.True(t, dec.OK)
}

type failingStore struct {
	ratelimit.Store
	err error
}

func (f failingStore) Get(context.Context, ratelimit.ShardID) (*ratelimit.Record, error) {
	return nil, f.err
}

func (f failingStore) Update(context.Context, ratelimit.ShardID, ratelimit.UpdateFunc) error {
	return f.err
}

func TestStorageErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("connection refused")
	c := ratelimit.New(failingStore{err: boom}, ratelimit.WithLimits(map[string]limit.Config{"sendMessage": sendMessage}))

	_, err := c.Limit(ctx, "sendMessage", limit.Args{})
	assert.ErrorIs(t, err, boom)
	_, err = c.Check(ctx, "sendMessage", limit.Args{})
	assert.ErrorIs(t, err, boom)
	_, err = c.GetValue(ctx, "sendMessage", limit.ValueArgs{})
	assert.ErrorIs(t, err, boom)
}

type recordingScheduler struct {
	cursors []int64
	err     error
}

func (s *recordingScheduler) ScheduleClear(before int64) error {
	s.cursors = append(s.cursors, before)
	return s.err
}

func fill(t *testing.T, c *ratelimit.Coordinator, clk *storetest.Clock, n int) {
	t.Helper()
	for i := range n {
		_, err := c.Limit(context.Background(), "sendMessage", limit.Args{Key: fmt.Sprintf("user%d", i)})
		require.NoError(t, err)
		clk.Advance(time.Millisecond)
	}
}

func TestClearAllDrainsInline(t *testing.T) {
	ctx := context.Background()
	c, store, clk := newCoordinator(t)
	fill(t, c, clk, 250)

	require.NoError(t, c.ClearAll(ctx, nil))
	recs, err := store.QueryOlderThan(ctx, clk.Now().UnixMilli(), 1000)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestClearAllSchedulesContinuation(t *testing.T) {
	ctx := context.Background()
	sched := &recordingScheduler{}
	c, store, clk := newCoordinator(t, ratelimit.WithScheduler(sched))
	fill(t, c, clk, 250) // created at 0..249

	before := int64(199)
	require.NoError(t, c.ClearAll(ctx, &before))
	// 200..249 are newer than the cutoff, 100..199 went in the first page
	require.Equal(t, []int64{100}, sched.cursors)

	deleted, next, err := c.ClearPage(ctx, sched.cursors[0])
	require.NoError(t, err)
	assert.Equal(t, 100, deleted)
	require.NotNil(t, next)

	deleted, next, err = c.ClearPage(ctx, *next)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
	assert.Nil(t, next)

	recs, err := store.QueryOlderThan(ctx, clk.Now().UnixMilli(), 1000)
	require.NoError(t, err)
	assert.Len(t, recs, 50)
}

func TestClearAllDrainsInlineWhenSchedulerIsFull(t *testing.T) {
	ctx := context.Background()
	sched := &recordingScheduler{err: errors.New("queue full")}
	c, store, clk := newCoordinator(t, ratelimit.WithScheduler(sched))
	fill(t, c, clk, 250)

	before := int64(199)
	require.NoError(t, c.ClearAll(ctx, &before))
	assert.Equal(t, []int64{100}, sched.cursors)

	recs, err := store.QueryOlderThan(ctx, clk.Now().UnixMilli(), 1000)
	require.NoError(t, err)
	assert.Len(t, recs, 50, "everything at or before the cutoff is gone")
}

func TestServerTime(t *testing.T) {
	c, _, clk := newCoordinator(t)
	clk.Advance(1234 * time.Millisecond)
	assert.Equal(t, 1234.0, c.ServerTime())
}
