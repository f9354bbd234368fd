package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/ShardLimit/internal/ratelimit/storetest"
	"github.com/AlexKimmel/ShardLimit/pkg/limit"
)

func TestPredictorMatchesServer(t *testing.T) {
	ctx := context.Background()
	cl, serverClock := newServer(t)
	localClock := storetest.NewClock(time.UnixMilli(400_000))
	advance := func(d time.Duration) {
		serverClock.Advance(d)
		localClock.Advance(d)
	}

	p := NewPredictor(cl, "send", limit.ValueArgs{Key: "u1"}, WithLocalClock(localClock.Now))
	_, err := p.Predict(1)
	assert.ErrorIs(t, err, ErrNoSnapshot)

	require.NoError(t, p.SyncClock(ctx))
	assert.Equal(t, 600_000.0, p.Offset())

	three := 3.0
	_, err = cl.Limit(ctx, "send", limit.Args{Key: "u1", Count: &three})
	require.NoError(t, err)
	require.NoError(t, p.Refresh(ctx))

	pr, err := p.Predict(1)
	require.NoError(t, err)
	assert.False(t, pr.OK)
	assert.Equal(t, 20000.0, pr.RetryAfter)
	assert.True(t, time.UnixMilli(420_000).Equal(pr.RetryAt))

	advance(10 * time.Second)
	pr, err = p.Predict(1)
	require.NoError(t, err)
	dec, err := cl.Check(ctx, "send", limit.Args{Key: "u1"})
	require.NoError(t, err)
	assert.Equal(t, dec.OK, pr.OK)
	assert.Equal(t, dec.RetryAfter, pr.RetryAfter)
	assert.Equal(t, 0.5, pr.Value)

	advance(10 * time.Second)
	pr, err = p.Predict(1)
	require.NoError(t, err)
	dec, err = cl.Check(ctx, "send", limit.Args{Key: "u1"})
	require.NoError(t, err)
	assert.True(t, pr.OK)
	assert.True(t, dec.OK)

	v, err := p.Value()
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)

	at, err := p.RetryAt(1)
	require.NoError(t, err)
	assert.True(t, localClock.Now().Equal(at))
	at, err = p.RetryAt(3)
	require.NoError(t, err)
	assert.True(t, localClock.Now().Add(40*time.Second).Equal(at))
}

func TestPredictorFixedWindow(t *testing.T) {
	start := 0.0
	p := NewPredictor(nil, "login", limit.ValueArgs{},
		WithLocalClock(func() time.Time { return time.UnixMilli(10_250) }))
	ws := 10_000.0
	p.Update(limit.Snapshot{
		Value:       0,
		TS:          10_000,
		WindowStart: &ws,
		Config:      limit.Config{Kind: limit.FixedWindow, Rate: 5, Period: limit.Second, Start: &start},
	})

	pr, err := p.Predict(1)
	require.NoError(t, err)
	assert.False(t, pr.OK)
	assert.Equal(t, 750.0, pr.RetryAfter)
	assert.True(t, time.UnixMilli(11_000).Equal(pr.RetryAt))
}

// fakeSource serves a token bucket that was drained at creation time.
type fakeSource struct {
	mu        sync.Mutex
	snap      limit.Snapshot
	refreshes int
}

func (f *fakeSource) GetValue(context.Context, string, limit.ValueArgs) (limit.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.snap, nil
}

func (f *fakeSource) ServerTime(context.Context) (float64, error) {
	return float64(time.Now().UnixMicro()) / 1000, nil
}

func TestPredictorWatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	src := &fakeSource{snap: limit.Snapshot{
		Value:  0,
		TS:     float64(time.Now().UnixMilli()),
		Config: limit.Config{Kind: limit.TokenBucket, Rate: 1, Period: 50},
	}}
	p := NewPredictor(src, "send", limit.ValueArgs{})
	require.NoError(t, p.Refresh(ctx))

	var got []Prediction
	err := p.Watch(ctx, 1, func(pr Prediction) { got = append(got, pr) })
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(got), 2)
	assert.False(t, got[0].OK)
	assert.True(t, got[len(got)-1].OK)
	src.mu.Lock()
	defer src.mu.Unlock()
	assert.GreaterOrEqual(t, src.refreshes, 2)
}

func TestPredictorWatchCancelled(t *testing.T) {
	src := &fakeSource{snap: limit.Snapshot{
		TS:     float64(time.Now().UnixMilli()),
		Config: limit.Config{Kind: limit.TokenBucket, Rate: 1, Period: limit.Hour},
	}}
	p := NewPredictor(src, "send", limit.ValueArgs{})
	p.Update(src.snap)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	calls := 0
	err := p.Watch(ctx, 1, func(Prediction) { calls++ })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)
}
