package gc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePager serves a fixed chain of cursors: 300 -> 200 -> 100 -> done.
type fakePager struct {
	mu     sync.Mutex
	pages  []int64
	sweeps []int64
	done   chan struct{}
}

func (p *fakePager) ClearPage(_ context.Context, before int64) (int, *int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pages = append(p.pages, before)
	if before <= 100 {
		close(p.done)
		return 10, nil, nil
	}
	next := before - 100
	return 100, &next, nil
}

func (p *fakePager) ClearAll(_ context.Context, before *int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweeps = append(p.sweeps, *before)
	return nil
}

func TestWorkerFollowsContinuations(t *testing.T) {
	p := &fakePager{done: make(chan struct{})}
	w := New(p, WithPagesPerSecond(1000))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()

	require.NoError(t, w.ScheduleClear(300))
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		t.Fatal("continuations were not followed")
	}
	cancel()
	require.NoError(t, <-errc)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, []int64{300, 200, 100}, p.pages)
}

func TestScheduleClearNeverBlocks(t *testing.T) {
	w := New(&fakePager{}, WithQueueSize(1))
	require.NoError(t, w.ScheduleClear(1))
	assert.ErrorIs(t, w.ScheduleClear(2), ErrQueueFull)
}

func TestWorkerSweepsByAge(t *testing.T) {
	p := &fakePager{done: make(chan struct{})}
	now := time.UnixMilli(100_000)
	w := New(p,
		WithSweep(10*time.Millisecond, 30*time.Second),
		WithClock(func() time.Time { return now }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.sweeps) > 0
	}, 5*time.Second, 5*time.Millisecond)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, int64(70_000), p.sweeps[0])
}
