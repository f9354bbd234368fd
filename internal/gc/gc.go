// Package gc drives garbage collection of old shard records as a queue of
// bounded page tasks. Each task clears one page and, when the page was
// full, queues its own continuation cursor, so an arbitrarily large
// backlog is worked off without any single step doing unbounded work.
package gc

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrQueueFull is returned by ScheduleClear when the task queue is full.
var ErrQueueFull = errors.New("gc queue full")

// Pager clears records page by page.
type Pager interface {
	ClearPage(ctx context.Context, before int64) (deleted int, next *int64, err error)
	ClearAll(ctx context.Context, before *int64) error
}

type Worker struct {
	pager    Pager
	queue    chan int64
	limiter  *rate.Limiter
	log      zerolog.Logger
	interval time.Duration
	maxAge   time.Duration
	now      func() time.Time
}

type Option func(*Worker)

// WithPagesPerSecond paces page tasks.
func WithPagesPerSecond(pps float64) Option {
	return func(w *Worker) {
		w.limiter = rate.NewLimiter(rate.Limit(pps), 1)
	}
}

// WithSweep runs ClearAll for records older than maxAge every interval.
func WithSweep(interval, maxAge time.Duration) Option {
	return func(w *Worker) {
		w.interval = interval
		w.maxAge = maxAge
	}
}

func WithQueueSize(n int) Option {
	return func(w *Worker) {
		w.queue = make(chan int64, n)
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(w *Worker) {
		w.log = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		w.now = now
	}
}

func New(p Pager, opts ...Option) *Worker {
	w := &Worker{
		pager:   p,
		queue:   make(chan int64, 64),
		limiter: rate.NewLimiter(10, 1),
		log:     zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ScheduleClear queues a page task starting at cursor before. It never blocks.
func (w *Worker) ScheduleClear(before int64) error {
	select {
	case w.queue <- before:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run processes tasks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	var sweep <-chan time.Time
	if w.interval > 0 {
		t := time.NewTicker(w.interval)
		defer t.Stop()
		sweep = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case before := <-w.queue:
			if err := w.limiter.Wait(ctx); err != nil {
				return nil
			}
			w.page(ctx, before)
		case <-sweep:
			cutoff := w.now().Add(-w.maxAge).UnixMilli()
			if err := w.pager.ClearAll(ctx, &cutoff); err != nil {
				w.log.Error().Err(err).Int64("before", cutoff).Msg("gc sweep failed")
			}
		}
	}
}

func (w *Worker) page(ctx context.Context, before int64) {
	deleted, next, err := w.pager.ClearPage(ctx, before)
	if err != nil {
		w.log.Error().Err(err).Int64("before", before).Msg("gc page failed")
		return
	}
	w.log.Debug().Int64("before", before).Int("deleted", deleted).Msg("gc page")
	if next == nil {
		return
	}
	if err := w.ScheduleClear(*next); err != nil {
		// the next sweep picks the backlog up again
		w.log.Warn().Err(err).Int64("before", *next).Msg("gc continuation dropped")
	}
}
