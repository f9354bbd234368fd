package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlexKimmel/ShardLimit/pkg/limit"
)

// ClearPageSize bounds the records removed by one ClearPage call.
const ClearPageSize = 100

// Observer receives decision and storage events, typically for metrics.
type Observer interface {
	ObserveDecision(name, op string, ok bool)
	ObserveStorageError(op string)
	ObserveCleared(n int)
}

type noopObserver struct{}

func (noopObserver) ObserveDecision(string, string, bool) {}
func (noopObserver) ObserveStorageError(string)           {}
func (noopObserver) ObserveCleared(int)                   {}

// Scheduler runs the continuation of a garbage collection pass that did
// not fit in one page.
type Scheduler interface {
	ScheduleClear(before int64) error
}

// Coordinator evaluates rate limits against the shard records of a Store.
// Each decision reads and writes at most one shard record.
type Coordinator struct {
	store  Store
	limits map[string]limit.Config
	sel    Selector
	rnd    limit.Rand
	now    func() time.Time
	log    zerolog.Logger
	obs    Observer
	sched  Scheduler
}

type Option func(*Coordinator)

// WithLimits binds configs to limit names.
func WithLimits(limits map[string]limit.Config) Option {
	return func(c *Coordinator) {
		c.limits = limits
	}
}

func WithRand(rnd limit.Rand) Option {
	return func(c *Coordinator) {
		c.rnd = rnd
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.log = l
	}
}

func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		c.obs = o
	}
}

// WithScheduler hands ClearAll continuations to s instead of draining the
// backlog inline.
func WithScheduler(s Scheduler) Option {
	return func(c *Coordinator) {
		c.sched = s
	}
}

func New(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store: store,
		rnd:   limit.DefaultRand,
		now:   time.Now,
		log:   zerolog.Nop(),
		obs:   noopObserver{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sel = NewSelector(c.rnd)
	return c
}

// SetScheduler installs the ClearAll continuation scheduler after
// construction, for schedulers that themselves need the Coordinator.
func (c *Coordinator) SetScheduler(s Scheduler) {
	c.sched = s
}

// Check evaluates a request without persisting anything.
func (c *Coordinator) Check(ctx context.Context, name string, args limit.Args) (limit.Decision, error) {
	cfg, count, err := c.prepare(name, args.Config, args.Count)
	if err != nil {
		return limit.Decision{}, err
	}
	var shard int
	if args.Shard != nil {
		if shard, err = c.sel.Pick(cfg.ShardCount(), args.Shard); err != nil {
			return limit.Decision{}, err
		}
	} else {
		shard = c.sel.Sample(cfg.ShardCount(), args.SampleShards)[0]
	}

	rec, err := c.store.Get(ctx, ShardID{Name: name, Key: args.Key, Shard: shard})
	if err != nil {
		c.storageError("get", name, err)
		return limit.Decision{}, err
	}
	res := limit.Evaluate(rec.State(), cfg.PerShard(), c.millis(), count, args.Reserve, c.rnd)
	return c.decide("check", name, args, shard, res)
}

// Limit consumes Count units from one shard and persists the result.
func (c *Coordinator) Limit(ctx context.Context, name string, args limit.Args) (limit.Decision, error) {
	cfg, count, err := c.prepare(name, args.Config, args.Count)
	if err != nil {
		return limit.Decision{}, err
	}
	shard, err := c.sel.Pick(cfg.ShardCount(), args.Shard)
	if err != nil {
		return limit.Decision{}, err
	}

	now := c.millis()
	perShard := cfg.PerShard()
	var res limit.Result
	err = c.store.Update(ctx, ShardID{Name: name, Key: args.Key, Shard: shard}, func(cur *Record) (*limit.State, error) {
		res = limit.Evaluate(cur.State(), perShard, now, count, args.Reserve, c.rnd)
		if !res.Changed {
			return nil, nil
		}
		return &res.State, nil
	})
	if err != nil {
		c.storageError("update", name, err)
		return limit.Decision{}, err
	}
	return c.decide("limit", name, args, shard, res)
}

// GetValue reports the state of the first of SampleShards randomly sampled
// shards, extrapolated to the whole limit. It is a representative sample,
// not an aggregate over all shards.
func (c *Coordinator) GetValue(ctx context.Context, name string, args limit.ValueArgs) (limit.Snapshot, error) {
	cfg, _, err := c.prepare(name, args.Config, nil)
	if err != nil {
		return limit.Snapshot{}, err
	}
	shard := c.sel.Sample(cfg.ShardCount(), args.SampleShards)[0]

	rec, err := c.store.Get(ctx, ShardID{Name: name, Key: args.Key, Shard: shard})
	if err != nil {
		c.storageError("get", name, err)
		return limit.Snapshot{}, err
	}
	res := limit.Evaluate(rec.State(), cfg.PerShard(), c.millis(), 0, false, c.rnd)

	snap := limit.Snapshot{
		Value:  res.Current.Value * float64(cfg.ShardCount()),
		TS:     res.Current.TS,
		Config: cfg,
		Shard:  shard,
	}
	if cfg.Kind == limit.FixedWindow {
		ws := res.WindowStart
		snap.WindowStart = &ws
	}
	return snap, nil
}

// Reset deletes every shard of name+key. The next access sees a full limit.
func (c *Coordinator) Reset(ctx context.Context, name, key string) error {
	if err := c.store.DeleteAll(ctx, name, key); err != nil {
		c.storageError("delete_all", name, err)
		return err
	}
	c.log.Debug().Str("name", name).Str("key", key).Msg("rate limit reset")
	return nil
}

// ClearAll deletes records created at or before before (now when nil). The
// first page is cleared synchronously; the rest is handed to the scheduler,
// or drained inline when there is none or it refuses the continuation.
func (c *Coordinator) ClearAll(ctx context.Context, before *int64) error {
	cutoff := c.now().UnixMilli()
	if before != nil {
		cutoff = *before
	}
	_, next, err := c.ClearPage(ctx, cutoff)
	if err != nil || next == nil {
		return err
	}
	if c.sched != nil {
		serr := c.sched.ScheduleClear(*next)
		if serr == nil {
			return nil
		}
		c.log.Warn().Err(serr).Int64("before", *next).Msg("clear continuation not scheduled, draining inline")
	}
	for err == nil && next != nil {
		_, next, err = c.ClearPage(ctx, *next)
	}
	return err
}

// ClearPage deletes up to ClearPageSize records created at or before
// before. next is the cursor to continue from, nil once the backlog is
// exhausted.
func (c *Coordinator) ClearPage(ctx context.Context, before int64) (deleted int, next *int64, err error) {
	recs, err := c.store.QueryOlderThan(ctx, before, ClearPageSize)
	if err != nil {
		c.storageError("query", "", err)
		return 0, nil, err
	}
	for _, r := range recs {
		if err := c.store.Delete(ctx, r.ID); err != nil {
			c.storageError("delete", r.Name, err)
			c.obs.ObserveCleared(deleted)
			return deleted, nil, err
		}
		deleted++
	}
	c.obs.ObserveCleared(deleted)
	c.log.Debug().Int64("before", before).Int("deleted", deleted).Msg("cleared rate limit records")

	if len(recs) < ClearPageSize {
		return deleted, nil, nil
	}
	cursor := recs[len(recs)-1].Created
	return deleted, &cursor, nil
}

// ServerTime is the coordinator's clock in ms, for client skew estimation.
func (c *Coordinator) ServerTime() float64 {
	return c.millis()
}

func (c *Coordinator) prepare(name string, inline *limit.Config, count *float64) (limit.Config, float64, error) {
	var cfg limit.Config
	switch bound, ok := c.limits[name]; {
	case inline != nil:
		cfg = *inline
	case ok:
		cfg = bound
	default:
		return limit.Config{}, 0, fmt.Errorf("%w: %q is not defined, provide a config inline or bind one to the name", limit.ErrConfigNotFound, name)
	}
	if err := cfg.Validate(); err != nil {
		return limit.Config{}, 0, err
	}

	n := 1.0
	if count != nil {
		n = *count
	}
	if n < 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return limit.Config{}, 0, fmt.Errorf("%w: count must be a finite number >= 0, got %v", limit.ErrInvalidArgument, n)
	}
	return cfg, n, nil
}

func (c *Coordinator) decide(op, name string, args limit.Args, shard int, res limit.Result) (limit.Decision, error) {
	c.obs.ObserveDecision(name, op, res.OK)
	c.log.Debug().
		Str("op", op).
		Str("name", name).
		Str("key", args.Key).
		Int("shard", shard).
		Bool("ok", res.OK).
		Float64("retry_after_ms", res.RetryAfter).
		Msg("rate limit decision")

	if !res.OK && args.Throws {
		return limit.Decision{}, &limit.RateLimitedError{Name: name, RetryAfter: res.RetryAfter}
	}
	return limit.Decision{OK: res.OK, RetryAfter: res.RetryAfter}, nil
}

func (c *Coordinator) storageError(op, name string, err error) {
	c.obs.ObserveStorageError(op)
	c.log.Warn().Err(err).Str("op", op).Str("name", name).Msg("rate limit storage failure")
}

func (c *Coordinator) millis() float64 {
	return float64(c.now().UnixMilli())
}
