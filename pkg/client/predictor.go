package client

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/AlexKimmel/ShardLimit/pkg/limit"
)

// ErrNoSnapshot is returned by predictions made before the first Refresh or Update.
var ErrNoSnapshot = errors.New("no snapshot fetched yet")

// Source is where a Predictor fetches snapshots and server time from.
// *Client implements it.
type Source interface {
	GetValue(ctx context.Context, name string, args limit.ValueArgs) (limit.Snapshot, error)
	ServerTime(ctx context.Context) (float64, error)
}

// Prediction is a local estimate of the server's answer.
type Prediction struct {
	OK bool
	// RetryAfter is in ms from the moment of prediction.
	RetryAfter float64
	// RetryAt is RetryAfter as a local wall clock time.
	RetryAt time.Time
	// Value is the balance the server is expected to hold, in whole-limit units.
	Value float64
}

// Predictor answers "would this request pass, and if not, when" without a
// round trip. It replays limit.Evaluate on the last snapshot of a limit at
// the estimated server time. Every prediction is derived afresh from the
// snapshot and the clock; nothing is integrated between calls.
type Predictor struct {
	src  Source
	name string
	args limit.ValueArgs
	now  func() time.Time
	log  zerolog.Logger

	// server ms minus local ms
	offset atomic.Float64

	mu   sync.RWMutex
	snap *limit.Snapshot
}

type PredictorOption func(*Predictor)

func WithLocalClock(now func() time.Time) PredictorOption {
	return func(p *Predictor) {
		p.now = now
	}
}

func WithPredictorLogger(l zerolog.Logger) PredictorOption {
	return func(p *Predictor) {
		p.log = l
	}
}

func NewPredictor(src Source, name string, args limit.ValueArgs, opts ...PredictorOption) *Predictor {
	p := &Predictor{
		src:  src,
		name: name,
		args: args,
		now:  time.Now,
		log:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SyncClock estimates the offset between the server clock and the local
// one from a single round trip, assuming symmetric latency.
func (p *Predictor) SyncClock(ctx context.Context) error {
	t0 := p.localMillis()
	server, err := p.src.ServerTime(ctx)
	if err != nil {
		return err
	}
	t1 := p.localMillis()
	p.offset.Store(server - (t0+t1)/2)
	return nil
}

// Offset is the estimated server time minus local time, in ms.
func (p *Predictor) Offset() float64 {
	return p.offset.Load()
}

// Refresh fetches a new snapshot from the server.
func (p *Predictor) Refresh(ctx context.Context) error {
	snap, err := p.src.GetValue(ctx, p.name, p.args)
	if err != nil {
		return err
	}
	p.Update(snap)
	return nil
}

// Update replaces the snapshot, e.g. with one pushed by the server.
func (p *Predictor) Update(snap limit.Snapshot) {
	p.mu.Lock()
	p.snap = &snap
	p.mu.Unlock()
}

// Predict estimates whether count units would be admitted now.
func (p *Predictor) Predict(count float64) (Prediction, error) {
	p.mu.RLock()
	snap := p.snap
	p.mu.RUnlock()
	if snap == nil {
		return Prediction{}, ErrNoSnapshot
	}

	local := p.localMillis()
	offset := p.offset.Load()
	st := snap.State()
	res := limit.Evaluate(&st, snap.Config, local+offset, count, false, nil)

	return Prediction{
		OK:         res.OK,
		RetryAfter: res.RetryAfter,
		RetryAt:    fromMillis(local + res.RetryAfter),
		Value:      res.Current.Value,
	}, nil
}

// RetryAt is the local time at which count units are expected to be
// admitted. It is the current time when they would be admitted now.
func (p *Predictor) RetryAt(count float64) (time.Time, error) {
	pr, err := p.Predict(count)
	if err != nil {
		return time.Time{}, err
	}
	if pr.OK {
		return fromMillis(p.localMillis()), nil
	}
	return pr.RetryAt, nil
}

// Value is the expected current balance of the limit.
func (p *Predictor) Value() (float64, error) {
	pr, err := p.Predict(0)
	return pr.Value, err
}

// Watch calls fn with a prediction for count now and again at each
// predicted retry boundary, refreshing the snapshot before every repeat,
// until a prediction is OK or ctx is done.
func (p *Predictor) Watch(ctx context.Context, count float64, fn func(Prediction)) error {
	for {
		pr, err := p.Predict(count)
		if err != nil {
			return err
		}
		fn(pr)
		if pr.OK {
			return nil
		}

		wait := max(pr.RetryAt.Sub(p.now()), time.Millisecond)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}

		if err := p.Refresh(ctx); err != nil {
			// keep predicting from the old snapshot
			p.log.Warn().Err(err).Str("name", p.name).Msg("snapshot refresh failed")
		}
	}
}

// SyncEvery re-estimates the clock offset every interval until ctx is done.
// Failures keep the previous offset.
func (p *Predictor) SyncEvery(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.SyncClock(ctx); err != nil {
				p.log.Warn().Err(err).Msg("clock sync failed")
			}
		}
	}
}

func (p *Predictor) localMillis() float64 {
	return float64(p.now().UnixMicro()) / 1000
}

func fromMillis(ms float64) time.Time {
	return time.UnixMicro(int64(math.Ceil(ms * 1000)))
}
