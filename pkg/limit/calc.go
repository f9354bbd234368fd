// Package limit holds the rate limit policy model and the calculation engine
// shared by the server and by clients predicting the server's decisions.
//
// The engine is a pure function of (state, config, now, count, reserve). It
// performs no I/O and keeps no state between calls, so evaluating the same
// inputs on either side of the wire yields the same answer. All times are
// float64 milliseconds since the Unix epoch.
//
// Token bucket values accrue continuously:
//
//	value(now) = min(max, value + (now - ts) * rate / period)
//
// Fixed window values reset lazily: once now falls in a later window than
// the stored one, a non-negative balance becomes one full quota again and a
// reserved (negative) balance is paid back by one quota per elapsed window.
package limit

import "math"

// State is a balance and the time it was valid at. For fixed windows TS is
// the start of the window the balance belongs to, which also pins the
// shard's window anchor.
type State struct {
	Value float64 `json:"value"`
	TS    float64 `json:"ts"`
}

// Result is the outcome of Evaluate.
type Result struct {
	OK bool
	// RetryAfter is in ms. Set on rejection, and on admission when the
	// request was only admitted by reserving future capacity.
	RetryAfter float64

	// State is what to persist. It equals the input state (or the implicit
	// full state when there was none) unless Changed is set.
	State   State
	Changed bool

	// Current is the balance at evaluation time, before the request.
	Current State

	// WindowStart is the start of the window containing now. Fixed window only.
	WindowStart float64
}

// Evaluate decides whether count units can be taken from st under cfg at
// time now. A nil st means the shard has never been written and is full.
// cfg describes a single shard, see Config.PerShard; Shards is ignored.
// rnd is only consulted to anchor a fixed window that has neither state
// nor a configured start; nil means DefaultRand.
func Evaluate(st *State, cfg Config, now, count float64, reserve bool, rnd Rand) Result {
	if cfg.Kind == FixedWindow {
		return evaluateFixedWindow(st, cfg, now, count, reserve, rnd)
	}
	return evaluateTokenBucket(st, cfg, now, count, reserve)
}

func evaluateTokenBucket(st *State, cfg Config, now, count float64, reserve bool) Result {
	max := cfg.Max()
	cur := State{Value: max, TS: now}
	if st != nil {
		// never extrapolate backward
		elapsed := math.Max(0, now-st.TS)
		cur = State{
			Value: math.Min(max, st.Value+elapsed*cfg.Rate/cfg.Period),
			TS:    math.Max(now, st.TS),
		}
	}

	res := Result{Current: cur, State: cur}
	if st != nil {
		res.State = *st
	}

	after := cur.Value - count
	switch {
	case after >= 0:
		res.OK = true
	case reserve && after >= -cfg.MaxReserved:
		res.OK = true
		res.RetryAfter = (count - cur.Value) * cfg.Period / cfg.Rate
	default:
		res.RetryAfter = (count - cur.Value) * cfg.Period / cfg.Rate
		return res
	}

	if count > 0 {
		res.State = State{Value: after, TS: cur.TS}
		res.Changed = true
	}
	return res
}

func evaluateFixedWindow(st *State, cfg Config, now, count float64, reserve bool, rnd Rand) Result {
	max := cfg.Max()

	var anchor float64
	switch {
	case st != nil:
		anchor = st.TS
	case cfg.Start != nil:
		anchor = *cfg.Start
	default:
		if rnd == nil {
			rnd = DefaultRand
		}
		// spread boundaries so shards don't refill in lockstep
		anchor = now - rnd.Float64()*cfg.Period
	}

	windows := math.Max(0, math.Floor((now-anchor)/cfg.Period))
	windowStart := anchor + windows*cfg.Period

	value := max
	if st != nil {
		value = refill(st.Value, windows, cfg.Rate, max)
	}
	cur := State{Value: value, TS: windowStart}

	res := Result{Current: cur, State: cur, WindowStart: windowStart}
	if st != nil {
		res.State = *st
	}

	after := value - count
	switch {
	case after >= 0:
		res.OK = true
	case reserve && after >= -cfg.MaxReserved:
		res.OK = true
		res.RetryAfter = retryAt(windowStart, math.Ceil((count-value)/cfg.Rate), cfg.Period, now)
	default:
		n := 1.0
		if value < 0 {
			n = math.Ceil((count - value) / cfg.Rate)
		}
		res.RetryAfter = retryAt(windowStart, n, cfg.Period, now)
		return res
	}

	if count > 0 {
		res.State = State{Value: after, TS: windowStart}
		res.Changed = true
	}
	return res
}

// refill applies elapsed window transitions. Unused quota never carries
// over; debt is repaid one quota per window.
func refill(value, windows, rate, max float64) float64 {
	if windows < 1 {
		return math.Min(value, max)
	}
	if value >= 0 {
		return max
	}
	return math.Min(max, value+windows*rate)
}

func retryAt(windowStart, windows, period, now float64) float64 {
	return math.Max(0, windowStart+windows*period-now)
}
