package limit

import (
	"fmt"
	"math"
)

// Kind selects the admission algorithm.
type Kind string

const (
	TokenBucket Kind = "token_bucket"
	FixedWindow Kind = "fixed_window"
)

// Durations in milliseconds, the unit used for Period, Start and all timestamps.
const (
	Second = 1000.0
	Minute = 60 * Second
	Hour   = 60 * Minute
)

// Config describes a rate limit policy. Zero values for the optional fields
// mean "use the default": Capacity defaults to Rate, Shards to 1 and
// MaxReserved to no reservation.
type Config struct {
	Kind        Kind     `json:"kind" yaml:"kind"`
	Rate        float64  `json:"rate" yaml:"rate"`
	Period      float64  `json:"period" yaml:"period"` // ms
	Capacity    float64  `json:"capacity,omitempty" yaml:"capacity,omitempty"`
	MaxReserved float64  `json:"maxReserved,omitempty" yaml:"max_reserved,omitempty"`
	Shards      int      `json:"shards,omitempty" yaml:"shards,omitempty"`
	Start       *float64 `json:"start,omitempty" yaml:"start,omitempty"` // fixed window anchor, ms since epoch
}

// Validate reports whether c is usable. Errors wrap ErrInvalidConfig.
func (c Config) Validate() error {
	switch c.Kind {
	case TokenBucket, FixedWindow:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidConfig, c.Kind)
	}
	if !positive(c.Rate) {
		return fmt.Errorf("%w: rate must be > 0, got %v", ErrInvalidConfig, c.Rate)
	}
	if !positive(c.Period) {
		return fmt.Errorf("%w: period must be > 0, got %v", ErrInvalidConfig, c.Period)
	}
	if c.Capacity < 0 || math.IsNaN(c.Capacity) || math.IsInf(c.Capacity, 0) {
		return fmt.Errorf("%w: capacity must be > 0, got %v", ErrInvalidConfig, c.Capacity)
	}
	if c.MaxReserved < 0 || math.IsNaN(c.MaxReserved) || math.IsInf(c.MaxReserved, 0) {
		return fmt.Errorf("%w: maxReserved must be >= 0, got %v", ErrInvalidConfig, c.MaxReserved)
	}
	if c.Shards < 0 {
		return fmt.Errorf("%w: shards must be > 0, got %d", ErrInvalidConfig, c.Shards)
	}
	if c.Start != nil {
		if c.Kind != FixedWindow {
			return fmt.Errorf("%w: start only applies to %s", ErrInvalidConfig, FixedWindow)
		}
		if math.IsNaN(*c.Start) || math.IsInf(*c.Start, 0) {
			return fmt.Errorf("%w: start must be finite", ErrInvalidConfig)
		}
	}
	return nil
}

// Max is the largest balance a shard (or an unsharded limit) can hold.
func (c Config) Max() float64 {
	if c.Capacity > 0 {
		return c.Capacity
	}
	return c.Rate
}

// ShardCount is the number of partitions, never less than 1.
func (c Config) ShardCount() int {
	if c.Shards < 1 {
		return 1
	}
	return c.Shards
}

// PerShard divides the rate, capacity and reservation budget evenly across
// the configured shards. The result describes a single shard.
func (c Config) PerShard() Config {
	n := float64(c.ShardCount())
	s := c
	s.Rate = c.Rate / n
	s.Capacity = c.Max() / n
	s.MaxReserved = c.MaxReserved / n
	s.Shards = 1
	return s
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}
