package limit

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigNotFound is returned when no config was supplied inline and
	// none is bound to the limit name.
	ErrConfigNotFound = errors.New("rate limit config not found")

	ErrInvalidConfig   = errors.New("invalid rate limit config")
	ErrInvalidArgument = errors.New("invalid argument")
)

// RateLimitedKind tags a RateLimitedError on the wire.
const RateLimitedKind = "RateLimited"

// RateLimitedError is raised instead of returning ok=false when the caller
// asked for throw semantics.
type RateLimitedError struct {
	Name       string  `json:"name"`
	RetryAfter float64 `json:"retryAfter"` // ms
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit %q exceeded, retry after %.0fms", e.Name, e.RetryAfter)
}

func (e *RateLimitedError) Kind() string { return RateLimitedKind }

// IsRateLimited returns true if err is, or wraps, a RateLimitedError.
func IsRateLimited(err error) bool {
	var target *RateLimitedError
	return errors.As(err, &target)
}
