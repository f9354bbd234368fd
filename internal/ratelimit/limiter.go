package ratelimit

import (
	"context"
	"errors"

	"github.com/AlexKimmel/ShardLimit/pkg/limit"
)

// ErrConflict is returned by a Store that gave up retrying an optimistic
// read-modify-write against concurrent writers.
var ErrConflict = errors.New("shard record update conflict")

// ShardID identifies one persisted shard record.
type ShardID struct {
	Name  string
	Key   string // empty for the global instance of Name
	Shard int
}

// Record is a persisted shard record.
type Record struct {
	ID      string // storage id, used by Delete
	Name    string
	Key     string
	Shard   int
	Value   float64
	TS      float64 // ms
	Created int64   // ms, set by the store on insert
}

// State returns the engine state of r, nil when r is nil.
func (r *Record) State() *limit.State {
	if r == nil {
		return nil
	}
	return &limit.State{Value: r.Value, TS: r.TS}
}

// UpdateFunc receives the current record (nil when absent) and returns the
// state to write, or nil to leave the record untouched.
type UpdateFunc func(cur *Record) (*limit.State, error)

// Store persists shard records. Update must be atomic with respect to other
// Update calls on the same ShardID; nothing is promised across records.
type Store interface {
	// Get returns nil, nil when the record does not exist.
	Get(ctx context.Context, id ShardID) (*Record, error)
	Update(ctx context.Context, id ShardID, fn UpdateFunc) error
	// DeleteAll removes every shard of name+key.
	DeleteAll(ctx context.Context, name, key string) error
	// QueryOlderThan returns up to limit records created at or before
	// cutoff, newest first.
	QueryOlderThan(ctx context.Context, cutoff int64, limit int) ([]Record, error)
	// Delete removes one record by storage id. Missing records are ignored.
	Delete(ctx context.Context, id string) error
	Close() error
}
