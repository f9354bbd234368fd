package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AlexKimmel/ShardLimit/internal/ratelimit"
)

type slot struct {
	mu   sync.Mutex
	rec  *ratelimit.Record
	dead bool // removed from the map, callers must reload
}

// Store keeps shard records in process memory. Each record has its own
// mutex, so Update on one shard never waits for another.
type Store struct {
	now   func() time.Time
	slots sync.Map // ratelimit.ShardID -> *slot
	byID  sync.Map // record id -> ratelimit.ShardID
}

func New() *Store {
	return &Store{
		now: time.Now,
	}
}

// WithClock overrides the clock used to stamp record creation times.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Close() error { return nil }

func (s *Store) Get(_ context.Context, id ratelimit.ShardID) (*ratelimit.Record, error) {
	v, ok := s.slots.Load(id)
	if !ok {
		return nil, nil
	}
	sl := v.(*slot)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.dead || sl.rec == nil {
		return nil, nil
	}
	rec := *sl.rec
	return &rec, nil
}

func (s *Store) Update(_ context.Context, id ratelimit.ShardID, fn ratelimit.UpdateFunc) error {
	for {
		v, _ := s.slots.LoadOrStore(id, &slot{})
		sl := v.(*slot)

		sl.mu.Lock()
		if sl.dead {
			sl.mu.Unlock()
			continue
		}
		err := s.apply(sl, id, fn)
		if sl.rec == nil {
			// nothing was written, don't keep an empty slot around
			sl.dead = true
			s.slots.CompareAndDelete(id, sl)
		}
		sl.mu.Unlock()
		return err
	}
}

// apply runs fn with sl locked.
func (s *Store) apply(sl *slot, id ratelimit.ShardID, fn ratelimit.UpdateFunc) error {
	var cur *ratelimit.Record
	if sl.rec != nil {
		c := *sl.rec
		cur = &c
	}
	st, err := fn(cur)
	if err != nil || st == nil {
		return err
	}
	if sl.rec == nil {
		sl.rec = &ratelimit.Record{
			ID:      uuid.NewString(),
			Name:    id.Name,
			Key:     id.Key,
			Shard:   id.Shard,
			Created: s.now().UnixMilli(),
		}
		s.byID.Store(sl.rec.ID, id)
	}
	sl.rec.Value = st.Value
	sl.rec.TS = st.TS
	return nil
}

func (s *Store) DeleteAll(_ context.Context, name, key string) error {
	s.slots.Range(func(k, _ any) bool {
		id := k.(ratelimit.ShardID)
		if id.Name == name && id.Key == key {
			s.remove(id)
		}
		return true
	})
	return nil
}

func (s *Store) QueryOlderThan(_ context.Context, cutoff int64, limit int) ([]ratelimit.Record, error) {
	var out []ratelimit.Record
	s.slots.Range(func(_, v any) bool {
		sl := v.(*slot)
		sl.mu.Lock()
		if !sl.dead && sl.rec != nil && sl.rec.Created <= cutoff {
			out = append(out, *sl.rec)
		}
		sl.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created != out[j].Created {
			return out[i].Created > out[j].Created
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Delete(_ context.Context, recordID string) error {
	v, ok := s.byID.Load(recordID)
	if !ok {
		return nil
	}
	s.remove(v.(ratelimit.ShardID))
	return nil
}

func (s *Store) remove(id ratelimit.ShardID) {
	v, ok := s.slots.Load(id)
	if !ok {
		return
	}
	sl := v.(*slot)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.dead {
		return
	}
	if sl.rec != nil {
		s.byID.Delete(sl.rec.ID)
	}
	sl.dead = true
	sl.rec = nil
	s.slots.CompareAndDelete(id, sl)
}
