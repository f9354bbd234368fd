package limit

// Args are the arguments of check and consume calls.
type Args struct {
	// Key selects an instance of the named limit; empty is the single
	// global instance.
	Key string `json:"key,omitempty"`
	// Config overrides the config bound to the name.
	Config *Config `json:"config,omitempty"`
	// Count defaults to 1.
	Count *float64 `json:"count,omitempty"`
	// Reserve admits requests beyond the balance, down to -MaxReserved.
	Reserve bool `json:"reserve,omitempty"`
	// Throws turns a rejection into a *RateLimitedError.
	Throws bool `json:"throws,omitempty"`
	// Shard pins the shard index instead of picking one at random.
	Shard *int `json:"shard,omitempty"`
	// SampleShards is how many shards a read-only check samples.
	SampleShards int `json:"sampleShards,omitempty"`
}

// CountOrDefault returns Count, or 1 when unset.
func (a Args) CountOrDefault() float64 {
	if a.Count == nil {
		return 1
	}
	return *a.Count
}

// ValueArgs are the arguments of getValue.
type ValueArgs struct {
	Key          string  `json:"key,omitempty"`
	Config       *Config `json:"config,omitempty"`
	SampleShards int     `json:"sampleShards,omitempty"`
}

// Decision is returned by check and consume. OK with a RetryAfter means the
// request was admitted on reserved capacity and dependent work should wait.
type Decision struct {
	OK         bool    `json:"ok"`
	RetryAfter float64 `json:"retryAfter,omitempty"` // ms
}

// Snapshot is the state of one sampled shard, scaled to the whole limit:
// Value is the shard's balance times the shard count and Config is the full
// config. Replaying Evaluate on it with Config predicts in whole-limit units.
type Snapshot struct {
	Value       float64  `json:"value"`
	TS          float64  `json:"ts"`
	WindowStart *float64 `json:"windowStart,omitempty"`
	Config      Config   `json:"config"`
	Shard       int      `json:"shard"`
}

// State returns the snapshot as an engine state.
func (s Snapshot) State() State {
	return State{Value: s.Value, TS: s.TS}
}
