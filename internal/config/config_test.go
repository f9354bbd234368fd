package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/ShardLimit/pkg/limit"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout())
	assert.Equal(t, 10*time.Second, cfg.Server.WriteTimeout())
	assert.Equal(t, 60*time.Second, cfg.Server.IdleTimeout())
	assert.Equal(t, int64(10<<20), cfg.Server.MaxBody())
	assert.Equal(t, "info", cfg.Observability.LogLevel)
	assert.Equal(t, "/metrics", cfg.Observability.PrometheusPath)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 2*time.Second, cfg.Storage.Timeout())
	assert.Equal(t, "shardlimit", cfg.Storage.Mongo.Database)
	assert.Equal(t, 24*time.Hour, cfg.GC.MaxAge())
	assert.Equal(t, time.Duration(0), cfg.GC.Interval())
	assert.Equal(t, 10.0, cfg.GC.PagesPerSecond)
}

func TestParseLimitsAndRoutes(t *testing.T) {
	doc := `
storage:
  backend: Redis
  redis:
    addr: redis:6379
    prefix: "app:"
limits:
  sendMessage:
    kind: token_bucket
    rate: 10
    period: 60000
    capacity: 30
    shards: 4
  login:
    kind: fixed_window
    rate: 5
    period: 1000
    max_reserved: 5
    start: 0
routes:
  - id: messages
    match:
      path_prefix: /messages
      methods: [POST]
    limit: sendMessage
    key_header: X-User-ID
    upstream:
      url: http://messages:9000
  - id: open
    match:
      path_prefix: /public
      methods: [GET]
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.Equal(t, "app:", cfg.Storage.Redis.Prefix)

	require.Len(t, cfg.Limits, 2)
	assert.Equal(t, limit.Config{
		Kind: limit.TokenBucket, Rate: 10, Period: limit.Minute, Capacity: 30, Shards: 4,
	}, cfg.Limits["sendMessage"])
	login := cfg.Limits["login"]
	assert.Equal(t, 5.0, login.MaxReserved)
	require.NotNil(t, login.Start)
	assert.Equal(t, 0.0, *login.Start)

	require.Len(t, cfg.Routes, 2)
	assert.Equal(t, "sendMessage", cfg.Routes[0].Limit)
	assert.Equal(t, "X-User-ID", cfg.Routes[0].KeyHeader)
	assert.Equal(t, 1.0, cfg.Routes[0].Count)
	assert.Equal(t, "http://messages:9000", cfg.Routes[0].Upstream.URL)
	assert.Equal(t, 3*time.Second, cfg.Routes[0].Timeout())
	assert.Equal(t, "", cfg.Routes[1].Upstream.URL)
	assert.Equal(t, "", cfg.Routes[1].Limit)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown backend", "storage: {backend: etcd}"},
		{"invalid limit", "limits: {a: {kind: token_bucket, rate: 0, period: 1000}}"},
		{"unknown kind", "limits: {a: {kind: leaky, rate: 1, period: 1000}}"},
		{"route to unknown limit", "routes: [{id: r, limit: nope}]"},
		{"malformed yaml", "limits: ["},
		{"upstream without host", "routes: [{id: r, upstream: {url: /relative}}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestParseInvalidLimitWrapsSentinel(t *testing.T) {
	_, err := Parse([]byte("limits: {a: {kind: token_bucket, rate: 1, period: -1}}"))
	assert.ErrorIs(t, err, limit.ErrInvalidConfig)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: {addr: ':9090'}"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
