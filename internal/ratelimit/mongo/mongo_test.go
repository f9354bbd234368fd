package mongo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/ShardLimit/internal/ratelimit"
	"github.com/AlexKimmel/ShardLimit/internal/ratelimit/storetest"
)

// Runs against a live server, e.g.
// SHARDLIMIT_MONGO_URI=mongodb://localhost:27017 go test ./internal/ratelimit/mongo
func TestStore(t *testing.T) {
	uri := os.Getenv("SHARDLIMIT_MONGO_URI")
	if uri == "" {
		t.Skip("Skipping integration test: SHARDLIMIT_MONGO_URI not set")
	}

	storetest.Run(t, func(t *testing.T, now func() time.Time) ratelimit.Store {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		db := "shardlimit_test_" + uuid.NewString()[:8]
		s, err := Connect(ctx, uri, db, "rate_limits", WithClock(now))
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = s.client.Database(db).Drop(context.Background())
			_ = s.Close()
		})
		return s
	})
}
