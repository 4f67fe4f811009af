package metadb

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/version-gateway/store"
)

func putResponse(t *testing.T, db *BoltDB, url, cacheControl string) {
	t.Helper()
	h := http.Header{}
	h.Set("Cache-Control", cacheControl)
	require.NoError(t, db.Put(context.Background(), url, &store.CachedResponse{
		Status: http.StatusOK,
		Header: h,
		Body:   []byte("1.0.0"),
	}))
}

func TestExpiryReaper(t *testing.T) {
	ctx := context.Background()

	t.Run("reaps expired responses only", func(t *testing.T) {
		baseTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		currentTime := baseTime
		db := newTestBoltDB(t, WithNow(func() time.Time { return currentTime }))

		putResponse(t, db, "http://gw/version?name=ganache", "max-age=300")
		putResponse(t, db, "http://gw/epoch", "max-age=31536000, s-maxage=31536000")

		// Advance time past the short expiry
		currentTime = baseTime.Add(30 * time.Minute)

		reaper := NewExpiryReaper(db,
			WithReaperInterval(time.Minute),
			WithReaperBatchSize(10),
		)
		reaper.ReapNow(ctx)

		expired, err := db.GetExpiredResponses(ctx, baseTime.Add(48*time.Hour), 0)
		require.NoError(t, err)
		assert.Empty(t, expired)

		_, err = db.Match(ctx, "http://gw/epoch")
		require.NoError(t, err)
	})

	t.Run("respects batch size", func(t *testing.T) {
		baseTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		currentTime := baseTime
		db := newTestBoltDB(t, WithNow(func() time.Time { return currentTime }))

		for i := 0; i < 10; i++ {
			putResponse(t, db, fmt.Sprintf("http://gw/version?name=pkg%d", i), "max-age=60")
		}

		currentTime = baseTime.Add(30 * time.Minute)

		reaper := NewExpiryReaper(db, WithReaperBatchSize(3))

		reaper.ReapNow(ctx)
		remaining, err := db.GetExpiredResponses(ctx, currentTime, 0)
		require.NoError(t, err)
		assert.Len(t, remaining, 7)

		reaper.ReapNow(ctx)
		remaining, err = db.GetExpiredResponses(ctx, currentTime, 0)
		require.NoError(t, err)
		assert.Len(t, remaining, 4)
	})

	t.Run("Run stops on context cancel", func(t *testing.T) {
		db := newTestBoltDB(t)
		reaper := NewExpiryReaper(db, WithReaperInterval(10*time.Millisecond))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			reaper.Run(ctx)
			close(done)
		}()

		time.Sleep(30 * time.Millisecond)
		cancel()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("reaper did not stop")
		}
	})
}
