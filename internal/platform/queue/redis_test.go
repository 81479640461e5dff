package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/classifyd/internal/domain"
)

func newFeed(t *testing.T, maxLen int64) (*RedisFeed, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	feed, err := NewRedisFeed(context.Background(), mr.Addr(), "", "", maxLen)
	require.NoError(t, err)
	t.Cleanup(func() { feed.Close() })
	return feed, mr
}

func record(id string) domain.Record {
	return domain.Record{
		RequestID:    id,
		WorkerID:     "pid-42",
		ClassifierID: "shopping",
		Input:        "milk",
		State:        domain.StateSucceeded.String(),
		Envelope:     domain.Envelope{Status: 0, Result: "Dairy"},
		Duration:     1500 * time.Millisecond,
		FinishedAt:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPublishAndRecent(t *testing.T) {
	feed, _ := newFeed(t, 0)
	ctx := context.Background()

	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, feed.Publish(ctx, record(id)))
	}

	recs, err := feed.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "r3", recs[0].RequestID)
	assert.Equal(t, "r2", recs[1].RequestID)
	assert.NotEmpty(t, recs[0].StreamID)

	want := record("r3")
	want.StreamID = recs[0].StreamID
	assert.Equal(t, want, recs[0])
}

func TestPublishCapsStream(t *testing.T) {
	feed, mr := newFeed(t, 2)
	ctx := context.Background()

	for _, id := range []string{"r1", "r2", "r3", "r4"} {
		require.NoError(t, feed.Publish(ctx, record(id)))
	}

	entries, err := mr.Stream(DefaultStream)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRecentSkipsForeignEntries(t *testing.T) {
	feed, _ := newFeed(t, 0)
	ctx := context.Background()

	require.NoError(t, feed.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DefaultStream,
		Values: map[string]interface{}{"other": "value"},
	}).Err())
	require.NoError(t, feed.Publish(ctx, record("r1")))

	recs, err := feed.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "r1", recs[0].RequestID)
}

func TestSubscribe(t *testing.T) {
	feed, _ := newFeed(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := feed.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, feed.Publish(context.Background(), record("r1")))

	select {
	case rec := <-ch:
		assert.Equal(t, "r1", rec.RequestID)
		assert.Equal(t, domain.Envelope{Status: 0, Result: "Dairy"}, rec.Envelope)
	case <-time.After(5 * time.Second):
		t.Fatal("no record received")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNewRedisFeedUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisFeed(context.Background(), addr, "", "", 0)
	assert.ErrorContains(t, err, "failed to connect to redis")
}
