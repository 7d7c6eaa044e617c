package history

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/relay/model"
)

func TestAsyncManagerSchedulesOnce(t *testing.T) {
	cfg := DefaultAsyncConfig()
	cache := NewSummaryCache(DefaultConfig())
	m := NewAsyncManager(cfg, cache)

	var calls atomic.Int32
	release := make(chan struct{})
	summaryFn := func(ctx context.Context, prompt string) (string, error) {
		calls.Add(1)
		<-release
		return "summary", nil
	}

	msgs := conversation(10, 50)
	key := model.SessionKey(msgs)
	m.Schedule(context.Background(), key, msgs, summaryFn)
	// Second schedule for the same session while the first is in flight.
	m.Schedule(context.Background(), key, msgs, summaryFn)

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, m.Pending())

	close(release)
	m.Drain()
	assert.Equal(t, 0, m.Pending())
	assert.Equal(t, int32(1), calls.Load())

	entry, ok := cache.Get(key)
	require.True(t, ok)
	assert.Equal(t, "summary", entry.Summary)
}

func TestAsyncManagerBoundsPendingTasks(t *testing.T) {
	cfg := DefaultAsyncConfig()
	cfg.MaxPendingTasks = 2
	cache := NewSummaryCache(DefaultConfig())
	m := NewAsyncManager(cfg, cache)

	release := make(chan struct{})
	summaryFn := func(ctx context.Context, prompt string) (string, error) {
		<-release
		return "s", nil
	}

	m.Schedule(context.Background(), "a", conversation(2, 10), summaryFn)
	m.Schedule(context.Background(), "b", conversation(2, 10), summaryFn)
	// Pool is full; this one is dropped.
	m.Schedule(context.Background(), "c", conversation(2, 10), summaryFn)
	assert.Equal(t, 2, m.Pending())

	close(release)
	m.Drain()
}

func TestAsyncManagerShouldRefresh(t *testing.T) {
	cfg := DefaultAsyncConfig()
	cache := NewSummaryCache(DefaultConfig())
	m := NewAsyncManager(cfg, cache)

	// No entry yet: refresh.
	assert.True(t, m.ShouldRefresh("k", 10))

	require.True(t, cache.Put("k", "s", 10, 1000))
	assert.False(t, m.ShouldRefresh("k", 12))
	// Grew by the update interval.
	assert.True(t, m.ShouldRefresh("k", 15))
}
