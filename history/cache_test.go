package history

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCache(now *time.Time) *SummaryCache {
	c := NewSummaryCache(DefaultConfig())
	c.now = func() time.Time { return *now }
	return c
}

func TestCacheAcceptanceLaw(t *testing.T) {
	now := time.Now()
	c := testCache(&now)

	// Empty slot always accepts.
	require.True(t, c.Put("k", "s1", 20, 50000))

	// Below both deltas and younger than MaxAge: rejected.
	assert.False(t, c.Put("k", "s2", 21, 50100))

	// Enough new messages.
	assert.True(t, c.Put("k", "s3", 25, 50100))

	// Enough new characters.
	assert.True(t, c.Put("k", "s4", 25, 60000))

	// Old enough to refresh regardless of deltas.
	now = now.Add(181 * time.Second)
	assert.True(t, c.Put("k", "s5", 25, 60000))
}

func TestCacheFreshRejectsStaleSnapshots(t *testing.T) {
	now := time.Now()
	c := testCache(&now)
	require.True(t, c.Put("k", "summary", 20, 50000))

	_, ok := c.Fresh("k", 21, 50100)
	assert.True(t, ok)

	// Conversation grew past the message delta.
	_, ok = c.Fresh("k", 23, 50100)
	assert.False(t, ok)

	// Or past the char delta.
	_, ok = c.Fresh("k", 21, 54500)
	assert.False(t, ok)
}

func TestCacheTTLEviction(t *testing.T) {
	now := time.Now()
	c := testCache(&now)
	require.True(t, c.Put("k", "summary", 20, 50000))

	_, ok := c.Get("k")
	require.True(t, ok)

	now = now.Add(181 * time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCacheLRUBound(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	cfg.MaxEntries = 3
	c := NewSummaryCache(cfg)
	c.now = func() time.Time { return now }

	require.True(t, c.Put("a", "s", 1, 1))
	require.True(t, c.Put("b", "s", 1, 1))
	require.True(t, c.Put("c", "s", 1, 1))

	// Touch "a" so "b" becomes least recently used.
	_, ok := c.Get("a")
	require.True(t, ok)

	require.True(t, c.Put("d", "s", 1, 1))
	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 3, c.Len())
}

func TestCacheAcceptanceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("writes are accepted exactly when the law fires", prop.ForAll(
		func(deltaMsgs, deltaChars int) bool {
			now := time.Now()
			c := testCache(&now)
			if !c.Put("k", "first", 100, 100000) {
				return false
			}
			accepted := c.Put("k", "second", 100+deltaMsgs, 100000+deltaChars)
			want := deltaMsgs >= c.minDeltaMessages || deltaChars >= c.minDeltaChars
			return accepted == want
		},
		gen.IntRange(0, 10),
		gen.IntRange(0, 10000),
	))

	properties.TestingRun(t)
}
