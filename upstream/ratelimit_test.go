package upstream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdaptiveLimiterHalvesOnThrottle(t *testing.T) {
	l := NewAdaptiveLimiter(60000, 120000)
	assert.Equal(t, 60000.0, l.CurrentTPM())

	l.OnRateLimited()
	assert.Equal(t, 30000.0, l.CurrentTPM())
	l.OnRateLimited()
	assert.Equal(t, 15000.0, l.CurrentTPM())
}

func TestAdaptiveLimiterFloor(t *testing.T) {
	l := NewAdaptiveLimiter(1000, 2000)
	for i := 0; i < 20; i++ {
		l.OnRateLimited()
	}
	// Never drops below 10% of the initial budget.
	assert.Equal(t, 100.0, l.CurrentTPM())
}

func TestAdaptiveLimiterRecoversToCap(t *testing.T) {
	l := NewAdaptiveLimiter(1000, 1200)
	l.OnRateLimited()
	require.Equal(t, 500.0, l.CurrentTPM())

	// Additive recovery at 5% of the initial budget per success.
	l.OnSuccess()
	assert.Equal(t, 550.0, l.CurrentTPM())

	for i := 0; i < 100; i++ {
		l.OnSuccess()
	}
	assert.Equal(t, 1200.0, l.CurrentTPM())
}

func TestAdaptiveLimiterWaitClampsOversizedCost(t *testing.T) {
	l := NewAdaptiveLimiter(1000, 2000)
	// A cost larger than the burst would never be satisfiable; the limiter
	// clamps it instead of blocking forever.
	err := l.Wait(context.Background(), 10000)
	assert.NoError(t, err)
}

func TestAdaptiveLimiterWaitHonorsContext(t *testing.T) {
	l := NewAdaptiveLimiter(60, 120)
	// Drain the bucket, then ask for more with a canceled context.
	require.NoError(t, l.Wait(context.Background(), 60))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Wait(ctx, 60)
	assert.Error(t, err)
}
