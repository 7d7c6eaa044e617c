package upstream

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// AdaptiveLimiter applies an AIMD-style adaptive token bucket at the gateway
// boundary. It estimates the token cost of each departure, blocks callers
// until capacity is available, and adjusts its effective tokens-per-minute
// budget in response to throttling signals from the gateway. One instance per
// process sits inside the shared Client.
type AdaptiveLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM float64
	minTPM     float64
	maxTPM     float64

	recoveryRate float64
}

// NewAdaptiveLimiter constructs a limiter with an initial tokens-per-minute
// budget and an upper bound. When maxTPM is zero or below initialTPM it is
// clamped to initialTPM.
func NewAdaptiveLimiter(initialTPM, maxTPM float64) *AdaptiveLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &AdaptiveLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Wait blocks until cost tokens of capacity are available or ctx is done.
func (l *AdaptiveLimiter) Wait(ctx context.Context, cost int) error {
	if cost < 1 {
		cost = 1
	}
	l.mu.Lock()
	lim := l.limiter
	burst := lim.Burst()
	l.mu.Unlock()
	if cost > burst {
		cost = burst
	}
	return lim.WaitN(ctx, cost)
}

// OnRateLimited halves the budget, bounded below by minTPM.
func (l *AdaptiveLimiter) OnRateLimited() {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.currentTPM / 2
	if next < l.minTPM {
		next = l.minTPM
	}
	l.setTPM(next)
}

// OnSuccess recovers capacity additively toward maxTPM.
func (l *AdaptiveLimiter) OnSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.currentTPM + l.recoveryRate
	if next > l.maxTPM {
		next = l.maxTPM
	}
	l.setTPM(next)
}

// CurrentTPM returns the effective tokens-per-minute budget.
func (l *AdaptiveLimiter) CurrentTPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

func (l *AdaptiveLimiter) setTPM(tpm float64) {
	if tpm == l.currentTPM {
		return
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}
