package history

import (
	"context"
	"strings"
	"sync"
	"time"

	"goa.design/clue/log"
	"golang.org/x/sync/singleflight"

	"goa.design/relay/model"
)

type (
	// AsyncConfig tunes the background summarization scheduler.
	AsyncConfig struct {
		Enabled bool

		// FastFirstRequest returns a plain truncation immediately when no
		// cached summary exists, scheduling the summary off the request path.
		FastFirstRequest bool

		// MaxPendingTasks bounds concurrent background generations; excess
		// schedules are dropped with a warning.
		MaxPendingTasks int

		// UpdateIntervalMessages is the growth, in messages, that triggers a
		// cache refresh.
		UpdateIntervalMessages int

		// TaskTimeout bounds one background generation.
		TaskTimeout time.Duration
	}

	// AsyncManager generates summaries in the background so the first request
	// of an oversized session does not pay the summarization latency.
	// Generations are deduplicated per session and bounded in number.
	AsyncManager struct {
		cfg   AsyncConfig
		cache *SummaryCache
		group singleflight.Group

		mu      sync.Mutex
		pending map[string]struct{}
		wg      sync.WaitGroup
	}
)

// DefaultAsyncConfig returns the scheduler defaults.
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{
		Enabled:                true,
		FastFirstRequest:       true,
		MaxPendingTasks:        100,
		UpdateIntervalMessages: 5,
		TaskTimeout:            30 * time.Second,
	}
}

// NewAsyncManager builds a scheduler over the shared summary cache.
func NewAsyncManager(cfg AsyncConfig, cache *SummaryCache) *AsyncManager {
	return &AsyncManager{
		cfg:     cfg,
		cache:   cache,
		pending: make(map[string]struct{}),
	}
}

// ShouldRefresh reports whether the session's cached summary is missing or
// has fallen behind the conversation by UpdateIntervalMessages.
func (m *AsyncManager) ShouldRefresh(key string, messageCount int) bool {
	if !m.cfg.Enabled || m.cache == nil {
		return false
	}
	entry, ok := m.cache.Get(key)
	if !ok {
		return true
	}
	return messageCount-entry.MessageCount >= m.cfg.UpdateIntervalMessages
}

// Schedule starts a background generation for the session unless one is
// already in flight or the task pool is full. The history is snapshotted by
// the caller; the generation runs detached from the request context.
func (m *AsyncManager) Schedule(ctx context.Context, key string, msgs []model.Message, summaryFn SummaryFunc) {
	if !m.cfg.Enabled || summaryFn == nil || m.cache == nil {
		return
	}
	m.mu.Lock()
	if _, inflight := m.pending[key]; inflight {
		m.mu.Unlock()
		return
	}
	if len(m.pending) >= m.cfg.MaxPendingTasks {
		m.mu.Unlock()
		log.Warn(ctx, log.KV{K: "msg", V: "summary task pool full, dropping schedule"}, log.KV{K: "session", V: key})
		return
	}
	m.pending[key] = struct{}{}
	m.mu.Unlock()

	snapshot := model.CloneMessages(msgs)
	totalChars := model.HistoryChars(snapshot)
	count := len(snapshot)

	// Detached context: a client disconnect must not waste the work already
	// paid for, but the task still honors TaskTimeout.
	bg := log.Context(context.Background())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.pending, key)
			m.mu.Unlock()
		}()

		tctx := bg
		cancel := context.CancelFunc(func() {})
		if m.cfg.TaskTimeout > 0 {
			tctx, cancel = context.WithTimeout(bg, m.cfg.TaskTimeout)
		}
		defer cancel()

		_, err, _ := m.group.Do(key, func() (any, error) {
			summary, err := summaryFn(tctx, SummaryPrompt(snapshot))
			if err != nil {
				return nil, err
			}
			if strings.TrimSpace(summary) == "" {
				return nil, nil
			}
			m.cache.Put(key, summary, count, totalChars)
			return summary, nil
		})
		if err != nil {
			log.Warn(bg, log.KV{K: "msg", V: "background summary failed"},
				log.KV{K: "session", V: key}, log.KV{K: "err", V: err.Error()})
		}
	}()
}

// Pending returns the number of in-flight background generations.
func (m *AsyncManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Drain waits for in-flight generations to finish, used at shutdown.
func (m *AsyncManager) Drain() { m.wg.Wait() }
