package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Manager hands out per-endpoint limiters so every HTTP client in the
// process shares the same budget for a given API family. Keys follow
// "<service>:<resource>:<verb>", e.g. "clob:order:post".
type Manager struct {
	limiters map[string]*rate.Limiter
	fallback *rate.Limiter
	mu       sync.RWMutex
}

// NewManager creates a manager preloaded with the published Polymarket API
// limits. Unknown keys fall back to a generous shared limiter.
func NewManager() *Manager {
	m := &Manager{
		limiters: make(map[string]*rate.Limiter),
		// 5000 requests / 10s across anything unclassified.
		fallback: rate.NewLimiter(per(5000, 10*time.Second), 500),
	}

	// CLOB API
	m.limiters["clob:order:post"] = rate.NewLimiter(per(2400, 10*time.Second), 240)
	m.limiters["clob:order:delete"] = rate.NewLimiter(per(2400, 10*time.Second), 240)
	m.limiters["clob:orders:get"] = rate.NewLimiter(per(150, 10*time.Second), 15)
	m.limiters["clob:book:get"] = rate.NewLimiter(per(200, 10*time.Second), 20)
	m.limiters["clob:price:get"] = rate.NewLimiter(per(200, 10*time.Second), 20)
	m.limiters["clob:balance:get"] = rate.NewLimiter(per(150, 10*time.Second), 15)
	m.limiters["clob:auth:get"] = rate.NewLimiter(per(30, 10*time.Second), 3)

	// Gamma API
	m.limiters["gamma:markets:get"] = rate.NewLimiter(per(125, 10*time.Second), 12)
	m.limiters["gamma:events:get"] = rate.NewLimiter(per(100, 10*time.Second), 10)

	// Data API
	m.limiters["data:positions:get"] = rate.NewLimiter(per(200, 10*time.Second), 20)

	return m
}

// Wait blocks until the endpoint's limiter admits one request, or the
// context is cancelled.
func (m *Manager) Wait(ctx context.Context, endpoint string) error {
	return m.limiter(endpoint).Wait(ctx)
}

// Allow reports whether one request may proceed right now.
func (m *Manager) Allow(endpoint string) bool {
	return m.limiter(endpoint).Allow()
}

// Set installs or replaces the limiter for an endpoint.
func (m *Manager) Set(endpoint string, limit rate.Limit, burst int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiters[endpoint] = rate.NewLimiter(limit, burst)
}

func (m *Manager) limiter(endpoint string) *rate.Limiter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if l, ok := m.limiters[endpoint]; ok {
		return l
	}
	return m.fallback
}

func per(n int, window time.Duration) rate.Limit {
	return rate.Limit(float64(n) / window.Seconds())
}
