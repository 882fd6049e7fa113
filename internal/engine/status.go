package engine

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/betbot/pairbot/internal/domain"
)

// Status is a point-in-time summary for the dashboard.
type Status struct {
	Running        bool      `json:"running"`
	LastTick       time.Time `json:"last_tick"`
	Balance        float64   `json:"balance"`
	TrackedMarkets int       `json:"tracked_markets"`
	OpenOrders     int       `json:"open_orders"`
}

// Status reports the engine's current summary.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	open := 0
	for _, st := range e.state.Markets {
		for _, rec := range st.Orders {
			if rec.IsOpen() {
				open++
			}
		}
	}
	return Status{
		Running:        e.running,
		LastTick:       e.lastTick,
		Balance:        e.balance,
		TrackedMarkets: len(e.state.Markets),
		OpenOrders:     open,
	}
}

// Markets returns deep copies of every tracked market state, sorted by start
// time. Readers never share memory with the engine.
func (e *Engine) Markets() []*domain.MarketState {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*domain.MarketState, 0, len(e.state.Markets))
	for _, st := range e.marketsByStartLocked() {
		out = append(out, st.Clone())
	}
	return out
}

// Orders returns deep copies of every tracked order record, newest first.
func (e *Engine) Orders() []*domain.OrderRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*domain.OrderRecord
	for _, st := range e.state.Markets {
		for _, rec := range st.Orders {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	return out
}

// RecentHistory returns up to n archived records, newest first. Without an
// attached history store it returns nothing.
func (e *Engine) RecentHistory(n int) ([]json.RawMessage, error) {
	if e.history == nil {
		return nil, nil
	}
	return e.history.Recent(n)
}
