package domain

// MergeEpsilon is the dust threshold below which a mergeable remainder is
// ignored; complete-set merges on chain are pointless at this size.
const MergeEpsilon = 0.001

// MarketState is everything the engine tracks for one market. It is the
// unit of persistence: the whole struct round-trips through the snapshot.
type MarketState struct {
	Market *Market `json:"market"`

	// Orders is keyed by exchange order id. Orders that never reached the
	// exchange are keyed by a locally generated id.
	Orders map[string]*OrderRecord `json:"orders"`

	// Placed is flipped (and flushed) before the first placement attempt;
	// a market is never given a second pair.
	Placed bool `json:"placed"`

	// Finalized stops all further trading actions for the market.
	Finalized bool `json:"finalized"`

	// MergedSize accumulates complete sets already merged back to
	// collateral. It only grows on confirmed settlement transactions.
	MergedSize  float64 `json:"merged_size"`
	LastMergeAt int64   `json:"last_merge_at,omitempty"`

	// Orphaned marks markets that disappeared from the catalog while
	// orders or positions were still live.
	Orphaned bool `json:"orphaned,omitempty"`
}

// NewMarketState wraps a freshly discovered market.
func NewMarketState(m *Market) *MarketState {
	return &MarketState{
		Market: m,
		Orders: make(map[string]*OrderRecord),
	}
}

// FilledSize sums the matched size of BUY legs for one outcome.
func (s *MarketState) FilledSize(o Outcome) float64 {
	var total float64
	for _, ord := range s.Orders {
		if ord.Side == SideBuy && ord.Outcome == o {
			total += ord.SizeMatched
		}
	}
	return total
}

// MergeableSize is how many complete sets are still unmerged:
// min(filled YES, filled NO) minus what was merged already.
func (s *MarketState) MergeableSize() float64 {
	yes := s.FilledSize(OutcomeYes)
	no := s.FilledSize(OutcomeNo)
	mergeable := yes
	if no < yes {
		mergeable = no
	}
	return mergeable - s.MergedSize
}

// RemainingSize is the one-sided exposure left for an outcome after merges.
func (s *MarketState) RemainingSize(o Outcome) float64 {
	rem := s.FilledSize(o) - s.MergedSize
	if rem < 0 {
		return 0
	}
	return rem
}

// HasOpenOrders reports whether any order may still rest on the book.
func (s *MarketState) HasOpenOrders() bool {
	for _, ord := range s.Orders {
		if ord.IsOpen() {
			return true
		}
	}
	return false
}

// AllOrdersTerminal reports whether every tracked order reached a final
// status. True for a market with no orders.
func (s *MarketState) AllOrdersTerminal() bool {
	for _, ord := range s.Orders {
		if !ord.IsTerminal() {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *MarketState) Clone() *MarketState {
	if s == nil {
		return nil
	}
	cp := &MarketState{
		Market:      s.Market.Clone(),
		Orders:      make(map[string]*OrderRecord, len(s.Orders)),
		Placed:      s.Placed,
		Finalized:   s.Finalized,
		MergedSize:  s.MergedSize,
		LastMergeAt: s.LastMergeAt,
		Orphaned:    s.Orphaned,
	}
	for id, ord := range s.Orders {
		cp.Orders[id] = ord.Clone()
	}
	return cp
}
