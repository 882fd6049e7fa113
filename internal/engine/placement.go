package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/pairbot/internal/domain"
)

// placementPass places the BUY pair on every tracked market whose start is
// inside the placement window. One pair per market, ever.
func (e *Engine) placementPass(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now().Unix()
	for _, st := range e.marketsByStartLocked() {
		if st.Placed || st.Finalized || st.Orphaned {
			continue
		}
		if !e.inBand(st.Market, now) {
			continue
		}
		if e.hasOtherActiveWorkLocked(st.Market.ConditionID) {
			e.log.Debugf("deferring placement on %s, other markets still busy", st.Market.Slug)
			continue
		}
		if err := e.placePairLocked(ctx, st); err != nil {
			if errors.Is(err, ErrInsufficientBalance) {
				e.log.Warnf("placement on %s deferred: %v", st.Market.Slug, err)
			} else {
				e.log.Errorf("placement on %s: %v", st.Market.Slug, err)
			}
		}
	}
}

// inBand checks the placement window [start-BandMax, start-BandMin].
func (e *Engine) inBand(m *domain.Market, now int64) bool {
	lead := m.StartTS - now
	return lead >= int64(e.cfg.BandMin.Seconds()) && lead <= int64(e.cfg.BandMax.Seconds())
}

// hasOtherActiveWorkLocked reports whether any other market still has live
// orders or unmerged fills. New pairs wait until existing exposure is
// resolved.
func (e *Engine) hasOtherActiveWorkLocked(exceptConditionID string) bool {
	for cid, st := range e.state.Markets {
		if cid == exceptConditionID || st.Finalized {
			continue
		}
		if st.HasOpenOrders() {
			return true
		}
		if st.RemainingSize(domain.OutcomeYes) > domain.MergeEpsilon ||
			st.RemainingSize(domain.OutcomeNo) > domain.MergeEpsilon {
			return true
		}
	}
	return false
}

// orderSizingLocked resolves the limit price and per-leg share counts.
// Budget mode spreads half the budget over each leg at its current
// mid-price; a leg without a book falls back to the configured price.
func (e *Engine) orderSizingLocked(ctx context.Context, m *domain.Market) (price float64, sizes map[domain.Outcome]float64) {
	price = e.cfg.OrderPrice
	sizes = make(map[domain.Outcome]float64, len(domain.Outcomes))

	if e.cfg.BudgetUSD <= 0 {
		for _, outcome := range domain.Outcomes {
			sizes[outcome] = e.cfg.OrderSize
		}
		return price, sizes
	}

	tops := e.fetchBookTops(ctx, m)
	perLeg := decimal.NewFromFloat(e.cfg.BudgetUSD).Div(decimal.NewFromInt(2))
	for _, outcome := range domain.Outcomes {
		mid := price
		if top := tops[outcome]; top != nil && top.Bid > 0 && top.Ask > 0 {
			mid = (top.Bid + top.Ask) / 2
		}
		sizes[outcome], _ = perLeg.Div(decimal.NewFromFloat(mid)).RoundFloor(2).Float64()
	}
	return price, sizes
}

// placePairLocked executes the one placement attempt a market gets. The
// Placed flag is flushed to disk before the first exchange call: a crash in
// between leaves the market unordered, never double-ordered. Insufficient
// balance is detected before the flag flips, so those markets retry while
// their window is open.
func (e *Engine) placePairLocked(ctx context.Context, st *domain.MarketState) error {
	price, sizes := e.orderSizingLocked(ctx, st.Market)
	var cost float64
	for _, outcome := range domain.Outcomes {
		if sizes[outcome] <= 0 {
			return errors.Errorf("order sizing produced zero size for %s leg", outcome)
		}
		cost += price * sizes[outcome]
	}

	lctx, cancel := context.WithTimeout(ctx, e.cfg.LedgerTimeout)
	bal, err := e.ledger.CollateralBalance(lctx)
	cancel()
	if err != nil {
		// A stale balance must not burn the market's single attempt
		// window; the exchange enforces the real constraint.
		e.log.Warnf("balance check before %s unavailable: %v", st.Market.Slug, err)
	} else if bal < cost {
		return errors.Wrapf(ErrInsufficientBalance, "need %.2f, have %.2f", cost, bal)
	}

	st.Placed = true
	if err := e.flushLocked(); err != nil {
		st.Placed = false
		return errors.Wrap(err, "flush before placement")
	}

	now := e.clock.Now().Unix()
	for _, outcome := range domain.Outcomes {
		size := sizes[outcome]
		rec := &domain.OrderRecord{
			OrderID:     "local-" + uuid.NewString(),
			MarketSlug:  st.Market.Slug,
			ConditionID: st.Market.ConditionID,
			TokenID:     st.Market.TokenID(outcome),
			Outcome:     outcome,
			Side:        domain.SideBuy,
			Price:       price,
			Size:        size,
			SizeUSD:     price * size,
			Status:      domain.OrderStatusPending,
			CreatedAt:   now,
		}
		st.Orders[rec.OrderID] = rec

		gctx, cancel := context.WithTimeout(ctx, e.cfg.GatewayTimeout)
		placed, err := e.gateway.PlaceOrder(gctx, PlaceOrderRequest{
			TokenID: rec.TokenID,
			Side:    domain.SideBuy,
			Price:   price,
			Size:    size,
		})
		cancel()

		if err != nil {
			rec.Status = domain.OrderStatusFailed
			rec.ErrorMessage = err.Error()
			e.log.Errorf("leg %s/%s failed: %v", st.Market.Slug, outcome, err)
			continue
		}

		delete(st.Orders, rec.OrderID)
		rec.OrderID = placed.OrderID
		rec.Status = placed.Status
		st.Orders[rec.OrderID] = rec
		e.log.Infof("placed %s/%s id=%s price=%v size=%v", st.Market.Slug, outcome, rec.OrderID, price, size)
	}

	e.verifyPlacementLocked(ctx, st)
	return e.flushLocked()
}

// verifyPlacementLocked cross-checks freshly placed legs against the open
// order book. A leg the exchange neither lists nor matched is dead; mark it
// FAILED instead of polling it forever.
func (e *Engine) verifyPlacementLocked(ctx context.Context, st *domain.MarketState) {
	gctx, cancel := context.WithTimeout(ctx, e.cfg.GatewayTimeout)
	open, err := e.gateway.ListOpenOrders(gctx, st.Market.ConditionID)
	cancel()
	if err != nil {
		e.log.Warnf("placement verification for %s skipped: %v", st.Market.Slug, err)
		return
	}

	onBook := make(map[string]bool, len(open))
	for _, v := range open {
		onBook[v.OrderID] = true
	}

	now := e.clock.Now().Unix()
	for id, rec := range st.Orders {
		if rec.Status != domain.OrderStatusPlaced || onBook[id] {
			continue
		}

		gctx, cancel := context.WithTimeout(ctx, e.cfg.GatewayTimeout)
		view, err := e.gateway.GetOrder(gctx, id)
		cancel()

		switch {
		case errors.Is(err, ErrOrderNotFound):
			rec.Status = domain.OrderStatusFailed
			rec.ErrorMessage = "order not on book after placement"
			e.log.Warnf("leg %s/%s vanished after placement", st.Market.Slug, rec.Outcome)
		case err != nil:
			e.log.Warnf("verify %s: %v", id, err)
		default:
			rec.ApplyStatus(view.Status, view.SizeMatched, now)
		}
	}
}

// gatewayCtx is a shorthand for passes that make many short calls.
func (e *Engine) gatewayCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.GatewayTimeout)
}
