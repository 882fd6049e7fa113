package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/betbot/pairbot/internal/domain"
)

// liquidationPass unwinds markets that are about to expire and force-cancels
// anything still resting after expiry.
func (e *Engine) liquidationPass(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now().Unix()
	for _, st := range e.marketsByStartLocked() {
		end := st.Market.EndTS
		if end == 0 {
			continue
		}

		if st.Placed && !st.Finalized && now >= end-int64(e.cfg.SellLead.Seconds()) {
			e.liquidateLocked(ctx, st)
			// Liquidation is the last trading action a market gets,
			// whether or not every sell went through.
			st.Finalized = true
			e.log.Infof("market %s finalized after liquidation", st.Market.Slug)
		}

		if now >= end+int64(e.cfg.PostEndGrace.Seconds()) {
			e.forceCancelLocked(ctx, st)
		}
	}
}

// liquidateLocked cancels resting legs and sells the one-sided exposure at
// the bid before the market closes.
func (e *Engine) liquidateLocked(ctx context.Context, st *domain.MarketState) {
	e.cancelOpenOrdersLocked(ctx, st)

	// Both books in one round trip.
	tops := e.fetchBookTops(ctx, st.Market)

	now := e.clock.Now().Unix()
	for _, outcome := range domain.Outcomes {
		remaining := st.RemainingSize(outcome)
		if remaining <= domain.MergeEpsilon {
			continue
		}

		price := e.cfg.MinSellPrice
		if top := tops[outcome]; top != nil && top.Bid > 0 {
			price = top.Bid - e.cfg.SellDiscount
			if price < e.cfg.MinSellPrice {
				price = e.cfg.MinSellPrice
			}
		}

		rec := &domain.OrderRecord{
			OrderID:     "local-" + uuid.NewString(),
			MarketSlug:  st.Market.Slug,
			ConditionID: st.Market.ConditionID,
			TokenID:     st.Market.TokenID(outcome),
			Outcome:     outcome,
			Side:        domain.SideSell,
			Price:       price,
			Size:        remaining,
			SizeUSD:     price * remaining,
			Status:      domain.OrderStatusPending,
			CreatedAt:   now,
		}
		st.Orders[rec.OrderID] = rec

		gctx, cancel := e.gatewayCtx(ctx)
		placed, err := e.gateway.PlaceOrder(gctx, PlaceOrderRequest{
			TokenID: rec.TokenID,
			Side:    domain.SideSell,
			Price:   price,
			Size:    remaining,
		})
		cancel()

		if err != nil {
			rec.Status = domain.OrderStatusFailed
			rec.ErrorMessage = err.Error()
			e.log.Errorf("liquidation sell %s/%s: %v", st.Market.Slug, outcome, err)
			continue
		}

		delete(st.Orders, rec.OrderID)
		rec.OrderID = placed.OrderID
		rec.Status = placed.Status
		st.Orders[rec.OrderID] = rec
		e.log.Infof("liquidating %s/%s size=%v at %v id=%s", st.Market.Slug, outcome, remaining, price, rec.OrderID)
	}
}

// fetchBookTops loads the top of book for both outcomes concurrently.
// Missing books are tolerated; the caller falls back to the floor price.
func (e *Engine) fetchBookTops(ctx context.Context, m *domain.Market) map[domain.Outcome]*BookTop {
	tops := make(map[domain.Outcome]*BookTop, 2)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, outcome := range domain.Outcomes {
		outcome := outcome
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, e.cfg.GatewayTimeout)
			defer cancel()
			top, err := e.gateway.BookTop(cctx, m.TokenID(outcome))
			if err != nil {
				e.log.Warnf("book top %s/%s: %v", m.Slug, outcome, err)
				return nil
			}
			mu.Lock()
			tops[outcome] = top
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return tops
}

// cancelOpenOrdersLocked pulls every resting order of one market off the
// book. Cancel is idempotent on the exchange side, so errors only log.
func (e *Engine) cancelOpenOrdersLocked(ctx context.Context, st *domain.MarketState) {
	now := e.clock.Now().Unix()
	for id, rec := range st.Orders {
		if !rec.IsOpen() || !isExchangeID(id) {
			continue
		}

		gctx, cancel := e.gatewayCtx(ctx)
		err := e.gateway.CancelOrder(gctx, id)
		cancel()
		if err != nil {
			e.log.Warnf("cancel %s: %v", id, err)
			continue
		}

		// Pick up any fills that landed before the cancel took effect.
		gctx, cancel = e.gatewayCtx(ctx)
		view, verr := e.gateway.GetOrder(gctx, id)
		cancel()
		if verr == nil {
			rec.ApplyStatus(view.Status, view.SizeMatched, now)
		}
		if !rec.IsTerminal() {
			rec.ApplyStatus(domain.OrderStatusCancelled, rec.SizeMatched, now)
		}
	}
}

// forceCancelLocked is the post-expiry cleanup: whatever the flags say, no
// order may rest on a market that is over.
func (e *Engine) forceCancelLocked(ctx context.Context, st *domain.MarketState) {
	if !st.HasOpenOrders() {
		return
	}
	e.log.Warnf("market %s past grace period with resting orders, force cancelling", st.Market.Slug)
	e.cancelOpenOrdersLocked(ctx, st)
}
