package engine

import (
	"context"

	"github.com/pkg/errors"

	"github.com/betbot/pairbot/internal/domain"
)

// idleFallbackPass keeps capital working: when no tracked market has live
// orders or unresolved fills, the nearest upcoming market gets its pair
// early, without waiting for the placement window.
func (e *Engine) idleFallbackPass(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.hasOtherActiveWorkLocked("") {
		return
	}

	now := e.clock.Now().Unix()
	var next *domain.MarketState
	for _, st := range e.marketsByStartLocked() {
		if st.Placed || st.Finalized || st.Orphaned {
			continue
		}
		// Markets whose window already elapsed stay unordered forever;
		// the fallback only reaches ahead of the window, never behind it.
		if st.Market.StartTS-now < int64(e.cfg.BandMin.Seconds()) {
			continue
		}
		next = st
		break
	}
	if next == nil {
		return
	}

	e.log.Infof("idle, placing ahead of window on %s", next.Market.Slug)
	if err := e.placePairLocked(ctx, next); err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			e.log.Warnf("idle placement on %s deferred: %v", next.Market.Slug, err)
		} else {
			e.log.Errorf("idle placement on %s: %v", next.Market.Slug, err)
		}
	}
}

// housekeepingPass retires finished markets: stale ones are archived and
// evicted, orphans are dropped once nothing about them is live.
func (e *Engine) housekeepingPass(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now().Unix()
	for cid, st := range e.state.Markets {
		evictable := st.Market.EndTS > 0 &&
			now >= st.Market.EndTS+int64(e.cfg.EvictionAge.Seconds())

		orphanDone := st.Orphaned &&
			st.AllOrdersTerminal() &&
			st.MergeableSize() <= domain.MergeEpsilon

		if !evictable && !orphanDone {
			continue
		}

		e.settleOrderStatusesLocked(ctx, st)
		e.archiveMarketLocked(st)
		delete(e.state.Markets, cid)
		e.log.Infof("evicted market %s (orphan=%v)", st.Market.Slug, st.Orphaned)
	}
}

// settleOrderStatusesLocked gives every non-terminal order one last poll
// before archiving; whatever stays unknown is closed out as cancelled.
func (e *Engine) settleOrderStatusesLocked(ctx context.Context, st *domain.MarketState) {
	now := e.clock.Now().Unix()
	for id, rec := range st.Orders {
		if rec.IsTerminal() {
			continue
		}
		if isExchangeID(id) {
			gctx, cancel := e.gatewayCtx(ctx)
			view, err := e.gateway.GetOrder(gctx, id)
			cancel()
			if err == nil {
				rec.ApplyStatus(view.Status, view.SizeMatched, now)
			}
		}
		if !rec.IsTerminal() {
			rec.ApplyStatus(domain.OrderStatusCancelled, rec.SizeMatched, now)
		}
	}
}

// archiveMarketLocked pushes the market's final order records into the
// history store.
func (e *Engine) archiveMarketLocked(st *domain.MarketState) {
	if e.history == nil {
		return
	}
	for id, rec := range st.Orders {
		if err := e.history.Append(id, rec); err != nil {
			e.log.Warnf("archive order %s: %v", id, err)
		}
	}
}
