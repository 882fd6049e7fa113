package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/betbot/pairbot/internal/domain"
)

// settlementRecord is the archive entry for merge transactions.
type settlementRecord struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	ConditionID string  `json:"condition_id"`
	MarketSlug  string  `json:"market_slug"`
	Size        float64 `json:"size"`
	TxHash      string  `json:"tx_hash"`
	CreatedAt   int64   `json:"created_at"`
}

// pollAndMergePass refreshes the status of every live order and merges
// complementary fills back into collateral.
func (e *Engine) pollAndMergePass(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, st := range e.marketsByStartLocked() {
		if st.Finalized {
			continue
		}
		e.refreshOrdersLocked(ctx, st)
		e.mergeLocked(ctx, st)
		e.maybeFinalizeLocked(st)
	}
}

// refreshOrdersLocked polls every non-terminal order of one market.
func (e *Engine) refreshOrdersLocked(ctx context.Context, st *domain.MarketState) {
	now := e.clock.Now().Unix()
	for id, rec := range st.Orders {
		if rec.IsTerminal() || !isExchangeID(id) {
			continue
		}

		gctx, cancel := e.gatewayCtx(ctx)
		view, err := e.gateway.GetOrder(gctx, id)
		cancel()

		switch {
		case errors.Is(err, ErrOrderNotFound):
			// The exchange forgot the order; without a fill report the
			// safe assumption is that it was cancelled.
			rec.ApplyStatus(domain.OrderStatusCancelled, rec.SizeMatched, now)
			e.log.Warnf("order %s unknown to exchange, marking cancelled", id)
		case err != nil:
			e.log.Warnf("status poll %s: %v", id, err)
		default:
			if rec.ApplyStatus(view.Status, view.SizeMatched, now) {
				e.log.Infof("order %s -> %s matched=%v", id, rec.Status, rec.SizeMatched)
			}
		}
	}
}

// mergeLocked turns matched YES+NO pairs back into collateral. At most one
// merge attempt per market per cooldown; MergedSize only grows when the
// transaction went out.
func (e *Engine) mergeLocked(ctx context.Context, st *domain.MarketState) {
	mergeable := st.MergeableSize()
	if mergeable <= domain.MergeEpsilon {
		return
	}

	now := e.clock.Now().Unix()
	if st.LastMergeAt > 0 && now-st.LastMergeAt < int64(e.cfg.MergeCooldown.Seconds()) {
		return
	}
	st.LastMergeAt = now

	lctx, cancel := context.WithTimeout(ctx, e.cfg.LedgerTimeout)
	txHash, err := e.ledger.MergePositions(lctx, st.Market.ConditionID, mergeable)
	cancel()
	if err != nil {
		e.log.Errorf("merge %s size=%v: %v", st.Market.Slug, mergeable, err)
		return
	}

	st.MergedSize += mergeable
	e.log.Infof("merged %v sets on %s tx=%s", mergeable, st.Market.Slug, txHash)

	if e.history != nil {
		rec := settlementRecord{
			ID:          fmt.Sprintf("MERGE-%s-%d", st.Market.ConditionID, now),
			Type:        "MERGE",
			ConditionID: st.Market.ConditionID,
			MarketSlug:  st.Market.Slug,
			Size:        mergeable,
			TxHash:      txHash,
			CreatedAt:   now,
		}
		if err := e.history.Append(rec.ID, rec); err != nil {
			e.log.Warnf("archive merge record: %v", err)
		}
	}
}

// maybeFinalizeLocked flips Finalized once nothing is left to do: every
// order terminal, no unmerged pairs, no one-sided exposure.
func (e *Engine) maybeFinalizeLocked(st *domain.MarketState) {
	if st.Finalized || !st.Placed {
		return
	}
	if !st.AllOrdersTerminal() {
		return
	}
	if st.MergeableSize() > domain.MergeEpsilon {
		return
	}
	if st.RemainingSize(domain.OutcomeYes) > domain.MergeEpsilon ||
		st.RemainingSize(domain.OutcomeNo) > domain.MergeEpsilon {
		return
	}
	st.Finalized = true
	e.log.Infof("market %s finalized", st.Market.Slug)
}

// isExchangeID filters out records whose placement never got an exchange
// acknowledgement.
func isExchangeID(id string) bool {
	return id != "" && !strings.HasPrefix(id, "local-")
}
