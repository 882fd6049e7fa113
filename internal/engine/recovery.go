package engine

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/betbot/pairbot/internal/domain"
	"github.com/betbot/pairbot/pkg/persistence"
)

// Recover rebuilds the engine's state after a restart: load the snapshot,
// reconcile every known order against the exchange, and adopt open orders
// the snapshot never heard of. Call before Run.
func (e *Engine) Recover(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.loadSnapshotLocked()
	e.pruneCorruptLocked()

	now := e.clock.Now().Unix()
	for _, st := range e.state.Markets {
		for id, rec := range st.Orders {
			if rec.IsTerminal() || !isExchangeID(id) {
				continue
			}
			gctx, cancel := e.gatewayCtx(ctx)
			view, err := e.gateway.GetOrder(gctx, id)
			cancel()

			switch {
			case errors.Is(err, ErrOrderNotFound):
				rec.ApplyStatus(domain.OrderStatusCancelled, rec.SizeMatched, now)
				e.log.Warnf("recovery: order %s gone from exchange, marking cancelled", id)
			case err != nil:
				e.log.Warnf("recovery: status poll %s: %v", id, err)
			default:
				rec.ApplyStatus(view.Status, view.SizeMatched, now)
			}
		}
	}

	e.importUnknownOpenOrdersLocked(ctx)

	if err := e.flushLocked(); err != nil {
		return errors.Wrap(err, "flush recovered state")
	}
	e.log.Infof("recovered %d markets", len(e.state.Markets))
	return nil
}

// loadSnapshotLocked restores the market map record by record. A document
// that no longer decodes costs only its own entry; reconciliation against
// the exchange recovers whatever the snapshot lost.
func (e *Engine) loadSnapshotLocked() {
	var raw struct {
		Markets map[string]json.RawMessage `persistence:"markets"`
	}
	if err := persistence.LoadFields(&raw, "engine", e.store); err != nil {
		e.log.Warnf("snapshot unreadable, starting from empty state: %v", err)
		return
	}

	if e.state.Markets == nil {
		e.state.Markets = make(map[string]*domain.MarketState, len(raw.Markets))
	}
	for cid, doc := range raw.Markets {
		st := &domain.MarketState{}
		if err := json.Unmarshal(doc, st); err != nil {
			e.log.Warnf("skipping unreadable snapshot record %q: %v", cid, err)
			continue
		}
		e.state.Markets[cid] = st
	}
}

// pruneCorruptLocked drops snapshot entries that did not survive the
// round-trip. One bad record must not discard the rest.
func (e *Engine) pruneCorruptLocked() {
	for cid, st := range e.state.Markets {
		if st == nil || st.Market == nil || st.Market.ConditionID == "" {
			e.log.Warnf("dropping corrupt snapshot entry %q", cid)
			delete(e.state.Markets, cid)
			continue
		}
		if st.Orders == nil {
			st.Orders = make(map[string]*domain.OrderRecord)
			continue
		}
		for id, rec := range st.Orders {
			if rec == nil || id == "" {
				e.log.Warnf("dropping corrupt order record %q on %s", id, st.Market.Slug)
				delete(st.Orders, id)
			}
		}
	}
}

// importUnknownOpenOrdersLocked adopts resting orders the snapshot does not
// track, synthesizing orphan stubs for markets it has never seen.
func (e *Engine) importUnknownOpenOrdersLocked(ctx context.Context) {
	gctx, cancel := e.gatewayCtx(ctx)
	open, err := e.gateway.ListOpenOrders(gctx, "")
	cancel()
	if err != nil {
		e.log.Warnf("recovery: listing open orders failed: %v", err)
		return
	}

	now := e.clock.Now().Unix()
	for _, v := range open {
		if e.knowsOrderLocked(v.OrderID) {
			continue
		}

		st, ok := e.state.Markets[v.ConditionID]
		if !ok {
			st = domain.NewMarketState(&domain.Market{
				Slug:        "orphan-" + v.ConditionID,
				ConditionID: v.ConditionID,
				YesTokenID:  v.TokenID,
			})
			st.Placed = true
			st.Orphaned = true
			e.state.Markets[v.ConditionID] = st
			e.log.Warnf("recovery: adopting unknown market %s", v.ConditionID)
		}

		outcome, known := st.Market.OutcomeForToken(v.TokenID)
		if !known {
			outcome = domain.OutcomeYes
		}
		st.Orders[v.OrderID] = &domain.OrderRecord{
			OrderID:     v.OrderID,
			MarketSlug:  st.Market.Slug,
			ConditionID: v.ConditionID,
			TokenID:     v.TokenID,
			Outcome:     outcome,
			Side:        v.Side,
			Price:       v.Price,
			Size:        v.OriginalSize,
			SizeUSD:     v.Price * v.OriginalSize,
			Status:      v.Status,
			SizeMatched: v.SizeMatched,
			CreatedAt:   now,
		}
		e.log.Warnf("recovery: imported unknown open order %s on %s", v.OrderID, v.ConditionID)
	}
}

func (e *Engine) knowsOrderLocked(orderID string) bool {
	for _, st := range e.state.Markets {
		if _, ok := st.Orders[orderID]; ok {
			return true
		}
	}
	return false
}
