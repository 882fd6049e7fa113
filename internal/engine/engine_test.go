package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/pairbot/internal/domain"
	"github.com/betbot/pairbot/pkg/persistence"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

type fakeCatalog struct {
	markets []*domain.Market
	err     error
}

func (f *fakeCatalog) DiscoverMarkets(context.Context) ([]*domain.Market, error) {
	return f.markets, f.err
}

type fakeGateway struct {
	orders map[string]*OrderStatusView
	seq    int
	book   BookTop

	placeErr  error
	placed    []PlaceOrderRequest
	cancelled []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		orders: make(map[string]*OrderStatusView),
		book:   BookTop{Bid: 0.45, Ask: 0.55},
	}
}

func (g *fakeGateway) PlaceOrder(_ context.Context, req PlaceOrderRequest) (*PlacedOrder, error) {
	g.placed = append(g.placed, req)
	if g.placeErr != nil {
		return nil, g.placeErr
	}
	g.seq++
	id := fmt.Sprintf("ex-%d", g.seq)
	g.orders[id] = &OrderStatusView{
		OrderID:      id,
		TokenID:      req.TokenID,
		Side:         req.Side,
		Price:        req.Price,
		OriginalSize: req.Size,
		Status:       domain.OrderStatusPlaced,
	}
	return &PlacedOrder{OrderID: id, Status: domain.OrderStatusPlaced}, nil
}

func (g *fakeGateway) CancelOrder(_ context.Context, orderID string) error {
	g.cancelled = append(g.cancelled, orderID)
	if v, ok := g.orders[orderID]; ok && !v.Status.IsTerminal() {
		v.Status = domain.OrderStatusCancelled
	}
	return nil
}

func (g *fakeGateway) GetOrder(_ context.Context, orderID string) (*OrderStatusView, error) {
	v, ok := g.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *v
	return &cp, nil
}

func (g *fakeGateway) ListOpenOrders(_ context.Context, conditionID string) ([]*OrderStatusView, error) {
	var out []*OrderStatusView
	for _, v := range g.orders {
		if v.Status.IsTerminal() {
			continue
		}
		if conditionID != "" && v.ConditionID != "" && v.ConditionID != conditionID {
			continue
		}
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}

func (g *fakeGateway) BookTop(context.Context, string) (*BookTop, error) {
	cp := g.book
	return &cp, nil
}

// fill marks an order (partially) matched, as a user WS or poll would report.
func (g *fakeGateway) fill(orderID string, matched float64) {
	v := g.orders[orderID]
	v.SizeMatched = matched
	if matched >= v.OriginalSize {
		v.Status = domain.OrderStatusFilled
	} else {
		v.Status = domain.OrderStatusPartiallyFilled
	}
}

type fakeLedger struct {
	balance  float64
	mergeErr error
	merges   []float64
	redeems  []string
}

func (l *fakeLedger) MergePositions(_ context.Context, _ string, size float64) (string, error) {
	if l.mergeErr != nil {
		return "", l.mergeErr
	}
	l.merges = append(l.merges, size)
	return fmt.Sprintf("0xtx%d", len(l.merges)), nil
}

func (l *fakeLedger) RedeemPositions(_ context.Context, conditionID string) (string, error) {
	l.redeems = append(l.redeems, conditionID)
	return "0xredeem", nil
}

func (l *fakeLedger) CollateralBalance(context.Context) (float64, error) {
	return l.balance, nil
}

// ---

func testConfig() Config {
	return Config{
		TickInterval:   time.Minute,
		BandMin:        10 * time.Minute,
		BandMax:        20 * time.Minute,
		MergeCooldown:  30 * time.Second,
		SellLead:       time.Minute,
		PostEndGrace:   5 * time.Minute,
		EvictionAge:    24 * time.Hour,
		MaxStartAhead:  24 * time.Hour,
		OrderPrice:     0.49,
		OrderSize:      10,
		MinSellPrice:   0.10,
		SellDiscount:   0.02,
		CatalogTimeout: time.Second,
		GatewayTimeout: time.Second,
		LedgerTimeout:  time.Second,
	}
}

func cycleMarket(start time.Time) *domain.Market {
	ts := start.Unix()
	return &domain.Market{
		Slug:        fmt.Sprintf("btc-updown-15m-%d", ts),
		ConditionID: fmt.Sprintf("0xcond%d", ts),
		Question:    "Will BTC go up?",
		YesTokenID:  fmt.Sprintf("yes%d", ts),
		NoTokenID:   fmt.Sprintf("no%d", ts),
		StartTS:     ts,
		EndTS:       ts + 900,
	}
}

type fixture struct {
	eng     *Engine
	clock   *fakeClock
	catalog *fakeCatalog
	gateway *fakeGateway
	ledger  *fakeLedger
	store   persistence.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	catalog := &fakeCatalog{}
	gateway := newFakeGateway()
	ledger := &fakeLedger{balance: 1000}
	store := persistence.NewJSONFileService(t.TempDir())

	eng := New(testConfig(), catalog, gateway, ledger, store, WithClock(clock))
	return &fixture{
		eng:     eng,
		clock:   clock,
		catalog: catalog,
		gateway: gateway,
		ledger:  ledger,
		store:   store,
	}
}

func (f *fixture) state(cid string) *domain.MarketState {
	f.eng.mu.Lock()
	defer f.eng.mu.Unlock()
	return f.eng.state.Markets[cid]
}

func TestPlacement_InsideBand(t *testing.T) {
	f := newFixture(t)
	m := cycleMarket(f.clock.now.Add(15 * time.Minute))
	f.catalog.markets = []*domain.Market{m}

	f.eng.RunOnce(context.Background())

	require.Len(t, f.gateway.placed, 2, "expected one BUY per outcome")
	assert.Equal(t, domain.SideBuy, f.gateway.placed[0].Side)
	assert.Equal(t, 0.49, f.gateway.placed[0].Price)
	assert.Equal(t, 10.0, f.gateway.placed[0].Size)

	st := f.state(m.ConditionID)
	require.NotNil(t, st)
	assert.True(t, st.Placed)
	assert.Len(t, st.Orders, 2)
	for id := range st.Orders {
		assert.True(t, isExchangeID(id))
	}
}

func TestPlacement_OutsideBandWaits(t *testing.T) {
	f := newFixture(t)
	m := cycleMarket(f.clock.now.Add(30 * time.Minute))
	f.catalog.markets = []*domain.Market{m}

	f.eng.RunOnce(context.Background())

	// 30 minutes out is beyond the window, but with nothing else to do the
	// idle fallback still takes it.
	st := f.state(m.ConditionID)
	require.NotNil(t, st)
	assert.True(t, st.Placed, "idle fallback should place ahead of the window")
}

func TestPlacement_BandRespectedWhenBusy(t *testing.T) {
	f := newFixture(t)
	near := cycleMarket(f.clock.now.Add(15 * time.Minute))
	far := cycleMarket(f.clock.now.Add(40 * time.Minute))
	f.catalog.markets = []*domain.Market{near, far}

	f.eng.RunOnce(context.Background())

	assert.True(t, f.state(near.ConditionID).Placed)
	assert.False(t, f.state(far.ConditionID).Placed, "far market must wait for its window")
}

func TestPlacement_AtMostOnce(t *testing.T) {
	f := newFixture(t)
	m := cycleMarket(f.clock.now.Add(15 * time.Minute))
	f.catalog.markets = []*domain.Market{m}

	f.eng.RunOnce(context.Background())
	require.Len(t, f.gateway.placed, 2)

	f.clock.advance(time.Minute)
	f.eng.RunOnce(context.Background())
	assert.Len(t, f.gateway.placed, 2, "second tick must not re-place")
}

func TestPlacement_AtMostOnceAcrossRestart(t *testing.T) {
	f := newFixture(t)
	m := cycleMarket(f.clock.now.Add(15 * time.Minute))
	f.catalog.markets = []*domain.Market{m}

	f.eng.RunOnce(context.Background())
	require.Len(t, f.gateway.placed, 2)

	// Same store, fresh engine: the crash-restart case.
	eng2 := New(testConfig(), f.catalog, f.gateway, f.ledger, f.store, WithClock(f.clock))
	require.NoError(t, eng2.Recover(context.Background()))
	eng2.RunOnce(context.Background())

	assert.Len(t, f.gateway.placed, 2, "restart must not double-order")
}

func TestPlacement_CrashAfterFlagLeavesMarketUnordered(t *testing.T) {
	f := newFixture(t)
	m := cycleMarket(f.clock.now.Add(15 * time.Minute))
	f.catalog.markets = []*domain.Market{m}
	f.gateway.placeErr = fmt.Errorf("gateway exploded")

	f.eng.RunOnce(context.Background())

	st := f.state(m.ConditionID)
	require.NotNil(t, st)
	assert.True(t, st.Placed, "flag must be set even though placement failed")
	for _, rec := range st.Orders {
		assert.Equal(t, domain.OrderStatusFailed, rec.Status)
	}

	// The attempt is burned: clearing the error must not trigger a retry.
	f.gateway.placeErr = nil
	f.clock.advance(time.Minute)
	f.eng.RunOnce(context.Background())
	st = f.state(m.ConditionID)
	openCount := 0
	for _, rec := range st.Orders {
		if rec.IsOpen() {
			openCount++
		}
	}
	assert.Zero(t, openCount)
}

func TestPlacement_InsufficientBalanceRetries(t *testing.T) {
	f := newFixture(t)
	f.ledger.balance = 1 // cost is 0.49*10*2 = 9.8
	m := cycleMarket(f.clock.now.Add(15 * time.Minute))
	f.catalog.markets = []*domain.Market{m}

	f.eng.RunOnce(context.Background())

	st := f.state(m.ConditionID)
	require.NotNil(t, st)
	assert.False(t, st.Placed, "balance rejection must not burn the attempt")
	assert.Empty(t, f.gateway.placed)

	// Funds arrive while the window is still open.
	f.ledger.balance = 1000
	f.clock.advance(time.Minute)
	f.eng.RunOnce(context.Background())
	assert.True(t, f.state(m.ConditionID).Placed)
	assert.Len(t, f.gateway.placed, 2)
}

func TestPlacement_ElapsedBandSkippedForever(t *testing.T) {
	f := newFixture(t)
	// Discovered only now, 5 minutes before start: the window is gone.
	m := cycleMarket(f.clock.now.Add(5 * time.Minute))
	f.catalog.markets = []*domain.Market{m}

	f.eng.RunOnce(context.Background())

	st := f.state(m.ConditionID)
	require.NotNil(t, st)
	assert.False(t, st.Placed, "market past its window must stay unordered")
	assert.Empty(t, f.gateway.placed)
}

func TestPlacement_BudgetModeSizesFromMid(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig()
	cfg.OrderSize = 0
	cfg.BudgetUSD = 10
	eng := New(cfg, f.catalog, f.gateway, f.ledger, f.store, WithClock(f.clock))

	m := cycleMarket(f.clock.now.Add(15 * time.Minute))
	f.catalog.markets = []*domain.Market{m}

	eng.RunOnce(context.Background())

	// Book is 0.45/0.55: half the budget per leg at the 0.50 mid.
	require.Len(t, f.gateway.placed, 2)
	for _, req := range f.gateway.placed {
		assert.Equal(t, 0.49, req.Price)
		assert.InDelta(t, 10.0, req.Size, 1e-9)
	}
}

func TestPlacement_BudgetModeFallsBackWithoutBook(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig()
	cfg.OrderSize = 0
	cfg.BudgetUSD = 10
	eng := New(cfg, f.catalog, f.gateway, f.ledger, f.store, WithClock(f.clock))

	f.gateway.book = BookTop{} // no quotes on either side
	m := cycleMarket(f.clock.now.Add(15 * time.Minute))
	f.catalog.markets = []*domain.Market{m}

	eng.RunOnce(context.Background())

	require.Len(t, f.gateway.placed, 2)
	// 5 USD per leg at the configured 0.49, rounded down to two decimals.
	assert.InDelta(t, 10.20, f.gateway.placed[0].Size, 1e-9)
}

func TestDiscovery_SkipsResolvedMarkets(t *testing.T) {
	f := newFixture(t)
	m := cycleMarket(f.clock.now.Add(15 * time.Minute))
	m.Resolved = true
	f.catalog.markets = []*domain.Market{m}

	f.eng.RunOnce(context.Background())

	assert.Nil(t, f.state(m.ConditionID), "resolved markets are not tracked")
	assert.Empty(t, f.gateway.placed)
}

func TestMerge_PairedFillsReturnToCollateral(t *testing.T) {
	f := newFixture(t)
	m := cycleMarket(f.clock.now.Add(15 * time.Minute))
	f.catalog.markets = []*domain.Market{m}

	f.eng.RunOnce(context.Background())
	f.gateway.fill("ex-1", 10)
	f.gateway.fill("ex-2", 10)

	f.clock.advance(time.Minute)
	f.eng.RunOnce(context.Background())

	require.Len(t, f.ledger.merges, 1)
	assert.Equal(t, 10.0, f.ledger.merges[0])

	st := f.state(m.ConditionID)
	assert.Equal(t, 10.0, st.MergedSize)
	assert.True(t, st.Finalized, "fully filled and merged market should finalize")

	// Nothing left to merge on later ticks.
	f.clock.advance(time.Minute)
	f.eng.RunOnce(context.Background())
	assert.Len(t, f.ledger.merges, 1)
}

func TestMerge_CooldownThrottlesRetries(t *testing.T) {
	f := newFixture(t)
	m := cycleMarket(f.clock.now.Add(15 * time.Minute))
	f.catalog.markets = []*domain.Market{m}

	f.eng.RunOnce(context.Background())
	f.gateway.fill("ex-1", 6)
	f.gateway.fill("ex-2", 4)

	f.ledger.mergeErr = fmt.Errorf("rpc down")
	f.clock.advance(time.Minute)
	f.eng.RunOnce(context.Background())
	assert.Empty(t, f.ledger.merges)
	assert.Zero(t, f.state(m.ConditionID).MergedSize, "failed merge must not count")

	// Inside the cooldown nothing happens even though the RPC recovered.
	f.ledger.mergeErr = nil
	f.clock.advance(10 * time.Second)
	f.eng.RunOnce(context.Background())
	assert.Empty(t, f.ledger.merges)

	f.clock.advance(time.Minute)
	f.eng.RunOnce(context.Background())
	require.Len(t, f.ledger.merges, 1)
	assert.Equal(t, 4.0, f.ledger.merges[0], "mergeable is min(yes, no)")
	assert.Equal(t, 4.0, f.state(m.ConditionID).MergedSize)
}

func TestLiquidation_SellsRemainderBeforeClose(t *testing.T) {
	f := newFixture(t)
	m := cycleMarket(f.clock.now.Add(15 * time.Minute))
	f.catalog.markets = []*domain.Market{m}

	f.eng.RunOnce(context.Background())
	// One-sided fill that never finds its pair.
	f.gateway.fill("ex-1", 10)

	// Jump to the liquidation point.
	f.clock.now = time.Unix(m.EndTS, 0).Add(-30 * time.Second)
	f.eng.RunOnce(context.Background())

	st := f.state(m.ConditionID)
	require.NotNil(t, st)
	assert.True(t, st.Finalized)
	assert.NotEmpty(t, f.gateway.cancelled, "unfilled leg should be cancelled")

	var sell *PlaceOrderRequest
	for i := range f.gateway.placed {
		if f.gateway.placed[i].Side == domain.SideSell {
			sell = &f.gateway.placed[i]
		}
	}
	require.NotNil(t, sell, "remainder should be sold")
	assert.Equal(t, 10.0, sell.Size)
	// bid 0.45 minus 0.02 discount, above the 0.10 floor.
	assert.InDelta(t, 0.43, sell.Price, 1e-9)
}

func TestLiquidation_FloorPrice(t *testing.T) {
	f := newFixture(t)
	m := cycleMarket(f.clock.now.Add(15 * time.Minute))
	f.catalog.markets = []*domain.Market{m}

	f.eng.RunOnce(context.Background())
	f.gateway.fill("ex-2", 5)

	// Thin book: best bid below the floor.
	f.gateway.book = BookTop{Bid: 0.05}

	f.clock.now = time.Unix(m.EndTS, 0).Add(-30 * time.Second)
	f.eng.RunOnce(context.Background())

	var sell *PlaceOrderRequest
	for i := range f.gateway.placed {
		if f.gateway.placed[i].Side == domain.SideSell {
			sell = &f.gateway.placed[i]
		}
	}
	require.NotNil(t, sell)
	assert.Equal(t, 0.10, sell.Price, "sell price clamps to the floor")
}

func TestForceCancel_PastGracePeriod(t *testing.T) {
	f := newFixture(t)
	m := cycleMarket(f.clock.now.Add(15 * time.Minute))
	f.catalog.markets = []*domain.Market{m}

	f.eng.RunOnce(context.Background())
	require.Len(t, f.gateway.placed, 2)

	st := f.state(m.ConditionID)
	st.Finalized = true // pretend liquidation was skipped somehow

	f.clock.now = time.Unix(m.EndTS, 0).Add(6 * time.Minute)
	f.catalog.markets = nil
	f.eng.RunOnce(context.Background())

	assert.NotEmpty(t, f.gateway.cancelled, "resting orders past grace must be cancelled")
}

func TestDiscovery_VanishedMarketBecomesOrphan(t *testing.T) {
	f := newFixture(t)
	m := cycleMarket(f.clock.now.Add(15 * time.Minute))
	f.catalog.markets = []*domain.Market{m}

	f.eng.RunOnce(context.Background())
	require.True(t, f.state(m.ConditionID).Placed)

	f.catalog.markets = nil
	f.clock.advance(time.Minute)
	f.eng.RunOnce(context.Background())

	st := f.state(m.ConditionID)
	require.NotNil(t, st)
	assert.True(t, st.Orphaned)

	// Orphans are dropped once every order is terminal and nothing is
	// mergeable.
	for id := range f.gateway.orders {
		f.gateway.orders[id].Status = domain.OrderStatusCancelled
	}
	f.clock.advance(time.Minute)
	f.eng.RunOnce(context.Background())
	assert.Nil(t, f.state(m.ConditionID), "settled orphan should be evicted")
}

func TestOrphan_MergesFillsAndRetires(t *testing.T) {
	f := newFixture(t)
	m := cycleMarket(f.clock.now.Add(15 * time.Minute))
	f.catalog.markets = []*domain.Market{m}

	f.eng.RunOnce(context.Background())
	require.Len(t, f.gateway.placed, 2)
	f.gateway.fill("ex-1", 10)
	f.gateway.fill("ex-2", 10)

	// The market drops off the catalog before the fills are merged.
	f.catalog.markets = nil
	st := f.state(m.ConditionID)
	f.clock.advance(time.Minute)
	f.eng.RunOnce(context.Background())

	require.Len(t, f.ledger.merges, 1, "orphaned fills still merge")
	assert.Equal(t, 10.0, f.ledger.merges[0])
	assert.True(t, st.Orphaned)
	assert.True(t, st.Finalized)
	assert.Nil(t, f.state(m.ConditionID), "settled orphan should be evicted")

	f.clock.advance(time.Minute)
	f.eng.RunOnce(context.Background())
	assert.Len(t, f.ledger.merges, 1, "nothing left to merge")
}

func TestHousekeeping_EvictsStaleMarkets(t *testing.T) {
	f := newFixture(t)
	m := cycleMarket(f.clock.now.Add(15 * time.Minute))
	f.catalog.markets = []*domain.Market{m}

	f.eng.RunOnce(context.Background())
	require.NotNil(t, f.state(m.ConditionID))

	f.catalog.markets = nil
	f.clock.now = time.Unix(m.EndTS, 0).Add(25 * time.Hour)
	f.eng.RunOnce(context.Background())

	assert.Nil(t, f.state(m.ConditionID))
}

func TestRecover_ReconcilesAgainstExchange(t *testing.T) {
	f := newFixture(t)
	m := cycleMarket(f.clock.now.Add(15 * time.Minute))
	f.catalog.markets = []*domain.Market{m}
	f.eng.RunOnce(context.Background())

	// Exchange state moved while the bot was down.
	f.gateway.fill("ex-1", 10)
	delete(f.gateway.orders, "ex-2")

	eng2 := New(testConfig(), f.catalog, f.gateway, f.ledger, f.store, WithClock(f.clock))
	require.NoError(t, eng2.Recover(context.Background()))

	eng2.mu.Lock()
	st := eng2.state.Markets[m.ConditionID]
	eng2.mu.Unlock()
	require.NotNil(t, st)
	assert.Equal(t, domain.OrderStatusFilled, st.Orders["ex-1"].Status)
	assert.Equal(t, domain.OrderStatusCancelled, st.Orders["ex-2"].Status,
		"order unknown to the exchange is closed out as cancelled")
}

func TestRecover_SkipsUnreadableSnapshotRecords(t *testing.T) {
	f := newFixture(t)
	good := cycleMarket(f.clock.now.Add(15 * time.Minute))
	goodState := domain.NewMarketState(good)
	goodState.Placed = true
	goodDoc, err := json.Marshal(goodState)
	require.NoError(t, err)

	raw := map[string]json.RawMessage{
		good.ConditionID: goodDoc,
		"0xbroken":       json.RawMessage(`{"market":{"condition_id":"0xbroken"},"orders":42}`),
	}
	require.NoError(t, f.store.NewStore("state", "engine", "markets").Save(raw))

	require.NoError(t, f.eng.Recover(context.Background()))

	st := f.state(good.ConditionID)
	require.NotNil(t, st, "healthy record must survive a bad neighbour")
	assert.True(t, st.Placed)
	assert.Nil(t, f.state("0xbroken"), "unreadable record is skipped")
}

func TestRecover_ImportsUnknownOpenOrders(t *testing.T) {
	f := newFixture(t)
	// An order resting on the exchange that no snapshot ever recorded.
	f.gateway.orders["ex-99"] = &OrderStatusView{
		OrderID:      "ex-99",
		ConditionID:  "0xmystery",
		TokenID:      "tok",
		Side:         domain.SideBuy,
		Price:        0.5,
		OriginalSize: 10,
		Status:       domain.OrderStatusPlaced,
	}

	require.NoError(t, f.eng.Recover(context.Background()))

	st := f.state("0xmystery")
	require.NotNil(t, st, "unknown market should get an orphan stub")
	assert.True(t, st.Orphaned)
	assert.True(t, st.Placed)
	require.Contains(t, st.Orders, "ex-99")
}

func TestStatusSnapshot(t *testing.T) {
	f := newFixture(t)
	m := cycleMarket(f.clock.now.Add(15 * time.Minute))
	f.catalog.markets = []*domain.Market{m}
	f.eng.RunOnce(context.Background())

	status := f.eng.Status()
	assert.Equal(t, 1, status.TrackedMarkets)
	assert.Equal(t, 2, status.OpenOrders)
	assert.Equal(t, 1000.0, status.Balance)

	markets := f.eng.Markets()
	require.Len(t, markets, 1)
	markets[0].Placed = false
	assert.True(t, f.state(m.ConditionID).Placed, "snapshot must be a copy")
}
