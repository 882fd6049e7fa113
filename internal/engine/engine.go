package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/pairbot/internal/domain"
	appconfig "github.com/betbot/pairbot/pkg/config"
	"github.com/betbot/pairbot/pkg/persistence"
)

// Redeemer claims resolved winnings. Implementations throttle themselves,
// so the engine calls Sweep on every tick.
type Redeemer interface {
	Sweep(ctx context.Context) error
}

// Config carries the lifecycle timings and sizing the engine runs with.
type Config struct {
	TickInterval time.Duration

	BandMin time.Duration // earliest placement: start - BandMax
	BandMax time.Duration // latest placement: start - BandMin

	MergeCooldown time.Duration
	SellLead      time.Duration
	PostEndGrace  time.Duration
	EvictionAge   time.Duration
	MaxStartAhead time.Duration

	OrderPrice   float64
	OrderSize    float64
	BudgetUSD    float64
	MinSellPrice float64
	SellDiscount float64

	CatalogTimeout time.Duration
	GatewayTimeout time.Duration
	LedgerTimeout  time.Duration
}

// ConfigFromApp converts the application config's scalar fields into the
// engine's durations.
func ConfigFromApp(cfg *appconfig.Config) Config {
	ec := cfg.Engine
	return Config{
		TickInterval:   time.Duration(ec.TickIntervalSeconds) * time.Second,
		BandMin:        time.Duration(ec.PlacementBandMinMinutes) * time.Minute,
		BandMax:        time.Duration(ec.PlacementBandMaxMinutes) * time.Minute,
		MergeCooldown:  time.Duration(ec.MergeCooldownSeconds) * time.Second,
		SellLead:       time.Duration(ec.SellLeadSeconds) * time.Second,
		PostEndGrace:   time.Duration(ec.PostEndGraceSeconds) * time.Second,
		EvictionAge:    time.Duration(ec.EvictionAgeHours) * time.Hour,
		MaxStartAhead:  time.Duration(ec.MaxStartAheadHours) * time.Hour,
		OrderPrice:     ec.OrderPrice,
		OrderSize:      ec.OrderSize,
		BudgetUSD:      ec.BudgetUSD,
		MinSellPrice:   ec.MinSellPrice,
		SellDiscount:   ec.MarketSellDiscount,
		CatalogTimeout: time.Duration(ec.CatalogTimeoutSeconds) * time.Second,
		GatewayTimeout: time.Duration(ec.GatewayTimeoutSeconds) * time.Second,
		LedgerTimeout:  time.Duration(ec.LedgerTimeoutSeconds) * time.Second,
	}
}

// persistentState is the durable snapshot: the whole market map in one
// document.
type persistentState struct {
	Markets map[string]*domain.MarketState `persistence:"markets" json:"markets"`
}

// Engine drives the order lifecycle for all tracked markets. One tick runs
// the full pipeline; per-market failures are isolated so a bad market never
// stalls the rest.
type Engine struct {
	cfg      Config
	catalog  Catalog
	gateway  Gateway
	ledger   Ledger
	redeemer Redeemer
	store    persistence.Service
	history  *persistence.HistoryStore
	clock    Clock
	log      *logrus.Entry

	mu       sync.Mutex
	state    persistentState
	running  bool
	lastTick time.Time
	balance  float64
}

// Option tweaks engine construction.
type Option func(*Engine)

// WithClock replaces the wall clock (tests).
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithRedeemer attaches a redemption sweeper.
func WithRedeemer(r Redeemer) Option {
	return func(e *Engine) { e.redeemer = r }
}

// WithHistory attaches the archive for finished records.
func WithHistory(h *persistence.HistoryStore) Option {
	return func(e *Engine) { e.history = h }
}

func New(cfg Config, catalog Catalog, gateway Gateway, ledger Ledger, store persistence.Service, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		catalog: catalog,
		gateway: gateway,
		ledger:  ledger,
		store:   store,
		clock:   RealClock,
		log:     logrus.WithField("component", "engine"),
		state: persistentState{
			Markets: make(map[string]*domain.MarketState),
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes ticks until the context is cancelled. The first tick runs
// immediately.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		e.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce executes one full pipeline pass. Every stage failure is logged
// and the pass continues; the snapshot is flushed at the end regardless.
func (e *Engine) RunOnce(ctx context.Context) {
	now := e.clock.Now()
	e.mu.Lock()
	e.lastTick = now
	e.mu.Unlock()

	if e.redeemer != nil {
		if err := e.redeemer.Sweep(ctx); err != nil {
			e.log.Errorf("redemption sweep: %v", err)
		}
	}

	if err := e.discoverPass(ctx); err != nil {
		e.log.Errorf("discovery: %v", err)
	}
	e.placementPass(ctx)
	e.pollAndMergePass(ctx)
	e.liquidationPass(ctx)
	e.idleFallbackPass(ctx)
	e.housekeepingPass(ctx)

	e.mu.Lock()
	if err := e.flushLocked(); err != nil {
		e.log.Errorf("snapshot flush: %v", err)
	}
	e.mu.Unlock()

	e.refreshBalance(ctx)
}

// discoverPass pulls the catalog, tracks newly relevant markets, refreshes
// metadata for known ones and flags tracked markets that vanished.
func (e *Engine) discoverPass(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CatalogTimeout)
	defer cancel()

	markets, err := e.catalog.DiscoverMarkets(cctx)
	if err != nil {
		return err
	}

	now := e.clock.Now().Unix()
	listed := make(map[string]bool, len(markets))

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, m := range markets {
		listed[m.ConditionID] = true
		if !m.IsValid() || !e.isRelevant(m, now) {
			continue
		}
		if st, ok := e.state.Markets[m.ConditionID]; ok {
			// Keep token ids and times fresh; orders and flags stay.
			st.Market = m.Clone()
			if st.Orphaned {
				st.Orphaned = false
				e.log.Infof("market %s reappeared in catalog", m.Slug)
			}
			continue
		}
		e.state.Markets[m.ConditionID] = domain.NewMarketState(m.Clone())
		e.log.Infof("tracking market %s start=%d end=%d", m.Slug, m.StartTS, m.EndTS)
	}

	for cid, st := range e.state.Markets {
		if listed[cid] || st.Orphaned {
			continue
		}
		// Vanished markets with nothing live are left for eviction; the
		// ones with work still pending become orphans.
		if st.HasOpenOrders() || (!st.Finalized && st.MergeableSize() > domain.MergeEpsilon) {
			st.Orphaned = true
			e.log.Warnf("market %s vanished from catalog, keeping orphan stub", st.Market.Slug)
		}
	}
	return nil
}

// isRelevant keeps markets that are unresolved, not long over and not too
// far out.
func (e *Engine) isRelevant(m *domain.Market, now int64) bool {
	if m.Resolved {
		return false
	}
	if m.EndTS-now <= -int64(e.cfg.PostEndGrace.Seconds()) {
		return false
	}
	return m.StartTS-now <= int64(e.cfg.MaxStartAhead.Seconds())
}

// refreshBalance keeps the dashboard's balance figure current.
func (e *Engine) refreshBalance(ctx context.Context) {
	lctx, cancel := context.WithTimeout(ctx, e.cfg.LedgerTimeout)
	defer cancel()

	bal, err := e.ledger.CollateralBalance(lctx)
	if err != nil {
		e.log.Debugf("balance refresh: %v", err)
		return
	}
	e.mu.Lock()
	e.balance = bal
	e.mu.Unlock()
}

// flushLocked persists the snapshot. Callers hold e.mu.
func (e *Engine) flushLocked() error {
	return persistence.SaveFields(&e.state, "engine", e.store)
}

// marketsByStart returns the tracked states sorted by start time. Callers
// hold e.mu.
func (e *Engine) marketsByStartLocked() []*domain.MarketState {
	out := make([]*domain.MarketState, 0, len(e.state.Markets))
	for _, st := range e.state.Markets {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Market.StartTS < out[j].Market.StartTS
	})
	return out
}
