package redeem

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/pairbot/internal/engine"
	"github.com/betbot/pairbot/pkg/httpclient"
	"github.com/betbot/pairbot/pkg/persistence"
	"github.com/betbot/pairbot/pkg/ratelimit"
)

// position is the data-api view of one conditional token holding.
type position struct {
	ConditionID string  `json:"conditionId"`
	Asset       string  `json:"asset"`
	Size        float64 `json:"size"`
	Redeemable  bool    `json:"redeemable"`
	Title       string  `json:"title"`
}

// Record is the archive entry written for every redemption transaction.
type Record struct {
	ID          string  `json:"id"`
	EventID     string  `json:"event_id"`
	Type        string  `json:"type"`
	ConditionID string  `json:"condition_id"`
	Size        float64 `json:"size"`
	TxHash      string  `json:"tx_hash"`
	CreatedAt   int64   `json:"created_at"`
}

// Sweeper claims winnings for resolved markets: it lists the wallet's
// redeemable positions from the data API, groups them by condition and
// redeems each condition once. It throttles itself, so calling Sweep every
// tick is fine.
type Sweeper struct {
	http    *httpclient.Client
	limits  *ratelimit.Manager
	ledger  engine.Ledger
	history *persistence.HistoryStore
	log     *logrus.Entry

	user     string
	interval time.Duration

	mu      sync.Mutex
	lastRun time.Time
}

func NewSweeper(dataHost, user string, interval time.Duration, ledger engine.Ledger, history *persistence.HistoryStore, limits *ratelimit.Manager) *Sweeper {
	return &Sweeper{
		http:     httpclient.NewClient(dataHost),
		limits:   limits,
		ledger:   ledger,
		history:  history,
		log:      logrus.WithField("component", "redeem"),
		user:     user,
		interval: interval,
	}
}

// Sweep runs one redemption pass unless the previous pass was too recent.
// Per-condition failures are logged and do not stop the sweep.
func (s *Sweeper) Sweep(ctx context.Context) error {
	s.mu.Lock()
	if time.Since(s.lastRun) < s.interval {
		s.mu.Unlock()
		return nil
	}
	s.lastRun = time.Now()
	s.mu.Unlock()

	positions, err := s.fetchRedeemable(ctx)
	if err != nil {
		return errors.Wrap(err, "list redeemable positions")
	}
	if len(positions) == 0 {
		return nil
	}

	// One redeemPositions call settles both outcome tokens of a condition.
	byCondition := make(map[string]float64)
	for _, p := range positions {
		byCondition[p.ConditionID] += p.Size
	}

	for cid, size := range byCondition {
		txHash, err := s.ledger.RedeemPositions(ctx, cid)
		if err != nil {
			s.log.Errorf("redeem %s failed: %v", cid, err)
			continue
		}

		now := time.Now().Unix()
		rec := Record{
			ID:          fmt.Sprintf("REDEEM-%s-%d", cid, now),
			EventID:     uuid.NewString(),
			Type:        "REDEEM",
			ConditionID: cid,
			Size:        size,
			TxHash:      txHash,
			CreatedAt:   now,
		}
		if s.history != nil {
			if err := s.history.Append(rec.ID, rec); err != nil {
				s.log.Warnf("archive redemption %s: %v", rec.ID, err)
			}
		}
		s.log.Infof("redeemed condition %s size=%v tx=%s", cid, size, txHash)
	}
	return nil
}

func (s *Sweeper) fetchRedeemable(ctx context.Context) ([]position, error) {
	if err := s.limits.Wait(ctx, "data:positions:get"); err != nil {
		return nil, err
	}

	var all []position
	resp, err := s.http.DoRequest(ctx, http.MethodGet, "/positions", &httpclient.RequestOptions{
		Params: map[string]any{
			"user":          s.user,
			"sizeThreshold": 0.1,
			"redeemable":    true,
			"limit":         500,
		},
	}, &all)
	if err := httpclient.ParseHTTPError(resp, err); err != nil {
		return nil, err
	}

	out := all[:0]
	for _, p := range all {
		if p.Redeemable && p.ConditionID != "" && p.Size > 0 {
			out = append(out, p)
		}
	}
	return out, nil
}
