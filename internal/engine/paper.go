package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/betbot/pairbot/internal/domain"
)

// PaperGateway is the dry-run exchange: orders are accepted, rest forever
// and cancel cleanly, but nothing ever fills. It lets the full pipeline run
// without credentials or capital.
type PaperGateway struct {
	mu     sync.Mutex
	orders map[string]*OrderStatusView
	log    *logrus.Entry
}

func NewPaperGateway() *PaperGateway {
	return &PaperGateway{
		orders: make(map[string]*OrderStatusView),
		log:    logrus.WithField("component", "paper"),
	}
}

func (p *PaperGateway) PlaceOrder(_ context.Context, req PlaceOrderRequest) (*PlacedOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := "paper-" + uuid.NewString()
	p.orders[id] = &OrderStatusView{
		OrderID:      id,
		TokenID:      req.TokenID,
		Side:         req.Side,
		Price:        req.Price,
		OriginalSize: req.Size,
		Status:       domain.OrderStatusPlaced,
	}
	p.log.Infof("paper order %s %s token=%s price=%v size=%v", id, req.Side, req.TokenID, req.Price, req.Size)
	return &PlacedOrder{OrderID: id, Status: domain.OrderStatusPlaced}, nil
}

func (p *PaperGateway) CancelOrder(_ context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok := p.orders[orderID]; ok && !v.Status.IsTerminal() {
		v.Status = domain.OrderStatusCancelled
	}
	return nil
}

func (p *PaperGateway) GetOrder(_ context.Context, orderID string) (*OrderStatusView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *v
	return &cp, nil
}

func (p *PaperGateway) ListOpenOrders(_ context.Context, conditionID string) ([]*OrderStatusView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*OrderStatusView
	for _, v := range p.orders {
		if v.Status.IsTerminal() {
			continue
		}
		if conditionID != "" && v.ConditionID != conditionID {
			continue
		}
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}

func (p *PaperGateway) BookTop(_ context.Context, _ string) (*BookTop, error) {
	return &BookTop{Bid: 0.48, Ask: 0.52}, nil
}

// PaperLedger reports a fixed balance and pretends every on-chain call
// succeeded.
type PaperLedger struct {
	Balance float64
	log     *logrus.Entry
}

func NewPaperLedger(balance float64) *PaperLedger {
	return &PaperLedger{
		Balance: balance,
		log:     logrus.WithField("component", "paper"),
	}
}

func (p *PaperLedger) MergePositions(_ context.Context, conditionID string, size float64) (string, error) {
	tx := "paper-merge-" + uuid.NewString()
	p.log.Infof("paper merge condition=%s size=%v tx=%s", conditionID, size, tx)
	return tx, nil
}

func (p *PaperLedger) RedeemPositions(_ context.Context, conditionID string) (string, error) {
	tx := "paper-redeem-" + uuid.NewString()
	p.log.Infof("paper redeem condition=%s tx=%s", conditionID, tx)
	return tx, nil
}

func (p *PaperLedger) CollateralBalance(_ context.Context) (float64, error) {
	return p.Balance, nil
}
