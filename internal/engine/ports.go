package engine

import (
	"context"

	"github.com/betbot/pairbot/internal/domain"
)

// Catalog lists the tradable market cycles.
type Catalog interface {
	DiscoverMarkets(ctx context.Context) ([]*domain.Market, error)
}

// PlaceOrderRequest is one limit order leg.
type PlaceOrderRequest struct {
	TokenID string
	Side    domain.Side
	Price   float64
	Size    float64
}

// PlacedOrder is the exchange's acknowledgement of a placement.
type PlacedOrder struct {
	OrderID string
	Status  domain.OrderStatus
}

// OrderStatusView is the exchange's current view of one order.
type OrderStatusView struct {
	OrderID      string
	ConditionID  string
	TokenID      string
	Side         domain.Side
	Price        float64
	OriginalSize float64
	SizeMatched  float64
	Status       domain.OrderStatus
}

// BookTop is the best resting price on each side of a token's book.
// A zero value on a side means that side is empty.
type BookTop struct {
	Bid float64
	Ask float64
}

// Gateway is the order execution surface. PlaceOrder is the only
// non-idempotent call; Cancel and the queries are safe to retry.
type Gateway interface {
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlacedOrder, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (*OrderStatusView, error)
	ListOpenOrders(ctx context.Context, conditionID string) ([]*OrderStatusView, error)
	BookTop(ctx context.Context, tokenID string) (*BookTop, error)
}

// Ledger settles positions on chain.
type Ledger interface {
	// MergePositions burns size complete sets of the condition back into
	// collateral and returns the transaction hash.
	MergePositions(ctx context.Context, conditionID string, size float64) (string, error)
	// RedeemPositions claims winnings for a resolved condition.
	RedeemPositions(ctx context.Context, conditionID string) (string, error)
	// CollateralBalance is the funder's USDC balance in whole dollars.
	CollateralBalance(ctx context.Context) (float64, error)
}
