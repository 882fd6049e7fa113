package engine

import "github.com/pkg/errors"

var (
	// ErrInsufficientBalance aborts a placement before any leg is sent.
	// The market stays unplaced and is retried while its window is open.
	ErrInsufficientBalance = errors.New("insufficient collateral balance")

	// ErrOrderNotFound means the exchange no longer knows the order id.
	// Locally non-terminal orders are reconciled to CANCELLED on it.
	ErrOrderNotFound = errors.New("order not found")
)
