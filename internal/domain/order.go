package domain

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus is the lifecycle state of a tracked order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusPlaced          OrderStatus = "PLACED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusFailed          OrderStatus = "FAILED"
)

// IsTerminal reports whether the status is final. Terminal statuses are
// never overwritten by later status polls.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusFailed
}

// OrderRecord is the durable view of one exchange order.
type OrderRecord struct {
	OrderID      string      `json:"order_id"`
	MarketSlug   string      `json:"market_slug"`
	ConditionID  string      `json:"condition_id"`
	TokenID      string      `json:"token_id"`
	Outcome      Outcome     `json:"outcome"`
	Side         Side        `json:"side"`
	Price        float64     `json:"price"`
	Size         float64     `json:"size"`
	SizeUSD      float64     `json:"size_usd"`
	Status       OrderStatus `json:"status"`
	SizeMatched  float64     `json:"size_matched"`
	CreatedAt    int64       `json:"created_at"`
	FilledAt     *int64      `json:"filled_at,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// IsTerminal reports whether the record reached a final status.
func (o *OrderRecord) IsTerminal() bool {
	return o.Status.IsTerminal()
}

// IsOpen reports whether the order may still rest on the book.
func (o *OrderRecord) IsOpen() bool {
	return o.OrderID != "" && !o.Status.IsTerminal()
}

// ApplyStatus folds a status poll into the record and reports whether
// anything changed. Matched size only ever grows, a terminal status never
// regresses, and PARTIALLY_FILLED is not stepped back to PLACED.
func (o *OrderRecord) ApplyStatus(status OrderStatus, sizeMatched float64, now int64) bool {
	changed := false
	if sizeMatched > o.SizeMatched {
		o.SizeMatched = sizeMatched
		changed = true
	}
	if o.Status.IsTerminal() || status == o.Status {
		return changed
	}
	if o.Status == OrderStatusPartiallyFilled &&
		(status == OrderStatusPlaced || status == OrderStatusPending) {
		return changed
	}
	o.Status = status
	if status == OrderStatusFilled && o.FilledAt == nil {
		ts := now
		o.FilledAt = &ts
	}
	changed = true
	return changed
}

// Clone returns an independent copy.
func (o *OrderRecord) Clone() *OrderRecord {
	if o == nil {
		return nil
	}
	cp := *o
	if o.FilledAt != nil {
		ts := *o.FilledAt
		cp.FilledAt = &ts
	}
	return &cp
}
