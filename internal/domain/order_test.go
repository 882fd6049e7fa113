package domain

import "testing"

func TestApplyStatus_TerminalNeverRegresses(t *testing.T) {
	rec := &OrderRecord{OrderID: "o1", Status: OrderStatusFilled, SizeMatched: 10}

	changed := rec.ApplyStatus(OrderStatusPlaced, 10, 100)
	if changed {
		t.Fatalf("terminal record reported a change")
	}
	if rec.Status != OrderStatusFilled {
		t.Fatalf("status regressed to %s", rec.Status)
	}
}

func TestApplyStatus_MatchedSizeOnlyGrows(t *testing.T) {
	rec := &OrderRecord{OrderID: "o1", Status: OrderStatusPartiallyFilled, SizeMatched: 6}

	rec.ApplyStatus(OrderStatusPartiallyFilled, 4, 100)
	if rec.SizeMatched != 6 {
		t.Fatalf("matched size shrank to %v", rec.SizeMatched)
	}

	rec.ApplyStatus(OrderStatusPartiallyFilled, 8, 100)
	if rec.SizeMatched != 8 {
		t.Fatalf("matched size = %v, want 8", rec.SizeMatched)
	}
}

func TestApplyStatus_PartialDoesNotStepBackToPlaced(t *testing.T) {
	rec := &OrderRecord{OrderID: "o1", Status: OrderStatusPartiallyFilled, SizeMatched: 3}

	rec.ApplyStatus(OrderStatusPlaced, 3, 100)
	if rec.Status != OrderStatusPartiallyFilled {
		t.Fatalf("status stepped back to %s", rec.Status)
	}
}

func TestApplyStatus_FilledSetsTimestampOnce(t *testing.T) {
	rec := &OrderRecord{OrderID: "o1", Status: OrderStatusPlaced}

	rec.ApplyStatus(OrderStatusFilled, 10, 123)
	if rec.FilledAt == nil || *rec.FilledAt != 123 {
		t.Fatalf("filled_at not set: %v", rec.FilledAt)
	}

	rec.ApplyStatus(OrderStatusFilled, 10, 456)
	if *rec.FilledAt != 123 {
		t.Fatalf("filled_at overwritten: %v", *rec.FilledAt)
	}
}

func TestApplyStatus_CancelKeepsPartialFills(t *testing.T) {
	rec := &OrderRecord{OrderID: "o1", Status: OrderStatusPartiallyFilled, SizeMatched: 4}

	rec.ApplyStatus(OrderStatusCancelled, 4, 100)
	if rec.Status != OrderStatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", rec.Status)
	}
	if rec.SizeMatched != 4 {
		t.Fatalf("partial fills lost on cancel: %v", rec.SizeMatched)
	}
}

func TestIsOpen(t *testing.T) {
	cases := []struct {
		name string
		rec  OrderRecord
		want bool
	}{
		{"placed", OrderRecord{OrderID: "o1", Status: OrderStatusPlaced}, true},
		{"partial", OrderRecord{OrderID: "o1", Status: OrderStatusPartiallyFilled}, true},
		{"filled", OrderRecord{OrderID: "o1", Status: OrderStatusFilled}, false},
		{"failed", OrderRecord{OrderID: "o1", Status: OrderStatusFailed}, false},
		{"no id", OrderRecord{Status: OrderStatusPending}, false},
	}
	for _, tc := range cases {
		if got := tc.rec.IsOpen(); got != tc.want {
			t.Errorf("%s: IsOpen() = %v, want %v", tc.name, got, tc.want)
		}
	}
}
