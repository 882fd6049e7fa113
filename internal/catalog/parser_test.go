package catalog

import (
	"strings"
	"testing"
	"time"
)

func testParser() *Parser {
	return &Parser{
		SlugPrefix:    "btc-updown-15m",
		CycleDuration: 15 * time.Minute,
	}
}

func validEvent() *gammaEvent {
	return &gammaEvent{
		Slug:  "btc-updown-15m-1700000000",
		Title: "Bitcoin Up or Down",
		Markets: []gammaMarket{{
			ConditionID:  "0xabc",
			Question:     "Will BTC go up?",
			Outcomes:     `["Up","Down"]`,
			ClobTokenIDs: `["111","222"]`,
		}},
	}
}

func TestParseEvent_SlugTimestampWins(t *testing.T) {
	ev := validEvent()
	// Stale dates must not override the slug-derived cycle boundaries.
	ev.Markets[0].StartDate = "2023-01-01T00:00:00Z"
	ev.Markets[0].EndDate = "2023-01-01T01:00:00Z"

	m, err := testParser().ParseEvent(ev)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if m.StartTS != 1700000000 {
		t.Fatalf("StartTS = %d, want slug timestamp", m.StartTS)
	}
	if m.EndTS != 1700000000+900 {
		t.Fatalf("EndTS = %d, want start + cycle", m.EndTS)
	}
	if m.YesTokenID != "111" || m.NoTokenID != "222" {
		t.Fatalf("token ids = %q/%q", m.YesTokenID, m.NoTokenID)
	}
}

func TestParseEvent_DatesUsedWithoutSlugTimestamp(t *testing.T) {
	p := &Parser{SlugPrefix: "btc-updown-15m"}
	ev := validEvent()
	ev.Markets[0].StartDate = "2023-11-14T22:13:20Z"
	ev.Markets[0].EndDate = "2023-11-14T22:28:20Z"

	m, err := p.ParseEvent(ev)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if m.EndTS-m.StartTS != 900 {
		t.Fatalf("duration = %d, want 900", m.EndTS-m.StartTS)
	}
}

func TestParseEvent_Rejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*gammaEvent)
		wantErr string
	}{
		{"missing slug", func(ev *gammaEvent) { ev.Slug = "" }, "missing slug"},
		{"wrong prefix", func(ev *gammaEvent) { ev.Slug = "eth-updown-15m-1700000000" }, "outside slug prefix"},
		{"no markets", func(ev *gammaEvent) { ev.Markets = nil }, "no markets"},
		{"missing condition", func(ev *gammaEvent) { ev.Markets[0].ConditionID = "" }, "missing conditionId"},
		{"one token", func(ev *gammaEvent) { ev.Markets[0].ClobTokenIDs = `["111"]` }, "1 tokens"},
		{"malformed tokens", func(ev *gammaEvent) { ev.Markets[0].ClobTokenIDs = `not json` }, "clobTokenIds"},
		{"empty token element", func(ev *gammaEvent) { ev.Markets[0].ClobTokenIDs = `["111",""]` }, "empty element"},
		{"three outcomes", func(ev *gammaEvent) { ev.Markets[0].Outcomes = `["a","b","c"]` }, "3 outcomes"},
	}

	for _, tc := range cases {
		ev := validEvent()
		tc.mutate(ev)
		_, err := testParser().ParseEvent(ev)
		if err == nil {
			t.Errorf("%s: expected rejection", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.wantErr) {
			t.Errorf("%s: err = %v, want substring %q", tc.name, err, tc.wantErr)
		}
	}
}

func TestParseEvent_ClosedMarketIsResolved(t *testing.T) {
	ev := validEvent()
	ev.Markets[0].Closed = true

	m, err := testParser().ParseEvent(ev)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !m.Resolved {
		t.Fatal("closed market should parse as resolved")
	}

	open, err := testParser().ParseEvent(validEvent())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if open.Resolved {
		t.Fatal("open market should not be resolved")
	}
}

func TestParseEvent_NoTimesAnywhere(t *testing.T) {
	p := &Parser{SlugPrefix: "btc-updown-15m"}
	ev := validEvent()

	if _, err := p.ParseEvent(ev); err == nil {
		t.Fatal("expected rejection without any time source")
	}
}

func TestCandidateSlugs(t *testing.T) {
	c := NewClient("https://gamma.example", "btc-updown-15m", 15*time.Minute, time.Hour, nil)

	now := time.Unix(1699999300, 0) // 100s past the 1699999200 boundary
	slugs := c.candidateSlugs(now)
	if len(slugs) != 4 {
		t.Fatalf("got %d slugs, want 4", len(slugs))
	}
	if slugs[0] != "btc-updown-15m-1700000100" {
		t.Fatalf("first slug = %s", slugs[0])
	}
	if slugs[3] != "btc-updown-15m-1700002800" {
		t.Fatalf("last slug = %s", slugs[3])
	}
}
