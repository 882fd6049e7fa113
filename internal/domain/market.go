package domain

// Outcome is one side of a binary market.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// Outcomes lists both sides in a stable order.
var Outcomes = []Outcome{OutcomeYes, OutcomeNo}

// Opposite returns the complementary outcome.
func (o Outcome) Opposite() Outcome {
	if o == OutcomeYes {
		return OutcomeNo
	}
	return OutcomeYes
}

// Market describes one short-lived binary market cycle.
type Market struct {
	Slug        string `json:"market_slug"`
	ConditionID string `json:"condition_id"`
	Question    string `json:"question,omitempty"`
	YesTokenID  string `json:"yes_token_id"`
	NoTokenID   string `json:"no_token_id"`
	StartTS     int64  `json:"start_ts"`
	EndTS       int64  `json:"end_ts"`

	// Resolved markets no longer trade; discovery drops them.
	Resolved bool `json:"resolved,omitempty"`
}

// TokenID returns the asset id for an outcome.
func (m *Market) TokenID(o Outcome) string {
	if o == OutcomeYes {
		return m.YesTokenID
	}
	return m.NoTokenID
}

// OutcomeForToken maps an asset id back to its outcome. The second return
// is false when the token does not belong to this market.
func (m *Market) OutcomeForToken(tokenID string) (Outcome, bool) {
	switch tokenID {
	case m.YesTokenID:
		return OutcomeYes, true
	case m.NoTokenID:
		return OutcomeNo, true
	}
	return "", false
}

// IsValid reports whether the market carries everything trading needs.
func (m *Market) IsValid() bool {
	return m.ConditionID != "" &&
		m.YesTokenID != "" && m.NoTokenID != "" &&
		m.StartTS > 0 && m.EndTS > m.StartTS
}

// Clone returns an independent copy.
func (m *Market) Clone() *Market {
	if m == nil {
		return nil
	}
	cp := *m
	return &cp
}
