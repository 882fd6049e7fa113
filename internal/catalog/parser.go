package catalog

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/pairbot/internal/domain"
)

// gammaEvent is the typed shape of one element of a Gamma /events response.
// Fields the engine depends on are decoded strictly; anything else is
// ignored by encoding/json.
type gammaEvent struct {
	Slug      string        `json:"slug"`
	Title     string        `json:"title"`
	StartDate string        `json:"startDate"`
	EndDate   string        `json:"endDate"`
	Active    bool          `json:"active"`
	Closed    bool          `json:"closed"`
	Markets   []gammaMarket `json:"markets"`
}

type gammaMarket struct {
	ConditionID string `json:"conditionId"`
	Question    string `json:"question"`
	Slug        string `json:"slug"`
	StartDate   string `json:"startDate"`
	EndDate     string `json:"endDate"`
	Active      bool   `json:"active"`
	Closed      bool   `json:"closed"`

	// Gamma encodes these as JSON strings inside the JSON document.
	Outcomes     string `json:"outcomes"`
	ClobTokenIDs string `json:"clobTokenIds"`
}

// Parser turns Gamma event documents into domain markets. Unlike a loose
// map-based walk, every required field either parses or the document is
// rejected with a reason.
type Parser struct {
	// SlugPrefix gates which events are accepted, e.g. "btc-updown-15m".
	SlugPrefix string
	// CycleDuration is the market length implied by a timestamp-suffixed
	// slug ("<prefix>-<unix>"). Zero disables slug-derived times.
	CycleDuration time.Duration
}

// ParseEvent validates one event and returns the tradable market inside it.
func (p *Parser) ParseEvent(ev *gammaEvent) (*domain.Market, error) {
	if ev.Slug == "" {
		return nil, errors.New("event missing slug")
	}
	if p.SlugPrefix != "" && !strings.HasPrefix(ev.Slug, p.SlugPrefix) {
		return nil, errors.Errorf("event %s outside slug prefix %s", ev.Slug, p.SlugPrefix)
	}
	if len(ev.Markets) == 0 {
		return nil, errors.Errorf("event %s has no markets", ev.Slug)
	}

	gm := &ev.Markets[0]
	if gm.ConditionID == "" {
		return nil, errors.Errorf("event %s market missing conditionId", ev.Slug)
	}

	tokens, err := decodeStringArray(gm.ClobTokenIDs)
	if err != nil {
		return nil, errors.Wrapf(err, "event %s clobTokenIds", ev.Slug)
	}
	if len(tokens) != 2 {
		return nil, errors.Errorf("event %s has %d tokens, want 2", ev.Slug, len(tokens))
	}

	outcomes, err := decodeStringArray(gm.Outcomes)
	if err != nil {
		return nil, errors.Wrapf(err, "event %s outcomes", ev.Slug)
	}
	if len(outcomes) != 0 && len(outcomes) != 2 {
		return nil, errors.Errorf("event %s has %d outcomes, want 2", ev.Slug, len(outcomes))
	}

	startTS, endTS, err := p.resolveTimes(ev, gm)
	if err != nil {
		return nil, err
	}

	question := gm.Question
	if question == "" {
		question = ev.Title
	}

	m := &domain.Market{
		Slug:        ev.Slug,
		ConditionID: gm.ConditionID,
		Question:    question,
		YesTokenID:  tokens[0],
		NoTokenID:   tokens[1],
		StartTS:     startTS,
		EndTS:       endTS,
		Resolved:    gm.Closed || ev.Closed,
	}
	if !m.IsValid() {
		return nil, errors.Errorf("event %s parsed into invalid market", ev.Slug)
	}
	return m, nil
}

// resolveTimes prefers the timestamp baked into cycle slugs; the ISO date
// fields on Gamma lag behind for freshly created cycles.
func (p *Parser) resolveTimes(ev *gammaEvent, gm *gammaMarket) (int64, int64, error) {
	if p.CycleDuration > 0 && p.SlugPrefix != "" {
		suffix := strings.TrimPrefix(ev.Slug, p.SlugPrefix+"-")
		if suffix != ev.Slug {
			tsStr := strings.Split(suffix, "-")[0]
			if ts, err := strconv.ParseInt(tsStr, 10, 64); err == nil && ts > 0 {
				return ts, ts + int64(p.CycleDuration.Seconds()), nil
			}
		}
	}

	start, err := parseISOTime(firstNonEmpty(gm.StartDate, ev.StartDate))
	if err != nil {
		return 0, 0, errors.Wrapf(err, "event %s start date", ev.Slug)
	}
	end, err := parseISOTime(firstNonEmpty(gm.EndDate, ev.EndDate))
	if err != nil {
		return 0, 0, errors.Wrapf(err, "event %s end date", ev.Slug)
	}
	if start == 0 || end == 0 {
		return 0, 0, errors.Errorf("event %s missing start/end time", ev.Slug)
	}
	return start, end, nil
}

func decodeStringArray(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, errors.Wrap(err, "decode embedded string array")
	}
	for _, s := range out {
		if s == "" {
			return nil, errors.New("embedded string array contains empty element")
		}
	}
	return out, nil
}

func parseISOTime(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, err
	}
	return t.Unix(), nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
