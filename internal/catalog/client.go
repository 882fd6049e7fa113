package catalog

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/pairbot/internal/domain"
	"github.com/betbot/pairbot/pkg/httpclient"
	"github.com/betbot/pairbot/pkg/ratelimit"
)

// Client discovers tradable market cycles from the Gamma API.
type Client struct {
	http   *httpclient.Client
	limits *ratelimit.Manager
	parser *Parser
	log    *logrus.Entry

	slugPrefix string
	cycle      time.Duration
	lookahead  time.Duration
}

// NewClient builds a catalog client for timestamp-suffixed cycle slugs
// ("<prefix>-<unix>"). lookahead bounds how far into the future candidate
// cycles are generated.
func NewClient(host, slugPrefix string, cycle, lookahead time.Duration, limits *ratelimit.Manager) *Client {
	return &Client{
		http:   httpclient.NewClient(host),
		limits: limits,
		parser: &Parser{
			SlugPrefix:    slugPrefix,
			CycleDuration: cycle,
		},
		log:        logrus.WithField("component", "catalog"),
		slugPrefix: slugPrefix,
		cycle:      cycle,
		lookahead:  lookahead,
	}
}

// DiscoverMarkets queries upcoming cycles by their deterministic slugs and
// returns the ones that exist, sorted by start time. A cycle that is not
// listed yet is skipped silently; a listed cycle that fails to parse is
// logged and skipped so one bad document cannot poison the tick.
func (c *Client) DiscoverMarkets(ctx context.Context) ([]*domain.Market, error) {
	slugs := c.candidateSlugs(time.Now())

	var out []*domain.Market
	for _, slug := range slugs {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}

		ev, err := c.fetchEvent(ctx, slug)
		if err != nil {
			c.log.Debugf("event %s not available: %v", slug, err)
			continue
		}
		m, err := c.parser.ParseEvent(ev)
		if err != nil {
			c.log.Warnf("rejecting catalog document: %v", err)
			continue
		}
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartTS < out[j].StartTS })
	return out, nil
}

// candidateSlugs enumerates cycle boundaries from the current one forward.
func (c *Client) candidateSlugs(now time.Time) []string {
	count := int(c.lookahead / c.cycle)
	if count <= 0 {
		count = 1
	}

	aligned := now.Truncate(c.cycle)
	slugs := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		ts := aligned.Add(time.Duration(i) * c.cycle).Unix()
		slugs = append(slugs, c.slugPrefix+"-"+strconv.FormatInt(ts, 10))
	}
	return slugs
}

func (c *Client) fetchEvent(ctx context.Context, slug string) (*gammaEvent, error) {
	if err := c.limits.Wait(ctx, "gamma:events:get"); err != nil {
		return nil, err
	}

	var events []gammaEvent
	resp, err := c.http.DoRequest(ctx, http.MethodGet, "/events", &httpclient.RequestOptions{
		Params: map[string]any{"slug": slug},
	}, &events)
	if err := httpclient.ParseHTTPError(resp, err); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, errNotListed
	}
	return &events[0], nil
}

var errNotListed = notListedError{}

type notListedError struct{}

func (notListedError) Error() string { return "event not listed" }
