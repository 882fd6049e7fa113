package clob

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/pairbot/internal/domain"
	"github.com/betbot/pairbot/internal/engine"
	"github.com/betbot/pairbot/pkg/httpclient"
	"github.com/betbot/pairbot/pkg/ratelimit"
)

const (
	endpointCreateAPIKey = "/auth/api-key"
	endpointDeriveAPIKey = "/auth/derive-api-key"
	endpointPostOrder    = "/order"
	endpointCancelOrder  = "/order"
	endpointGetOrder     = "/data/order/"
	endpointOpenOrders   = "/data/orders"
	endpointBook         = "/book"
	endpointTickSize     = "/tick-size"
	endpointNegRisk      = "/neg-risk"

	headerPolyAddress    = "POLY_ADDRESS"
	headerPolySignature  = "POLY_SIGNATURE"
	headerPolyTimestamp  = "POLY_TIMESTAMP"
	headerPolyNonce      = "POLY_NONCE"
	headerPolyAPIKey     = "POLY_API_KEY"
	headerPolyPassphrase = "POLY_PASSPHRASE"

	cursorEnd   = "LTE="
	cursorStart = "MA=="
)

// SignatureType selects how the exchange verifies order signatures.
const (
	SignatureTypeEOA        = 0
	SignatureTypeProxy      = 1
	SignatureTypeGnosisSafe = 2
)

// APICreds are the L2 credentials derived from the trading key.
type APICreds struct {
	Key        string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// Client is the exchange gateway: order placement, cancellation and status
// queries against the CLOB REST API. It implements engine.Gateway.
type Client struct {
	http   *httpclient.Client
	limits *ratelimit.Manager
	signer *Signer
	log    *logrus.Entry

	funder  common.Address
	sigType int

	mu        sync.Mutex
	creds     *APICreds
	tickSizes map[string]TickSize
	negRisk   map[string]bool
}

// NewClient builds the gateway. funder may be empty, in which case the
// signer's own address holds the positions.
func NewClient(host string, signer *Signer, signatureType string, funder string, limits *ratelimit.Manager) *Client {
	c := &Client{
		http:      httpclient.NewClient(host),
		limits:    limits,
		signer:    signer,
		log:       logrus.WithField("component", "clob"),
		tickSizes: make(map[string]TickSize),
		negRisk:   make(map[string]bool),
	}

	switch strings.ToUpper(strings.TrimSpace(signatureType)) {
	case "POLY_PROXY":
		c.sigType = SignatureTypeProxy
	case "POLY_GNOSIS_SAFE":
		c.sigType = SignatureTypeGnosisSafe
	default:
		c.sigType = SignatureTypeEOA
	}

	if funder != "" {
		c.funder = common.HexToAddress(funder)
	} else {
		c.funder = signer.Address()
	}
	return c
}

// SetCreds installs previously derived credentials.
func (c *Client) SetCreds(creds APICreds) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = &creds
}

// HasCreds reports whether L2 calls can be made.
func (c *Client) HasCreds() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds != nil
}

// DeriveAPICreds obtains L2 credentials: create first, then derive for keys
// that already registered.
func (c *Client) DeriveAPICreds(ctx context.Context) (APICreds, error) {
	if err := c.limits.Wait(ctx, "clob:auth:get"); err != nil {
		return APICreds{}, err
	}

	creds, err := c.authRequest(ctx, http.MethodPost, endpointCreateAPIKey)
	if err != nil {
		creds, err = c.authRequest(ctx, http.MethodGet, endpointDeriveAPIKey)
		if err != nil {
			return APICreds{}, errors.Wrap(err, "derive api creds")
		}
	}
	c.SetCreds(creds)
	return creds, nil
}

func (c *Client) authRequest(ctx context.Context, method, endpoint string) (APICreds, error) {
	ts := time.Now().Unix()
	sig, err := c.signer.SignClobAuth(ts, 0)
	if err != nil {
		return APICreds{}, err
	}
	headers := map[string]string{
		headerPolyAddress:   c.signer.Address().Hex(),
		headerPolySignature: sig,
		headerPolyTimestamp: strconv.FormatInt(ts, 10),
		headerPolyNonce:     "0",
	}

	var creds APICreds
	resp, err := c.http.DoRequest(ctx, method, endpoint, &httpclient.RequestOptions{Headers: headers}, &creds)
	if err := httpclient.ParseHTTPError(resp, err); err != nil {
		return APICreds{}, err
	}
	if creds.Key == "" || creds.Secret == "" {
		return APICreds{}, errors.New("auth response missing credentials")
	}
	return creds, nil
}

func (c *Client) l2Headers(method, path, body string) (map[string]string, error) {
	c.mu.Lock()
	creds := c.creds
	c.mu.Unlock()
	if creds == nil {
		return nil, errors.New("api credentials not derived")
	}

	ts := time.Now().Unix()
	sig, err := buildHMACSignature(creds.Secret, ts, method, path, body)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		headerPolyAddress:    c.signer.Address().Hex(),
		headerPolySignature:  sig,
		headerPolyTimestamp:  strconv.FormatInt(ts, 10),
		headerPolyAPIKey:     creds.Key,
		headerPolyPassphrase: creds.Passphrase,
	}, nil
}

type signedOrderJSON struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

type postOrderBody struct {
	Order     signedOrderJSON `json:"order"`
	Owner     string          `json:"owner"`
	OrderType string          `json:"orderType"`
}

type postOrderResponse struct {
	Success  bool   `json:"success"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
	ErrorMsg string `json:"errorMsg"`
}

// PlaceOrder signs and posts one GTC limit order.
func (c *Client) PlaceOrder(ctx context.Context, req engine.PlaceOrderRequest) (*engine.PlacedOrder, error) {
	tick, err := c.getTickSize(ctx, req.TokenID)
	if err != nil {
		return nil, err
	}

	price := normalizePrice(req.Price, tick)
	if !priceValid(price, tick) {
		return nil, errors.Errorf("price %v outside [%s, %v]", req.Price, tick,
			1-mustFloat(string(tick)))
	}

	negRisk, err := c.getNegRisk(ctx, req.TokenID)
	if err != nil {
		return nil, err
	}
	contracts, err := getContractConfig(c.signer.ChainID(), negRisk)
	if err != nil {
		return nil, err
	}

	pf, _ := price.Float64()
	amounts, err := buildOrderAmounts(req.Side, req.Size, pf, tick)
	if err != nil {
		return nil, err
	}

	order := &signableOrder{
		Salt:          generateSalt(),
		Maker:         c.funder,
		Signer:        c.signer.Address(),
		Taker:         common.Address{},
		TokenID:       req.TokenID,
		MakerAmount:   amounts.makerAmount,
		TakerAmount:   amounts.takerAmount,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          amounts.side,
		SignatureType: c.sigType,
	}
	sig, err := c.signer.SignOrder(contracts.Exchange, order)
	if err != nil {
		return nil, errors.Wrap(err, "sign order")
	}

	c.mu.Lock()
	ownerKey := ""
	if c.creds != nil {
		ownerKey = c.creds.Key
	}
	c.mu.Unlock()

	body := postOrderBody{
		Order: signedOrderJSON{
			Salt:          order.Salt,
			Maker:         order.Maker.Hex(),
			Signer:        order.Signer.Hex(),
			Taker:         order.Taker.Hex(),
			TokenID:       order.TokenID,
			MakerAmount:   order.MakerAmount,
			TakerAmount:   order.TakerAmount,
			Expiration:    order.Expiration,
			Nonce:         order.Nonce,
			FeeRateBps:    order.FeeRateBps,
			Side:          string(req.Side),
			SignatureType: order.SignatureType,
			Signature:     sig,
		},
		Owner:     ownerKey,
		OrderType: "GTC",
	}
	// Compact, deterministic body: the HMAC covers these exact bytes.
	rawBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	headers, err := c.l2Headers(http.MethodPost, endpointPostOrder, string(rawBody))
	if err != nil {
		return nil, err
	}
	if err := c.limits.Wait(ctx, "clob:order:post"); err != nil {
		return nil, err
	}

	var out postOrderResponse
	resp, err := c.http.DoRequest(ctx, http.MethodPost, endpointPostOrder, &httpclient.RequestOptions{
		Headers: headers,
		Data:    rawBody,
	}, &out)
	if err := httpclient.ParseHTTPError(resp, err); err != nil {
		return nil, classifyOrderError(err)
	}
	if !out.Success || out.OrderID == "" {
		return nil, classifyOrderError(errors.Errorf("order rejected: %s", out.ErrorMsg))
	}

	c.log.Infof("placed %s %s@%v size=%v id=%s", req.Side, req.TokenID, pf, req.Size, out.OrderID)
	return &engine.PlacedOrder{
		OrderID: out.OrderID,
		Status:  mapExchangeStatus(out.Status, 0, req.Size),
	}, nil
}

// CancelOrder removes a resting order. Cancelling an already terminal order
// is treated as success.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	body := `{"orderID":"` + orderID + `"}`
	headers, err := c.l2Headers(http.MethodDelete, endpointCancelOrder, body)
	if err != nil {
		return err
	}
	if err := c.limits.Wait(ctx, "clob:order:delete"); err != nil {
		return err
	}

	resp, err := c.http.DoRequest(ctx, http.MethodDelete, endpointCancelOrder, &httpclient.RequestOptions{
		Headers: headers,
		Data:    []byte(body),
	}, nil)
	if err := httpclient.ParseHTTPError(resp, err); err != nil {
		if resp != nil && resp.StatusCode() == http.StatusNotFound {
			return nil
		}
		return errors.Wrapf(err, "cancel order %s", orderID)
	}
	return nil
}

type exchangeOrder struct {
	ID           string `json:"id"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Status       string `json:"status"`
}

// GetOrder fetches the exchange's view of one order. engine.ErrOrderNotFound
// is returned for unknown ids so callers can reconcile.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*engine.OrderStatusView, error) {
	path := endpointGetOrder + orderID
	headers, err := c.l2Headers(http.MethodGet, path, "")
	if err != nil {
		return nil, err
	}
	if err := c.limits.Wait(ctx, "clob:orders:get"); err != nil {
		return nil, err
	}

	var out exchangeOrder
	resp, err := c.http.DoRequest(ctx, http.MethodGet, path, &httpclient.RequestOptions{Headers: headers}, &out)
	if err := httpclient.ParseHTTPError(resp, err); err != nil {
		if resp != nil && resp.StatusCode() == http.StatusNotFound {
			return nil, engine.ErrOrderNotFound
		}
		return nil, errors.Wrapf(err, "get order %s", orderID)
	}
	if out.ID == "" {
		return nil, engine.ErrOrderNotFound
	}
	return toStatusView(&out), nil
}

type openOrdersResponse struct {
	Data       []exchangeOrder `json:"data"`
	NextCursor string          `json:"next_cursor"`
}

// ListOpenOrders pages through the resting orders, optionally filtered to
// one market (condition id).
func (c *Client) ListOpenOrders(ctx context.Context, conditionID string) ([]*engine.OrderStatusView, error) {
	headers, err := c.l2Headers(http.MethodGet, endpointOpenOrders, "")
	if err != nil {
		return nil, err
	}

	var views []*engine.OrderStatusView
	cursor := cursorStart
	for cursor != cursorEnd {
		if err := c.limits.Wait(ctx, "clob:orders:get"); err != nil {
			return nil, err
		}

		params := map[string]any{"next_cursor": cursor}
		if conditionID != "" {
			params["market"] = conditionID
		}

		var page openOrdersResponse
		resp, err := c.http.DoRequest(ctx, http.MethodGet, endpointOpenOrders, &httpclient.RequestOptions{
			Headers: headers,
			Params:  params,
		}, &page)
		if err := httpclient.ParseHTTPError(resp, err); err != nil {
			return nil, errors.Wrap(err, "list open orders")
		}

		for i := range page.Data {
			views = append(views, toStatusView(&page.Data[i]))
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return views, nil
}

type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookResponse struct {
	Bids []bookLevel `json:"bids"`
	Asks []bookLevel `json:"asks"`
}

// BookTop returns the best bid and ask for a token.
func (c *Client) BookTop(ctx context.Context, tokenID string) (*engine.BookTop, error) {
	if err := c.limits.Wait(ctx, "clob:book:get"); err != nil {
		return nil, err
	}

	var book bookResponse
	resp, err := c.http.DoRequest(ctx, http.MethodGet, endpointBook, &httpclient.RequestOptions{
		Params: map[string]any{"token_id": tokenID},
	}, &book)
	if err := httpclient.ParseHTTPError(resp, err); err != nil {
		return nil, errors.Wrapf(err, "order book %s", tokenID)
	}

	top := &engine.BookTop{}
	for _, lvl := range book.Bids {
		if p := mustFloat(lvl.Price); p > top.Bid {
			top.Bid = p
		}
	}
	for _, lvl := range book.Asks {
		p := mustFloat(lvl.Price)
		if p > 0 && (top.Ask == 0 || p < top.Ask) {
			top.Ask = p
		}
	}
	return top, nil
}

func (c *Client) getTickSize(ctx context.Context, tokenID string) (TickSize, error) {
	c.mu.Lock()
	if t, ok := c.tickSizes[tokenID]; ok {
		c.mu.Unlock()
		return t, nil
	}
	c.mu.Unlock()

	if err := c.limits.Wait(ctx, "clob:price:get"); err != nil {
		return "", err
	}
	var out struct {
		MinimumTickSize any `json:"minimum_tick_size"`
	}
	resp, err := c.http.DoRequest(ctx, http.MethodGet, endpointTickSize, &httpclient.RequestOptions{
		Params: map[string]any{"token_id": tokenID},
	}, &out)
	if err := httpclient.ParseHTTPError(resp, err); err != nil {
		return "", errors.Wrapf(err, "tick size %s", tokenID)
	}

	tick := TickSize(anyToString(out.MinimumTickSize))
	if !tick.valid() {
		return "", errors.Errorf("exchange reported unsupported tick size %q for %s", tick, tokenID)
	}
	c.mu.Lock()
	c.tickSizes[tokenID] = tick
	c.mu.Unlock()
	return tick, nil
}

func (c *Client) getNegRisk(ctx context.Context, tokenID string) (bool, error) {
	c.mu.Lock()
	if v, ok := c.negRisk[tokenID]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	if err := c.limits.Wait(ctx, "clob:price:get"); err != nil {
		return false, err
	}
	var out struct {
		NegRisk bool `json:"neg_risk"`
	}
	resp, err := c.http.DoRequest(ctx, http.MethodGet, endpointNegRisk, &httpclient.RequestOptions{
		Params: map[string]any{"token_id": tokenID},
	}, &out)
	if err := httpclient.ParseHTTPError(resp, err); err != nil {
		return false, errors.Wrapf(err, "neg risk %s", tokenID)
	}

	c.mu.Lock()
	c.negRisk[tokenID] = out.NegRisk
	c.mu.Unlock()
	return out.NegRisk, nil
}

func toStatusView(o *exchangeOrder) *engine.OrderStatusView {
	original := mustFloat(o.OriginalSize)
	matched := mustFloat(o.SizeMatched)
	return &engine.OrderStatusView{
		OrderID:      o.ID,
		ConditionID:  o.Market,
		TokenID:      o.AssetID,
		Side:         domain.Side(strings.ToUpper(o.Side)),
		Price:        mustFloat(o.Price),
		OriginalSize: original,
		SizeMatched:  matched,
		Status:       mapExchangeStatus(o.Status, matched, original),
	}
}

// mapExchangeStatus folds the exchange's status string and fill counters
// into the lifecycle status.
func mapExchangeStatus(status string, matched, original float64) domain.OrderStatus {
	switch strings.ToUpper(status) {
	case "MATCHED":
		return domain.OrderStatusFilled
	case "CANCELED", "CANCELLED":
		return domain.OrderStatusCancelled
	}
	if original > 0 && matched >= original {
		return domain.OrderStatusFilled
	}
	if matched > 0 {
		return domain.OrderStatusPartiallyFilled
	}
	return domain.OrderStatusPlaced
}

// classifyOrderError maps balance-related rejections onto the engine's
// sentinel so placement can degrade gracefully.
func classifyOrderError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not enough balance") || strings.Contains(msg, "insufficient") {
		return errors.Wrap(engine.ErrInsufficientBalance, err.Error())
	}
	return err
}

func mustFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

func anyToString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
