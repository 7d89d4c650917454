// client.go implements the Kraken REST API client.
//
// Public endpoints (no signing): GetOHLC, GetPairMetadata, GetTicker,
// GetServerTime, GetAssets. Private endpoints (signed): GetBalance,
// AddOrder, GetOpenOrders, GetClosedOrders, CancelOrder,
// GetWebSocketsToken.
//
// Every call is rate-limited via per-category TokenBuckets and retried on
// transport failure and on a subset of API error strings, per the retry
// policy: 3 attempts, linear backoff (250ms × attempt); OpenOrders gets an
// extended 5-attempt retry when the error text contains "Invalid nonce" or
// "timeout".
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"kraken-bot/pkg/types"
)

// defaultBaseURL is used when the caller passes an empty baseURL.
const defaultBaseURL = "https://api.kraken.com"

// Client is the Kraken REST API client. It wraps a resty HTTP client with
// rate limiting, retry, and request signing.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry. An empty
// baseURL falls back to production Kraken; pass a sandbox/test endpoint to
// point the bot elsewhere.
func NewClient(baseURL string, creds types.Credentials, dryRun bool, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second)

	return &Client{
		http:   httpClient,
		auth:   NewAuth(creds),
		rl:     NewRateLimiter(),
		dryRun: dryRun,
		logger: logger,
	}
}

// krakenEnvelope is the common Kraken REST response shape.
type krakenEnvelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// callOpts tunes the retry policy for one call.
type callOpts struct {
	maxAttempts  int
	extendedOn   []string // error substrings that qualify for maxAttempts beyond the default
	defaultRetry int      // attempts used when no extended match is found
}

func defaultCallOpts() callOpts {
	return callOpts{maxAttempts: 3, defaultRetry: 3}
}

// openOrdersCallOpts implements the extended 5-attempt nonce/timeout retry.
func openOrdersCallOpts() callOpts {
	return callOpts{
		maxAttempts:  5,
		extendedOn:   []string{"Invalid nonce", "timeout"},
		defaultRetry: 3,
	}
}

// callPublic issues an unsigned GET to a /0/public/ endpoint.
func (c *Client) callPublic(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.rl.Public.Wait(ctx); err != nil {
		return err
	}
	return c.do(ctx, "GET", path, query, nil, defaultCallOpts(), out)
}

// callPrivate issues a signed POST to a /0/private/ endpoint.
func (c *Client) callPrivate(ctx context.Context, path string, params url.Values, opts callOpts, out any) error {
	if err := c.rl.Private.Wait(ctx); err != nil {
		return err
	}
	return c.do(ctx, "POST", path, nil, params, opts, out)
}

// do executes a single logical call under the configured retry policy. On
// a GET, query is form-encoded into the URL; on a POST, signedParams is
// signed and form-encoded into the body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, signedParams url.Values, opts callOpts, out any) error {
	var lastErr error

	for attempt := 1; ; attempt++ {
		env, err := c.doOnce(ctx, method, path, query, signedParams)
		if err == nil && len(env.Error) > 0 {
			err = &ExchangeError{Messages: env.Error}
		}
		if err == nil {
			if out != nil && len(env.Result) > 0 {
				if jerr := json.Unmarshal(env.Result, out); jerr != nil {
					return &ParseError{Op: path, Err: jerr}
				}
			}
			return nil
		}

		lastErr = err

		retryable := isTransportErr(err) || isRetryableExchangeError(err, opts.extendedOn)
		if !retryable {
			return err
		}

		limit := opts.defaultRetry
		if isRetryableExchangeError(err, opts.extendedOn) {
			limit = opts.maxAttempts
		}
		if attempt >= limit {
			return lastErr
		}

		backoff := time.Duration(attempt) * 250 * time.Millisecond
		c.logger.Debug("exchange: retrying request", "path", path, "attempt", attempt, "backoff", backoff, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func isTransportErr(err error) bool {
	_, ok := err.(*TransportError)
	return ok
}

func isRetryableExchangeError(err error, substrings []string) bool {
	if len(substrings) == 0 {
		return false
	}
	exErr, ok := err.(*ExchangeError)
	if !ok {
		return false
	}
	for _, msg := range exErr.Messages {
		for _, sub := range substrings {
			if strings.Contains(msg, sub) {
				return true
			}
		}
	}
	return false
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, signedParams url.Values) (*krakenEnvelope, error) {
	req := c.http.R().SetContext(ctx)

	var resp *resty.Response
	var err error

	switch method {
	case "GET":
		if query != nil {
			req.SetQueryParamsFromValues(query)
		}
		resp, err = req.Get(path)
	case "POST":
		body, headers, serr := c.auth.Sign(path, signedParams)
		if serr != nil {
			return nil, serr
		}
		resp, err = req.SetHeaders(headers).SetBody(body).Post(path)
	default:
		return nil, fmt.Errorf("exchange: unsupported method %s", method)
	}

	if err != nil {
		return nil, &TransportError{Op: path, Err: err}
	}
	if resp.StatusCode() >= 500 {
		return nil, &TransportError{Op: path, Err: fmt.Errorf("status %d", resp.StatusCode())}
	}

	var env krakenEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, &ParseError{Op: path, Err: err}
	}
	return &env, nil
}

// ————————————————————————————————————————————————————————————————————————
// Public endpoints
// ————————————————————————————————————————————————————————————————————————

// GetOHLC fetches historical OHLC candles for restPair at the given
// interval (minutes).
func (c *Client) GetOHLC(ctx context.Context, restPair string, intervalMinutes int) ([]types.Candle, error) {
	q := url.Values{"pair": {restPair}, "interval": {strconv.Itoa(intervalMinutes)}}
	var raw map[string]json.RawMessage
	if err := c.callPublic(ctx, "/0/public/OHLC", q, &raw); err != nil {
		return nil, err
	}
	for key, data := range raw {
		if key == "last" {
			continue
		}
		var rows [][]json.Number
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, &ParseError{Op: "OHLC", Err: err}
		}
		return parseOHLCRows(rows), nil
	}
	return nil, nil
}

func parseOHLCRows(rows [][]json.Number) []types.Candle {
	out := make([]types.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		t, _ := row[0].Int64()
		open, _ := row[1].Float64()
		high, _ := row[2].Float64()
		low, _ := row[3].Float64()
		closeP, _ := row[4].Float64()
		vol, _ := row[6].Float64()
		out = append(out, types.Candle{
			TimeUnixSec: t,
			Open:        open,
			High:        high,
			Low:         low,
			Close:       closeP,
			Volume:      vol,
		})
	}
	return out
}

type assetPairInfo struct {
	Altname      string `json:"altname"`
	WSName       string `json:"wsname"`
	Base         string `json:"base"`
	Quote        string `json:"quote"`
	PairDecimals int    `json:"pair_decimals"`
	LotDecimals  int    `json:"lot_decimals"`
	OrderMin     string `json:"ordermin"`
	CostMin      string `json:"costmin"`
}

// GetPairMetadata fetches precision and minimums for one tradable pair.
func (c *Client) GetPairMetadata(ctx context.Context, restPair string) (*types.PairMetadata, error) {
	q := url.Values{"pair": {restPair}}
	var raw map[string]assetPairInfo
	if err := c.callPublic(ctx, "/0/public/AssetPairs", q, &raw); err != nil {
		return nil, err
	}
	for _, info := range raw {
		minVol, _ := strconv.ParseFloat(info.OrderMin, 64)
		minCost, _ := strconv.ParseFloat(info.CostMin, 64)
		return &types.PairMetadata{
			Altname:        info.Altname,
			WSName:         info.WSName,
			Base:           info.Base,
			Quote:          info.Quote,
			PriceDecimals:  info.PairDecimals,
			VolumeDecimals: info.LotDecimals,
			MinOrderVolume: minVol,
			MinOrderCost:   minCost,
		}, nil
	}
	return nil, fmt.Errorf("exchange: no AssetPairs result for %s", restPair)
}

type tickerInfo struct {
	Last []string `json:"c"` // [price, lot volume]
}

// GetTicker fetches the last-trade price for restPair, used as a fallback
// reference price when no 5m candle is available.
func (c *Client) GetTicker(ctx context.Context, restPair string) (float64, error) {
	q := url.Values{"pair": {restPair}}
	var raw map[string]tickerInfo
	if err := c.callPublic(ctx, "/0/public/Ticker", q, &raw); err != nil {
		return 0, err
	}
	for _, info := range raw {
		if len(info.Last) == 0 {
			continue
		}
		price, err := strconv.ParseFloat(info.Last[0], 64)
		if err != nil {
			return 0, &ParseError{Op: "Ticker", Err: err}
		}
		return price, nil
	}
	return 0, fmt.Errorf("exchange: no Ticker result for %s", restPair)
}

// GetServerTime fetches Kraken's server unix time, used for clock-skew
// diagnostics at startup.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	var raw struct {
		Unixtime int64 `json:"unixtime"`
	}
	if err := c.callPublic(ctx, "/0/public/Time", nil, &raw); err != nil {
		return 0, err
	}
	return raw.Unixtime, nil
}

// GetAssets fetches the asset registry, used to resolve a pair's quote
// currency display name.
func (c *Client) GetAssets(ctx context.Context) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := c.callPublic(ctx, "/0/public/Assets", nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// ————————————————————————————————————————————————————————————————————————
// Private endpoints
// ————————————————————————————————————————————————————————————————————————

// GetBalance fetches account balances keyed by Kraken asset code (e.g.
// "ZUSD", "XXDG").
func (c *Client) GetBalance(ctx context.Context) (map[string]float64, error) {
	var raw map[string]string
	if err := c.callPrivate(ctx, "/0/private/Balance", url.Values{}, defaultCallOpts(), &raw); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(raw))
	for asset, s := range raw {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, &ParseError{Op: "Balance", Err: err}
		}
		out[asset] = v
	}
	return out, nil
}

// AddOrderRequest carries the fields needed to submit a spot order. Price
// and Volume are pre-rounded to PairMetadata's decimals and transmitted as
// strings.
type AddOrderRequest struct {
	Pair      string
	Type      string // "buy" | "sell"
	OrderType string // "market" | "limit"
	Price     string
	Volume    string
}

// AddOrderResult is the subset of Kraken's AddOrder response the execution
// engine needs.
type AddOrderResult struct {
	TxID []string `json:"txid"`
	Descr struct {
		Order string `json:"order"`
	} `json:"descr"`
}

// AddOrder submits a spot order.
func (c *Client) AddOrder(ctx context.Context, req AddOrderRequest) (*AddOrderResult, error) {
	if err := c.rl.Orders.Wait(ctx); err != nil {
		return nil, err
	}
	params := url.Values{
		"pair":      {req.Pair},
		"type":      {req.Type},
		"ordertype": {req.OrderType},
		"volume":    {req.Volume},
	}
	if req.OrderType == "limit" {
		params.Set("price", req.Price)
	}
	var result AddOrderResult
	if err := c.callPrivate(ctx, "/0/private/AddOrder", params, defaultCallOpts(), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// OpenOrderInfo is one entry of the OpenOrders response.
type OpenOrderInfo struct {
	Status string `json:"status"`
	Descr  struct {
		Pair string `json:"pair"`
		Type string `json:"type"`
	} `json:"descr"`
	Vol     string `json:"vol"`
	VolExec string `json:"vol_exec"`
	Price   string `json:"price"`
}

// GetOpenOrders fetches currently open orders, using the extended
// nonce/timeout retry policy.
func (c *Client) GetOpenOrders(ctx context.Context) (map[string]OpenOrderInfo, error) {
	var raw struct {
		Open map[string]OpenOrderInfo `json:"open"`
	}
	if err := c.callPrivate(ctx, "/0/private/OpenOrders", url.Values{}, openOrdersCallOpts(), &raw); err != nil {
		return nil, err
	}
	return raw.Open, nil
}

// ClosedOrderInfo is one entry of the ClosedOrders response.
type ClosedOrderInfo struct {
	Status string `json:"status"`
	Vol    string `json:"vol"`
	Price  string `json:"price"`
	Cost   string `json:"cost"`
	Fee    string `json:"fee"`
}

// GetClosedOrders fetches recently closed orders.
func (c *Client) GetClosedOrders(ctx context.Context) (map[string]ClosedOrderInfo, error) {
	var raw struct {
		Closed map[string]ClosedOrderInfo `json:"closed"`
	}
	if err := c.callPrivate(ctx, "/0/private/ClosedOrders", url.Values{}, defaultCallOpts(), &raw); err != nil {
		return nil, err
	}
	return raw.Closed, nil
}

// CancelOrder cancels a single order by transaction ID.
func (c *Client) CancelOrder(ctx context.Context, txID string) error {
	if err := c.rl.Orders.Wait(ctx); err != nil {
		return err
	}
	params := url.Values{"txid": {txID}}
	return c.callPrivate(ctx, "/0/private/CancelOrder", params, defaultCallOpts(), nil)
}

// GetWebSocketsToken fetches a short-lived token used to authenticate the
// private WebSocket connection.
func (c *Client) GetWebSocketsToken(ctx context.Context) (token string, expiresSec int, err error) {
	var raw struct {
		Token   string `json:"token"`
		Expires int    `json:"expires"`
	}
	if err := c.callPrivate(ctx, "/0/private/GetWebSocketsToken", url.Values{}, defaultCallOpts(), &raw); err != nil {
		return "", 0, err
	}
	return raw.Token, raw.Expires, nil
}

// DryRun reports whether the client is configured for dry-run trading.
func (c *Client) DryRun() bool {
	return c.dryRun
}
