// Package exchange binds the core's REST and WebSocket interfaces (§6) to
// Binance USDT-M Futures, concretely per §4.6.
//
// The REST client (Client) wraps a resty.Client with signed requests
// (HMAC-SHA256 over the query string, X-MBX-APIKEY header), automatic retry
// on 5xx and on Binance's transient rate-limit codes (-1003, -1021), and the
// required operations named in §6: fetch_instrument_rules, fetch_positions,
// fetch_leverage_map, fetch_open_orders, fetch_open_algo_orders, submit,
// cancel, cancel_any.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"executor/pkg/types"
)

// transientRetryCodes are Binance's own error codes for conditions that are
// safe to retry at the HTTP layer (distinct from a 5xx status).
var transientRetryCodes = map[int]bool{
	-1003: true, // too many requests
	-1021: true, // timestamp outside recvWindow
}

// binanceError is the error envelope Binance returns on non-2xx responses.
type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Client is the Binance USDT-M Futures REST client.
type Client struct {
	http       *resty.Client
	apiKey     string
	apiSecret  string
	recvWindow int64
	dryRun     bool
	logger     *slog.Logger
}

// NewClient creates a signed REST client with retry.
func NewClient(baseURL, apiKey, apiSecret string, recvWindowMs int64, dryRun bool, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(300 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			if r.StatusCode() >= 500 {
				return true
			}
			if r.StatusCode() >= 400 {
				var be binanceError
				if jsonErr := json.Unmarshal(r.Body(), &be); jsonErr == nil {
					return transientRetryCodes[be.Code]
				}
			}
			return false
		}).
		SetHeader("X-MBX-APIKEY", apiKey)

	return &Client{
		http:       httpClient,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		recvWindow: recvWindowMs,
		dryRun:     dryRun,
		logger:     logger.With("component", "exchange"),
	}
}

func (c *Client) signedParams() url.Values {
	q := url.Values{}
	q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	if c.recvWindow > 0 {
		q.Set("recvWindow", strconv.FormatInt(c.recvWindow, 10))
	}
	return q
}

func (c *Client) sign(q url.Values) {
	q.Set("signature", sign(c.apiSecret, q))
}

func checkStatus(resp *resty.Response) error {
	if resp.StatusCode() == http.StatusOK {
		return nil
	}
	var be binanceError
	if err := json.Unmarshal(resp.Body(), &be); err == nil && be.Code != 0 {
		return fmt.Errorf("binance error %d: %s", be.Code, be.Msg)
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
}

// ————————————————————————————————————————————————————————————————————————
// Instrument rules
// ————————————————————————————————————————————————————————————————————————

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType  string `json:"filterType"`
			TickSize    string `json:"tickSize"`
			StepSize    string `json:"stepSize"`
			MinQty      string `json:"minQty"`
			Notional    string `json:"notional"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}

// FetchInstrumentRules retrieves the tick/step/minimum grid for one symbol
// from /fapi/v1/exchangeInfo. This endpoint is public (unsigned).
func (c *Client) FetchInstrumentRules(ctx context.Context, symbol string) (types.InstrumentRules, error) {
	var result exchangeInfoResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&result).
		Get("/fapi/v1/exchangeInfo")
	if err != nil {
		return types.InstrumentRules{}, fmt.Errorf("fetch instrument rules: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return types.InstrumentRules{}, fmt.Errorf("fetch instrument rules: %w", err)
	}

	for _, s := range result.Symbols {
		if s.Symbol != symbol {
			continue
		}
		rules := types.InstrumentRules{Symbol: symbol}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				rules.TickSize = parseDecimal(f.TickSize)
			case "LOT_SIZE":
				rules.StepSize = parseDecimal(f.StepSize)
				rules.MinQty = parseDecimal(f.MinQty)
			case "MIN_NOTIONAL":
				if f.Notional != "" {
					rules.MinNotional = parseDecimal(f.Notional)
				} else {
					rules.MinNotional = parseDecimal(f.MinNotional)
				}
			}
		}
		return rules, nil
	}
	return types.InstrumentRules{}, fmt.Errorf("symbol %s not found in exchange info", symbol)
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ————————————————————————————————————————————————————————————————————————
// Positions and leverage
// ————————————————————————————————————————————————————————————————————————

type positionRiskEntry struct {
	Symbol           string `json:"symbol"`
	PositionSide     string `json:"positionSide"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	LiquidationPrice string `json:"liquidationPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
}

// FetchPositions retrieves every non-zero hedge-mode position via
// /fapi/v2/positionRisk (signed).
func (c *Client) FetchPositions(ctx context.Context) (map[types.SideKey]types.Position, error) {
	q := c.signedParams()
	c.sign(q)

	var entries []positionRiskEntry
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(q).
		SetResult(&entries).
		Get("/fapi/v2/positionRisk")
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}

	out := make(map[types.SideKey]types.Position)
	for _, e := range entries {
		amt := parseDecimal(e.PositionAmt)
		if amt.IsZero() {
			continue
		}
		side := types.PositionLong
		if e.PositionSide == "SHORT" || amt.IsNegative() {
			side = types.PositionShort
		}
		lev, _ := strconv.Atoi(e.Leverage)
		out[types.SideKey{Symbol: e.Symbol, Side: side}] = types.Position{
			Symbol:           e.Symbol,
			Side:             side,
			PositionAmt:      amt.Abs(),
			EntryPrice:       parseDecimal(e.EntryPrice),
			MarkPrice:        parseDecimal(e.MarkPrice),
			LiquidationPrice: parseDecimal(e.LiquidationPrice),
			UnrealizedPnL:    parseDecimal(e.UnRealizedProfit),
			Leverage:         lev,
		}
	}
	return out, nil
}

// FetchLeverageMap extracts per-symbol leverage from the same
// /fapi/v2/positionRisk response used by FetchPositions, named separately
// per §6 because the core treats it as an independently recalibrated fact.
func (c *Client) FetchLeverageMap(ctx context.Context) (map[string]int, error) {
	positions, err := c.FetchPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch leverage map: %w", err)
	}
	out := make(map[string]int)
	for key, pos := range positions {
		out[key.Symbol] = pos.Leverage
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Open orders and algo orders
// ————————————————————————————————————————————————————————————————————————

type openOrderEntry struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	PositionSide  string `json:"positionSide"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	ReduceOnly    bool   `json:"reduceOnly"`
	ClosePosition bool   `json:"closePosition"`
}

// OpenOrder is the normalized view of one resting order or algo order.
type OpenOrder struct {
	Symbol        string
	OrderID       int64
	ClientID      string
	Side          types.PositionSide
	Direction     types.Direction
	Type          types.OrderType
	Status        types.OrderStatus
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	ReduceOnly    bool
	ClosePosition bool
}

// FetchOpenOrders retrieves every resting order for a symbol via
// /fapi/v1/openOrders (signed).
func (c *Client) FetchOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	q := c.signedParams()
	q.Set("symbol", symbol)
	c.sign(q)

	var entries []openOrderEntry
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(q).
		SetResult(&entries).
		Get("/fapi/v1/openOrders")
	if err != nil {
		return nil, fmt.Errorf("fetch open orders: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("fetch open orders: %w", err)
	}

	out := make([]OpenOrder, 0, len(entries))
	for _, e := range entries {
		side := types.PositionLong
		if e.PositionSide == "SHORT" {
			side = types.PositionShort
		}
		out = append(out, OpenOrder{
			Symbol:        e.Symbol,
			OrderID:       e.OrderID,
			ClientID:      e.ClientOrderID,
			Side:          side,
			Direction:     types.Direction(e.Side),
			Type:          types.OrderType(e.Type),
			Status:        types.OrderStatus(e.Status),
			Price:         parseDecimal(e.Price),
			StopPrice:     parseDecimal(e.StopPrice),
			ReduceOnly:    e.ReduceOnly,
			ClosePosition: e.ClosePosition,
		})
	}
	return out, nil
}

// FetchOpenAlgoOrders filters FetchOpenOrders's result to closePosition or
// reduceOnly stop/take-profit orders. Per §4.6, Binance surfaces algo
// orders through the same /fapi/v1/openOrders endpoint as regular orders
// rather than a dedicated algo-order endpoint, so this is a filter, not a
// second REST call.
func (c *Client) FetchOpenAlgoOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	all, err := c.FetchOpenOrders(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch open algo orders: %w", err)
	}
	out := make([]OpenOrder, 0, len(all))
	for _, o := range all {
		isAlgoType := o.Type == types.OrderTypeStopMarket || o.Type == "TAKE_PROFIT_MARKET"
		if isAlgoType && (o.ClosePosition || o.ReduceOnly) {
			out = append(out, o)
		}
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Submit / cancel
// ————————————————————————————————————————————————————————————————————————

type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
}

// Submit places a single order (limit or stop-market) derived from intent.
func (c *Client) Submit(ctx context.Context, intent types.OrderIntent) (types.OrderResult, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would submit order", "symbol", intent.Symbol, "client_id", intent.ClientID)
		return types.OrderResult{Success: true, ClientID: intent.ClientID, Status: types.StatusNew}, nil
	}

	q := c.signedParams()
	q.Set("symbol", intent.Symbol)
	q.Set("side", string(intent.Direction))
	q.Set("positionSide", string(intent.Side))
	q.Set("type", string(intent.OrderType))
	q.Set("newClientOrderId", intent.ClientID)
	if intent.ReduceOnly {
		q.Set("reduceOnly", "true")
	}
	if intent.ClosePosition {
		q.Set("closePosition", "true")
	}
	if !intent.Quantity.IsZero() {
		q.Set("quantity", intent.Quantity.String())
	}
	if intent.OrderType == types.OrderTypeLimit {
		q.Set("price", intent.Price.String())
		q.Set("timeInForce", string(intent.TimeInForce))
	}
	if intent.OrderType == types.OrderTypeStopMarket {
		q.Set("stopPrice", intent.StopPrice.String())
		q.Set("workingType", string(intent.WorkingType))
	}
	c.sign(q)

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormDataFromValues(q).
		SetResult(&result).
		Post("/fapi/v1/order")
	if err != nil {
		return classifyOrderErr(intent.ClientID, err), err
	}
	if err := checkStatus(resp); err != nil {
		return classifyOrderErr(intent.ClientID, err), err
	}

	return types.OrderResult{
		Success:   true,
		OrderID:   result.OrderID,
		ClientID:  result.ClientOrderID,
		Status:    types.OrderStatus(result.Status),
		FilledQty: parseDecimal(result.ExecutedQty),
		AvgPrice:  parseDecimal(result.AvgPrice),
	}, nil
}

// classifyOrderErr maps a submit/cancel failure into the error-kind taxonomy
// the execution engine's rotation logic inspects (notably post_only_reject).
func classifyOrderErr(clientID string, err error) types.OrderResult {
	kind := types.ErrTransientNetwork
	msg := err.Error()
	switch {
	case containsAny(msg, "-2021", "would immediately match and take"):
		kind = types.ErrPostOnlyReject
	case containsAny(msg, "-2022", "ReduceOnly Order is rejected"):
		kind = types.ErrReduceOnlyViolation
	case containsAny(msg, "-2010", "Duplicate order sent"):
		kind = types.ErrDuplicateClientID
	case containsAny(msg, "-2011", "Unknown order sent"):
		kind = types.ErrOrderNotFound
	case containsAny(msg, "-1111", "Precision is over the maximum"):
		kind = types.ErrPrecisionViolation
	case containsAny(msg, "-1003", "-1021"):
		kind = types.ErrRateLimitedByVenue
	}
	return types.OrderResult{Success: false, ClientID: clientID, ErrorKind: kind, Err: err}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Cancel cancels one order by order id (preferred) or client id.
func (c *Client) Cancel(ctx context.Context, symbol string, orderID int64, clientID string) (types.OrderResult, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "symbol", symbol, "order_id", orderID)
		return types.OrderResult{Success: true, OrderID: orderID, ClientID: clientID, Status: types.StatusCanceled}, nil
	}

	q := c.signedParams()
	q.Set("symbol", symbol)
	if orderID != 0 {
		q.Set("orderId", strconv.FormatInt(orderID, 10))
	} else {
		q.Set("origClientOrderId", clientID)
	}
	c.sign(q)

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(q).
		SetResult(&result).
		Delete("/fapi/v1/order")
	if err != nil {
		return types.OrderResult{}, fmt.Errorf("cancel order: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		if containsAny(err.Error(), "-2011", "Unknown order sent") {
			return types.OrderResult{Success: false, OrderID: orderID, ClientID: clientID, ErrorKind: types.ErrOrderNotFound, Err: err}, nil
		}
		return types.OrderResult{}, fmt.Errorf("cancel order: %w", err)
	}

	return types.OrderResult{Success: true, OrderID: result.OrderID, ClientID: result.ClientOrderID, Status: types.OrderStatus(result.Status)}, nil
}

// CancelAny cancels an order that may not be tracked in local state (e.g. an
// external protective stop the risk supervisor is taking over from), by
// order id when known, else by client id.
func (c *Client) CancelAny(ctx context.Context, symbol string, orderID int64, clientID string) error {
	_, err := c.Cancel(ctx, symbol, orderID, clientID)
	return err
}

// ————————————————————————————————————————————————————————————————————————
// User data stream listen key
// ————————————————————————————————————————————————————————————————————————

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// StartUserDataStream obtains a new listen key via POST /fapi/v1/listenKey.
func (c *Client) StartUserDataStream(ctx context.Context) (string, error) {
	var result listenKeyResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Post("/fapi/v1/listenKey")
	if err != nil {
		return "", fmt.Errorf("start user data stream: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return "", fmt.Errorf("start user data stream: %w", err)
	}
	return result.ListenKey, nil
}

// KeepAliveUserDataStream extends the listen key's validity. Binance
// invalidates a listen key after 60 minutes of silence, so the caller
// renews on a ~30 minute ticker per §6.
func (c *Client) KeepAliveUserDataStream(ctx context.Context) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Put("/fapi/v1/listenKey")
	if err != nil {
		return fmt.Errorf("keepalive user data stream: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("keepalive user data stream: %w", err)
	}
	return nil
}
