// ws.go implements the two Binance USDT-M Futures WebSocket feeds named in
// §4.6: a combined market-data stream (bookTicker, aggTrade, markPrice@1s)
// and a listenKey-based user-data stream (ORDER_TRADE_UPDATE,
// ACCOUNT_UPDATE). Both auto-reconnect with exponential backoff and
// non-blocking per-event-type dispatch, grounded on the teacher's
// internal/exchange/ws.go wholesale — only the message shapes and the
// market feed's subscribe method (a SUBSCRIBE message instead of the
// teacher's asset-id subscribe) change.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"executor/pkg/types"
)

const (
	readTimeout     = 10 * time.Minute // Binance pings every ~3min; 10min covers several missed pings
	writeTimeout    = 10 * time.Second
	eventBufferSize = 256
)

// BookTickerEvent is a best-bid/best-ask update.
type BookTickerEvent struct {
	Symbol  string
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
	At      time.Time
}

// AggTradeEvent is a last-trade-price update.
type AggTradeEvent struct {
	Symbol string
	Price  decimal.Decimal
	At     time.Time
}

// MarkPriceEvent is a mark-price sample.
type MarkPriceEvent struct {
	Symbol    string
	MarkPrice decimal.Decimal
	At        time.Time
}

// OrderTradeEvent is a normalized ORDER_TRADE_UPDATE push, covering both
// regular orders and algo (stop/take-profit) orders.
type OrderTradeEvent struct {
	Symbol        string
	Side          types.PositionSide
	OrderID       int64
	ClientID      string
	Status        types.OrderStatus
	OrderType     types.OrderType
	StopPrice     decimal.Decimal
	ReduceOnly    bool
	ClosePosition bool
	IsMaker       bool
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
	RealizedPnL   decimal.Decimal
	Fee           decimal.Decimal
	At            time.Time
}

// AccountUpdateEvent is a normalized ACCOUNT_UPDATE push (position and
// margin changes, including forced removal when a position reaches zero).
type AccountUpdateEvent struct {
	Positions []types.Position
	At        time.Time
}

// feedConn is the shared connection-lifecycle machinery both feeds embed:
// dial, reconnect with exponential backoff, read-deadline enforcement, and
// a non-blocking reconnect notification so the orchestrator can trigger
// recalibration.
type feedConn struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex

	reconnectCh chan struct{}
	logger      *slog.Logger
}

func newFeedConn(url string, logger *slog.Logger) feedConn {
	return feedConn{url: url, reconnectCh: make(chan struct{}, 1), logger: logger}
}

// ReconnectEvents signals every time the underlying connection is
// (re)established, including the first connect, so the orchestrator can
// enter its no-submit recalibration window.
func (f *feedConn) ReconnectEvents() <-chan struct{} { return f.reconnectCh }

func (f *feedConn) notifyReconnect() {
	select {
	case f.reconnectCh <- struct{}{}:
	default:
	}
}

func (f *feedConn) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *feedConn) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

// runWithBackoff drives connect/read with exponential backoff (1s doubling
// to 30s), calling onConnect after each successful dial (before the caller
// enters its own read loop) and invoking read for each inbound message
// until it returns an error or the connection drops.
func runWithBackoff(ctx context.Context, f *feedConn, onConnect func() error, read func([]byte) error) error {
	const maxReconnectWait = 30 * time.Second
	backoff := time.Second

	for {
		err := connectAndRead(ctx, f, onConnect, read)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func connectAndRead(ctx context.Context, f *feedConn, onConnect func() error, read func([]byte) error) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if onConnect != nil {
		if err := onConnect(); err != nil {
			return fmt.Errorf("on-connect: %w", err)
		}
	}

	f.notifyReconnect()
	f.logger.Info("websocket connected", "url", f.url)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if err := read(msg); err != nil {
			f.logger.Error("dispatch error", "error", err)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Market data feed
// ————————————————————————————————————————————————————————————————————————

// MarketFeed is the combined bookTicker/aggTrade/markPrice stream.
type MarketFeed struct {
	feedConn

	streamsMu sync.RWMutex
	streams   map[string]bool

	bookTickerCh chan BookTickerEvent
	aggTradeCh   chan AggTradeEvent
	markPriceCh  chan MarkPriceEvent
}

// NewMarketFeed creates a market-data feed against the combined-stream
// endpoint (base URL should already point at .../stream).
func NewMarketFeed(wsURL string, logger *slog.Logger) *MarketFeed {
	return &MarketFeed{
		feedConn:     newFeedConn(wsURL, logger.With("component", "ws_market")),
		streams:      make(map[string]bool),
		bookTickerCh: make(chan BookTickerEvent, eventBufferSize),
		aggTradeCh:   make(chan AggTradeEvent, eventBufferSize),
		markPriceCh:  make(chan MarkPriceEvent, eventBufferSize),
	}
}

func (f *MarketFeed) BookTickerEvents() <-chan BookTickerEvent { return f.bookTickerCh }
func (f *MarketFeed) AggTradeEvents() <-chan AggTradeEvent     { return f.aggTradeCh }
func (f *MarketFeed) MarkPriceEvents() <-chan MarkPriceEvent   { return f.markPriceCh }

// Subscribe registers symbols for bookTicker, aggTrade, and markPrice@1s
// streams. It sends nothing itself: the SUBSCRIBE message for every
// registered stream goes out on each (re)connect, so streams added while
// connected take effect at the next connect.
func (f *MarketFeed) Subscribe(symbols []string) {
	f.streamsMu.Lock()
	defer f.streamsMu.Unlock()
	for _, sym := range symbols {
		s := streamNameLower(sym)
		f.streams[s+"@bookTicker"] = true
		f.streams[s+"@aggTrade"] = true
		f.streams[s+"@markPrice@1s"] = true
	}
}

func streamNameLower(symbol string) string {
	out := make([]byte, len(symbol))
	for i := 0; i < len(symbol); i++ {
		c := symbol[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

type subscribeMsg struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (f *MarketFeed) sendSubscription() error {
	f.streamsMu.RLock()
	params := make([]string, 0, len(f.streams))
	for s := range f.streams {
		params = append(params, s)
	}
	f.streamsMu.RUnlock()

	if len(params) == 0 {
		return nil
	}
	return f.writeJSON(subscribeMsg{Method: "SUBSCRIBE", Params: params, ID: time.Now().UnixNano()})
}

// Run connects and maintains the market feed with auto-reconnect, blocking
// until ctx is cancelled.
func (f *MarketFeed) Run(ctx context.Context) error {
	return runWithBackoff(ctx, &f.feedConn, f.sendSubscription, f.dispatch)
}

type combinedStreamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type bookTickerPayload struct {
	Symbol  string `json:"s"`
	BestBid string `json:"b"`
	BestAsk string `json:"a"`
}

type aggTradePayload struct {
	Symbol string `json:"s"`
	Price  string `json:"p"`
	Time   int64  `json:"T"`
}

type markPricePayload struct {
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
	Time      int64  `json:"E"`
}

func (f *MarketFeed) dispatch(raw []byte) error {
	var env combinedStreamEnvelope
	payload := raw
	if err := json.Unmarshal(raw, &env); err == nil && env.Data != nil {
		payload = env.Data
	}

	var kind struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(payload, &kind); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch {
	case env.Stream != "" && containsSuffix(env.Stream, "@bookTicker"):
		var p bookTickerPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		evt := BookTickerEvent{Symbol: p.Symbol, BestBid: parseDecimal(p.BestBid), BestAsk: parseDecimal(p.BestAsk), At: time.Now()}
		select {
		case f.bookTickerCh <- evt:
		default:
			f.logger.Warn("book_ticker channel full, dropping event", "symbol", p.Symbol)
		}

	case kind.EventType == "aggTrade":
		var p aggTradePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		evt := AggTradeEvent{Symbol: p.Symbol, Price: parseDecimal(p.Price), At: time.UnixMilli(p.Time)}
		select {
		case f.aggTradeCh <- evt:
		default:
			f.logger.Warn("agg_trade channel full, dropping event", "symbol", p.Symbol)
		}

	case kind.EventType == "markPriceUpdate":
		var p markPricePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		evt := MarkPriceEvent{Symbol: p.Symbol, MarkPrice: parseDecimal(p.MarkPrice), At: time.UnixMilli(p.Time)}
		select {
		case f.markPriceCh <- evt:
		default:
			f.logger.Warn("mark_price channel full, dropping event", "symbol", p.Symbol)
		}
	}
	return nil
}

func containsSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// ————————————————————————————————————————————————————————————————————————
// User data feed
// ————————————————————————————————————————————————————————————————————————

// UserFeed is the listenKey-based account/order stream.
type UserFeed struct {
	feedConn

	orderTradeCh    chan OrderTradeEvent
	accountUpdateCh chan AccountUpdateEvent
}

// NewUserFeed creates a user-data feed. The caller must construct wsURL as
// the venue's user-stream base URL with the active listenKey appended
// (e.g. ".../ws/<listenKey>") and re-create the feed if the listen key is
// ever rotated out from under it.
func NewUserFeed(wsURL string, logger *slog.Logger) *UserFeed {
	return &UserFeed{
		feedConn:        newFeedConn(wsURL, logger.With("component", "ws_user")),
		orderTradeCh:    make(chan OrderTradeEvent, eventBufferSize),
		accountUpdateCh: make(chan AccountUpdateEvent, eventBufferSize),
	}
}

func (f *UserFeed) OrderTradeEvents() <-chan OrderTradeEvent       { return f.orderTradeCh }
func (f *UserFeed) AccountUpdateEvents() <-chan AccountUpdateEvent { return f.accountUpdateCh }

// Run connects and maintains the user feed with auto-reconnect, blocking
// until ctx is cancelled.
func (f *UserFeed) Run(ctx context.Context) error {
	return runWithBackoff(ctx, &f.feedConn, nil, f.dispatch)
}

type userDataEnvelope struct {
	EventType string          `json:"e"`
	EventTime int64           `json:"E"`
	Order     json.RawMessage `json:"o"`
	Account   json.RawMessage `json:"a"`
}

type orderTradeUpdatePayload struct {
	Symbol           string `json:"s"`
	ClientOrderID    string `json:"c"`
	Side             string `json:"S"`
	PositionSide     string `json:"ps"`
	OrderType        string `json:"o"`
	OrderStatus      string `json:"X"`
	OrderID          int64  `json:"i"`
	StopPrice        string `json:"sp"`
	ReduceOnly       bool   `json:"R"`
	ClosePosition    bool   `json:"cp"`
	IsMakerSide      bool   `json:"m"`
	FilledAccumQty   string `json:"z"`
	AvgPrice         string `json:"ap"`
	RealizedProfit   string `json:"rp"`
	Commission       string `json:"n"`
}

type accountUpdatePayload struct {
	Positions []struct {
		Symbol           string `json:"s"`
		PositionAmt      string `json:"pa"`
		EntryPrice       string `json:"ep"`
		PositionSide     string `json:"ps"`
		UnrealizedPnL    string `json:"up"`
	} `json:"P"`
}

func (f *UserFeed) dispatch(raw []byte) error {
	var env userDataEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("unmarshal user event: %w", err)
	}

	switch env.EventType {
	case "ORDER_TRADE_UPDATE":
		var p orderTradeUpdatePayload
		if err := json.Unmarshal(env.Order, &p); err != nil {
			return err
		}
		side := types.PositionLong
		if p.PositionSide == "SHORT" {
			side = types.PositionShort
		}
		evt := OrderTradeEvent{
			Symbol:        p.Symbol,
			Side:          side,
			OrderID:       p.OrderID,
			ClientID:      p.ClientOrderID,
			Status:        types.OrderStatus(p.OrderStatus),
			OrderType:     types.OrderType(p.OrderType),
			StopPrice:     parseDecimal(p.StopPrice),
			ReduceOnly:    p.ReduceOnly,
			ClosePosition: p.ClosePosition,
			IsMaker:       p.IsMakerSide,
			FilledQty:     parseDecimal(p.FilledAccumQty),
			AvgPrice:      parseDecimal(p.AvgPrice),
			RealizedPnL:   parseDecimal(p.RealizedProfit),
			Fee:           parseDecimal(p.Commission),
			At:            time.UnixMilli(env.EventTime),
		}
		select {
		case f.orderTradeCh <- evt:
		default:
			f.logger.Warn("order_trade channel full, dropping event", "symbol", p.Symbol)
		}

	case "ACCOUNT_UPDATE":
		var p accountUpdatePayload
		if err := json.Unmarshal(env.Account, &p); err != nil {
			return err
		}
		positions := make([]types.Position, 0, len(p.Positions))
		for _, pos := range p.Positions {
			side := types.PositionLong
			if pos.PositionSide == "SHORT" {
				side = types.PositionShort
			}
			positions = append(positions, types.Position{
				Symbol:        pos.Symbol,
				Side:          side,
				PositionAmt:   parseDecimal(pos.PositionAmt).Abs(),
				EntryPrice:    parseDecimal(pos.EntryPrice),
				UnrealizedPnL: parseDecimal(pos.UnrealizedPnL),
			})
		}
		evt := AccountUpdateEvent{Positions: positions, At: time.UnixMilli(env.EventTime)}
		select {
		case f.accountUpdateCh <- evt:
		default:
			f.logger.Warn("account_update channel full, dropping event")
		}

	case "MARGIN_CALL", "listenKeyExpired":
		f.logger.Warn("user stream event", "type", env.EventType)
	}
	return nil
}
