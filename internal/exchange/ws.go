// ws.go implements the Kraken WebSocket v2 manager.
//
// Two logical sockets run independently: the public feed
// (wss://ws.kraken.com/v2) carrying `ohlc` and `book` channels, and the
// private feed (wss://ws-auth.kraken.com/v2) carrying `executions`. Each
// keeps a registry of active subscriptions and re-sends every one of them
// on reconnect. Reconnect uses a fixed 1s delay rather than the Polymarket
// feed's exponential backoff, since Kraken's v2 gateway does not need the
// same soft-landing treatment and the spec calls for a fixed delay.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kraken-bot/pkg/types"
)

const (
	reconnectDelay  = 1 * time.Second
	wsReadTimeout   = 60 * time.Second
	wsWriteTimeout  = 10 * time.Second
	ohlcBufferSize  = 256
	bookBufferSize  = 256
	execBufferSize  = 64
)

const (
	PublicWSURL  = "wss://ws.kraken.com/v2"
	PrivateWSURL = "wss://ws-auth.kraken.com/v2"
)

// BookFrame pairs a symbol and frame type with the decoded book levels for
// one `book` channel message.
type BookFrame struct {
	Symbol string
	Type   string // "snapshot" | "update"
	Item   types.BookWireItem
}

// OHLCFrame pairs an interval and frame type with one decoded OHLC item.
type OHLCFrame struct {
	Type string
	Item types.OHLCWireItem
}

// subKey identifies one logical subscription in the registry: (channel,
// symbol, interval) for OHLC, (channel, symbol) for book (Interval = 0),
// and a fixed singleton key for executions.
type subKey struct {
	Channel  string
	Symbol   string
	Interval int
}

// socket manages one Kraken v2 WebSocket connection (public or private).
type socket struct {
	url     string
	private bool
	tokenFn func(context.Context) (string, error)

	connMu sync.Mutex
	conn   *websocket.Conn

	subsMu sync.Mutex
	subs   map[subKey]types.WSRequest

	ohlcCh chan OHLCFrame
	bookCh chan BookFrame
	execCh chan types.ExecutionWireItem

	logger *slog.Logger
}

func newSocket(url string, private bool, tokenFn func(context.Context) (string, error), logger *slog.Logger) *socket {
	return &socket{
		url:     url,
		private: private,
		tokenFn: tokenFn,
		subs:    make(map[subKey]types.WSRequest),
		ohlcCh:  make(chan OHLCFrame, ohlcBufferSize),
		bookCh:  make(chan BookFrame, bookBufferSize),
		execCh:  make(chan types.ExecutionWireItem, execBufferSize),
		logger:  logger,
	}
}

// Run connects and maintains the connection with fixed-delay reconnect.
// Blocks until ctx is cancelled.
func (s *socket) Run(ctx context.Context) error {
	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("websocket disconnected, reconnecting", "error", err, "delay", reconnectDelay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

// SubscribeOHLC registers and sends an OHLC channel subscription.
func (s *socket) SubscribeOHLC(symbol string, interval int) error {
	key := subKey{Channel: "ohlc", Symbol: symbol, Interval: interval}
	req := types.WSRequest{
		Method: "subscribe",
		Params: map[string]any{
			"channel":  "ohlc",
			"symbol":   []string{symbol},
			"interval": interval,
		},
	}
	return s.registerAndSend(key, req)
}

// SubscribeBook registers and sends a book channel subscription at the
// given depth.
func (s *socket) SubscribeBook(symbol string, depth int) error {
	key := subKey{Channel: "book", Symbol: symbol}
	req := types.WSRequest{
		Method: "subscribe",
		Params: map[string]any{
			"channel":  "book",
			"symbol":   []string{symbol},
			"depth":    depth,
			"snapshot": true,
		},
	}
	return s.registerAndSend(key, req)
}

// SubscribeExecutions registers and sends the singleton private executions
// subscription, obtaining the token via tokenFn (the manager's token cache).
func (s *socket) SubscribeExecutions(ctx context.Context) error {
	token, err := s.tokenFn(ctx)
	if err != nil {
		return fmt.Errorf("exchange: fetch ws token: %w", err)
	}
	key := subKey{Channel: "executions"}
	req := types.WSRequest{
		Method: "subscribe",
		Params: map[string]any{
			"channel": "executions",
			"token":   token,
		},
	}
	return s.registerAndSend(key, req)
}

// registerAndSend durably registers the subscription before attempting to
// send it: the dial that backs the very first connect races this call from
// Orchestrator.Start, so a not-yet-connected write is expected, not an
// error — the registration alone guarantees resendAllSubscriptions flushes
// it as soon as that first connect completes.
func (s *socket) registerAndSend(key subKey, req types.WSRequest) error {
	s.subsMu.Lock()
	s.subs[key] = req
	s.subsMu.Unlock()
	if err := s.writeJSON(req); err != nil {
		if errors.Is(err, errNotConnected) {
			return nil
		}
		return err
	}
	return nil
}

// Unsubscribe removes a subscription from the registry and, if connected,
// sends the unsubscribe message.
func (s *socket) Unsubscribe(key subKey) error {
	s.subsMu.Lock()
	req, ok := s.subs[key]
	delete(s.subs, key)
	s.subsMu.Unlock()
	if !ok {
		return nil
	}
	unsub := req
	unsub.Method = "unsubscribe"
	if err := s.writeJSON(unsub); err != nil && !errors.Is(err, errNotConnected) {
		return err
	}
	return nil
}

// OHLCEvents returns the OHLC frame channel.
func (s *socket) OHLCEvents() <-chan OHLCFrame { return s.ohlcCh }

// BookEvents returns the book frame channel.
func (s *socket) BookEvents() <-chan BookFrame { return s.bookCh }

// ExecutionEvents returns the execution frame channel.
func (s *socket) ExecutionEvents() <-chan types.ExecutionWireItem { return s.execCh }

// Close gracefully closes the connection.
func (s *socket) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *socket) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.resendAllSubscriptions(ctx); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	s.logger.Info("websocket connected", "url", s.url)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.dispatch(msg)
	}
}

// resendAllSubscriptions re-sends every registered subscription on
// (re)connect. For the private executions subscription, the token is
// obtained again through tokenFn instead of replaying the one stored in the
// registered request. With the manager's token cache that returns the
// cached token unless it is within 5s of its declared expiry, in which
// case a new token is fetched.
func (s *socket) resendAllSubscriptions(ctx context.Context) error {
	s.subsMu.Lock()
	reqs := make(map[subKey]types.WSRequest, len(s.subs))
	for k, v := range s.subs {
		params := make(map[string]any, len(v.Params))
		for pk, pv := range v.Params {
			params[pk] = pv
		}
		v.Params = params
		reqs[k] = v
	}
	s.subsMu.Unlock()

	for key, req := range reqs {
		if key.Channel == "executions" && s.tokenFn != nil {
			token, err := s.tokenFn(ctx)
			if err != nil {
				return err
			}
			req.Params["token"] = token
		}
		if err := s.writeJSON(req); err != nil {
			return err
		}
	}
	return nil
}

func (s *socket) dispatch(data []byte) {
	var probe struct {
		Method  string `json:"method"`
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		s.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	if probe.Method != "" {
		var ack types.WSAck
		if err := json.Unmarshal(data, &ack); err != nil {
			s.logger.Debug("unmarshal ack", "error", err)
			return
		}
		if !ack.Success {
			s.logger.Error("subscription failed", "method", ack.Method, "error", ack.Error)
		}
		return
	}

	switch probe.Channel {
	case "heartbeat", "status":
		// ignored per the spec's explicit contract
	case "ohlc":
		s.dispatchOHLC(data)
	case "book":
		s.dispatchBook(data)
	case "executions":
		s.dispatchExecutions(data)
	default:
		s.logger.Debug("unknown ws channel", "channel", probe.Channel)
	}
}

func (s *socket) dispatchOHLC(data []byte) {
	var frame types.WSDataFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Error("unmarshal ohlc frame", "error", err)
		return
	}
	var items []types.OHLCWireItem
	if err := json.Unmarshal(frame.Data, &items); err != nil {
		s.logger.Error("unmarshal ohlc items", "error", err)
		return
	}
	for _, item := range items {
		select {
		case s.ohlcCh <- OHLCFrame{Type: frame.Type, Item: item}:
		default:
			s.logger.Warn("ohlc channel full, dropping event", "symbol", item.Symbol)
		}
	}
}

func (s *socket) dispatchBook(data []byte) {
	var frame types.WSDataFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Error("unmarshal book frame", "error", err)
		return
	}
	var items []types.BookWireItem
	if err := json.Unmarshal(frame.Data, &items); err != nil {
		s.logger.Error("unmarshal book items", "error", err)
		return
	}
	for _, item := range items {
		select {
		case s.bookCh <- BookFrame{Symbol: item.Symbol, Type: frame.Type, Item: item}:
		default:
			s.logger.Warn("book channel full, dropping event", "symbol", item.Symbol)
		}
	}
}

func (s *socket) dispatchExecutions(data []byte) {
	var frame types.WSDataFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Error("unmarshal executions frame", "error", err)
		return
	}
	var items []types.ExecutionWireItem
	if err := json.Unmarshal(frame.Data, &items); err != nil {
		s.logger.Error("unmarshal executions items", "error", err)
		return
	}
	for _, item := range items {
		if item.ExecType != "trade" {
			continue
		}
		select {
		case s.execCh <- item:
		default:
			s.logger.Warn("executions channel full, dropping event", "order_id", item.OrderID)
		}
	}
}

var errNotConnected = errors.New("exchange: websocket not connected")

func (s *socket) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return errNotConnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(v)
}

// ————————————————————————————————————————————————————————————————————————
// Manager
// ————————————————————————————————————————————————————————————————————————

// tokenCache caches the private WS token until 5s before its declared
// expiry (default window 15 minutes).
type tokenCache struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
	fetch     func(context.Context) (string, int, error)
}

func (c *tokenCache) Get(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.expiresAt) {
		return c.token, nil
	}
	token, expiresSec, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}
	c.token = token
	c.expiresAt = time.Now().Add(time.Duration(expiresSec)*time.Second - 5*time.Second)
	return c.token, nil
}

// WSManager owns the public and private Kraken v2 sockets.
type WSManager struct {
	Public  *socket
	Private *socket

	tokens *tokenCache
}

// NewWSManager creates a manager with both sockets wired. tokenFetch issues
// the signed GetWebSocketsToken REST call. An empty publicURL/privateURL
// falls back to production Kraken.
func NewWSManager(publicURL, privateURL string, tokenFetch func(context.Context) (string, int, error), logger *slog.Logger) *WSManager {
	if publicURL == "" {
		publicURL = PublicWSURL
	}
	if privateURL == "" {
		privateURL = PrivateWSURL
	}
	tokens := &tokenCache{fetch: tokenFetch}

	m := &WSManager{tokens: tokens}
	m.Public = newSocket(publicURL, false, nil, logger.With("component", "ws_public"))
	m.Private = newSocket(privateURL, true, tokens.Get, logger.With("component", "ws_private"))
	return m
}

// Run starts both sockets and blocks until ctx is cancelled. Each socket
// reconnects on its own with a fixed delay and only returns when ctx is
// done, so Run itself has nothing else to wait on.
func (m *WSManager) Run(ctx context.Context) error {
	go m.Public.Run(ctx)
	go m.Private.Run(ctx)

	<-ctx.Done()
	return ctx.Err()
}

// Stop closes both sockets.
func (m *WSManager) Stop() {
	m.Public.Close()
	m.Private.Close()
}
