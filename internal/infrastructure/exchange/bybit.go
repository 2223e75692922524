package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vitos/crypto_trade_snr/internal/domain"
)

const (
	BybitBaseURL = "https://api.bybit.com"
	BybitWSURL   = "wss://stream.bybit.com/v5/public/linear"

	bybitCategory   = "linear"
	bybitSettleCoin = "USDT"
	recvWindow      = 5000
	wsPingInterval  = 20 * time.Second
)

type BybitConfig struct {
	APIKey            string
	APISecret         string
	BaseURL           string
	WSURL             string
	RequestsPerSecond float64
}

// BybitAdapter talks to the Bybit v5 API for USDT linear contracts. It is the candle feed,
// the order sink and the account and position source of the live bot.
type BybitAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	wsURL     string
	client    *http.Client
	limiter   *rate.Limiter
	logger    *zap.Logger

	mu    sync.RWMutex
	specs map[string]domain.InstrumentSpec
}

func NewBybitAdapter(cfg BybitConfig, logger *zap.Logger) *BybitAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = BybitBaseURL
	}
	if cfg.WSURL == "" {
		cfg.WSURL = BybitWSURL
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BybitAdapter{
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		wsURL:     cfg.WSURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1),
		logger:    logger,
		specs:     make(map[string]domain.InstrumentSpec),
	}
}

// --- REST API ---

type bybitResponse[T any] struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  T      `json:"result"`
}

func (b *BybitAdapter) sign(params string, timestamp int64) string {
	// timestamp + apiKey + recvWindow + params
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, b.apiKey, recvWindow, params)
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *BybitAdapter) sendRequest(ctx context.Context, method, path string, payload map[string]any) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	timestamp := time.Now().UnixMilli()

	var body []byte
	var paramsStr string
	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = jsonBody
		paramsStr = string(jsonBody)
	} else if idx := strings.Index(path, "?"); idx != -1 {
		paramsStr = path[idx+1:]
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BAPI-SIGN", b.sign(paramsStr, timestamp))
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(recvWindow))
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("bybit http %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// call performs a request and decodes the v5 envelope; a non-zero retCode is an error.
func call[T any](ctx context.Context, b *BybitAdapter, method, path string, payload map[string]any) (T, error) {
	var out bybitResponse[T]
	resp, err := b.sendRequest(ctx, method, path, payload)
	if err != nil {
		return out.Result, err
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return out.Result, fmt.Errorf("decode %s: %w", path, err)
	}
	if out.RetCode != 0 {
		return out.Result, fmt.Errorf("bybit %s: %d %s", path, out.RetCode, out.RetMsg)
	}
	return out.Result, nil
}

// GetCandles returns up to limit klines, oldest first.
func (b *BybitAdapter) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	path := fmt.Sprintf("/v5/market/kline?category=%s&symbol=%s&interval=%s&limit=%d", bybitCategory, symbol, interval, limit)
	result, err := call[struct {
		List [][]string `json:"list"`
	}](ctx, b, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	candles := make([]domain.Candle, 0, len(result.List))
	// newest first: [startTime, open, high, low, close, volume, turnover]
	for i := len(result.List) - 1; i >= 0; i-- {
		raw := result.List[i]
		if len(raw) < 6 {
			continue
		}
		ts, _ := strconv.ParseInt(raw[0], 10, 64)
		candles = append(candles, domain.NewCandle(ts,
			parseFloat(raw[1]), parseFloat(raw[2]), parseFloat(raw[3]), parseFloat(raw[4]), parseFloat(raw[5])))
	}
	return candles, nil
}

// InstrumentSpec reads the tick size, lot filter and the current spread of a contract.
// For USDT linear contracts one tick on one unit of quantity is worth tickSize USDT.
func (b *BybitAdapter) InstrumentSpec(ctx context.Context, symbol string) (domain.InstrumentSpec, error) {
	info, err := call[struct {
		List []struct {
			Symbol      string `json:"symbol"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				MinOrderQty string `json:"minOrderQty"`
				QtyStep     string `json:"qtyStep"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}](ctx, b, http.MethodGet, fmt.Sprintf("/v5/market/instruments-info?category=%s&symbol=%s", bybitCategory, symbol), nil)
	if err != nil {
		return domain.InstrumentSpec{}, err
	}
	if len(info.List) == 0 {
		return domain.InstrumentSpec{}, fmt.Errorf("%w: %s", domain.ErrUnknownInstrument, symbol)
	}
	raw := info.List[0]
	tick := parseFloat(raw.PriceFilter.TickSize)
	spec := domain.InstrumentSpec{
		Symbol:     raw.Symbol,
		PipSize:    tick,
		PipValue:   tick,
		MinVolume:  parseFloat(raw.LotSizeFilter.MinOrderQty),
		VolumeStep: parseFloat(raw.LotSizeFilter.QtyStep),
	}

	tickers, err := call[struct {
		List []struct {
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
		} `json:"list"`
	}](ctx, b, http.MethodGet, fmt.Sprintf("/v5/market/tickers?category=%s&symbol=%s", bybitCategory, symbol), nil)
	if err != nil {
		b.logger.Warn("Failed to fetch ticker, spread left at zero", zap.String("symbol", symbol), zap.Error(err))
	} else if len(tickers.List) > 0 {
		if spread := parseFloat(tickers.List[0].Ask1Price) - parseFloat(tickers.List[0].Bid1Price); spread > 0 {
			spec.Spread = spread
		}
	}

	b.mu.Lock()
	b.specs[symbol] = spec
	b.mu.Unlock()
	return spec, nil
}

func (b *BybitAdapter) Account(ctx context.Context) (domain.AccountSnapshot, error) {
	result, err := call[struct {
		List []struct {
			TotalWalletBalance string `json:"totalWalletBalance"`
			TotalEquity        string `json:"totalEquity"`
		} `json:"list"`
	}](ctx, b, http.MethodGet, "/v5/account/wallet-balance?accountType=UNIFIED", nil)
	if err != nil {
		return domain.AccountSnapshot{}, err
	}
	if len(result.List) == 0 {
		return domain.AccountSnapshot{}, fmt.Errorf("bybit wallet-balance: empty account list")
	}
	return domain.AccountSnapshot{
		Balance:  parseFloat(result.List[0].TotalWalletBalance),
		Equity:   parseFloat(result.List[0].TotalEquity),
		Currency: bybitSettleCoin,
		Leverage: 1,
	}, nil
}

// positionID identifies a position in one-way mode, where a symbol holds at most one position.
func positionID(symbol string, side domain.Side) string {
	return symbol + ":" + string(side)
}

func (b *BybitAdapter) Positions(ctx context.Context) ([]*domain.Position, error) {
	result, err := call[struct {
		List []struct {
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			Size        string `json:"size"`
			AvgPrice    string `json:"avgPrice"`
			StopLoss    string `json:"stopLoss"`
			TakeProfit  string `json:"takeProfit"`
			CreatedTime string `json:"createdTime"`
		} `json:"list"`
	}](ctx, b, http.MethodGet, fmt.Sprintf("/v5/position/list?category=%s&settleCoin=%s", bybitCategory, bybitSettleCoin), nil)
	if err != nil {
		return nil, err
	}

	positions := make([]*domain.Position, 0, len(result.List))
	for _, raw := range result.List {
		size := parseFloat(raw.Size)
		if size == 0 {
			continue
		}
		side := fromBybitSide(raw.Side)
		created, _ := strconv.ParseInt(raw.CreatedTime, 10, 64)
		positions = append(positions, &domain.Position{
			ID:         positionID(raw.Symbol, side),
			Exchange:   "bybit",
			Symbol:     raw.Symbol,
			Side:       side,
			Size:       size,
			EntryPrice: parseFloat(raw.AvgPrice),
			StopLoss:   parseFloat(raw.StopLoss),
			TakeProfit: parseFloat(raw.TakeProfit),
			OpenedAt:   time.UnixMilli(created),
		})
	}
	return positions, nil
}

func (b *BybitAdapter) PendingOrders(ctx context.Context) ([]*domain.Position, error) {
	result, err := call[struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			Qty         string `json:"qty"`
			Price       string `json:"price"`
			StopLoss    string `json:"stopLoss"`
			TakeProfit  string `json:"takeProfit"`
			ReduceOnly  bool   `json:"reduceOnly"`
			CreatedTime string `json:"createdTime"`
		} `json:"list"`
	}](ctx, b, http.MethodGet, fmt.Sprintf("/v5/order/realtime?category=%s&settleCoin=%s&openOnly=0", bybitCategory, bybitSettleCoin), nil)
	if err != nil {
		return nil, err
	}

	orders := make([]*domain.Position, 0, len(result.List))
	for _, raw := range result.List {
		if raw.ReduceOnly {
			continue
		}
		created, _ := strconv.ParseInt(raw.CreatedTime, 10, 64)
		orders = append(orders, &domain.Position{
			ID:         raw.OrderID,
			Exchange:   "bybit",
			Symbol:     raw.Symbol,
			Label:      raw.OrderLinkID,
			Side:       fromBybitSide(raw.Side),
			Size:       parseFloat(raw.Qty),
			EntryPrice: parseFloat(raw.Price),
			StopLoss:   parseFloat(raw.StopLoss),
			TakeProfit: parseFloat(raw.TakeProfit),
			Pending:    true,
			OpenedAt:   time.UnixMilli(created),
		})
	}
	return orders, nil
}

// Submit places a market order, or a limit order when EntryPrice is set. Quantities are
// floored to the lot step and prices rounded to the tick of the cached instrument spec.
func (b *BybitAdapter) Submit(ctx context.Context, req domain.OrderRequest) (*domain.Position, error) {
	b.mu.RLock()
	spec, ok := b.specs[req.Symbol]
	b.mu.RUnlock()
	if !ok {
		var err error
		if spec, err = b.InstrumentSpec(ctx, req.Symbol); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrOrderRejected, err)
		}
	}

	payload := map[string]any{
		"category":    bybitCategory,
		"symbol":      req.Symbol,
		"side":        toBybitSide(req.Side),
		"orderType":   "Market",
		"qty":         formatStep(req.Volume, spec.VolumeStep, true),
		"timeInForce": "GTC",
	}
	if req.Label != "" {
		payload["orderLinkId"] = req.Label
	}
	if req.EntryPrice > 0 {
		payload["orderType"] = "Limit"
		payload["price"] = formatStep(req.EntryPrice, spec.PipSize, false)
	}
	if req.StopLoss > 0 {
		payload["stopLoss"] = formatStep(req.StopLoss, spec.PipSize, false)
	}
	if req.TakeProfit > 0 {
		payload["takeProfit"] = formatStep(req.TakeProfit, spec.PipSize, false)
	}

	result, err := call[struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}](ctx, b, http.MethodPost, "/v5/order/create", payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrOrderRejected, err)
	}

	b.logger.Info("Order placed",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Any("qty", payload["qty"]),
		zap.String("order_id", result.OrderID),
		zap.String("label", req.Label))

	pos := &domain.Position{
		ID:         positionID(req.Symbol, req.Side),
		Exchange:   "bybit",
		Symbol:     req.Symbol,
		Label:      req.Label,
		Side:       req.Side,
		Size:       req.Volume,
		EntryPrice: req.EntryPrice,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Pending:    req.EntryPrice > 0,
		OpenedAt:   time.Now(),
	}
	if pos.Pending {
		pos.ID = result.OrderID
	}
	return pos, nil
}

// Close cancels a pending order or flattens a position with a reduce-only market order.
func (b *BybitAdapter) Close(ctx context.Context, pos *domain.Position) error {
	if pos.Pending {
		_, err := call[json.RawMessage](ctx, b, http.MethodPost, "/v5/order/cancel", map[string]any{
			"category": bybitCategory,
			"symbol":   pos.Symbol,
			"orderId":  pos.ID,
		})
		return err
	}

	b.mu.RLock()
	spec := b.specs[pos.Symbol]
	b.mu.RUnlock()
	_, err := call[json.RawMessage](ctx, b, http.MethodPost, "/v5/order/create", map[string]any{
		"category":   bybitCategory,
		"symbol":     pos.Symbol,
		"side":       toBybitSide(pos.Side.Opposite()),
		"orderType":  "Market",
		"qty":        formatStep(pos.Size, spec.VolumeStep, true),
		"reduceOnly": true,
	})
	if err != nil {
		return fmt.Errorf("close %s: %w", pos.Symbol, err)
	}
	return nil
}

// --- WebSocket ---

type klineMessage struct {
	Topic string `json:"topic"`
	Data  []struct {
		Start   int64  `json:"start"`
		Open    string `json:"open"`
		High    string `json:"high"`
		Low     string `json:"low"`
		Close   string `json:"close"`
		Volume  string `json:"volume"`
		Confirm bool   `json:"confirm"`
	} `json:"data"`
}

// SubscribeKlines streams kline updates for the symbols until ctx is cancelled or the
// connection fails. Every update of the forming candle is delivered to handler.
func (b *BybitAdapter) SubscribeKlines(ctx context.Context, symbols []string, interval string, handler func(symbol string, c domain.Candle)) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", b.wsURL, err)
	}
	defer conn.Close()

	args := make([]string, len(symbols))
	for i, s := range symbols {
		args[i] = "kline." + interval + "." + s
	}
	if err := conn.WriteJSON(map[string]any{"op": "subscribe", "args": args}); err != nil {
		return err
	}
	b.logger.Info("Subscribed to klines", zap.Strings("topics", args))

	var writeMu sync.Mutex
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				writeMu.Lock()
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				writeMu.Unlock()
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteJSON(map[string]string{"op": "ping"})
				writeMu.Unlock()
				if err != nil {
					b.logger.Warn("WS ping failed", zap.Error(err))
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("ws read: %w", err)
		}

		var msg klineMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			b.logger.Warn("WS unmarshal error", zap.Error(err))
			continue
		}
		if !strings.HasPrefix(msg.Topic, "kline.") {
			continue
		}
		symbol := msg.Topic[strings.LastIndex(msg.Topic, ".")+1:]
		for _, k := range msg.Data {
			handler(symbol, domain.NewCandle(k.Start,
				parseFloat(k.Open), parseFloat(k.High), parseFloat(k.Low), parseFloat(k.Close), parseFloat(k.Volume)))
		}
	}
}

func toBybitSide(side domain.Side) string {
	if side == domain.SideShort {
		return "Sell"
	}
	return "Buy"
}

func fromBybitSide(side string) domain.Side {
	if side == "Sell" {
		return domain.SideShort
	}
	return domain.SideLong
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// formatStep renders v as a multiple of step, floored for quantities and rounded for prices.
func formatStep(v, step float64, floor bool) string {
	d := decimal.NewFromFloat(v)
	if step <= 0 {
		return d.String()
	}
	s := decimal.NewFromFloat(step)
	n := d.Div(s).Round(8)
	if floor {
		n = n.Floor()
	} else {
		n = n.Round(0)
	}
	return n.Mul(s).String()
}

