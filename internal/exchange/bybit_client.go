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
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// BaseURL is the production Bybit v5 API URL
	BaseURL = "https://api.bybit.com"
	// TestnetURL is the testnet Bybit v5 API URL
	TestnetURL = "https://api-testnet.bybit.com"

	category   = "linear"
	recvWindow = "10000"
)

// BybitClient implements the Client interface against the Bybit v5 REST API.
// It performs exactly one attempt per call; retry policy belongs to the
// execution pipeline.
type BybitClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewBybitClient creates a new Bybit REST client
func NewBybitClient(apiKey, secretKey string, testnet bool, logger zerolog.Logger) *BybitClient {
	baseURL := BaseURL
	if testnet {
		baseURL = TestnetURL
	}

	// Trim whitespace from keys, stray newlines break signature generation
	return &BybitClient{
		apiKey:     strings.TrimSpace(apiKey),
		secretKey:  strings.TrimSpace(secretKey),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With().Str("component", "bybit").Logger(),
	}
}

// WithBaseURL overrides the derived API base URL. Used for proxies and
// self-hosted gateways; empty input leaves the URL unchanged.
func (c *BybitClient) WithBaseURL(u string) *BybitClient {
	if u != "" {
		c.baseURL = strings.TrimRight(u, "/")
	}
	return c
}

// ==================== WIRE ENVELOPE ====================

type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type wireTicker struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
}

type wirePosition struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	MarkPrice     string `json:"markPrice"`
	Leverage      string `json:"leverage"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	PositionIM    string `json:"positionIM"`
	StopLoss      string `json:"stopLoss"`
	TakeProfit    string `json:"takeProfit"`
	TrailingStop  string `json:"trailingStop"`
	CreatedTime   string `json:"createdTime"`
	UpdatedTime   string `json:"updatedTime"`
}

type wireOrder struct {
	OrderID       string `json:"orderId"`
	OrderLinkID   string `json:"orderLinkId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	OrderType     string `json:"orderType"`
	Qty           string `json:"qty"`
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	TriggerPrice  string `json:"triggerPrice"`
	OrderStatus   string `json:"orderStatus"`
	StopOrderType string `json:"stopOrderType"`
	ReduceOnly    bool   `json:"reduceOnly"`
	CreatedTime   string `json:"createdTime"`
	UpdatedTime   string `json:"updatedTime"`
}

func (w wireOrder) toOrder() Order {
	return Order{
		OrderID:       w.OrderID,
		OrderLinkID:   w.OrderLinkID,
		Symbol:        w.Symbol,
		Side:          Side(w.Side),
		OrderType:     OrderType(w.OrderType),
		Qty:           parseFloat(w.Qty),
		Price:         parseFloat(w.Price),
		AvgPrice:      parseFloat(w.AvgPrice),
		TriggerPrice:  parseFloat(w.TriggerPrice),
		Status:        OrderStatus(w.OrderStatus),
		StopOrderType: w.StopOrderType,
		ReduceOnly:    w.ReduceOnly,
		CreatedTime:   parseMillis(w.CreatedTime),
		UpdatedTime:   parseMillis(w.UpdatedTime),
	}
}

// ==================== MARKET DATA ====================

// GetCurrentPrice retrieves the latest traded price for a symbol
func (c *BybitClient) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	params := map[string]string{"category": category, "symbol": symbol}

	result, err := c.get(ctx, "/v5/market/tickers", params, false)
	if err != nil {
		return 0, fmt.Errorf("error fetching ticker: %w", err)
	}

	var payload struct {
		List []wireTicker `json:"list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return 0, fmt.Errorf("error parsing ticker: %w", err)
	}
	if len(payload.List) == 0 {
		return 0, fmt.Errorf("no ticker returned for %s", symbol)
	}

	price := parseFloat(payload.List[0].LastPrice)
	if price <= 0 {
		return 0, fmt.Errorf("invalid ticker price %q for %s", payload.List[0].LastPrice, symbol)
	}
	return price, nil
}

// ==================== POSITION ====================

// GetPosition retrieves the position for a symbol. Returns nil when the
// exchange reports no open position (size zero).
func (c *BybitClient) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	params := map[string]string{"category": category, "symbol": symbol}

	result, err := c.get(ctx, "/v5/position/list", params, true)
	if err != nil {
		return nil, fmt.Errorf("error fetching position: %w", err)
	}

	var payload struct {
		List []wirePosition `json:"list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("error parsing position: %w", err)
	}

	for _, p := range payload.List {
		size := parseFloat(p.Size)
		if p.Symbol != symbol || size == 0 {
			continue
		}
		return &Position{
			Symbol:        p.Symbol,
			Side:          Side(p.Side),
			Size:          size,
			EntryPrice:    parseFloat(p.AvgPrice),
			MarkPrice:     parseFloat(p.MarkPrice),
			Leverage:      parseFloat(p.Leverage),
			UnrealisedPnl: parseFloat(p.UnrealisedPnl),
			PositionIM:    parseFloat(p.PositionIM),
			StopLoss:      parseFloat(p.StopLoss),
			TakeProfit:    parseFloat(p.TakeProfit),
			TrailingStop:  parseFloat(p.TrailingStop),
			CreatedTime:   parseMillis(p.CreatedTime),
			UpdatedTime:   parseMillis(p.UpdatedTime),
		}, nil
	}

	return nil, nil
}

// OpenPosition places a market entry order with stop-loss and take-profit
// attached, so the position is never live without its protection. It then
// re-reads the position to return the exchange's view of the fill.
func (c *BybitClient) OpenPosition(ctx context.Context, spec OpenPositionSpec) (*Position, error) {
	if spec.Leverage > 0 {
		if err := c.setLeverage(ctx, spec.Symbol, spec.Leverage); err != nil {
			// Leverage already set returns an error code; not fatal
			c.logger.Debug().Err(err).Str("symbol", spec.Symbol).Msg("set leverage")
		}
	}

	body := map[string]interface{}{
		"category":  category,
		"symbol":    spec.Symbol,
		"side":      string(spec.Side),
		"orderType": string(OrderTypeMarket),
		"qty":       formatFloat(spec.Qty),
	}
	if spec.StopLoss > 0 {
		body["stopLoss"] = formatFloat(spec.StopLoss)
	}
	if spec.TakeProfit > 0 {
		body["takeProfit"] = formatFloat(spec.TakeProfit)
	}
	if spec.OrderLinkID != "" {
		body["orderLinkId"] = spec.OrderLinkID
	}

	if _, err := c.post(ctx, "/v5/order/create", body); err != nil {
		return nil, fmt.Errorf("error placing entry order: %w", err)
	}

	pos, err := c.GetPosition(ctx, spec.Symbol)
	if err != nil {
		return nil, fmt.Errorf("entry placed but position readback failed: %w", err)
	}
	if pos == nil {
		return nil, fmt.Errorf("entry placed but no position reported for %s", spec.Symbol)
	}
	return pos, nil
}

// UpdateStopLoss moves the position's stop-loss price
func (c *BybitClient) UpdateStopLoss(ctx context.Context, symbol string, price float64) error {
	body := map[string]interface{}{
		"category":    category,
		"symbol":      symbol,
		"stopLoss":    formatFloat(price),
		"positionIdx": 0,
	}
	_, err := c.post(ctx, "/v5/position/trading-stop", body)
	if err != nil {
		return fmt.Errorf("error updating stop loss: %w", err)
	}
	return nil
}

// UpdateTakeProfitPartial arms a partial take-profit for a slice of the
// position at the given price.
func (c *BybitClient) UpdateTakeProfitPartial(ctx context.Context, symbol string, price, qty float64) error {
	body := map[string]interface{}{
		"category":    category,
		"symbol":      symbol,
		"takeProfit":  formatFloat(price),
		"tpSize":      formatFloat(qty),
		"tpslMode":    "Partial",
		"positionIdx": 0,
	}
	_, err := c.post(ctx, "/v5/position/trading-stop", body)
	if err != nil {
		return fmt.Errorf("error updating take profit: %w", err)
	}
	return nil
}

// ClosePosition reduces the position by a percentage of its live size via a
// reduce-only market order.
func (c *BybitClient) ClosePosition(ctx context.Context, req CloseRequest) error {
	pos, err := c.GetPosition(ctx, req.Symbol)
	if err != nil {
		return fmt.Errorf("error reading position before close: %w", err)
	}
	if pos == nil {
		return nil // Already flat
	}

	pct := req.Percentage
	if pct <= 0 || pct > 100 {
		pct = 100
	}
	qty := pos.Size * pct / 100

	body := map[string]interface{}{
		"category":   category,
		"symbol":     req.Symbol,
		"side":       string(pos.Side.Opposite()),
		"orderType":  string(OrderTypeMarket),
		"qty":        formatFloat(qty),
		"reduceOnly": true,
	}
	if _, err := c.post(ctx, "/v5/order/create", body); err != nil {
		return fmt.Errorf("error placing close order: %w", err)
	}
	return nil
}

// CancelAllConditionalOrders cancels all stop/conditional orders for a symbol
func (c *BybitClient) CancelAllConditionalOrders(ctx context.Context, symbol string) error {
	body := map[string]interface{}{
		"category":    category,
		"symbol":      symbol,
		"orderFilter": "StopOrder",
	}
	_, err := c.post(ctx, "/v5/order/cancel-all", body)
	if err != nil {
		return fmt.Errorf("error cancelling conditional orders: %w", err)
	}
	return nil
}

// ==================== ORDERS ====================

// GetActiveOrders retrieves open and untriggered orders for a symbol
func (c *BybitClient) GetActiveOrders(ctx context.Context, symbol string) ([]Order, error) {
	params := map[string]string{"category": category, "symbol": symbol}

	result, err := c.get(ctx, "/v5/order/realtime", params, true)
	if err != nil {
		return nil, fmt.Errorf("error fetching active orders: %w", err)
	}
	return parseOrderList(result)
}

// GetOrderHistory retrieves recent orders, most recent first, bounded by limit
func (c *BybitClient) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 20
	}
	params := map[string]string{
		"category": category,
		"symbol":   symbol,
		"limit":    strconv.Itoa(limit),
	}

	result, err := c.get(ctx, "/v5/order/history", params, true)
	if err != nil {
		return nil, fmt.Errorf("error fetching order history: %w", err)
	}
	return parseOrderList(result)
}

// VerifyProtectionSet inspects active conditional orders and reports whether
// a stop-loss and take-profit are armed for the given position side.
func (c *BybitClient) VerifyProtectionSet(ctx context.Context, symbol string, side Side) (*ProtectionStatus, error) {
	orders, err := c.GetActiveOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}

	status := &ProtectionStatus{}
	closing := side.Opposite()
	for _, o := range orders {
		if o.Symbol != symbol {
			continue
		}
		switch o.StopOrderType {
		case StopOrderTypeStop, StopOrderTypeStopLoss, StopOrderTypePartialStopLoss:
			status.HasStopLoss = true
			status.StopLossPrice = o.TriggerPrice
		case StopOrderTypeTrailingStop:
			status.HasStopLoss = true
			status.StopLossPrice = o.TriggerPrice
		default:
			// Reduce-only limit orders on the closing side are TP levels
			if o.ReduceOnly && o.OrderType == OrderTypeLimit && o.Side == closing {
				status.HasTakeProfit = true
				status.TakeProfitOrders++
			}
		}
	}
	return status, nil
}

// PlaceOrder places a single order and returns the exchange's ack
func (c *BybitClient) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	body := map[string]interface{}{
		"category":  category,
		"symbol":    req.Symbol,
		"side":      string(req.Side),
		"orderType": string(req.OrderType),
		"qty":       formatFloat(req.Qty),
	}
	if req.OrderType == OrderTypeLimit {
		body["price"] = formatFloat(req.Price)
		body["timeInForce"] = "GTC"
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}
	if req.OrderLinkID != "" {
		body["orderLinkId"] = req.OrderLinkID
	}

	result, err := c.post(ctx, "/v5/order/create", body)
	if err != nil {
		return nil, fmt.Errorf("error placing order: %w", err)
	}

	var ack struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(result, &ack); err != nil {
		return nil, fmt.Errorf("error parsing order ack: %w", err)
	}

	return &Order{
		OrderID:     ack.OrderID,
		OrderLinkID: ack.OrderLinkID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		OrderType:   req.OrderType,
		Qty:         req.Qty,
		Price:       req.Price,
		Status:      OrderStatusNew,
	}, nil
}

// GetOrderStatus looks an order up among active orders first, then history
func (c *BybitClient) GetOrderStatus(ctx context.Context, symbol, orderID string) (*Order, error) {
	params := map[string]string{
		"category": category,
		"symbol":   symbol,
		"orderId":  orderID,
	}

	result, err := c.get(ctx, "/v5/order/realtime", params, true)
	if err == nil {
		if orders, perr := parseOrderList(result); perr == nil && len(orders) > 0 {
			return &orders[0], nil
		}
	}

	result, err = c.get(ctx, "/v5/order/history", params, true)
	if err != nil {
		return nil, fmt.Errorf("error fetching order status: %w", err)
	}
	orders, err := parseOrderList(result)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	return &orders[0], nil
}

func (c *BybitClient) setLeverage(ctx context.Context, symbol string, leverage int) error {
	body := map[string]interface{}{
		"category":     category,
		"symbol":       symbol,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	}
	_, err := c.post(ctx, "/v5/position/set-leverage", body)
	return err
}

// ==================== TRANSPORT ====================

func (c *BybitClient) get(ctx context.Context, endpoint string, params map[string]string, signed bool) (json.RawMessage, error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	query := values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint+"?"+query, nil)
	if err != nil {
		return nil, err
	}
	if signed {
		c.signRequest(req, query)
	}

	return c.do(req)
}

func (c *BybitClient) post(ctx context.Context, endpoint string, body map[string]interface{}) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.signRequest(req, string(payload))

	return c.do(req)
}

// signRequest adds Bybit v5 auth headers. The signature covers
// timestamp + apiKey + recvWindow + payload.
func (c *BybitClient) signRequest(req *http.Request, payload string) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(timestamp + c.apiKey + recvWindow + payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", signature)
}

func (c *BybitClient) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("error parsing response: %w", err)
	}
	if envelope.RetCode != 0 {
		return nil, fmt.Errorf("API error %d: %s", envelope.RetCode, envelope.RetMsg)
	}
	return envelope.Result, nil
}

func parseOrderList(result json.RawMessage) ([]Order, error) {
	var payload struct {
		List []wireOrder `json:"list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("error parsing order list: %w", err)
	}

	orders := make([]Order, 0, len(payload.List))
	for _, w := range payload.List {
		orders = append(orders, w.toOrder())
	}
	return orders, nil
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
