package backpack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"grid_go/internal/domain"
	"grid_go/internal/infra"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Client is the Backpack REST API client. It implements domain.OrderGateway,
// domain.QuoteProvider, domain.BalanceProvider and domain.MarketInfoProvider.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *Signer
	limiter    *rate.Limiter
	ids        *IDRegistry
	logger     *slog.Logger

	mu      sync.Mutex
	placed  map[string]domain.PlaceResult // successful places by client id
	unknown map[string]bool               // places whose outcome was ambiguous
}

// NewClient creates a new Backpack API client. signer may be nil for public endpoints only.
func NewClient(cfg infra.ExchangeConfig, signer *Signer, ids *IDRegistry) *Client {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if ids == nil {
		ids = NewIDRegistry()
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.RestURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		signer:  signer,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		ids:     ids,
		logger:  slog.Default().With("module", "backpack_client"),
		placed:  make(map[string]domain.PlaceResult),
		unknown: make(map[string]bool),
	}
}

// Place submits a limit order. Retrying with the same ClientID never creates
// a second order: a cached success is returned as is, and a place that failed
// ambiguously is looked up among open orders and the order history before
// being sent again.
func (c *Client) Place(ctx context.Context, req domain.PlaceRequest) (domain.PlaceResult, error) {
	c.mu.Lock()
	res, done := c.placed[req.ClientID]
	ambiguous := c.unknown[req.ClientID]
	c.mu.Unlock()

	if done {
		res.Duplicate = true
		return res, nil
	}

	numID := c.ids.Register(req.ClientID)

	if ambiguous {
		exchID, found, err := c.findPlaced(ctx, req.Symbol, req.ClientID, numID)
		if err != nil {
			return domain.PlaceResult{}, err
		}
		if found {
			res = domain.PlaceResult{ClientID: req.ClientID, ExchangeID: exchID, Duplicate: true}
			c.remember(req.ClientID, res)
			return res, nil
		}
	}

	body := orderRequest{
		Symbol:      req.Symbol,
		Side:        toSide(req.Side),
		OrderType:   "Limit",
		Price:       req.Price.String(),
		Quantity:    req.Quantity.String(),
		TimeInForce: "GTC",
		PostOnly:    req.PostOnly,
		ClientID:    numID,
	}

	var o orderResponse
	err := c.do(ctx, "place", http.MethodPost, "/api/v1/order", "orderExecute", body.params(), nil, body, &o)
	if err != nil {
		if domain.IsRetriable(err) {
			c.mu.Lock()
			c.unknown[req.ClientID] = true
			c.mu.Unlock()
		}
		return domain.PlaceResult{}, err
	}

	res = domain.PlaceResult{ClientID: req.ClientID, ExchangeID: o.ID}
	c.remember(req.ClientID, res)
	c.logger.Info("Order placed",
		slog.String("client_id", req.ClientID),
		slog.String("order_id", o.ID),
		slog.String("side", string(req.Side)),
		slog.String("price", req.Price.String()))
	return res, nil
}

// findPlaced reports whether an order with clientID reached the exchange.
// Resting orders are found by lookup; ones already filled or canceled only
// show up in the order history.
func (c *Client) findPlaced(ctx context.Context, symbol, clientID string, numID uint32) (string, bool, error) {
	o, err := c.GetOrder(ctx, symbol, clientID)
	switch {
	case err == nil:
		return o.ExchangeID, true, nil
	case !errors.Is(err, domain.ErrOrderNotFound):
		return "", false, err
	}

	h, found, err := c.historyOrder(ctx, symbol, numID)
	if err != nil || !found {
		return "", false, err
	}
	c.logger.Warn("Ambiguous place found in order history",
		slog.String("client_id", clientID),
		slog.String("order_id", h.ID),
		slog.String("status", h.Status))
	return h.ID, true, nil
}

// historyOrder searches the recent order history of symbol for numID.
func (c *Client) historyOrder(ctx context.Context, symbol string, numID uint32) (orderResponse, bool, error) {
	params := map[string]string{"symbol": symbol, "limit": "100"}

	var resp []orderResponse
	err := c.do(ctx, "history", http.MethodGet, "/wapi/v1/history/orders", "orderHistoryQueryAll", params, params, nil, &resp)
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		return orderResponse{}, false, nil
	case err != nil:
		return orderResponse{}, false, err
	}

	for _, o := range resp {
		if o.ClientID != nil && *o.ClientID == numID {
			return o, true, nil
		}
	}
	return orderResponse{}, false, nil
}

func (c *Client) remember(clientID string, res domain.PlaceResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res.Duplicate = false
	c.placed[clientID] = res
	delete(c.unknown, clientID)
}

// Cancel cancels an order by client id. An order the exchange does not know returns ErrOrderNotFound.
func (c *Client) Cancel(ctx context.Context, symbol, clientID string) error {
	numID := c.ids.Register(clientID)
	body := struct {
		Symbol   string `json:"symbol"`
		ClientID uint32 `json:"clientId"`
	}{symbol, numID}
	params := map[string]string{"symbol": symbol, "clientId": formatID(numID)}

	return c.do(ctx, "cancel", http.MethodDelete, "/api/v1/order", "orderCancel", params, nil, body, nil)
}

// GetOrder looks up an open order by client id.
func (c *Client) GetOrder(ctx context.Context, symbol, clientID string) (domain.ExchangeOrder, error) {
	numID := c.ids.Register(clientID)
	params := map[string]string{"symbol": symbol, "clientId": formatID(numID)}

	var o orderResponse
	if err := c.do(ctx, "lookup", http.MethodGet, "/api/v1/order", "orderQuery", params, params, nil, &o); err != nil {
		return domain.ExchangeOrder{}, err
	}
	return c.toExchangeOrder(o), nil
}

// OpenOrders lists the open orders of symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]domain.ExchangeOrder, error) {
	params := map[string]string{"symbol": symbol}

	var resp []orderResponse
	if err := c.do(ctx, "open_orders", http.MethodGet, "/api/v1/orders", "orderQueryAll", params, params, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]domain.ExchangeOrder, 0, len(resp))
	for _, o := range resp {
		out = append(out, c.toExchangeOrder(o))
	}
	return out, nil
}

func (c *Client) toExchangeOrder(o orderResponse) domain.ExchangeOrder {
	eo := domain.ExchangeOrder{
		ExchangeID: o.ID,
		Side:       fromSide(o.Side),
		Price:      o.Price,
		Quantity:   o.Quantity,
		Filled:     o.ExecutedQuantity,
	}
	if o.ClientID != nil {
		eo.ClientID, _ = c.ids.Lookup(*o.ClientID)
	}
	return eo
}

// Balances returns available balances by asset.
func (c *Client) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	var resp map[string]balanceEntry
	if err := c.do(ctx, "balances", http.MethodGet, "/api/v1/capital", "balanceQuery", nil, nil, nil, &resp); err != nil {
		return nil, err
	}

	out := make(map[string]decimal.Decimal, len(resp))
	for asset, b := range resp {
		out[asset] = b.Available
	}
	return out, nil
}

// BestBidAsk returns the top of the order book.
func (c *Client) BestBidAsk(ctx context.Context, symbol string) (domain.Quote, error) {
	var resp depthResponse
	q := map[string]string{"symbol": symbol}
	if err := c.do(ctx, "depth", http.MethodGet, "/api/v1/depth", "", nil, q, nil, &resp); err != nil {
		return domain.Quote{}, err
	}

	quote := domain.Quote{Symbol: symbol, Time: time.Now()}
	for _, lvl := range resp.Bids {
		if lvl[0].GreaterThan(quote.Bid) {
			quote.Bid = lvl[0]
		}
	}
	for _, lvl := range resp.Asks {
		if quote.Ask.IsZero() || lvl[0].LessThan(quote.Ask) {
			quote.Ask = lvl[0]
		}
	}
	if !quote.IsValid() {
		return domain.Quote{}, domain.NewTransientError("depth", fmt.Errorf("empty or crossed book for %s", symbol))
	}
	return quote, nil
}

// MarketInfo returns tick size and quantity filters of symbol.
func (c *Client) MarketInfo(ctx context.Context, symbol string) (domain.MarketInfo, error) {
	var resp []marketResponse
	if err := c.do(ctx, "markets", http.MethodGet, "/api/v1/markets", "", nil, nil, nil, &resp); err != nil {
		return domain.MarketInfo{}, err
	}

	for _, m := range resp {
		if m.Symbol != symbol {
			continue
		}
		return domain.MarketInfo{
			Symbol:     m.Symbol,
			BaseAsset:  m.BaseSymbol,
			QuoteAsset: m.QuoteSymbol,
			TickSize:   m.Filters.Price.TickSize,
			StepSize:   m.Filters.Quantity.StepSize,
			MinQty:     m.Filters.Quantity.MinQuantity,
		}, nil
	}
	return domain.MarketInfo{}, fmt.Errorf("%w: %s", domain.ErrInvalidSymbol, symbol)
}

// do sends a request and decodes the JSON response into out.
// An empty instruction means a public endpoint.
func (c *Client) do(ctx context.Context, op, method, path, instruction string, signParams, query map[string]string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.NewTransientError(op, err)
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(b)
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		v := url.Values{}
		for k, val := range query {
			v.Set(k, val)
		}
		reqURL += "?" + v.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if instruction != "" {
		if c.signer == nil {
			return domain.NewRejectionError(op, "API credentials required")
		}
		c.signer.SetHeaders(req.Header, instruction, signParams)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyNetErr(ctx, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.NewTransientError(op, err)
	}

	if resp.StatusCode >= 300 {
		return classifyStatus(op, resp.StatusCode, data)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func classifyNetErr(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	// Timeouts, resets and refused dials are all worth retrying
	return domain.NewTransientError(op, err)
}

func classifyStatus(op string, status int, body []byte) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	msg := ae.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	detail := fmt.Errorf("status=%d code=%s msg=%s", status, ae.Code, msg)

	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return domain.NewTransientError(op, detail)
	case status == http.StatusNotFound || strings.Contains(strings.ToLower(msg), "not found"):
		return fmt.Errorf("%s: %w (%v)", op, domain.ErrOrderNotFound, detail)
	default:
		return &domain.GatewayRejectionError{Op: op, Reason: msg, Err: detail}
	}
}
