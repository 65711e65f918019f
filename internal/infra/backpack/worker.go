package backpack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"grid_go/internal/domain"
	"grid_go/internal/event"
	"grid_go/internal/infra"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// QuoteSink receives every book ticker update.
type QuoteSink interface {
	Update(q domain.Quote)
}

// Worker streams bookTicker and account.orderUpdate for one symbol.
// It implements event.Feed.
type Worker struct {
	wsURL   string
	proxy   string
	signer  *Signer // nil: public streams only
	ids     *IDRegistry
	quotes  QuoteSink
	metrics *infra.Metrics
	logger  *slog.Logger

	symbol string
	inbox  chan<- event.Event

	conn    *websocket.Conn
	mu      sync.RWMutex
	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewWorker creates a websocket worker. quotes and metrics may be nil.
func NewWorker(cfg infra.ExchangeConfig, signer *Signer, ids *IDRegistry, quotes QuoteSink, metrics *infra.Metrics) *Worker {
	if ids == nil {
		ids = NewIDRegistry()
	}
	return &Worker{
		wsURL:   cfg.WSURL,
		proxy:   cfg.ProxyWebsocket,
		signer:  signer,
		ids:     ids,
		quotes:  quotes,
		metrics: metrics,
		logger:  slog.Default().With("module", "backpack_ws"),
	}
}

// Subscribe starts streaming symbol into inbox until ctx is done.
func (w *Worker) Subscribe(ctx context.Context, symbol string, inbox chan<- event.Event) error {
	w.mu.Lock()
	if w.inbox != nil {
		w.mu.Unlock()
		return errors.New("worker already subscribed")
	}
	w.symbol = symbol
	w.inbox = inbox
	w.mu.Unlock()

	w.wg.Add(1)
	go w.connectionLoop(ctx)
	return nil
}

// Wait blocks until the connection loop has exited.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) connectionLoop(ctx context.Context) {
	defer w.wg.Done()
	defer w.closeConnection()

	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			w.logger.Warn("Backpack connection failed", slog.Any("error", err), slog.Int("retry", retryCount))
			delay := infra.CalculateBackoff(retryCount)
			retryCount++
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		retryCount = 0
		w.metrics.SetFeedConnected(true)
		w.readLoop(ctx)
		w.metrics.SetFeedConnected(false)
	}
}

func (w *Worker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if w.proxy != "" {
		u, err := url.Parse(w.proxy)
		if err != nil {
			return fmt.Errorf("invalid websocket proxy: %w", err)
		}
		dialer.Proxy = http.ProxyURL(u)
	}

	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	if err := w.subscribe(); err != nil {
		w.closeConnection()
		return err
	}

	go w.pingLoop(ctx, conn)
	w.logger.Info("Backpack websocket connected", slog.String("symbol", w.symbol))
	return nil
}

func (w *Worker) subscribe() error {
	if err := w.writeJSON(subscribeRequest{
		Method: "SUBSCRIBE",
		Params: []string{"bookTicker." + w.symbol},
	}); err != nil {
		return err
	}
	if w.signer == nil {
		return nil
	}
	return w.writeJSON(subscribeRequest{
		Method:    "SUBSCRIBE",
		Params:    []string{"account.orderUpdate." + w.symbol},
		Signature: w.signer.SubscribeSignature(),
	})
}

func (w *Worker) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.RLock()
			current := w.conn == conn
			w.mu.RUnlock()
			if !current {
				return
			}
			if err := w.threadSafeWrite(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (w *Worker) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.threadSafeWrite(websocket.TextMessage, b)
}

func (w *Worker) threadSafeWrite(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.conn == nil {
		return fmt.Errorf("no conn")
	}
	return w.conn.WriteMessage(msgType, data)
}

func (w *Worker) readLoop(ctx context.Context) {
	// Unblock ReadMessage on shutdown
	stop := context.AfterFunc(ctx, w.closeConnection)
	defer stop()

	for {
		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("Backpack websocket read failed", slog.Any("error", err))
			}
			w.closeConnection()
			return
		}
		w.handleMessage(ctx, msg)
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg []byte) {
	var env struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
		Ping   any             `json:"ping"`
		Error  *apiError       `json:"error"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		w.logger.Debug("Ignoring malformed message", slog.Any("error", err))
		return
	}

	switch {
	case env.Ping != nil:
		_ = w.writeJSON(map[string]any{"pong": env.Ping})
	case env.Error != nil:
		w.logger.Error("Backpack websocket error", slog.String("code", env.Error.Code), slog.String("msg", env.Error.Message))
	case env.Stream == "bookTicker."+w.symbol:
		w.handleTicker(env.Data)
	case env.Stream == "account.orderUpdate."+w.symbol:
		w.handleOrderUpdate(ctx, env.Data)
	}
}

func (w *Worker) handleTicker(data []byte) {
	var t bookTicker
	if err := json.Unmarshal(data, &t); err != nil {
		return
	}

	q := domain.Quote{Symbol: w.symbol, Bid: t.Bid, Ask: t.Ask, Time: time.UnixMicro(t.Time)}
	if w.quotes != nil {
		w.quotes.Update(q)
	}

	ev := event.AcquireQuoteEvent()
	ev.Ts = t.Time
	ev.Symbol = w.symbol
	ev.Bid = t.Bid
	ev.Ask = t.Ask

	select {
	case w.inbox <- ev:
	default:
		event.ReleaseQuoteEvent(ev) // Release if dropped
	}
}

func (w *Worker) handleOrderUpdate(ctx context.Context, data []byte) {
	var u orderUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		w.logger.Warn("Malformed order update", slog.Any("error", err))
		return
	}

	ev, ok := w.toOrderEvent(u)
	if !ok {
		return
	}

	// Order updates are never dropped
	select {
	case w.inbox <- ev:
	case <-ctx.Done():
	}
}

func (w *Worker) toOrderEvent(u orderUpdate) (*event.OrderUpdateEvent, bool) {
	ev := &event.OrderUpdateEvent{
		BaseEvent:  event.BaseEvent{Ts: u.Time},
		Symbol:     u.Symbol,
		ExchangeID: u.OrderID,
	}
	if u.ClientID != nil {
		ev.ClientID, _ = w.ids.Lookup(*u.ClientID)
	}

	switch u.Event {
	case "orderAccepted":
		ev.Kind = event.UpdateAccepted
	case "orderFill":
		ev.Quantity = u.FillQuantity
		ev.Price = u.FillPrice
		ev.Fee = u.Fee
		ev.Remaining = decimal.Max(u.Quantity.Sub(u.Executed), decimal.Zero)
		if ev.Remaining.IsZero() {
			ev.Kind = event.UpdateFilled
		} else {
			ev.Kind = event.UpdatePartiallyFilled
		}
	case "orderCancelled", "orderExpired":
		ev.Kind = event.UpdateCanceled
	case "triggerFailed":
		ev.Kind = event.UpdateRejected
		ev.Reason = u.RejectMessage
	default:
		return nil, false
	}
	return ev, true
}

func (w *Worker) closeConnection() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}
