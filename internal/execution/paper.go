package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"grid_go/internal/domain"
	"grid_go/internal/event"

	"github.com/shopspring/decimal"
)

var (
	_ domain.OrderGateway    = (*PaperExchange)(nil)
	_ domain.QuoteProvider   = (*PaperExchange)(nil)
	_ domain.BalanceProvider = (*PaperExchange)(nil)
	_ event.Feed             = (*PaperExchange)(nil)
)

// PaperConfig configures a PaperExchange.
type PaperConfig struct {
	FeeRate  decimal.Decimal            // maker fee, charged in the quote asset
	Balances map[string]decimal.Decimal // initial holdings by asset
	Market   event.Feed                 // optional upstream quote stream forwarded to subscribers
}

type paperOrder struct {
	req        domain.PlaceRequest
	exchangeID string
	reserved   decimal.Decimal
	open       bool
}

type subscription struct {
	ctx    context.Context
	symbol string
	inbox  chan<- event.Event
}

// PaperExchange simulates a spot exchange with virtual balances.
// Limit orders rest until a quote crosses them and then fill in full at the limit price.
type PaperExchange struct {
	mu       sync.Mutex
	balances *domain.BalanceBook
	orders   map[string]*paperOrder
	quotes   map[string]domain.Quote
	fills    []domain.Fill
	subs     []*subscription
	nextID   int64

	emitMu sync.Mutex // keeps feed delivery in mutation order

	feeRate decimal.Decimal
	market  event.Feed
	logger  *slog.Logger
}

// NewPaperExchange creates a paper exchange.
func NewPaperExchange(cfg PaperConfig) *PaperExchange {
	balances := domain.NewBalanceBook()
	for asset, amount := range cfg.Balances {
		balances.Get(asset).Credit(amount)
	}
	return &PaperExchange{
		balances: balances,
		orders:   make(map[string]*paperOrder),
		quotes:   make(map[string]domain.Quote),
		feeRate:  cfg.FeeRate,
		market:   cfg.Market,
		logger:   slog.Default().With("module", "paper"),
	}
}

// Deposit adds funds to the virtual account.
func (p *PaperExchange) Deposit(asset string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances.Get(asset).Credit(amount)
}

// Balance returns the holdings of asset.
func (p *PaperExchange) Balance(asset string) domain.Balance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.balances.Get(asset)
}

// Balances returns available amounts by asset.
func (p *PaperExchange) Balances(context.Context) (map[string]decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances.AvailableByAsset(), nil
}

// Fills returns all simulated fills.
func (p *PaperExchange) Fills() []domain.Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Fill, len(p.fills))
	copy(out, p.fills)
	return out
}

// Subscribe delivers order updates for symbol to inbox until ctx is done.
// When an upstream market feed is configured its quotes go to the same inbox.
func (p *PaperExchange) Subscribe(ctx context.Context, symbol string, inbox chan<- event.Event) error {
	sub := &subscription{ctx: ctx, symbol: symbol, inbox: inbox}

	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()

	context.AfterFunc(ctx, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, s := range p.subs {
			if s == sub {
				p.subs = append(p.subs[:i], p.subs[i+1:]...)
				break
			}
		}
	})

	if p.market != nil {
		return p.market.Subscribe(ctx, symbol, inbox)
	}
	return nil
}

// Place rests a limit order. Replays of a known client id return the original order.
func (p *PaperExchange) Place(ctx context.Context, req domain.PlaceRequest) (domain.PlaceResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.PlaceResult{}, err
	}

	p.mu.Lock()
	if o, ok := p.orders[req.ClientID]; ok {
		p.mu.Unlock()
		return domain.PlaceResult{ClientID: req.ClientID, ExchangeID: o.exchangeID, Duplicate: true}, nil
	}

	if !req.Price.IsPositive() || !req.Quantity.IsPositive() {
		p.mu.Unlock()
		return domain.PlaceResult{}, domain.NewRejectionError("place", "price and quantity must be positive")
	}

	q := p.quotes[req.Symbol]
	if req.PostOnly && crosses(req.Side, req.Price, q) {
		p.mu.Unlock()
		return domain.PlaceResult{}, domain.NewRejectionError("place", "post-only order would cross the book")
	}

	asset, amount := p.reservation(req)
	bal := p.balances.Get(asset)
	if amount.GreaterThan(bal.Available()) {
		p.mu.Unlock()
		return domain.PlaceResult{}, domain.NewRejectionError("place",
			fmt.Sprintf("insufficient %s balance: need %s, have %s", asset, amount, bal.Available()))
	}
	bal.Reserve(amount)

	p.nextID++
	o := &paperOrder{
		req:        req,
		exchangeID: fmt.Sprintf("paper-%d", p.nextID),
		reserved:   amount,
		open:       true,
	}
	p.orders[req.ClientID] = o

	evs := []event.Event{&event.OrderUpdateEvent{
		BaseEvent:  event.Now(),
		Kind:       event.UpdateAccepted,
		Symbol:     req.Symbol,
		ClientID:   req.ClientID,
		ExchangeID: o.exchangeID,
		Remaining:  req.Quantity,
	}}
	// A resting order can fill on the current quote when post-only is off
	if !req.PostOnly && crosses(req.Side, req.Price, q) {
		evs = append(evs, p.fill(o))
	}
	p.emitUnlock(req.Symbol, evs)

	p.logger.Info("PAPER EXECUTION: Order placed",
		slog.String("client_id", req.ClientID),
		slog.String("side", string(req.Side)),
		slog.String("price", req.Price.String()),
		slog.String("qty", req.Quantity.String()))

	return domain.PlaceResult{ClientID: req.ClientID, ExchangeID: o.exchangeID}, nil
}

// Cancel cancels an open order.
func (p *PaperExchange) Cancel(ctx context.Context, symbol, clientID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	o, ok := p.orders[clientID]
	if !ok || !o.open {
		p.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", clientID, domain.ErrOrderNotFound)
	}

	asset, _ := p.reservation(o.req)
	p.balances.Get(asset).Release(o.reserved)
	o.open = false

	p.emitUnlock(o.req.Symbol, []event.Event{&event.OrderUpdateEvent{
		BaseEvent:  event.Now(),
		Kind:       event.UpdateCanceled,
		Symbol:     o.req.Symbol,
		ClientID:   clientID,
		ExchangeID: o.exchangeID,
	}})

	p.logger.Info("PAPER EXECUTION: Order canceled", slog.String("client_id", clientID))
	return nil
}

// OpenOrders lists resting orders of symbol.
func (p *PaperExchange) OpenOrders(_ context.Context, symbol string) ([]domain.ExchangeOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]domain.ExchangeOrder, 0)
	for id, o := range p.orders {
		if !o.open || o.req.Symbol != symbol {
			continue
		}
		out = append(out, domain.ExchangeOrder{
			ClientID:   id,
			ExchangeID: o.exchangeID,
			Side:       o.req.Side,
			Price:      o.req.Price,
			Quantity:   o.req.Quantity,
		})
	}
	return out, nil
}

// BestBidAsk returns the last quote seen for symbol.
func (p *PaperExchange) BestBidAsk(_ context.Context, symbol string) (domain.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.quotes[symbol]
	if !ok {
		return domain.Quote{}, domain.NewTransientError("depth", fmt.Errorf("no quote for %s yet", symbol))
	}
	return q, nil
}

// OnQuote records a quote and fills every resting order it crosses.
func (p *PaperExchange) OnQuote(q domain.Quote) {
	p.mu.Lock()
	p.quotes[q.Symbol] = q

	var evs []event.Event
	for _, o := range p.orders {
		if o.open && o.req.Symbol == q.Symbol && crosses(o.req.Side, o.req.Price, q) {
			evs = append(evs, p.fill(o))
		}
	}
	p.emitUnlock(q.Symbol, evs)
}

// reservation returns the asset and amount an order locks:
// notional plus fee in the quote asset for BUY, quantity in the base asset for SELL.
func (p *PaperExchange) reservation(req domain.PlaceRequest) (string, decimal.Decimal) {
	base, quote := domain.SplitSymbol(req.Symbol)
	if req.Side == domain.SideBuy {
		notional := req.Price.Mul(req.Quantity)
		return quote, notional.Add(notional.Mul(p.feeRate))
	}
	return base, req.Quantity
}

// fill settles o at its limit price. Must be called with p.mu held.
func (p *PaperExchange) fill(o *paperOrder) event.Event {
	req := o.req
	base, quote := domain.SplitSymbol(req.Symbol)
	notional := req.Price.Mul(req.Quantity)
	fee := notional.Mul(p.feeRate)

	if req.Side == domain.SideBuy {
		p.balances.Get(quote).Settle(o.reserved)
		p.balances.Get(base).Credit(req.Quantity)
	} else {
		p.balances.Get(base).Settle(o.reserved)
		p.balances.Get(quote).Credit(notional.Sub(fee))
	}
	p.balances.VerifyAll()
	o.open = false

	now := time.Now()
	p.fills = append(p.fills, domain.Fill{
		Symbol:     req.Symbol,
		Side:       req.Side,
		ClientID:   req.ClientID,
		ExchangeID: o.exchangeID,
		Price:      req.Price,
		Quantity:   req.Quantity,
		Fee:        fee,
		Time:       now,
	})

	p.logger.Info("PAPER EXECUTION: Order filled",
		slog.String("client_id", req.ClientID),
		slog.String("side", string(req.Side)),
		slog.String("price", req.Price.String()))

	return &event.OrderUpdateEvent{
		BaseEvent:  event.BaseEvent{Ts: now.UnixMicro()},
		Kind:       event.UpdateFilled,
		Symbol:     req.Symbol,
		ClientID:   req.ClientID,
		ExchangeID: o.exchangeID,
		Quantity:   req.Quantity,
		Remaining:  decimal.Zero,
		Price:      req.Price,
		Fee:        fee,
	}
}

// emitUnlock releases p.mu and delivers evs to the subscribers of symbol.
func (p *PaperExchange) emitUnlock(symbol string, evs []event.Event) {
	var subs []*subscription
	for _, s := range p.subs {
		if s.symbol == symbol {
			subs = append(subs, s)
		}
	}
	p.emitMu.Lock()
	p.mu.Unlock()
	defer p.emitMu.Unlock()

	for _, ev := range evs {
		for _, s := range subs {
			select {
			case s.inbox <- ev:
			case <-s.ctx.Done():
			}
		}
	}
}

// crosses reports whether a limit order at price trades against q.
func crosses(side domain.Side, price decimal.Decimal, q domain.Quote) bool {
	if side == domain.SideBuy {
		return q.Ask.IsPositive() && q.Ask.LessThanOrEqual(price)
	}
	return q.Bid.IsPositive() && q.Bid.GreaterThanOrEqual(price)
}
