package backpack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"grid_go/internal/domain"
	"grid_go/internal/event"
	"grid_go/internal/infra"

	"github.com/gorilla/websocket"
)

type quoteLog struct {
	mu     sync.Mutex
	quotes []domain.Quote
}

func (l *quoteLog) Update(q domain.Quote) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.quotes = append(l.quotes, q)
}

func TestWorker_ToOrderEvent(t *testing.T) {
	ids := NewIDRegistry()
	num := ids.Register("grid-run1-L0-1")
	w := NewWorker(infra.ExchangeConfig{}, nil, ids, nil, nil)

	raw := func(s string) orderUpdate {
		var u orderUpdate
		if err := json.Unmarshal([]byte(s), &u); err != nil {
			t.Fatal(err)
		}
		return u
	}

	tests := []struct {
		name      string
		msg       string
		kind      event.UpdateKind
		remaining string
	}{
		{"accepted", `{"e":"orderAccepted","E":1,"s":"SOL_USDC","c":%d,"i":"ord-1","q":"0.5"}`, event.UpdateAccepted, "0"},
		{"partial fill", `{"e":"orderFill","E":2,"s":"SOL_USDC","c":%d,"i":"ord-1","q":"0.5","z":"0.2","l":"0.2","L":"29.5","n":"0.001"}`, event.UpdatePartiallyFilled, "0.3"},
		{"full fill", `{"e":"orderFill","E":3,"s":"SOL_USDC","c":%d,"i":"ord-1","q":"0.5","z":"0.5","l":"0.3","L":"29.5"}`, event.UpdateFilled, "0"},
		{"canceled", `{"e":"orderCancelled","E":4,"s":"SOL_USDC","c":%d,"i":"ord-1","q":"0.5"}`, event.UpdateCanceled, "0"},
		{"expired", `{"e":"orderExpired","E":5,"s":"SOL_USDC","c":%d,"i":"ord-1","q":"0.5"}`, event.UpdateCanceled, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := w.toOrderEvent(raw(fmt.Sprintf(tt.msg, num)))
			if !ok {
				t.Fatal("event was ignored")
			}
			if ev.Kind != tt.kind {
				t.Errorf("Expected %s, got %s", tt.kind, ev.Kind)
			}
			if ev.ClientID != "grid-run1-L0-1" || ev.ExchangeID != "ord-1" {
				t.Errorf("unexpected ids %s/%s", ev.ClientID, ev.ExchangeID)
			}
			if ev.Remaining.String() != tt.remaining {
				t.Errorf("Expected remaining %s, got %s", tt.remaining, ev.Remaining)
			}
		})
	}

	if _, ok := w.toOrderEvent(raw(`{"e":"orderModified"}`)); ok {
		t.Error("unknown events should be ignored")
	}
}

func TestWorker_Stream(t *testing.T) {
	ids := NewIDRegistry()
	num := ids.Register("grid-run1-L1-1")

	subscribed := make(chan []string, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for i := 0; i < 2; i++ {
			var req subscribeRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			subscribed <- append(req.Params, fmt.Sprint(len(req.Signature)))
		}

		conn.WriteMessage(websocket.TextMessage, []byte(`{"stream":"bookTicker.SOL_USDC","data":{"s":"SOL_USDC","b":"29.99","a":"30.01","E":1700000000000000}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(
			`{"stream":"account.orderUpdate.SOL_USDC","data":{"e":"orderFill","E":1700000000000001,"s":"SOL_USDC","c":%d,"i":"ord-7","S":"Bid","q":"0.5","z":"0.5","l":"0.5","L":"29.75"}}`, num)))

		// Hold the connection until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	signer, err := NewSigner("key", testSeed(), 5000)
	if err != nil {
		t.Fatal(err)
	}
	quotes := &quoteLog{}
	w := NewWorker(infra.ExchangeConfig{WSURL: "ws" + strings.TrimPrefix(srv.URL, "http")}, signer, ids, quotes, infra.NewMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	inbox := make(chan event.Event, 8)
	if err := w.Subscribe(ctx, "SOL_USDC", inbox); err != nil {
		t.Fatal(err)
	}

	first := <-subscribed
	second := <-subscribed
	if first[0] != "bookTicker.SOL_USDC" || first[1] != "0" {
		t.Errorf("unexpected public subscription %v", first)
	}
	if second[0] != "account.orderUpdate.SOL_USDC" || second[1] != "4" {
		t.Errorf("unexpected private subscription %v", second)
	}

	var got []event.Event
	timeout := time.After(3 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-inbox:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out, got %d events", len(got))
		}
	}

	q, ok := got[0].(*event.QuoteEvent)
	if !ok || q.Bid.String() != "29.99" {
		t.Errorf("Expected quote event first, got %#v", got[0])
	}
	fill, ok := got[1].(*event.OrderUpdateEvent)
	if !ok || fill.Kind != event.UpdateFilled || fill.ClientID != "grid-run1-L1-1" || fill.Price.String() != "29.75" {
		t.Errorf("unexpected order event %#v", got[1])
	}

	quotes.mu.Lock()
	if len(quotes.quotes) != 1 {
		t.Errorf("Expected the quote to reach the sink, got %d", len(quotes.quotes))
	}
	quotes.mu.Unlock()

	cancel()
	w.Wait()
}

func TestWorker_SubscribeTwice(t *testing.T) {
	w := NewWorker(infra.ExchangeConfig{WSURL: "ws://127.0.0.1:1"}, nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		w.Wait()
	}()

	if err := w.Subscribe(ctx, "SOL_USDC", make(chan event.Event, 1)); err != nil {
		t.Fatal(err)
	}
	if err := w.Subscribe(ctx, "SOL_USDC", make(chan event.Event, 1)); err == nil {
		t.Error("Expected error on second subscribe")
	}
}
