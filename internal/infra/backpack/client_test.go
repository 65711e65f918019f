package backpack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"grid_go/internal/domain"
	"grid_go/internal/infra"

	"github.com/shopspring/decimal"
)

type fakeAPI struct {
	mu        sync.Mutex
	failPlace int // 503 responses before accepting
	landFail  bool
	fillLand  bool // a landed failed place is filled at once and moves to history
	orders    map[uint32]orderResponse
	history   []orderResponse
	posts     int
	lastSig   string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{orders: make(map[uint32]orderResponse)}
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/order", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.lastSig = r.Header.Get("X-Signature")

		switch r.Method {
		case http.MethodPost:
			f.posts++
			var req orderRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if req.Price == "0" {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(apiError{Code: "INVALID_ORDER", Message: "Price must be positive"})
				return
			}
			id := req.ClientID
			o := orderResponse{ID: "ord-" + formatID(id), ClientID: &id, Symbol: req.Symbol, Side: req.Side,
				Price: decimal.RequireFromString(req.Price), Quantity: decimal.RequireFromString(req.Quantity), Status: "New"}
			if f.failPlace > 0 {
				f.failPlace--
				switch {
				case f.landFail && f.fillLand:
					o.Status = "Filled"
					o.ExecutedQuantity = o.Quantity
					f.history = append(f.history, o)
				case f.landFail:
					f.orders[id] = o
				}
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			f.orders[id] = o
			json.NewEncoder(w).Encode(o)

		case http.MethodGet:
			for k, o := range f.orders {
				if formatID(k) == r.URL.Query().Get("clientId") {
					json.NewEncoder(w).Encode(o)
					return
				}
			}
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(apiError{Code: "RESOURCE_NOT_FOUND", Message: "Order not found"})

		case http.MethodDelete:
			var req struct {
				ClientID uint32 `json:"clientId"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			o, ok := f.orders[req.ClientID]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				json.NewEncoder(w).Encode(apiError{Code: "RESOURCE_NOT_FOUND", Message: "Order not found"})
				return
			}
			delete(f.orders, req.ClientID)
			o.Status = "Cancelled"
			json.NewEncoder(w).Encode(o)
		}
	})

	mux.HandleFunc("/api/v1/orders", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		out := make([]orderResponse, 0, len(f.orders))
		for _, o := range f.orders {
			out = append(out, o)
		}
		json.NewEncoder(w).Encode(out)
	})

	mux.HandleFunc("/wapi/v1/history/orders", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.Header.Get("X-Signature") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		out := make([]orderResponse, 0, len(f.history))
		for _, o := range f.history {
			if o.Symbol == r.URL.Query().Get("symbol") {
				out = append(out, o)
			}
		}
		json.NewEncoder(w).Encode(out)
	})

	mux.HandleFunc("/api/v1/capital", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"SOL":{"available":"12.5","locked":"1","staked":"0"},"USDC":{"available":"400","locked":"0","staked":"0"}}`))
	})

	mux.HandleFunc("/api/v1/depth", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") != "SOL_USDC" {
			w.Write([]byte(`{"asks":[],"bids":[]}`))
			return
		}
		w.Write([]byte(`{"asks":[["30.02","5"],["30.01","2"]],"bids":[["29.97","1"],["29.99","3"]]}`))
	})

	mux.HandleFunc("/api/v1/markets", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"symbol":"SOL_USDC","baseSymbol":"SOL","quoteSymbol":"USDC","filters":{"price":{"tickSize":"0.01"},"quantity":{"stepSize":"0.01","minQuantity":"0.01"}}}]`))
	})

	return mux
}

func newTestClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	signer, err := NewSigner("key", testSeed(), 5000)
	if err != nil {
		t.Fatal(err)
	}
	return NewClient(infra.ExchangeConfig{RestURL: srv.URL, RequestsPerSecond: 1000, Burst: 100}, signer, nil)
}

func placeReq(id string) domain.PlaceRequest {
	return domain.PlaceRequest{
		Symbol:   "SOL_USDC",
		Side:     domain.SideBuy,
		Price:    decimal.RequireFromString("29.5"),
		Quantity: decimal.RequireFromString("0.5"),
		ClientID: id,
		PostOnly: true,
	}
}

func TestClient_PlaceAndOpenOrders(t *testing.T) {
	api := newFakeAPI()
	c := newTestClient(t, api)
	ctx := context.Background()

	res, err := c.Place(ctx, placeReq("grid-run1-L0-1"))
	if err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	if res.ExchangeID == "" || res.Duplicate {
		t.Errorf("unexpected result %+v", res)
	}
	if api.lastSig == "" {
		t.Error("request was not signed")
	}

	orders, err := c.OpenOrders(ctx, "SOL_USDC")
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 1 || orders[0].ClientID != "grid-run1-L0-1" || orders[0].Side != domain.SideBuy {
		t.Errorf("Expected the string client id back, got %+v", orders)
	}

	// Retry after success is served from cache
	again, err := c.Place(ctx, placeReq("grid-run1-L0-1"))
	if err != nil || !again.Duplicate || again.ExchangeID != res.ExchangeID {
		t.Errorf("Expected cached duplicate, got %+v %v", again, err)
	}
	if api.posts != 1 {
		t.Errorf("Expected a single POST, got %d", api.posts)
	}
}

func TestClient_PlaceAfterAmbiguousFailure(t *testing.T) {
	tests := []struct {
		name      string
		landed    bool
		filled    bool
		wantPosts int
		wantDup   bool
	}{
		{"order reached the book", true, false, 1, true},
		{"order reached the book and filled", true, true, 1, true},
		{"order lost", false, false, 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI()
			api.failPlace = 1
			api.landFail = tt.landed
			api.fillLand = tt.filled
			c := newTestClient(t, api)

			_, err := c.Place(context.Background(), placeReq("grid-run1-L1-1"))
			if !domain.IsRetriable(err) {
				t.Fatalf("Expected transient error on 503, got %v", err)
			}

			res, err := c.Place(context.Background(), placeReq("grid-run1-L1-1"))
			if err != nil {
				t.Fatalf("retry failed: %v", err)
			}
			if res.Duplicate != tt.wantDup {
				t.Errorf("Expected Duplicate=%v, got %+v", tt.wantDup, res)
			}
			if api.posts != tt.wantPosts {
				t.Errorf("Expected %d POSTs, got %d", tt.wantPosts, api.posts)
			}
			if n := len(api.orders) + len(api.history); n != 1 {
				t.Errorf("Expected exactly one order on the exchange, got %d", n)
			}
			if tt.filled && res.ExchangeID != api.history[0].ID {
				t.Errorf("Expected the filled order's id, got %s", res.ExchangeID)
			}
		})
	}
}

func TestClient_ErrorClassification(t *testing.T) {
	api := newFakeAPI()
	c := newTestClient(t, api)
	ctx := context.Background()

	req := placeReq("grid-run1-L2-1")
	req.Price = decimal.Zero
	_, err := c.Place(ctx, req)
	if !domain.IsRejection(err) {
		t.Errorf("Expected rejection for 400, got %v", err)
	}

	err = c.Cancel(ctx, "SOL_USDC", "grid-run1-L9-1")
	if !errors.Is(err, domain.ErrOrderNotFound) {
		t.Errorf("Expected ErrOrderNotFound, got %v", err)
	}

	if _, err := c.Place(ctx, placeReq("grid-run1-L3-1")); err != nil {
		t.Fatal(err)
	}
	if err := c.Cancel(ctx, "SOL_USDC", "grid-run1-L3-1"); err != nil {
		t.Errorf("Cancel failed: %v", err)
	}
}

func TestClient_MarketData(t *testing.T) {
	c := newTestClient(t, newFakeAPI())
	ctx := context.Background()

	q, err := c.BestBidAsk(ctx, "SOL_USDC")
	if err != nil {
		t.Fatal(err)
	}
	if q.Bid.String() != "29.99" || q.Ask.String() != "30.01" {
		t.Errorf("Expected 29.99/30.01, got %s/%s", q.Bid, q.Ask)
	}

	if _, err := c.BestBidAsk(ctx, "BTC_USDC"); !domain.IsRetriable(err) {
		t.Errorf("Expected transient error for empty book, got %v", err)
	}

	bal, err := c.Balances(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if bal["SOL"].String() != "12.5" || bal["USDC"].String() != "400" {
		t.Errorf("unexpected balances %v", bal)
	}

	info, err := c.MarketInfo(ctx, "SOL_USDC")
	if err != nil {
		t.Fatal(err)
	}
	if info.TickSize.String() != "0.01" || info.BaseAsset != "SOL" {
		t.Errorf("unexpected market info %+v", info)
	}
	if _, err := c.MarketInfo(ctx, "DOGE_USDC"); !errors.Is(err, domain.ErrInvalidSymbol) {
		t.Errorf("Expected ErrInvalidSymbol, got %v", err)
	}
}

func TestClient_PrivateWithoutSigner(t *testing.T) {
	srv := httptest.NewServer(newFakeAPI().handler())
	defer srv.Close()
	c := NewClient(infra.ExchangeConfig{RestURL: srv.URL}, nil, nil)

	if _, err := c.Balances(context.Background()); !domain.IsRejection(err) {
		t.Errorf("Expected rejection without credentials, got %v", err)
	}
	if _, err := c.BestBidAsk(context.Background(), "SOL_USDC"); err != nil {
		t.Errorf("public endpoint should work without credentials: %v", err)
	}
}

func TestIDRegistry(t *testing.T) {
	r := NewIDRegistry()
	a := r.Register("grid-run1-L0-1")
	if a != r.Register("grid-run1-L0-1") {
		t.Error("mapping must be deterministic")
	}
	if a == r.Register("grid-run1-L0-2") {
		t.Error("different ids should map apart")
	}
	if s, ok := r.Lookup(a); !ok || s != "grid-run1-L0-1" {
		t.Errorf("Lookup = %s, %v", s, ok)
	}
	if s, ok := r.Lookup(12345); ok || s != "12345" {
		t.Errorf("unknown id should format as number, got %s", s)
	}
}
