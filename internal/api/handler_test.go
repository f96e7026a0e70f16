package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/investotype/sim-engine/internal/api"
	"github.com/investotype/sim-engine/internal/date"
	"github.com/investotype/sim-engine/internal/engine"
	"github.com/investotype/sim-engine/internal/history"
	"github.com/investotype/sim-engine/internal/model"
	"github.com/investotype/sim-engine/internal/store"
)

// flatMarket quotes every known symbol at a constant price.
type flatMarket map[string]float64

func (m flatMarket) DailySeries(_ context.Context, symbol string, from, to date.Date) (model.QuoteSeries, error) {
	price, ok := m[symbol]
	if !ok {
		return model.QuoteSeries{}, fmt.Errorf("%w for %s", model.ErrNoData, symbol)
	}
	var rows model.History
	for day := from; !day.After(to); day = day.AddDays(1) {
		rows = append(rows, model.PricePoint{Date: day, Close: price, AdjClose: price})
	}
	return model.QuoteSeries{Symbol: symbol, Currency: "USD", Points: rows}, nil
}

// newTestEnv creates a Handler over an in-memory engine and mounts it on
// the production router.
func newTestEnv(t *testing.T) http.Handler {
	t.Helper()
	market := flatMarket{"AAA": 100, "BBB": 50, "SPY": 300}
	clock := func() time.Time { return time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC) }
	eng := engine.New(store.NewMemorySessionStore(), history.NewProvider(market), engine.WithClock(clock))
	return api.NewRouter(api.NewHandler(eng), nil, 5*time.Second)
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

func startSimulation(t *testing.T, router http.Handler) string {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/simulations", engine.StartRequest{
		StartDate:        "2020-01-01",
		EndDate:          "2020-01-15",
		Frequency:        "weekly",
		InitialCash:      10000,
		Assets:           []string{"AAA", "BBB"},
		BenchmarkSymbols: []string{"SPY"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var res engine.StartResult
	decodeBody(t, w, &res)
	if res.SimulationID == "" {
		t.Fatal("expected a simulation id")
	}
	return res.SimulationID
}

func TestHealth(t *testing.T) {
	router := newTestEnv(t)
	w := do(t, router, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestStartSimulation(t *testing.T) {
	router := newTestEnv(t)
	id := startSimulation(t, router)

	w := do(t, router, "GET", "/api/v1/simulations/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var detail engine.Detail
	decodeBody(t, w, &detail)
	if detail.TotalSteps != 3 {
		t.Errorf("expected 3 steps, got %d", detail.TotalSteps)
	}
	if detail.Preview == nil {
		t.Error("expected a preview")
	}
}

func TestStartSimulation_Invalid(t *testing.T) {
	router := newTestEnv(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"bad date", engine.StartRequest{StartDate: "2020/01/01", EndDate: "2020-02-01", Frequency: "weekly", InitialCash: 1, Assets: []string{"AAA"}}, http.StatusBadRequest},
		{"no assets", engine.StartRequest{StartDate: "2020-01-01", EndDate: "2020-02-01", Frequency: "weekly", InitialCash: 1}, http.StatusBadRequest},
		{"unknown symbol", engine.StartRequest{StartDate: "2020-01-01", EndDate: "2020-02-01", Frequency: "weekly", InitialCash: 1, Assets: []string{"ZZZ"}}, http.StatusBadGateway},
		{"malformed body", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/simulations", tt.body)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
			var body map[string]string
			decodeBody(t, w, &body)
			if body["error"] == "" {
				t.Error("expected an error message")
			}
		})
	}
}

func TestGetSimulation_NotFound(t *testing.T) {
	router := newTestEnv(t)
	w := do(t, router, "GET", "/api/v1/simulations/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestRebalanceAndFinish(t *testing.T) {
	router := newTestEnv(t)
	id := startSimulation(t, router)
	base := "/api/v1/simulations/" + id

	w := do(t, router, "POST", base+"/rebalance", engine.RebalanceRequest{Weights: engine.Weights{"AAA": 0.6, "BBB": 0.4}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res engine.RebalanceResult
	decodeBody(t, w, &res)
	if res.StepIndex != 1 {
		t.Errorf("expected step 1, got %d", res.StepIndex)
	}
	if res.Positions["AAA"].Quantity <= 0 {
		t.Error("expected an AAA position after rebalance")
	}

	w = do(t, router, "POST", base+"/rebalance", engine.RebalanceRequest{Dollars: engine.Dollars{"AAA": 1e6}})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("over-budget dollars: expected 422, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "POST", base+"/rebalance", engine.RebalanceRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty targets: expected 400, got %d", w.Code)
	}

	w = do(t, router, "POST", base+"/finish", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var report engine.Report
	decodeBody(t, w, &report)
	if report.InvestorProfile.Code == "" {
		t.Error("expected an investor profile code")
	}
	if report.Benchmark.Symbol != "SPY" {
		t.Errorf("expected SPY benchmark, got %q", report.Benchmark.Symbol)
	}

	w = do(t, router, "POST", base+"/rebalance", engine.RebalanceRequest{Weights: engine.Weights{"AAA": 1}})
	if w.Code != http.StatusConflict {
		t.Errorf("rebalance after finish: expected 409, got %d", w.Code)
	}
}

func TestTrade(t *testing.T) {
	router := newTestEnv(t)
	id := startSimulation(t, router)
	base := "/api/v1/simulations/" + id

	w := do(t, router, "POST", base+"/rebalance", engine.RebalanceRequest{Weights: engine.Weights{"AAA": 0.5, "BBB": 0.5}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "POST", base+"/trade", engine.TradeRequest{SellSymbol: "AAA", BuySymbol: "BBB", SellAmount: 1000, BuyAmount: 900})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res engine.TradeResult
	decodeBody(t, w, &res)
	if res.SoldValue <= 0 || res.BoughtValue <= 0 {
		t.Errorf("expected both legs to execute, got sold=%v bought=%v", res.SoldValue, res.BoughtValue)
	}

	w = do(t, router, "POST", base+"/trade", engine.TradeRequest{SellSymbol: "AAA", BuySymbol: "BBB", SellAmount: 1e6})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("oversell: expected 422, got %d", w.Code)
	}
}

func TestAddAsset(t *testing.T) {
	router := newTestEnv(t)
	id := startSimulation(t, router)

	w := do(t, router, "POST", "/api/v1/simulations/"+id+"/assets", api.AddAssetRequest{Token: "SPY"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res engine.AddAssetResult
	decodeBody(t, w, &res)
	if len(res.Symbols) != 3 {
		t.Errorf("expected 3 symbols, got %v", res.Symbols)
	}

	w = do(t, router, "POST", "/api/v1/simulations/"+id+"/assets", api.AddAssetRequest{Token: "LEVERAGE:AAA:99"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad token: expected 400, got %d", w.Code)
	}
}

func TestViews(t *testing.T) {
	router := newTestEnv(t)
	id := startSimulation(t, router)
	base := "/api/v1/simulations/" + id

	for _, path := range []string{"/timeline", "/timeline?endDate=2020-01-10", "/replay", "/projection", "/market-briefing"} {
		w := do(t, router, "GET", base+path, nil)
		if w.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d: %s", path, w.Code, w.Body.String())
		}
	}

	w := do(t, router, "GET", base+"/timeline?endDate=yesterday", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad endDate: expected 400, got %d", w.Code)
	}
	w = do(t, router, "GET", base+"/timeline?endDate=2019-12-01", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("endDate before start: expected 400, got %d", w.Code)
	}

	w = do(t, router, "GET", base+"/replay", nil)
	var replay engine.Replay
	decodeBody(t, w, &replay)
	if len(replay.Frames) != 15 {
		t.Errorf("expected 15 frames, got %d", len(replay.Frames))
	}
}

func TestMarketSearch(t *testing.T) {
	router := newTestEnv(t)
	id := startSimulation(t, router)

	w := do(t, router, "POST", "/api/v1/simulations/"+id+"/market-search", api.SearchRequest{Query: "AAA", Date: "2020-01-08"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res engine.SearchResult
	decodeBody(t, w, &res)
	if !res.Asset.InPortfolio || res.Asset.Price != 100 {
		t.Errorf("unexpected asset: %+v", res.Asset)
	}

	w = do(t, router, "POST", "/api/v1/simulations/"+id+"/market-search", api.SearchRequest{Query: "  "})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty query: expected 400, got %d", w.Code)
	}

	// Free-text queries need a symbol search backend.
	w = do(t, router, "POST", "/api/v1/simulations/"+id+"/market-search", api.SearchRequest{Query: "acme corp"})
	if w.Code != http.StatusBadGateway {
		t.Errorf("name query without search: expected 502, got %d", w.Code)
	}
}

func TestAssetEndpoints(t *testing.T) {
	router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/assets/price", api.TokenRequest{Token: "AAA", Date: "2020-03-02"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var q engine.PriceQuote
	decodeBody(t, w, &q)
	if q.Price != 100 {
		t.Errorf("expected 100, got %v", q.Price)
	}

	w = do(t, router, "POST", "/api/v1/assets/price", api.TokenRequest{Token: "AAA"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing date: expected 400, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/assets/validate", api.TokenRequest{Token: "CASH"})
	if w.Code != http.StatusOK {
		t.Errorf("CASH: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, "POST", "/api/v1/assets/validate", api.TokenRequest{Token: "ZZZ"})
	if w.Code != http.StatusBadGateway {
		t.Errorf("unknown ticker: expected 502, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/assets/resolve", api.ResolveRequest{Query: "aaa"})
	if w.Code != http.StatusBadGateway {
		t.Errorf("lowercase name without search: expected 502, got %d", w.Code)
	}
	w = do(t, router, "POST", "/api/v1/assets/resolve", api.ResolveRequest{Query: "AAA"})
	if w.Code != http.StatusOK {
		t.Errorf("ticker without search: expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"symbol":"AAA"`) {
		t.Errorf("expected AAA in body, got %s", w.Body.String())
	}
}
