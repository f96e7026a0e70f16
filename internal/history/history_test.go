package history

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/investotype/sim-engine/internal/asset"
	"github.com/investotype/sim-engine/internal/date"
	"github.com/investotype/sim-engine/internal/model"
)

func d(s string) date.Date { return date.MustParse(s) }

type fakeMarket struct {
	mu     sync.Mutex
	series map[string]model.QuoteSeries
	calls  map[string]int
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{series: map[string]model.QuoteSeries{}, calls: map[string]int{}}
}

func (f *fakeMarket) add(symbol, currency string, rows ...model.PricePoint) {
	f.series[symbol] = model.QuoteSeries{Symbol: symbol, Currency: currency, Points: rows}
}

func (f *fakeMarket) DailySeries(_ context.Context, symbol string, from, to date.Date) (model.QuoteSeries, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[symbol]++
	s, ok := f.series[symbol]
	if !ok {
		return model.QuoteSeries{}, model.ErrNoData
	}
	var rows model.History
	for _, p := range s.Points {
		if !p.Date.Before(from) && !p.Date.After(to) {
			rows = append(rows, p)
		}
	}
	s.Points = rows
	return s, nil
}

type memSeries struct {
	m map[string]model.QuoteSeries
}

func (c *memSeries) GetSeries(_ context.Context, k model.SeriesKey) (model.QuoteSeries, bool, error) {
	s, ok := c.m[k.String()]
	return s, ok, nil
}

func (c *memSeries) PutSeries(_ context.Context, k model.SeriesKey, s model.QuoteSeries) error {
	c.m[k.String()] = s
	return nil
}

func row(day string, px, adj float64) model.PricePoint {
	return model.PricePoint{Date: d(day), Close: px, AdjClose: adj}
}

func TestCalendar(t *testing.T) {
	h := Calendar(d("2024-01-30"), d("2024-02-02"), 0.01)
	if len(h) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(h))
	}
	if h[0].Close != 1 || h[0].Date != d("2024-01-30") {
		t.Errorf("unexpected first row %+v", h[0])
	}
	if math.Abs(h[3].Close-math.Pow(1.01, 3)) > 1e-12 {
		t.Errorf("unexpected compounding %v", h[3].Close)
	}
	if len(Calendar(d("2024-02-02"), d("2024-01-30"), 0)) != 0 {
		t.Error("inverted range should be empty")
	}
}

func TestTransform_Leverage(t *testing.T) {
	base := model.History{
		row("2024-01-02", 100, 100),
		row("2024-01-03", 110, 110),
		row("2024-01-04", 55, 55),
	}
	h := Transform(base, LeverageReturn(3))
	// +10% * 3 = +30%, then -50% * 3 floors at -95%.
	want := []float64{1, 1.3, 1.3 * 0.05}
	for i, w := range want {
		if math.Abs(h[i].Close-w) > 1e-12 || h[i].Close != h[i].AdjClose {
			t.Errorf("row %d: expected %v, got %+v", i, w, h[i])
		}
	}
}

func TestTransform_OptionClampAndFloor(t *testing.T) {
	base := model.History{
		row("2024-01-02", 10, 10),
		row("2024-01-03", 20, 20), // +100% * 8 clamps at +300%
		row("2024-01-04", 0, 0),   // -100% floors at -95%
		row("2024-01-05", 5, 5),   // previous price 0 means a zero return
	}
	h := Transform(base, OptionReturn(8, DefaultOptionDecay))
	if math.Abs(h[1].Close-4) > 1e-12 {
		t.Errorf("expected gain cap, got %v", h[1].Close)
	}
	if math.Abs(h[2].Close-0.2) > 1e-12 {
		t.Errorf("expected loss floor, got %v", h[2].Close)
	}
	if math.Abs(h[3].Close-0.2*(1-DefaultOptionDecay)) > 1e-12 {
		t.Errorf("expected decay only, got %v", h[3].Close)
	}

	var crash model.History
	for i := range 10 {
		px := math.Pow(0.01, float64(i))
		crash = append(crash, model.PricePoint{Date: d("2024-01-02").AddDays(i), Close: px, AdjClose: px})
	}
	h = Transform(crash, LeverageReturn(5))
	for _, p := range h {
		if p.Close < MinPrice {
			t.Fatalf("price %v fell below floor", p.Close)
		}
	}
	if h[len(h)-1].Close != MinPrice {
		t.Errorf("expected repeated crashes to settle on the floor, got %v", h[len(h)-1].Close)
	}
}

func TestProvider_Synthetics(t *testing.T) {
	p := NewProvider(newFakeMarket())
	cash, _ := asset.Parse("CASH")
	h, err := p.Asset(context.Background(), cash, d("2024-01-01"), d("2024-01-10"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h) != 10 || h[9].Close != 1 {
		t.Errorf("unexpected cash history %+v", h)
	}

	sav, _ := asset.Parse("SAVINGS")
	h, err = p.Asset(context.Background(), sav, d("2024-01-01"), d("2024-12-31"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := h[365].Close; math.Abs(got-1.03) > 1e-9 {
		t.Errorf("expected one year of savings to compound to 1.03, got %v", got)
	}
}

func TestProvider_PadsWindowAndCaches(t *testing.T) {
	m := newFakeMarket()
	m.add("SPY", "USD",
		row("2023-12-27", 90, 90),
		row("2024-01-02", 100, 100),
		row("2024-01-05", 101, 101),
	)
	series := &memSeries{m: map[string]model.QuoteSeries{}}
	p := NewProvider(m, WithSeriesCache(series))

	h, err := p.Symbol(context.Background(), "SPY", d("2024-01-01"), d("2024-01-02"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h) != 3 {
		t.Errorf("expected padding to include neighbouring rows, got %d rows", len(h))
	}

	if _, err := p.Symbol(context.Background(), "SPY", d("2024-01-01"), d("2024-01-02")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.calls["SPY"] != 1 {
		t.Errorf("expected second lookup to hit the series cache, got %d calls", m.calls["SPY"])
	}
}

func TestProvider_NoData(t *testing.T) {
	p := NewProvider(newFakeMarket())
	spy, _ := asset.Parse("SPY")
	if _, err := p.Asset(context.Background(), spy, d("2024-01-01"), d("2024-02-01")); !errors.Is(err, model.ErrNoData) {
		t.Errorf("expected ErrNoData, got %v", err)
	}
	lev, _ := asset.Parse("LEVERAGE:SPY:2")
	if _, err := p.Asset(context.Background(), lev, d("2024-01-01"), d("2024-02-01")); !errors.Is(err, model.ErrDataUnavailable) {
		t.Errorf("expected data unavailable for leverage without base, got %v", err)
	}
}

func TestProvider_FXDirect(t *testing.T) {
	m := newFakeMarket()
	m.add("SAP.DE", "EUR",
		model.PricePoint{Date: d("2024-01-02"), Close: 100, AdjClose: 100, Dividend: 2},
		row("2024-01-04", 110, 110),
	)
	m.add("EURUSD=X", "USD",
		row("2024-01-02", 1.1, 1.1),
		row("2024-01-03", 1.2, 1.2),
	)
	p := NewProvider(m)
	h, err := p.Symbol(context.Background(), "SAP.DE", d("2024-01-02"), d("2024-01-04"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(h[0].Close-110) > 1e-9 || math.Abs(h[0].Dividend-2.2) > 1e-9 {
		t.Errorf("unexpected converted row %+v", h[0])
	}
	// No rate on the 4th: the 3rd is used.
	if math.Abs(h[1].Close-132) > 1e-9 {
		t.Errorf("unexpected converted row %+v", h[1])
	}
}

func TestProvider_FXInverseAndCached(t *testing.T) {
	m := newFakeMarket()
	m.add("7203.T", "JPY", row("2024-01-02", 2000, 2000))
	m.add("USDJPY=X", "JPY", row("2024-01-01", 200, 200))
	p := NewProvider(m)

	for range 2 {
		h, err := p.Symbol(context.Background(), "7203.T", d("2024-01-02"), d("2024-01-02"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if math.Abs(h[0].Close-10) > 1e-9 {
			t.Errorf("expected inverse conversion to 10, got %v", h[0].Close)
		}
	}
	if m.calls["JPYUSD=X"] != 1 || m.calls["USDJPY=X"] != 1 {
		t.Errorf("expected fx lookups to be cached, got %v", m.calls)
	}
}

func TestProvider_FXUnavailable(t *testing.T) {
	m := newFakeMarket()
	m.add("SAP.DE", "EUR", row("2024-01-02", 100, 100))
	p := NewProvider(m)
	if _, err := p.Symbol(context.Background(), "SAP.DE", d("2024-01-02"), d("2024-01-03")); !errors.Is(err, model.ErrFXUnavailable) {
		t.Errorf("expected ErrFXUnavailable, got %v", err)
	}

	m.add("EURUSD=X", "USD", row("2024-01-02", 0, 0))
	p = NewProvider(m)
	if _, err := p.Symbol(context.Background(), "SAP.DE", d("2024-01-02"), d("2024-01-03")); !errors.Is(err, model.ErrFXUnavailable) {
		t.Errorf("expected non-positive rate to be fatal, got %v", err)
	}
}
