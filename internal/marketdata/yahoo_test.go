package marketdata

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/investotype/sim-engine/internal/date"
	"github.com/investotype/sim-engine/internal/model"
)

const chartBody = `{"chart":{"result":[{
	"meta":{"currency":"eur","symbol":"SAP.DE"},
	"timestamp":[1704292200,1704205800,1704378600],
	"events":{"dividends":{"1704292200":{"amount":0.5,"date":1704292200}}},
	"indicators":{
		"quote":[{"close":[101.0,100.0,null]}],
		"adjclose":[{"adjclose":[null,99.0,103.0]}]
	}
}],"error":null}}`

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(WithBaseURL(srv.URL), WithRateLimit(0, 0))
}

func TestDailySeries(t *testing.T) {
	var gotUA, gotQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v8/finance/chart/SAP.DE" {
			http.NotFound(w, r)
			return
		}
		gotUA = r.Header.Get("User-Agent")
		gotQuery = r.URL.RawQuery
		w.Write([]byte(chartBody))
	})

	s, err := c.DailySeries(context.Background(), "SAP.DE", date.MustParse("2024-01-01"), date.MustParse("2024-01-05"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotUA != DefaultUserAgent {
		t.Errorf("expected user agent %q, got %q", DefaultUserAgent, gotUA)
	}
	for _, p := range []string{"interval=1d", "events=div%2Csplits", "includeAdjustedClose=true", "period1=1704067200"} {
		if !strings.Contains(gotQuery, p) {
			t.Errorf("query %q missing %s", gotQuery, p)
		}
	}
	if s.Currency != "EUR" {
		t.Errorf("expected EUR, got %s", s.Currency)
	}
	if len(s.Points) != 2 {
		t.Fatalf("expected 2 rows (null close skipped), got %d", len(s.Points))
	}
	if s.Points[0].Date != date.MustParse("2024-01-02") || s.Points[0].AdjClose != 99 {
		t.Errorf("unexpected first row %+v", s.Points[0])
	}
	// Missing adjusted close falls back to close.
	if s.Points[1].AdjClose != 101 || s.Points[1].Dividend != 0.5 {
		t.Errorf("unexpected second row %+v", s.Points[1])
	}
}

func TestDailySeries_NoData(t *testing.T) {
	tests := []struct {
		name string
		h    http.HandlerFunc
	}{
		{"not found", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found"}}}`))
		}},
		{"chart error", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"chart":{"result":null,"error":{"code":"Bad","description":"delisted"}}}`))
		}},
		{"no timestamps", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"chart":{"result":[{"meta":{},"indicators":{"quote":[{}]}}]}}`))
		}},
		{"all null closes", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"chart":{"result":[{"timestamp":[1704205800],"indicators":{"quote":[{"close":[null]}]}}]}}`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.h)
			_, err := c.DailySeries(context.Background(), "ZZZZ", date.MustParse("2024-01-01"), date.MustParse("2024-01-05"))
			if !errors.Is(err, model.ErrNoData) {
				t.Errorf("expected ErrNoData, got %v", err)
			}
		})
	}
}

func TestDailySeries_ServerErrorIsUpstream(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.DailySeries(context.Background(), "SPY", date.MustParse("2024-01-01"), date.MustParse("2024-01-05"))
	if !errors.Is(err, model.ErrUpstream) {
		t.Errorf("expected ErrUpstream, got %v", err)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	for range 8 {
		c.Search(context.Background(), "apple")
	}
	if n := hits.Load(); n != 5 {
		t.Errorf("expected breaker to stop requests after 5 failures, got %d hits", n)
	}
}

func TestSearch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("quotesCount") != "15" || r.URL.Query().Get("newsCount") != "0" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"quotes":[
			{"symbol":"aapl","shortname":"Apple Inc.","longname":"Apple Inc.","quoteType":"EQUITY","exchDisp":"NASDAQ","logoUrl":"https://l/aapl.png"},
			{"shortname":"no symbol"},
			{"symbol":"APC.F","shortname":"APPLE INC","exchange":"FRA","logourl":"https://l/apc.png"}
		]}`))
	})

	got, err := c.Search(context.Background(), "apple")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].Symbol != "AAPL" || got[0].Exchange != "NASDAQ" || got[0].LogoURL == "" {
		t.Errorf("unexpected first candidate %+v", got[0])
	}
	if got[1].Exchange != "FRA" || got[1].LogoURL != "https://l/apc.png" {
		t.Errorf("unexpected second candidate %+v", got[1])
	}
}

func TestHeadlines(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("newsCount") != "8" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"news":[
			{"title":"First","publisher":"Wire","providerPublishTime":1704205800},
			{"title":"   ","publisher":"Empty"},
			{"title":"Second","publisher":"Wire"},
			{"title":"Third","publisher":"Wire"}
		]}`))
	})

	got, err := c.Headlines(context.Background(), "AAPL", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].Title != "First" || got[1].Title != "Second" {
		t.Errorf("unexpected headlines %+v", got)
	}
	if got[0].Date == nil || *got[0].Date != date.MustParse("2024-01-02") {
		t.Errorf("unexpected publish date %v", got[0].Date)
	}
	if got[1].Date != nil {
		t.Errorf("expected no date for second headline")
	}
}

func TestEarningsDate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v10/finance/quoteSummary/AAPL":
			w.Write([]byte(`{"quoteSummary":{"result":[{"calendarEvents":{"earnings":{"earningsDate":[{"raw":1704205800,"fmt":"2024-01-02"}]}}}]}}`))
		case "/v10/finance/quoteSummary/SPY":
			w.Write([]byte(`{"quoteSummary":{"result":[{"calendarEvents":{"earnings":{"earningsDate":[]}}}]}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	d, err := c.EarningsDate(context.Background(), "AAPL")
	if err != nil || d == nil || *d != date.MustParse("2024-01-02") {
		t.Errorf("unexpected earnings date %v %v", d, err)
	}
	d, err = c.EarningsDate(context.Background(), "SPY")
	if err != nil || d != nil {
		t.Errorf("expected no earnings date, got %v %v", d, err)
	}
	if _, err := c.EarningsDate(context.Background(), "NOPE"); !errors.Is(err, model.ErrUpstream) {
		t.Errorf("expected upstream error, got %v", err)
	}
}

type fakeIntel struct {
	earningsCalls atomic.Int32
	headlineCalls atomic.Int32
	headlines     []model.Headline
	err           error
}

func (f *fakeIntel) EarningsDate(context.Context, string) (*date.Date, error) {
	f.earningsCalls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	d := date.MustParse("2024-02-01")
	return &d, nil
}

func (f *fakeIntel) Headlines(context.Context, string, int) ([]model.Headline, error) {
	f.headlineCalls.Add(1)
	return f.headlines, f.err
}

func TestIntel_CachesAndDegrades(t *testing.T) {
	src := &fakeIntel{headlines: []model.Headline{{Title: "a"}, {Title: "b"}, {Title: "c"}}}
	in := NewIntel(src)

	for range 3 {
		if d := in.EarningsDate(context.Background(), "AAPL"); d == nil {
			t.Fatal("expected earnings date")
		}
	}
	if n := src.earningsCalls.Load(); n != 1 {
		t.Errorf("expected one upstream earnings call, got %d", n)
	}

	if got := in.Headlines(context.Background(), "AAPL", 2); len(got) != 2 {
		t.Errorf("expected 2 headlines, got %d", len(got))
	}
	if got := in.Headlines(context.Background(), "AAPL", 10); len(got) != 3 {
		t.Errorf("expected 3 headlines, got %d", len(got))
	}
	if n := src.headlineCalls.Load(); n != 1 {
		t.Errorf("expected one upstream headline call, got %d", n)
	}

	failing := NewIntel(&fakeIntel{err: errors.New("boom")})
	if d := failing.EarningsDate(context.Background(), "AAPL"); d != nil {
		t.Errorf("expected nil on failure, got %v", d)
	}
	if got := failing.Headlines(context.Background(), "AAPL", 3); got == nil || len(got) != 0 {
		t.Errorf("expected empty slice on failure, got %v", got)
	}
}
