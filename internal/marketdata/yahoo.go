// Package marketdata is the Yahoo Finance client used for daily price
// series, symbol search, earnings calendars and news headlines. Requests
// are rate limited and run behind a circuit breaker so a failing provider
// is shed quickly instead of stalling every session.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/investotype/sim-engine/internal/date"
	"github.com/investotype/sim-engine/internal/metrics"
	"github.com/investotype/sim-engine/internal/model"
)

const (
	DefaultBaseURL   = "https://query2.finance.yahoo.com"
	DefaultUserAgent = "Mozilla/5.0 investment-simulator"

	searchQuotesCount = 15
	newsFetchCount    = 8
	// MaxHeadlines caps the headlines returned for one symbol.
	MaxHeadlines = 5

	maxBodyBytes = 8 << 20
)

// Client is a Yahoo Finance API client.
type Client struct {
	http      *http.Client
	baseURL   string
	userAgent string
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different host. Used by tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithRateLimit limits outgoing requests to rps with the given burst.
// A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a Yahoo Finance client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		http:      &http.Client{Timeout: 15 * time.Second},
		baseURL:   DefaultBaseURL,
		userAgent: DefaultUserAgent,
		limiter:   rate.NewLimiter(rate.Limit(5), 10),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "yahoo",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("provider circuit state changed", "provider", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// statusError is a non-200 response that did not count against the breaker.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

type response struct {
	status int
	body   []byte
}

// get performs a rate-limited, breaker-guarded GET and decodes a 200 body
// into out. Server errors and transport failures trip the breaker; other
// statuses are returned as *statusError.
func (c *Client) get(ctx context.Context, endpoint, path string, params url.Values, out any) error {
	start := time.Now()
	defer func() {
		metrics.ProviderLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		metrics.ProviderRequests.WithLabelValues(endpoint, "canceled").Inc()
		return fmt.Errorf("%w: %s: %v", model.ErrUpstream, endpoint, err)
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, &statusError{code: resp.StatusCode, body: truncate(string(body), 200)}
		}
		return response{status: resp.StatusCode, body: body}, nil
	})
	if err != nil {
		result := "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			result = "rejected"
		}
		metrics.ProviderRequests.WithLabelValues(endpoint, result).Inc()
		return fmt.Errorf("%w: %s: %v", model.ErrUpstream, endpoint, err)
	}

	r := res.(response)
	if r.status != http.StatusOK {
		metrics.ProviderRequests.WithLabelValues(endpoint, "status").Inc()
		return &statusError{code: r.status, body: truncate(string(r.body), 200)}
	}
	metrics.ProviderRequests.WithLabelValues(endpoint, "ok").Inc()

	if err := json.Unmarshal(r.body, out); err != nil {
		return fmt.Errorf("%w: %s: decode: %v", model.ErrUpstream, endpoint, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Currency string `json:"currency"`
				Symbol   string `json:"symbol"`
			} `json:"meta"`
			Timestamp []int64 `json:"timestamp"`
			Events    struct {
				Dividends map[string]struct {
					Amount float64 `json:"amount"`
					Date   int64   `json:"date"`
				} `json:"dividends"`
			} `json:"events"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
				AdjClose []struct {
					AdjClose []*float64 `json:"adjclose"`
				} `json:"adjclose"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// DailySeries fetches daily closes, adjusted closes and dividends for
// symbol between from and to inclusive. Rows without a close are skipped;
// an empty result is ErrNoData.
func (c *Client) DailySeries(ctx context.Context, symbol string, from, to date.Date) (model.QuoteSeries, error) {
	params := url.Values{}
	params.Set("period1", strconv.FormatInt(from.Time().Unix(), 10))
	params.Set("period2", strconv.FormatInt(to.Time().Add(24*time.Hour-time.Second).Unix(), 10))
	params.Set("interval", "1d")
	params.Set("events", "div,splits")
	params.Set("includeAdjustedClose", "true")

	var resp chartResponse
	err := c.get(ctx, "chart", "/v8/finance/chart/"+url.PathEscape(symbol), params, &resp)
	var se *statusError
	if errors.As(err, &se) {
		if se.code == http.StatusNotFound {
			return model.QuoteSeries{}, fmt.Errorf("%w for %s", model.ErrNoData, symbol)
		}
		return model.QuoteSeries{}, fmt.Errorf("%w: chart %s: %v", model.ErrUpstream, symbol, se)
	}
	if err != nil {
		return model.QuoteSeries{}, err
	}

	if e := resp.Chart.Error; e != nil {
		return model.QuoteSeries{}, fmt.Errorf("%w for %s: %s", model.ErrNoData, symbol, e.Description)
	}
	if len(resp.Chart.Result) == 0 || len(resp.Chart.Result[0].Timestamp) == 0 {
		return model.QuoteSeries{}, fmt.Errorf("%w for %s", model.ErrNoData, symbol)
	}
	result := resp.Chart.Result[0]

	var closes, adjCloses []*float64
	if len(result.Indicators.Quote) > 0 {
		closes = result.Indicators.Quote[0].Close
	}
	if len(result.Indicators.AdjClose) > 0 {
		adjCloses = result.Indicators.AdjClose[0].AdjClose
	}

	dividends := make(map[date.Date]float64)
	for _, d := range result.Events.Dividends {
		if d.Amount > 0 {
			dividends[date.FromTime(time.Unix(d.Date, 0))] += d.Amount
		}
	}

	points := make(model.History, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(closes) || closes[i] == nil {
			continue
		}
		px := *closes[i]
		adj := px
		if i < len(adjCloses) && adjCloses[i] != nil {
			adj = *adjCloses[i]
		}
		day := date.FromTime(time.Unix(ts, 0))
		points = append(points, model.PricePoint{
			Date:     day,
			Close:    px,
			AdjClose: adj,
			Dividend: dividends[day],
		})
	}
	if len(points) == 0 {
		return model.QuoteSeries{}, fmt.Errorf("%w for %s", model.ErrNoData, symbol)
	}

	currency := strings.ToUpper(result.Meta.Currency)
	if currency == "" {
		currency = "USD"
	}
	return model.QuoteSeries{
		Symbol:   symbol,
		Currency: currency,
		Points:   points.Sort(),
	}, nil
}

type searchResponse struct {
	Quotes []struct {
		Symbol    string `json:"symbol"`
		ShortName string `json:"shortname"`
		LongName  string `json:"longname"`
		QuoteType string `json:"quoteType"`
		ExchDisp  string `json:"exchDisp"`
		Exchange  string `json:"exchange"`
		LogoURL   string `json:"logoUrl"`
		Logourl   string `json:"logourl"`
	} `json:"quotes"`
	News []struct {
		Title               string `json:"title"`
		Publisher           string `json:"publisher"`
		ProviderPublishTime int64  `json:"providerPublishTime"`
	} `json:"news"`
}

func (c *Client) search(ctx context.Context, endpoint, query string, quotes, news int) (searchResponse, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("quotesCount", strconv.Itoa(quotes))
	params.Set("newsCount", strconv.Itoa(news))

	var resp searchResponse
	if err := c.get(ctx, endpoint, "/v1/finance/search", params, &resp); err != nil {
		var se *statusError
		if errors.As(err, &se) {
			return resp, fmt.Errorf("%w: %s %q: %v", model.ErrUpstream, endpoint, query, se)
		}
		return resp, err
	}
	return resp, nil
}

// Search returns symbol candidates for a free-text query in provider order.
func (c *Client) Search(ctx context.Context, query string) ([]model.SymbolCandidate, error) {
	resp, err := c.search(ctx, "search", query, searchQuotesCount, 0)
	if err != nil {
		return nil, err
	}
	out := make([]model.SymbolCandidate, 0, len(resp.Quotes))
	for _, q := range resp.Quotes {
		sym := strings.ToUpper(strings.TrimSpace(q.Symbol))
		if sym == "" {
			continue
		}
		logo := q.LogoURL
		if logo == "" {
			logo = q.Logourl
		}
		exchange := q.ExchDisp
		if exchange == "" {
			exchange = q.Exchange
		}
		out = append(out, model.SymbolCandidate{
			Symbol:    sym,
			ShortName: q.ShortName,
			LongName:  q.LongName,
			LogoURL:   logo,
			QuoteType: q.QuoteType,
			Exchange:  exchange,
		})
	}
	return out, nil
}

// Headlines returns up to limit recent news items for symbol. limit is
// clamped to [1, MaxHeadlines].
func (c *Client) Headlines(ctx context.Context, symbol string, limit int) ([]model.Headline, error) {
	limit = max(1, min(MaxHeadlines, limit))
	resp, err := c.search(ctx, "news", symbol, 0, newsFetchCount)
	if err != nil {
		return nil, err
	}
	out := make([]model.Headline, 0, limit)
	for _, n := range resp.News {
		title := strings.TrimSpace(n.Title)
		if title == "" {
			continue
		}
		h := model.Headline{Title: title, Publisher: n.Publisher}
		if n.ProviderPublishTime > 0 {
			d := date.FromTime(time.Unix(n.ProviderPublishTime, 0))
			h.Date = &d
		}
		out = append(out, h)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type quoteSummaryResponse struct {
	QuoteSummary struct {
		Result []struct {
			CalendarEvents struct {
				Earnings struct {
					EarningsDate []struct {
						Raw int64 `json:"raw"`
					} `json:"earningsDate"`
				} `json:"earnings"`
			} `json:"calendarEvents"`
		} `json:"result"`
	} `json:"quoteSummary"`
}

// EarningsDate returns the next scheduled earnings date for symbol, or nil
// when the provider has none.
func (c *Client) EarningsDate(ctx context.Context, symbol string) (*date.Date, error) {
	params := url.Values{}
	params.Set("modules", "calendarEvents")

	var resp quoteSummaryResponse
	if err := c.get(ctx, "quote_summary", "/v10/finance/quoteSummary/"+url.PathEscape(symbol), params, &resp); err != nil {
		var se *statusError
		if errors.As(err, &se) {
			return nil, fmt.Errorf("%w: quote summary %s: %v", model.ErrUpstream, symbol, se)
		}
		return nil, err
	}
	if len(resp.QuoteSummary.Result) == 0 {
		return nil, nil
	}
	dates := resp.QuoteSummary.Result[0].CalendarEvents.Earnings.EarningsDate
	if len(dates) == 0 || dates[0].Raw <= 0 {
		return nil, nil
	}
	d := date.FromTime(time.Unix(dates[0].Raw, 0))
	return &d, nil
}
