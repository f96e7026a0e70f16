package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/investotype/sim-engine/internal/asset"
	"github.com/investotype/sim-engine/internal/date"
	"github.com/investotype/sim-engine/internal/metrics"
	"github.com/investotype/sim-engine/internal/model"
)

// searchHeadlines is how many headlines are requested for a market search
// before filtering by date.
const searchHeadlines = 6

// AssetBrief is the market context of one symbol on a briefing date.
type AssetBrief struct {
	Symbol         string              `json:"symbol"`
	BaseSymbol     string              `json:"baseSymbol"`
	DisplayName    string              `json:"displayName"`
	Type           model.AssetType     `json:"type"`
	InPortfolio    bool                `json:"inPortfolio"`
	PortfolioID    string              `json:"portfolioSymbol,omitempty"`
	Price          float64             `json:"price"`
	Quantity       float64             `json:"quantity"`
	Value          float64             `json:"value"`
	Weight         float64             `json:"weight"`
	PeriodReturn   *float64            `json:"periodReturn"`
	DailyReturn    *float64            `json:"dailyReturn"`
	LatestDividend *model.DividendInfo `json:"latestDividend"`
	EarningsDate   *date.Date          `json:"earningsDate"`
	Headlines      []model.Headline    `json:"headlines"`
}

// Briefing is the market context of every active symbol.
type Briefing struct {
	SimulationID string       `json:"simulationId"`
	Date         date.Date    `json:"date"`
	SinceDate    date.Date    `json:"sinceDate"`
	TotalValue   float64      `json:"totalValue"`
	Cash         float64      `json:"cash"`
	Assets       []AssetBrief `json:"assets"`
}

// SearchResult is the market context of an arbitrary symbol relative to a
// session.
type SearchResult struct {
	SimulationID string     `json:"simulationId"`
	Query        string     `json:"query"`
	Date         date.Date  `json:"date"`
	SinceDate    date.Date  `json:"sinceDate"`
	Asset        AssetBrief `json:"asset"`
}

// PriceQuote is a token's close near a requested day.
type PriceQuote struct {
	Asset model.AssetDescriptor `json:"asset"`
	Date  date.Date             `json:"date"`
	Price float64               `json:"price"`
}

func optional(v float64, ok bool) *float64 {
	if !ok {
		return nil
	}
	return &v
}

// historical reports whether d is far enough in the past that live data
// such as the next earnings date would be misleading.
func (e *Engine) historical(d date.Date) bool {
	days := int(e.cfg.HistoricalViewAfter / (24 * time.Hour))
	return d.Before(e.today().AddDays(-days))
}

// enrich attaches earnings and headlines for symbol as of d.
func (e *Engine) enrich(ctx context.Context, b *AssetBrief, symbol string, d date.Date, limit int) {
	b.Headlines = []model.Headline{}
	if e.intel == nil {
		return
	}
	if !e.historical(d) {
		b.EarningsDate = e.intel.EarningsDate(ctx, symbol)
	}
	for _, h := range e.intel.Headlines(ctx, symbol, limit) {
		if h.Date != nil && h.Date.After(d) {
			continue
		}
		b.Headlines = append(b.Headlines, h)
		if len(b.Headlines) == e.cfg.BriefingHeadlines {
			break
		}
	}
}

// Briefing describes every active symbol on d (default: the next rebalance
// date) with returns since since (default: the last rebalance). Earnings
// and headlines are best effort.
func (e *Engine) Briefing(ctx context.Context, id string, d, since *date.Date) (Briefing, error) {
	defer metrics.ObserveEngine("briefing", time.Now())

	s, err := e.snapshot(ctx, id)
	if err != nil {
		return Briefing{}, err
	}
	day := s.PreviewDate()
	if d != nil {
		day = *d
	}
	from := s.StartDate
	if snap, ok := s.LastSnapshot(); ok {
		from = snap.Date
	}
	if since != nil {
		from = *since
	}

	c := s.Clone()
	v, err := valueAt(c, day)
	if err != nil {
		return Briefing{}, err
	}

	out := Briefing{
		SimulationID: s.ID,
		Date:         day,
		SinceDate:    from,
		TotalValue:   v.Total,
		Cash:         c.Cash,
		Assets:       make([]AssetBrief, len(s.Symbols)),
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelFetches)
	for i, sym := range s.Symbols {
		meta, h := s.Assets[sym], s.Histories[sym]
		b := AssetBrief{
			Symbol:         sym,
			BaseSymbol:     meta.LookupSymbol(),
			DisplayName:    displayName(meta),
			Type:           meta.Type,
			InPortfolio:    true,
			PortfolioID:    sym,
			Price:          v.Price(sym),
			Quantity:       c.Positions[sym].Quantity,
			Value:          holdingValue(c, sym, v.Price(sym)),
			PeriodReturn:   optional(h.Return(from, day, model.FieldClose)),
			DailyReturn:    optional(h.DailyReturn(day, model.FieldClose)),
			LatestDividend: h.LatestDividend(day),
			Headlines:      []model.Headline{},
		}
		if v.Total > 0 {
			b.Weight = b.Value / v.Total
		}
		out.Assets[i] = b
		if meta.Type.Synthetic() {
			continue
		}
		g.Go(func() error {
			e.enrich(gctx, &out.Assets[i], meta.LookupSymbol(), day, e.cfg.BriefingHeadlines)
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

func displayName(meta model.AssetDescriptor) string {
	switch {
	case meta.DisplayName != "":
		return meta.DisplayName
	case meta.Label != "":
		return meta.Label
	}
	return meta.ID
}

// SearchMarket resolves query to a ticker and describes it on d relative to
// the session's holdings. A held symbol matches by id or by base ticker.
func (e *Engine) SearchMarket(ctx context.Context, id, query string, d, since *date.Date) (SearchResult, error) {
	defer metrics.ObserveEngine("market_search", time.Now())

	query = strings.TrimSpace(query)
	if query == "" {
		return SearchResult{}, fmt.Errorf("%w: query is required", model.ErrInvalidRequest)
	}
	s, err := e.snapshot(ctx, id)
	if err != nil {
		return SearchResult{}, err
	}
	day := s.PreviewDate()
	if d != nil {
		day = *d
	}
	from := s.StartDate
	if since != nil && !since.After(day) {
		from = *since
	}

	res, err := e.Resolve(ctx, query, false)
	if err != nil {
		return SearchResult{}, err
	}
	symbol := asset.Normalize(res.Best.Symbol)
	if symbol == "" {
		return SearchResult{}, fmt.Errorf("%w for %q", model.ErrNoMatch, query)
	}
	h, err := e.histories.Symbol(ctx, symbol, s.StartDate, s.EndDate)
	if err != nil {
		return SearchResult{}, err
	}
	q, ok := h.Nearest(day, model.FieldClose)
	if !ok {
		return SearchResult{}, fmt.Errorf("%w for %s on or near %s", model.ErrNoPrice, symbol, day)
	}

	c := s.Clone()
	v, err := valueAt(c, day)
	if err != nil {
		return SearchResult{}, err
	}

	b := AssetBrief{
		Symbol:         symbol,
		BaseSymbol:     symbol,
		DisplayName:    strings.TrimSpace(res.Best.Name()),
		Type:           model.AssetMarket,
		Price:          q.Price,
		PeriodReturn:   optional(h.Return(from, day, model.FieldClose)),
		DailyReturn:    optional(h.DailyReturn(day, model.FieldClose)),
		LatestDividend: h.LatestDividend(day),
	}
	for _, sym := range s.Symbols {
		if sym == symbol || asset.Normalize(s.Assets[sym].BaseSymbol) == symbol {
			meta := s.Assets[sym]
			b.InPortfolio, b.PortfolioID = true, sym
			b.DisplayName, b.Type = displayName(meta), meta.Type
			b.Quantity = c.Positions[sym].Quantity
			break
		}
	}
	if b.DisplayName == "" {
		b.DisplayName = symbol
	}
	b.Value = b.Quantity * q.Price
	if v.Total > 0 {
		b.Weight = b.Value / v.Total
	}
	e.enrich(ctx, &b, symbol, day, searchHeadlines)

	return SearchResult{SimulationID: s.ID, Query: query, Date: day, SinceDate: from, Asset: b}, nil
}

// Resolve maps a ticker or a free-text name to a symbol.
func (e *Engine) Resolve(ctx context.Context, query string, preferBond bool) (asset.Resolution, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return asset.Resolution{}, fmt.Errorf("%w: query is required", model.ErrInvalidRequest)
	}
	if e.resolver == nil {
		if asset.IsLikelyTicker(query) {
			return asset.Resolution{Best: model.SymbolCandidate{Symbol: asset.Normalize(query)}, Matches: []model.SymbolCandidate{}}, nil
		}
		return asset.Resolution{}, fmt.Errorf("%w: symbol search is not configured", model.ErrUpstream)
	}
	return e.resolver.Resolve(ctx, query, preferBond)
}

// ValidateToken parses token and, for market-backed types, checks that
// its ticker has traded within the validation lookback.
func (e *Engine) ValidateToken(ctx context.Context, token string) (model.AssetDescriptor, error) {
	if asset.Normalize(token) == "" {
		return model.AssetDescriptor{}, fmt.Errorf("%w: token is required", model.ErrInvalidRequest)
	}
	desc, err := e.parser.Parse(token)
	if err != nil {
		return model.AssetDescriptor{}, err
	}
	if desc.Type.Synthetic() {
		return desc, nil
	}
	today := e.today()
	h, err := e.histories.Symbol(ctx, desc.LookupSymbol(), today.AddDays(-e.cfg.ValidateLookback), today)
	if err != nil {
		return model.AssetDescriptor{}, err
	}
	if len(h) == 0 {
		return model.AssetDescriptor{}, fmt.Errorf("%w for %s", model.ErrNoData, desc.LookupSymbol())
	}
	return desc, nil
}

// PriceAt returns token's close on or nearest before d within the price
// lookback.
func (e *Engine) PriceAt(ctx context.Context, token string, d date.Date) (PriceQuote, error) {
	if asset.Normalize(token) == "" {
		return PriceQuote{}, fmt.Errorf("%w: token is required", model.ErrInvalidRequest)
	}
	desc, err := e.parser.Parse(token)
	if err != nil {
		return PriceQuote{}, err
	}
	h, err := e.histories.Asset(ctx, desc, d.AddDays(-e.cfg.PriceLookback), d.AddDays(2))
	if err != nil {
		return PriceQuote{}, err
	}
	q, ok := h.Nearest(d, model.FieldClose)
	if !ok || q.Price <= 0 {
		return PriceQuote{}, fmt.Errorf("%w for %s near %s", model.ErrNoPrice, desc.ID, d)
	}
	return PriceQuote{Asset: desc, Date: q.Date, Price: q.Price}, nil
}
