// Package history produces the daily price series every asset in a session
// is valued against. Cash and savings are generated on a calendar; market
// and bond tickers are fetched and normalized to USD; leveraged and
// call-like assets are derived from their base ticker's adjusted returns.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/investotype/sim-engine/internal/asset"
	"github.com/investotype/sim-engine/internal/cache"
	"github.com/investotype/sim-engine/internal/date"
	"github.com/investotype/sim-engine/internal/metrics"
	"github.com/investotype/sim-engine/internal/model"
)

const (
	// PadBefore and PadAfter widen every market request so lookups at the
	// range edges find a neighbouring trading day.
	PadBefore = 7
	PadAfter  = 3

	// LossFloor bounds the daily loss of derived assets.
	LossFloor = -0.95
	// OptionMaxGain caps the daily gain of call-like assets.
	OptionMaxGain = 3.0
	// DefaultOptionDecay is the daily time-decay drag on call-like assets.
	DefaultOptionDecay = 0.0006
	// MinPrice floors derived prices so they never reach zero.
	MinPrice = 0.0001

	BaseCurrency = "USD"
)

// MarketData is the source of raw daily series.
type MarketData interface {
	DailySeries(ctx context.Context, symbol string, from, to date.Date) (model.QuoteSeries, error)
}

// SeriesCache persists raw series between requests and across restarts.
type SeriesCache interface {
	GetSeries(ctx context.Context, key model.SeriesKey) (model.QuoteSeries, bool, error)
	PutSeries(ctx context.Context, key model.SeriesKey, s model.QuoteSeries) error
}

// Config holds the yields and decay used for generated series.
type Config struct {
	SavingsAPY       float64
	OptionDailyDecay float64
}

// DefaultConfig returns the standard savings yield and option decay.
func DefaultConfig() Config {
	return Config{
		SavingsAPY:       asset.DefaultSavingsAPY,
		OptionDailyDecay: DefaultOptionDecay,
	}
}

// Provider resolves asset histories.
type Provider struct {
	market MarketData
	series SeriesCache
	cfg    Config
	fx     *cache.TTL[string, model.History]
	group  singleflight.Group
}

// Option configures a Provider.
type Option func(*Provider)

// WithSeriesCache adds a persistent cache in front of the market source.
func WithSeriesCache(c SeriesCache) Option {
	return func(p *Provider) { p.series = c }
}

// WithConfig overrides the default yields.
func WithConfig(cfg Config) Option {
	return func(p *Provider) { p.cfg = cfg }
}

// NewProvider creates a Provider over market.
func NewProvider(market MarketData, opts ...Option) *Provider {
	p := &Provider{
		market: market,
		cfg:    DefaultConfig(),
		fx:     cache.NewTTL[string, model.History](0),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the provider's generation settings.
func (p *Provider) Config() Config {
	return p.cfg
}

// Asset returns the history of desc covering [start, end].
func (p *Provider) Asset(ctx context.Context, desc model.AssetDescriptor, start, end date.Date) (model.History, error) {
	switch desc.Type {
	case model.AssetCash:
		return Calendar(start, end, 0), nil
	case model.AssetSavings:
		return Calendar(start, end, asset.SavingsDailyRate(p.cfg.SavingsAPY)), nil
	case model.AssetMarket, model.AssetBond:
		return p.Symbol(ctx, desc.LookupSymbol(), start, end)
	case model.AssetLeverage:
		base, err := p.Symbol(ctx, desc.BaseSymbol, start, end)
		if err != nil {
			return nil, err
		}
		return Transform(base, LeverageReturn(desc.Multiplier)), nil
	case model.AssetOption:
		base, err := p.Symbol(ctx, desc.BaseSymbol, start, end)
		if err != nil {
			return nil, err
		}
		return Transform(base, OptionReturn(desc.Multiplier, p.cfg.OptionDailyDecay)), nil
	}
	return nil, fmt.Errorf("%w: unsupported asset type %q", model.ErrInvalidToken, desc.Type)
}

// Symbol fetches a market ticker over the padded window around
// [start, end] and converts it to USD.
func (p *Provider) Symbol(ctx context.Context, symbol string, start, end date.Date) (model.History, error) {
	from, to := start.AddDays(-PadBefore), end.AddDays(PadAfter)
	raw, err := p.raw(ctx, symbol, from, to)
	if err != nil {
		return nil, err
	}
	if len(raw.Points) == 0 {
		return nil, fmt.Errorf("%w for %s", model.ErrNoData, symbol)
	}
	cur := strings.ToUpper(raw.Currency)
	if cur == "" || cur == BaseCurrency {
		return raw.Points, nil
	}

	rates, err := p.fxRates(ctx, cur, from, to)
	if err != nil {
		return nil, fmt.Errorf("convert %s from %s: %w", symbol, cur, err)
	}
	return convert(raw.Points, rates, cur)
}

// raw loads one series through the persistent cache, collapsing concurrent
// requests for the same key.
func (p *Provider) raw(ctx context.Context, symbol string, from, to date.Date) (model.QuoteSeries, error) {
	key := model.SeriesKey{Symbol: symbol, From: from, To: to}
	v, err, _ := p.group.Do(key.String(), func() (interface{}, error) {
		if p.series != nil {
			s, ok, err := p.series.GetSeries(ctx, key)
			switch {
			case err != nil:
				slog.Warn("series cache read failed", "key", key.String(), "err", err)
			case ok:
				metrics.HistoryCacheLookups.WithLabelValues("series", "hit").Inc()
				return s, nil
			default:
				metrics.HistoryCacheLookups.WithLabelValues("series", "miss").Inc()
			}
		}

		s, err := p.market.DailySeries(ctx, symbol, from, to)
		if err != nil {
			return nil, fmt.Errorf("history %s: %w", symbol, err)
		}
		if p.series != nil {
			if err := p.series.PutSeries(ctx, key, s); err != nil {
				slog.Warn("series cache write failed", "key", key.String(), "err", err)
			}
		}
		return s, nil
	})
	if err != nil {
		return model.QuoteSeries{}, err
	}
	return v.(model.QuoteSeries), nil
}

// fxRates returns a USD-per-unit series for cur, trying the direct pair
// first and inverting the USD-quoted pair as a fallback.
func (p *Provider) fxRates(ctx context.Context, cur string, from, to date.Date) (model.History, error) {
	key := cur + "|" + from.String() + "|" + to.String()
	return p.fx.GetOrLoad(ctx, key, func(ctx context.Context) (model.History, error) {
		direct, err := p.raw(ctx, cur+BaseCurrency+"=X", from, to)
		if err == nil && len(direct.Points) > 0 {
			return direct.Points, nil
		}
		slog.Warn("direct fx pair unavailable, trying inverse", "currency", cur, "err", err)

		inverse, err := p.raw(ctx, BaseCurrency+cur+"=X", from, to)
		if err != nil {
			return nil, fmt.Errorf("%w for %s: %v", model.ErrFXUnavailable, cur, err)
		}
		out := make(model.History, 0, len(inverse.Points))
		for _, pt := range inverse.Points {
			if pt.AdjClose <= 0 || pt.Close <= 0 {
				continue
			}
			out = append(out, model.PricePoint{Date: pt.Date, Close: 1 / pt.Close, AdjClose: 1 / pt.AdjClose})
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("%w for %s", model.ErrFXUnavailable, cur)
		}
		return out, nil
	})
}

// convert multiplies prices and dividends by the same-day or nearest rate.
func convert(points, rates model.History, cur string) (model.History, error) {
	out := make(model.History, len(points))
	for i, pt := range points {
		rate, ok := rates.OnOrBefore(pt.Date, model.FieldAdjClose)
		if !ok {
			rate, ok = rates.OnOrAfter(pt.Date, model.FieldAdjClose)
		}
		if !ok || rate.Price <= 0 || math.IsNaN(rate.Price) {
			return nil, fmt.Errorf("%w for %s on %s", model.ErrFXUnavailable, cur, pt.Date)
		}
		out[i] = model.PricePoint{
			Date:     pt.Date,
			Close:    pt.Close * rate.Price,
			AdjClose: pt.AdjClose * rate.Price,
			Dividend: pt.Dividend * rate.Price,
		}
	}
	return out, nil
}

// Calendar generates one row per calendar day from start to end inclusive,
// starting at 1 and compounding by dailyRate.
func Calendar(start, end date.Date, dailyRate float64) model.History {
	n := start.DaysUntil(end) + 1
	if n <= 0 {
		return model.History{}
	}
	out := make(model.History, 0, n)
	price := 1.0
	for d := start; !d.After(end); d = d.AddDays(1) {
		out = append(out, model.PricePoint{Date: d, Close: price, AdjClose: price})
		price *= 1 + dailyRate
	}
	return out
}

// ReturnFunc maps a base daily return to a derived daily return.
type ReturnFunc func(r float64) float64

// LeverageReturn scales returns by mult with a floor at LossFloor.
func LeverageReturn(mult float64) ReturnFunc {
	return func(r float64) float64 {
		return max(r*mult, LossFloor)
	}
}

// OptionReturn scales returns by mult, subtracts decay and clamps to
// [LossFloor, OptionMaxGain].
func OptionReturn(mult, decay float64) ReturnFunc {
	return func(r float64) float64 {
		return min(max(r*mult-decay, LossFloor), OptionMaxGain)
	}
}

// Transform derives a series from base's adjusted-close returns. The result
// is rebased at 1 and floored at MinPrice; it carries no dividends.
func Transform(base model.History, fn ReturnFunc) model.History {
	out := make(model.History, len(base))
	price := 1.0
	for i, pt := range base {
		if i > 0 {
			r := 0.0
			if prev := base[i-1].AdjClose; prev > 0 {
				r = pt.AdjClose/prev - 1
			}
			price = max(price*(1+fn(r)), MinPrice)
		}
		out[i] = model.PricePoint{Date: pt.Date, Close: price, AdjClose: price}
	}
	return out
}
