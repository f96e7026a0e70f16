package marketdata

import (
	"context"
	"log/slog"
	"time"

	"github.com/investotype/sim-engine/internal/cache"
	"github.com/investotype/sim-engine/internal/date"
	"github.com/investotype/sim-engine/internal/model"
)

const (
	EarningsTTL  = 12 * time.Hour
	HeadlinesTTL = 30 * time.Minute
)

// IntelSource is the upstream for optional symbol enrichment.
type IntelSource interface {
	EarningsDate(ctx context.Context, symbol string) (*date.Date, error)
	Headlines(ctx context.Context, symbol string, limit int) ([]model.Headline, error)
}

// Intel serves earnings dates and headlines from a TTL cache. Lookups never
// fail: upstream errors are logged and degrade to an empty result.
type Intel struct {
	src       IntelSource
	earnings  *cache.TTL[string, *date.Date]
	headlines *cache.TTL[string, []model.Headline]
}

// NewIntel wraps src with the default TTLs.
func NewIntel(src IntelSource, opts ...cache.Option) *Intel {
	return &Intel{
		src:       src,
		earnings:  cache.NewTTL[string, *date.Date](EarningsTTL, opts...),
		headlines: cache.NewTTL[string, []model.Headline](HeadlinesTTL, opts...),
	}
}

// EarningsDate returns the cached next earnings date, or nil.
func (i *Intel) EarningsDate(ctx context.Context, symbol string) *date.Date {
	d, err := i.earnings.GetOrLoad(ctx, symbol, func(ctx context.Context) (*date.Date, error) {
		return i.src.EarningsDate(ctx, symbol)
	})
	if err != nil {
		slog.Warn("earnings lookup failed", "symbol", symbol, "err", err)
		return nil
	}
	return d
}

// Headlines returns up to limit cached headlines for symbol.
func (i *Intel) Headlines(ctx context.Context, symbol string, limit int) []model.Headline {
	all, err := i.headlines.GetOrLoad(ctx, symbol, func(ctx context.Context) ([]model.Headline, error) {
		return i.src.Headlines(ctx, symbol, MaxHeadlines)
	})
	if err != nil {
		slog.Warn("headline lookup failed", "symbol", symbol, "err", err)
		return []model.Headline{}
	}
	if limit < len(all) {
		all = all[:max(limit, 0)]
	}
	out := make([]model.Headline, len(all))
	copy(out, all)
	return out
}

// Purge drops expired entries from both caches.
func (i *Intel) Purge() int {
	return i.earnings.Purge() + i.headlines.Purge()
}
