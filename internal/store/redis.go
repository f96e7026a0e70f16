package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/investotype/sim-engine/internal/date"
	"github.com/investotype/sim-engine/internal/metrics"
	"github.com/investotype/sim-engine/internal/model"
)

// CachedHistoryStore wraps a primary HistoryStore (PostgreSQL) with a Redis
// read-through cache. Writes go to the primary and then refresh the cache;
// reads check Redis first then fall back to the primary. A nil primary makes
// Redis the only layer.
type CachedHistoryStore struct {
	primary HistoryStore
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedHistoryStore creates a cached wrapper around a primary store.
func NewCachedHistoryStore(primary HistoryStore, rdb *redis.Client, ttl time.Duration) *CachedHistoryStore {
	return &CachedHistoryStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through ---

func (s *CachedHistoryStore) PutSeries(ctx context.Context, key model.SeriesKey, qs model.QuoteSeries) error {
	if s.primary != nil {
		if err := s.primary.PutSeries(ctx, key, qs); err != nil {
			return err
		}
	}
	s.cacheSeries(ctx, key, qs)
	return nil
}

// --- Read-through ---

func (s *CachedHistoryStore) GetSeries(ctx context.Context, key model.SeriesKey) (model.QuoteSeries, bool, error) {
	data, err := s.rdb.Get(ctx, seriesKey(key)).Bytes()
	switch {
	case err == nil:
		if qs, err := decodeSeries(key.Symbol, data); err == nil {
			metrics.HistoryCacheLookups.WithLabelValues("redis", "hit").Inc()
			return qs, true, nil
		}
		slog.Warn("discarding undecodable cached series", "key", key.String())
	case !errors.Is(err, redis.Nil):
		slog.Warn("redis series read failed", "key", key.String(), "err", err)
	}
	metrics.HistoryCacheLookups.WithLabelValues("redis", "miss").Inc()

	if s.primary == nil {
		return model.QuoteSeries{}, false, nil
	}
	qs, ok, err := s.primary.GetSeries(ctx, key)
	if err != nil || !ok {
		return qs, ok, err
	}
	s.cacheSeries(ctx, key, qs)
	return qs, true, nil
}

// --- Cache helpers ---

// cachedSeries is the columnar wire form of a series. Days are stored as
// offsets from the Unix epoch.
type cachedSeries struct {
	Currency string    `msgpack:"c"`
	Days     []int32   `msgpack:"d"`
	Close    []float64 `msgpack:"p"`
	AdjClose []float64 `msgpack:"a"`
	Dividend []float64 `msgpack:"v"`
}

var epoch = date.New(1970, time.January, 1)

func encodeSeries(qs model.QuoteSeries) ([]byte, error) {
	n := len(qs.Points)
	w := cachedSeries{
		Currency: qs.Currency,
		Days:     make([]int32, n),
		Close:    make([]float64, n),
		AdjClose: make([]float64, n),
		Dividend: make([]float64, n),
	}
	for i, p := range qs.Points {
		w.Days[i] = int32(epoch.DaysUntil(p.Date))
		w.Close[i] = p.Close
		w.AdjClose[i] = p.AdjClose
		w.Dividend[i] = p.Dividend
	}
	return msgpack.Marshal(&w)
}

func decodeSeries(symbol string, data []byte) (model.QuoteSeries, error) {
	var w cachedSeries
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return model.QuoteSeries{}, err
	}
	n := len(w.Days)
	if len(w.Close) != n || len(w.AdjClose) != n || len(w.Dividend) != n {
		return model.QuoteSeries{}, fmt.Errorf("cached series %s: column length mismatch", symbol)
	}
	points := make(model.History, n)
	for i := range n {
		points[i] = model.PricePoint{
			Date:     epoch.AddDays(int(w.Days[i])),
			Close:    w.Close[i],
			AdjClose: w.AdjClose[i],
			Dividend: w.Dividend[i],
		}
	}
	return model.QuoteSeries{Symbol: symbol, Currency: w.Currency, Points: points}, nil
}

func (s *CachedHistoryStore) cacheSeries(ctx context.Context, key model.SeriesKey, qs model.QuoteSeries) {
	data, err := encodeSeries(qs)
	if err != nil {
		slog.Warn("encode series for cache failed", "key", key.String(), "err", err)
		return
	}
	if err := s.rdb.Set(ctx, seriesKey(key), data, s.ttl).Err(); err != nil {
		slog.Warn("redis series write failed", "key", key.String(), "err", err)
	}
}

func seriesKey(k model.SeriesKey) string { return fmt.Sprintf("history:%s", k) }
