package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/investotype/sim-engine/internal/date"
	"github.com/investotype/sim-engine/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS history_series (
	symbol     TEXT        NOT NULL,
	range_from DATE        NOT NULL,
	range_to   DATE        NOT NULL,
	currency   TEXT        NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (symbol, range_from, range_to)
);

CREATE TABLE IF NOT EXISTS history_rows (
	symbol     TEXT    NOT NULL,
	range_from DATE    NOT NULL,
	range_to   DATE    NOT NULL,
	day        DATE    NOT NULL,
	close      NUMERIC NOT NULL,
	adj_close  NUMERIC NOT NULL,
	dividend   NUMERIC NOT NULL DEFAULT 0,
	PRIMARY KEY (symbol, range_from, range_to, day),
	FOREIGN KEY (symbol, range_from, range_to)
		REFERENCES history_series (symbol, range_from, range_to) ON DELETE CASCADE
);`

// PostgresHistoryStore implements HistoryStore using PostgreSQL. Prices are
// stored as NUMERIC so values round-trip exactly.
type PostgresHistoryStore struct {
	pool   *pgxpool.Pool
	maxAge time.Duration
}

// NewPostgresHistoryStore creates a PostgreSQL-backed history store. Series
// whose window reaches within a week of the fetch time are treated as stale
// after maxAge; older windows never change. A zero maxAge keeps everything.
func NewPostgresHistoryStore(pool *pgxpool.Pool, maxAge time.Duration) *PostgresHistoryStore {
	return &PostgresHistoryStore{pool: pool, maxAge: maxAge}
}

// Migrate creates the history tables if they do not exist.
func (s *PostgresHistoryStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate history tables: %w", err)
	}
	return nil
}

func (s *PostgresHistoryStore) GetSeries(ctx context.Context, key model.SeriesKey) (model.QuoteSeries, bool, error) {
	var currency string
	var fetchedAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT currency, fetched_at FROM history_series
		 WHERE symbol = $1 AND range_from = $2 AND range_to = $3`,
		key.Symbol, key.From.Time(), key.To.Time()).
		Scan(&currency, &fetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.QuoteSeries{}, false, nil
	}
	if err != nil {
		return model.QuoteSeries{}, false, fmt.Errorf("get series %s: %w", key, err)
	}
	if stale(key, fetchedAt, s.maxAge, time.Now()) {
		return model.QuoteSeries{}, false, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT day, close::TEXT, adj_close::TEXT, dividend::TEXT
		 FROM history_rows
		 WHERE symbol = $1 AND range_from = $2 AND range_to = $3
		 ORDER BY day`,
		key.Symbol, key.From.Time(), key.To.Time())
	if err != nil {
		return model.QuoteSeries{}, false, fmt.Errorf("get series rows %s: %w", key, err)
	}
	defer rows.Close()

	var points model.History
	for rows.Next() {
		var day time.Time
		var closeStr, adjStr, divStr string
		if err := rows.Scan(&day, &closeStr, &adjStr, &divStr); err != nil {
			return model.QuoteSeries{}, false, err
		}
		points = append(points, model.PricePoint{
			Date:     date.FromTime(day),
			Close:    numeric(closeStr),
			AdjClose: numeric(adjStr),
			Dividend: numeric(divStr),
		})
	}
	if err := rows.Err(); err != nil {
		return model.QuoteSeries{}, false, err
	}
	if len(points) == 0 {
		return model.QuoteSeries{}, false, nil
	}
	return model.QuoteSeries{Symbol: key.Symbol, Currency: currency, Points: points}, true, nil
}

func (s *PostgresHistoryStore) PutSeries(ctx context.Context, key model.SeriesKey, qs model.QuoteSeries) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM history_series WHERE symbol = $1 AND range_from = $2 AND range_to = $3`,
		key.Symbol, key.From.Time(), key.To.Time()); err != nil {
		return fmt.Errorf("clear series %s: %w", key, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO history_series (symbol, range_from, range_to, currency, fetched_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		key.Symbol, key.From.Time(), key.To.Time(), qs.Currency, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert series %s: %w", key, err)
	}

	batch := &pgx.Batch{}
	for _, p := range qs.Points {
		batch.Queue(
			`INSERT INTO history_rows (symbol, range_from, range_to, day, close, adj_close, dividend)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC)`,
			key.Symbol, key.From.Time(), key.To.Time(), p.Date.Time(),
			decimal.NewFromFloat(p.Close).String(),
			decimal.NewFromFloat(p.AdjClose).String(),
			decimal.NewFromFloat(p.Dividend).String(),
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert rows %s: %w", key, err)
	}
	return tx.Commit(ctx)
}

// stale reports whether a stored series may have changed upstream since it
// was fetched: its window ends close to the fetch time and maxAge has passed.
func stale(key model.SeriesKey, fetchedAt time.Time, maxAge time.Duration, now time.Time) bool {
	if maxAge <= 0 {
		return false
	}
	settled := key.To.Before(date.FromTime(fetchedAt).AddDays(-7))
	return !settled && now.Sub(fetchedAt) > maxAge
}

func numeric(s string) float64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.InexactFloat64()
}
