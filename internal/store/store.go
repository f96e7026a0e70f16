// Package store defines persistence for the simulator engine. Live sessions
// are held in memory behind SessionStore; fetched market series are kept in
// a HistoryStore backed by PostgreSQL (source of truth) with an optional
// Redis read-through cache.
package store

import (
	"context"
	"time"

	"github.com/investotype/sim-engine/internal/model"
)

// SessionStore holds live simulation sessions. Implementations hand out
// and take in copies, so a caller's mutations are invisible until Put.
type SessionStore interface {
	// Get returns a copy of the session or model.ErrSessionNotFound.
	Get(ctx context.Context, id string) (*model.Session, error)

	// Put stores a copy of the session, replacing any previous version.
	Put(ctx context.Context, s *model.Session) error

	// Remove deletes a session. Removing an unknown id is not an error.
	Remove(ctx context.Context, id string) error

	// EvictIdle removes sessions not touched since cutoff and returns their
	// ids. Sessions for which inUse reports true are kept; inUse may be nil.
	EvictIdle(ctx context.Context, cutoff time.Time, inUse func(id string) bool) ([]string, error)

	// Len returns the number of stored sessions.
	Len() int
}

// HistoryStore persists raw market series keyed by symbol and fetch window.
// It satisfies history.SeriesCache.
type HistoryStore interface {
	// GetSeries returns the stored series; ok is false on a miss.
	GetSeries(ctx context.Context, key model.SeriesKey) (s model.QuoteSeries, ok bool, err error)

	// PutSeries stores a series, replacing any previous rows for the key.
	PutSeries(ctx context.Context, key model.SeriesKey, s model.QuoteSeries) error
}
