// Package engine runs portfolio simulations: it owns the session lifecycle,
// values portfolios, resolves allocation targets, executes rebalances and
// discrete trades, and produces the finish report and read-only views.
//
// Every mutating operation works on a copy of the session and commits it to
// the SessionStore only when the whole operation succeeded. All external data
// an operation needs is fetched before the session lock is taken.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/investotype/sim-engine/internal/analytics"
	"github.com/investotype/sim-engine/internal/asset"
	"github.com/investotype/sim-engine/internal/cache"
	"github.com/investotype/sim-engine/internal/date"
	"github.com/investotype/sim-engine/internal/model"
	"github.com/investotype/sim-engine/internal/store"
)

// Config holds the engine's tunable constants.
type Config struct {
	// FeeRate is charged on the value of every executed leg.
	FeeRate float64
	// DustQuantity is the position size below which holdings are zeroed.
	DustQuantity float64
	// DustBasis is the residual cost basis treated as zero when archiving.
	DustBasis float64
	// TradeEpsilon absorbs rounding when checking trade legs against
	// position value and cash.
	TradeEpsilon float64
	// ScaleRebalanceBuys shrinks underfunded rebalance buys to fit cash.
	// Discrete trades always fail instead.
	ScaleRebalanceBuys bool

	MaxBenchmarks       int
	BriefingHeadlines   int
	HistoricalViewAfter time.Duration
	ValidateLookback    int
	PriceLookback       int
	BenchmarkCacheTTL   time.Duration

	Classifier analytics.Model
}

// DefaultConfig returns the production constants.
func DefaultConfig() Config {
	return Config{
		FeeRate:             0.001,
		DustQuantity:        1e-10,
		DustBasis:           1e-6,
		TradeEpsilon:        1e-6,
		ScaleRebalanceBuys:  true,
		MaxBenchmarks:       8,
		BriefingHeadlines:   3,
		HistoricalViewAfter: 7 * 24 * time.Hour,
		ValidateLookback:    90,
		PriceLookback:       365,
		BenchmarkCacheTTL:   time.Hour,
		Classifier:          analytics.DefaultModel(),
	}
}

// Histories supplies price series for assets and plain tickers.
type Histories interface {
	Asset(ctx context.Context, desc model.AssetDescriptor, start, end date.Date) (model.History, error)
	Symbol(ctx context.Context, symbol string, start, end date.Date) (model.History, error)
}

// Intel supplies optional symbol enrichment. Implementations degrade to
// empty results instead of failing.
type Intel interface {
	EarningsDate(ctx context.Context, symbol string) *date.Date
	Headlines(ctx context.Context, symbol string, limit int) []model.Headline
}

// EventType names a session event.
type EventType string

const (
	EventStarted    EventType = "session.started"
	EventAssetAdded EventType = "session.asset_added"
	EventRebalanced EventType = "session.rebalanced"
	EventTraded     EventType = "session.traded"
	EventFinished   EventType = "session.finished"
)

// Event is published after a mutation has been committed.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"simulationId"`
	Date      date.Date `json:"date"`
	Data      any       `json:"data,omitempty"`
}

// Notifier receives committed session events.
type Notifier interface {
	Publish(ev Event)
}

// Engine coordinates simulations. It is safe for concurrent use.
type Engine struct {
	cfg        Config
	sessions   store.SessionStore
	histories  Histories
	search     asset.Searcher
	resolver   *asset.Resolver
	intel      Intel
	parser     asset.Parser
	notifier   Notifier
	benchmarks *cache.TTL[string, model.History]
	now        func() time.Time

	mu    sync.Mutex
	locks map[string]*sessionLock
}

// sessionLock serializes operations on one session. refs counts the
// operations holding or waiting for it; the entry is dropped at zero.
type sessionLock struct {
	sync.RWMutex
	refs int
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig overrides the default constants.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithSearcher enables name resolution and metadata enrichment.
func WithSearcher(s asset.Searcher) Option {
	return func(e *Engine) { e.search = s }
}

// WithIntel enables earnings and headline enrichment.
func WithIntel(i Intel) Option {
	return func(e *Engine) { e.intel = i }
}

// WithNotifier publishes committed events to n.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithSavingsAPY sets the yield used to label SAVINGS assets.
func WithSavingsAPY(apy float64) Option {
	return func(e *Engine) { e.parser = asset.NewParser(apy) }
}

// WithClock overrides the wall clock used for "today".
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine over a session store and a history source.
func New(sessions store.SessionStore, histories Histories, opts ...Option) *Engine {
	e := &Engine{
		cfg:       DefaultConfig(),
		sessions:  sessions,
		histories: histories,
		parser:    asset.NewParser(asset.DefaultSavingsAPY),
		now:       time.Now,
		locks:     make(map[string]*sessionLock),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.search != nil {
		e.resolver = asset.NewResolver(e.search)
	}
	e.benchmarks = cache.NewTTL[string, model.History](e.cfg.BenchmarkCacheTTL)
	return e
}

// Config returns the engine's constants.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) acquire(id string) *sessionLock {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sessionLock{}
		e.locks[id] = l
	}
	l.refs++
	return l
}

func (e *Engine) release(id string, l *sessionLock) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(e.locks, id)
	}
}

// InUse reports whether an operation on the session is running or
// waiting. The store janitor skips such sessions.
func (e *Engine) InUse(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.locks[id]
	return ok
}

// view runs fn on a private copy of the session under a read lock.
func (e *Engine) view(ctx context.Context, id string, fn func(s *model.Session) error) error {
	l := e.acquire(id)
	defer e.release(id, l)
	l.RLock()
	defer l.RUnlock()
	s, err := e.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	return fn(s)
}

// mutate runs fn on a copy of the session under the write lock and
// commits the copy only when fn succeeds.
func (e *Engine) mutate(ctx context.Context, id string, fn func(s *model.Session) error) error {
	l := e.acquire(id)
	defer e.release(id, l)
	l.Lock()
	defer l.Unlock()
	s, err := e.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(s); err != nil {
		return err
	}
	return e.sessions.Put(ctx, s)
}

// snapshot returns a copy of the session without holding the lock past
// the read.
func (e *Engine) snapshot(ctx context.Context, id string) (*model.Session, error) {
	var out *model.Session
	err := e.view(ctx, id, func(s *model.Session) error {
		out = s
		return nil
	})
	return out, err
}

func (e *Engine) publish(typ EventType, id string, d date.Date, data any) {
	if e.notifier == nil {
		return
	}
	e.notifier.Publish(Event{Type: typ, SessionID: id, Date: d, Data: data})
}

func (e *Engine) today() date.Date {
	return date.FromTime(e.now())
}

// benchmarkHistory loads a benchmark ticker over the session range through
// the engine's benchmark cache.
func (e *Engine) benchmarkHistory(ctx context.Context, symbol string, start, end date.Date) (model.History, error) {
	key := symbol + "|" + start.String() + "|" + end.String()
	return e.benchmarks.GetOrLoad(ctx, key, func(ctx context.Context) (model.History, error) {
		return e.histories.Symbol(ctx, symbol, start, end)
	})
}

func logDegraded(msg, symbol string, err error) {
	slog.Warn(msg, "symbol", symbol, "err", err)
}
