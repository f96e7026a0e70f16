package model

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/investotype/sim-engine/internal/date"
)

// Frequency is the rebalance cadence of a session.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// ParseFrequency validates a frequency string.
func ParseFrequency(s string) (Frequency, error) {
	switch f := Frequency(s); f {
	case Daily, Weekly, Monthly:
		return f, nil
	}
	return "", fmt.Errorf("%w: frequency must be daily, weekly, or monthly", ErrInvalidRequest)
}

// AllocationMode describes how a rebalance target was expressed.
// Per-asset modes are weight, dollars or units; a whole decision may
// additionally be mixed.
type AllocationMode string

const (
	ModeWeight  AllocationMode = "weight"
	ModeDollars AllocationMode = "dollars"
	ModeUnits   AllocationMode = "units"
	ModeMixed   AllocationMode = "mixed"
)

// Position is the holding state of one symbol.
type Position struct {
	Quantity       float64 `json:"quantity"`
	CostBasis      float64 `json:"costBasis"`
	FirstBuyPrice  float64 `json:"firstBuyPrice"`
	RealizedProfit float64 `json:"realizedProfit"`
}

// AvgBuyPrice is the cost basis per unit still held.
func (p Position) AvgBuyPrice() float64 {
	if p.Quantity <= 0 {
		return 0
	}
	return p.CostBasis / p.Quantity
}

// ClosedPosition is what survives of a symbol after it leaves the active
// universe.
type ClosedPosition struct {
	FirstBuyPrice  float64 `json:"firstBuyPrice"`
	RealizedProfit float64 `json:"realizedProfit"`
}

// Snapshot is the post-rebalance portfolio value on a schedule date.
type Snapshot struct {
	Date  date.Date `json:"date"`
	Value float64   `json:"value"`
}

// Decision is the append-only record of one rebalance.
type Decision struct {
	Date            date.Date                 `json:"date"`
	AllocationMode  AllocationMode            `json:"allocationMode"`
	PerAssetModes   map[string]AllocationMode `json:"perAssetModes"`
	RequestedInputs map[string]float64        `json:"requestedInputs"`
	TargetValues    map[string]float64        `json:"requestedTargets"`
	TargetWeights   map[string]float64        `json:"requestedWeights"`
	ActualWeights   map[string]float64        `json:"actualWeights"`
	PortfolioValue  float64                   `json:"portfolioValue"`
	Cash            float64                   `json:"cash"`
	Turnover        float64                   `json:"turnover"`
	Fee             float64                   `json:"fee"`
}

// Session is the aggregate root of one simulation. A Session value is owned
// by whoever holds it; stores hand out clones so mutations are never
// visible until committed.
type Session struct {
	ID        string      `json:"id"`
	StartDate date.Date   `json:"startDate"`
	EndDate   date.Date   `json:"endDate"`
	Frequency Frequency   `json:"frequency"`
	Schedule  []date.Date `json:"schedule"`
	StepIndex int         `json:"stepIndex"`

	InitialCash            float64   `json:"initialCash"`
	Cash                   float64   `json:"cash"`
	FeesPaid               float64   `json:"feesPaid"`
	DividendsReceived      float64   `json:"totalDividendsReceived"`
	DividendAccruedThrough date.Date `json:"dividendAccruedThrough"`

	Symbols    []string                   `json:"symbols"`
	Assets     map[string]AssetDescriptor `json:"assetMeta"`
	Histories  map[string]History         `json:"-"`
	Positions  map[string]Position        `json:"positions"`
	Closed     map[string]ClosedPosition  `json:"closedPositions"`
	Benchmarks []string                   `json:"benchmarkSymbols"`

	Decisions           []Decision `json:"decisions"`
	Snapshots           []Snapshot `json:"snapshots"`
	TurnoverSeries      []float64  `json:"turnoverSeries"`
	ConcentrationSeries []float64  `json:"concentrationSeries"`
	CashRatioSeries     []float64  `json:"cashRatioSeries"`

	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"createdAt"`
	TouchedAt time.Time `json:"touchedAt"`
}

// Clone returns a copy that shares no mutable state with s. Histories are
// treated as immutable once loaded, so only the map is copied.
func (s *Session) Clone() *Session {
	c := *s
	c.Schedule = slices.Clone(s.Schedule)
	c.Symbols = slices.Clone(s.Symbols)
	c.Assets = maps.Clone(s.Assets)
	c.Histories = maps.Clone(s.Histories)
	c.Positions = maps.Clone(s.Positions)
	c.Closed = maps.Clone(s.Closed)
	c.Benchmarks = slices.Clone(s.Benchmarks)
	c.Decisions = slices.Clone(s.Decisions)
	c.Snapshots = slices.Clone(s.Snapshots)
	c.TurnoverSeries = slices.Clone(s.TurnoverSeries)
	c.ConcentrationSeries = slices.Clone(s.ConcentrationSeries)
	c.CashRatioSeries = slices.Clone(s.CashRatioSeries)
	return &c
}

// NextDate returns the schedule date the next rebalance will execute on.
func (s *Session) NextDate() (date.Date, bool) {
	if s.StepIndex < 0 || s.StepIndex >= len(s.Schedule) {
		return date.Date{}, false
	}
	return s.Schedule[s.StepIndex], true
}

// PreviewDate is the next rebalance date, or the end date once the
// schedule is exhausted.
func (s *Session) PreviewDate() date.Date {
	if d, ok := s.NextDate(); ok {
		return d
	}
	return s.EndDate
}

// LastSnapshot returns the most recent rebalance snapshot.
func (s *Session) LastSnapshot() (Snapshot, bool) {
	if len(s.Snapshots) == 0 {
		return Snapshot{}, false
	}
	return s.Snapshots[len(s.Snapshots)-1], true
}

// IsActive reports whether symbol is in the active universe.
func (s *Session) IsActive(symbol string) bool {
	return slices.Contains(s.Symbols, symbol)
}

// Activate adds a symbol to the active universe with an empty position,
// carrying over realized profit from an earlier closed position.
func (s *Session) Activate(desc AssetDescriptor, h History) {
	pos := Position{}
	if closed, ok := s.Closed[desc.ID]; ok {
		pos.RealizedProfit = closed.RealizedProfit
		delete(s.Closed, desc.ID)
	}
	s.Symbols = append(s.Symbols, desc.ID)
	s.Assets[desc.ID] = desc
	s.Histories[desc.ID] = h
	s.Positions[desc.ID] = pos
}

// Archive moves a symbol out of the active universe into Closed.
func (s *Session) Archive(symbol string) {
	pos := s.Positions[symbol]
	s.Closed[symbol] = ClosedPosition{
		FirstBuyPrice:  pos.FirstBuyPrice,
		RealizedProfit: pos.RealizedProfit,
	}
	s.Symbols = slices.DeleteFunc(s.Symbols, func(x string) bool { return x == symbol })
	delete(s.Positions, symbol)
}
