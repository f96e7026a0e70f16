package engine

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/investotype/sim-engine/internal/date"
	"github.com/investotype/sim-engine/internal/model"
)

// Timeline is a day-by-day reconstruction of portfolio value.
type Timeline struct {
	SimulationID    string            `json:"simulationId"`
	StartDate       date.Date         `json:"startDate"`
	EndDate         date.Date         `json:"endDate"`
	Points          []model.Snapshot  `json:"timeline"`
	BenchmarkSeries []BenchmarkSeries `json:"benchmarkSeries"`
}

// Projection values the current holdings forward without further trading.
type Projection struct {
	SimulationID         string                `json:"simulationId"`
	CurrentDate          date.Date             `json:"currentDate"`
	EndDate              date.Date             `json:"endDate"`
	CurrentValue         float64               `json:"currentValue"`
	ProjectedEndValue    float64               `json:"projectedEndValue"`
	ProjectedReturnToEnd float64               `json:"projectedReturnToEnd"`
	PeriodsRemaining     int                   `json:"periodsRemaining"`
	Points               []model.Snapshot      `json:"projectedTimeline"`
	Benchmarks           []BenchmarkProjection `json:"benchmarkProjection"`
}

// BenchmarkProjection is a benchmark rebased to the current portfolio value.
type BenchmarkProjection struct {
	Symbol               string           `json:"symbol"`
	OK                   bool             `json:"ok"`
	ProjectedReturnToEnd *float64         `json:"projectedReturnToEnd"`
	Series               []model.Snapshot `json:"series"`
	Error                string           `json:"error,omitempty"`
}

// Frame is the close of every active symbol on one trading day.
type Frame struct {
	Date   date.Date          `json:"date"`
	Prices map[string]float64 `json:"prices"`
}

// Replay is the price tape of the active symbols over the session range.
type Replay struct {
	SimulationID string    `json:"simulationId"`
	StartDate    date.Date `json:"startDate"`
	EndDate      date.Date `json:"endDate"`
	Symbols      []string  `json:"symbols"`
	Frames       []Frame   `json:"frames"`
}

// Timeline rebuilds daily values from the recorded decisions through end,
// which defaults to the next rebalance date. Holdings are taken from each
// decision's target dollars at that day's close, and cash from the
// decision's post-trade cash.
func (e *Engine) Timeline(ctx context.Context, id string, end *date.Date) (Timeline, error) {
	s, err := e.snapshot(ctx, id)
	if err != nil {
		return Timeline{}, err
	}
	last := s.PreviewDate()
	if end != nil {
		// Capped at the later of the session end and today.
		last = date.Min(*end, date.Max(s.EndDate, e.today()))
	}
	if last.Before(s.StartDate) {
		return Timeline{}, fmt.Errorf("%w: endDate is before simulation startDate", model.ErrInvalidDate)
	}

	out := Timeline{
		SimulationID:    s.ID,
		StartDate:       s.StartDate,
		EndDate:         last,
		Points:          dailyValues(s, last),
		BenchmarkSeries: []BenchmarkSeries{},
	}
	for _, b := range e.loadBenchmarks(ctx, s) {
		if b.err != nil {
			continue
		}
		start, ok := b.history.Nearest(s.StartDate, model.FieldAdjClose)
		if !ok || start.Price <= 0 {
			continue
		}
		points := make([]model.Snapshot, 0, len(out.Points))
		for _, p := range out.Points {
			q, ok := b.history.OnOrBefore(p.Date, model.FieldAdjClose)
			if !ok || q.Price <= 0 {
				continue
			}
			points = append(points, model.Snapshot{Date: p.Date, Value: s.InitialCash * q.Price / start.Price})
		}
		if len(points) >= 2 {
			out.BenchmarkSeries = append(out.BenchmarkSeries, BenchmarkSeries{Symbol: b.symbol, Points: points})
		}
	}
	return out, nil
}

func dailyValues(s *model.Session, end date.Date) []model.Snapshot {
	type event struct {
		cash     float64
		holdings map[string]float64
	}
	events := make(map[date.Date]event, len(s.Decisions))
	for _, d := range s.Decisions {
		if d.Date.After(end) {
			continue
		}
		ev := event{cash: d.Cash, holdings: make(map[string]float64, len(d.TargetValues))}
		for sym, target := range d.TargetValues {
			if isCash(s, sym) {
				continue
			}
			q, ok := s.Histories[sym].Nearest(d.Date, model.FieldClose)
			if ok && q.Price > 0 {
				ev.holdings[sym] = target / q.Price
			} else {
				ev.holdings[sym] = 0
			}
		}
		events[d.Date] = ev
	}

	var out []model.Snapshot
	holdings := map[string]float64{}
	cash := s.InitialCash
	for day := s.StartDate; !day.After(end); day = day.AddDays(1) {
		if ev, ok := events[day]; ok {
			cash = ev.cash
			maps.Copy(holdings, ev.holdings)
		}
		value := cash
		for sym, qty := range holdings {
			if qty <= 0 {
				continue
			}
			if q, ok := s.Histories[sym].OnOrBefore(day, model.FieldClose); ok {
				value += qty * q.Price
			}
		}
		out = append(out, model.Snapshot{Date: day, Value: value})
	}
	return out
}

// Projection values the current holdings on every remaining schedule date
// and the end date, buy-and-hold. Benchmarks are rebased to the current
// value over the same dates.
func (e *Engine) Projection(ctx context.Context, id string) (Projection, error) {
	s, err := e.snapshot(ctx, id)
	if err != nil {
		return Projection{}, err
	}
	current := s.StartDate
	if snap, ok := s.LastSnapshot(); ok {
		current = snap.Date
	}

	dates := []date.Date{current}
	for _, d := range s.Schedule {
		if !d.Before(current) {
			dates = append(dates, d)
		}
	}
	dates = append(dates, s.EndDate)
	slices.SortFunc(dates, date.Date.Compare)
	dates = slices.Compact(dates)

	c := s.Clone()
	points := make([]model.Snapshot, 0, len(dates))
	for _, d := range dates {
		v, err := valueAt(c, d)
		if err != nil {
			return Projection{}, err
		}
		points = append(points, model.Snapshot{Date: d, Value: v.Total})
	}

	out := Projection{
		SimulationID:     s.ID,
		CurrentDate:      current,
		EndDate:          s.EndDate,
		CurrentValue:     points[0].Value,
		PeriodsRemaining: len(dates) - 1,
		Points:           points,
		Benchmarks:       []BenchmarkProjection{},
	}
	out.ProjectedEndValue = points[len(points)-1].Value
	if out.CurrentValue > 0 {
		out.ProjectedReturnToEnd = out.ProjectedEndValue/out.CurrentValue - 1
	}

	symbols := s.Benchmarks[:min(len(s.Benchmarks), e.cfg.MaxBenchmarks)]
	for _, sym := range symbols {
		out.Benchmarks = append(out.Benchmarks, e.projectBenchmark(ctx, sym, current, s.EndDate, dates, out.CurrentValue))
	}
	return out, nil
}

func (e *Engine) projectBenchmark(ctx context.Context, symbol string, current, end date.Date, dates []date.Date, base float64) BenchmarkProjection {
	out := BenchmarkProjection{Symbol: symbol, Series: []model.Snapshot{}}
	h, err := e.histories.Symbol(ctx, symbol, current, end)
	if err != nil {
		logDegraded("benchmark projection unavailable", symbol, err)
		out.Error = err.Error()
		return out
	}
	start, ok := h.Nearest(current, model.FieldAdjClose)
	if !ok || start.Price <= 0 {
		return out
	}
	for _, d := range dates {
		if q, ok := h.OnOrBefore(d, model.FieldAdjClose); ok {
			out.Series = append(out.Series, model.Snapshot{Date: d, Value: base * q.Price / start.Price})
		}
	}
	if n := len(out.Series); n > 0 && base > 0 {
		r := out.Series[n-1].Value/base - 1
		out.ProjectedReturnToEnd, out.OK = &r, true
	}
	return out
}

// Replay lists, for every day any active symbol traded within the session
// range, the last close of each active symbol. Symbols without data yet
// report 0.
func (e *Engine) Replay(ctx context.Context, id string) (Replay, error) {
	s, err := e.snapshot(ctx, id)
	if err != nil {
		return Replay{}, err
	}

	seen := map[date.Date]bool{}
	for _, sym := range s.Symbols {
		for _, p := range s.Histories[sym] {
			if !p.Date.Before(s.StartDate) && !p.Date.After(s.EndDate) {
				seen[p.Date] = true
			}
		}
	}
	days := slices.SortedFunc(maps.Keys(seen), date.Date.Compare)

	frames := make([]Frame, 0, len(days))
	for _, d := range days {
		prices := make(map[string]float64, len(s.Symbols))
		for _, sym := range s.Symbols {
			prices[sym] = 0
			q, ok := s.Histories[sym].OnOrBefore(d, model.FieldClose)
			if ok && q.Price == 0 {
				q, ok = s.Histories[sym].OnOrBefore(d, model.FieldAdjClose)
			}
			if ok {
				prices[sym] = q.Price
			}
		}
		frames = append(frames, Frame{Date: d, Prices: prices})
	}

	return Replay{
		SimulationID: s.ID,
		StartDate:    s.StartDate,
		EndDate:      s.EndDate,
		Symbols:      slices.Clone(s.Symbols),
		Frames:       frames,
	}, nil
}
