package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/investotype/sim-engine/internal/analytics"
	"github.com/investotype/sim-engine/internal/date"
	"github.com/investotype/sim-engine/internal/metrics"
	"github.com/investotype/sim-engine/internal/model"
)

// DefaultBenchmark is echoed as the headline benchmark when a session has
// none configured.
const DefaultBenchmark = "SPY"

// Guidance is attached to every finish report.
var Guidance = []string{
	"This simulator is educational and not financial advice.",
	"Repeat the simulation across different years to reduce period bias.",
	"Compare your behavior metrics against your risk tolerance survey.",
}

// BenchmarkComparison is a benchmark's total return over the session.
// TotalReturn is nil when the benchmark could not be priced.
type BenchmarkComparison struct {
	Symbol      string   `json:"symbol"`
	TotalReturn *float64 `json:"totalReturn"`
	OK          bool     `json:"ok"`
	Error       string   `json:"error,omitempty"`
}

// BenchmarkSeries is a benchmark rebased to the session's initial cash.
type BenchmarkSeries struct {
	Symbol string           `json:"symbol"`
	Points []model.Snapshot `json:"points"`
}

// Report is the result of finishing a session.
type Report struct {
	SimulationID         string                `json:"simulationId"`
	StartDate            date.Date             `json:"startDate"`
	EndDate              date.Date             `json:"endDate"`
	FinalValue           float64               `json:"finalValue"`
	TotalReturn          float64               `json:"totalReturn"`
	CAGR                 float64               `json:"cagr"`
	MaxDrawdown          float64               `json:"maxDrawdown"`
	AnnualizedVolatility float64               `json:"annualizedVolatility"`
	FeesPaid             float64               `json:"feesPaid"`
	DividendsReceived    float64               `json:"dividendsReceived"`
	Benchmark            BenchmarkComparison   `json:"benchmark"`
	BenchmarkComparisons []BenchmarkComparison `json:"benchmarkComparisons"`
	BenchmarkSeries      []BenchmarkSeries     `json:"benchmarkSeries"`
	FinalWeights         map[string]float64    `json:"finalWeights"`
	Timeline             []model.Snapshot      `json:"timeline"`
	Behavior             analytics.Behavior    `json:"behavior"`
	Inputs               analytics.Inputs      `json:"metrics"`
	InvestorProfile      analytics.Profile     `json:"investorProfile"`
	Guidance             []string              `json:"guidance"`
}

type benchmarkData struct {
	symbol  string
	history model.History
	err     error
}

// Finish values the portfolio on the end date, compares it with the
// session's benchmarks, classifies the investor and marks the session
// completed. Finishing a completed session returns the same report again.
func (e *Engine) Finish(ctx context.Context, id string) (Report, error) {
	defer metrics.ObserveEngine("finish", time.Now())

	cur, err := e.snapshot(ctx, id)
	if err != nil {
		return Report{}, err
	}
	benchmarks := e.loadBenchmarks(ctx, cur)

	var out Report
	if cur.Completed {
		err = e.view(ctx, id, func(s *model.Session) error {
			var err error
			out, err = e.report(s, benchmarks)
			return err
		})
		return out, err
	}

	err = e.mutate(ctx, id, func(s *model.Session) error {
		var err error
		out, err = e.report(s, benchmarks)
		if err != nil {
			return err
		}
		s.Completed = true
		return nil
	})
	if err != nil {
		return Report{}, err
	}

	metrics.SessionsFinished.WithLabelValues(out.InvestorProfile.Code).Inc()
	slog.Info("session finished",
		"id", id,
		"final_value", out.FinalValue,
		"total_return", out.TotalReturn,
		"archetype", out.InvestorProfile.Code,
	)
	e.publish(EventFinished, id, out.EndDate, out.InvestorProfile)
	return out, nil
}

// loadBenchmarks fetches up to MaxBenchmarks benchmark histories. Failures
// are kept per symbol so the report can mark them unavailable.
func (e *Engine) loadBenchmarks(ctx context.Context, s *model.Session) []benchmarkData {
	symbols := s.Benchmarks
	if len(symbols) > e.cfg.MaxBenchmarks {
		symbols = symbols[:e.cfg.MaxBenchmarks]
	}
	out := make([]benchmarkData, len(symbols))
	for i, sym := range symbols {
		h, err := e.benchmarkHistory(ctx, sym, s.StartDate, s.EndDate)
		if err != nil {
			logDegraded("benchmark unavailable", sym, err)
		}
		out[i] = benchmarkData{symbol: sym, history: h, err: err}
	}
	return out
}

func (e *Engine) report(s *model.Session, benchmarks []benchmarkData) (Report, error) {
	final, err := valueAt(s, s.EndDate)
	if err != nil {
		return Report{}, err
	}
	timeline := append(append([]model.Snapshot(nil), s.Snapshots...), model.Snapshot{Date: s.EndDate, Value: final.Total})
	values := make([]float64, len(timeline))
	for i, p := range timeline {
		values[i] = p.Value
	}

	finalWeights := weights(s, final)
	in := analytics.Assess(s, values, final.Total, finalWeights)
	out := Report{
		SimulationID:         s.ID,
		StartDate:            s.StartDate,
		EndDate:              s.EndDate,
		FinalValue:           final.Total,
		CAGR:                 analytics.CAGR(s.InitialCash, final.Total, s.StartDate, s.EndDate),
		MaxDrawdown:          in.MaxDrawdown,
		AnnualizedVolatility: in.AnnualizedVol,
		FeesPaid:             roundMoney(s.FeesPaid),
		DividendsReceived:    roundMoney(s.DividendsReceived),
		BenchmarkComparisons: []BenchmarkComparison{},
		BenchmarkSeries:      []BenchmarkSeries{},
		FinalWeights:         finalWeights,
		Timeline:             timeline,
		Behavior:             in.Behavior(len(s.Decisions)),
		Inputs:               in,
		InvestorProfile:      e.cfg.Classifier.Classify(in),
		Guidance:             Guidance,
	}
	if s.InitialCash > 0 {
		out.TotalReturn = final.Total/s.InitialCash - 1
	}

	for _, b := range benchmarks {
		if b.err != nil {
			out.BenchmarkComparisons = append(out.BenchmarkComparisons, BenchmarkComparison{Symbol: b.symbol, Error: b.err.Error()})
			continue
		}
		start, okStart := b.history.Nearest(s.StartDate, model.FieldAdjClose)
		end, okEnd := b.history.OnOrBefore(s.EndDate, model.FieldAdjClose)
		cmp := BenchmarkComparison{Symbol: b.symbol}
		if okStart && okEnd && start.Price > 0 {
			r := end.Price/start.Price - 1
			cmp.TotalReturn, cmp.OK = &r, true
		}
		out.BenchmarkComparisons = append(out.BenchmarkComparisons, cmp)

		if !okStart || start.Price <= 0 {
			continue
		}
		series := BenchmarkSeries{Symbol: b.symbol, Points: []model.Snapshot{}}
		for _, p := range timeline {
			q, ok := b.history.OnOrBefore(p.Date, model.FieldAdjClose)
			if !ok {
				continue
			}
			series.Points = append(series.Points, model.Snapshot{Date: p.Date, Value: s.InitialCash * q.Price / start.Price})
		}
		out.BenchmarkSeries = append(out.BenchmarkSeries, series)
	}

	out.Benchmark = BenchmarkComparison{Symbol: DefaultBenchmark}
	if len(out.BenchmarkComparisons) > 0 {
		out.Benchmark = out.BenchmarkComparisons[0]
	}
	return out, nil
}

// roundMoney rounds a cumulative money figure to cents for reporting.
func roundMoney(v float64) float64 {
	return decimal.NewFromFloat(v).RoundBank(2).InexactFloat64()
}
