package analytics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/investotype/sim-engine/internal/date"
	"github.com/investotype/sim-engine/internal/model"
)

func d(s string) date.Date { return date.MustParse(s) }

func TestCAGR(t *testing.T) {
	tests := []struct {
		name       string
		start, end float64
		from, to   string
		want       float64
	}{
		{"flat", 100, 100, "2020-01-01", "2021-01-01", 0},
		{"doubled over two years", 100, 200, "2020-01-01", "2022-01-01", math.Sqrt(2) - 1},
		{"empty period", 100, 200, "2020-01-01", "2020-01-01", 0},
		{"non-positive start", 0, 200, "2020-01-01", "2021-01-01", 0},
		{"non-positive end", 100, 0, "2020-01-01", "2021-01-01", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CAGR(tt.start, tt.end, d(tt.from), d(tt.to))
			assert.InDelta(t, tt.want, got, 1e-3)
		})
	}
}

func TestMaxDrawdown(t *testing.T) {
	assert.Equal(t, 0.0, MaxDrawdown(nil))
	assert.Equal(t, 0.0, MaxDrawdown([]float64{1, 2, 3}))
	assert.InDelta(t, 0.5, MaxDrawdown([]float64{100, 120, 60, 110}), 1e-12)
	assert.InDelta(t, 0.25, MaxDrawdown([]float64{100, 75, 200, 180}), 1e-12)
}

func TestAnnualizedVolatility(t *testing.T) {
	assert.Equal(t, 0.0, AnnualizedVolatility([]float64{100}))
	assert.Equal(t, 0.0, AnnualizedVolatility([]float64{100, 100, 100}))

	// Returns +10% then -10%: population stdev is 0.1.
	got := AnnualizedVolatility([]float64{100, 110, 99})
	assert.InDelta(t, 0.1*math.Sqrt(TradingDaysPerYear), got, 1e-9)
}

func TestReturnsSkipsNonPositiveBase(t *testing.T) {
	assert.Equal(t, []float64{}, Returns([]float64{5}))
	got := Returns([]float64{0, 10, 15})
	require.Len(t, got, 1)
	assert.InDelta(t, 0.5, got[0], 1e-12)
}

func TestHHI(t *testing.T) {
	assert.Equal(t, 0.0, HHI(nil))
	assert.InDelta(t, 1.0, HHI([]float64{1}), 1e-12)
	assert.InDelta(t, 0.5, HHI([]float64{0.5, 0.5}), 1e-12)
}

func decision(weights map[string]float64) model.Decision {
	return model.Decision{ActualWeights: weights, PortfolioValue: 10000}
}

func TestDecisionDynamics(t *testing.T) {
	drift, flips := DecisionDynamics([]model.Decision{decision(map[string]float64{"A": 1})})
	assert.Zero(t, drift)
	assert.Zero(t, flips)

	decisions := []model.Decision{
		decision(map[string]float64{"A": 0.5, "B": 0.5}),
		decision(map[string]float64{"A": 0.7, "B": 0.3}),
		decision(map[string]float64{"A": 0.4, "B": 0.6}),
	}
	drift, flips = DecisionDynamics(decisions)
	// Step 1 moves 0.2 on each symbol, step 2 moves 0.3 on each.
	assert.InDelta(t, 0.25, drift, 1e-12)
	// Both symbols reverse direction once.
	assert.InDelta(t, 1.0, flips, 1e-12)
}

func TestDecisionDynamicsIgnoresTinyMoves(t *testing.T) {
	decisions := []model.Decision{
		decision(map[string]float64{"A": 0.5}),
		decision(map[string]float64{"A": 0.50001}),
		decision(map[string]float64{"A": 0.4}),
	}
	_, flips := DecisionDynamics(decisions)
	assert.Zero(t, flips)
}

func TestAssessFallbacksWithoutRebalances(t *testing.T) {
	s := &model.Session{
		Schedule: []date.Date{d("2020-01-01"), d("2020-02-01")},
		Cash:     2500,
	}
	in := Assess(s, []float64{10000}, 10000, map[string]float64{"A": 0.75})

	assert.Zero(t, in.TradeActivity)
	assert.Zero(t, in.AvgTurnover)
	assert.InDelta(t, 0.5625, in.AvgConcentration, 1e-12)
	assert.InDelta(t, 0.25, in.AvgCashRatio, 1e-12)
	assert.InDelta(t, 0.75, in.AvgTopWeight, 1e-12)
	assert.Zero(t, in.FeeIntensity)
}

func TestAssessUsesRecordedSeries(t *testing.T) {
	s := &model.Session{
		Schedule: []date.Date{d("2020-01-01"), d("2020-02-01"), d("2020-03-01"), d("2020-04-01")},
		Decisions: []model.Decision{
			{ActualWeights: map[string]float64{"A": 0.6, "B": 0.4}, PortfolioValue: 10000, Fee: 10},
			{ActualWeights: map[string]float64{"A": 0.8, "B": 0.2}, PortfolioValue: 10000, Fee: 30},
		},
		TurnoverSeries:      []float64{1, 0.2},
		ConcentrationSeries: []float64{0.52, 0.68},
		CashRatioSeries:     []float64{0, 0.1},
	}
	in := Assess(s, []float64{10000, 11000, 9900}, 9900, map[string]float64{"A": 0.8, "B": 0.2})

	assert.InDelta(t, 0.5, in.TradeActivity, 1e-12)
	assert.InDelta(t, 0.6, in.AvgTurnover, 1e-12)
	assert.InDelta(t, 0.4, in.TurnoverStd, 1e-12)
	assert.InDelta(t, 0.6, in.AvgConcentration, 1e-12)
	assert.InDelta(t, 0.05, in.AvgCashRatio, 1e-12)
	assert.InDelta(t, 0.7, in.AvgTopWeight, 1e-12)
	assert.InDelta(t, 0.002, in.FeeIntensity, 1e-12)
	assert.InDelta(t, 0.1, in.MaxDrawdown, 1e-12)
	assert.InDelta(t, 0.2, in.DecisionDrift, 1e-12)

	b := in.Behavior(len(s.Decisions))
	assert.Equal(t, 2, b.RebalancesCompleted)
	assert.Equal(t, in.AvgTurnover, b.AvgTurnover)
}

func TestClassifyPassiveByDefault(t *testing.T) {
	p := Classify(Inputs{})
	assert.Equal(t, "C-E-R", p.Code)
	assert.Equal(t, "Passive Rational Allocator", p.Type)
	assert.Equal(t, 16, p.AxisScores.RiskAggressive)
	assert.Equal(t, 84, p.AxisScores.RiskConservative)
	assert.Equal(t, 9, p.AxisScores.ControlInternal)
	assert.Equal(t, 9, p.AxisScores.ReactivityEmotional)
	assert.NotEmpty(t, p.Recommendation)
}

func TestClassifyActiveAggressive(t *testing.T) {
	in := Inputs{
		AnnualizedVol:     0.5,
		MaxDrawdown:       0.4,
		AvgConcentration:  0.8,
		AvgTopWeight:      0.9,
		FeeIntensity:      0.002,
		TradeActivity:     1,
		AvgTurnover:       0.8,
		TurnoverStd:       0.3,
		DecisionDrift:     0.2,
		DirectionFlipRate: 0.5,
	}
	p := Classify(in)
	assert.Equal(t, "A-I-E", p.Code)
	assert.Equal(t, "Active Conviction Investor", p.Type)
	assert.Equal(t, Axes{Risk: "Aggressive", Control: "Internal/Active", Reactivity: "Emotional"}, p.Axes)
}

func TestClassifyIsDeterministic(t *testing.T) {
	in := Inputs{AnnualizedVol: 0.2, MaxDrawdown: 0.15, AvgTurnover: 0.3, AvgConcentration: 0.4}
	assert.Equal(t, Classify(in), Classify(in))
}

func TestClassifyCustomModel(t *testing.T) {
	m := DefaultModel()
	m.RiskCurve.Mid = 0.01
	p := m.Classify(Inputs{})
	assert.Equal(t, "A-E-R", p.Code)
}

func TestLogisticPctClamps(t *testing.T) {
	l := Logistic{Mid: 0.2, Steepness: 10}
	assert.Equal(t, 50, l.Pct(0.2))
	assert.Equal(t, 100, l.Pct(100))
	assert.Equal(t, 0, l.Pct(-100))
}
