package analytics

import (
	"maps"
	"math"
	"slices"

	"github.com/investotype/sim-engine/internal/model"
)

const (
	// FlipThreshold ignores weight changes too small to count as a direction.
	FlipThreshold = 1e-4
	// fallbackTurnoverPerActivity estimates turnover when no rebalance ran.
	fallbackTurnoverPerActivity = 0.65
)

// Inputs are the behavioral and performance features the classifier reads.
type Inputs struct {
	AvgConcentration  float64 `json:"avgConcentration"`
	AvgTurnover       float64 `json:"avgTurnover"`
	AvgCashRatio      float64 `json:"avgCashRatio"`
	AnnualizedVol     float64 `json:"annualizedVol"`
	MaxDrawdown       float64 `json:"maxDrawdown"`
	TradeActivity     float64 `json:"tradeActivity"`
	TurnoverStd       float64 `json:"turnoverStd"`
	AvgTopWeight      float64 `json:"avgTopWeight"`
	FeeIntensity      float64 `json:"feeIntensity"`
	DecisionDrift     float64 `json:"decisionDrift"`
	DirectionFlipRate float64 `json:"directionFlipRate"`
}

// Behavior is the user-facing summary of how a session was traded.
type Behavior struct {
	AvgTurnover         float64 `json:"avgTurnover"`
	AvgConcentrationHHI float64 `json:"avgConcentrationHHI"`
	AvgCashRatio        float64 `json:"avgCashRatio"`
	RebalancesCompleted int     `json:"rebalancesCompleted"`
}

// Assess derives classifier inputs from a finished session. values is the
// snapshot series with the final value appended; finalWeights are the
// end-date weights of the active symbols.
func Assess(s *model.Session, values []float64, finalValue float64, finalWeights map[string]float64) Inputs {
	weights := slices.Collect(maps.Values(finalWeights))
	in := Inputs{
		AnnualizedVol: AnnualizedVolatility(values),
		MaxDrawdown:   MaxDrawdown(values),
		TradeActivity: min(1, float64(len(s.Decisions))/float64(max(1, len(s.Schedule)))),
		TurnoverStd:   PopStdDev(s.TurnoverSeries),
	}

	if len(s.Decisions) > 0 {
		tops := make([]float64, len(s.Decisions))
		fees := 0.0
		for i, d := range s.Decisions {
			tops[i] = MaxOf(slices.Collect(maps.Values(d.ActualWeights)))
			fees += d.Fee / math.Max(1, d.PortfolioValue)
		}
		in.AvgTopWeight = Mean(tops)
		in.FeeIntensity = fees / float64(len(s.Decisions))
	} else {
		in.AvgTopWeight = MaxOf(weights)
	}
	in.DecisionDrift, in.DirectionFlipRate = DecisionDynamics(s.Decisions)

	if len(s.TurnoverSeries) > 0 {
		in.AvgTurnover = Mean(s.TurnoverSeries)
	} else {
		in.AvgTurnover = min(1, in.TradeActivity*fallbackTurnoverPerActivity)
	}
	if len(s.ConcentrationSeries) > 0 {
		in.AvgConcentration = Mean(s.ConcentrationSeries)
	} else {
		in.AvgConcentration = HHI(weights)
	}
	if len(s.CashRatioSeries) > 0 {
		in.AvgCashRatio = Mean(s.CashRatioSeries)
	} else {
		in.AvgCashRatio = s.Cash / math.Max(finalValue, 1)
	}
	return in
}

// Behavior returns the summary shown alongside the classification.
func (in Inputs) Behavior(rebalances int) Behavior {
	return Behavior{
		AvgTurnover:         in.AvgTurnover,
		AvgConcentrationHHI: in.AvgConcentration,
		AvgCashRatio:        in.AvgCashRatio,
		RebalancesCompleted: rebalances,
	}
}

// DecisionDynamics measures how decisions moved weights. drift is the mean
// per-step average absolute weight change across the union of symbols ever
// weighted; flipRate is the share of consecutive non-trivial changes of the
// same symbol that reversed direction. Both need at least two decisions.
func DecisionDynamics(decisions []model.Decision) (drift, flipRate float64) {
	if len(decisions) < 2 {
		return 0, 0
	}
	universe := map[string]bool{}
	for _, d := range decisions {
		for sym := range d.ActualWeights {
			universe[sym] = true
		}
	}
	symbols := slices.Sorted(maps.Keys(universe))
	if len(symbols) == 0 {
		return 0, 0
	}

	changes := make(map[string][]float64, len(symbols))
	steps := 0
	for i := 1; i < len(decisions); i++ {
		prev, curr := decisions[i-1].ActualWeights, decisions[i].ActualWeights
		abs := 0.0
		for _, sym := range symbols {
			delta := curr[sym] - prev[sym]
			abs += math.Abs(delta)
			changes[sym] = append(changes[sym], delta)
		}
		drift += abs / float64(len(symbols))
		steps++
	}
	drift /= float64(steps)

	checks, flips := 0, 0
	for _, sym := range symbols {
		deltas := changes[sym]
		for i := 1; i < len(deltas); i++ {
			a, b := deltas[i-1], deltas[i]
			if math.Abs(a) < FlipThreshold || math.Abs(b) < FlipThreshold {
				continue
			}
			checks++
			if (a > 0) != (b > 0) {
				flips++
			}
		}
	}
	if checks > 0 {
		flipRate = float64(flips) / float64(checks)
	}
	return drift, flipRate
}
