package analytics

import (
	"math"
)

// Logistic maps a raw axis score to a 0-100 percentage.
type Logistic struct {
	Mid       float64 `json:"mid" yaml:"mid"`
	Steepness float64 `json:"steepness" yaml:"steepness"`
}

// Pct returns round(100 / (1 + e^(-steepness*(x-mid)))) clamped to [0, 100].
func (l Logistic) Pct(x float64) int {
	p := 1 / (1 + math.Exp(-l.Steepness*(x-l.Mid)))
	return min(100, max(0, int(math.Round(p*100))))
}

// RiskWeights weight the features of the aggressive/conservative axis.
type RiskWeights struct {
	Volatility    float64 `json:"volatility" yaml:"volatility"`
	Drawdown      float64 `json:"drawdown" yaml:"drawdown"`
	Concentration float64 `json:"concentration" yaml:"concentration"`
	TopWeight     float64 `json:"topWeight" yaml:"topWeight"`
	FeeIntensity  float64 `json:"feeIntensity" yaml:"feeIntensity"`
	TradeActivity float64 `json:"tradeActivity" yaml:"tradeActivity"`
	Invested      float64 `json:"invested" yaml:"invested"`
}

// ControlWeights weight the features of the internal/external axis.
type ControlWeights struct {
	Turnover      float64 `json:"turnover" yaml:"turnover"`
	Concentration float64 `json:"concentration" yaml:"concentration"`
	TopWeight     float64 `json:"topWeight" yaml:"topWeight"`
	TradeActivity float64 `json:"tradeActivity" yaml:"tradeActivity"`
	TurnoverStd   float64 `json:"turnoverStd" yaml:"turnoverStd"`
	Drift         float64 `json:"drift" yaml:"drift"`
}

// ReactivityWeights weight the features of the emotional/rational axis.
type ReactivityWeights struct {
	Turnover     float64 `json:"turnover" yaml:"turnover"`
	Drawdown     float64 `json:"drawdown" yaml:"drawdown"`
	Volatility   float64 `json:"volatility" yaml:"volatility"`
	TurnoverStd  float64 `json:"turnoverStd" yaml:"turnoverStd"`
	FeeIntensity float64 `json:"feeIntensity" yaml:"feeIntensity"`
	FlipRate     float64 `json:"flipRate" yaml:"flipRate"`
}

// Scales stretch small features into [0, 1] before they are clamped.
type Scales struct {
	FeeIntensity       float64 `json:"feeIntensity" yaml:"feeIntensity"`
	ControlTurnoverStd float64 `json:"controlTurnoverStd" yaml:"controlTurnoverStd"`
	ReactTurnoverStd   float64 `json:"reactTurnoverStd" yaml:"reactTurnoverStd"`
	Drift              float64 `json:"drift" yaml:"drift"`
}

// Model is the full set of classification constants.
type Model struct {
	Risk       RiskWeights       `json:"risk" yaml:"risk"`
	Control    ControlWeights    `json:"control" yaml:"control"`
	Reactivity ReactivityWeights `json:"reactivity" yaml:"reactivity"`
	Scales     Scales            `json:"scales" yaml:"scales"`

	RiskCurve       Logistic `json:"riskCurve" yaml:"riskCurve"`
	ControlCurve    Logistic `json:"controlCurve" yaml:"controlCurve"`
	ReactivityCurve Logistic `json:"reactivityCurve" yaml:"reactivityCurve"`
}

// DefaultModel returns the calibrated classification constants.
func DefaultModel() Model {
	return Model{
		Risk: RiskWeights{
			Volatility:    0.36,
			Drawdown:      0.28,
			Concentration: 0.16,
			TopWeight:     0.12,
			FeeIntensity:  0.06,
			TradeActivity: 0.10,
			Invested:      0.07,
		},
		Control: ControlWeights{
			Turnover:      0.42,
			Concentration: 0.16,
			TopWeight:     0.16,
			TradeActivity: 0.20,
			TurnoverStd:   0.04,
			Drift:         0.02,
		},
		Reactivity: ReactivityWeights{
			Turnover:     0.34,
			Drawdown:     0.30,
			Volatility:   0.16,
			TurnoverStd:  0.14,
			FeeIntensity: 0.04,
			FlipRate:     0.06,
		},
		Scales: Scales{
			FeeIntensity:       12,
			ControlTurnoverStd: 1.8,
			ReactTurnoverStd:   1.9,
			Drift:              2.2,
		},
		RiskCurve:       Logistic{Mid: 0.23, Steepness: 10.5},
		ControlCurve:    Logistic{Mid: 0.24, Steepness: 9.5},
		ReactivityCurve: Logistic{Mid: 0.22, Steepness: 10.5},
	}
}

// Axes names the side of each axis the investor fell on.
type Axes struct {
	Risk       string `json:"risk"`
	Control    string `json:"control"`
	Reactivity string `json:"reactivity"`
}

// AxisScores are the complementary percentages of each axis.
type AxisScores struct {
	RiskAggressive      int `json:"riskAggressive"`
	RiskConservative    int `json:"riskConservative"`
	ControlInternal     int `json:"controlInternal"`
	ControlExternal     int `json:"controlExternal"`
	ReactivityEmotional int `json:"reactivityEmotional"`
	ReactivityRational  int `json:"reactivityRational"`
}

// Profile is the classification result.
type Profile struct {
	Code           string     `json:"code"`
	Type           string     `json:"type"`
	Axes           Axes       `json:"axes"`
	AxisScores     AxisScores `json:"axisScores"`
	Recommendation string     `json:"recommendation"`
}

// RawScores are the pre-logistic axis values.
type RawScores struct {
	Risk, Control, Reactivity float64
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return min(1, max(0, x))
}

// Raw computes the weighted axis scores for in.
func (m Model) Raw(in Inputs) RawScores {
	r, c, e := m.Risk, m.Control, m.Reactivity
	return RawScores{
		Risk: in.AnnualizedVol*r.Volatility +
			in.MaxDrawdown*r.Drawdown +
			in.AvgConcentration*r.Concentration +
			clamp01(in.AvgTopWeight)*r.TopWeight +
			clamp01(in.FeeIntensity*m.Scales.FeeIntensity)*r.FeeIntensity +
			clamp01(in.TradeActivity)*r.TradeActivity +
			(1-clamp01(in.AvgCashRatio))*r.Invested,
		Control: in.AvgTurnover*c.Turnover +
			in.AvgConcentration*c.Concentration +
			clamp01(in.AvgTopWeight)*c.TopWeight +
			clamp01(in.TradeActivity)*c.TradeActivity +
			clamp01(in.TurnoverStd*m.Scales.ControlTurnoverStd)*c.TurnoverStd +
			clamp01(in.DecisionDrift*m.Scales.Drift)*c.Drift,
		Reactivity: in.AvgTurnover*e.Turnover +
			in.MaxDrawdown*e.Drawdown +
			in.AnnualizedVol*e.Volatility +
			clamp01(in.TurnoverStd*m.Scales.ReactTurnoverStd)*e.TurnoverStd +
			clamp01(in.FeeIntensity*m.Scales.FeeIntensity)*e.FeeIntensity +
			clamp01(in.DirectionFlipRate)*e.FlipRate,
	}
}

// Classify places in on the three axes and picks the matching archetype.
// It is deterministic.
func (m Model) Classify(in Inputs) Profile {
	raw := m.Raw(in)
	aggressive := m.RiskCurve.Pct(raw.Risk)
	internal := m.ControlCurve.Pct(raw.Control)
	emotional := m.ReactivityCurve.Pct(raw.Reactivity)

	code := [3]byte{'C', 'E', 'R'}
	axes := Axes{Risk: "Conservative", Control: "External/Passive", Reactivity: "Rational"}
	if aggressive >= 50 {
		code[0] = 'A'
		axes.Risk = "Aggressive"
	}
	if internal >= 50 {
		code[1] = 'I'
		axes.Control = "Internal/Active"
	}
	if emotional >= 50 {
		code[2] = 'E'
		axes.Reactivity = "Emotional"
	}
	key := string([]byte{code[0], '-', code[1], '-', code[2]})

	a, ok := archetypes[key]
	if !ok {
		a = archetypes["C-E-R"]
	}
	return Profile{
		Code: key,
		Type: a.name,
		Axes: axes,
		AxisScores: AxisScores{
			RiskAggressive:      aggressive,
			RiskConservative:    100 - aggressive,
			ControlInternal:     internal,
			ControlExternal:     100 - internal,
			ReactivityEmotional: emotional,
			ReactivityRational:  100 - emotional,
		},
		Recommendation: a.recommendation,
	}
}

// Classify uses the default model.
func Classify(in Inputs) Profile {
	return DefaultModel().Classify(in)
}

type archetype struct {
	name           string
	recommendation string
}

var archetypes = map[string]archetype{
	"A-I-R": {
		name:           "The Quant",
		recommendation: "Keep your edge process-driven: use written rules, risk budgets, and periodic model validation to avoid overconfidence.",
	},
	"A-I-E": {
		name:           "Active Conviction Investor",
		recommendation: "Strong initiative, but add emotional guardrails: pre-commit exits, cap concentration, and use cooldown windows after big swings.",
	},
	"A-E-R": {
		name:           "Tactical Trend Analyst",
		recommendation: "You adapt quickly and stay analytical. Anchor with a core allocation so tactical moves do not dominate long-term outcomes.",
	},
	"A-E-E": {
		name:           "Aggressive Reactive Trader",
		recommendation: "High upside mindset with high emotional risk. Enforce strict position sizing, loss limits, and profit-taking rules.",
	},
	"C-I-R": {
		name:           "Conservative Researcher",
		recommendation: "Your discipline is a strength. Avoid excessive caution by defining clear conditions for gradually adding risk when trends improve.",
	},
	"C-I-E": {
		name:           "Defensive Active Allocator",
		recommendation: "You care about safety but can react to stress. Use automation and preset allocations to reduce decision pressure.",
	},
	"C-E-R": {
		name:           "Passive Rational Allocator",
		recommendation: "Excellent long-term temperament. Keep low-cost diversified exposure and rebalance on schedule, not headlines.",
	},
	"C-E-E": {
		name:           "Passive Emotional Allocator",
		recommendation: "Simplicity and emotional protection matter most. Prefer hands-off index structures and avoid frequent discretionary trading.",
	},
}
