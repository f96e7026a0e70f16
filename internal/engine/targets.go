package engine

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/investotype/sim-engine/internal/model"
)

// MaxWeightSum is the largest accepted sum of uniform weights.
const MaxWeightSum = 1.000001

// Allocation is one of the four rebalance target shapes: Mixed, Weights,
// Dollars or Units. Keys are active symbols; symbols left out target zero
// and unknown symbols are ignored.
type Allocation interface {
	Mode() model.AllocationMode
}

// TargetSpec is a per-asset target in a mixed allocation. An empty mode
// means weight.
type TargetSpec struct {
	Mode  model.AllocationMode `json:"mode"`
	Value float64              `json:"value"`
}

// Mixed sets each asset's target in its own mode.
type Mixed map[string]TargetSpec

// Weights targets fractions of the current portfolio value.
type Weights map[string]float64

// Dollars targets absolute position values.
type Dollars map[string]float64

// Units targets share counts, converted at the rebalance price.
type Units map[string]float64

func (Mixed) Mode() model.AllocationMode   { return model.ModeMixed }
func (Weights) Mode() model.AllocationMode { return model.ModeWeight }
func (Dollars) Mode() model.AllocationMode { return model.ModeDollars }
func (Units) Mode() model.AllocationMode   { return model.ModeUnits }

// RebalanceRequest is the wire form of a rebalance. Exactly one of the
// target fields must be set.
type RebalanceRequest struct {
	Targets  Mixed   `json:"targets,omitempty"`
	Weights  Weights `json:"weights,omitempty"`
	Dollars  Dollars `json:"dollars,omitempty"`
	Units    Units   `json:"units,omitempty"`
	SkipFees bool    `json:"skipFees,omitempty"`
}

// Allocation returns the single target shape carried by the request.
func (r RebalanceRequest) Allocation() (Allocation, error) {
	var set []Allocation
	if r.Targets != nil {
		set = append(set, r.Targets)
	}
	if r.Weights != nil {
		set = append(set, r.Weights)
	}
	if r.Dollars != nil {
		set = append(set, r.Dollars)
	}
	if r.Units != nil {
		set = append(set, r.Units)
	}
	switch len(set) {
	case 0:
		return nil, fmt.Errorf("%w: provide target data using targets (per asset), or weights/dollars/units", model.ErrInvalidTarget)
	case 1:
		return set[0], nil
	}
	return nil, fmt.Errorf("%w: provide only one of targets, weights, dollars or units", model.ErrInvalidTarget)
}

// TargetTolerance is the slack allowed over the budget cap. It grows with
// the number of symbols and with the size of the cap, with a floor of five
// cents. A zero cap gives the absolute part alone, which is what dollar
// targets are held to.
func TargetTolerance(symbols int, budgetCap float64) float64 {
	base := max(0.05, float64(symbols)*0.02)
	return max(base, math.Abs(budgetCap)*0.001)
}

func roundCents(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

// targetPlan is an allocation resolved to dollar values at the rebalance
// prices.
type targetPlan struct {
	mode       model.AllocationMode
	perAsset   map[string]model.AllocationMode
	inputs     map[string]float64
	values     map[string]float64
	budgetUsed float64
}

func newPlan(mode model.AllocationMode, n int) targetPlan {
	return targetPlan{
		mode:     mode,
		perAsset: make(map[string]model.AllocationMode, n),
		inputs:   make(map[string]float64, n),
		values:   make(map[string]float64, n),
	}
}

func validAmount(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// buildTargets resolves alloc against the portfolio valued at v. The budget
// cap is the portfolio value plus any negative cash.
func buildTargets(s *model.Session, v Valuation, alloc Allocation) (targetPlan, error) {
	budgetCap := v.Total + max(0, -s.Cash)
	tolerance := TargetTolerance(len(s.Symbols), budgetCap)

	switch a := alloc.(type) {
	case Mixed:
		return mixedTargets(s, v, a, budgetCap, tolerance)

	case Weights:
		plan := newPlan(model.ModeWeight, len(s.Symbols))
		sum := 0.0
		for _, sym := range s.Symbols {
			w := a[sym]
			if !validAmount(w) || w > 1 {
				return targetPlan{}, fmt.Errorf("%w: weight for %s must be between 0 and 1", model.ErrInvalidTarget, sym)
			}
			sum += w
			plan.perAsset[sym] = model.ModeWeight
			plan.inputs[sym] = w
			plan.values[sym] = v.Total * w
			plan.budgetUsed += plan.values[sym]
		}
		if sum > MaxWeightSum {
			return targetPlan{}, fmt.Errorf("%w: total weights cannot exceed 1.0", model.ErrInvalidTarget)
		}
		return plan, nil

	case Dollars:
		plan := newPlan(model.ModeDollars, len(s.Symbols))
		for _, sym := range s.Symbols {
			d := a[sym]
			if !validAmount(d) {
				return targetPlan{}, fmt.Errorf("%w: dollar target for %s must be >= 0", model.ErrInvalidTarget, sym)
			}
			plan.perAsset[sym] = model.ModeDollars
			plan.inputs[sym] = d
			plan.values[sym] = d
			plan.budgetUsed += d
		}
		return capExact(plan, budgetCap, TargetTolerance(len(s.Symbols), 0), "total dollar targets")

	case Units:
		plan := newPlan(model.ModeUnits, len(s.Symbols))
		for _, sym := range s.Symbols {
			u := a[sym]
			if !validAmount(u) {
				return targetPlan{}, fmt.Errorf("%w: unit target for %s must be >= 0", model.ErrInvalidTarget, sym)
			}
			plan.perAsset[sym] = model.ModeUnits
			plan.inputs[sym] = u
			plan.values[sym] = u * v.Price(sym)
			plan.budgetUsed += plan.values[sym]
		}
		return capExact(plan, budgetCap, tolerance, "total units implied value")
	}
	return targetPlan{}, fmt.Errorf("%w: unsupported allocation %T", model.ErrInvalidTarget, alloc)
}

// capExact rejects a deliberate dollars or units plan that overshoots the
// cap by more than the tolerance, and trims overshoot within it.
func capExact(plan targetPlan, budgetCap, tolerance float64, what string) (targetPlan, error) {
	if plan.budgetUsed > budgetCap+tolerance {
		return targetPlan{}, fmt.Errorf("%w: %s %.2f exceeds %.2f", model.ErrTargetsExceedCap, what, plan.budgetUsed, budgetCap)
	}
	if plan.budgetUsed > budgetCap && plan.budgetUsed > 0 {
		scale := max(0, budgetCap) / plan.budgetUsed
		for sym, val := range plan.values {
			plan.values[sym] = val * scale
		}
		plan.budgetUsed = max(0, budgetCap)
	}
	return plan, nil
}

// mixedTargets resolves per-asset modes. Overshoot is scaled down to the
// cap instead of rejected.
func mixedTargets(s *model.Session, v Valuation, m Mixed, budgetCap, tolerance float64) (targetPlan, error) {
	plan := newPlan(model.ModeMixed, len(s.Symbols))
	total := 0.0
	for _, sym := range s.Symbols {
		spec := m[sym]
		mode := model.AllocationMode(strings.ToLower(string(spec.Mode)))
		if mode == "" {
			mode = model.ModeWeight
		}
		if !validAmount(spec.Value) {
			return targetPlan{}, fmt.Errorf("%w: target value for %s must be >= 0", model.ErrInvalidTarget, sym)
		}

		var val float64
		switch mode {
		case model.ModeWeight:
			if spec.Value > 1 {
				return targetPlan{}, fmt.Errorf("%w: weight target for %s must be <= 1", model.ErrInvalidTarget, sym)
			}
			val = v.Total * spec.Value
		case model.ModeDollars:
			val = spec.Value
		case model.ModeUnits:
			val = spec.Value * v.Price(sym)
		default:
			return targetPlan{}, fmt.Errorf("%w: mode %q for %s (use weight, dollars, or units)", model.ErrInvalidTarget, spec.Mode, sym)
		}
		plan.perAsset[sym] = mode
		plan.inputs[sym] = spec.Value
		plan.values[sym] = val
		total += val
	}

	roundedCap := roundCents(budgetCap)
	roundedTotal := roundCents(total)
	switch {
	case roundedTotal > roundedCap:
		scale := 0.0
		if roundedCap > 0 {
			scale = roundedCap / roundedTotal
		}
		for sym, val := range plan.values {
			plan.values[sym] = max(0, val*scale)
		}
		roundedTotal = roundedCap
	case roundedTotal > roundedCap-tolerance:
		roundedTotal = min(roundedTotal, roundedCap)
	}
	plan.budgetUsed = roundedTotal
	return plan, nil
}
