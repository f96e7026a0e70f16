// Package analytics computes performance statistics and behavioral inputs
// over a session's event log, and classifies the investor into one of
// eight archetypes.
package analytics

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/investotype/sim-engine/internal/date"
)

const (
	// DaysPerYear is the year length used to annualize growth.
	DaysPerYear = 365.25
	// TradingDaysPerYear annualizes return volatility.
	TradingDaysPerYear = 252
)

// CAGR is the compound annual growth rate between two values. It is 0 when
// either value is non-positive or the period is empty.
func CAGR(startValue, endValue float64, start, end date.Date) float64 {
	years := float64(start.DaysUntil(end)) / DaysPerYear
	if years <= 0 || startValue <= 0 || endValue <= 0 {
		return 0
	}
	return math.Pow(endValue/startValue, 1/years) - 1
}

// MaxDrawdown is the largest peak-to-trough decline as a fraction of the peak.
func MaxDrawdown(values []float64) float64 {
	peak := math.Inf(-1)
	maxDD := 0.0
	for _, v := range values {
		peak = max(peak, v)
		if peak > 0 {
			maxDD = max(maxDD, (peak-v)/peak)
		}
	}
	return maxDD
}

// Mean is the arithmetic mean, 0 for an empty series.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}

// PopStdDev is the population standard deviation, 0 for an empty series.
func PopStdDev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return math.Sqrt(stat.PopVariance(xs, nil))
}

// Returns converts a value series to simple period returns, skipping
// periods that start from a non-positive value.
func Returns(values []float64) []float64 {
	if len(values) < 2 {
		return []float64{}
	}
	out := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] <= 0 {
			continue
		}
		out = append(out, values[i]/values[i-1]-1)
	}
	return out
}

// AnnualizedVolatility is the population standard deviation of period
// returns scaled by the square root of the trading year.
func AnnualizedVolatility(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	return PopStdDev(Returns(values)) * math.Sqrt(TradingDaysPerYear)
}

// HHI is the Herfindahl-Hirschman concentration of a weight vector.
func HHI(weights []float64) float64 {
	if len(weights) == 0 {
		return 0
	}
	return floats.Dot(weights, weights)
}

// MaxOf returns the largest element, or 0 for an empty slice.
func MaxOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return floats.Max(xs)
}
