package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/investotype/sim-engine/internal/asset"
	"github.com/investotype/sim-engine/internal/engine"
)

var (
	heading = color.New(color.Bold, color.FgCyan)
	gain    = color.New(color.FgGreen)
	loss    = color.New(color.FgRed)
	muted   = color.New(color.Faint)
)

func pct(v float64) string {
	s := fmt.Sprintf("%+.2f%%", v*100)
	if v < 0 {
		return loss.Sprint(s)
	}
	return gain.Sprint(s)
}

func renderStep(w io.Writer, step int, res engine.RebalanceResult) {
	fmt.Fprintf(w, "%s %s  value %.2f  cash %.2f  turnover %.1f%%  fee %.2f\n",
		muted.Sprintf("[%3d]", step), res.Date, res.PortfolioValue, res.Cash, res.Turnover*100, res.Fee)
}

func renderReport(w io.Writer, r engine.Report) {
	heading.Fprintf(w, "\nSimulation %s  %s → %s\n", r.SimulationID, r.StartDate, r.EndDate)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Final value\t%.2f\n", r.FinalValue)
	fmt.Fprintf(tw, "Total return\t%s\n", pct(r.TotalReturn))
	fmt.Fprintf(tw, "CAGR\t%s\n", pct(r.CAGR))
	fmt.Fprintf(tw, "Max drawdown\t%.2f%%\n", r.MaxDrawdown*100)
	fmt.Fprintf(tw, "Volatility\t%.2f%%\n", r.AnnualizedVolatility*100)
	fmt.Fprintf(tw, "Fees paid\t%.2f\n", r.FeesPaid)
	fmt.Fprintf(tw, "Dividends\t%.2f\n", r.DividendsReceived)
	tw.Flush()

	if len(r.BenchmarkComparisons) > 0 {
		heading.Fprintln(w, "\nBenchmarks")
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, b := range r.BenchmarkComparisons {
			if b.TotalReturn == nil {
				fmt.Fprintf(tw, "%s\t%s\n", b.Symbol, muted.Sprint("unavailable"))
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\n", b.Symbol, pct(*b.TotalReturn))
		}
		tw.Flush()
	}

	if len(r.FinalWeights) > 0 {
		heading.Fprintln(w, "\nFinal weights")
		syms := make([]string, 0, len(r.FinalWeights))
		for s := range r.FinalWeights {
			syms = append(syms, s)
		}
		sort.Slice(syms, func(i, j int) bool { return r.FinalWeights[syms[i]] > r.FinalWeights[syms[j]] })
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, s := range syms {
			fmt.Fprintf(tw, "%s\t%.1f%%\n", s, r.FinalWeights[s]*100)
		}
		tw.Flush()
	}

	p := r.InvestorProfile
	heading.Fprintln(w, "\nInvestor profile")
	fmt.Fprintf(w, "%s  %s\n", color.New(color.Bold).Sprint(p.Code), p.Type)
	fmt.Fprintf(w, "risk %s (%d)  control %s (%d)  reactivity %s (%d)\n",
		p.Axes.Risk, p.AxisScores.RiskAggressive,
		p.Axes.Control, p.AxisScores.ControlInternal,
		p.Axes.Reactivity, p.AxisScores.ReactivityEmotional)
	if p.Recommendation != "" {
		fmt.Fprintln(w, p.Recommendation)
	}
}

func renderResolution(w io.Writer, res asset.Resolution) {
	heading.Fprintf(w, "%s", res.Best.Symbol)
	if name := res.Best.Name(); name != "" {
		fmt.Fprintf(w, "  %s", name)
	}
	fmt.Fprintln(w)
	if len(res.Matches) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, m := range res.Matches {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Symbol, muted.Sprint(m.QuoteType), m.Name())
	}
	tw.Flush()
}
