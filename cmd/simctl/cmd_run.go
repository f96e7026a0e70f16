package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/investotype/sim-engine/internal/engine"
	"github.com/investotype/sim-engine/internal/history"
	"github.com/investotype/sim-engine/internal/marketdata"
	"github.com/investotype/sim-engine/internal/store"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <plan.yaml>",
	Short: "Run a scripted simulation and print the finish report",
	Long: `Run a simulation described by a YAML plan against live market data and
print the finish report. Use "-" to read the plan from stdin.

Example plan:
  simulation:
    startDate: "2021-01-04"
    endDate: "2021-12-31"
    frequency: monthly
    initialCash: 10000
    assets: [SPY, TLT, CASH]
    benchmarks: [SPY]
  default:
    weights: {SPY: 0.6, TLT: 0.4}
  steps:
    - weights: {SPY: 0.5, TLT: 0.3, CASH: 0.2}
      trades:
        - {sell: SPY, buy: TLT, sellAmount: 500, buyAmount: 490}`,
	Args: cobra.ExactArgs(1),
	RunE: runPlanCmd,
}

var (
	runJSON    bool
	runQuiet   bool
	runFeeRate float64
	runTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the report as JSON")
	runCmd.Flags().BoolVar(&runQuiet, "quiet", false, "Do not print per-step progress")
	runCmd.Flags().Float64Var(&runFeeRate, "fee-rate", engine.DefaultConfig().FeeRate, "Fee charged on every executed leg")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 5*time.Minute, "Overall timeout")
}

func runPlanCmd(cmd *cobra.Command, args []string) error {
	plan, err := LoadPlan(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd, runTimeout)
	defer cancel()

	yahoo := marketdata.NewClient()
	cfg := engine.DefaultConfig()
	cfg.FeeRate = runFeeRate
	eng := engine.New(store.NewMemorySessionStore(), history.NewProvider(yahoo),
		engine.WithConfig(cfg),
		engine.WithSearcher(yahoo),
	)

	out := cmd.OutOrStdout()
	var progress Progress
	if !runQuiet && !runJSON {
		progress = func(step int, res engine.RebalanceResult) { renderStep(out, step, res) }
	}
	report, err := RunPlan(ctx, eng, plan, progress)
	if err != nil {
		return err
	}

	if runJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	renderReport(out, report)
	return nil
}

// commandContext bounds cmd's context by d and cancels it on interrupt.
func commandContext(cmd *cobra.Command, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	ctx, cancel := context.WithTimeout(ctx, d)
	return ctx, func() {
		cancel()
		stop()
	}
}
