package main

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/investotype/sim-engine/internal/asset"
	"github.com/investotype/sim-engine/internal/marketdata"
)

// resolveCmd represents the resolve command
var resolveCmd = &cobra.Command{
	Use:   "resolve <query>",
	Short: "Resolve a ticker or company name to a symbol",
	Long: `Resolve a ticker or free-text name to a tradable symbol, the same way the
simulator resolves market searches.

Examples:
  simctl resolve AAPL
  simctl resolve "vanguard total bond" --bond`,
	Args: cobra.MinimumNArgs(1),
	RunE: runResolve,
}

var (
	resolveBond bool
	resolveJSON bool
)

func init() {
	rootCmd.AddCommand(resolveCmd)

	resolveCmd.Flags().BoolVar(&resolveBond, "bond", false, "Prefer bond funds among matches")
	resolveCmd.Flags().BoolVar(&resolveJSON, "json", false, "Print the resolution as JSON")
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd, 30*time.Second)
	defer cancel()

	res, err := asset.NewResolver(marketdata.NewClient()).Resolve(ctx, strings.Join(args, " "), resolveBond)
	if err != nil {
		return err
	}
	if resolveJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	renderResolution(cmd.OutOrStdout(), res)
	return nil
}
