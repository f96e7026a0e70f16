// Package asset handles asset token parsing, validation, and the ticker
// heuristic that decides whether free text needs name resolution.
//
// Token grammar (case-insensitive, normalized to upper case):
//
//	CASH                      zero-yield synthetic
//	SAVINGS                   fixed-APY synthetic, compounded daily
//	BOND:{ticker}             market ticker labeled as a bond ETF
//	LEVERAGE:{ticker}:{mult}  leveraged synthetic, mult in (1, 5]
//	CALL:{ticker}:{mult}      call-like synthetic, mult in (1, 8]
//	{ticker}                  plain market ticker
package asset

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/investotype/sim-engine/internal/model"
)

// DefaultSavingsAPY is the yield of the SAVINGS synthetic.
const DefaultSavingsAPY = 0.03

const (
	MaxLeverage   = 5.0
	MaxOptionMult = 8.0
)

// tickerRegex matches a bare market ticker: 1-25 chars, A-Z 0-9 . ^ = / -
// Example: BRK.B, ^GSPC, EURUSD=X
var tickerRegex = regexp.MustCompile(`^[A-Z0-9^][A-Z0-9.^=/-]{0,24}$`)

// Parser parses asset tokens. The zero value uses a 0% savings yield;
// use NewParser for the default.
type Parser struct {
	SavingsAPY float64
}

// NewParser returns a Parser with the given savings yield.
func NewParser(savingsAPY float64) Parser {
	return Parser{SavingsAPY: savingsAPY}
}

var defaultParser = NewParser(DefaultSavingsAPY)

// Parse parses a token with the default savings yield.
func Parse(token string) (model.AssetDescriptor, error) {
	return defaultParser.Parse(token)
}

// Normalize trims and upper-cases a token or symbol.
func Normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Parse validates a token and returns its descriptor. It is a pure function
// of the token and the parser's yield.
func (p Parser) Parse(raw string) (model.AssetDescriptor, error) {
	token := Normalize(raw)
	if token == "" {
		return model.AssetDescriptor{}, fmt.Errorf("%w: token cannot be empty", model.ErrInvalidToken)
	}

	switch {
	case token == "CASH":
		return synthetic(token, model.AssetCash, "Cash (0% return)"), nil

	case token == "SAVINGS":
		label := fmt.Sprintf("Savings (%.1f%% APY)", p.SavingsAPY*100)
		return synthetic(token, model.AssetSavings, label), nil

	case strings.HasPrefix(token, "BOND:"):
		parts := strings.Split(token, ":")
		if len(parts) != 2 || !tickerRegex.MatchString(parts[1]) {
			return model.AssetDescriptor{}, fmt.Errorf("%w: %s (use BOND:TICKER, example BOND:TLT)", model.ErrInvalidToken, token)
		}
		label := "Bond ETF " + parts[1]
		return model.AssetDescriptor{
			ID:          token,
			Type:        model.AssetBond,
			BaseSymbol:  parts[1],
			Label:       label,
			DisplayName: label,
		}, nil

	case strings.HasPrefix(token, "LEVERAGE:"):
		base, mult, err := parseDerived(token, MaxLeverage)
		if err != nil {
			return model.AssetDescriptor{}, fmt.Errorf("%w (use LEVERAGE:TICKER:MULTIPLIER, example LEVERAGE:SPY:2)", err)
		}
		label := fmt.Sprintf("%sx Leverage on %s", formatMult(mult), base)
		return model.AssetDescriptor{
			ID:          token,
			Type:        model.AssetLeverage,
			BaseSymbol:  base,
			Multiplier:  mult,
			Label:       label,
			DisplayName: label,
		}, nil

	case strings.HasPrefix(token, "CALL:"):
		base, mult, err := parseDerived(token, MaxOptionMult)
		if err != nil {
			return model.AssetDescriptor{}, fmt.Errorf("%w (use CALL:TICKER:MULTIPLIER, example CALL:AAPL:3)", err)
		}
		label := fmt.Sprintf("Call-like %s x%s", base, formatMult(mult))
		return model.AssetDescriptor{
			ID:          token,
			Type:        model.AssetOption,
			BaseSymbol:  base,
			Multiplier:  mult,
			Label:       label,
			DisplayName: label,
		}, nil
	}

	if !tickerRegex.MatchString(token) {
		return model.AssetDescriptor{}, fmt.Errorf("%w: invalid market ticker %s", model.ErrInvalidToken, token)
	}
	return model.AssetDescriptor{
		ID:          token,
		Type:        model.AssetMarket,
		BaseSymbol:  token,
		Label:       token,
		DisplayName: token,
	}, nil
}

func synthetic(id string, typ model.AssetType, label string) model.AssetDescriptor {
	return model.AssetDescriptor{ID: id, Type: typ, Label: label, DisplayName: label}
}

// parseDerived splits PREFIX:TICKER:MULT and checks mult is in (1, limit].
func parseDerived(token string, limit float64) (string, float64, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 3 || !tickerRegex.MatchString(parts[1]) {
		return "", 0, fmt.Errorf("%w: %s", model.ErrInvalidToken, token)
	}
	mult, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || math.IsNaN(mult) || math.IsInf(mult, 0) {
		return "", 0, fmt.Errorf("%w: %s", model.ErrInvalidToken, token)
	}
	if mult <= 1 || mult > limit {
		return "", 0, fmt.Errorf("%w: multiplier must be > 1 and <= %s", model.ErrInvalidToken, formatMult(limit))
	}
	return parts[1], mult, nil
}

func formatMult(m float64) string {
	return strconv.FormatFloat(m, 'f', -1, 64)
}

// SavingsDailyRate converts an APY to the equivalent daily compounding rate.
func SavingsDailyRate(apy float64) float64 {
	return math.Pow(1+apy, 1.0/365) - 1
}

// IsLikelyTicker reports whether user input should be taken as a ticker
// directly rather than routed through name search. Upper-case words longer
// than five characters only count when they carry ticker punctuation, so
// "NVIDIA" is searched while "EURUSD=X" is not.
func IsLikelyTicker(input string) bool {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return false
	}
	for _, r := range raw {
		if unicode.IsSpace(r) || unicode.IsLower(r) {
			return false
		}
	}
	symbol := Normalize(raw)
	if !tickerRegex.MatchString(symbol) {
		return false
	}
	return len(symbol) <= 5 || strings.ContainsAny(symbol, ".-^=/")
}
