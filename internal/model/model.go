// Package model defines the core domain types shared across the simulator:
// asset descriptors, price histories, sessions, positions and decisions.
package model

import (
	"github.com/investotype/sim-engine/internal/date"
)

// AssetType classifies how an asset's price series is produced.
type AssetType string

const (
	AssetMarket   AssetType = "market"
	AssetCash     AssetType = "cash"
	AssetSavings  AssetType = "savings"
	AssetBond     AssetType = "bond"
	AssetLeverage AssetType = "leverage"
	AssetOption   AssetType = "option"
)

// Synthetic reports whether the series is generated analytically with no
// external data (cash and savings).
func (t AssetType) Synthetic() bool {
	return t == AssetCash || t == AssetSavings
}

// Derived reports whether the series is a transformation of a base ticker.
func (t AssetType) Derived() bool {
	return t == AssetLeverage || t == AssetOption
}

// AssetDescriptor identifies one asset in a session's universe.
// ID is the canonical upper-case token and is unique within a session.
type AssetDescriptor struct {
	ID          string    `json:"id"`
	Type        AssetType `json:"type"`
	BaseSymbol  string    `json:"baseSymbol,omitempty"`
	Multiplier  float64   `json:"multiplier,omitempty"`
	Label       string    `json:"label"`
	DisplayName string    `json:"displayName"`
	LogoURL     string    `json:"logoUrl,omitempty"`
}

// LookupSymbol is the ticker used to query market data for the asset.
func (a AssetDescriptor) LookupSymbol() string {
	if a.BaseSymbol != "" {
		return a.BaseSymbol
	}
	return a.ID
}

// SymbolCandidate is one result of an external symbol search.
type SymbolCandidate struct {
	Symbol    string `json:"symbol"`
	ShortName string `json:"shortname"`
	LongName  string `json:"longname"`
	LogoURL   string `json:"logoUrl"`
	QuoteType string `json:"quoteType"`
	Exchange  string `json:"exchange"`
}

// Name returns the most descriptive name available.
func (c SymbolCandidate) Name() string {
	if c.LongName != "" {
		return c.LongName
	}
	return c.ShortName
}

// Headline is a news item attached to a symbol.
type Headline struct {
	Title     string     `json:"title"`
	Publisher string     `json:"publisher"`
	Date      *date.Date `json:"date,omitempty"`
}

// QuoteSeries is a raw daily series as returned by a market-data source,
// before currency normalization.
type QuoteSeries struct {
	Symbol   string  `json:"symbol"`
	Currency string  `json:"currency"`
	Points   History `json:"points"`
}

// SeriesKey identifies a raw series request for caching purposes.
type SeriesKey struct {
	Symbol string
	From   date.Date
	To     date.Date
}

func (k SeriesKey) String() string {
	return k.Symbol + "|" + k.From.String() + "|" + k.To.String()
}
