package engine

import (
	"fmt"
	"maps"
	"slices"

	"github.com/investotype/sim-engine/internal/date"
	"github.com/investotype/sim-engine/internal/model"
)

// Valuation is a portfolio priced on one day.
type Valuation struct {
	Date   date.Date
	Total  float64
	Prices map[string]model.Quote
}

// Price returns the quote used for symbol.
func (v Valuation) Price(symbol string) float64 {
	return v.Prices[symbol].Price
}

// PriceMap flattens the quotes to symbol -> price.
func (v Valuation) PriceMap() map[string]float64 {
	out := make(map[string]float64, len(v.Prices))
	for sym, q := range v.Prices {
		out[sym] = q.Price
	}
	return out
}

// settleDividends credits dividends paid on held symbols after the watermark
// and on or before d, then advances the watermark. It returns the amount
// credited.
func settleDividends(s *model.Session, d date.Date) float64 {
	from := s.DividendAccruedThrough
	if from.IsZero() {
		from = s.StartDate
	}
	if !from.Before(d) {
		s.DividendAccruedThrough = from
		return 0
	}

	cash := 0.0
	for _, sym := range s.Symbols {
		qty := s.Positions[sym].Quantity
		if qty <= 0 {
			continue
		}
		cash += qty * s.Histories[sym].DividendsBetween(from, d)
	}
	if cash > 0 {
		s.Cash += cash
		s.DividendsReceived += cash
	}
	s.DividendAccruedThrough = d
	return cash
}

// priceAt returns the close used to value symbol on d: the last close on or
// before d, or the first one after it when d precedes the series.
func priceAt(s *model.Session, symbol string, d date.Date) (model.Quote, error) {
	q, ok := s.Histories[symbol].Nearest(d, model.FieldClose)
	if !ok {
		return model.Quote{}, fmt.Errorf("%w for %s near %s", model.ErrNoPrice, symbol, d)
	}
	return q, nil
}

// valueAt sweeps dividends through d and prices every active symbol.
func valueAt(s *model.Session, d date.Date) (Valuation, error) {
	settleDividends(s, d)
	v := Valuation{Date: d, Total: s.Cash, Prices: make(map[string]model.Quote, len(s.Symbols))}
	for _, sym := range s.Symbols {
		q, err := priceAt(s, sym, d)
		if err != nil {
			return Valuation{}, err
		}
		v.Prices[sym] = q
		v.Total += s.Positions[sym].Quantity * q.Price
	}
	return v, nil
}

// Preview is a valuation of the current holdings on a future date.
type Preview struct {
	Date           date.Date          `json:"date"`
	PortfolioValue float64            `json:"portfolioValue"`
	Prices         map[string]float64 `json:"prices"`
}

// HoldingInsight describes one active or closed position.
type HoldingInsight struct {
	Symbol         string  `json:"symbol"`
	Quantity       float64 `json:"quantity"`
	Price          float64 `json:"price"`
	Value          float64 `json:"value"`
	Weight         float64 `json:"weight"`
	AvgBuyPrice    float64 `json:"avgBuyPrice"`
	FirstBuyPrice  float64 `json:"firstBuyPrice"`
	RealizedProfit float64 `json:"realizedProfit"`
	Closed         bool    `json:"closed"`
}

// Insights summarizes the portfolio on a preview date against the last
// rebalance.
type Insights struct {
	Date           date.Date        `json:"date"`
	SinceDate      date.Date        `json:"sinceDate"`
	ReferenceValue float64          `json:"referenceValue"`
	PortfolioValue float64          `json:"portfolioValue"`
	PeriodReturn   float64          `json:"periodReturn"`
	Cash           float64          `json:"cash"`
	Holdings       []HoldingInsight `json:"holdings"`
}

// preview values a copy of s on d, so pending dividends are counted
// without being committed.
func preview(s *model.Session, d date.Date) (Preview, Insights, error) {
	c := s.Clone()
	v, err := valueAt(c, d)
	if err != nil {
		return Preview{}, Insights{}, err
	}
	return Preview{Date: d, PortfolioValue: v.Total, Prices: v.PriceMap()}, insights(c, v), nil
}

func insights(s *model.Session, v Valuation) Insights {
	since, ref := s.StartDate, s.InitialCash
	if snap, ok := s.LastSnapshot(); ok {
		since, ref = snap.Date, snap.Value
	}
	ret := 0.0
	if ref > 0 {
		ret = v.Total/ref - 1
	}

	holdings := make([]HoldingInsight, 0, len(s.Symbols)+len(s.Closed))
	for _, sym := range s.Symbols {
		pos := s.Positions[sym]
		price := v.Price(sym)
		value := holdingValue(s, sym, price)
		qty := pos.Quantity
		if isCash(s, sym) && price > 0 {
			qty = value / price
		}
		weight := 0.0
		if v.Total > 0 {
			weight = value / v.Total
		}
		holdings = append(holdings, HoldingInsight{
			Symbol:         sym,
			Quantity:       qty,
			Price:          price,
			Value:          value,
			Weight:         weight,
			AvgBuyPrice:    pos.AvgBuyPrice(),
			FirstBuyPrice:  pos.FirstBuyPrice,
			RealizedProfit: pos.RealizedProfit,
		})
	}
	for _, sym := range slices.Sorted(maps.Keys(s.Closed)) {
		cp := s.Closed[sym]
		holdings = append(holdings, HoldingInsight{
			Symbol:         sym,
			FirstBuyPrice:  cp.FirstBuyPrice,
			RealizedProfit: cp.RealizedProfit,
			Closed:         true,
		})
	}
	slices.SortStableFunc(holdings, func(a, b HoldingInsight) int {
		switch {
		case a.Value > b.Value:
			return -1
		case a.Value < b.Value:
			return 1
		}
		return 0
	})

	return Insights{
		Date:           v.Date,
		SinceDate:      since,
		ReferenceValue: ref,
		PortfolioValue: v.Total,
		PeriodReturn:   ret,
		Cash:           s.Cash,
		Holdings:       holdings,
	}
}

// isCash reports whether symbol is the CASH asset, which stands for the
// uninvested balance and never holds units of its own.
func isCash(s *model.Session, symbol string) bool {
	return s.Assets[symbol].Type == model.AssetCash
}

// holdingValue is the value attributed to symbol at price.
func holdingValue(s *model.Session, symbol string, price float64) float64 {
	if isCash(s, symbol) {
		return max(0, s.Cash) + s.Positions[symbol].Quantity*price
	}
	return s.Positions[symbol].Quantity * price
}

// weights returns each active symbol's share of total at the valuation prices.
func weights(s *model.Session, v Valuation) map[string]float64 {
	out := make(map[string]float64, len(s.Symbols))
	for _, sym := range s.Symbols {
		if v.Total > 0 {
			out[sym] = holdingValue(s, sym, v.Price(sym)) / v.Total
		} else {
			out[sym] = 0
		}
	}
	return out
}

// mapValues returns the values of m ordered by key.
func mapValues(m map[string]float64) []float64 {
	out := make([]float64, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		out = append(out, m[k])
	}
	return out
}

func clonePositions(m map[string]model.Position) map[string]model.Position {
	return maps.Clone(m)
}
