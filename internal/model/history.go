package model

import (
	"fmt"
	"sort"

	"github.com/investotype/sim-engine/internal/date"
)

// PricePoint is one trading day of an asset's series.
type PricePoint struct {
	Date     date.Date `json:"date"`
	Close    float64   `json:"close"`
	AdjClose float64   `json:"adjClose"`
	Dividend float64   `json:"dividend,omitempty"`
}

// History is a date-ascending, gap-tolerant daily series for one asset.
type History []PricePoint

// Field selects which price column a lookup reads.
type Field int

const (
	FieldClose Field = iota
	FieldAdjClose
)

func (p PricePoint) price(f Field) float64 {
	if f == FieldAdjClose {
		return p.AdjClose
	}
	return p.Close
}

// Quote is a price observed on a specific day.
type Quote struct {
	Date  date.Date `json:"date"`
	Price float64   `json:"price"`
}

// DividendInfo is the most recent ex-dividend event on or before a day.
type DividendInfo struct {
	Date   date.Date `json:"date"`
	Amount float64   `json:"amount"`
}

// Validate checks that dates are strictly increasing.
func (h History) Validate() error {
	for i := 1; i < len(h); i++ {
		if !h[i-1].Date.Before(h[i].Date) {
			return fmt.Errorf("history: dates not strictly increasing at %s", h[i].Date)
		}
	}
	return nil
}

// Sort orders the series by date and drops duplicate days, keeping the
// last row seen for a given day.
func (h History) Sort() History {
	sort.SliceStable(h, func(i, j int) bool { return h[i].Date.Before(h[j].Date) })
	out := h[:0]
	for _, p := range h {
		if n := len(out); n > 0 && out[n-1].Date == p.Date {
			out[n-1] = p
			continue
		}
		out = append(out, p)
	}
	return out
}

// First returns the first row, if any.
func (h History) First() (PricePoint, bool) {
	if len(h) == 0 {
		return PricePoint{}, false
	}
	return h[0], true
}

// indexOnOrBefore returns the index of the last row dated on or before d, or -1.
func (h History) indexOnOrBefore(d date.Date) int {
	i := sort.Search(len(h), func(i int) bool { return h[i].Date.After(d) })
	return i - 1
}

// OnOrBefore returns the last price dated on or before d.
func (h History) OnOrBefore(d date.Date, f Field) (Quote, bool) {
	i := h.indexOnOrBefore(d)
	if i < 0 {
		return Quote{}, false
	}
	return Quote{Date: h[i].Date, Price: h[i].price(f)}, true
}

// OnOrAfter returns the first price dated on or after d.
func (h History) OnOrAfter(d date.Date, f Field) (Quote, bool) {
	i := sort.Search(len(h), func(i int) bool { return !h[i].Date.Before(d) })
	if i >= len(h) {
		return Quote{}, false
	}
	return Quote{Date: h[i].Date, Price: h[i].price(f)}, true
}

// Nearest prefers the on-or-before price and falls back to on-or-after,
// which only happens for days preceding the first row.
func (h History) Nearest(d date.Date, f Field) (Quote, bool) {
	if q, ok := h.OnOrBefore(d, f); ok {
		return q, true
	}
	return h.OnOrAfter(d, f)
}

// DividendsBetween sums per-share dividends on rows dated strictly after
// from and on or before to.
func (h History) DividendsBetween(from, to date.Date) float64 {
	if !from.Before(to) {
		return 0
	}
	total := 0.0
	start := h.indexOnOrBefore(from) + 1
	for i := start; i < len(h) && !h[i].Date.After(to); i++ {
		if h[i].Dividend > 0 {
			total += h[i].Dividend
		}
	}
	return total
}

// Return is the simple return between the price near from and the price
// on or before to. ok is false when either side is missing or non-positive.
func (h History) Return(from, to date.Date, f Field) (float64, bool) {
	end, ok := h.OnOrBefore(to, f)
	if !ok {
		return 0, false
	}
	start, ok := h.Nearest(from, f)
	if !ok || start.Price <= 0 || end.Price <= 0 {
		return 0, false
	}
	return end.Price/start.Price - 1, true
}

// DailyReturn is the return of the row on or before d against the row
// preceding it.
func (h History) DailyReturn(d date.Date, f Field) (float64, bool) {
	i := h.indexOnOrBefore(d)
	if i <= 0 {
		return 0, false
	}
	prev, curr := h[i-1].price(f), h[i].price(f)
	if prev <= 0 || curr <= 0 {
		return 0, false
	}
	return curr/prev - 1, true
}

// LatestDividend returns the most recent dividend paid on or before d.
func (h History) LatestDividend(d date.Date) *DividendInfo {
	for i := h.indexOnOrBefore(d); i >= 0; i-- {
		if h[i].Dividend > 0 {
			return &DividendInfo{Date: h[i].Date, Amount: h[i].Dividend}
		}
	}
	return nil
}
