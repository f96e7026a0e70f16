package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/investotype/sim-engine/internal/asset"
	"github.com/investotype/sim-engine/internal/date"
	"github.com/investotype/sim-engine/internal/metrics"
	"github.com/investotype/sim-engine/internal/model"
)

// TradeRequest is a discrete sell-then-buy order between two active
// symbols. Modes default to dollars; LiquidateAll sells the whole position.
type TradeRequest struct {
	SellSymbol   string               `json:"sellSymbol"`
	BuySymbol    string               `json:"buySymbol"`
	SellAmount   float64              `json:"sellAmount"`
	SellUnits    float64              `json:"sellUnits"`
	BuyAmount    float64              `json:"buyAmount"`
	BuyUnits     float64              `json:"buyUnits"`
	SellMode     model.AllocationMode `json:"sellMode"`
	BuyMode      model.AllocationMode `json:"buyMode"`
	LiquidateAll bool                 `json:"liquidateAll"`
}

// TradeResult reports an executed trade.
type TradeResult struct {
	Date                date.Date                 `json:"date"`
	SellSymbol          string                    `json:"sellSymbol"`
	BuySymbol           string                    `json:"buySymbol"`
	LiquidateAll        bool                      `json:"liquidateAll"`
	SoldValue           float64                   `json:"soldValue"`
	SoldUnits           float64                   `json:"soldUnits"`
	BoughtValue         float64                   `json:"boughtValue"`
	BoughtUnits         float64                   `json:"boughtUnits"`
	FeeTotal            float64                   `json:"feeTotal"`
	DividendsReceived   float64                   `json:"dividendsReceived"`
	Cash                float64                   `json:"cash"`
	PortfolioValue      float64                   `json:"portfolioValue"`
	Positions           map[string]model.Position `json:"positions"`
	Symbols             []string                  `json:"symbols"`
	Assets              []AssetView               `json:"assets"`
	NextPreview         *Preview                  `json:"nextPreview"`
	NextPreviewInsights *Insights                 `json:"nextPreviewInsights"`
}

func tradeMode(m model.AllocationMode) (model.AllocationMode, error) {
	switch mode := model.AllocationMode(strings.ToLower(string(m))); mode {
	case "", model.ModeDollars:
		return model.ModeDollars, nil
	case model.ModeUnits:
		return model.ModeUnits, nil
	}
	return "", fmt.Errorf("%w: sellMode and buyMode must be dollars or units", model.ErrInvalidRequest)
}

func (r *TradeRequest) normalize() error {
	r.SellSymbol = asset.Normalize(r.SellSymbol)
	r.BuySymbol = asset.Normalize(r.BuySymbol)
	for _, v := range []float64{r.SellAmount, r.SellUnits, r.BuyAmount, r.BuyUnits} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%w: trade amounts must be finite and non-negative", model.ErrInvalidRequest)
		}
	}
	var err error
	if r.SellMode, err = tradeMode(r.SellMode); err != nil {
		return err
	}
	r.BuyMode, err = tradeMode(r.BuyMode)
	return err
}

// Trade executes a discrete order on the current schedule date. Unlike a
// rebalance it never scales: an oversized sell or an underfunded buy fails
// the whole order. It does not advance the schedule, and a symbol sold out
// by a trade stays active until a rebalance targets it at zero.
func (e *Engine) Trade(ctx context.Context, id string, req TradeRequest) (TradeResult, error) {
	defer metrics.ObserveEngine("trade", time.Now())

	if err := req.normalize(); err != nil {
		metrics.TradesTotal.WithLabelValues("rejected").Inc()
		return TradeResult{}, err
	}
	var out TradeResult
	err := e.mutate(ctx, id, func(s *model.Session) error {
		var err error
		out, err = e.trade(s, req)
		return err
	})
	if err != nil {
		metrics.TradesTotal.WithLabelValues("rejected").Inc()
		return TradeResult{}, err
	}

	metrics.TradesTotal.WithLabelValues("filled").Inc()
	slog.Info("trade executed",
		"id", id,
		"date", out.Date,
		"sell", req.SellSymbol,
		"buy", req.BuySymbol,
		"sold", out.SoldValue,
		"bought", out.BoughtValue,
		"fee", out.FeeTotal,
	)
	e.publish(EventTraded, id, out.Date, map[string]float64{"soldValue": out.SoldValue, "boughtValue": out.BoughtValue})
	return out, nil
}

func (e *Engine) trade(s *model.Session, req TradeRequest) (TradeResult, error) {
	if s.Completed {
		return TradeResult{}, model.ErrAlreadyCompleted
	}
	d, ok := s.NextDate()
	if !ok {
		return TradeResult{}, fmt.Errorf("%w: no active simulation date available", model.ErrScheduleExhausted)
	}
	if !s.IsActive(req.SellSymbol) || !s.IsActive(req.BuySymbol) {
		return TradeResult{}, fmt.Errorf("%w: sell and buy symbols must be in the current asset list", model.ErrUnknownSymbol)
	}
	if req.SellSymbol == req.BuySymbol {
		return TradeResult{}, fmt.Errorf("%w: sell and buy symbols must differ", model.ErrInvalidTarget)
	}

	v, err := valueAt(s, d)
	if err != nil {
		return TradeResult{}, err
	}
	sellPrice, buyPrice := v.Price(req.SellSymbol), v.Price(req.BuySymbol)

	var held float64
	if isCash(s, req.SellSymbol) {
		held = max(0, s.Cash) / math.Max(sellPrice, minLegValue)
	} else {
		held = s.Positions[req.SellSymbol].Quantity
	}
	sellQty := req.SellAmount / math.Max(sellPrice, minLegValue)
	switch {
	case req.LiquidateAll:
		sellQty = held
	case req.SellMode == model.ModeUnits:
		sellQty = req.SellUnits
	}
	sellValue := sellQty * sellPrice
	if sellValue > held*sellPrice+e.cfg.TradeEpsilon {
		return TradeResult{}, fmt.Errorf("%w: %.2f requested, %.2f held", model.ErrExceedsPosition, sellValue, held*sellPrice)
	}

	fee := 0.0
	if sellValue > 0 && !isCash(s, req.SellSymbol) {
		pos := s.Positions[req.SellSymbol]
		fee += sell(&pos, sellValue, sellPrice, e.cfg.FeeRate, &s.Cash)
		if req.LiquidateAll {
			pos.Quantity = 0
		}
		s.Positions[req.SellSymbol] = pos
	}

	buyQty := req.BuyAmount / math.Max(buyPrice, minLegValue)
	if req.BuyMode == model.ModeUnits {
		buyQty = req.BuyUnits
	}
	buyValue := buyQty * buyPrice
	if buyValue > 0 && !isCash(s, req.BuySymbol) {
		cost := buyValue * (1 + e.cfg.FeeRate)
		if cost > s.Cash+e.cfg.TradeEpsilon {
			return TradeResult{}, fmt.Errorf("%w: order costs %.2f, cash is %.2f", model.ErrInsufficientCash, cost, s.Cash)
		}
		pos := s.Positions[req.BuySymbol]
		fee += buy(&pos, buyValue, buyPrice, e.cfg.FeeRate, e.cfg.DustQuantity, &s.Cash)
		s.Positions[req.BuySymbol] = pos
	}

	e.clearDust(s, req.SellSymbol, req.BuySymbol)
	if math.Abs(s.Cash) < cashEpsilon {
		s.Cash = 0
	}
	s.FeesPaid += fee

	post, err := valueAt(s, d)
	if err != nil {
		return TradeResult{}, err
	}
	out := TradeResult{
		Date:              d,
		SellSymbol:        req.SellSymbol,
		BuySymbol:         req.BuySymbol,
		LiquidateAll:      req.LiquidateAll,
		SoldValue:         sellValue,
		SoldUnits:         sellQty,
		BoughtValue:       buyValue,
		BoughtUnits:       buyQty,
		FeeTotal:          fee,
		DividendsReceived: s.DividendsReceived,
		Cash:              s.Cash,
		PortfolioValue:    post.Total,
		Positions:         clonePositions(s.Positions),
		Symbols:           append([]string(nil), s.Symbols...),
		Assets:            assetViews(s),
	}
	p, ins := Preview{Date: d, PortfolioValue: post.Total, Prices: post.PriceMap()}, insights(s, post)
	out.NextPreview, out.NextPreviewInsights = &p, &ins
	return out, nil
}
