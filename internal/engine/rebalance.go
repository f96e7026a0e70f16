package engine

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/investotype/sim-engine/internal/analytics"
	"github.com/investotype/sim-engine/internal/date"
	"github.com/investotype/sim-engine/internal/metrics"
	"github.com/investotype/sim-engine/internal/model"
)

const (
	// legEpsilon ignores trade deltas too small to execute.
	legEpsilon = 1e-9
	// minLegValue skips legs whose executed value rounds to nothing.
	minLegValue = 1e-12
	// cashEpsilon snaps residual cash to zero.
	cashEpsilon = 1e-8
	// archiveTarget is the target value at or below which a sold-out symbol
	// leaves the active universe.
	archiveTarget = 1e-6
)

// RebalanceResult reports an executed rebalance.
type RebalanceResult struct {
	Date                date.Date                       `json:"date"`
	TimelinePoint       model.Snapshot                  `json:"timelinePoint"`
	PortfolioValue      float64                         `json:"portfolioValue"`
	Cash                float64                         `json:"cash"`
	Positions           map[string]model.Position       `json:"positions"`
	FeesPaid            float64                         `json:"feesPaid"`
	Fee                 float64                         `json:"fee"`
	DividendsReceived   float64                         `json:"dividendsReceived"`
	AllocationMode      model.AllocationMode            `json:"allocationMode"`
	PerAssetModes       map[string]model.AllocationMode `json:"perAssetModes"`
	RequestedInputs     map[string]float64              `json:"requestedInputs"`
	BudgetUsed          float64                         `json:"budgetUsed"`
	BudgetUsedRatio     float64                         `json:"budgetUsedRatio"`
	ReferenceValue      float64                         `json:"referencePortfolioValue"`
	ReferencePrices     map[string]float64              `json:"referencePrices"`
	Turnover            float64                         `json:"turnover"`
	ConcentrationHHI    float64                         `json:"concentrationHHI"`
	StepIndex           int                             `json:"stepIndex"`
	TotalSteps          int                             `json:"totalSteps"`
	NextRebalanceDate   *date.Date                      `json:"nextRebalanceDate"`
	Symbols             []string                        `json:"symbols"`
	Assets              []AssetView                     `json:"assets"`
	NextPreview         *Preview                        `json:"nextPreview"`
	NextPreviewInsights *Insights                       `json:"nextPreviewInsights"`
}

// sell reduces a position by value at price, moving the proportional share
// of cost basis into realized profit. It returns the fee charged.
func sell(pos *model.Position, value, price, feeRate float64, cash *float64) float64 {
	qty := value / math.Max(price, minLegValue)
	if pos.Quantity > 0 {
		ratio := min(1, max(0, qty/pos.Quantity))
		sold := max(0, pos.CostBasis*ratio)
		pos.CostBasis = max(0, pos.CostBasis-sold)
		pos.RealizedProfit += value - sold
	}
	fee := value * feeRate
	pos.Quantity = max(0, pos.Quantity-qty)
	*cash += value - fee
	return fee
}

// buy grows a position by value at price. firstBuyPrice is set the first
// time the symbol is bought from flat. It returns the fee charged.
func buy(pos *model.Position, value, price, feeRate, dust float64, cash *float64) float64 {
	qty := value / math.Max(price, minLegValue)
	if pos.Quantity <= dust && qty > dust && pos.FirstBuyPrice <= 0 {
		pos.FirstBuyPrice = price
	}
	fee := value * feeRate
	pos.Quantity += qty
	pos.CostBasis += value
	*cash -= value + fee
	return fee
}

// clearDust zeroes positions below the dust threshold.
func (e *Engine) clearDust(s *model.Session, symbols ...string) {
	if len(symbols) == 0 {
		symbols = s.Symbols
	}
	for _, sym := range symbols {
		pos := s.Positions[sym]
		if pos.Quantity <= e.cfg.DustQuantity {
			pos.Quantity, pos.CostBasis = 0, 0
			s.Positions[sym] = pos
		}
	}
}

// Rebalance moves the portfolio to the requested targets on the next
// schedule date and advances the schedule.
func (e *Engine) Rebalance(ctx context.Context, id string, req RebalanceRequest) (RebalanceResult, error) {
	defer metrics.ObserveEngine("rebalance", time.Now())

	alloc, err := req.Allocation()
	if err != nil {
		return RebalanceResult{}, err
	}
	var out RebalanceResult
	err = e.mutate(ctx, id, func(s *model.Session) error {
		var err error
		out, err = e.rebalance(s, alloc, req.SkipFees)
		return err
	})
	if err != nil {
		return RebalanceResult{}, err
	}

	metrics.RebalancesTotal.WithLabelValues(string(out.AllocationMode)).Inc()
	metrics.RebalanceTurnover.Observe(out.Turnover)
	slog.Info("rebalance executed",
		"id", id,
		"date", out.Date,
		"mode", out.AllocationMode,
		"turnover", out.Turnover,
		"fee", out.Fee,
		"value", out.PortfolioValue,
	)
	e.publish(EventRebalanced, id, out.Date, out.TimelinePoint)
	return out, nil
}

func (e *Engine) rebalance(s *model.Session, alloc Allocation, skipFees bool) (RebalanceResult, error) {
	if s.Completed {
		return RebalanceResult{}, model.ErrAlreadyCompleted
	}
	d, ok := s.NextDate()
	if !ok {
		return RebalanceResult{}, model.ErrScheduleExhausted
	}
	feeRate := e.cfg.FeeRate
	if skipFees {
		feeRate = 0
	}

	pre, err := valueAt(s, d)
	if err != nil {
		return RebalanceResult{}, err
	}
	plan, err := buildTargets(s, pre, alloc)
	if err != nil {
		return RebalanceResult{}, err
	}

	preWeights := weights(s, pre)
	targetWeights := make(map[string]float64, len(s.Symbols))
	turnover := 0.0
	for _, sym := range s.Symbols {
		w := 0.0
		if pre.Total > 0 {
			w = plan.values[sym] / pre.Total
		}
		targetWeights[sym] = w
		turnover += math.Abs(w - preWeights[sym])
	}
	turnover = min(1, turnover/2)

	type leg struct {
		symbol string
		price  float64
		value  float64
		delta  float64
	}
	legs := make([]leg, 0, len(s.Symbols))
	for _, sym := range s.Symbols {
		if isCash(s, sym) {
			continue
		}
		price := pre.Price(sym)
		value := s.Positions[sym].Quantity * price
		legs = append(legs, leg{symbol: sym, price: price, value: value, delta: plan.values[sym] - value})
	}

	fee := 0.0
	for _, l := range legs {
		if l.delta >= -legEpsilon {
			continue
		}
		amount := max(0, min(l.value, -l.delta))
		if amount <= minLegValue {
			continue
		}
		pos := s.Positions[l.symbol]
		fee += sell(&pos, amount, l.price, feeRate, &s.Cash)
		s.Positions[l.symbol] = pos
	}

	demand := 0.0
	for _, l := range legs {
		if l.delta > legEpsilon {
			demand += l.delta * (1 + feeRate)
		}
	}
	scale := 1.0
	if available := max(0, s.Cash); e.cfg.ScaleRebalanceBuys && demand > available+legEpsilon {
		scale = max(0, available/demand)
	}
	for _, l := range legs {
		if l.delta <= legEpsilon {
			continue
		}
		amount := max(0, l.delta*scale)
		if amount <= minLegValue {
			continue
		}
		pos := s.Positions[l.symbol]
		fee += buy(&pos, amount, l.price, feeRate, e.cfg.DustQuantity, &s.Cash)
		s.Positions[l.symbol] = pos
	}

	e.clearDust(s)
	if math.Abs(s.Cash) < cashEpsilon {
		s.Cash = 0
	}
	s.FeesPaid += fee

	for _, sym := range append([]string(nil), s.Symbols...) {
		pos := s.Positions[sym]
		if plan.values[sym] <= archiveTarget && pos.Quantity <= e.cfg.DustQuantity && pos.CostBasis <= e.cfg.DustBasis {
			s.Archive(sym)
		}
	}

	post, err := valueAt(s, d)
	if err != nil {
		return RebalanceResult{}, err
	}
	actual := weights(s, post)
	hhi := analytics.HHI(mapValues(actual))
	cashRatio := 0.0
	if post.Total > 0 {
		cashRatio = s.Cash / post.Total
	}

	s.TurnoverSeries = append(s.TurnoverSeries, turnover)
	s.ConcentrationSeries = append(s.ConcentrationSeries, hhi)
	s.CashRatioSeries = append(s.CashRatioSeries, cashRatio)
	s.Decisions = append(s.Decisions, model.Decision{
		Date:            d,
		AllocationMode:  plan.mode,
		PerAssetModes:   plan.perAsset,
		RequestedInputs: plan.inputs,
		TargetValues:    plan.values,
		TargetWeights:   targetWeights,
		ActualWeights:   actual,
		PortfolioValue:  post.Total,
		Cash:            s.Cash,
		Turnover:        turnover,
		Fee:             fee,
	})
	snap := model.Snapshot{Date: d, Value: post.Total}
	s.Snapshots = append(s.Snapshots, snap)
	s.StepIndex++

	out := RebalanceResult{
		Date:              d,
		TimelinePoint:     snap,
		PortfolioValue:    post.Total,
		Cash:              s.Cash,
		Positions:         clonePositions(s.Positions),
		FeesPaid:          s.FeesPaid,
		Fee:               fee,
		DividendsReceived: s.DividendsReceived,
		AllocationMode:    plan.mode,
		PerAssetModes:     plan.perAsset,
		RequestedInputs:   plan.inputs,
		BudgetUsed:        plan.budgetUsed,
		ReferenceValue:    pre.Total,
		ReferencePrices:   pre.PriceMap(),
		Turnover:          turnover,
		ConcentrationHHI:  hhi,
		StepIndex:         s.StepIndex,
		TotalSteps:        len(s.Schedule),
		Symbols:           append([]string(nil), s.Symbols...),
		Assets:            assetViews(s),
	}
	if pre.Total > 0 {
		out.BudgetUsedRatio = plan.budgetUsed / pre.Total
	}
	if next, ok := s.NextDate(); ok {
		out.NextRebalanceDate = &next
		if p, ins, err := preview(s, next); err == nil {
			out.NextPreview, out.NextPreviewInsights = &p, &ins
		}
	} else {
		ins := insights(s, post)
		out.NextPreviewInsights = &ins
	}
	return out, nil
}
