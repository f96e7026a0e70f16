package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/investotype/sim-engine/internal/asset"
	"github.com/investotype/sim-engine/internal/date"
	"github.com/investotype/sim-engine/internal/metrics"
	"github.com/investotype/sim-engine/internal/model"
)

// maxParallelFetches bounds concurrent history fetches within one request.
const maxParallelFetches = 4

// BuildSchedule lists rebalance dates from start while they are on or
// before end. Monthly steps are counted from start so a month-end start
// stays at month end instead of drifting.
func BuildSchedule(start, end date.Date, freq model.Frequency) ([]date.Date, error) {
	var out []date.Date
	for i := 0; ; i++ {
		var d date.Date
		switch freq {
		case model.Daily:
			d = start.AddDays(i)
		case model.Weekly:
			d = start.AddDays(7 * i)
		case model.Monthly:
			d = start.AddMonths(i)
		default:
			return nil, fmt.Errorf("%w: frequency %q", model.ErrInvalidRequest, freq)
		}
		if d.After(end) {
			break
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: could not create schedule", model.ErrInvalidRequest)
	}
	return out, nil
}

// StartRequest opens a simulation.
type StartRequest struct {
	StartDate        string   `json:"startDate" yaml:"startDate"`
	EndDate          string   `json:"endDate" yaml:"endDate"`
	Frequency        string   `json:"frequency" yaml:"frequency"`
	InitialCash      float64  `json:"initialCash" yaml:"initialCash"`
	Assets           []string `json:"assets" yaml:"assets"`
	BenchmarkSymbols []string `json:"benchmarkSymbols" yaml:"benchmarks"`
}

// AssetView is an asset descriptor as returned to clients.
type AssetView = model.AssetDescriptor

// SessionView is the shared header of session responses.
type SessionView struct {
	SimulationID      string      `json:"simulationId"`
	StartDate         date.Date   `json:"startDate"`
	EndDate           date.Date   `json:"endDate"`
	Frequency         string      `json:"frequency"`
	Symbols           []string    `json:"symbols"`
	Assets            []AssetView `json:"assets"`
	BenchmarkSymbols  []string    `json:"benchmarkSymbols"`
	InitialCash       float64     `json:"initialCash"`
	StepIndex         int         `json:"stepIndex"`
	TotalSteps        int         `json:"totalSteps"`
	NextRebalanceDate *date.Date  `json:"nextRebalanceDate"`
}

// StartResult is returned by Start.
type StartResult struct {
	SessionView
	Preview         Preview  `json:"preview"`
	PreviewInsights Insights `json:"previewInsights"`
}

// Detail is returned by Get.
type Detail struct {
	SessionView
	Preview         *Preview                  `json:"preview"`
	PreviewInsights *Insights                 `json:"previewInsights"`
	Completed       bool                      `json:"completed"`
	FeesPaid        float64                   `json:"feesPaid"`
	Positions       map[string]model.Position `json:"positions"`
	Cash            float64                   `json:"cash"`
	Decisions       int                       `json:"decisions"`
}

// AddAssetResult is returned by AddAsset.
type AddAssetResult struct {
	SimulationID    string      `json:"simulationId"`
	Symbols         []string    `json:"symbols"`
	Assets          []AssetView `json:"assets"`
	AlreadyExists   bool        `json:"alreadyExists,omitempty"`
	Preview         *Preview    `json:"preview,omitempty"`
	PreviewInsights *Insights   `json:"previewInsights,omitempty"`
}

func sessionView(s *model.Session) SessionView {
	v := SessionView{
		SimulationID:     s.ID,
		StartDate:        s.StartDate,
		EndDate:          s.EndDate,
		Frequency:        string(s.Frequency),
		Symbols:          slices.Clone(s.Symbols),
		Assets:           assetViews(s),
		BenchmarkSymbols: slices.Clone(s.Benchmarks),
		InitialCash:      s.InitialCash,
		StepIndex:        s.StepIndex,
		TotalSteps:       len(s.Schedule),
	}
	if d, ok := s.NextDate(); ok {
		v.NextRebalanceDate = &d
	}
	return v
}

func assetViews(s *model.Session) []AssetView {
	out := make([]AssetView, 0, len(s.Symbols))
	for _, sym := range s.Symbols {
		out = append(out, s.Assets[sym])
	}
	return out
}

// uniqueTokens normalizes tokens and drops blanks and repeats, keeping
// first-seen order.
func uniqueTokens(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		t = asset.Normalize(t)
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// loadAsset parses a token, fetches its history over [start, end] and
// fills display metadata.
func (e *Engine) loadAsset(ctx context.Context, desc model.AssetDescriptor, start, end date.Date) (model.AssetDescriptor, model.History, error) {
	h, err := e.histories.Asset(ctx, desc, start, end)
	if err != nil {
		return desc, nil, fmt.Errorf("load %s: %w", desc.ID, err)
	}
	return asset.Enrich(ctx, e.search, desc), h, nil
}

// Start validates the request, fetches every asset's history, builds the
// schedule and stores a new session.
func (e *Engine) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	defer metrics.ObserveEngine("start", time.Now())

	start, err := date.Parse(strings.TrimSpace(req.StartDate))
	if err != nil {
		return StartResult{}, fmt.Errorf("%w: startDate must be YYYY-MM-DD", model.ErrInvalidDate)
	}
	end, err := date.Parse(strings.TrimSpace(req.EndDate))
	if err != nil {
		return StartResult{}, fmt.Errorf("%w: endDate must be YYYY-MM-DD", model.ErrInvalidDate)
	}
	if !start.Before(end) {
		return StartResult{}, fmt.Errorf("%w: endDate must be after startDate", model.ErrInvalidDate)
	}
	freq, err := model.ParseFrequency(req.Frequency)
	if err != nil {
		return StartResult{}, err
	}
	if math.IsNaN(req.InitialCash) || math.IsInf(req.InitialCash, 0) || req.InitialCash <= 0 {
		return StartResult{}, fmt.Errorf("%w: initialCash must be > 0", model.ErrInvalidRequest)
	}
	tokens := uniqueTokens(req.Assets)
	if len(tokens) == 0 {
		return StartResult{}, fmt.Errorf("%w: provide at least one investment asset", model.ErrInvalidRequest)
	}

	var descs []model.AssetDescriptor
	for _, t := range tokens {
		d, err := e.parser.Parse(t)
		if err != nil {
			return StartResult{}, err
		}
		if !slices.ContainsFunc(descs, func(x model.AssetDescriptor) bool { return x.ID == d.ID }) {
			descs = append(descs, d)
		}
	}
	schedule, err := BuildSchedule(start, end, freq)
	if err != nil {
		return StartResult{}, err
	}

	metas := make([]model.AssetDescriptor, len(descs))
	hists := make([]model.History, len(descs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelFetches)
	for i, d := range descs {
		g.Go(func() error {
			meta, h, err := e.loadAsset(gctx, d, start, end)
			if err != nil {
				return err
			}
			metas[i], hists[i] = meta, h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return StartResult{}, err
	}

	now := e.now().UTC()
	s := &model.Session{
		ID:                     uuid.NewString(),
		StartDate:              start,
		EndDate:                end,
		Frequency:              freq,
		Schedule:               schedule,
		InitialCash:            req.InitialCash,
		Cash:                   req.InitialCash,
		DividendAccruedThrough: start,
		Assets:                 make(map[string]model.AssetDescriptor, len(descs)),
		Histories:              make(map[string]model.History, len(descs)),
		Positions:              make(map[string]model.Position, len(descs)),
		Closed:                 map[string]model.ClosedPosition{},
		Benchmarks:             uniqueTokens(req.BenchmarkSymbols),
		CreatedAt:              now,
	}
	for i := range descs {
		s.Activate(metas[i], hists[i])
	}

	p, ins, err := preview(s, schedule[0])
	if err != nil {
		return StartResult{}, err
	}
	if err := e.sessions.Put(ctx, s); err != nil {
		return StartResult{}, err
	}

	metrics.SessionsStarted.Inc()
	slog.Info("session started",
		"id", s.ID,
		"start", start,
		"end", end,
		"frequency", freq,
		"symbols", s.Symbols,
		"steps", len(schedule),
	)
	e.publish(EventStarted, s.ID, start, nil)

	return StartResult{SessionView: sessionView(s), Preview: p, PreviewInsights: ins}, nil
}

// Get returns the session with a preview valued at the next rebalance date,
// or at the end date once the schedule is exhausted. A preview that cannot
// be priced is omitted.
func (e *Engine) Get(ctx context.Context, id string) (Detail, error) {
	var out Detail
	err := e.view(ctx, id, func(s *model.Session) error {
		out = Detail{
			SessionView: sessionView(s),
			Completed:   s.Completed,
			FeesPaid:    s.FeesPaid,
			Positions:   s.Positions,
			Cash:        s.Cash,
			Decisions:   len(s.Decisions),
		}
		p, ins, err := preview(s, s.PreviewDate())
		if err != nil {
			slog.Warn("session preview unavailable", "id", id, "err", err)
			return nil
		}
		out.Preview, out.PreviewInsights = &p, &ins
		return nil
	})
	return out, err
}

// AddAsset activates a new symbol with an empty position. Adding an active
// symbol is a no-op; re-adding a closed symbol restores its realized profit.
func (e *Engine) AddAsset(ctx context.Context, id, token string) (AddAssetResult, error) {
	defer metrics.ObserveEngine("add_asset", time.Now())

	if asset.Normalize(token) == "" {
		return AddAssetResult{}, fmt.Errorf("%w: token is required", model.ErrInvalidRequest)
	}
	desc, err := e.parser.Parse(token)
	if err != nil {
		return AddAssetResult{}, err
	}

	cur, err := e.snapshot(ctx, id)
	if err != nil {
		return AddAssetResult{}, err
	}
	if cur.Completed {
		return AddAssetResult{}, model.ErrAlreadyCompleted
	}
	if cur.IsActive(desc.ID) {
		return AddAssetResult{SimulationID: id, Symbols: cur.Symbols, Assets: assetViews(cur), AlreadyExists: true}, nil
	}

	meta, h, err := e.loadAsset(ctx, desc, cur.StartDate, cur.EndDate)
	if err != nil {
		return AddAssetResult{}, err
	}

	var out AddAssetResult
	err = e.mutate(ctx, id, func(s *model.Session) error {
		if s.Completed {
			return model.ErrAlreadyCompleted
		}
		out = AddAssetResult{SimulationID: id}
		if s.IsActive(desc.ID) {
			out.Symbols, out.Assets, out.AlreadyExists = s.Symbols, assetViews(s), true
			return nil
		}
		s.Activate(meta, h)
		out.Symbols, out.Assets = slices.Clone(s.Symbols), assetViews(s)
		if d, ok := s.NextDate(); ok {
			p, ins, err := preview(s, d)
			if err != nil {
				return err
			}
			out.Preview, out.PreviewInsights = &p, &ins
		}
		return nil
	})
	if err != nil {
		return AddAssetResult{}, err
	}
	if !out.AlreadyExists {
		slog.Info("asset added", "id", id, "symbol", desc.ID, "type", desc.Type)
		e.publish(EventAssetAdded, id, cur.PreviewDate(), meta)
	}
	return out, nil
}
