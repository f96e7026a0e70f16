package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/investotype/sim-engine/internal/engine"
	"github.com/investotype/sim-engine/internal/model"
)

// Plan is a scripted simulation. Step i drives the i-th rebalance; steps
// beyond the list, and steps without targets, use Default.
type Plan struct {
	Simulation engine.StartRequest `yaml:"simulation"`
	Default    Targets             `yaml:"default"`
	Steps      []Step              `yaml:"steps"`
}

// Targets is one rebalance in one of the four target shapes.
type Targets struct {
	Targets  engine.Mixed   `yaml:"targets"`
	Weights  engine.Weights `yaml:"weights"`
	Dollars  engine.Dollars `yaml:"dollars"`
	Units    engine.Units   `yaml:"units"`
	SkipFees bool           `yaml:"skipFees"`
}

func (t Targets) empty() bool {
	return t.Targets == nil && t.Weights == nil && t.Dollars == nil && t.Units == nil
}

func (t Targets) request() engine.RebalanceRequest {
	return engine.RebalanceRequest{
		Targets:  t.Targets,
		Weights:  t.Weights,
		Dollars:  t.Dollars,
		Units:    t.Units,
		SkipFees: t.SkipFees,
	}
}

// Step is one scheduled date: discrete trades first, then the rebalance.
type Step struct {
	Targets `yaml:",inline"`
	Trades  []TradeStep `yaml:"trades"`
}

// TradeStep is a discrete trade inside a step.
type TradeStep struct {
	Sell         string  `yaml:"sell"`
	Buy          string  `yaml:"buy"`
	SellAmount   float64 `yaml:"sellAmount"`
	SellUnits    float64 `yaml:"sellUnits"`
	BuyAmount    float64 `yaml:"buyAmount"`
	BuyUnits     float64 `yaml:"buyUnits"`
	LiquidateAll bool    `yaml:"liquidateAll"`
}

func (t TradeStep) request() engine.TradeRequest {
	req := engine.TradeRequest{
		SellSymbol:   t.Sell,
		BuySymbol:    t.Buy,
		SellAmount:   t.SellAmount,
		SellUnits:    t.SellUnits,
		BuyAmount:    t.BuyAmount,
		BuyUnits:     t.BuyUnits,
		LiquidateAll: t.LiquidateAll,
	}
	if t.SellUnits > 0 {
		req.SellMode = model.ModeUnits
	}
	if t.BuyUnits > 0 {
		req.BuyMode = model.ModeUnits
	}
	return req
}

// LoadPlan reads a YAML plan from path, or from stdin when path is "-".
func LoadPlan(path string) (*Plan, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return ParsePlan(r)
}

// ParsePlan decodes and validates a YAML plan.
func ParsePlan(r io.Reader) (*Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks that every scheduled step has something to do.
func (p *Plan) Validate() error {
	if len(p.Simulation.Assets) == 0 {
		return errors.New("plan: simulation.assets is required")
	}
	if !p.Default.empty() {
		return nil
	}
	if len(p.Steps) == 0 {
		return errors.New("plan: provide default targets or at least one step")
	}
	for i, s := range p.Steps {
		if s.empty() {
			return fmt.Errorf("plan: step %d has no targets and there is no default", i+1)
		}
	}
	return nil
}

// step returns the allocation and trades for the i-th rebalance.
func (p *Plan) step(i int) (engine.RebalanceRequest, []TradeStep, error) {
	var s Step
	if i < len(p.Steps) {
		s = p.Steps[i]
	}
	if !s.empty() {
		return s.request(), s.Trades, nil
	}
	if p.Default.empty() {
		return engine.RebalanceRequest{}, nil, fmt.Errorf("plan: no targets for step %d", i+1)
	}
	return p.Default.request(), s.Trades, nil
}

// Progress receives each executed rebalance.
type Progress func(step int, res engine.RebalanceResult)

// RunPlan executes every scheduled rebalance of p and returns the finish
// report.
func RunPlan(ctx context.Context, eng *engine.Engine, p *Plan, progress Progress) (engine.Report, error) {
	started, err := eng.Start(ctx, p.Simulation)
	if err != nil {
		return engine.Report{}, fmt.Errorf("start: %w", err)
	}
	id := started.SimulationID

	for i := range started.TotalSteps {
		alloc, trades, err := p.step(i)
		if err != nil {
			return engine.Report{}, err
		}
		for j, t := range trades {
			if _, err := eng.Trade(ctx, id, t.request()); err != nil {
				return engine.Report{}, fmt.Errorf("step %d trade %d: %w", i+1, j+1, err)
			}
		}
		res, err := eng.Rebalance(ctx, id, alloc)
		if err != nil {
			return engine.Report{}, fmt.Errorf("step %d rebalance: %w", i+1, err)
		}
		if progress != nil {
			progress(i+1, res)
		}
	}

	report, err := eng.Finish(ctx, id)
	if err != nil {
		return engine.Report{}, fmt.Errorf("finish: %w", err)
	}
	return report, nil
}
