package registry

import (
	"fmt"

	"claas/hub/runtime"
	"claas/hub/schema"
)

func init() {
	register(schema.TypeStrategy, "Naive", func() BuildConfig {
		return &StrategyConfig{kind: runtime.StrategyNaive}
	})
	register(schema.TypeStrategy, "Cumulative", func() BuildConfig {
		return &StrategyConfig{kind: runtime.StrategyCumulative}
	})
	register(schema.TypeStrategy, "Replay", func() BuildConfig {
		return &ReplayConfig{StrategyConfig: StrategyConfig{kind: runtime.StrategyReplay}}
	})
	register(schema.TypeStrategy, "LwF", func() BuildConfig {
		return &LwFConfig{StrategyConfig: StrategyConfig{kind: runtime.StrategyLwF}}
	})
	register(schema.TypeStrategy, "EWC", func() BuildConfig {
		return &EWCConfig{StrategyConfig: StrategyConfig{kind: runtime.StrategyEWC}}
	})
	register(schema.TypeStrategy, "SynapticIntelligence", func() BuildConfig {
		return &SynapticIntelligenceConfig{StrategyConfig: StrategyConfig{kind: runtime.StrategySI}}
	})
}

// StrategyConfig carries the fields shared by every training strategy. Kinds
// without extra parameters (Naive, Cumulative) register it directly.
type StrategyConfig struct {
	kind string

	Model     string `json:"model" validate:"required"`
	Optimizer string `json:"optimizer" validate:"required"`
	Criterion string `json:"criterion" validate:"required"`
	MetricSet string `json:"metricset" validate:"required"`

	TrainMbSize int `json:"train_mb_size" validate:"omitempty,min=1"`
	EvalMbSize  int `json:"eval_mb_size" validate:"omitempty,min=1"`
	TrainEpochs int `json:"train_epochs" validate:"required,min=1"`
}

func (c *StrategyConfig) Validate(ctx *BuildContext) error { return checkStruct(c) }

func (c *StrategyConfig) References() []Reference {
	return []Reference{
		{Type: schema.TypeModel, Name: c.Model},
		{Type: schema.TypeOptimizer, Name: c.Optimizer},
		{Type: schema.TypeCriterion, Name: c.Criterion},
		{Type: schema.TypeMetricSet, Name: c.MetricSet},
	}
}

func (c *StrategyConfig) MutableFields() []string {
	return []string{"train_mb_size", "eval_mb_size", "train_epochs"}
}

// assemble builds the referenced components into a runtime strategy of the
// config's kind. The per-kind configs fill in their extra parameters after.
func (c *StrategyConfig) assemble(ctx *BuildContext) (*runtime.Strategy, error) {
	builtModel, err := ctx.BuildRef(Reference{Type: schema.TypeModel, Name: c.Model})
	if err != nil {
		return nil, err
	}
	model, ok := builtModel.(*runtime.Model)
	if !ok {
		return nil, fmt.Errorf("resource '%v' did not build a model", c.Model)
	}

	builtOpt, err := ctx.BuildRef(Reference{Type: schema.TypeOptimizer, Name: c.Optimizer})
	if err != nil {
		return nil, err
	}
	optimizer, ok := builtOpt.(runtime.Optimizer)
	if !ok {
		return nil, fmt.Errorf("resource '%v' did not build an optimizer", c.Optimizer)
	}

	builtCrit, err := ctx.BuildRef(Reference{Type: schema.TypeCriterion, Name: c.Criterion})
	if err != nil {
		return nil, err
	}
	criterion, ok := builtCrit.(runtime.Criterion)
	if !ok {
		return nil, fmt.Errorf("resource '%v' did not build a criterion", c.Criterion)
	}

	builtMetrics, err := ctx.BuildRef(Reference{Type: schema.TypeMetricSet, Name: c.MetricSet})
	if err != nil {
		return nil, err
	}
	metrics, ok := builtMetrics.(*runtime.MetricSet)
	if !ok {
		return nil, fmt.Errorf("resource '%v' did not build a metric set", c.MetricSet)
	}

	return &runtime.Strategy{
		Kind:        c.kind,
		Meta:        ctx.Self(),
		Model:       model,
		Optimizer:   optimizer,
		Criterion:   criterion,
		Metrics:     metrics,
		TrainMbSize: c.TrainMbSize,
		EvalMbSize:  c.EvalMbSize,
		TrainEpochs: c.TrainEpochs,
	}, nil
}

func (c *StrategyConfig) Build(ctx *BuildContext) (any, error) {
	return c.assemble(ctx)
}

type ReplayConfig struct {
	StrategyConfig
	MemSize int `json:"mem_size" validate:"required,min=1"`
}

func (c *ReplayConfig) Validate(ctx *BuildContext) error { return checkStruct(c) }

func (c *ReplayConfig) MutableFields() []string {
	return append(c.StrategyConfig.MutableFields(), "mem_size")
}

func (c *ReplayConfig) Build(ctx *BuildContext) (any, error) {
	s, err := c.assemble(ctx)
	if err != nil {
		return nil, err
	}
	s.MemSize = c.MemSize
	return s, nil
}

type LwFConfig struct {
	StrategyConfig

	// Distillation weight. Stored as a single scalar applied to every
	// experience.
	Alpha       float64 `json:"alpha" validate:"required,gt=0"`
	Temperature float64 `json:"temperature" validate:"omitempty,gt=0"`
}

func (c *LwFConfig) Validate(ctx *BuildContext) error { return checkStruct(c) }

func (c *LwFConfig) MutableFields() []string {
	return append(c.StrategyConfig.MutableFields(), "alpha", "temperature")
}

func (c *LwFConfig) Build(ctx *BuildContext) (any, error) {
	s, err := c.assemble(ctx)
	if err != nil {
		return nil, err
	}
	s.Alpha = c.Alpha
	s.Temperature = c.Temperature
	return s, nil
}

type EWCConfig struct {
	StrategyConfig
	EwcLambda float64 `json:"ewc_lambda" validate:"required,gt=0"`
}

func (c *EWCConfig) Validate(ctx *BuildContext) error { return checkStruct(c) }

func (c *EWCConfig) MutableFields() []string {
	return append(c.StrategyConfig.MutableFields(), "ewc_lambda")
}

func (c *EWCConfig) Build(ctx *BuildContext) (any, error) {
	s, err := c.assemble(ctx)
	if err != nil {
		return nil, err
	}
	s.Lambda = c.EwcLambda
	return s, nil
}

type SynapticIntelligenceConfig struct {
	StrategyConfig
	SiLambda float64 `json:"si_lambda" validate:"required,gt=0"`
	Eps      float64 `json:"eps" validate:"omitempty,gt=0"`
}

func (c *SynapticIntelligenceConfig) Validate(ctx *BuildContext) error { return checkStruct(c) }

func (c *SynapticIntelligenceConfig) MutableFields() []string {
	return append(c.StrategyConfig.MutableFields(), "si_lambda", "eps")
}

func (c *SynapticIntelligenceConfig) Build(ctx *BuildContext) (any, error) {
	s, err := c.assemble(ctx)
	if err != nil {
		return nil, err
	}
	s.Lambda = c.SiLambda
	s.Eps = c.Eps
	return s, nil
}
