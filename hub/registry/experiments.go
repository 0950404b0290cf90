package registry

import (
	"fmt"

	"claas/hub/runtime"
	"claas/hub/schema"
)

func init() {
	register(schema.TypeExperiment, "Experiment", func() BuildConfig { return &ExperimentConfig{} })
}

var runConfigs = map[string]string{
	"training":       runtime.RunTraining,
	"joint_training": runtime.RunJointTraining,
}

type ExperimentConfig struct {
	Strategy  string `json:"strategy" validate:"required"`
	Benchmark string `json:"benchmark" validate:"required"`
	RunConfig string `json:"run_config" validate:"omitempty,oneof=training joint_training"`
}

func (c *ExperimentConfig) Validate(ctx *BuildContext) error { return checkStruct(c) }

func (c *ExperimentConfig) References() []Reference {
	return []Reference{
		{Type: schema.TypeStrategy, Name: c.Strategy},
		{Type: schema.TypeBenchmark, Name: c.Benchmark},
	}
}

func (c *ExperimentConfig) MutableFields() []string { return []string{"run_config"} }

// ExperimentParts is the built form of an experiment, everything a run needs
// except the CSV logger, which is bound to an execution directory by the
// orchestrator.
type ExperimentParts struct {
	Strategy  *runtime.Strategy
	Benchmark *runtime.Benchmark
	RunKind   string
}

func (c *ExperimentConfig) Build(ctx *BuildContext) (any, error) {
	builtStrategy, err := ctx.BuildRef(Reference{Type: schema.TypeStrategy, Name: c.Strategy})
	if err != nil {
		return nil, err
	}
	strategy, ok := builtStrategy.(*runtime.Strategy)
	if !ok {
		return nil, fmt.Errorf("resource '%v' did not build a strategy", c.Strategy)
	}

	builtBenchmark, err := ctx.BuildRef(Reference{Type: schema.TypeBenchmark, Name: c.Benchmark})
	if err != nil {
		return nil, err
	}
	benchmark, ok := builtBenchmark.(*runtime.Benchmark)
	if !ok {
		return nil, fmt.Errorf("resource '%v' did not build a benchmark", c.Benchmark)
	}

	runKind := runtime.RunTraining
	if c.RunConfig != "" {
		runKind = runConfigs[c.RunConfig]
	}

	return &ExperimentParts{Strategy: strategy, Benchmark: benchmark, RunKind: runKind}, nil
}
