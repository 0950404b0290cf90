package registry

import (
	"errors"
	"fmt"

	"claas/hub/runtime"
	"claas/hub/schema"
	"claas/hub/storage"
)

func init() {
	register(schema.TypeDeployment, "ExperimentExport", func() BuildConfig { return &ExperimentExportConfig{} })
	register(schema.TypeDeployment, "PretrainedExport", func() BuildConfig { return &PretrainedExportConfig{} })
}

// ErrExecutionIncomplete is returned when an export targets an execution that
// has not finished. Handlers surface it as 423.
var ErrExecutionIncomplete = errors.New("execution has not completed")

// Deployer is implemented by deployment build configs. DeployPath is the
// location in the workspace model tree the exported model is written under.
type Deployer interface {
	BuildConfig
	DeployPath() string
}

func (c *ExperimentExportConfig) DeployPath() string { return c.Path }
func (c *PretrainedExportConfig) DeployPath() string { return c.Path }

// ExperimentExportConfig deploys the final model of a completed execution.
// ExecId defaults to the experiment's latest execution.
type ExperimentExportConfig struct {
	Path       string `json:"path" validate:"required"`
	Experiment string `json:"experiment" validate:"required"`
	ExecId     int    `json:"exec_id" validate:"omitempty,min=1"`
}

func (c *ExperimentExportConfig) Validate(ctx *BuildContext) error { return checkStruct(c) }

func (c *ExperimentExportConfig) References() []Reference {
	return []Reference{{Type: schema.TypeExperiment, Name: c.Experiment}}
}

func (c *ExperimentExportConfig) MutableFields() []string { return []string{"exec_id"} }

func (c *ExperimentExportConfig) Build(ctx *BuildContext) (any, error) {
	exp, err := ctx.Resolve(Reference{Type: schema.TypeExperiment, Name: c.Experiment})
	if err != nil {
		return nil, err
	}

	execId := c.ExecId
	if execId == 0 {
		execId = exp.CurrentExecId
	}
	if execId == 0 {
		return nil, fmt.Errorf("%w: experiment '%v' has never run", ErrExecutionIncomplete, c.Experiment)
	}

	exec, err := schema.GetExecution(exp.Id, execId, ctx.Db)
	if err != nil {
		return nil, err
	}
	if !exec.Completed || exec.StatusCode != 0 {
		return nil, fmt.Errorf("%w: experiment '%v' execution %d", ErrExecutionIncomplete, c.Experiment, execId)
	}

	modelPath := storage.ExecutionModelPath(ctx.User.Username, ctx.Ws.Name, exp.Id, execId)
	r, err := ctx.Store.Read(modelPath)
	if err != nil {
		return nil, fmt.Errorf("error reading execution model: %w", err)
	}
	defer r.Close()

	model, err := runtime.LoadModel(r)
	if err != nil {
		return nil, err
	}

	model.Meta = ctx.Self()
	return model, nil
}

// PretrainedExportConfig deploys a freshly initialized named architecture,
// used to seed a model tree without running an experiment.
type PretrainedExportConfig struct {
	Path       string `json:"path" validate:"required"`
	Arch       string `json:"arch" validate:"required,oneof=SimpleMLP SimpleCNN"`
	InputSize  int    `json:"input_size" validate:"required,min=1"`
	NumClasses int    `json:"num_classes" validate:"required,min=2"`
	HiddenSize int    `json:"hidden_size" validate:"omitempty,min=1"`
	Seed       int64  `json:"seed"`
}

func (c *PretrainedExportConfig) Validate(ctx *BuildContext) error { return checkStruct(c) }
func (c *PretrainedExportConfig) References() []Reference          { return nil }
func (c *PretrainedExportConfig) MutableFields() []string          { return nil }

func (c *PretrainedExportConfig) Build(ctx *BuildContext) (any, error) {
	hidden := c.HiddenSize
	if hidden == 0 {
		hidden = 512
	}
	model := runtime.NewModel(c.Arch, c.InputSize, hidden, c.NumClasses, c.Seed)
	model.Meta = ctx.Self()
	return model, nil
}
