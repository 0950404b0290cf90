package registry

import (
	"claas/hub/runtime"
	"claas/hub/schema"
)

func init() {
	register(schema.TypeOptimizer, "SGD", func() BuildConfig { return &SGDConfig{} })
	register(schema.TypeOptimizer, "Adam", func() BuildConfig { return &AdamConfig{} })
}

// Optimizers reference the model whose parameters they step. The reference is
// what pins the model while any strategy using the optimizer exists.
type SGDConfig struct {
	Model        string  `json:"model" validate:"required"`
	LearningRate float64 `json:"learning_rate" validate:"required,gt=0"`
	Momentum     float64 `json:"momentum" validate:"min=0,lt=1"`
}

func (c *SGDConfig) Validate(ctx *BuildContext) error { return checkStruct(c) }

func (c *SGDConfig) References() []Reference {
	return []Reference{{Type: schema.TypeModel, Name: c.Model}}
}

func (c *SGDConfig) MutableFields() []string { return []string{"learning_rate", "momentum"} }

func (c *SGDConfig) Build(ctx *BuildContext) (any, error) {
	if _, err := ctx.BuildRef(Reference{Type: schema.TypeModel, Name: c.Model}); err != nil {
		return nil, err
	}
	opt := runtime.NewSGD(c.LearningRate, c.Momentum)
	opt.Meta = ctx.Self()
	return opt, nil
}

type AdamConfig struct {
	Model        string  `json:"model" validate:"required"`
	LearningRate float64 `json:"learning_rate" validate:"required,gt=0"`
	Beta1        float64 `json:"beta1" validate:"min=0,lt=1"`
	Beta2        float64 `json:"beta2" validate:"min=0,lt=1"`
	Eps          float64 `json:"eps" validate:"min=0"`
}

func (c *AdamConfig) Validate(ctx *BuildContext) error { return checkStruct(c) }

func (c *AdamConfig) References() []Reference {
	return []Reference{{Type: schema.TypeModel, Name: c.Model}}
}

func (c *AdamConfig) MutableFields() []string {
	return []string{"learning_rate", "beta1", "beta2", "eps"}
}

func (c *AdamConfig) Build(ctx *BuildContext) (any, error) {
	if _, err := ctx.BuildRef(Reference{Type: schema.TypeModel, Name: c.Model}); err != nil {
		return nil, err
	}

	beta1, beta2, eps := c.Beta1, c.Beta2, c.Eps
	if beta1 == 0 {
		beta1 = 0.9
	}
	if beta2 == 0 {
		beta2 = 0.999
	}
	if eps == 0 {
		eps = 1e-8
	}

	opt := runtime.NewAdam(c.LearningRate, beta1, beta2, eps)
	opt.Meta = ctx.Self()
	return opt, nil
}
