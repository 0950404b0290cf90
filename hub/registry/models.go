package registry

import (
	"claas/hub/runtime"
	"claas/hub/schema"
)

func init() {
	register(schema.TypeModel, "SimpleMLP", func() BuildConfig { return &SimpleMLPConfig{} })
	register(schema.TypeModel, "SimpleCNN", func() BuildConfig { return &SimpleCNNConfig{} })
}

type SimpleMLPConfig struct {
	InputSize  int   `json:"input_size" validate:"required,min=1"`
	NumClasses int   `json:"num_classes" validate:"required,min=2"`
	HiddenSize int   `json:"hidden_size" validate:"omitempty,min=1"`
	Seed       int64 `json:"seed"`
}

func (c *SimpleMLPConfig) Validate(ctx *BuildContext) error { return checkStruct(c) }
func (c *SimpleMLPConfig) References() []Reference          { return nil }
func (c *SimpleMLPConfig) MutableFields() []string          { return []string{"hidden_size", "seed"} }

func (c *SimpleMLPConfig) Build(ctx *BuildContext) (any, error) {
	hidden := c.HiddenSize
	if hidden == 0 {
		hidden = 512
	}
	m := runtime.NewModel("SimpleMLP", c.InputSize, hidden, c.NumClasses, c.Seed)
	m.Meta = ctx.Self()
	return m, nil
}

// SimpleCNNConfig accepts image-shaped input. The runtime lowers it to a
// fully connected classifier over the flattened input.
type SimpleCNNConfig struct {
	Channels   int   `json:"channels" validate:"required,oneof=1 3"`
	Height     int   `json:"height" validate:"required,min=1"`
	Width      int   `json:"width" validate:"required,min=1"`
	NumClasses int   `json:"num_classes" validate:"required,min=2"`
	HiddenSize int   `json:"hidden_size" validate:"omitempty,min=1"`
	Seed       int64 `json:"seed"`
}

func (c *SimpleCNNConfig) Validate(ctx *BuildContext) error { return checkStruct(c) }
func (c *SimpleCNNConfig) References() []Reference          { return nil }
func (c *SimpleCNNConfig) MutableFields() []string          { return []string{"hidden_size", "seed"} }

func (c *SimpleCNNConfig) Build(ctx *BuildContext) (any, error) {
	hidden := c.HiddenSize
	if hidden == 0 {
		hidden = 256
	}
	m := runtime.NewModel("SimpleCNN", c.Channels*c.Height*c.Width, hidden, c.NumClasses, c.Seed)
	m.Meta = ctx.Self()
	return m, nil
}
