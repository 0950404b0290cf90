package registry

import (
	"claas/hub/runtime"
	"claas/hub/schema"
)

func init() {
	register(schema.TypeCriterion, "CrossEntropyLoss", func() BuildConfig { return &CrossEntropyConfig{} })
}

type CrossEntropyConfig struct{}

func (c *CrossEntropyConfig) Validate(ctx *BuildContext) error { return nil }
func (c *CrossEntropyConfig) References() []Reference          { return nil }
func (c *CrossEntropyConfig) MutableFields() []string          { return nil }

func (c *CrossEntropyConfig) Build(ctx *BuildContext) (any, error) {
	return &runtime.CrossEntropyLoss{Meta: ctx.Self()}, nil
}
