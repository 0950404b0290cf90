package registry

import (
	"claas/hub/runtime"
	"claas/hub/schema"
)

func init() {
	register(schema.TypeMetricSet, "StandardMetricSet", func() BuildConfig { return &StandardMetricSetConfig{} })
}

type scopeFlags struct {
	Minibatch  bool `json:"minibatch"`
	Epoch      bool `json:"epoch"`
	Experience bool `json:"experience"`
	Stream     bool `json:"stream"`
	TrainTime  bool `json:"train_time"`
	EvalTime   bool `json:"eval_time"`
}

func (f *scopeFlags) toScopes() runtime.MetricScopes {
	if f == nil {
		return runtime.MetricScopes{}
	}
	return runtime.MetricScopes{
		Minibatch:  f.Minibatch,
		Epoch:      f.Epoch,
		Experience: f.Experience,
		Stream:     f.Stream,
		TrainTime:  f.TrainTime,
		EvalTime:   f.EvalTime,
	}
}

// StandardMetricSetConfig selects metric families by scope. Omitted families
// are disabled; unknown family or flag names are rejected at decode time.
type StandardMetricSetConfig struct {
	Accuracy   *scopeFlags `json:"accuracy"`
	Loss       *scopeFlags `json:"loss"`
	Forgetting *scopeFlags `json:"forgetting"`
	Timing     *scopeFlags `json:"timing"`
	CpuUsage   *scopeFlags `json:"cpu_usage"`
	RamUsage   *scopeFlags `json:"ram_usage"`
}

func (c *StandardMetricSetConfig) Validate(ctx *BuildContext) error {
	if c.Accuracy == nil && c.Loss == nil && c.Forgetting == nil &&
		c.Timing == nil && c.CpuUsage == nil && c.RamUsage == nil {
		return invalidf("metric set selects no metric families")
	}
	return nil
}

func (c *StandardMetricSetConfig) References() []Reference { return nil }

func (c *StandardMetricSetConfig) MutableFields() []string {
	return append([]string(nil), runtime.MetricFamilies...)
}

func (c *StandardMetricSetConfig) Build(ctx *BuildContext) (any, error) {
	return &runtime.MetricSet{
		Meta:       ctx.Self(),
		Accuracy:   c.Accuracy.toScopes(),
		Loss:       c.Loss.toScopes(),
		Forgetting: c.Forgetting.toScopes(),
		Timing:     c.Timing.toScopes(),
		CpuUsage:   c.CpuUsage.toScopes(),
		RamUsage:   c.RamUsage.toScopes(),
	}, nil
}
