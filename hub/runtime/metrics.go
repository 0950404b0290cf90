package runtime

// MetricScopes gates a metric family by evaluation scope. Flags correspond to
// the points in the training loop where the family is recorded.
type MetricScopes struct {
	Minibatch  bool `json:"minibatch"`
	Epoch      bool `json:"epoch"`
	Experience bool `json:"experience"`
	Stream     bool `json:"stream"`
	TrainTime  bool `json:"train_time"`
	EvalTime   bool `json:"eval_time"`
}

// MetricSet is the selection of metric families to capture during a run.
type MetricSet struct {
	Meta Meta

	Accuracy   MetricScopes
	Loss       MetricScopes
	Forgetting MetricScopes
	Timing     MetricScopes
	CpuUsage   MetricScopes
	RamUsage   MetricScopes
}

// MetricFamilies lists the valid metric family names accepted by metric set
// configs.
var MetricFamilies = []string{"accuracy", "loss", "forgetting", "timing", "cpu_usage", "ram_usage"}

func (s *MetricSet) Family(name string) *MetricScopes {
	switch name {
	case "accuracy":
		return &s.Accuracy
	case "loss":
		return &s.Loss
	case "forgetting":
		return &s.Forgetting
	case "timing":
		return &s.Timing
	case "cpu_usage":
		return &s.CpuUsage
	case "ram_usage":
		return &s.RamUsage
	}
	return nil
}
