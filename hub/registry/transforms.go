package registry

import (
	"bytes"
	"encoding/json"

	"claas/hub/runtime"
)

// Transforms are embedded configs, not persisted resources: they appear
// inside data repository benchmarks and deployment prediction requests as
// {"name": <discriminator>, ...params}.

type transformFactory func(params json.RawMessage) (runtime.Transform, error)

var transformFactories = map[string]transformFactory{}

func registerTransform(name string, factory transformFactory) {
	if _, dup := transformFactories[name]; dup {
		panic("duplicate transform registration " + name)
	}
	transformFactories[name] = factory
}

func decodeTransform(params json.RawMessage, into any) error {
	decoder := json.NewDecoder(bytes.NewReader(params))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return invalidf("error parsing transform config: %v", err)
	}
	return nil
}

// NewTransform builds a transform from an embedded config.
func NewTransform(params json.RawMessage) (runtime.Transform, error) {
	var head struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(params, &head); err != nil {
		return nil, invalidf("error parsing transform config: %v", err)
	}
	if head.Name == "" {
		return nil, invalidf("transform config is missing required field 'name'")
	}

	factory, ok := transformFactories[head.Name]
	if !ok {
		return nil, invalidf("unknown transform '%v'", head.Name)
	}
	return factory(params)
}

func init() {
	registerTransform("ToTensor", func(params json.RawMessage) (runtime.Transform, error) {
		var c struct {
			Name string `json:"name"`
		}
		if err := decodeTransform(params, &c); err != nil {
			return nil, err
		}
		return runtime.ToTensor{}, nil
	})

	registerTransform("Normalize", func(params json.RawMessage) (runtime.Transform, error) {
		var c struct {
			Name string    `json:"name"`
			Mean []float64 `json:"mean"`
			Std  []float64 `json:"std"`
		}
		if err := decodeTransform(params, &c); err != nil {
			return nil, err
		}
		if len(c.Mean) == 0 || len(c.Mean) != len(c.Std) {
			return nil, invalidf("normalize requires matching mean and std, got %d and %d", len(c.Mean), len(c.Std))
		}
		for _, std := range c.Std {
			if std == 0 {
				return nil, invalidf("normalize std must be non-zero")
			}
		}
		return runtime.Normalize{Mean: c.Mean, Std: c.Std}, nil
	})

	registerTransform("CenterCrop", func(params json.RawMessage) (runtime.Transform, error) {
		var c struct {
			Name string `json:"name"`
			Size int    `json:"size"`
		}
		if err := decodeTransform(params, &c); err != nil {
			return nil, err
		}
		if c.Size <= 0 {
			return nil, invalidf("center crop requires a positive size")
		}
		return runtime.CenterCrop{Size: c.Size}, nil
	})

	registerTransform("RandomCrop", func(params json.RawMessage) (runtime.Transform, error) {
		var c struct {
			Name    string `json:"name"`
			Size    int    `json:"size"`
			Padding int    `json:"padding"`
		}
		if err := decodeTransform(params, &c); err != nil {
			return nil, err
		}
		if c.Size <= 0 {
			return nil, invalidf("random crop requires a positive size")
		}
		if c.Padding < 0 {
			return nil, invalidf("random crop padding cannot be negative")
		}
		return runtime.RandomCrop{Size: c.Size, Padding: c.Padding}, nil
	})

	registerTransform("RandomHorizontalFlip", func(params json.RawMessage) (runtime.Transform, error) {
		var c struct {
			Name string  `json:"name"`
			P    float64 `json:"p"`
		}
		if err := decodeTransform(params, &c); err != nil {
			return nil, err
		}
		if c.P < 0 || c.P > 1 {
			return nil, invalidf("flip probability must be in [0, 1]")
		}
		return runtime.RandomHorizontalFlip{P: c.P}, nil
	})

	registerTransform("Compose", func(params json.RawMessage) (runtime.Transform, error) {
		var c struct {
			Name       string            `json:"name"`
			Transforms []json.RawMessage `json:"transforms"`
		}
		if err := decodeTransform(params, &c); err != nil {
			return nil, err
		}
		if len(c.Transforms) == 0 {
			return nil, invalidf("compose requires at least one transform")
		}

		composed := runtime.Compose{}
		for _, raw := range c.Transforms {
			t, err := NewTransform(raw)
			if err != nil {
				return nil, err
			}
			composed.Transforms = append(composed.Transforms, t)
		}
		return composed, nil
	})

	stock := func(build func() runtime.Transform) transformFactory {
		return func(params json.RawMessage) (runtime.Transform, error) {
			var c struct {
				Name string `json:"name"`
			}
			if err := decodeTransform(params, &c); err != nil {
				return nil, err
			}
			return build(), nil
		}
	}

	registerTransform("TrainMNIST", stock(runtime.TrainMNIST))
	registerTransform("EvalMNIST", stock(runtime.EvalMNIST))
	registerTransform("TrainCIFAR10", stock(runtime.TrainCIFAR10))
	registerTransform("EvalCIFAR10", stock(runtime.EvalCIFAR10))
}
