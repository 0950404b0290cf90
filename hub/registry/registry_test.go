package registry

import (
	"errors"
	"sort"
	"testing"

	"claas/hub/runtime"
	"claas/hub/schema"
)

func TestBuildNames(t *testing.T) {
	cases := map[string][]string{
		schema.TypeBenchmark:  {"FromDataRepository", "PermutedMNIST", "SplitCIFAR10", "SplitMNIST"},
		schema.TypeModel:      {"SimpleCNN", "SimpleMLP"},
		schema.TypeOptimizer:  {"Adam", "SGD"},
		schema.TypeCriterion:  {"CrossEntropyLoss"},
		schema.TypeMetricSet:  {"StandardMetricSet"},
		schema.TypeStrategy:   {"Cumulative", "EWC", "LwF", "Naive", "Replay", "SynapticIntelligence"},
		schema.TypeExperiment: {"Experiment"},
		schema.TypeDataRepo:   {"DataRepository"},
		schema.TypeDeployment: {"ExperimentExport", "PretrainedExport"},
	}

	for rtype, want := range cases {
		names := BuildNames(rtype)
		sort.Strings(names)
		if len(names) != len(want) {
			t.Fatalf("%v: got %v, want %v", rtype, names, want)
		}
		for i := range names {
			if names[i] != want[i] {
				t.Fatalf("%v: got %v, want %v", rtype, names, want)
			}
		}
	}
}

func TestNewDecodesConfig(t *testing.T) {
	config, err := New(schema.TypeBenchmark, "SplitMNIST", []byte(`{"n_experiences": 5, "seed": 3}`))
	if err != nil {
		t.Fatal(err)
	}

	split, ok := config.(*SplitMNISTConfig)
	if !ok {
		t.Fatalf("unexpected config type %T", config)
	}
	if split.NExperiences != 5 || split.Seed != 3 {
		t.Fatalf("decoded config %+v", split)
	}
}

func TestNewRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		desc   string
		rtype  string
		name   string
		params string
	}{
		{"unknown type", "widget", "SplitMNIST", `{}`},
		{"unknown build name", schema.TypeBenchmark, "NoSuchBenchmark", `{}`},
		{"unknown field", schema.TypeBenchmark, "SplitMNIST", `{"n_experiences": 5, "bogus": 1}`},
		{"wrong field type", schema.TypeBenchmark, "SplitMNIST", `{"n_experiences": "five"}`},
	}

	for _, c := range cases {
		_, err := New(c.rtype, c.name, []byte(c.params))
		if !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%v: expected ErrInvalidConfig, got %v", c.desc, err)
		}
	}
}

func TestValidationTaxonomy(t *testing.T) {
	// Missing required field.
	config, err := New(schema.TypeBenchmark, "SplitMNIST", []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := config.Validate(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing required field should fail validation, got %v", err)
	}

	// Value outside the allowed set.
	config, err = New(schema.TypeDeployment, "PretrainedExport", []byte(
		`{"path": "p", "arch": "ResNet50", "input_size": 8, "num_classes": 2}`,
	))
	if err != nil {
		t.Fatal(err)
	}
	if err := config.Validate(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("invalid enum value should fail validation, got %v", err)
	}
}

func TestMetricSetRequiresAScope(t *testing.T) {
	config, err := New(schema.TypeMetricSet, "StandardMetricSet", []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := config.Validate(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("metric set with no enabled scopes should fail, got %v", err)
	}

	config, err = New(schema.TypeMetricSet, "StandardMetricSet", []byte(
		`{"accuracy": {"experience": true}}`,
	))
	if err != nil {
		t.Fatal(err)
	}
	if err := config.Validate(nil); err != nil {
		t.Fatal(err)
	}
}

func TestReferences(t *testing.T) {
	config, err := New(schema.TypeStrategy, "Naive", []byte(
		`{"model": "m", "optimizer": "o", "criterion": "c", "metricset": "ms", "train_mb_size": 8, "train_epochs": 1}`,
	))
	if err != nil {
		t.Fatal(err)
	}

	refs := config.References()
	want := []Reference{
		{Type: schema.TypeModel, Name: "m"},
		{Type: schema.TypeOptimizer, Name: "o"},
		{Type: schema.TypeCriterion, Name: "c"},
		{Type: schema.TypeMetricSet, Name: "ms"},
	}
	if len(refs) != len(want) {
		t.Fatalf("got refs %v, want %v", refs, want)
	}
	for i := range refs {
		if refs[i] != want[i] {
			t.Fatalf("got refs %v, want %v", refs, want)
		}
	}
}

func TestNewTransform(t *testing.T) {
	transform, err := NewTransform([]byte(`{"name": "ToTensor"}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := transform.(runtime.ToTensor); !ok {
		t.Fatalf("unexpected transform type %T", transform)
	}

	transform, err = NewTransform([]byte(
		`{"name": "Compose", "transforms": [{"name": "ToTensor"}, {"name": "Normalize", "mean": [0.5], "std": [0.5]}]}`,
	))
	if err != nil {
		t.Fatal(err)
	}
	composed, ok := transform.(runtime.Compose)
	if !ok || len(composed.Transforms) != 2 {
		t.Fatalf("unexpected composed transform %v", transform)
	}
}

func TestNewTransformRejectsBadConfigs(t *testing.T) {
	cases := []string{
		`{"size": 3}`,
		`{"name": "NoSuchTransform"}`,
		`{"name": "ToTensor", "bogus": 1}`,
		`{"name": "Normalize", "mean": [1]}`,
		`{"name": "Normalize", "mean": [1], "std": [0]}`,
		`{"name": "CenterCrop"}`,
		`{"name": "RandomHorizontalFlip", "p": 2}`,
		`{"name": "Compose", "transforms": []}`,
	}

	for _, params := range cases {
		if _, err := NewTransform([]byte(params)); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%v: expected ErrInvalidConfig, got %v", params, err)
		}
	}
}

func TestStockTransforms(t *testing.T) {
	for _, name := range []string{"TrainMNIST", "EvalMNIST", "TrainCIFAR10", "EvalCIFAR10"} {
		transform, err := NewTransform([]byte(`{"name": "` + name + `"}`))
		if err != nil {
			t.Fatalf("%v: %v", name, err)
		}
		if _, ok := transform.(runtime.Compose); !ok {
			t.Fatalf("%v: expected a composed pipeline, got %T", name, transform)
		}
	}
}
