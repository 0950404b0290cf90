package runtime

import (
	"context"
	"strings"
	"testing"

	"claas/hub/storage"
)

func TestRunExecute(t *testing.T) {
	store := storage.NewSharedDisk(t.TempDir())

	logger, err := NewCsvLogger(store, "logs")
	if err != nil {
		t.Fatal(err)
	}

	b := testBenchmark(t)
	run := &Run{
		Kind:      RunTraining,
		Strategy:  testStrategy(StrategyNaive, b),
		Benchmark: b,
		Logger:    logger,
	}

	payload, err := run.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if payload["run_config"] != RunTraining || payload["strategy"] != StrategyNaive {
		t.Fatalf("unexpected payload metadata: %v", payload)
	}
	results, ok := payload["experiences"].([]experienceResult)
	if !ok || len(results) != len(b.TestStream) {
		t.Fatalf("expected %d experience results, got %v", len(b.TestStream), payload["experiences"])
	}

	stream, ok := payload["stream"].(map[string]any)
	if !ok {
		t.Fatalf("missing stream summary: %v", payload)
	}
	if acc := stream["accuracy"].(float64); acc < 0 || acc > 1 {
		t.Fatalf("stream accuracy out of range: %v", acc)
	}

	// 2 experiences, 3 epochs each, plus the header.
	training, err := store.ReadRange("logs/"+storage.TrainingCsvFile, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(training)), "\n")
	if len(lines) != 7 {
		t.Fatalf("expected 7 training log lines, got %d", len(lines))
	}
	if !strings.HasPrefix(lines[0], "training_exp, epoch") {
		t.Fatalf("bad training header %q", lines[0])
	}

	// One eval row per test experience after each training step.
	eval, err := store.ReadRange("logs/"+storage.EvalCsvFile, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	lines = strings.Split(strings.TrimSpace(string(eval)), "\n")
	if len(lines) != 5 {
		t.Fatalf("expected 5 eval log lines, got %d", len(lines))
	}
}

func TestRunJointTraining(t *testing.T) {
	store := storage.NewSharedDisk(t.TempDir())

	logger, err := NewCsvLogger(store, "logs")
	if err != nil {
		t.Fatal(err)
	}

	b := testBenchmark(t)
	run := &Run{
		Kind:      RunJointTraining,
		Strategy:  testStrategy(StrategyNaive, b),
		Benchmark: b,
		Logger:    logger,
	}

	payload, err := run.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// Joint training collapses the stream into one training step.
	training, err := store.ReadRange("logs/"+storage.TrainingCsvFile, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(training)), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 training log lines, got %d", len(lines))
	}

	stream := payload["stream"].(map[string]any)
	// Training jointly on all classes should learn the separable clusters.
	if acc := stream["accuracy"].(float64); acc < 0.9 {
		t.Fatalf("joint training should reach high accuracy, got %v", acc)
	}
}

func TestRunRejectsUnknownKind(t *testing.T) {
	b := testBenchmark(t)
	run := &Run{Kind: "Bogus", Strategy: testStrategy(StrategyNaive, b), Benchmark: b}
	if _, err := run.Execute(context.Background()); err == nil {
		t.Fatal("unknown run kind should fail")
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	store := storage.NewSharedDisk(t.TempDir())

	logger, err := NewCsvLogger(store, "logs")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := testBenchmark(t)
	run := &Run{
		Kind:      RunTraining,
		Strategy:  testStrategy(StrategyNaive, b),
		Benchmark: b,
		Logger:    logger,
	}
	if _, err := run.Execute(ctx); err == nil {
		t.Fatal("cancelled run should fail")
	}
}
