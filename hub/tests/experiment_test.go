package tests

import (
	"bytes"
	"net/http"
	"strings"
	"testing"
	"time"

	"claas/hub/runtime"
	"claas/hub/schema"
)

// createExperiment creates the full resource chain for a SplitMNIST run with
// the given strategy build config.
func createExperiment(t *testing.T, client *client, workspace, name string, strategyBuild map[string]interface{}) {
	t.Helper()

	createTrainingStack(t, client, workspace)

	if _, err := client.createResource(workspace, "benchmarks", "bench", map[string]interface{}{
		"name": "SplitMNIST", "n_experiences": 5,
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := client.createResource(workspace, "strategies", "strat", strategyBuild); err != nil {
		t.Fatal(err)
	}

	if _, err := client.createResource(workspace, "experiments", name, map[string]interface{}{
		"name": "Experiment", "strategy": "strat", "benchmark": "bench",
	}); err != nil {
		t.Fatal(err)
	}
}

func naiveStrategy() map[string]interface{} {
	return map[string]interface{}{
		"name":  "Naive",
		"model": "mlp", "optimizer": "sgd", "criterion": "ce", "metricset": "metrics",
		"train_mb_size": 16, "eval_mb_size": 32, "train_epochs": 1,
	}
}

func TestExperimentLifecycle(t *testing.T) {
	env := setupTestEnv(t)

	client, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.createWorkspace("main"); err != nil {
		t.Fatal(err)
	}

	createExperiment(t, &client, "main", "exp", naiveStrategy())

	exp, err := client.getResource("main", "experiments", "exp")
	if err != nil {
		t.Fatal(err)
	}
	if exp.Status != schema.ExpCreated {
		t.Fatalf("new experiment should be %v, got %v", schema.ExpCreated, exp.Status)
	}

	// Starting before setup fails: the experiment is not READY.
	_, err = client.startExperiment("main", "exp")
	if statusOf(err) != http.StatusLocked {
		t.Fatalf("start before setup should fail with 423, got %v", err)
	}

	if err := client.setupExperiment("main", "exp"); err != nil {
		t.Fatal(err)
	}

	// Setup is idempotent on a READY experiment.
	if err := client.setupExperiment("main", "exp"); err != nil {
		t.Fatal(err)
	}

	execId, err := client.startExperiment("main", "exp")
	if err != nil {
		t.Fatal(err)
	}
	if execId != 1 {
		t.Fatalf("first execution should have exec_id 1, got %d", execId)
	}

	status, err := waitForStatus(&client, "main", "exp", schema.ExpEnded, 60*time.Second)
	if err != nil {
		t.Fatalf("experiment did not finish: %v (status %v)", err, status)
	}

	results, err := client.experimentResults("main", "exp")
	if err != nil {
		t.Fatal(err)
	}
	if results["status_code"] != float64(0) {
		t.Fatalf("execution should have succeeded: %v", results)
	}

	payload, ok := results["results"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing results payload: %v", results)
	}
	if payload["strategy"] != runtime.StrategyNaive || payload["run_config"] != runtime.RunTraining {
		t.Fatalf("unexpected payload metadata: %v", payload)
	}
	experiences, ok := payload["experiences"].([]interface{})
	if !ok || len(experiences) != 5 {
		t.Fatalf("expected 5 experience results, got %v", payload["experiences"])
	}
	stream, ok := payload["stream"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing stream metrics: %v", payload)
	}
	if acc, ok := stream["accuracy"].(float64); !ok || acc < 0 || acc > 1 {
		t.Fatalf("invalid stream accuracy: %v", stream)
	}

	// ENDED goes back to READY through setup, and the next run gets exec 2.
	if err := client.setupExperiment("main", "exp"); err != nil {
		t.Fatal(err)
	}
	execId, err = client.startExperiment("main", "exp")
	if err != nil {
		t.Fatal(err)
	}
	if execId != 2 {
		t.Fatalf("second execution should have exec_id 2, got %d", execId)
	}
	if _, err := waitForStatus(&client, "main", "exp", schema.ExpEnded, 60*time.Second); err != nil {
		t.Fatal(err)
	}

	status, err = client.experimentStatus("main", "exp")
	if err != nil {
		t.Fatal(err)
	}
	executions, ok := status["executions"].([]interface{})
	if !ok || len(executions) != 2 {
		t.Fatalf("expected 2 executions, got %v", status["executions"])
	}

	// Each run leaves a start and a completion entry in the history.
	var history struct {
		Logs []struct {
			Level   string `json:"level"`
			Message string `json:"message"`
		} `json:"logs"`
	}
	err = client.Get(client.workspaces("main", "experiments", "exp", "logs")).Do(&history)
	if err != nil {
		t.Fatal(err)
	}
	if len(history.Logs) != 4 {
		t.Fatalf("expected 4 log entries, got %v", history.Logs)
	}
	if history.Logs[0].Level != "info" || history.Logs[0].Message != "execution 1 started" {
		t.Fatalf("unexpected first log entry: %+v", history.Logs[0])
	}
}

func TestExperimentResultFiles(t *testing.T) {
	env := setupTestEnv(t)

	client, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.createWorkspace("main"); err != nil {
		t.Fatal(err)
	}

	createExperiment(t, &client, "main", "exp", naiveStrategy())

	if err := client.setupExperiment("main", "exp"); err != nil {
		t.Fatal(err)
	}
	if _, err := client.startExperiment("main", "exp"); err != nil {
		t.Fatal(err)
	}
	if _, err := waitForStatus(&client, "main", "exp", schema.ExpEnded, 60*time.Second); err != nil {
		t.Fatal(err)
	}

	training, err := client.experimentCsv("main", "exp", "training")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(training)), "\n")
	if lines[0] != "training_exp, epoch, training_accuracy, val_accuracy, training_loss, val_loss" {
		t.Fatalf("unexpected training csv header: %v", lines[0])
	}
	// 5 experiences, 1 epoch each.
	if len(lines) != 6 {
		t.Fatalf("expected 6 training csv lines, got %d", len(lines))
	}

	eval, err := client.experimentCsv("main", "exp", "eval")
	if err != nil {
		t.Fatal(err)
	}
	lines = strings.Split(strings.TrimSpace(string(eval)), "\n")
	if lines[0] != "eval_exp, training_exp, eval_accuracy, eval_loss, forgetting" {
		t.Fatalf("unexpected eval csv header: %v", lines[0])
	}
	// 5 eval experiences after each of 5 training steps.
	if len(lines) != 26 {
		t.Fatalf("expected 26 eval csv lines, got %d", len(lines))
	}

	modelBytes, err := client.experimentModel("main", "exp")
	if err != nil {
		t.Fatal(err)
	}
	model, err := runtime.LoadModel(bytes.NewReader(modelBytes))
	if err != nil {
		t.Fatalf("downloaded model does not decode: %v", err)
	}
	if model.InputSize != 784 || model.NumClasses != 10 {
		t.Fatalf("unexpected model shape %dx%d", model.InputSize, model.NumClasses)
	}
}

func TestExperimentResultsBeforeCompletion(t *testing.T) {
	env := setupTestEnv(t)

	client, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.createWorkspace("main"); err != nil {
		t.Fatal(err)
	}

	createExperiment(t, &client, "main", "exp", naiveStrategy())

	// No executions yet.
	_, err = client.experimentResults("main", "exp")
	if statusOf(err) != http.StatusNotFound {
		t.Fatalf("results without executions should fail with 404, got %v", err)
	}

	if err := client.setupExperiment("main", "exp"); err != nil {
		t.Fatal(err)
	}
	if _, err := client.startExperiment("main", "exp"); err != nil {
		t.Fatal(err)
	}

	// Double start while RUNNING (or racing completion): either the state
	// CAS fails with 423 or the run already ended and start still requires
	// setup, which is also 423.
	_, err = client.startExperiment("main", "exp")
	if statusOf(err) != http.StatusLocked {
		t.Fatalf("start while running should fail with 423, got %v", err)
	}

	if _, err := waitForStatus(&client, "main", "exp", schema.ExpEnded, 60*time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestExperimentStopNotSupported(t *testing.T) {
	env := setupTestEnv(t)

	client, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.createWorkspace("main"); err != nil {
		t.Fatal(err)
	}

	createExperiment(t, &client, "main", "exp", naiveStrategy())

	err = client.Patch(client.workspaces("main", "experiments", "exp")).
		Json(map[string]string{"status": "STOP"}).Do(nil)
	if statusOf(err) != http.StatusNotImplemented {
		t.Fatalf("stop should return 501, got %v", err)
	}
}

func TestJointTrainingRun(t *testing.T) {
	env := setupTestEnv(t)

	client, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.createWorkspace("main"); err != nil {
		t.Fatal(err)
	}

	createTrainingStack(t, &client, "main")
	if _, err := client.createResource("main", "benchmarks", "bench", map[string]interface{}{
		"name": "SplitMNIST", "n_experiences": 5,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := client.createResource("main", "strategies", "strat", naiveStrategy()); err != nil {
		t.Fatal(err)
	}
	if _, err := client.createResource("main", "experiments", "joint", map[string]interface{}{
		"name": "Experiment", "strategy": "strat", "benchmark": "bench",
		"run_config": "joint_training",
	}); err != nil {
		t.Fatal(err)
	}

	if err := client.setupExperiment("main", "joint"); err != nil {
		t.Fatal(err)
	}
	if _, err := client.startExperiment("main", "joint"); err != nil {
		t.Fatal(err)
	}
	if _, err := waitForStatus(&client, "main", "joint", schema.ExpEnded, 60*time.Second); err != nil {
		t.Fatal(err)
	}

	results, err := client.experimentResults("main", "joint")
	if err != nil {
		t.Fatal(err)
	}
	payload := results["results"].(map[string]interface{})
	if payload["run_config"] != runtime.RunJointTraining {
		t.Fatalf("expected joint training payload, got %v", payload)
	}
}

func TestExperimentSettings(t *testing.T) {
	env := setupTestEnv(t)

	client, err := env.newUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.createWorkspace("main"); err != nil {
		t.Fatal(err)
	}

	createExperiment(t, &client, "main", "exp", naiveStrategy())

	var settings map[string]interface{}
	err = client.Get(client.workspaces("main", "experiments", "exp", "settings")).Do(&settings)
	if err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{"experiment", "strategy", "benchmark"} {
		if _, ok := settings[key]; !ok {
			t.Fatalf("settings missing %v: %v", key, settings)
		}
	}
}
