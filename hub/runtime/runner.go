package runtime

import (
	"context"
	"fmt"
	"time"
)

// Run config kinds. Training presents the stream one experience at a time;
// joint training concatenates the full stream and fits it in one pass, which
// gives the offline upper bound to compare continual strategies against.
const (
	RunTraining      = "Training"
	RunJointTraining = "JointTraining"
)

// Run executes one experiment: a strategy against a benchmark, logging to the
// execution's CSV files.
type Run struct {
	Kind      string
	Strategy  *Strategy
	Benchmark *Benchmark
	Logger    *CsvLogger
}

// experienceResult is the final evaluation of one test experience, reported
// in the execution payload.
type experienceResult struct {
	EvalExp    int     `json:"eval_exp"`
	Accuracy   float64 `json:"accuracy"`
	Loss       float64 `json:"loss"`
	Forgetting float64 `json:"forgetting"`
}

// Execute drives the run to completion and returns the payload stored on the
// execution row. The context is checked between experiences so a shutdown
// does not strand a half-trained run for hours.
func (r *Run) Execute(ctx context.Context) (map[string]any, error) {
	switch r.Kind {
	case RunTraining, RunJointTraining:
	default:
		return nil, fmt.Errorf("unknown run config %v", r.Kind)
	}

	trainStream := r.Benchmark.TrainStream
	if r.Kind == RunJointTraining {
		trainStream = []Experience{JoinStream(r.Benchmark.TrainStream)}
	}

	started := time.Now()

	// Accuracy on each test experience right after its own training step,
	// used as the reference point for forgetting.
	initialAcc := make(map[int]float64)

	var results []experienceResult

	for trainExp, exp := range trainStream {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("run cancelled: %w", err)
		}

		valExp := r.validationExperience(trainExp)

		var epochErr error
		err := r.Strategy.TrainExperience(exp, func(stats EpochStats) {
			val, err := r.Strategy.EvalExperience(valExp)
			if err != nil {
				epochErr = err
				return
			}
			err = r.Logger.LogTraining(trainExp, stats.Epoch, stats.TrainAcc, val.Accuracy, stats.TrainLoss, val.Loss)
			if err != nil {
				epochErr = err
			}
		})
		if err != nil {
			return nil, fmt.Errorf("error training on experience %d: %w", trainExp, err)
		}
		if epochErr != nil {
			return nil, epochErr
		}

		results, err = r.evalStream(trainExp, initialAcc)
		if err != nil {
			return nil, err
		}
	}

	elapsed := time.Since(started)

	payload := map[string]any{
		"run_config":  r.Kind,
		"strategy":    r.Strategy.Kind,
		"benchmark":   r.Benchmark.Name,
		"experiences": results,
	}

	if len(results) > 0 {
		acc, loss, forgetting := 0.0, 0.0, 0.0
		for _, res := range results {
			acc += res.Accuracy
			loss += res.Loss
			forgetting += res.Forgetting
		}
		n := float64(len(results))
		payload["stream"] = map[string]any{
			"accuracy":   acc / n,
			"loss":       loss / n,
			"forgetting": forgetting / n,
		}
	}

	if r.Strategy.Metrics != nil && r.Strategy.Metrics.Timing.Stream {
		payload["duration_seconds"] = elapsed.Seconds()
	}

	return payload, nil
}

// validationExperience picks the test experience matching the current
// training step. Joint training validates against the joined test stream.
func (r *Run) validationExperience(trainExp int) Experience {
	if r.Kind == RunJointTraining {
		return JoinStream(r.Benchmark.TestStream)
	}
	if trainExp < len(r.Benchmark.TestStream) {
		return r.Benchmark.TestStream[trainExp]
	}
	return JoinStream(r.Benchmark.TestStream)
}

// evalStream evaluates every test experience after training step trainExp and
// logs one eval row per experience.
func (r *Run) evalStream(trainExp int, initialAcc map[int]float64) ([]experienceResult, error) {
	results := make([]experienceResult, 0, len(r.Benchmark.TestStream))

	for evalExp, exp := range r.Benchmark.TestStream {
		stats, err := r.Strategy.EvalExperience(exp)
		if err != nil {
			return nil, fmt.Errorf("error evaluating experience %d: %w", evalExp, err)
		}

		if _, seen := initialAcc[evalExp]; !seen && (evalExp == trainExp || r.Kind == RunJointTraining) {
			initialAcc[evalExp] = stats.Accuracy
		}

		forgetting := 0.0
		if ref, seen := initialAcc[evalExp]; seen {
			forgetting = ref - stats.Accuracy
		}

		err = r.Logger.LogEval(evalExp, trainExp, stats.Accuracy, stats.Loss, forgetting)
		if err != nil {
			return nil, err
		}

		results = append(results, experienceResult{
			EvalExp:    evalExp,
			Accuracy:   stats.Accuracy,
			Loss:       stats.Loss,
			Forgetting: forgetting,
		})
	}

	return results, nil
}
