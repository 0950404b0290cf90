package runtime

import (
	"fmt"
	"math"
	"math/rand"
)

// Strategy kinds. Each is a different rule for how training on a new
// experience treats data and parameters learned from earlier ones.
const (
	StrategyNaive      = "Naive"
	StrategyCumulative = "Cumulative"
	StrategyReplay     = "Replay"
	StrategyLwF        = "LwF"
	StrategyEWC        = "EWC"
	StrategySI         = "SynapticIntelligence"
	StrategyJoint      = "JointTraining"
)

type sample struct {
	x     []float64
	label int
}

// Strategy bundles the model, optimizer, criterion and metric selection into
// a continual learning algorithm.
type Strategy struct {
	Kind string
	Meta Meta

	Model     *Model
	Optimizer Optimizer
	Criterion Criterion
	Metrics   *MetricSet

	TrainMbSize int
	EvalMbSize  int
	TrainEpochs int

	// Replay
	MemSize int
	memory  []sample

	// LwF
	Alpha       float64
	Temperature float64
	prevModel   *Model

	// EWC / SynapticIntelligence
	Lambda float64
	Eps    float64

	importance *Gradients
	anchor     *Model
	pathAccum  *Gradients

	// Cumulative
	seen []sample

	rng *rand.Rand
}

func (s *Strategy) ensureState() {
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(42))
	}
}

// backward accumulates gradients for one sample into g and returns the loss.
func (s *Strategy) backward(x []float64, label int, g *Gradients) (float64, error) {
	hidden, logits, err := s.Model.Forward(x)
	if err != nil {
		return 0, err
	}

	loss, dLogits := s.Criterion.Loss(logits, label)

	if s.Kind == StrategyLwF && s.prevModel != nil {
		distillLoss := s.distill(x, logits, dLogits)
		loss += distillLoss
	}

	for i := range s.Model.W2 {
		for j := range hidden {
			g.W2[i][j] += dLogits[i] * hidden[j]
		}
		g.B2[i] += dLogits[i]
	}

	for j := range hidden {
		if hidden[j] <= 0 {
			continue
		}
		var dHidden float64
		for i := range s.Model.W2 {
			dHidden += dLogits[i] * s.Model.W2[i][j]
		}
		for k := range x {
			g.W1[j][k] += dHidden * x[k]
		}
		g.B1[j] += dHidden
	}

	return loss, nil
}

// distill adds the knowledge distillation term of LwF: the current outputs
// are pulled towards the softened outputs of the model before this
// experience. The gradient contribution is folded into dLogits in place.
func (s *Strategy) distill(x []float64, logits, dLogits []float64) float64 {
	_, prevLogits, err := s.prevModel.Forward(x)
	if err != nil {
		return 0
	}

	temp := s.Temperature
	if temp <= 0 {
		temp = 2
	}

	scaled := make([]float64, len(logits))
	prevScaled := make([]float64, len(prevLogits))
	for i := range logits {
		scaled[i] = logits[i] / temp
		prevScaled[i] = prevLogits[i] / temp
	}

	probs := Softmax(scaled)
	targets := Softmax(prevScaled)

	loss := 0.0
	for i := range probs {
		loss -= targets[i] * math.Log(math.Max(probs[i], 1e-12))
		dLogits[i] += s.Alpha * (probs[i] - targets[i])
	}
	return s.Alpha * loss
}

// penalty adds the quadratic parameter drift penalty of EWC / SI to the
// accumulated gradients and returns the penalty loss term.
func (s *Strategy) penalty(g *Gradients) float64 {
	if s.importance == nil || s.anchor == nil || s.Lambda == 0 {
		return 0
	}

	loss := 0.0
	accum := func(w, anchor, imp, grad []float64) {
		for j := range w {
			drift := w[j] - anchor[j]
			loss += 0.5 * s.Lambda * imp[j] * drift * drift
			grad[j] += s.Lambda * imp[j] * drift
		}
	}

	for i := range s.Model.W1 {
		accum(s.Model.W1[i], s.anchor.W1[i], s.importance.W1[i], g.W1[i])
	}
	accum(s.Model.B1, s.anchor.B1, s.importance.B1, g.B1)
	for i := range s.Model.W2 {
		accum(s.Model.W2[i], s.anchor.W2[i], s.importance.W2[i], g.W2[i])
	}
	accum(s.Model.B2, s.anchor.B2, s.importance.B2, g.B2)

	return loss
}

func (s *Strategy) trainingSet(exp Experience) []sample {
	samples := make([]sample, 0, len(exp.Samples))
	for i := range exp.Samples {
		samples = append(samples, sample{x: exp.Samples[i], label: exp.Labels[i]})
	}

	switch s.Kind {
	case StrategyCumulative:
		s.seen = append(s.seen, samples...)
		samples = append([]sample(nil), s.seen...)
	case StrategyReplay:
		samples = append(samples, s.memory...)
	}

	s.rng.Shuffle(len(samples), func(i, j int) {
		samples[i], samples[j] = samples[j], samples[i]
	})
	return samples
}

// EpochStats captures per-epoch training metrics for the CSV log.
type EpochStats struct {
	Epoch     int
	TrainAcc  float64
	TrainLoss float64
}

// TrainExperience runs the configured number of epochs over one experience
// and performs the strategy's consolidation afterwards.
func (s *Strategy) TrainExperience(exp Experience, onEpoch func(EpochStats)) error {
	s.ensureState()

	if s.Kind == StrategyLwF {
		s.prevModel = s.Model.Clone()
	}
	if s.Kind == StrategySI && s.pathAccum == nil {
		s.pathAccum = NewGradients(s.Model)
	}

	samples := s.trainingSet(exp)
	if len(samples) == 0 {
		return fmt.Errorf("experience has no training samples")
	}

	mbSize := s.TrainMbSize
	if mbSize <= 0 {
		mbSize = 32
	}

	grads := NewGradients(s.Model)

	for epoch := 0; epoch < s.TrainEpochs; epoch++ {
		totalLoss := 0.0
		correct := 0

		for start := 0; start < len(samples); start += mbSize {
			end := min(start+mbSize, len(samples))
			batch := samples[start:end]

			grads.Zero()
			for _, sm := range batch {
				loss, err := s.backward(sm.x, sm.label, grads)
				if err != nil {
					return err
				}
				totalLoss += loss

				pred, err := s.Model.Predict(sm.x)
				if err != nil {
					return err
				}
				if pred == sm.label {
					correct++
				}
			}
			grads.Scale(1 / float64(len(batch)))
			totalLoss += s.penalty(grads)

			var before *Model
			if s.Kind == StrategySI {
				before = s.Model.Clone()
			}

			s.Optimizer.Step(s.Model, grads)

			if s.Kind == StrategySI {
				s.accumulatePath(before, grads)
			}
		}

		if onEpoch != nil {
			onEpoch(EpochStats{
				Epoch:     epoch + 1,
				TrainAcc:  float64(correct) / float64(len(samples)),
				TrainLoss: totalLoss / float64(len(samples)),
			})
		}
	}

	s.consolidate(exp, samples)
	return nil
}

// accumulatePath tracks the per-parameter contribution to loss reduction,
// the running quantity synaptic intelligence consolidates from.
func (s *Strategy) accumulatePath(before *Model, g *Gradients) {
	accum := func(path, grad, prev, cur []float64) {
		for j := range path {
			path[j] += math.Abs(grad[j] * (prev[j] - cur[j]))
		}
	}
	for i := range s.Model.W1 {
		accum(s.pathAccum.W1[i], g.W1[i], before.W1[i], s.Model.W1[i])
	}
	accum(s.pathAccum.B1, g.B1, before.B1, s.Model.B1)
	for i := range s.Model.W2 {
		accum(s.pathAccum.W2[i], g.W2[i], before.W2[i], s.Model.W2[i])
	}
	accum(s.pathAccum.B2, g.B2, before.B2, s.Model.B2)
}

func (s *Strategy) consolidate(exp Experience, samples []sample) {
	switch s.Kind {
	case StrategyReplay:
		for i := range exp.Samples {
			sm := sample{x: exp.Samples[i], label: exp.Labels[i]}
			if len(s.memory) < s.MemSize {
				s.memory = append(s.memory, sm)
			} else if s.MemSize > 0 {
				s.memory[s.rng.Intn(s.MemSize)] = sm
			}
		}

	case StrategyEWC:
		// Fisher estimate: mean squared gradient over the experience.
		fisher := NewGradients(s.Model)
		tmp := NewGradients(s.Model)
		for _, sm := range samples {
			tmp.Zero()
			if _, err := s.backward(sm.x, sm.label, tmp); err != nil {
				continue
			}
			square := func(f, g []float64) {
				for j := range f {
					f[j] += g[j] * g[j]
				}
			}
			for i := range fisher.W1 {
				square(fisher.W1[i], tmp.W1[i])
			}
			square(fisher.B1, tmp.B1)
			for i := range fisher.W2 {
				square(fisher.W2[i], tmp.W2[i])
			}
			square(fisher.B2, tmp.B2)
		}
		fisher.Scale(1 / float64(len(samples)))
		s.importance = fisher
		s.anchor = s.Model.Clone()

	case StrategySI:
		if s.importance == nil {
			s.importance = NewGradients(s.Model)
		}
		eps := s.Eps
		if eps <= 0 {
			eps = 1e-3
		}
		anchor := s.anchor
		if anchor == nil {
			anchor = NewModel(s.Model.Arch, s.Model.InputSize, s.Model.HiddenSize, s.Model.NumClasses, 0)
		}
		merge := func(imp, path, prev, cur []float64) {
			for j := range imp {
				drift := cur[j] - prev[j]
				imp[j] += path[j] / (drift*drift + eps)
				path[j] = 0
			}
		}
		for i := range s.importance.W1 {
			merge(s.importance.W1[i], s.pathAccum.W1[i], anchor.W1[i], s.Model.W1[i])
		}
		merge(s.importance.B1, s.pathAccum.B1, anchor.B1, s.Model.B1)
		for i := range s.importance.W2 {
			merge(s.importance.W2[i], s.pathAccum.W2[i], anchor.W2[i], s.Model.W2[i])
		}
		merge(s.importance.B2, s.pathAccum.B2, anchor.B2, s.Model.B2)
		s.anchor = s.Model.Clone()
	}
}

// EvalStats are the metrics of one evaluation pass over an experience.
type EvalStats struct {
	Accuracy float64
	Loss     float64
}

func (s *Strategy) EvalExperience(exp Experience) (EvalStats, error) {
	if len(exp.Samples) == 0 {
		return EvalStats{}, fmt.Errorf("experience has no evaluation samples")
	}

	correct := 0
	totalLoss := 0.0
	for i, x := range exp.Samples {
		_, logits, err := s.Model.Forward(x)
		if err != nil {
			return EvalStats{}, err
		}
		loss, _ := s.Criterion.Loss(logits, exp.Labels[i])
		totalLoss += loss
		if Argmax(logits) == exp.Labels[i] {
			correct++
		}
	}

	return EvalStats{
		Accuracy: float64(correct) / float64(len(exp.Samples)),
		Loss:     totalLoss / float64(len(exp.Samples)),
	}, nil
}
