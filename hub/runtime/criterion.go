package runtime

import "math"

// Criterion computes the loss and the gradient of the loss with respect to
// the output logits.
type Criterion interface {
	Loss(logits []float64, label int) (float64, []float64)
	Reference() Meta
}

type CrossEntropyLoss struct {
	Meta Meta
}

func Softmax(logits []float64) []float64 {
	max := logits[0]
	for _, v := range logits {
		if v > max {
			max = v
		}
	}

	probs := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		probs[i] = math.Exp(v - max)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

func (c *CrossEntropyLoss) Reference() Meta { return c.Meta }

func (c *CrossEntropyLoss) Loss(logits []float64, label int) (float64, []float64) {
	probs := Softmax(logits)

	loss := -math.Log(math.Max(probs[label], 1e-12))

	dLogits := probs
	dLogits[label] -= 1

	return loss, dLogits
}
