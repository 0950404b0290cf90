package runtime

import (
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
)

// Meta identifies where a runtime object came from. It is attached when a
// resource config is built and travels with the serialized model.
type Meta struct {
	Name      string
	Urn       string
	Owner     string
	Workspace string
}

// Model is a fully connected classifier with one hidden layer. All registered
// model architectures lower to this shape; the architecture name is retained
// so exported files can report what they were built as.
type Model struct {
	Arch string
	Meta Meta

	InputSize  int
	HiddenSize int
	NumClasses int

	W1 [][]float64
	B1 []float64
	W2 [][]float64
	B2 []float64
}

func NewModel(arch string, inputSize, hiddenSize, numClasses int, seed int64) *Model {
	rng := rand.New(rand.NewSource(seed))

	m := &Model{
		Arch:       arch,
		InputSize:  inputSize,
		HiddenSize: hiddenSize,
		NumClasses: numClasses,
		W1:         make([][]float64, hiddenSize),
		B1:         make([]float64, hiddenSize),
		W2:         make([][]float64, numClasses),
		B2:         make([]float64, numClasses),
	}

	// He initialization keeps gradients stable for relu hidden units.
	scale1 := math.Sqrt(2.0 / float64(inputSize))
	for i := range m.W1 {
		m.W1[i] = make([]float64, inputSize)
		for j := range m.W1[i] {
			m.W1[i][j] = rng.NormFloat64() * scale1
		}
	}

	scale2 := math.Sqrt(2.0 / float64(hiddenSize))
	for i := range m.W2 {
		m.W2[i] = make([]float64, hiddenSize)
		for j := range m.W2[i] {
			m.W2[i][j] = rng.NormFloat64() * scale2
		}
	}

	return m
}

// Forward computes hidden activations and output logits for one sample.
func (m *Model) Forward(x []float64) ([]float64, []float64, error) {
	if len(x) != m.InputSize {
		return nil, nil, fmt.Errorf("model expects input of size %d, got %d", m.InputSize, len(x))
	}

	hidden := make([]float64, m.HiddenSize)
	for i := range hidden {
		sum := m.B1[i]
		for j, v := range x {
			sum += m.W1[i][j] * v
		}
		if sum > 0 {
			hidden[i] = sum
		}
	}

	logits := make([]float64, m.NumClasses)
	for i := range logits {
		sum := m.B2[i]
		for j, v := range hidden {
			sum += m.W2[i][j] * v
		}
		logits[i] = sum
	}

	return hidden, logits, nil
}

func (m *Model) Predict(x []float64) (int, error) {
	_, logits, err := m.Forward(x)
	if err != nil {
		return 0, err
	}
	return Argmax(logits), nil
}

func (m *Model) Clone() *Model {
	clone := &Model{
		Arch:       m.Arch,
		Meta:       m.Meta,
		InputSize:  m.InputSize,
		HiddenSize: m.HiddenSize,
		NumClasses: m.NumClasses,
		B1:         append([]float64(nil), m.B1...),
		B2:         append([]float64(nil), m.B2...),
		W1:         make([][]float64, len(m.W1)),
		W2:         make([][]float64, len(m.W2)),
	}
	for i, row := range m.W1 {
		clone.W1[i] = append([]float64(nil), row...)
	}
	for i, row := range m.W2 {
		clone.W2[i] = append([]float64(nil), row...)
	}
	return clone
}

func Argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

func (m *Model) Save(w io.Writer) error {
	err := gob.NewEncoder(w).Encode(m)
	if err != nil {
		slog.Error("error serializing model", "arch", m.Arch, "error", err)
		return fmt.Errorf("error serializing model: %w", err)
	}
	return nil
}

func LoadModel(r io.Reader) (*Model, error) {
	var m Model
	err := gob.NewDecoder(r).Decode(&m)
	if err != nil {
		slog.Error("error deserializing model", "error", err)
		return nil, fmt.Errorf("error deserializing model: %w", err)
	}
	return &m, nil
}
