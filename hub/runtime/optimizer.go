package runtime

import "math"

// Gradients mirrors the parameter layout of Model.
type Gradients struct {
	W1 [][]float64
	B1 []float64
	W2 [][]float64
	B2 []float64
}

func NewGradients(m *Model) *Gradients {
	g := &Gradients{
		W1: make([][]float64, m.HiddenSize),
		B1: make([]float64, m.HiddenSize),
		W2: make([][]float64, m.NumClasses),
		B2: make([]float64, m.NumClasses),
	}
	for i := range g.W1 {
		g.W1[i] = make([]float64, m.InputSize)
	}
	for i := range g.W2 {
		g.W2[i] = make([]float64, m.HiddenSize)
	}
	return g
}

func (g *Gradients) Zero() {
	for i := range g.W1 {
		for j := range g.W1[i] {
			g.W1[i][j] = 0
		}
		g.B1[i] = 0
	}
	for i := range g.W2 {
		for j := range g.W2[i] {
			g.W2[i][j] = 0
		}
		g.B2[i] = 0
	}
}

func (g *Gradients) Scale(factor float64) {
	for i := range g.W1 {
		for j := range g.W1[i] {
			g.W1[i][j] *= factor
		}
		g.B1[i] *= factor
	}
	for i := range g.W2 {
		for j := range g.W2[i] {
			g.W2[i][j] *= factor
		}
		g.B2[i] *= factor
	}
}

// Optimizer applies one accumulated gradient step to the model it was built
// for.
type Optimizer interface {
	Step(m *Model, g *Gradients)
	Reference() Meta
}

type SGD struct {
	Meta         Meta
	LearningRate float64
	Momentum     float64

	velocity *Gradients
}

func NewSGD(lr, momentum float64) *SGD {
	return &SGD{LearningRate: lr, Momentum: momentum}
}

func (o *SGD) Reference() Meta { return o.Meta }

func (o *SGD) Step(m *Model, g *Gradients) {
	if o.velocity == nil {
		o.velocity = NewGradients(m)
	}

	update := func(w []float64, grad []float64, vel []float64) {
		for j := range w {
			vel[j] = o.Momentum*vel[j] + grad[j]
			w[j] -= o.LearningRate * vel[j]
		}
	}

	for i := range m.W1 {
		update(m.W1[i], g.W1[i], o.velocity.W1[i])
	}
	update(m.B1, g.B1, o.velocity.B1)
	for i := range m.W2 {
		update(m.W2[i], g.W2[i], o.velocity.W2[i])
	}
	update(m.B2, g.B2, o.velocity.B2)
}

type Adam struct {
	Meta         Meta
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Eps          float64

	step int
	m    *Gradients
	v    *Gradients
}

func NewAdam(lr, beta1, beta2, eps float64) *Adam {
	return &Adam{LearningRate: lr, Beta1: beta1, Beta2: beta2, Eps: eps}
}

func (o *Adam) Reference() Meta { return o.Meta }

func (o *Adam) Step(model *Model, g *Gradients) {
	if o.m == nil {
		o.m = NewGradients(model)
		o.v = NewGradients(model)
	}
	o.step++

	bias1 := 1 - math.Pow(o.Beta1, float64(o.step))
	bias2 := 1 - math.Pow(o.Beta2, float64(o.step))

	update := func(w []float64, grad []float64, m []float64, v []float64) {
		for j := range w {
			m[j] = o.Beta1*m[j] + (1-o.Beta1)*grad[j]
			v[j] = o.Beta2*v[j] + (1-o.Beta2)*grad[j]*grad[j]
			mHat := m[j] / bias1
			vHat := v[j] / bias2
			w[j] -= o.LearningRate * mHat / (math.Sqrt(vHat) + o.Eps)
		}
	}

	for i := range model.W1 {
		update(model.W1[i], g.W1[i], o.m.W1[i], o.v.W1[i])
	}
	update(model.B1, g.B1, o.m.B1, o.v.B1)
	for i := range model.W2 {
		update(model.W2[i], g.W2[i], o.m.W2[i], o.v.W2[i])
	}
	update(model.B2, g.B2, o.m.B2, o.v.B2)
}
