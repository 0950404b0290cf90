package runtime

import (
	"fmt"
	"math/rand"
)

// Experience is one step of a continual learning stream: a labelled dataset
// to train or evaluate on.
type Experience struct {
	Samples [][]float64
	Labels  []int

	// Classes present in this experience, in stream order.
	Classes []int
}

// Benchmark is a sequence of training and evaluation experiences forming a
// continual learning scenario.
type Benchmark struct {
	Name       string
	Meta       Meta
	InputSize  int
	NumClasses int

	TrainStream []Experience
	TestStream  []Experience
}

// JoinStream concatenates a stream into a single experience, used by the
// joint training run config.
func JoinStream(stream []Experience) Experience {
	joined := Experience{}
	for _, exp := range stream {
		joined.Samples = append(joined.Samples, exp.Samples...)
		joined.Labels = append(joined.Labels, exp.Labels...)
		joined.Classes = append(joined.Classes, exp.Classes...)
	}
	return joined
}

// Synthetic benchmark generation. The tensor runtime backing the original
// torch datasets is out of scope, so the stock benchmarks generate
// deterministic per-class Gaussian clusters with the same shapes and class
// splits as their namesakes. Training on them behaves like training on any
// separable dataset, which is what the orchestration layer needs.

func gaussianClassSample(rng *rand.Rand, class, inputSize int) []float64 {
	centerRng := rand.New(rand.NewSource(int64(class)*7919 + 13))
	sample := make([]float64, inputSize)
	for i := range sample {
		center := centerRng.NormFloat64()
		sample[i] = center + rng.NormFloat64()*0.3
	}
	return sample
}

func classExperience(rng *rand.Rand, classes []int, inputSize, perClass int) Experience {
	exp := Experience{Classes: append([]int(nil), classes...)}
	for _, class := range classes {
		for i := 0; i < perClass; i++ {
			exp.Samples = append(exp.Samples, gaussianClassSample(rng, class, inputSize))
			exp.Labels = append(exp.Labels, class)
		}
	}
	return exp
}

// NewSplitBenchmark partitions numClasses classes across nExperiences
// experiences (the SplitMNIST / SplitCIFAR10 family).
func NewSplitBenchmark(name string, nExperiences, numClasses, inputSize, trainPerClass, testPerClass int, seed int64) (*Benchmark, error) {
	if nExperiences <= 0 || numClasses%nExperiences != 0 {
		return nil, fmt.Errorf("cannot split %d classes into %d experiences", numClasses, nExperiences)
	}

	rng := rand.New(rand.NewSource(seed))
	perExp := numClasses / nExperiences

	b := &Benchmark{Name: name, InputSize: inputSize, NumClasses: numClasses}

	for i := 0; i < nExperiences; i++ {
		classes := make([]int, 0, perExp)
		for c := i * perExp; c < (i+1)*perExp; c++ {
			classes = append(classes, c)
		}
		b.TrainStream = append(b.TrainStream, classExperience(rng, classes, inputSize, trainPerClass))
		b.TestStream = append(b.TestStream, classExperience(rng, classes, inputSize, testPerClass))
	}

	return b, nil
}

// NewPermutedBenchmark repeats all classes in every experience under a fixed
// per-experience feature permutation (the PermutedMNIST family).
func NewPermutedBenchmark(name string, nExperiences, numClasses, inputSize, trainPerClass, testPerClass int, seed int64) (*Benchmark, error) {
	if nExperiences <= 0 {
		return nil, fmt.Errorf("benchmark requires at least one experience, got %d", nExperiences)
	}

	rng := rand.New(rand.NewSource(seed))

	allClasses := make([]int, numClasses)
	for c := range allClasses {
		allClasses[c] = c
	}

	b := &Benchmark{Name: name, InputSize: inputSize, NumClasses: numClasses}

	for i := 0; i < nExperiences; i++ {
		perm := rand.New(rand.NewSource(seed + int64(i))).Perm(inputSize)

		train := classExperience(rng, allClasses, inputSize, trainPerClass)
		test := classExperience(rng, allClasses, inputSize, testPerClass)
		for _, exp := range []*Experience{&train, &test} {
			for s, sample := range exp.Samples {
				permuted := make([]float64, inputSize)
				for j, p := range perm {
					permuted[j] = sample[p]
				}
				exp.Samples[s] = permuted
			}
		}

		b.TrainStream = append(b.TrainStream, train)
		b.TestStream = append(b.TestStream, test)
	}

	return b, nil
}

// LabelledFile is one file of a data-repository-backed benchmark.
type LabelledFile struct {
	Path  string
	Label string
}

// NewRepoBenchmark builds a benchmark from labelled files, loading each file
// through load and assigning class ids to labels in first-seen order. The
// stream is split into nExperiences contiguous chunks of the label set.
func NewRepoBenchmark(name string, files []LabelledFile, nExperiences int, holdout float64, load func(path string) ([]float64, error)) (*Benchmark, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("data repository has no labelled files")
	}

	classIds := map[string]int{}
	byClass := map[int][][]float64{}

	for _, file := range files {
		id, ok := classIds[file.Label]
		if !ok {
			id = len(classIds)
			classIds[file.Label] = id
		}

		sample, err := load(file.Path)
		if err != nil {
			return nil, fmt.Errorf("error loading sample %v: %w", file.Path, err)
		}
		byClass[id] = append(byClass[id], sample)
	}

	numClasses := len(classIds)
	if nExperiences <= 0 || nExperiences > numClasses {
		return nil, fmt.Errorf("cannot split %d classes into %d experiences", numClasses, nExperiences)
	}

	inputSize := len(byClass[0][0])
	b := &Benchmark{Name: name, InputSize: inputSize, NumClasses: numClasses}

	perExp := numClasses / nExperiences
	extra := numClasses % nExperiences

	next := 0
	for i := 0; i < nExperiences; i++ {
		count := perExp
		if i < extra {
			count++
		}

		train := Experience{}
		test := Experience{}
		for c := next; c < next+count; c++ {
			train.Classes = append(train.Classes, c)
			test.Classes = append(test.Classes, c)

			samples := byClass[c]
			split := len(samples) - int(float64(len(samples))*holdout)
			if split < 1 {
				split = 1
			}
			for s, sample := range samples {
				if s < split {
					train.Samples = append(train.Samples, sample)
					train.Labels = append(train.Labels, c)
				} else {
					test.Samples = append(test.Samples, sample)
					test.Labels = append(test.Labels, c)
				}
			}
		}
		next += count

		// A class with a single sample contributes it to both streams so
		// evaluation is never empty.
		if len(test.Samples) == 0 {
			test.Samples = train.Samples
			test.Labels = train.Labels
		}

		b.TrainStream = append(b.TrainStream, train)
		b.TestStream = append(b.TestStream, test)
	}

	return b, nil
}
