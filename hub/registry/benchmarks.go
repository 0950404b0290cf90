package registry

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"claas/hub/runtime"
	"claas/hub/schema"
	"claas/hub/storage"
)

func init() {
	register(schema.TypeBenchmark, "SplitMNIST", func() BuildConfig { return &SplitMNISTConfig{} })
	register(schema.TypeBenchmark, "PermutedMNIST", func() BuildConfig { return &PermutedMNISTConfig{} })
	register(schema.TypeBenchmark, "SplitCIFAR10", func() BuildConfig { return &SplitCIFAR10Config{} })
	register(schema.TypeBenchmark, "FromDataRepository", func() BuildConfig { return &RepoBenchmarkConfig{} })
}

// Samples generated per class for the stock benchmarks. The counts are kept
// small so an experiment on the synthetic sets completes in seconds.
const (
	stockTrainPerClass = 64
	stockTestPerClass  = 16
)

type SplitMNISTConfig struct {
	NExperiences int   `json:"n_experiences" validate:"required,min=1,max=10"`
	Seed         int64 `json:"seed"`
}

func (c *SplitMNISTConfig) Validate(ctx *BuildContext) error {
	if err := checkStruct(c); err != nil {
		return err
	}
	if 10%c.NExperiences != 0 {
		return invalidf("n_experiences must divide 10, got %d", c.NExperiences)
	}
	return nil
}

func (c *SplitMNISTConfig) References() []Reference { return nil }
func (c *SplitMNISTConfig) MutableFields() []string { return []string{"seed"} }

func (c *SplitMNISTConfig) Build(ctx *BuildContext) (any, error) {
	b, err := runtime.NewSplitBenchmark("SplitMNIST", c.NExperiences, 10, 28*28, stockTrainPerClass, stockTestPerClass, c.Seed)
	if err != nil {
		return nil, invalidf("%v", err)
	}
	b.Meta = ctx.Self()
	return b, nil
}

type PermutedMNISTConfig struct {
	NExperiences int   `json:"n_experiences" validate:"required,min=1,max=50"`
	Seed         int64 `json:"seed"`
}

func (c *PermutedMNISTConfig) Validate(ctx *BuildContext) error { return checkStruct(c) }
func (c *PermutedMNISTConfig) References() []Reference          { return nil }
func (c *PermutedMNISTConfig) MutableFields() []string          { return []string{"seed"} }

func (c *PermutedMNISTConfig) Build(ctx *BuildContext) (any, error) {
	b, err := runtime.NewPermutedBenchmark("PermutedMNIST", c.NExperiences, 10, 28*28, stockTrainPerClass, stockTestPerClass, c.Seed)
	if err != nil {
		return nil, invalidf("%v", err)
	}
	b.Meta = ctx.Self()
	return b, nil
}

type SplitCIFAR10Config struct {
	NExperiences int   `json:"n_experiences" validate:"required,min=1,max=10"`
	Seed         int64 `json:"seed"`
}

func (c *SplitCIFAR10Config) Validate(ctx *BuildContext) error {
	if err := checkStruct(c); err != nil {
		return err
	}
	if 10%c.NExperiences != 0 {
		return invalidf("n_experiences must divide 10, got %d", c.NExperiences)
	}
	return nil
}

func (c *SplitCIFAR10Config) References() []Reference { return nil }
func (c *SplitCIFAR10Config) MutableFields() []string { return []string{"seed"} }

func (c *SplitCIFAR10Config) Build(ctx *BuildContext) (any, error) {
	b, err := runtime.NewSplitBenchmark("SplitCIFAR10", c.NExperiences, 10, 3*32*32, stockTrainPerClass, stockTestPerClass, c.Seed)
	if err != nil {
		return nil, invalidf("%v", err)
	}
	b.Meta = ctx.Self()
	return b, nil
}

// RepoBenchmarkConfig builds a stream from the labelled files of a data
// repository. Labels are assigned class ids in first-seen order and the label
// set is split into contiguous per-experience chunks.
type RepoBenchmarkConfig struct {
	DataRepository string  `json:"data_repository" validate:"required"`
	NExperiences   int     `json:"n_experiences" validate:"required,min=1"`
	Holdout        float64 `json:"holdout" validate:"min=0,max=0.9"`
	Channels       int     `json:"channels" validate:"omitempty,oneof=1 3"`

	// Transform is an embedded transform config ({"name": ..., ...})
	// applied to every decoded file.
	Transform json.RawMessage `json:"transform"`
}

func (c *RepoBenchmarkConfig) Validate(ctx *BuildContext) error {
	if err := checkStruct(c); err != nil {
		return err
	}
	if len(c.Transform) > 0 {
		if _, err := NewTransform(c.Transform); err != nil {
			return err
		}
	}
	return nil
}

func (c *RepoBenchmarkConfig) References() []Reference {
	return []Reference{{Type: schema.TypeDataRepo, Name: c.DataRepository}}
}

func (c *RepoBenchmarkConfig) MutableFields() []string {
	return []string{"n_experiences", "holdout", "transform"}
}

func (c *RepoBenchmarkConfig) Build(ctx *BuildContext) (any, error) {
	repo, err := ctx.Resolve(Reference{Type: schema.TypeDataRepo, Name: c.DataRepository})
	if err != nil {
		return nil, err
	}

	var transform runtime.Transform
	if len(c.Transform) > 0 {
		transform, err = NewTransform(c.Transform)
		if err != nil {
			return nil, err
		}
	}

	channels := c.Channels
	if channels == 0 {
		channels = 1
	}

	var repoFiles []schema.RepoFile
	result := ctx.Db.Order("path").Find(&repoFiles, "repo_id = ?", repo.Id)
	if result.Error != nil {
		return nil, fmt.Errorf("error listing repository files: %w", result.Error)
	}

	repoRoot := storage.DataRepoPath(ctx.User.Username, ctx.Ws.Name, repo.Id)

	files := make([]runtime.LabelledFile, 0, len(repoFiles))
	for _, f := range repoFiles {
		files = append(files, runtime.LabelledFile{
			Path:  schema.UnescapeRepoKey(f.Path),
			Label: f.Label,
		})
	}

	holdout := c.Holdout
	if holdout == 0 {
		holdout = 0.2
	}

	b, err := runtime.NewRepoBenchmark(c.DataRepository, files, c.NExperiences, holdout, func(path string) ([]float64, error) {
		r, err := ctx.Store.Read(filepath.Join(repoRoot, path))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return runtime.LoadSample(r, channels, transform)
	})
	if err != nil {
		return nil, invalidf("%v", err)
	}

	b.Meta = ctx.Self()
	return b, nil
}
