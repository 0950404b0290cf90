package registry

import (
	"fmt"

	"claas/hub/runtime"
	"claas/hub/schema"
)

func init() {
	register(schema.TypeDataRepo, "DataRepository", func() BuildConfig { return &DataRepositoryConfig{} })
}

// DataRepositoryConfig has no parameters: the repository's content is its
// uploaded files, managed through the data endpoints after creation.
type DataRepositoryConfig struct{}

func (c *DataRepositoryConfig) Validate(ctx *BuildContext) error { return nil }
func (c *DataRepositoryConfig) References() []Reference          { return nil }
func (c *DataRepositoryConfig) MutableFields() []string          { return nil }

// Build returns the labelled file listing of the repository.
func (c *DataRepositoryConfig) Build(ctx *BuildContext) (any, error) {
	self := ctx.Self()

	res, err := schema.GetResource(ctx.Ws.Id, schema.TypeDataRepo, self.Name, ctx.Db)
	if err != nil {
		return nil, err
	}

	var repoFiles []schema.RepoFile
	result := ctx.Db.Order("path").Find(&repoFiles, "repo_id = ?", res.Id)
	if result.Error != nil {
		return nil, fmt.Errorf("error listing repository files: %w", result.Error)
	}

	files := make([]runtime.LabelledFile, 0, len(repoFiles))
	for _, f := range repoFiles {
		files = append(files, runtime.LabelledFile{
			Path:  schema.UnescapeRepoKey(f.Path),
			Label: f.Label,
		})
	}
	return files, nil
}
