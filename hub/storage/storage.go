package storage

import (
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

type UsageStats struct {
	TotalBytes uint64
	FreeBytes  uint64
}

// Storage is the filesystem adapter shared by every request. It joins paths
// under a single configured root and never sees a user identity: callers
// prepend the users/<u>/workspaces/<w>/... prefix themselves.
type Storage interface {
	Read(path string) (io.ReadCloser, error)

	// ReadRange reads at most limit bytes from the start of the file.
	ReadRange(path string, limit int64) ([]byte, error)

	Write(path string, data io.Reader) error

	CreateDir(path string) error

	Append(path string, data io.Reader) error

	Delete(path string) error

	List(path string) ([]string, error)

	Exists(path string) (bool, error)

	// Move relocates a subtree. Moving a directory into itself is refused
	// before the filesystem is touched.
	Move(src, dst string) error

	// Rename changes the last path segment in place.
	Rename(path, newName string) error

	// Unzip extracts an archive into dest (via a sandboxed tmp dir) and
	// returns the relative paths of the extracted files.
	Unzip(path, dest string) ([]string, error)

	Zip(path string) error

	Size(path string) (int64, error)

	Usage() (UsageStats, error)

	// SaveModel writes a serialized model blob atomically (write then rename)
	// so a reader never observes a partially written model.
	SaveModel(path string, data io.Reader) error

	Location() string
}

// IsSubpath reports whether sub lies under base. With strict set, base itself
// does not count as its own subpath. Both paths are interpreted as relative,
// slash-separated storage paths.
func IsSubpath(base, sub string, strict bool) bool {
	base = filepath.Clean(base)
	sub = filepath.Clean(sub)
	if base == sub {
		return !strict
	}
	return strings.HasPrefix(sub, base+string(filepath.Separator))
}

const (
	TrainingCsvFile = "training_results.csv"
	EvalCsvFile     = "eval_results.csv"
	ModelFile       = "model.pt"
)

func UserPath(username string) string {
	return filepath.Join("users", username)
}

func WorkspacePath(username, workspace string) string {
	return filepath.Join(UserPath(username), "workspaces", workspace)
}

func DataRepoPath(username, workspace string, repoId uuid.UUID) string {
	return filepath.Join(WorkspacePath(username, workspace), "data", "DataRepository_"+repoId.String())
}

func ExperimentPath(username, workspace string, experimentId uuid.UUID) string {
	return filepath.Join(WorkspacePath(username, workspace), "experiments", "Experiment_"+experimentId.String())
}

func ExecutionPath(username, workspace string, experimentId uuid.UUID, execId int) string {
	return filepath.Join(ExperimentPath(username, workspace, experimentId), strconv.Itoa(execId))
}

func ExecutionLogsPath(username, workspace string, experimentId uuid.UUID, execId int) string {
	return filepath.Join(ExecutionPath(username, workspace, experimentId, execId), "logs")
}

func ExecutionModelPath(username, workspace string, experimentId uuid.UUID, execId int) string {
	return filepath.Join(ExecutionPath(username, workspace, experimentId, execId), ModelFile)
}

func ModelTreePath(username, workspace string) string {
	return filepath.Join(WorkspacePath(username, workspace), "models")
}

func DeployedModelPath(username, workspace, path, name string) string {
	return filepath.Join(ModelTreePath(username, workspace), filepath.Clean("/"+path), name+".pt")
}
