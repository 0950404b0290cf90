package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	TypeBenchmark  = "benchmark"
	TypeModel      = "model"
	TypeOptimizer  = "optimizer"
	TypeCriterion  = "criterion"
	TypeMetricSet  = "metricset"
	TypeStrategy   = "strategy"
	TypeExperiment = "experiment"
	TypeDataRepo   = "datarepo"
	TypeDeployment = "deployment"
)

// ResourceTypes lists every resource type in workspace deletion order: a type
// is always freed before the types it may reference.
var ResourceTypes = []string{
	TypeExperiment, TypeDeployment, TypeStrategy, TypeMetricSet,
	TypeCriterion, TypeOptimizer, TypeModel, TypeBenchmark, TypeDataRepo,
}

const (
	WorkspaceOpen   = "OPEN"
	WorkspaceClosed = "CLOSED"
)

// Experiment lifecycle. ENDED is terminal for a single run, but setup moves an
// ENDED experiment back to READY so the next run can be scheduled.
const (
	ExpCreated = "CREATED"
	ExpReady   = "READY"
	ExpRunning = "RUNNING"
	ExpEnded   = "ENDED"
)

type User struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Username string `gorm:"unique;size:50;not null"`
	Email    string `gorm:"unique;size:254;not null"`
	Password []byte

	IsAdmin bool `gorm:"not null;default:false"`

	RdLocks int  `gorm:"not null;default:0"`
	WrLock  bool `gorm:"not null;default:false"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Workspaces []Workspace `gorm:"constraint:OnDelete:CASCADE"`
}

type Workspace struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name   string    `gorm:"size:100;not null;uniqueIndex:idx_workspace_owner_name"`
	UserId uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_workspace_owner_name"`
	User   *User

	Status string `gorm:"size:20;not null;default:'OPEN'"`

	RdLocks int  `gorm:"not null;default:0"`
	WrLock  bool `gorm:"not null;default:false"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Resources []ResourceConfig `gorm:"foreignKey:WorkspaceId;constraint:OnDelete:CASCADE"`
}

// ResourceConfig is the single persisted shape for every resource kind. The
// embedded build config lives in BuildParams as JSON keyed by BuildName; the
// experiment columns are only populated for rows with Type = experiment.
type ResourceConfig struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name string `gorm:"size:100;not null;uniqueIndex:idx_resource_urn"`
	Type string `gorm:"size:50;not null;uniqueIndex:idx_resource_urn"`

	Urn string `gorm:"unique;size:400;not null"`

	Description string `gorm:"size:500"`

	UserId      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_resource_urn"`
	User        *User
	WorkspaceId uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_resource_urn"`
	Workspace   *Workspace

	BuildName   string `gorm:"size:100;not null"`
	BuildParams string `gorm:"not null"`

	RdLocks int  `gorm:"not null;default:0"`
	WrLock  bool `gorm:"not null;default:false"`

	Status        string `gorm:"size:20"`
	CurrentExecId int    `gorm:"not null;default:0"`

	Executions []Execution `gorm:"foreignKey:ExperimentId;constraint:OnDelete:CASCADE"`
	RepoFiles  []RepoFile  `gorm:"foreignKey:RepoId;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Execution is append-only: rows are inserted when a run starts and receive
// their status exactly once when the run completes.
type Execution struct {
	ExperimentId uuid.UUID `gorm:"type:uuid;primaryKey"`
	ExecId       int       `gorm:"primaryKey"`

	Started   bool `gorm:"not null;default:false"`
	Completed bool `gorm:"not null;default:false"`

	// StatusCode is 0 for a successful run, otherwise the HTTP status code
	// describing the failure.
	StatusCode int    `gorm:"not null;default:0"`
	Payload    string
	SubDir     string `gorm:"size:500"`

	StartedAt   time.Time
	CompletedAt *time.Time
}

// RepoFile maps a file inside a data repository to its class label. Path is
// stored with the separator escaped (see EscapeRepoKey).
type RepoFile struct {
	RepoId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Path   string    `gorm:"size:500;primaryKey"`
	Label  string    `gorm:"size:200"`
}

type JobLog struct {
	Id           uuid.UUID `gorm:"type:uuid;primaryKey"`
	ExperimentId uuid.UUID `gorm:"type:uuid;index"`
	Level        string    `gorm:"size:50;not null"`
	Message      string
	CreatedAt    time.Time
}

// Urn builds the canonical identifier type:user:workspace:name.
func Urn(rtype, username, workspace, name string) string {
	return fmt.Sprintf("%v:%v:%v:%v", rtype, username, workspace, name)
}

func ExecutionUrn(expUrn string, execId int) string {
	return fmt.Sprintf("%v:%d", expUrn, execId)
}

const repoKeyEscape = "\\"

// EscapeRepoKey replaces path separators so relative paths can be used as
// map keys in the backing store; UnescapeRepoKey restores them on read.
func EscapeRepoKey(path string) string {
	return strings.ReplaceAll(path, "/", repoKeyEscape)
}

func UnescapeRepoKey(key string) string {
	return strings.ReplaceAll(key, repoKeyEscape, "/")
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// RepoKeyPrefixPattern builds a LIKE pattern matching every key under the
// given folder. Escaped keys contain backslashes, which postgres treats as
// the LIKE escape character, so queries using this pattern must pair it with
// ESCAPE '\'.
func RepoKeyPrefixPattern(folder string) string {
	return likeEscaper.Replace(EscapeRepoKey(folder+"/")) + "%"
}
