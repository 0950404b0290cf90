package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"claas/hub/registry"
	"claas/hub/runtime"
	"claas/hub/schema"
	"claas/hub/storage"
	"claas/utils"
	"claas/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// resourceCore is the shared state and logic behind every resource-scoped
// service. The generic resource endpoints, the experiment endpoints and the
// data repository endpoints all go through it.
type resourceCore struct {
	db      *gorm.DB
	storage storage.Storage
}

// resourceTypeFromPath maps the url path segment for each resource type to
// its schema type.
var resourceTypeFromPath = map[string]string{
	"benchmarks":  schema.TypeBenchmark,
	"models":      schema.TypeModel,
	"optimizers":  schema.TypeOptimizer,
	"criterions":  schema.TypeCriterion,
	"metricsets":  schema.TypeMetricSet,
	"strategies":  schema.TypeStrategy,
	"experiments": schema.TypeExperiment,
	"data":        schema.TypeDataRepo,
	"deployments": schema.TypeDeployment,
}

func urlResourceType(r *http.Request) (string, error) {
	segment, err := utils.URLParam(r, "type")
	if err != nil {
		return "", CodedError(err, http.StatusBadRequest)
	}
	rtype, ok := resourceTypeFromPath[segment]
	if !ok {
		return "", CodedError(fmt.Errorf("unknown resource type '%v'", segment), http.StatusNotFound)
	}
	return rtype, nil
}

// scope resolves the {user} and {workspace} url parameters into rows.
func (c *resourceCore) scope(r *http.Request, db *gorm.DB) (schema.User, schema.Workspace, error) {
	username, err := utils.URLParam(r, "user")
	if err != nil {
		return schema.User{}, schema.Workspace{}, CodedError(err, http.StatusBadRequest)
	}
	wsName, err := utils.URLParam(r, "workspace")
	if err != nil {
		return schema.User{}, schema.Workspace{}, CodedError(err, http.StatusBadRequest)
	}

	user, err := schema.GetUserByName(username, db)
	if err != nil {
		return schema.User{}, schema.Workspace{}, err
	}

	ws, err := schema.GetWorkspace(user.Id, wsName, db)
	if err != nil {
		return user, schema.Workspace{}, err
	}

	return user, ws, nil
}

// buildSpec is the embedded build config of a create request: a discriminator
// plus its parameters.
type buildSpec struct {
	Name   string
	Params json.RawMessage
}

func parseBuildSpec(raw json.RawMessage) (buildSpec, error) {
	if len(raw) == 0 {
		return buildSpec{}, CodedError(errors.New("missing required field 'build'"), http.StatusBadRequest)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return buildSpec{}, CodedError(fmt.Errorf("error parsing build config: %v", err), http.StatusBadRequest)
	}

	nameRaw, ok := fields["name"]
	if !ok {
		return buildSpec{}, CodedError(errors.New("build config is missing required field 'name'"), http.StatusBadRequest)
	}
	var name string
	if err := json.Unmarshal(nameRaw, &name); err != nil {
		return buildSpec{}, CodedError(errors.New("build config field 'name' must be a string"), http.StatusBadRequest)
	}
	delete(fields, "name")

	params, err := json.Marshal(fields)
	if err != nil {
		return buildSpec{}, CodedError(errors.New("error encoding build config"), http.StatusInternalServerError)
	}

	return buildSpec{Name: name, Params: params}, nil
}

type createResourceRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Build       json.RawMessage `json:"build"`
}

type ResourceInfo struct {
	Id          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Urn         string          `json:"urn"`
	Description string          `json:"description,omitempty"`
	Build       json.RawMessage `json:"build"`

	Status        string `json:"status,omitempty"`
	CurrentExecId int    `json:"current_exec_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func convertToResourceInfo(res *schema.ResourceConfig) ResourceInfo {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(res.BuildParams), &fields); err != nil {
		fields = map[string]json.RawMessage{}
	}
	nameJson, _ := json.Marshal(res.BuildName)
	fields["name"] = nameJson
	build, _ := json.Marshal(fields)

	return ResourceInfo{
		Id:            res.Id,
		Name:          res.Name,
		Type:          res.Type,
		Urn:           res.Urn,
		Description:   res.Description,
		Build:         build,
		Status:        res.Status,
		CurrentExecId: res.CurrentExecId,
		CreatedAt:     res.CreatedAt,
		UpdatedAt:     res.UpdatedAt,
	}
}

// createResource validates the request, resolves and read-locks every
// referenced parent, write-locks the new document and persists it, all in one
// transaction.
func (c *resourceCore) createResource(w http.ResponseWriter, r *http.Request, rtype string) {
	var params createResourceRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	c.createResourceFromSpec(w, r, rtype, params)
}

func (c *resourceCore) createResourceFromSpec(w http.ResponseWriter, r *http.Request, rtype string, params createResourceRequest) {
	if err := validateName(params.Name); err != nil {
		writeError(w, err)
		return
	}

	spec, err := parseBuildSpec(params.Build)
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("creating resource", "type", rtype, "name", params.Name, "build", spec.Name)

	var info ResourceInfo

	err = c.db.Transaction(func(txn *gorm.DB) error {
		user, ws, err := c.scope(r, txn)
		if err != nil {
			return err
		}

		if err := checkWorkspaceOpen(&ws); err != nil {
			return err
		}
		if err := checkForDuplicateResource(txn, ws.Id, rtype, params.Name); err != nil {
			return err
		}

		locks := schema.NewLockSet(txn)
		defer locks.Release()

		// The workspace is the parent of every resource: creating a child
		// takes a read lock on it, which fails if the workspace is being
		// deleted or renamed.
		if err := locks.SubResourceCreate(ws.LockRef(), false); err != nil {
			return err
		}

		config, err := registry.New(rtype, spec.Name, spec.Params)
		if err != nil {
			return err
		}

		buildCtx := registry.NewBuildContext(txn, c.storage, &user, &ws, locks)
		buildCtx.SetSelf(rtype, params.Name)

		if err := config.Validate(buildCtx); err != nil {
			return err
		}
		if err := buildCtx.ResolveAll(config); err != nil {
			return err
		}

		res := schema.ResourceConfig{
			Id:          uuid.New(),
			Name:        params.Name,
			Type:        rtype,
			Urn:         schema.Urn(rtype, user.Username, ws.Name, params.Name),
			Description: params.Description,
			UserId:      user.Id,
			WorkspaceId: ws.Id,
			BuildName:   spec.Name,
			BuildParams: string(spec.Params),
			WrLock:      true,
		}
		if rtype == schema.TypeExperiment {
			res.Status = schema.ExpCreated
		}

		result := txn.Create(&res)
		if result.Error != nil {
			slog.Error("sql error creating resource", "urn", res.Urn, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		// The row was created holding its own write lock; it is released
		// with the rest of the set.
		locks.AdoptWriteLock(res.LockRef())

		if rtype == schema.TypeDeployment {
			if err := c.runDeployer(buildCtx, config, &res); err != nil {
				return err
			}
		}

		info = convertToResourceInfo(&res)
		return nil
	})

	if err != nil {
		slog.Error("error creating resource", "type", rtype, "name", params.Name, "error", err)
		writeError(w, fmt.Errorf("error creating %v '%v': %w", rtype, params.Name, err))
		return
	}

	resourceCreateMetric.Inc()
	slog.Info("created resource successfully", "urn", info.Urn)

	utils.WriteJsonResponseStatus(w, info, http.StatusCreated)
}

// runDeployer executes a deployment's build config and writes the exported
// model into the workspace model tree.
func (c *resourceCore) runDeployer(buildCtx *registry.BuildContext, config registry.BuildConfig, res *schema.ResourceConfig) error {
	deployer, ok := config.(registry.Deployer)
	if !ok {
		return CodedError(fmt.Errorf("build config '%v' is not a deployer", res.BuildName), http.StatusBadRequest)
	}

	if err := validatePath(deployer.DeployPath()); err != nil {
		return err
	}

	built, err := deployer.Build(buildCtx)
	if err != nil {
		return err
	}

	model, ok := built.(*runtime.Model)
	if !ok {
		return CodedError(fmt.Errorf("deployer '%v' did not produce a model", res.BuildName), http.StatusInternalServerError)
	}

	var buf bytes.Buffer
	if err := model.Save(&buf); err != nil {
		return CodedError(errors.New("error serializing deployed model"), http.StatusInternalServerError)
	}

	path := storage.DeployedModelPath(buildCtx.User.Username, buildCtx.Ws.Name, deployer.DeployPath(), res.Name)
	if err := c.storage.SaveModel(path, &buf); err != nil {
		slog.Error("error writing deployed model", "urn", res.Urn, "path", path, "error", err)
		return CodedError(errors.New("error writing deployed model"), http.StatusInternalServerError)
	}
	slog.Info("deployed model", "urn", res.Urn, "path", path, "code", logging.MODEL_DEPLOY)

	return nil
}

func (c *resourceCore) getResource(r *http.Request, db *gorm.DB, rtype string) (schema.User, schema.Workspace, schema.ResourceConfig, error) {
	user, ws, err := c.scope(r, db)
	if err != nil {
		return user, ws, schema.ResourceConfig{}, err
	}

	name, err := utils.URLParam(r, "name")
	if err != nil {
		return user, ws, schema.ResourceConfig{}, CodedError(err, http.StatusBadRequest)
	}

	res, err := schema.GetResource(ws.Id, rtype, name, db)
	if err != nil {
		return user, ws, res, err
	}

	return user, ws, res, nil
}

func (c *resourceCore) listResources(w http.ResponseWriter, r *http.Request, rtype string) {
	_, ws, err := c.scope(r, c.db)
	if err != nil {
		writeError(w, err)
		return
	}

	resources, err := schema.ListResources(ws.Id, rtype, c.db)
	if err != nil {
		writeError(w, err)
		return
	}

	infos := make([]ResourceInfo, 0, len(resources))
	for i := range resources {
		infos = append(infos, convertToResourceInfo(&resources[i]))
	}
	utils.WriteJsonResponse(w, infos)
}

func (c *resourceCore) getResourceInfo(w http.ResponseWriter, r *http.Request, rtype string) {
	_, _, res, err := c.getResource(r, c.db, rtype)
	if err != nil {
		writeError(w, err)
		return
	}
	utils.WriteJsonResponse(w, convertToResourceInfo(&res))
}

type updateResourceRequest struct {
	Description *string         `json:"description"`
	Build       json.RawMessage `json:"build"`
	NewName     *string         `json:"new_name"`
}

// updateResource merges the request into the stored build config. Only fields
// the build config declares mutable may change; a rename updates the URN in
// the same transaction.
func (c *resourceCore) updateResource(w http.ResponseWriter, r *http.Request, rtype string) {
	var params updateResourceRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	var info ResourceInfo

	err := c.db.Transaction(func(txn *gorm.DB) error {
		user, ws, res, err := c.getResource(r, txn, rtype)
		if err != nil {
			return err
		}

		if err := checkWorkspaceOpen(&ws); err != nil {
			return err
		}

		locks := schema.NewLockSet(txn)
		defer locks.Release()

		if err := locks.WriteLock(res.LockRef()); err != nil {
			return err
		}

		if params.Description != nil {
			res.Description = *params.Description
		}

		if len(params.Build) > 0 {
			merged, err := c.mergeBuildParams(txn, &user, &ws, &res, params.Build, locks)
			if err != nil {
				return err
			}
			res.BuildParams = merged
		}

		if params.NewName != nil && *params.NewName != res.Name {
			if err := validateName(*params.NewName); err != nil {
				return err
			}
			if err := checkForDuplicateResource(txn, ws.Id, rtype, *params.NewName); err != nil {
				return err
			}
			if rtype == schema.TypeDeployment {
				if err := c.moveDeployedModel(&user, &ws, &res, *params.NewName); err != nil {
					return err
				}
			}
			res.Name = *params.NewName
			res.Urn = schema.Urn(rtype, user.Username, ws.Name, res.Name)
		}

		result := txn.Save(&res)
		if result.Error != nil {
			slog.Error("sql error updating resource", "urn", res.Urn, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		info = convertToResourceInfo(&res)
		return nil
	})

	if err != nil {
		writeError(w, fmt.Errorf("error updating %v: %w", rtype, err))
		return
	}

	slog.Info("updated resource successfully", "urn", info.Urn)
	utils.WriteJsonResponse(w, info)
}

// moveDeployedModel renames the exported artifact along with the deployment
// so fetches and deletes under the new name find it. The caller holds the
// resource's write lock.
func (c *resourceCore) moveDeployedModel(user *schema.User, ws *schema.Workspace, res *schema.ResourceConfig, newName string) error {
	config, err := registry.New(res.Type, res.BuildName, []byte(res.BuildParams))
	if err != nil {
		return err
	}
	deployer, ok := config.(registry.Deployer)
	if !ok {
		return nil
	}

	oldPath := storage.DeployedModelPath(user.Username, ws.Name, deployer.DeployPath(), res.Name)
	exists, err := c.storage.Exists(oldPath)
	if err != nil {
		slog.Error("error checking deployed model", "urn", res.Urn, "path", oldPath, "error", err)
		return CodedError(errors.New("error moving deployed model"), http.StatusInternalServerError)
	}
	if !exists {
		return nil
	}

	newPath := storage.DeployedModelPath(user.Username, ws.Name, deployer.DeployPath(), newName)
	if err := c.storage.Move(oldPath, newPath); err != nil {
		slog.Error("error moving deployed model", "urn", res.Urn, "from", oldPath, "to", newPath, "error", err)
		return CodedError(errors.New("error moving deployed model"), http.StatusInternalServerError)
	}

	return nil
}

func (c *resourceCore) mergeBuildParams(txn *gorm.DB, user *schema.User, ws *schema.Workspace, res *schema.ResourceConfig, patch json.RawMessage, locks *schema.LockSet) (string, error) {
	var patchFields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &patchFields); err != nil {
		return "", CodedError(fmt.Errorf("error parsing build config update: %v", err), http.StatusBadRequest)
	}
	delete(patchFields, "name")

	current, err := registry.New(res.Type, res.BuildName, []byte(res.BuildParams))
	if err != nil {
		return "", err
	}

	mutable := map[string]bool{}
	for _, field := range current.MutableFields() {
		mutable[field] = true
	}
	for field := range patchFields {
		if !mutable[field] {
			return "", CodedError(fmt.Errorf("field '%v' of %v config is not mutable", field, res.BuildName), http.StatusBadRequest)
		}
	}

	var stored map[string]json.RawMessage
	if err := json.Unmarshal([]byte(res.BuildParams), &stored); err != nil {
		stored = map[string]json.RawMessage{}
	}
	for field, value := range patchFields {
		stored[field] = value
	}

	merged, err := json.Marshal(stored)
	if err != nil {
		return "", CodedError(errors.New("error encoding build config"), http.StatusInternalServerError)
	}

	config, err := registry.New(res.Type, res.BuildName, merged)
	if err != nil {
		return "", err
	}

	buildCtx := registry.NewBuildContext(txn, c.storage, user, ws, locks)
	buildCtx.SetSelf(res.Type, res.Name)
	if err := config.Validate(buildCtx); err != nil {
		return "", err
	}

	return string(merged), nil
}

// deleteResourceRow removes one resource under the locking protocol. The
// caller's lock set is used so workspace cascades can pass parentLocked.
func (c *resourceCore) deleteResourceRow(txn *gorm.DB, user *schema.User, ws *schema.Workspace, res *schema.ResourceConfig, locks *schema.LockSet, parentLocked bool) error {
	if err := locks.ResourceDelete(res.LockRef(), false); err != nil {
		return err
	}
	if err := locks.SubResourceDelete(ws.LockRef(), parentLocked); err != nil {
		return err
	}

	result := txn.Delete(&schema.ResourceConfig{Id: res.Id})
	if result.Error != nil {
		slog.Error("sql error deleting resource", "urn", res.Urn, "error", result.Error)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}

	// The row is gone, the write lock vanished with it.
	locks.Forget(res.LockRef())

	return c.deleteResourceFiles(user, ws, res)
}

// deleteResourceFiles removes the filesystem subtree owned by a resource.
// Only data repositories, experiments and deployments own files.
func (c *resourceCore) deleteResourceFiles(user *schema.User, ws *schema.Workspace, res *schema.ResourceConfig) error {
	var path string

	switch res.Type {
	case schema.TypeDataRepo:
		path = storage.DataRepoPath(user.Username, ws.Name, res.Id)
	case schema.TypeExperiment:
		path = storage.ExperimentPath(user.Username, ws.Name, res.Id)
	case schema.TypeDeployment:
		config, err := registry.New(res.Type, res.BuildName, []byte(res.BuildParams))
		if err != nil {
			return err
		}
		deployer, ok := config.(registry.Deployer)
		if !ok {
			return nil
		}
		path = storage.DeployedModelPath(user.Username, ws.Name, deployer.DeployPath(), res.Name)
	default:
		return nil
	}

	exists, err := c.storage.Exists(path)
	if err != nil || !exists {
		return nil
	}
	if err := c.storage.Delete(path); err != nil {
		slog.Error("error deleting resource files", "urn", res.Urn, "path", path, "error", err)
		return CodedError(errors.New("error deleting resource files"), http.StatusInternalServerError)
	}
	return nil
}

func (c *resourceCore) deleteResource(w http.ResponseWriter, r *http.Request, rtype string) {
	err := c.db.Transaction(func(txn *gorm.DB) error {
		user, ws, res, err := c.getResource(r, txn, rtype)
		if err != nil {
			return err
		}

		locks := schema.NewLockSet(txn)
		defer locks.Release()

		return c.deleteResourceRow(txn, &user, &ws, &res, locks, false)
	})

	if err != nil {
		writeError(w, fmt.Errorf("error deleting %v: %w", rtype, err))
		return
	}

	utils.WriteSuccess(w)
}

// ResourceService exposes the generic typed CRUD endpoints. The resource type
// comes from the {type} url segment.
type ResourceService struct {
	resourceCore
}

func (s *ResourceService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", s.Create)
	r.Get("/", s.List)

	r.Route("/{name}", func(r chi.Router) {
		r.Get("/", s.Get)
		r.Patch("/", s.Update)
		r.Delete("/", s.Delete)
	})

	return r
}

func (s *ResourceService) Create(w http.ResponseWriter, r *http.Request) {
	rtype, err := urlResourceType(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.createResource(w, r, rtype)
}

func (s *ResourceService) List(w http.ResponseWriter, r *http.Request) {
	rtype, err := urlResourceType(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.listResources(w, r, rtype)
}

func (s *ResourceService) Get(w http.ResponseWriter, r *http.Request) {
	rtype, err := urlResourceType(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.getResourceInfo(w, r, rtype)
}

func (s *ResourceService) Update(w http.ResponseWriter, r *http.Request) {
	rtype, err := urlResourceType(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.updateResource(w, r, rtype)
}

func (s *ResourceService) Delete(w http.ResponseWriter, r *http.Request) {
	rtype, err := urlResourceType(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deleteResource(w, r, rtype)
}
