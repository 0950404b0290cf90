package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"claas/hub/runtime"
	"claas/hub/schema"
	"claas/hub/storage"
)

// ErrInvalidConfig marks every build config validation failure: missing
// required fields, unknown fields, type mismatches, invalid enum values.
// Handlers surface it as a 400.
var ErrInvalidConfig = errors.New("invalid build config")

// ErrUnresolvedReference marks a named reference to a resource that does not
// exist in the workspace.
var ErrUnresolvedReference = errors.New("unresolved resource reference")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %v", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Reference is a named dependency on a sibling resource. References determine
// the lock acquisition order when a config is created or built.
type Reference struct {
	Type string
	Name string
}

// BuildConfig is one registered parameter record. Implementations are plain
// structs decoded from the request body; Build produces the runtime object.
type BuildConfig interface {
	Validate(ctx *BuildContext) error
	References() []Reference
	Build(ctx *BuildContext) (any, error)

	// MutableFields lists the json fields a merge-update may change.
	MutableFields() []string
}

type Factory func() BuildConfig

var factories = map[string]map[string]Factory{}

// register binds a discriminator to its factory for one resource type. All
// registrations happen in init(); the maps are read-only afterwards.
func register(rtype, name string, factory Factory) {
	kind, ok := factories[rtype]
	if !ok {
		kind = map[string]Factory{}
		factories[rtype] = kind
	}
	if _, dup := kind[name]; dup {
		panic(fmt.Sprintf("duplicate build config registration %v/%v", rtype, name))
	}
	kind[name] = factory
}

// BuildNames lists the registered discriminators for a resource type.
func BuildNames(rtype string) []string {
	names := make([]string, 0, len(factories[rtype]))
	for name := range factories[rtype] {
		names = append(names, name)
	}
	return names
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// New decodes params into the build config registered for (rtype, buildName).
// Unknown fields in the payload are rejected.
func New(rtype, buildName string, params []byte) (BuildConfig, error) {
	kind, ok := factories[rtype]
	if !ok {
		return nil, invalidf("unknown resource type '%v'", rtype)
	}
	factory, ok := kind[buildName]
	if !ok {
		return nil, invalidf("unknown %v build config '%v'", rtype, buildName)
	}

	config := factory()

	if len(params) == 0 {
		params = []byte("{}")
	}
	decoder := json.NewDecoder(bytes.NewReader(params))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(config); err != nil {
		return nil, invalidf("error parsing %v config: %v", buildName, err)
	}

	return config, nil
}

// checkStruct runs the validate tags on a config and rewrites the validator
// output into the config error taxonomy.
func checkStruct(config any) error {
	err := validate.Struct(config)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return invalidf("%v", err)
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("missing required field '%v'", fe.Field()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("invalid value for field '%v', must be one of [%v]", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("invalid value for field '%v' (%v)", fe.Field(), fe.Tag()))
		}
	}
	return invalidf("%v", strings.Join(msgs, "; "))
}

// BuildContext carries the identity, storage and lock state of one create or
// build operation. Nested references are resolved and built through it so
// sub-components are locked once and reused.
type BuildContext struct {
	Db    *gorm.DB
	Store storage.Storage
	User  *schema.User
	Ws    *schema.Workspace
	Locks *schema.LockSet

	built  map[string]any
	frames []string
	self   runtime.Meta
}

func NewBuildContext(db *gorm.DB, store storage.Storage, user *schema.User, ws *schema.Workspace, locks *schema.LockSet) *BuildContext {
	return &BuildContext{
		Db:    db,
		Store: store,
		User:  user,
		Ws:    ws,
		Locks: locks,
		built: map[string]any{},
	}
}

// Meta tags a runtime object with its identity.
func (ctx *BuildContext) Meta(rtype, name string) runtime.Meta {
	return runtime.Meta{
		Name:      name,
		Urn:       schema.Urn(rtype, ctx.User.Username, ctx.Ws.Name, name),
		Owner:     ctx.User.Username,
		Workspace: ctx.Ws.Name,
	}
}

// Self is the identity of the config currently being built. Callers building
// a top-level resource set it with SetSelf; BuildRef maintains it for nested
// builds.
func (ctx *BuildContext) Self() runtime.Meta { return ctx.self }

func (ctx *BuildContext) SetSelf(rtype, name string) {
	ctx.self = ctx.Meta(rtype, name)
}

// Resolve looks up a referenced resource in the workspace and read-locks it.
func (ctx *BuildContext) Resolve(ref Reference) (schema.ResourceConfig, error) {
	res, err := schema.GetResource(ctx.Ws.Id, ref.Type, ref.Name, ctx.Db)
	if err != nil {
		if errors.Is(err, schema.ErrResourceNotFound) {
			return res, fmt.Errorf("%w: no %v named '%v' in workspace %v", ErrUnresolvedReference, ref.Type, ref.Name, ctx.Ws.Name)
		}
		return res, err
	}

	if err := ctx.Locks.ReadLock(res.LockRef()); err != nil {
		return res, err
	}

	return res, nil
}

// ResolveAll resolves every reference of a config, verifying existence during
// create without building anything.
func (ctx *BuildContext) ResolveAll(config BuildConfig) error {
	for _, ref := range config.References() {
		if _, err := ctx.Resolve(ref); err != nil {
			return err
		}
	}
	return nil
}

// BuildRef resolves a reference, decodes its stored build config and builds
// it. Results are cached per URN so diamond-shaped reference graphs build each
// component once, and in-progress frames are tracked to refuse cycles.
func (ctx *BuildContext) BuildRef(ref Reference) (any, error) {
	res, err := ctx.Resolve(ref)
	if err != nil {
		return nil, err
	}

	if built, ok := ctx.built[res.Urn]; ok {
		return built, nil
	}

	for _, frame := range ctx.frames {
		if frame == res.Urn {
			return nil, invalidf("reference cycle through %v", res.Urn)
		}
	}
	ctx.frames = append(ctx.frames, res.Urn)
	defer func() { ctx.frames = ctx.frames[:len(ctx.frames)-1] }()

	config, err := New(res.Type, res.BuildName, []byte(res.BuildParams))
	if err != nil {
		return nil, err
	}

	prevSelf := ctx.self
	ctx.SetSelf(res.Type, res.Name)
	built, err := config.Build(ctx)
	ctx.self = prevSelf
	if err != nil {
		return nil, err
	}

	ctx.built[res.Urn] = built
	return built, nil
}
