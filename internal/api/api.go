// Package api is the transport-independent method layer: a registry of
// method definitions, the dispatcher that authenticates and validates each
// call before running its step chain, the result builder that drains
// storage cursors under a global cap, and the callBatch executor.
package api

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/trovelabs/trove/internal/apierr"
	"github.com/trovelabs/trove/internal/config"
	"github.com/trovelabs/trove/internal/logger"
	"github.com/trovelabs/trove/internal/model"
	"github.com/trovelabs/trove/internal/validation"
)

// Auth carries the raw credentials of one call before authentication.
type Auth struct {
	Token    string
	CallerID string
}

// File is one uploaded part of a multipart request, opened lazily so the
// body is only streamed once the method accepts the call.
type File struct {
	FileName string
	Type     string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

// Call is one method invocation arriving from a transport adapter.
type Call struct {
	MethodID string
	Username string
	Params   map[string]interface{}
	Auth     Auth
	Files    []File
	// Origin is the request's Origin (or Referer) header; the login flows
	// check it against the trusted app's authorized origins.
	Origin string
	// FromQuery marks params lifted from a query string; the dispatcher
	// coerces their string values before validation.
	FromQuery bool
}

// Params is the validated parameter map with typed accessors. JSON numbers
// arrive as float64.
type Params map[string]interface{}

func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

func (p Params) Str(key string) string {
	s, _ := p[key].(string)
	return s
}

func (p Params) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

func (p Params) Float(key string) (float64, bool) {
	f, ok := p[key].(float64)
	return f, ok
}

func (p Params) IntOr(key string, def int) int {
	if f, ok := p[key].(float64); ok {
		return int(f)
	}
	return def
}

func (p Params) StrSlice(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case string:
		return []string{v}
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func (p Params) Map(key string) map[string]interface{} {
	m, _ := p[key].(map[string]interface{})
	return m
}

// Context carries one authenticated call through its step chain.
type Context struct {
	Ctx      context.Context
	MethodID string
	User     *model.User
	Access   *model.Access
	CallerID string
	Origin   string
	Files    []File
	// Batch marks a sub-call running inside callBatch.
	Batch bool
}

// Step is one stage of a method's chain. Returning an error aborts the
// chain; the dispatcher maps it onto the closed error taxonomy.
type Step func(c *Context, p Params, r *Result) error

// MethodDef declares one API method.
type MethodDef struct {
	ID string
	// SkipAuth runs the chain without token authentication (login and the
	// password reset flows authenticate by other means).
	SkipAuth bool
	// NoUser additionally skips username resolution (service.info).
	NoUser bool
	// PersonalOnly restricts the method to personal accesses.
	PersonalOnly bool
	// AppOnly restricts the method to app accesses.
	AppOnly bool
	// Normalize runs before validation to apply parameter defaults the
	// schema requires (e.g. the access type defaulting to shared).
	Normalize func(p Params)
	Steps     []Step
}

// Registry holds the installed method definitions.
type Registry struct {
	methods map[string]*MethodDef
}

func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]*MethodDef)}
}

func (r *Registry) Register(defs ...*MethodDef) {
	for _, def := range defs {
		r.methods[def.ID] = def
	}
}

func (r *Registry) Get(methodID string) (*MethodDef, bool) {
	def, ok := r.methods[methodID]
	return def, ok
}

// Authenticator resolves usernames and access tokens for the dispatcher.
// The access service implements it.
type Authenticator interface {
	ResolveUser(ctx context.Context, username string) (*model.User, error)
	// Authenticate validates the token for the user, enforces expiry, runs
	// the configured auth step and enqueues usage tracking for the method.
	Authenticate(ctx context.Context, user *model.User, token, callerID, methodID string) (*model.Access, error)
	// TrackCall enqueues usage tracking for one already-authenticated
	// sub-call (batch executor).
	TrackCall(user *model.User, access *model.Access, methodID string)
}

// Meta is the envelope trailer stamped on every response.
type Meta struct {
	APIVersion string  `json:"apiVersion"`
	ServerTime float64 `json:"serverTime"`
	Serial     string  `json:"serial"`
}

// Dispatcher runs calls: method lookup, wall-clock budget, user and token
// resolution, parameter coercion and validation, the protected-field
// guard, then the step chain.
type Dispatcher struct {
	registry  *Registry
	validator *validation.Validator
	auth      Authenticator
	cfg       *config.Config
	logger    *logger.Logger
	metrics   *Metrics
}

func NewDispatcher(registry *Registry, v *validation.Validator, auth Authenticator,
	cfg *config.Config, log *logger.Logger, metrics *Metrics) *Dispatcher {
	d := &Dispatcher{
		registry:  registry,
		validator: v,
		auth:      auth,
		cfg:       cfg,
		logger:    log.WithComponent("api"),
		metrics:   metrics,
	}
	registry.Register(d.batchDef())
	return d
}

// Meta stamps the response trailer.
func (d *Dispatcher) Meta() Meta {
	return Meta{
		APIVersion: d.cfg.APIVersion,
		ServerTime: model.NowSeconds(),
		Serial:     d.cfg.Serial,
	}
}

// Invoke runs one call end to end. The returned error is always a mapped
// *apierr.E ready for serialization.
func (d *Dispatcher) Invoke(ctx context.Context, call *Call) (*Result, *apierr.E) {
	started := time.Now()
	result, apiErr := d.invoke(ctx, call)
	d.metrics.observe(call.MethodID, apiErr, time.Since(started))
	return result, apiErr
}

func (d *Dispatcher) invoke(ctx context.Context, call *Call) (*Result, *apierr.E) {
	def, ok := d.registry.Get(call.MethodID)
	if !ok {
		return nil, apierr.UnknownResource("method", call.MethodID)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.MethodTimeout)
	defer cancel()
	ctx = logger.WithMethod(ctx, call.MethodID)
	if call.Username != "" {
		ctx = logger.WithUsername(ctx, call.Username)
	}

	c := &Context{
		Ctx:      ctx,
		MethodID: call.MethodID,
		CallerID: call.Auth.CallerID,
		Origin:   call.Origin,
		Files:    call.Files,
	}

	if !def.NoUser {
		user, err := d.auth.ResolveUser(ctx, call.Username)
		if err != nil {
			return nil, d.mapError(ctx, call.MethodID, err)
		}
		c.User = user
	}
	if !def.SkipAuth {
		access, err := d.auth.Authenticate(ctx, c.User, call.Auth.Token, call.Auth.CallerID, call.MethodID)
		if err != nil {
			return nil, d.mapError(ctx, call.MethodID, err)
		}
		c.Access = access
		c.Ctx = logger.WithAccessID(c.Ctx, access.ID)
	}

	params := call.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	if call.FromQuery {
		d.validator.Coerce(call.MethodID, params)
	}

	return d.run(c, def, params)
}

// run validates, guards and executes the step chain. The batch executor
// re-enters here for each sub-call, on the already-authenticated context.
func (d *Dispatcher) run(c *Context, def *MethodDef, params Params) (result *Result, apiErr *apierr.E) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithContext(c.Ctx).Error("method panicked", "method", def.ID, "panic", r)
			result, apiErr = nil, apierr.Unexpected(errors.New("method panicked"))
		}
	}()

	if err := d.checkAccessKind(c, def); err != nil {
		return nil, err
	}
	if def.Normalize != nil {
		def.Normalize(params)
	}
	if err := d.validator.Validate(def.ID, params); err != nil {
		return nil, err
	}
	if err := d.guardProtectedFields(c, def.ID, params); err != nil {
		return nil, err
	}

	result = NewResult(d.cfg.ResultArrayLimit)
	for _, step := range def.Steps {
		if err := step(c, params, result); err != nil {
			return nil, d.mapError(c.Ctx, def.ID, err)
		}
	}
	return result, nil
}

func (d *Dispatcher) checkAccessKind(c *Context, def *MethodDef) *apierr.E {
	if def.PersonalOnly && (c.Access == nil || !c.Access.IsPersonal()) {
		return apierr.Forbidden("You cannot access this resource using the given access token.")
	}
	if def.AppOnly && (c.Access == nil || c.Access.Type != model.AccessApp) {
		return apierr.InvalidOperation("This resource is only available to app accesses.", nil)
	}
	return nil
}

// guardProtectedFields enforces the alterable whitelist on the method's
// update object: strict mode refuses, lenient mode strips and logs.
func (d *Dispatcher) guardProtectedFields(c *Context, methodID string, params Params) *apierr.E {
	alterable := d.validator.Alterable(methodID)
	if len(alterable) == 0 {
		return nil
	}
	update, ok := params["update"].(map[string]interface{})
	if !ok {
		return nil
	}

	allowed := make(map[string]bool, len(alterable))
	for _, field := range alterable {
		allowed[field] = true
	}
	var protected []string
	for key := range update {
		if !allowed[key] {
			protected = append(protected, key)
		}
	}
	if len(protected) == 0 {
		return nil
	}
	sort.Strings(protected)

	if d.cfg.IgnoreProtectedFields {
		for _, key := range protected {
			delete(update, key)
		}
		d.logger.WithContext(c.Ctx).Warn("ignoring protected fields on update",
			"method", methodID, "fields", strings.Join(protected, ","))
		return nil
	}
	return apierr.Forbidden("Forbidden to modify the following fields: " + strings.Join(protected, ", "))
}

// mapError folds step errors onto the closed taxonomy. Budget exhaustion
// maps to the resource-limit kind; anything unclassified becomes an
// unexpectedError with its cause kept for the log only.
func (d *Dispatcher) mapError(ctx context.Context, methodID string, err error) *apierr.E {
	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.New(apierr.IDTooManyResults,
			"The call exceeded the server's processing time budget; retry with a tighter filter or pagination.",
			map[string]interface{}{"timeout": d.cfg.MethodTimeout.Seconds()})
	}

	apiErr := apierr.As(err)
	log := d.logger.WithContext(ctx)
	if apiErr.ID == apierr.IDUnexpectedError {
		log.Error("method failed", "method", methodID, "error", apiErr.Unwrap())
	} else {
		log.Debug("method refused", "method", methodID, "error_id", string(apiErr.ID), "message", apiErr.Message)
	}
	return apiErr
}
