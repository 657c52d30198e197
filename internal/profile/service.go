// Package profile implements the per-user key-value profile buckets.
// Three scopes exist: "public" (readable with any valid access, writable
// only by the account owner), "private" (owner only) and one bucket per
// app access ("app:<accessId>"). Updates merge additively; a null value
// deletes its key.
package profile

import (
	"github.com/trovelabs/trove/internal/api"
	"github.com/trovelabs/trove/internal/apierr"
	"github.com/trovelabs/trove/internal/logger"
	"github.com/trovelabs/trove/internal/model"
	"github.com/trovelabs/trove/internal/storage"
)

const (
	ScopePublic  = "public"
	ScopePrivate = "private"

	appScopePrefix = "app:"
)

type Service struct {
	store  storage.Store
	logger *logger.Logger
}

func NewService(store storage.Store, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		logger: log.WithComponent("profile"),
	}
}

// Methods returns the profile method definitions. The app bucket methods
// carry no scope parameter; the bucket is derived from the calling access.
func (s *Service) Methods() []*api.MethodDef {
	return []*api.MethodDef{
		{ID: "profile.get", Steps: []api.Step{s.get}},
		{ID: "profile.update", Steps: []api.Step{s.update}},
		{ID: "profile.getApp", AppOnly: true, Steps: []api.Step{s.getApp}},
		{ID: "profile.updateApp", AppOnly: true, Steps: []api.Step{s.updateApp}},
	}
}

// requirePersonal refuses non-personal accesses with InvalidOperation: the
// profile routes answer 400, not 403, when the access kind is wrong.
func requirePersonal(c *api.Context) error {
	if c.Access == nil || !c.Access.IsPersonal() {
		return apierr.InvalidOperation(
			"This resource is only available to personal accesses.", nil)
	}
	return nil
}

func (s *Service) get(c *api.Context, p api.Params, r *api.Result) error {
	scope := p.Str("scope")
	if scope != ScopePublic {
		if err := requirePersonal(c); err != nil {
			return err
		}
	}
	content, err := s.store.Profiles().Get(c.Ctx, c.User.ID, scope)
	if err != nil {
		return err
	}
	r.Set("profile", content)
	return nil
}

func (s *Service) update(c *api.Context, p api.Params, r *api.Result) error {
	if err := requirePersonal(c); err != nil {
		return err
	}
	return s.merge(c, p.Str("scope"), p.Map("update"), r)
}

func (s *Service) getApp(c *api.Context, _ api.Params, r *api.Result) error {
	content, err := s.store.Profiles().Get(c.Ctx, c.User.ID, appScope(c))
	if err != nil {
		return err
	}
	r.Set("profile", content)
	return nil
}

func (s *Service) updateApp(c *api.Context, p api.Params, r *api.Result) error {
	return s.merge(c, appScope(c), p.Map("update"), r)
}

// merge applies the additive update to the bucket and returns the merged
// content.
func (s *Service) merge(c *api.Context, scope string, update map[string]interface{}, r *api.Result) error {
	existing, err := s.store.Profiles().Get(c.Ctx, c.User.ID, scope)
	if err != nil {
		return err
	}
	merged := model.MergeClientData(existing, update)
	if merged == nil {
		merged = map[string]interface{}{}
	}
	if err := s.store.Profiles().Update(c.Ctx, c.User.ID, scope, merged); err != nil {
		return err
	}
	r.Set("profile", merged)
	return nil
}

func appScope(c *api.Context) string {
	return appScopePrefix + c.Access.ID
}
