package access

import (
	"errors"

	"github.com/trovelabs/trove/internal/api"
	"github.com/trovelabs/trove/internal/apierr"
	"github.com/trovelabs/trove/internal/cuid"
	"github.com/trovelabs/trove/internal/integrity"
	"github.com/trovelabs/trove/internal/model"
	"github.com/trovelabs/trove/internal/pubsub"
	"github.com/trovelabs/trove/internal/storage"
)

// Methods returns the access management method definitions.
func (s *Service) Methods() []*api.MethodDef {
	return []*api.MethodDef{
		{ID: "accesses.get", Steps: []api.Step{s.requireManagement, s.get}},
		{ID: "accesses.create", Normalize: defaultTypeShared, Steps: []api.Step{s.requireManagement, s.create}},
		{ID: "accesses.update", Steps: []api.Step{s.requireManagement, s.update}},
		{ID: "accesses.delete", Steps: []api.Step{s.delete}},
		{ID: "getAccessInfo", Steps: []api.Step{s.accessInfo}},
	}
}

// The access type defaults to shared when omitted.
func defaultTypeShared(p api.Params) {
	if !p.Has("type") {
		p["type"] = "shared"
	}
}

// requireManagement refuses shared accesses up front: they hold data
// permissions only and cannot manage other accesses.
func (s *Service) requireManagement(c *api.Context, _ api.Params, _ *api.Result) error {
	if c.Access.Type == model.AccessShared {
		return apierr.Forbidden("You cannot access this resource using the given access token.")
	}
	return nil
}

func (s *Service) get(c *api.Context, p api.Params, r *api.Result) error {
	list, err := s.store.Accesses().List(c.Ctx, c.User.ID)
	if err != nil {
		return err
	}

	now := model.NowSeconds()
	includeExpired := p.Bool("includeExpired")
	out := make([]*model.Access, 0, len(list))
	for _, a := range list {
		if a.IsPersonal() {
			continue
		}
		// App tokens only see the accesses they created.
		if c.Access.Type == model.AccessApp && a.CreatedBy != c.Access.ID {
			continue
		}
		if !includeExpired && a.IsExpired(now) {
			continue
		}
		out = append(out, a)
	}
	r.Set("accesses", out)

	if p.Bool("includeDeletions") {
		deleted, err := s.store.Accesses().ListDeleted(c.Ctx, c.User.ID)
		if err != nil {
			return err
		}
		r.Set("accessDeletions", deleted)
	}
	return nil
}

func (s *Service) create(c *api.Context, p api.Params, r *api.Result) error {
	typ := model.AccessType(p.Str("type"))
	if typ == model.AccessPersonal {
		return apierr.InvalidOperation(
			"Personal accesses are created through the login flow.", nil)
	}
	if c.Access.Type == model.AccessApp && typ != model.AccessShared {
		return apierr.Forbidden("App tokens can only create shared accesses.")
	}

	perms, err := parsePermissions(p["permissions"])
	if err != nil {
		return err
	}
	if c.Access.Type == model.AccessApp {
		if err := s.checkCoverage(c, perms); err != nil {
			return err
		}
	}

	a := &model.Access{
		ID:          cuid.New(),
		Token:       p.Str("token"),
		Type:        typ,
		Name:        p.Str("name"),
		DeviceName:  p.Str("deviceName"),
		Permissions: perms,
		ClientData:  p.Map("clientData"),
	}
	if a.Token == "" {
		a.Token = cuid.New()
	}
	a.Stamp(c.Access.ID)
	if v, ok := p.Float("expireAfter"); ok {
		a.ExpireAfter = &v
		expires := a.Created + v
		a.Expires = &expires
	}
	a.Integrity = integrity.AccessHash(a)

	if err := s.store.Accesses().Create(c.Ctx, c.User.ID, a); err != nil {
		if ue, ok := storage.AsUniqueness(err); ok {
			return apierr.ItemAlreadyExists("access", ue.Keys)
		}
		return err
	}

	s.bus.NotifyDataChange(c.User.Username, pubsub.TagAccessesChanged)
	r.Set("access", a)
	return nil
}

func (s *Service) update(c *api.Context, p api.Params, r *api.Result) error {
	id := p.Str("id")
	a, err := s.store.Accesses().Get(c.Ctx, c.User.ID, id)
	if errors.Is(err, storage.ErrNotFound) {
		return apierr.UnknownResource("access", id)
	}
	if err != nil {
		return err
	}
	if a.IsPersonal() {
		return apierr.InvalidOperation(
			"Personal accesses cannot be modified.", map[string]interface{}{"id": id})
	}
	if c.Access.Type == model.AccessApp && a.CreatedBy != c.Access.ID {
		return apierr.Forbidden("App tokens can only modify the accesses they created.")
	}

	update := p.Map("update")
	if v, ok := update["name"].(string); ok {
		a.Name = v
	}
	if v, ok := update["deviceName"].(string); ok {
		a.DeviceName = v
	}
	if raw, ok := update["permissions"]; ok {
		perms, err := parsePermissions(raw)
		if err != nil {
			return err
		}
		if c.Access.Type == model.AccessApp {
			if err := s.checkCoverage(c, perms); err != nil {
				return err
			}
		}
		a.Permissions = perms
	}
	if v, ok := update["expireAfter"].(float64); ok {
		a.ExpireAfter = &v
		expires := model.NowSeconds() + v
		a.Expires = &expires
	}
	if raw, ok := update["clientData"].(map[string]interface{}); ok {
		a.ClientData = model.MergeClientData(a.ClientData, raw)
	}

	a.Touch(c.Access.ID)
	a.Integrity = integrity.AccessHash(a)

	if err := s.store.Accesses().Update(c.Ctx, c.User.ID, a); err != nil {
		if ue, ok := storage.AsUniqueness(err); ok {
			return apierr.ItemAlreadyExists("access", ue.Keys)
		}
		return err
	}

	s.bus.NotifyDataChange(c.User.Username, pubsub.TagAccessesChanged)
	s.bus.UnsetAccessLogic(c.User.ID, a.ID, a.Token)
	r.Set("access", a)
	return nil
}

func (s *Service) delete(c *api.Context, p api.Params, r *api.Result) error {
	id := p.Str("id")
	target, err := s.store.Accesses().Get(c.Ctx, c.User.ID, id)
	if errors.Is(err, storage.ErrNotFound) {
		return apierr.UnknownResource("access", id)
	}
	if err != nil {
		return err
	}

	switch {
	case id == c.Access.ID:
		// Self-revocation, open to every type unless explicitly withdrawn.
		if c.Access.FeatureForbidden(model.FeatureSelfRevoke) {
			return apierr.Forbidden("This access cannot revoke itself.")
		}
	case c.Access.Type == model.AccessShared:
		return apierr.Forbidden("You cannot access this resource using the given access token.")
	case c.Access.Type == model.AccessApp:
		if target.IsPersonal() || target.CreatedBy != c.Access.ID {
			return apierr.Forbidden("App tokens can only delete the accesses they created.")
		}
	}

	now := model.NowSeconds()
	if err := s.store.Accesses().Delete(c.Ctx, c.User.ID, id, now); err != nil {
		return err
	}

	s.bus.NotifyDataChange(c.User.Username, pubsub.TagAccessesChanged)
	s.bus.UnsetAccessLogic(c.User.ID, target.ID, target.Token)

	deletion := &model.Deletion{ID: id, Deleted: now}
	deletion.Integrity = integrity.DeletionHash(deletion)
	r.Set("accessDeletion", deletion)
	return nil
}

func (s *Service) accessInfo(c *api.Context, _ api.Params, r *api.Result) error {
	r.Set("access", c.Access)
	r.Set("user", map[string]interface{}{"username": c.User.Username})
	return nil
}

// checkCoverage enforces the delegation rule: an app token may only grant
// permissions its own cover. Feature entries restrict rather than grant and
// pass through.
func (s *Service) checkCoverage(c *api.Context, perms []model.Permission) error {
	idx, err := s.streams.Index(c.Ctx, c.User.ID)
	if err != nil {
		return err
	}
	for _, perm := range perms {
		if perm.Feature != "" {
			continue
		}
		target := perm.StreamID
		if perm.Tag != "" {
			target = model.TagStreamID(perm.Tag)
		}
		if !c.Access.LevelCovers(target, perm.Level, idx) {
			return apierr.Forbidden(
				"The given token's permissions do not cover the requested ones.")
		}
	}
	return nil
}

func parsePermissions(raw interface{}) ([]model.Permission, error) {
	items, _ := raw.([]interface{})
	perms := make([]model.Permission, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, apierr.InvalidParametersFormat(
				"Invalid parameters format", []string{"permissions entries must be objects"})
		}
		var perm model.Permission
		if v, ok := m["streamId"].(string); ok {
			perm.StreamID = v
		}
		if v, ok := m["tag"].(string); ok {
			perm.Tag = v
		}
		if v, ok := m["feature"].(string); ok {
			perm.Feature = v
		}
		if v, ok := m["level"].(string); ok {
			perm.Level = model.PermissionLevel(v)
		}
		if v, ok := m["setting"].(string); ok {
			perm.Setting = v
		}
		perms = append(perms, perm)
	}
	return perms, nil
}
