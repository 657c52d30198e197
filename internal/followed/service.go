// Package followed implements followed slices: saved pointers to accesses
// on other users' data. All operations are reserved to personal accesses.
package followed

import (
	"errors"

	"github.com/trovelabs/trove/internal/api"
	"github.com/trovelabs/trove/internal/apierr"
	"github.com/trovelabs/trove/internal/cuid"
	"github.com/trovelabs/trove/internal/logger"
	"github.com/trovelabs/trove/internal/model"
	"github.com/trovelabs/trove/internal/pubsub"
	"github.com/trovelabs/trove/internal/storage"
)

type Service struct {
	store  storage.Store
	bus    *pubsub.Bus
	logger *logger.Logger
}

func NewService(store storage.Store, bus *pubsub.Bus, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		bus:    bus,
		logger: log.WithComponent("followed"),
	}
}

func (s *Service) Methods() []*api.MethodDef {
	return []*api.MethodDef{
		{ID: "followedSlices.get", PersonalOnly: true, Steps: []api.Step{s.get}},
		{ID: "followedSlices.create", PersonalOnly: true, Steps: []api.Step{s.create}},
		{ID: "followedSlices.update", PersonalOnly: true, Steps: []api.Step{s.update}},
		{ID: "followedSlices.delete", PersonalOnly: true, Steps: []api.Step{s.delete}},
	}
}

func (s *Service) get(c *api.Context, _ api.Params, r *api.Result) error {
	slices, err := s.store.FollowedSlices().List(c.Ctx, c.User.ID)
	if err != nil {
		return err
	}
	if slices == nil {
		slices = []*model.FollowedSlice{}
	}
	r.Set("followedSlices", slices)
	return nil
}

func (s *Service) create(c *api.Context, p api.Params, r *api.Result) error {
	slice := &model.FollowedSlice{
		ID:          cuid.New(),
		Name:        p.Str("name"),
		URL:         p.Str("url"),
		AccessToken: p.Str("accessToken"),
	}
	if err := s.store.FollowedSlices().Create(c.Ctx, c.User.ID, slice); err != nil {
		if ue, ok := storage.AsUniqueness(err); ok {
			return apierr.ItemAlreadyExists("followedSlice", ue.Keys)
		}
		return err
	}
	s.bus.NotifyDataChange(c.User.Username, pubsub.TagFollowedSlicesChanged)
	r.Set("followedSlice", slice)
	return nil
}

func (s *Service) update(c *api.Context, p api.Params, r *api.Result) error {
	id := p.Str("id")
	slice, err := s.store.FollowedSlices().Get(c.Ctx, c.User.ID, id)
	if errors.Is(err, storage.ErrNotFound) {
		return apierr.UnknownResource("followedSlice", id)
	}
	if err != nil {
		return err
	}

	update := p.Map("update")
	if v, ok := update["name"].(string); ok {
		slice.Name = v
	}
	if v, ok := update["url"].(string); ok {
		slice.URL = v
	}
	if v, ok := update["accessToken"].(string); ok {
		slice.AccessToken = v
	}

	if err := s.store.FollowedSlices().Update(c.Ctx, c.User.ID, slice); err != nil {
		if ue, ok := storage.AsUniqueness(err); ok {
			return apierr.ItemAlreadyExists("followedSlice", ue.Keys)
		}
		return err
	}
	s.bus.NotifyDataChange(c.User.Username, pubsub.TagFollowedSlicesChanged)
	r.Set("followedSlice", slice)
	return nil
}

func (s *Service) delete(c *api.Context, p api.Params, r *api.Result) error {
	id := p.Str("id")
	if err := s.store.FollowedSlices().Delete(c.Ctx, c.User.ID, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apierr.UnknownResource("followedSlice", id)
		}
		return err
	}
	s.bus.NotifyDataChange(c.User.Username, pubsub.TagFollowedSlicesChanged)
	r.Set("followedSliceDeletion", map[string]interface{}{"id": id})
	return nil
}
