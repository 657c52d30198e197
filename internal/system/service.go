// Package system implements the admin operations: user provisioning,
// per-user usage stats and MFA reset. The admin key guarding these
// methods is checked by the HTTP layer; the methods themselves run
// without an access token and resolve their target user from params.
package system

import (
	"context"
	"errors"

	"github.com/trovelabs/trove/internal/account"
	"github.com/trovelabs/trove/internal/api"
	"github.com/trovelabs/trove/internal/apierr"
	"github.com/trovelabs/trove/internal/cuid"
	"github.com/trovelabs/trove/internal/logger"
	"github.com/trovelabs/trove/internal/model"
	"github.com/trovelabs/trove/internal/pubsub"
	"github.com/trovelabs/trove/internal/storage"
)

type Service struct {
	store    storage.Store
	bus      *pubsub.Bus
	accounts *account.Service
	logger   *logger.Logger
}

func NewService(store storage.Store, bus *pubsub.Bus, accounts *account.Service, log *logger.Logger) *Service {
	return &Service{
		store:    store,
		bus:      bus,
		accounts: accounts,
		logger:   log.WithComponent("system"),
	}
}

func (s *Service) Methods() []*api.MethodDef {
	return []*api.MethodDef{
		{ID: "system.createUser", SkipAuth: true, NoUser: true, Steps: []api.Step{s.createUser}},
		{ID: "system.getUserInfo", SkipAuth: true, NoUser: true, Steps: []api.Step{s.getUserInfo}},
		{ID: "system.deleteMfa", SkipAuth: true, NoUser: true, Steps: []api.Step{s.deleteMfa}},
	}
}

func (s *Service) createUser(c *api.Context, p api.Params, r *api.Result) error {
	password := p.Str("password")
	if err := s.accounts.CheckPasswordRules(nil, password); err != nil {
		return err
	}
	hash, err := s.accounts.HashPassword(password)
	if err != nil {
		return err
	}

	user := &model.User{
		ID:           cuid.New(),
		Username:     p.Str("username"),
		Email:        p.Str("email"),
		Language:     p.Str("language"),
		PasswordHash: hash,
	}
	if user.Language == "" {
		user.Language = "en"
	}

	if err := s.store.Users().Create(c.Ctx, user); err != nil {
		if ue, ok := storage.AsUniqueness(err); ok {
			return apierr.ItemAlreadyExists("user", ue.Keys)
		}
		return err
	}

	// Mail failure must not undo the creation.
	if err := s.accounts.SendWelcome(c.Ctx, user); err != nil {
		s.logger.WithContext(c.Ctx).Warn("welcome mail failed",
			"username", user.Username, "error", err)
	}
	s.logger.WithContext(c.Ctx).Info("user created", "username", user.Username)

	r.Set("user", map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
		"email":    user.Email,
		"language": user.Language,
	})
	return nil
}

func (s *Service) getUserInfo(c *api.Context, p api.Params, r *api.Result) error {
	username := p.Str("username")
	user, err := s.store.Users().GetByUsername(c.Ctx, username)
	if errors.Is(err, storage.ErrNotFound) {
		return apierr.UnknownResource("user", username)
	}
	if err != nil {
		return err
	}

	used, counts, err := usage(c.Ctx, s.store, user.ID)
	if err != nil {
		return err
	}

	lastAccess := 0.0
	accesses, err := s.store.Accesses().List(c.Ctx, user.ID)
	if err != nil {
		return err
	}
	for _, a := range accesses {
		if a.LastUsed > lastAccess {
			lastAccess = a.LastUsed
		}
	}

	r.Set("userInfo", map[string]interface{}{
		"username":    user.Username,
		"lastAccess":  lastAccess,
		"storageUsed": used,
		"counts":      counts,
	})
	return nil
}

func (s *Service) deleteMfa(c *api.Context, p api.Params, _ *api.Result) error {
	username := p.Str("username")
	user, err := s.store.Users().GetByUsername(c.Ctx, username)
	if errors.Is(err, storage.ErrNotFound) {
		return apierr.UnknownResource("user", username)
	}
	if err != nil {
		return err
	}
	if user.MFA == nil {
		return nil
	}

	user = user.Clone()
	user.MFA = nil
	if err := s.store.Users().Update(c.Ctx, user); err != nil {
		return err
	}
	s.bus.NotifyDataChange(user.Username, pubsub.TagAccountChanged)
	s.logger.WithContext(c.Ctx).Info("mfa cleared", "username", username)
	return nil
}

// ComputeStorageUsed recounts a user's storage from the stores. The
// nightly job and the admin stats endpoint share it.
func ComputeStorageUsed(ctx context.Context, store storage.Store, userID string) (model.StorageUsed, error) {
	used, _, err := usage(ctx, store, userID)
	return used, err
}

func usage(ctx context.Context, store storage.Store, userID string) (model.StorageUsed, map[string]int64, error) {
	events, err := store.Events().Count(ctx, userID)
	if err != nil {
		return model.StorageUsed{}, nil, err
	}
	streams, err := store.Streams().Count(ctx, userID)
	if err != nil {
		return model.StorageUsed{}, nil, err
	}
	accesses, err := store.Accesses().Count(ctx, userID)
	if err != nil {
		return model.StorageUsed{}, nil, err
	}
	slices, err := store.FollowedSlices().List(ctx, userID)
	if err != nil {
		return model.StorageUsed{}, nil, err
	}
	attached, err := store.Events().TotalAttachedSize(ctx, userID)
	if err != nil {
		return model.StorageUsed{}, nil, err
	}

	used := model.StorageUsed{
		DBDocuments:   events + streams + accesses + int64(len(slices)),
		AttachedFiles: attached,
	}
	counts := map[string]int64{
		"events":         events,
		"streams":        streams,
		"accesses":       accesses,
		"followedSlices": int64(len(slices)),
	}
	return used, counts, nil
}
