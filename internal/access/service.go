// Package access implements token authentication for the dispatcher and
// the access management methods. Hot lookups run through the LRU cache;
// usage tracking is persisted off the request path by a worker pool.
package access

import (
	"context"
	"errors"

	"github.com/trovelabs/trove/internal/apierr"
	"github.com/trovelabs/trove/internal/cache"
	"github.com/trovelabs/trove/internal/config"
	"github.com/trovelabs/trove/internal/integrity"
	"github.com/trovelabs/trove/internal/logger"
	"github.com/trovelabs/trove/internal/model"
	"github.com/trovelabs/trove/internal/pubsub"
	"github.com/trovelabs/trove/internal/storage"
)

// AuthStep is an optional hook run after token validation on every
// authenticated call. Returning an *apierr.E refuses the call with that
// error; any other error surfaces as an unexpected one.
type AuthStep func(ctx context.Context, user *model.User, access *model.Access, callerID string) error

// StreamIndexer resolves a user's stream forest; permission subset checks
// need the ancestry. The streams repository implements it.
type StreamIndexer interface {
	Index(ctx context.Context, userID string) (*model.StreamIndex, error)
}

// Service authenticates calls for the dispatcher and owns the accesses.*
// methods.
type Service struct {
	store    storage.Store
	cache    *cache.Cache
	bus      *pubsub.Bus
	cfg      *config.Config
	logger   *logger.Logger
	streams  StreamIndexer
	tracker  *Tracker
	authStep AuthStep
}

func NewService(store storage.Store, c *cache.Cache, bus *pubsub.Bus,
	cfg *config.Config, log *logger.Logger, streams StreamIndexer) *Service {
	return &Service{
		store:   store,
		cache:   c,
		bus:     bus,
		cfg:     cfg,
		logger:  log.WithComponent("access"),
		streams: streams,
		tracker: NewTracker(store, bus, cfg, log),
	}
}

// SetAuthStep installs the deployment-specific authentication hook.
func (s *Service) SetAuthStep(step AuthStep) {
	s.authStep = step
}

// Shutdown drains pending usage records.
func (s *Service) Shutdown() {
	s.tracker.Shutdown()
}

// ResolveUser maps a username to its user record, through the cache when
// possible.
func (s *Service) ResolveUser(ctx context.Context, username string) (*model.User, error) {
	if username == "" {
		return nil, apierr.UnknownResource("user", username)
	}

	if userID, ok := s.cache.GetUserID(username); ok {
		u, err := s.store.Users().GetByID(ctx, userID)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		// Stale binding; fall through to the username lookup.
	}

	u, err := s.store.Users().GetByUsername(ctx, username)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apierr.UnknownResource("user", username)
	}
	if err != nil {
		return nil, err
	}
	s.cache.SetUserID(username, u.ID)
	return u, nil
}

// Authenticate resolves the token to a live access, enforces expiry, runs
// the auth step and enqueues usage tracking.
func (s *Service) Authenticate(ctx context.Context, user *model.User, token, callerID, methodID string) (*model.Access, error) {
	if token == "" {
		return nil, apierr.InvalidAccessToken(
			`The access token is missing: expected an "Authorization" header or an "auth" query string parameter.`)
	}

	access, ok := s.cache.GetAccessByToken(user.ID, token)
	if !ok {
		a, err := s.store.Accesses().GetByToken(ctx, user.ID, token)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.InvalidAccessToken("Cannot find access from token.")
		}
		if err != nil {
			return nil, err
		}
		access = a
		s.cache.SetAccess(user.ID, a)
	}

	if access.IsExpired(model.NowSeconds()) {
		return nil, apierr.InvalidAccessToken("Access has expired.")
	}

	if s.authStep != nil {
		if err := s.authStep(ctx, user, access, callerID); err != nil {
			var apiErr *apierr.E
			if errors.As(err, &apiErr) {
				return nil, apiErr
			}
			return nil, apierr.Unexpected(err)
		}
	}

	s.TrackCall(user, access, methodID)
	return access, nil
}

// ResolveReadToken maps an attachment read token onto the access token it
// was derived from. The HTTP adapter calls it for attachment reads
// authenticated by ?readToken instead of a header, then dispatches with
// the returned token so expiry and usage tracking apply as usual.
func (s *Service) ResolveReadToken(ctx context.Context, user *model.User, readToken, attachmentID string) (string, error) {
	accessID, _, ok := integrity.ParseReadToken(readToken)
	if !ok {
		return "", apierr.InvalidAccessToken("Invalid attachment read token.")
	}
	a, err := s.store.Accesses().Get(ctx, user.ID, accessID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", apierr.InvalidAccessToken("Invalid attachment read token.")
	}
	if err != nil {
		return "", err
	}
	if !integrity.VerifyReadToken(readToken, attachmentID, a, s.cfg.ServerSecret) {
		return "", apierr.InvalidAccessToken("Invalid attachment read token.")
	}
	return a.Token, nil
}

// TrackCall enqueues usage tracking for one authenticated call: lastUsed,
// the per-method counter and, for personal sessions past three quarters of
// their validity, a slid expiry.
func (s *Service) TrackCall(user *model.User, access *model.Access, methodID string) {
	if user == nil || access == nil {
		return
	}

	now := model.NowSeconds()
	var slide *float64
	if access.IsPersonal() && access.Expires != nil {
		maxAge := s.cfg.SessionMaxAge.Seconds()
		if *access.Expires-now < maxAge/4 {
			v := now + maxAge
			slide = &v
		}
	}

	s.tracker.enqueue(usage{
		userID:       user.ID,
		accessID:     access.ID,
		accessToken:  access.Token,
		methodKey:    storage.EscapeMethodKey(methodID),
		when:         now,
		slideExpires: slide,
	})
}
