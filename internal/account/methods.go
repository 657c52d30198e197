package account

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

// Methods returns the auth and account method definitions.
func (s *Service) Methods() []*api.MethodDef {
	return []*api.MethodDef{
		{ID: "auth.login", SkipAuth: true, Steps: []api.Step{s.login}},
		{ID: "auth.logout", PersonalOnly: true, Steps: []api.Step{s.logout}},
		{ID: "account.get", PersonalOnly: true, Steps: []api.Step{s.get}},
		{ID: "account.update", PersonalOnly: true, Steps: []api.Step{s.update}},
		{ID: "account.changePassword", PersonalOnly: true, Steps: []api.Step{s.changePassword}},
		{ID: "account.requestPasswordReset", SkipAuth: true, Steps: []api.Step{s.requestPasswordReset}},
		{ID: "account.resetPassword", SkipAuth: true, Steps: []api.Step{s.resetPassword}},
	}
}

// checkTrustedApp resolves the app id against the trusted list and matches
// the caller's origin when the app restricts origins.
func (s *Service) checkTrustedApp(appID, origin string) error {
	app, ok := s.cfg.TrustedApp(appID)
	if !ok {
		return apierr.InvalidCredentials(`The app id "` + appID + `" is not trusted.`)
	}
	if !app.MatchesOrigin(origin) {
		return apierr.InvalidCredentials(
			`The app id "` + appID + `" is not trusted for the given origin.`)
	}
	return nil
}

func (s *Service) login(c *api.Context, p api.Params, r *api.Result) error {
	if p.Str("username") != c.User.Username {
		return apierr.InvalidOperation(
			"The username in the request body does not match the addressed account.",
			map[string]interface{}{"username": p.Str("username")})
	}
	if err := s.checkTrustedApp(p.Str("appId"), c.Origin); err != nil {
		return err
	}
	if s.hasher.Compare(c.User.PasswordHash, p.Str("password")) != nil {
		return apierr.InvalidCredentials("The given username/password pair is invalid.")
	}

	now := model.NowSeconds()
	session, err := s.findSession(c, p.Str("appId"), now)
	if err != nil {
		return err
	}

	if session != nil {
		// Reuse the open session, sliding its expiry.
		expires := s.sessionExpiry(now)
		session.Expires = &expires
		session.Touch(session.ID)
		session.Integrity = integrity.AccessHash(session)
		if err := s.store.Accesses().Update(c.Ctx, c.User.ID, session); err != nil {
			return err
		}
		s.bus.UnsetAccessLogic(c.User.ID, session.ID, session.Token)
	} else {
		session = &model.Access{
			ID:    cuid.New(),
			Token: cuid.New(),
			Type:  model.AccessPersonal,
			Name:  p.Str("appId"),
		}
		session.Stamp(session.ID)
		expires := s.sessionExpiry(now)
		session.Expires = &expires
		session.Integrity = integrity.AccessHash(session)
		if err := s.store.Accesses().Create(c.Ctx, c.User.ID, session); err != nil {
			if ue, ok := storage.AsUniqueness(err); ok {
				return apierr.ItemAlreadyExists("access", ue.Keys)
			}
			return err
		}
		s.bus.NotifyDataChange(c.User.Username, pubsub.TagAccessesChanged)
	}

	r.Set("token", session.Token)
	r.Set("apiEndpoint", "/"+c.User.Username+"/")
	r.Set("preferredLanguage", c.User.Language)
	return nil
}

// findSession returns the user's live personal session for the app, nil
// when none is open.
func (s *Service) findSession(c *api.Context, appID string, now float64) (*model.Access, error) {
	list, err := s.store.Accesses().List(c.Ctx, c.User.ID)
	if err != nil {
		return nil, err
	}
	for _, a := range list {
		if a.IsPersonal() && a.Name == appID && !a.IsExpired(now) {
			return a, nil
		}
	}
	return nil, nil
}

func (s *Service) logout(c *api.Context, _ api.Params, _ *api.Result) error {
	now := model.NowSeconds()
	if err := s.store.Accesses().Delete(c.Ctx, c.User.ID, c.Access.ID, now); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apierr.UnknownResource("access", c.Access.ID)
		}
		return err
	}
	s.bus.NotifyDataChange(c.User.Username, pubsub.TagAccessesChanged)
	s.bus.UnsetAccessLogic(c.User.ID, c.Access.ID, c.Access.Token)
	return nil
}

func (s *Service) get(c *api.Context, _ api.Params, r *api.Result) error {
	r.Set("account", c.User.Account())
	return nil
}

func (s *Service) update(c *api.Context, p api.Params, r *api.Result) error {
	update := p.Map("update")
	user := c.User.Clone()
	if v, ok := update["email"].(string); ok {
		user.Email = v
	}
	if v, ok := update["language"].(string); ok {
		user.Language = v
	}

	if err := s.store.Users().Update(c.Ctx, user); err != nil {
		if ue, ok := storage.AsUniqueness(err); ok {
			return apierr.ItemAlreadyExists("user", ue.Keys)
		}
		return err
	}

	s.bus.NotifyDataChange(user.Username, pubsub.TagAccountChanged)
	r.Set("account", user.Account())
	return nil
}

func (s *Service) changePassword(c *api.Context, p api.Params, _ *api.Result) error {
	user := c.User.Clone()
	if s.hasher.Compare(user.PasswordHash, p.Str("oldPassword")) != nil {
		return apierr.InvalidOperation("The given password does not match.", nil)
	}
	if err := s.checkPasswordAge(user); err != nil {
		return err
	}
	if err := s.CheckPasswordRules(user, p.Str("newPassword")); err != nil {
		return err
	}
	if err := s.setPassword(user, p.Str("newPassword")); err != nil {
		return err
	}
	if err := s.store.Users().Update(c.Ctx, user); err != nil {
		return err
	}
	s.logger.WithContext(c.Ctx).Info("password changed", "username", user.Username)
	return nil
}

func (s *Service) requestPasswordReset(c *api.Context, p api.Params, _ *api.Result) error {
	if err := s.checkTrustedApp(p.Str("appId"), c.Origin); err != nil {
		return err
	}

	user := c.User.Clone()
	token, jti, err := s.issueResetToken(user)
	if err != nil {
		return err
	}
	user.ResetTokenID = jti
	if err := s.store.Users().Update(c.Ctx, user); err != nil {
		return err
	}
	if err := s.mailer.SendPasswordReset(c.Ctx, user, token); err != nil {
		return err
	}
	s.logger.WithContext(c.Ctx).Info("password reset requested", "username", user.Username)
	return nil
}

func (s *Service) resetPassword(c *api.Context, p api.Params, _ *api.Result) error {
	if err := s.checkTrustedApp(p.Str("appId"), c.Origin); err != nil {
		return err
	}

	user := c.User.Clone()
	if err := s.verifyResetToken(user, p.Str("resetToken")); err != nil {
		return err
	}
	if err := s.CheckPasswordRules(user, p.Str("newPassword")); err != nil {
		return err
	}
	if err := s.setPassword(user, p.Str("newPassword")); err != nil {
		return err
	}
	user.ResetTokenID = ""
	if err := s.store.Users().Update(c.Ctx, user); err != nil {
		return err
	}
	s.logger.WithContext(c.Ctx).Info("password reset", "username", user.Username)
	return nil
}
