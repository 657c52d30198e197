package profile

import (
	"context"
	"log/slog"
	"testing"

	"github.com/trovelabs/trove/internal/api"
	"github.com/trovelabs/trove/internal/apierr"
	"github.com/trovelabs/trove/internal/logger"
	"github.com/trovelabs/trove/internal/model"
	"github.com/trovelabs/trove/internal/storage/memory"
)

func newService(t *testing.T) (*Service, *model.User) {
	t.Helper()
	log := logger.New(logger.Config{Level: slog.LevelError})
	store := memory.New()
	user := &model.User{ID: "u1", Username: "alice"}
	if err := store.Users().Create(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return NewService(store, log), user
}

func runMethod(t *testing.T, s *Service, c *api.Context, methodID string, params api.Params) (*api.Result, error) {
	t.Helper()
	for _, def := range s.Methods() {
		if def.ID != methodID {
			continue
		}
		r := api.NewResult(1000)
		for _, step := range def.Steps {
			if err := step(c, params, r); err != nil {
				return nil, err
			}
		}
		return r, nil
	}
	t.Fatalf("method %s not defined", methodID)
	return nil, nil
}

func ctxWith(user *model.User, access *model.Access) *api.Context {
	return &api.Context{Ctx: context.Background(), User: user, Access: access}
}

func personal() *model.Access {
	return &model.Access{ID: "pers", Token: "pt", Type: model.AccessPersonal}
}

func appAccess(id string) *model.Access {
	return &model.Access{ID: id, Token: id + "-tok", Type: model.AccessApp}
}

func profileOf(t *testing.T, r *api.Result) map[string]interface{} {
	t.Helper()
	v, ok := r.Get("profile")
	if !ok {
		t.Fatal("result has no profile")
	}
	return v.(map[string]interface{})
}

func TestUpdateMergesAdditively(t *testing.T) {
	s, user := newService(t)
	c := ctxWith(user, personal())

	r, err := runMethod(t, s, c, "profile.update", api.Params{
		"scope":  "private",
		"update": map[string]interface{}{"theme": "dark", "lang": "en"},
	})
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	if got := profileOf(t, r); got["theme"] != "dark" || got["lang"] != "en" {
		t.Errorf("merged content: %v", got)
	}

	// A second update overwrites named keys, keeps the rest, and deletes
	// keys set to null.
	r, err = runMethod(t, s, c, "profile.update", api.Params{
		"scope":  "private",
		"update": map[string]interface{}{"theme": "light", "lang": nil},
	})
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	got := profileOf(t, r)
	if got["theme"] != "light" {
		t.Errorf("theme = %v, want light", got["theme"])
	}
	if _, ok := got["lang"]; ok {
		t.Error("null value did not delete the key")
	}

	r, err = runMethod(t, s, c, "profile.get", api.Params{"scope": "private"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := profileOf(t, r); got["theme"] != "light" {
		t.Errorf("persisted content: %v", got)
	}
}

func TestScopesAreIsolated(t *testing.T) {
	s, user := newService(t)
	c := ctxWith(user, personal())

	if _, err := runMethod(t, s, c, "profile.update", api.Params{
		"scope": "public", "update": map[string]interface{}{"name": "Alice"},
	}); err != nil {
		t.Fatalf("public update: %v", err)
	}
	r, err := runMethod(t, s, c, "profile.get", api.Params{"scope": "private"})
	if err != nil {
		t.Fatalf("private get: %v", err)
	}
	if got := profileOf(t, r); len(got) != 0 {
		t.Errorf("private bucket leaked public content: %v", got)
	}
}

func TestMissingBucketReadsEmpty(t *testing.T) {
	s, user := newService(t)
	r, err := runMethod(t, s, ctxWith(user, personal()), "profile.get", api.Params{"scope": "private"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := profileOf(t, r); got == nil || len(got) != 0 {
		t.Errorf("missing bucket: %v", got)
	}
}

func TestPublicReadableByAnyAccess(t *testing.T) {
	s, user := newService(t)

	if _, err := runMethod(t, s, ctxWith(user, personal()), "profile.update", api.Params{
		"scope": "public", "update": map[string]interface{}{"name": "Alice"},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	shared := &model.Access{ID: "sh", Token: "st", Type: model.AccessShared}
	r, err := runMethod(t, s, ctxWith(user, shared), "profile.get", api.Params{"scope": "public"})
	if err != nil {
		t.Fatalf("shared get of public: %v", err)
	}
	if got := profileOf(t, r); got["name"] != "Alice" {
		t.Errorf("public content: %v", got)
	}
}

func TestOwnerOnlyScopesRefuseOtherAccesses(t *testing.T) {
	s, user := newService(t)
	shared := &model.Access{ID: "sh", Token: "st", Type: model.AccessShared}

	if _, err := runMethod(t, s, ctxWith(user, shared), "profile.get", api.Params{
		"scope": "private",
	}); !apierr.Is(err, apierr.IDInvalidOperation) {
		t.Errorf("shared private get: got %v", err)
	}
	if _, err := runMethod(t, s, ctxWith(user, shared), "profile.update", api.Params{
		"scope": "public", "update": map[string]interface{}{"x": 1},
	}); !apierr.Is(err, apierr.IDInvalidOperation) {
		t.Errorf("shared public update: got %v", err)
	}
	if _, err := runMethod(t, s, ctxWith(user, appAccess("a1")), "profile.update", api.Params{
		"scope": "private", "update": map[string]interface{}{"x": 1},
	}); !apierr.Is(err, apierr.IDInvalidOperation) {
		t.Errorf("app private update: got %v", err)
	}
}

func TestAppBucketsArePerAccess(t *testing.T) {
	s, user := newService(t)
	first := ctxWith(user, appAccess("a1"))
	second := ctxWith(user, appAccess("a2"))

	if _, err := runMethod(t, s, first, "profile.updateApp", api.Params{
		"update": map[string]interface{}{"setting": "on"},
	}); err != nil {
		t.Fatalf("updateApp: %v", err)
	}

	r, err := runMethod(t, s, first, "profile.getApp", api.Params{})
	if err != nil {
		t.Fatalf("getApp: %v", err)
	}
	if got := profileOf(t, r); got["setting"] != "on" {
		t.Errorf("own bucket: %v", got)
	}

	r, err = runMethod(t, s, second, "profile.getApp", api.Params{})
	if err != nil {
		t.Fatalf("getApp other access: %v", err)
	}
	if got := profileOf(t, r); len(got) != 0 {
		t.Errorf("bucket leaked across accesses: %v", got)
	}
}
