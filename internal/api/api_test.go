package api

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trovelabs/trove/internal/apierr"
	"github.com/trovelabs/trove/internal/config"
	"github.com/trovelabs/trove/internal/logger"
	"github.com/trovelabs/trove/internal/model"
	"github.com/trovelabs/trove/internal/storage"
	"github.com/trovelabs/trove/internal/validation"
)

type fakeAuth struct {
	user    *model.User
	access  *model.Access
	userErr error
	authErr error
	tracked []string
}

func (f *fakeAuth) ResolveUser(ctx context.Context, username string) (*model.User, error) {
	if f.userErr != nil {
		return nil, f.userErr
	}
	return f.user, nil
}

func (f *fakeAuth) Authenticate(ctx context.Context, user *model.User, token, callerID, methodID string) (*model.Access, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	return f.access, nil
}

func (f *fakeAuth) TrackCall(user *model.User, access *model.Access, methodID string) {
	f.tracked = append(f.tracked, methodID)
}

func testConfig() *config.Config {
	return &config.Config{
		APIVersion:       "1.9.0",
		Serial:           "test",
		MethodTimeout:    time.Second,
		ResultArrayLimit: 100,
	}
}

func newTestDispatcher(t *testing.T, cfg *config.Config, auth *fakeAuth, install func(*Registry, *validation.Validator)) *Dispatcher {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	if auth == nil {
		auth = &fakeAuth{
			user:   &model.User{ID: "u1", Username: "alice"},
			access: &model.Access{ID: "a1", Token: "tok", Type: model.AccessPersonal, Name: "session"},
		}
	}

	registry := NewRegistry()
	v := validation.New()
	if install != nil {
		install(registry, v)
	}
	log := logger.New(logger.Config{Level: slog.LevelError})
	metrics := NewMetrics(prometheus.NewRegistry())
	return NewDispatcher(registry, v, auth, cfg, log, metrics)
}

func TestInvokeUnknownMethod(t *testing.T) {
	d := newTestDispatcher(t, nil, nil, nil)

	_, apiErr := d.Invoke(context.Background(), &Call{MethodID: "no.such", Username: "alice"})
	if apiErr == nil || apiErr.ID != apierr.IDUnknownResource {
		t.Fatalf("unknown method should be UnknownResource, got %v", apiErr)
	}
}

func TestInvokeRunsSteps(t *testing.T) {
	d := newTestDispatcher(t, nil, nil, func(r *Registry, v *validation.Validator) {
		r.Register(&MethodDef{ID: "echo", Steps: []Step{
			func(c *Context, p Params, r *Result) error {
				r.Set("echo", p.Str("value"))
				r.Set("user", c.User.Username)
				return nil
			},
		}})
	})

	result, apiErr := d.Invoke(context.Background(), &Call{
		MethodID: "echo",
		Username: "alice",
		Params:   map[string]interface{}{"value": "hi"},
		Auth:     Auth{Token: "tok"},
	})
	if apiErr != nil {
		t.Fatalf("Invoke failed: %v", apiErr)
	}
	obj := result.Object()
	if obj["echo"] != "hi" || obj["user"] != "alice" {
		t.Fatalf("result = %v", obj)
	}
}

func TestInvokeAuthFailureStopsChain(t *testing.T) {
	ran := false
	auth := &fakeAuth{
		user:    &model.User{ID: "u1", Username: "alice"},
		authErr: apierr.InvalidAccessToken("Invalid access token."),
	}
	d := newTestDispatcher(t, nil, auth, func(r *Registry, v *validation.Validator) {
		r.Register(&MethodDef{ID: "guarded", Steps: []Step{
			func(c *Context, p Params, r *Result) error { ran = true; return nil },
		}})
	})

	_, apiErr := d.Invoke(context.Background(), &Call{MethodID: "guarded", Username: "alice"})
	if apiErr == nil || apiErr.ID != apierr.IDInvalidAccessToken {
		t.Fatalf("want InvalidAccessToken, got %v", apiErr)
	}
	if ran {
		t.Error("step chain must not run after failed auth")
	}
}

func TestInvokeSkipAuth(t *testing.T) {
	auth := &fakeAuth{
		user:    &model.User{ID: "u1", Username: "alice"},
		authErr: apierr.InvalidAccessToken("should not be called"),
	}
	d := newTestDispatcher(t, nil, auth, func(r *Registry, v *validation.Validator) {
		r.Register(&MethodDef{ID: "open", SkipAuth: true, Steps: []Step{
			func(c *Context, p Params, r *Result) error {
				if c.Access != nil {
					t.Error("SkipAuth call should carry no access")
				}
				r.Set("ok", true)
				return nil
			},
		}})
	})

	result, apiErr := d.Invoke(context.Background(), &Call{MethodID: "open", Username: "alice"})
	if apiErr != nil {
		t.Fatalf("Invoke failed: %v", apiErr)
	}
	if v, _ := result.Get("ok"); v != true {
		t.Error("step did not run")
	}
}

func TestPersonalOnly(t *testing.T) {
	auth := &fakeAuth{
		user:   &model.User{ID: "u1", Username: "alice"},
		access: &model.Access{ID: "a1", Token: "tok", Type: model.AccessShared, Name: "shared"},
	}
	d := newTestDispatcher(t, nil, auth, func(r *Registry, v *validation.Validator) {
		r.Register(&MethodDef{ID: "private.op", PersonalOnly: true, Steps: []Step{
			func(c *Context, p Params, r *Result) error { return nil },
		}})
	})

	_, apiErr := d.Invoke(context.Background(), &Call{MethodID: "private.op", Username: "alice", Auth: Auth{Token: "tok"}})
	if apiErr == nil || apiErr.ID != apierr.IDForbidden {
		t.Fatalf("shared token on personal-only method should be Forbidden, got %v", apiErr)
	}
}

func TestValidationRejectsUnknownParams(t *testing.T) {
	d := newTestDispatcher(t, nil, nil, func(r *Registry, v *validation.Validator) {
		if err := v.Register("strict.op", map[string]interface{}{
			"type":                 "object",
			"properties":           map[string]interface{}{"limit": map[string]interface{}{"type": "number"}},
			"additionalProperties": false,
		}); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		r.Register(&MethodDef{ID: "strict.op", Steps: []Step{
			func(c *Context, p Params, r *Result) error { return nil },
		}})
	})

	_, apiErr := d.Invoke(context.Background(), &Call{
		MethodID: "strict.op",
		Username: "alice",
		Params:   map[string]interface{}{"bogus": 1},
		Auth:     Auth{Token: "tok"},
	})
	if apiErr == nil || apiErr.ID != apierr.IDInvalidParametersFormat {
		t.Fatalf("unknown param should be InvalidParametersFormat, got %v", apiErr)
	}
}

func TestQueryCoercion(t *testing.T) {
	d := newTestDispatcher(t, nil, nil, func(r *Registry, v *validation.Validator) {
		if err := v.Register("coerce.op", map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"limit":  map[string]interface{}{"type": "number"},
				"sorted": map[string]interface{}{"type": "boolean"},
			},
			"additionalProperties": false,
		}); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		r.Register(&MethodDef{ID: "coerce.op", Steps: []Step{
			func(c *Context, p Params, r *Result) error {
				r.Set("limit", p.IntOr("limit", -1))
				r.Set("sorted", p.Bool("sorted"))
				return nil
			},
		}})
	})

	result, apiErr := d.Invoke(context.Background(), &Call{
		MethodID:  "coerce.op",
		Username:  "alice",
		Params:    map[string]interface{}{"limit": "20", "sorted": "true"},
		Auth:      Auth{Token: "tok"},
		FromQuery: true,
	})
	if apiErr != nil {
		t.Fatalf("Invoke failed: %v", apiErr)
	}
	if v, _ := result.Get("limit"); v != 20 {
		t.Errorf("limit = %v, want 20", v)
	}
	if v, _ := result.Get("sorted"); v != true {
		t.Errorf("sorted = %v, want true", v)
	}
}

func registerGuarded(r *Registry, v *validation.Validator, t *testing.T) {
	t.Helper()
	if err := v.Register("guarded.update", map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"update": map[string]interface{}{"type": "object"},
		},
	}, "name"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	r.Register(&MethodDef{ID: "guarded.update", Steps: []Step{
		func(c *Context, p Params, r *Result) error {
			r.Set("update", p.Map("update"))
			return nil
		},
	}})
}

func TestProtectedFieldsStrict(t *testing.T) {
	d := newTestDispatcher(t, nil, nil, func(r *Registry, v *validation.Validator) {
		registerGuarded(r, v, t)
	})

	_, apiErr := d.Invoke(context.Background(), &Call{
		MethodID: "guarded.update",
		Username: "alice",
		Params: map[string]interface{}{
			"update": map[string]interface{}{"name": "ok", "modified": 1.0},
		},
		Auth: Auth{Token: "tok"},
	})
	if apiErr == nil || apiErr.ID != apierr.IDForbidden {
		t.Fatalf("protected field in strict mode should be Forbidden, got %v", apiErr)
	}
}

func TestProtectedFieldsLenient(t *testing.T) {
	cfg := testConfig()
	cfg.IgnoreProtectedFields = true
	d := newTestDispatcher(t, cfg, nil, func(r *Registry, v *validation.Validator) {
		registerGuarded(r, v, t)
	})

	result, apiErr := d.Invoke(context.Background(), &Call{
		MethodID: "guarded.update",
		Username: "alice",
		Params: map[string]interface{}{
			"update": map[string]interface{}{"name": "ok", "modified": 1.0},
		},
		Auth: Auth{Token: "tok"},
	})
	if apiErr != nil {
		t.Fatalf("lenient mode should strip, not fail: %v", apiErr)
	}
	v, _ := result.Get("update")
	update := v.(map[string]interface{})
	if _, ok := update["modified"]; ok {
		t.Error("protected field should be stripped in lenient mode")
	}
	if update["name"] != "ok" {
		t.Error("alterable field should survive")
	}
}

func TestMethodTimeoutMapsToResourceLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MethodTimeout = 10 * time.Millisecond
	d := newTestDispatcher(t, cfg, nil, func(r *Registry, v *validation.Validator) {
		r.Register(&MethodDef{ID: "slow.op", Steps: []Step{
			func(c *Context, p Params, r *Result) error {
				<-c.Ctx.Done()
				return c.Ctx.Err()
			},
		}})
	})

	_, apiErr := d.Invoke(context.Background(), &Call{MethodID: "slow.op", Username: "alice", Auth: Auth{Token: "tok"}})
	if apiErr == nil || apiErr.ID != apierr.IDTooManyResults {
		t.Fatalf("budget exhaustion should map to TooManyResults, got %v", apiErr)
	}
}

func TestUnclassifiedErrorsBecomeUnexpected(t *testing.T) {
	d := newTestDispatcher(t, nil, nil, func(r *Registry, v *validation.Validator) {
		r.Register(&MethodDef{ID: "broken.op", Steps: []Step{
			func(c *Context, p Params, r *Result) error { return errors.New("disk on fire") },
		}})
	})

	_, apiErr := d.Invoke(context.Background(), &Call{MethodID: "broken.op", Username: "alice", Auth: Auth{Token: "tok"}})
	if apiErr == nil || apiErr.ID != apierr.IDUnexpectedError {
		t.Fatalf("want unexpectedError, got %v", apiErr)
	}
	if apiErr.Message == "disk on fire" {
		t.Error("internal cause must not leak into the client message")
	}
}

func TestBatchSequentialAndContinuesOnError(t *testing.T) {
	auth := &fakeAuth{
		user:   &model.User{ID: "u1", Username: "alice"},
		access: &model.Access{ID: "a1", Token: "tok", Type: model.AccessPersonal, Name: "session"},
	}
	var order []string
	d := newTestDispatcher(t, nil, auth, func(r *Registry, v *validation.Validator) {
		r.Register(&MethodDef{ID: "ok.op", Steps: []Step{
			func(c *Context, p Params, r *Result) error {
				if !c.Batch {
					t.Error("sub-call should be marked Batch")
				}
				order = append(order, p.Str("tag"))
				r.Set("tag", p.Str("tag"))
				return nil
			},
		}})
		r.Register(&MethodDef{ID: "fail.op", Steps: []Step{
			func(c *Context, p Params, r *Result) error {
				order = append(order, "fail")
				return apierr.Forbidden("nope")
			},
		}})
	})

	result, apiErr := d.Invoke(context.Background(), &Call{
		MethodID: "callBatch",
		Username: "alice",
		Auth:     Auth{Token: "tok"},
		Params: map[string]interface{}{
			"calls": []interface{}{
				map[string]interface{}{"method": "ok.op", "params": map[string]interface{}{"tag": "first"}},
				map[string]interface{}{"method": "fail.op"},
				map[string]interface{}{"method": "ok.op", "params": map[string]interface{}{"tag": "third"}},
			},
		},
	})
	if apiErr != nil {
		t.Fatalf("batch failed: %v", apiErr)
	}

	raw, _ := result.Get("results")
	results := raw.([]interface{})
	if len(results) != 3 {
		t.Fatalf("results len = %d, want 3", len(results))
	}
	if results[0].(map[string]interface{})["tag"] != "first" {
		t.Errorf("first result = %v", results[0])
	}
	if _, ok := results[1].(map[string]interface{})["error"]; !ok {
		t.Errorf("second result should be an error envelope, got %v", results[1])
	}
	if results[2].(map[string]interface{})["tag"] != "third" {
		t.Errorf("third result = %v", results[2])
	}
	if len(order) != 3 || order[0] != "first" || order[1] != "fail" || order[2] != "third" {
		t.Errorf("execution order = %v", order)
	}

	// Each sub-call is tracked against the shared access.
	if len(auth.tracked) != 3 {
		t.Errorf("tracked = %v, want 3 sub-calls", auth.tracked)
	}
}

func TestBatchRejectsNestedAndAuthSkipping(t *testing.T) {
	d := newTestDispatcher(t, nil, nil, func(r *Registry, v *validation.Validator) {
		r.Register(&MethodDef{ID: "open.op", SkipAuth: true, Steps: []Step{
			func(c *Context, p Params, r *Result) error { return nil },
		}})
	})

	result, apiErr := d.Invoke(context.Background(), &Call{
		MethodID: "callBatch",
		Username: "alice",
		Auth:     Auth{Token: "tok"},
		Params: map[string]interface{}{
			"calls": []interface{}{
				map[string]interface{}{"method": "callBatch", "params": map[string]interface{}{}},
				map[string]interface{}{"method": "open.op"},
			},
		},
	})
	if apiErr != nil {
		t.Fatalf("batch failed: %v", apiErr)
	}

	raw, _ := result.Get("results")
	results := raw.([]interface{})
	for i, entry := range results {
		env, ok := entry.(map[string]interface{})["error"].(*apierr.E)
		if !ok || env.ID != apierr.IDInvalidOperation {
			t.Errorf("result %d should be InvalidOperation, got %v", i, entry)
		}
	}
}

func TestResultStreamCap(t *testing.T) {
	r := NewResult(3)

	items := []interface{}{1, 2}
	if err := r.AddStream(context.Background(), "a", storage.NewSliceCursor(items), nil); err != nil {
		t.Fatalf("AddStream failed: %v", err)
	}

	// The cap is shared across every array of the call.
	err := r.AddStream(context.Background(), "b", storage.NewSliceCursor([]interface{}{3, 4}), nil)
	if err == nil || !apierr.Is(err, apierr.IDTooManyResults) {
		t.Fatalf("cap overflow should be TooManyResults, got %v", err)
	}
}

func TestResultRejectsConsumedSource(t *testing.T) {
	r := NewResult(10)
	src := storage.NewSliceCursor([]interface{}{1})

	if err := r.AddStream(context.Background(), "a", src, nil); err != nil {
		t.Fatalf("AddStream failed: %v", err)
	}
	err := r.AddStream(context.Background(), "b", src, nil)
	if err == nil || !apierr.Is(err, apierr.IDUnexpectedError) {
		t.Fatalf("re-feeding a source should be an internal failure, got %v", err)
	}
}

func TestResultConcatStreams(t *testing.T) {
	r := NewResult(10)
	ctx := context.Background()

	if err := r.AddToConcatStream(ctx, "events", storage.NewSliceCursor([]interface{}{"a", "b"}), nil); err != nil {
		t.Fatalf("AddToConcatStream failed: %v", err)
	}
	if err := r.AddToConcatStream(ctx, "events", storage.NewSliceCursor([]interface{}{"c"}), nil); err != nil {
		t.Fatalf("AddToConcatStream failed: %v", err)
	}
	r.CloseConcatStream("events")

	obj := r.Object()
	got := obj["events"].([]interface{})
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("concat result = %v", got)
	}
}

func TestResultTransform(t *testing.T) {
	r := NewResult(10)
	err := r.AddStream(context.Background(), "nums", storage.NewSliceCursor([]interface{}{1, 2}),
		func(item interface{}) interface{} { return item.(int) * 10 })
	if err != nil {
		t.Fatalf("AddStream failed: %v", err)
	}
	got := r.Object()["nums"].([]interface{})
	if got[0] != 10 || got[1] != 20 {
		t.Fatalf("transform result = %v", got)
	}
}
