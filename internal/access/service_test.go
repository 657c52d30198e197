package access

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/trovelabs/trove/internal/apierr"
	"github.com/trovelabs/trove/internal/cache"
	"github.com/trovelabs/trove/internal/config"
	"github.com/trovelabs/trove/internal/logger"
	"github.com/trovelabs/trove/internal/model"
	"github.com/trovelabs/trove/internal/pubsub"
	"github.com/trovelabs/trove/internal/storage"
	"github.com/trovelabs/trove/internal/storage/memory"
)

type fakeIndexer struct {
	idx *model.StreamIndex
}

func (f *fakeIndexer) Index(ctx context.Context, userID string) (*model.StreamIndex, error) {
	if f.idx == nil {
		return model.NewStreamIndex(nil), nil
	}
	return f.idx, nil
}

func testConfig() *config.Config {
	return &config.Config{
		SessionMaxAge:          14 * 24 * time.Hour,
		TrackingWorkerPoolSize: 1,
		TrackingBufferSize:     64,
		TrackingTimeoutSeconds: 5,
	}
}

type fixture struct {
	service *Service
	store   storage.Store
	cache   *cache.Cache
	bus     *pubsub.Bus
	user    *model.User
}

func newFixture(t *testing.T, cacheEnabled bool, streams []*model.Stream) *fixture {
	t.Helper()
	log := logger.New(logger.Config{Level: slog.LevelError})
	bus := pubsub.New(log)
	c, err := cache.New(cacheEnabled, 32, bus, log)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	store := memory.New()

	user := &model.User{ID: "u1", Username: "alice", Email: "alice@example.com"}
	if err := store.Users().Create(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}

	indexer := &fakeIndexer{}
	if streams != nil {
		indexer.idx = model.NewStreamIndex(streams)
	}
	svc := NewService(store, c, bus, testConfig(), log, indexer)
	t.Cleanup(svc.Shutdown)
	return &fixture{service: svc, store: store, cache: c, bus: bus, user: user}
}

func (f *fixture) seedAccess(t *testing.T, a *model.Access) *model.Access {
	t.Helper()
	if a.Created == 0 {
		a.Stamp(a.ID)
	}
	if err := f.store.Accesses().Create(context.Background(), f.user.ID, a); err != nil {
		t.Fatalf("seed access %s: %v", a.ID, err)
	}
	return a
}

func errID(t *testing.T, err error) apierr.ID {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	return apierr.As(err).ID
}

func TestResolveUserCachesBinding(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()

	u, err := f.service.ResolveUser(ctx, "alice")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if u.ID != "u1" {
		t.Errorf("resolved user %q, want u1", u.ID)
	}
	if id, ok := f.cache.GetUserID("alice"); !ok || id != "u1" {
		t.Errorf("binding not cached: %q %v", id, ok)
	}

	if _, err := f.service.ResolveUser(ctx, "nobody"); errID(t, err) != apierr.IDUnknownResource {
		t.Errorf("unknown username: got %v", err)
	}
	if _, err := f.service.ResolveUser(ctx, ""); errID(t, err) != apierr.IDUnknownResource {
		t.Errorf("empty username: got %v", err)
	}
}

func TestAuthenticateTokenLifecycle(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()
	f.seedAccess(t, &model.Access{ID: "a1", Token: "tok-1", Type: model.AccessApp, Name: "app"})

	if _, err := f.service.Authenticate(ctx, f.user, "", "", "events.get"); errID(t, err) != apierr.IDInvalidAccessToken {
		t.Errorf("missing token: got %v", err)
	}
	if _, err := f.service.Authenticate(ctx, f.user, "wrong", "", "events.get"); errID(t, err) != apierr.IDInvalidAccessToken {
		t.Errorf("unknown token: got %v", err)
	}

	a, err := f.service.Authenticate(ctx, f.user, "tok-1", "", "events.get")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if a.ID != "a1" {
		t.Errorf("authenticated access %q, want a1", a.ID)
	}
	if _, ok := f.cache.GetAccessByToken(f.user.ID, "tok-1"); !ok {
		t.Error("access not cached after authentication")
	}

	past := model.NowSeconds() - 10
	expired := &model.Access{ID: "a2", Token: "tok-2", Type: model.AccessApp, Name: "old", Expires: &past}
	f.seedAccess(t, expired)
	if _, err := f.service.Authenticate(ctx, f.user, "tok-2", "", "events.get"); errID(t, err) != apierr.IDInvalidAccessToken {
		t.Errorf("expired token: got %v", err)
	}
}

func TestAuthenticateRunsAuthStep(t *testing.T) {
	f := newFixture(t, false, nil)
	ctx := context.Background()
	f.seedAccess(t, &model.Access{ID: "a1", Token: "tok-1", Type: model.AccessApp, Name: "app"})

	var gotCallerID string
	f.service.SetAuthStep(func(ctx context.Context, user *model.User, access *model.Access, callerID string) error {
		gotCallerID = callerID
		return nil
	})
	if _, err := f.service.Authenticate(ctx, f.user, "tok-1", "device-7", "events.get"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if gotCallerID != "device-7" {
		t.Errorf("auth step callerID %q, want device-7", gotCallerID)
	}

	f.service.SetAuthStep(func(context.Context, *model.User, *model.Access, string) error {
		return apierr.Forbidden("blocked")
	})
	if _, err := f.service.Authenticate(ctx, f.user, "tok-1", "", "events.get"); errID(t, err) != apierr.IDForbidden {
		t.Errorf("refusing auth step: got %v", err)
	}

	f.service.SetAuthStep(func(context.Context, *model.User, *model.Access, string) error {
		return errors.New("ldap down")
	})
	if _, err := f.service.Authenticate(ctx, f.user, "tok-1", "", "events.get"); errID(t, err) != apierr.IDUnexpectedError {
		t.Errorf("failing auth step: got %v", err)
	}
}

func TestTrackCallPersistsUsage(t *testing.T) {
	f := newFixture(t, false, nil)
	ctx := context.Background()
	a := f.seedAccess(t, &model.Access{ID: "a1", Token: "tok-1", Type: model.AccessApp, Name: "app"})

	f.service.TrackCall(f.user, a, "events.get")
	f.service.TrackCall(f.user, a, "events.get")
	f.service.TrackCall(f.user, a, "streams.get")
	f.service.Shutdown()

	stored, err := f.store.Accesses().Get(ctx, f.user.ID, "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.LastUsed == 0 {
		t.Error("lastUsed not bumped")
	}
	if stored.Calls["events:get"] != 2 || stored.Calls["streams:get"] != 1 {
		t.Errorf("call counters %v", stored.Calls)
	}
}

func TestTrackCallSlidesPersonalSession(t *testing.T) {
	f := newFixture(t, false, nil)
	ctx := context.Background()

	// Expiring within a quarter of the session validity.
	soon := model.NowSeconds() + 60
	session := f.seedAccess(t, &model.Access{
		ID: "s1", Token: "sess-1", Type: model.AccessPersonal, Name: "trove-ui", Expires: &soon,
	})

	evicted := make(chan pubsub.Message, 1)
	f.bus.Subscribe(f.user.ID, func(msg pubsub.Message) {
		if msg.Tag == pubsub.TagUnsetAccessLogic {
			evicted <- msg
		}
	})

	f.service.TrackCall(f.user, session, "events.get")
	f.service.Shutdown()

	stored, err := f.store.Accesses().Get(ctx, f.user.ID, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Expires == nil || *stored.Expires <= soon {
		t.Fatalf("expiry not slid: %v", stored.Expires)
	}
	select {
	case msg := <-evicted:
		if msg.Fields["accessId"] != "s1" {
			t.Errorf("evicted access %q, want s1", msg.Fields["accessId"])
		}
	default:
		t.Error("no cache eviction published after slide")
	}
}

func TestTrackCallLeavesFreshSessionAlone(t *testing.T) {
	f := newFixture(t, false, nil)
	ctx := context.Background()

	far := model.NowSeconds() + testConfig().SessionMaxAge.Seconds()
	session := f.seedAccess(t, &model.Access{
		ID: "s1", Token: "sess-1", Type: model.AccessPersonal, Name: "trove-ui", Expires: &far,
	})

	f.service.TrackCall(f.user, session, "events.get")
	f.service.Shutdown()

	stored, err := f.store.Accesses().Get(ctx, f.user.ID, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Expires == nil || *stored.Expires != far {
		t.Errorf("expiry moved on a fresh session: %v, want %v", stored.Expires, far)
	}
	if stored.LastUsed == 0 {
		t.Error("lastUsed not bumped")
	}
}
