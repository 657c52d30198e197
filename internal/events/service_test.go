package events

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/trovelabs/trove/internal/api"
	"github.com/trovelabs/trove/internal/apierr"
	"github.com/trovelabs/trove/internal/attachments"
	"github.com/trovelabs/trove/internal/cache"
	"github.com/trovelabs/trove/internal/config"
	"github.com/trovelabs/trove/internal/logger"
	"github.com/trovelabs/trove/internal/model"
	"github.com/trovelabs/trove/internal/pubsub"
	"github.com/trovelabs/trove/internal/storage"
	"github.com/trovelabs/trove/internal/storage/memory"
	"github.com/trovelabs/trove/internal/streams"
	"github.com/trovelabs/trove/internal/validation"
)

// fakeFiles keeps attachment bytes in memory and records removals.
type fakeFiles struct {
	maxBytes      int64
	saved         map[string][]byte
	deletedFiles  []string
	deletedEvents []string
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{saved: make(map[string][]byte)}
}

func fileKey(userID, eventID, attID string) string {
	return userID + "/" + eventID + "/" + attID
}

func (f *fakeFiles) Save(userID, eventID, attID string, src io.Reader) (int64, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return 0, err
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return 0, attachments.ErrTooLarge
	}
	f.saved[fileKey(userID, eventID, attID)] = data
	return int64(len(data)), nil
}

func (f *fakeFiles) Open(userID, eventID, attID string) (io.ReadCloser, int64, error) {
	data, ok := f.saved[fileKey(userID, eventID, attID)]
	if !ok {
		return nil, 0, fmt.Errorf("no file %s", fileKey(userID, eventID, attID))
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (f *fakeFiles) Delete(userID, eventID, attID string) error {
	key := fileKey(userID, eventID, attID)
	delete(f.saved, key)
	f.deletedFiles = append(f.deletedFiles, key)
	return nil
}

func (f *fakeFiles) DeleteEvent(userID, eventID string) error {
	prefix := userID + "/" + eventID + "/"
	for key := range f.saved {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(f.saved, key)
		}
	}
	f.deletedEvents = append(f.deletedEvents, userID+"/"+eventID)
	return nil
}

type fixture struct {
	service *Service
	store   storage.Store
	files   *fakeFiles
	cfg     *config.Config
	user    *model.User
	seq     float64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.New(logger.Config{Level: slog.LevelError})
	bus := pubsub.New(log)
	c, err := cache.New(true, 32, bus, log)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	store := memory.New()

	user := &model.User{ID: "u1", Username: "alice", Email: "alice@example.com"}
	if err := store.Users().Create(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}

	v := validation.New()
	if err := v.RegisterEventType("mass/kg", map[string]interface{}{"type": "number"}); err != nil {
		t.Fatalf("register event type: %v", err)
	}

	cfg := &config.Config{
		ServerSecret:       "test-secret",
		KeepHistory:        true,
		AttachmentMaxBytes: 1 << 20,
	}
	files := newFakeFiles()
	repo := streams.NewRepository(store, c, bus)
	svc := NewService(store, repo, bus, files, v, cfg, log)
	return &fixture{service: svc, store: store, files: files, cfg: cfg, user: user}
}

func (f *fixture) seedStream(t *testing.T, st *model.Stream) *model.Stream {
	t.Helper()
	if st.Created == 0 {
		f.seq++
		st.Created = f.seq
		st.CreatedBy = "test"
		st.Modified = f.seq
		st.ModifiedBy = "test"
	}
	if err := f.store.Streams().Create(context.Background(), f.user.ID, st); err != nil {
		t.Fatalf("seed stream %s: %v", st.ID, err)
	}
	return st
}

// seedForest plants work > work-sub plus a root sibling home.
func (f *fixture) seedForest(t *testing.T) {
	t.Helper()
	f.seedStream(t, &model.Stream{ID: "work", Name: "Work"})
	f.seedStream(t, &model.Stream{ID: "work-sub", Name: "Meetings", ParentID: strPtr("work")})
	f.seedStream(t, &model.Stream{ID: "home", Name: "Home"})
}

func (f *fixture) seedEvent(t *testing.T, ev *model.Event) *model.Event {
	t.Helper()
	if ev.Type == "" {
		ev.Type = "note/txt"
	}
	if ev.Time == 0 {
		f.seq++
		ev.Time = f.seq
	}
	if ev.Created == 0 {
		ev.Created = ev.Time
		ev.CreatedBy = "test"
		ev.Modified = ev.Time
		ev.ModifiedBy = "test"
	}
	if err := f.store.Events().Create(context.Background(), f.user.ID, ev); err != nil {
		t.Fatalf("seed event %s: %v", ev.ID, err)
	}
	return ev
}

func strPtr(s string) *string { return &s }

func floatPtr(v float64) *float64 { return &v }

func runMethod(t *testing.T, s *Service, c *api.Context, methodID string, params api.Params) (*api.Result, error) {
	t.Helper()
	for _, def := range s.Methods() {
		if def.ID != methodID {
			continue
		}
		if def.Normalize != nil {
			def.Normalize(params)
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

func callCtx(f *fixture, access *model.Access) *api.Context {
	return &api.Context{Ctx: context.Background(), User: f.user, Access: access}
}

func personalAccess() *model.Access {
	return &model.Access{ID: "sess", Token: "t-sess", Type: model.AccessPersonal, Name: "trove-ui"}
}

func appAccess(id string, perms ...model.Permission) *model.Access {
	return &model.Access{ID: id, Token: "t-" + id, Type: model.AccessApp, Name: id, Permissions: perms}
}

func errID(t *testing.T, err error) apierr.ID {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	return apierr.As(err).ID
}

func resultEvents(t *testing.T, r *api.Result) []*model.Event {
	t.Helper()
	v, ok := r.Get("events")
	if !ok {
		t.Fatal("result has no events")
	}
	items := v.([]interface{})
	out := make([]*model.Event, len(items))
	for i, item := range items {
		out[i] = item.(*model.Event)
	}
	return out
}

func resultEvent(t *testing.T, r *api.Result) *model.Event {
	t.Helper()
	v, ok := r.Get("event")
	if !ok {
		t.Fatal("result has no event")
	}
	return v.(*model.Event)
}

func eventIDs(events []*model.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.ID
	}
	return out
}
