package streams

import (
	"context"
	"errors"
	"testing"

	"github.com/trovelabs/trove/internal/api"
	"github.com/trovelabs/trove/internal/apierr"
	"github.com/trovelabs/trove/internal/cuid"
	"github.com/trovelabs/trove/internal/model"
	"github.com/trovelabs/trove/internal/storage"
)

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

func errID(t *testing.T, err error) apierr.ID {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	return apierr.As(err).ID
}

func personalAccess() *model.Access {
	return &model.Access{ID: "sess", Token: "t-sess", Type: model.AccessPersonal, Name: "trove-ui"}
}

func resultStreams(t *testing.T, r *api.Result) []*model.Stream {
	t.Helper()
	v, ok := r.Get("streams")
	if !ok {
		t.Fatal("result has no streams")
	}
	list, ok := v.([]*model.Stream)
	if !ok {
		t.Fatalf("result streams is %T", v)
	}
	return list
}

func resultStream(t *testing.T, r *api.Result) *model.Stream {
	t.Helper()
	v, ok := r.Get("stream")
	if !ok {
		t.Fatal("result has no stream")
	}
	st, ok := v.(*model.Stream)
	if !ok {
		t.Fatalf("result stream is %T", v)
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

func TestStreamsGetAssemblesTree(t *testing.T) {
	f := newFixture(t, true)
	f.seedForest(t)

	r, err := runMethod(t, f.service, callCtx(f, personalAccess()), "streams.get", api.Params{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	roots := resultStreams(t, r)
	if len(roots) != 3 {
		t.Fatalf("got %d roots, want work, home and the account stream", len(roots))
	}
	if roots[0].ID != "work" || roots[1].ID != "home" {
		t.Errorf("root order = %s, %s; want creation order", roots[0].ID, roots[1].ID)
	}
	if len(roots[0].Children) != 1 || roots[0].Children[0].ID != "work-sub" {
		t.Errorf("work children = %+v", roots[0].Children)
	}
	if roots[1].Children == nil {
		t.Error("leaf children must be an empty array, not null")
	}
	if roots[2].ID != model.AccountStreamID || roots[2].Name != "Account" {
		t.Errorf("account stream = %+v", roots[2])
	}
}

func TestStreamsGetUnderParent(t *testing.T) {
	f := newFixture(t, true)
	f.seedForest(t)

	r, err := runMethod(t, f.service, callCtx(f, personalAccess()), "streams.get",
		api.Params{"parentId": "work"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got := resultStreams(t, r)
	if len(got) != 1 || got[0].ID != "work-sub" {
		t.Fatalf("children of work = %+v", got)
	}

	_, err = runMethod(t, f.service, callCtx(f, personalAccess()), "streams.get",
		api.Params{"parentId": "nowhere"})
	if errID(t, err) != apierr.IDUnknownReferencedResource {
		t.Errorf("unknown parent: got %v, want unknown-referenced-resource", err)
	}
}

func TestStreamsGetStateFiltering(t *testing.T) {
	f := newFixture(t, true)
	f.seedForest(t)
	personal := personalAccess()

	if _, err := runMethod(t, f.service, callCtx(f, personal), "streams.delete",
		api.Params{"id": "work-sub"}); err != nil {
		t.Fatalf("trash: %v", err)
	}

	r, err := runMethod(t, f.service, callCtx(f, personal), "streams.get",
		api.Params{"parentId": "work"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := resultStreams(t, r); len(got) != 0 {
		t.Errorf("trashed stream leaked into default listing: %+v", got)
	}

	r, err = runMethod(t, f.service, callCtx(f, personal), "streams.get",
		api.Params{"parentId": "work", "state": "all"})
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	got := resultStreams(t, r)
	if len(got) != 1 || !got[0].Trashed {
		t.Errorf("state=all should list the trashed stream: %+v", got)
	}
}

func TestStreamsGetPermissionFiltering(t *testing.T) {
	f := newFixture(t, true)
	f.seedForest(t)

	// Only the child is granted: it surfaces at the top level.
	leafOnly := &model.Access{ID: "app1", Token: "t-app", Type: model.AccessApp, Name: "tracker",
		Permissions: []model.Permission{{StreamID: "work-sub", Level: model.LevelContribute}}}
	r, err := runMethod(t, f.service, callCtx(f, leafOnly), "streams.get", api.Params{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got := resultStreams(t, r)
	if len(got) != 1 || got[0].ID != "work-sub" {
		t.Fatalf("leaf-only access sees %+v, want the granted subtree surfaced", got)
	}

	// A grant on the parent exposes the whole subtree in place.
	parentRead := &model.Access{ID: "app2", Token: "t-app2", Type: model.AccessApp, Name: "viewer",
		Permissions: []model.Permission{{StreamID: "work", Level: model.LevelRead}}}
	r, err = runMethod(t, f.service, callCtx(f, parentRead), "streams.get", api.Params{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got = resultStreams(t, r)
	if len(got) != 1 || got[0].ID != "work" || len(got[0].Children) != 1 {
		t.Fatalf("parent grant sees %+v", got)
	}

	// Wildcard sees everything, account stream included.
	wildcard := &model.Access{ID: "app3", Token: "t-app3", Type: model.AccessApp, Name: "admin",
		Permissions: []model.Permission{{StreamID: "*", Level: model.LevelRead}}}
	r, err = runMethod(t, f.service, callCtx(f, wildcard), "streams.get", api.Params{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got = resultStreams(t, r)
	if len(got) != 3 || got[2].ID != model.AccountStreamID {
		t.Fatalf("wildcard access sees %d roots, want 3 with account", len(got))
	}
}

func TestStreamsGetIncludesDeletions(t *testing.T) {
	f := newFixture(t, true)
	f.seedForest(t)
	personal := personalAccess()

	for i := 0; i < 2; i++ {
		if _, err := runMethod(t, f.service, callCtx(f, personal), "streams.delete",
			api.Params{"id": "home"}); err != nil {
			t.Fatalf("delete pass %d: %v", i, err)
		}
	}

	r, err := runMethod(t, f.service, callCtx(f, personal), "streams.get",
		api.Params{"includeDeletionsSince": float64(0)})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	v, ok := r.Get("streamDeletions")
	if !ok {
		t.Fatal("result has no streamDeletions")
	}
	deletions := v.([]model.Deletion)
	if len(deletions) != 1 || deletions[0].ID != "home" || deletions[0].Deleted == 0 {
		t.Fatalf("streamDeletions = %+v", deletions)
	}

	r, err = runMethod(t, f.service, callCtx(f, personal), "streams.get",
		api.Params{"includeDeletionsSince": deletions[0].Deleted + 1})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	v, _ = r.Get("streamDeletions")
	if got := v.([]model.Deletion); len(got) != 0 {
		t.Errorf("deletions since a later time = %+v, want none", got)
	}
}

func TestStreamsCreate(t *testing.T) {
	f := newFixture(t, true)
	f.seedForest(t)
	personal := personalAccess()

	r, err := runMethod(t, f.service, callCtx(f, personal), "streams.create",
		api.Params{"name": "Projects", "clientData": map[string]interface{}{"color": "teal"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	created := resultStream(t, r)
	if !cuid.IsLike(created.ID) {
		t.Errorf("generated id %q", created.ID)
	}
	if created.CreatedBy != "sess" || created.Created == 0 {
		t.Errorf("audit fields not stamped: %+v", created.Tracked)
	}
	if created.Integrity == "" {
		t.Error("integrity not computed")
	}
	if created.Children == nil {
		t.Error("children must be an empty array on write responses")
	}
	if _, err := f.store.Streams().Get(context.Background(), f.user.ID, created.ID); err != nil {
		t.Errorf("created stream not stored: %v", err)
	}

	// Caller-picked ids are kept when well-formed.
	r, err = runMethod(t, f.service, callCtx(f, personal), "streams.create",
		api.Params{"id": "inbox", "name": "Inbox", "parentId": "work"})
	if err != nil {
		t.Fatalf("create with id: %v", err)
	}
	created = resultStream(t, r)
	if created.ID != "inbox" || created.ParentID == nil || *created.ParentID != "work" {
		t.Errorf("created = %+v", created)
	}
}

func TestStreamsCreateRefusals(t *testing.T) {
	f := newFixture(t, true)
	f.seedForest(t)
	personal := personalAccess()

	if _, err := runMethod(t, f.service, callCtx(f, personal), "streams.create",
		api.Params{"id": "bad id!", "name": "X"}); errID(t, err) != apierr.IDInvalidParametersFormat {
		t.Errorf("malformed id: got %v, want invalid-parameters-format", err)
	}

	if _, err := runMethod(t, f.service, callCtx(f, personal), "streams.create",
		api.Params{"name": "Work"}); errID(t, err) != apierr.IDItemAlreadyExists {
		t.Errorf("duplicate sibling name: got %v, want item-already-exists", err)
	}

	// The same name under a different parent is fine.
	if _, err := runMethod(t, f.service, callCtx(f, personal), "streams.create",
		api.Params{"name": "Work", "parentId": "home"}); err != nil {
		t.Errorf("same name under another parent: %v", err)
	}

	if _, err := runMethod(t, f.service, callCtx(f, personal), "streams.create",
		api.Params{"name": "X", "parentId": "nowhere"}); errID(t, err) != apierr.IDUnknownReferencedResource {
		t.Errorf("unknown parent: got %v, want unknown-referenced-resource", err)
	}

	if _, err := runMethod(t, f.service, callCtx(f, personal), "streams.create",
		api.Params{"name": "X", "parentId": model.TagStreamID("health")}); errID(t, err) != apierr.IDInvalidOperation {
		t.Errorf("synthetic parent: got %v, want invalid-operation", err)
	}

	if _, err := runMethod(t, f.service, callCtx(f, personal), "streams.delete",
		api.Params{"id": "work"}); err != nil {
		t.Fatalf("trash work: %v", err)
	}
	if _, err := runMethod(t, f.service, callCtx(f, personal), "streams.create",
		api.Params{"name": "X", "parentId": "work"}); errID(t, err) != apierr.IDInvalidOperation {
		t.Errorf("trashed parent: got %v, want invalid-operation", err)
	}
}

func TestStreamsCreateIDReusableAfterPurge(t *testing.T) {
	f := newFixture(t, true)
	personal := personalAccess()

	if _, err := runMethod(t, f.service, callCtx(f, personal), "streams.create",
		api.Params{"id": "scratch", "name": "Scratch"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := runMethod(t, f.service, callCtx(f, personal), "streams.delete",
			api.Params{"id": "scratch"}); err != nil {
			t.Fatalf("delete pass %d: %v", i, err)
		}
	}
	if _, err := runMethod(t, f.service, callCtx(f, personal), "streams.create",
		api.Params{"id": "scratch", "name": "Scratch"}); err != nil {
		t.Errorf("stream ids must be reusable after a purge: %v", err)
	}
}

func TestStreamsCreatePermissions(t *testing.T) {
	f := newFixture(t, true)
	f.seedForest(t)

	create := func(a *model.Access, params api.Params) error {
		_, err := runMethod(t, f.service, callCtx(f, a), "streams.create", params)
		return err
	}

	manager := &model.Access{ID: "app-m", Token: "t-m", Type: model.AccessApp, Name: "manager",
		Permissions: []model.Permission{{StreamID: "work", Level: model.LevelManage}}}
	if err := create(manager, api.Params{"name": "Reports", "parentId": "work"}); err != nil {
		t.Errorf("manage grant refused: %v", err)
	}
	if err := create(manager, api.Params{"name": "Loose"}); errID(t, err) != apierr.IDForbidden {
		t.Errorf("root creation without wildcard: got %v, want forbidden", err)
	}

	contributor := &model.Access{ID: "app-c", Token: "t-c", Type: model.AccessApp, Name: "contributor",
		Permissions: []model.Permission{{StreamID: "work", Level: model.LevelContribute}}}
	if err := create(contributor, api.Params{"name": "Notes", "parentId": "work"}); errID(t, err) != apierr.IDForbidden {
		t.Errorf("contribute does not cover stream creation: got %v, want forbidden", err)
	}

	collector := &model.Access{ID: "app-k", Token: "t-k", Type: model.AccessApp, Name: "collector",
		Permissions: []model.Permission{{StreamID: "work", Level: model.LevelCreateOnly}}}
	if err := create(collector, api.Params{"name": "Dropbox", "parentId": "work"}); err != nil {
		t.Errorf("create-only grant refused: %v", err)
	}

	root := &model.Access{ID: "app-r", Token: "t-r", Type: model.AccessApp, Name: "root",
		Permissions: []model.Permission{{StreamID: "*", Level: model.LevelManage}}}
	if err := create(root, api.Params{"name": "Anywhere"}); err != nil {
		t.Errorf("wildcard manage refused root creation: %v", err)
	}
}

func TestStreamsUpdate(t *testing.T) {
	f := newFixture(t, true)
	f.seedForest(t)
	personal := personalAccess()

	r, err := runMethod(t, f.service, callCtx(f, personal), "streams.update", api.Params{
		"id": "home",
		"update": map[string]interface{}{
			"name":       "HQ",
			"clientData": map[string]interface{}{"color": "red"},
		},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	updated := resultStream(t, r)
	if updated.Name != "HQ" || updated.ClientData["color"] != "red" {
		t.Errorf("updated = %+v", updated)
	}
	if updated.ModifiedBy != "sess" {
		t.Errorf("modifiedBy %q", updated.ModifiedBy)
	}

	if _, err := runMethod(t, f.service, callCtx(f, personal), "streams.update", api.Params{
		"id": "work", "update": map[string]interface{}{"name": "HQ"},
	}); errID(t, err) != apierr.IDItemAlreadyExists {
		t.Errorf("rename onto sibling: got %v, want item-already-exists", err)
	}

	if _, err := runMethod(t, f.service, callCtx(f, personal), "streams.update", api.Params{
		"id": "nowhere", "update": map[string]interface{}{"name": "X"},
	}); errID(t, err) != apierr.IDUnknownResource {
		t.Errorf("unknown id: got %v, want unknown-resource", err)
	}

	if _, err := runMethod(t, f.service, callCtx(f, personal), "streams.update", api.Params{
		"id": model.AccountStreamID, "update": map[string]interface{}{"name": "X"},
	}); errID(t, err) != apierr.IDInvalidOperation {
		t.Errorf("synthetic stream: got %v, want invalid-operation", err)
	}
}

func TestStreamsUpdateMove(t *testing.T) {
	f := newFixture(t, true)
	f.seedForest(t)
	f.seedStream(t, &model.Stream{ID: "archive", Name: "Archive"})
	personal := personalAccess()

	// A stream cannot move under its own descendant.
	if _, err := runMethod(t, f.service, callCtx(f, personal), "streams.update", api.Params{
		"id": "work", "update": map[string]interface{}{"parentId": "work-sub"},
	}); errID(t, err) != apierr.IDInvalidOperation {
		t.Errorf("cycle: got %v, want invalid-operation", err)
	}

	r, err := runMethod(t, f.service, callCtx(f, personal), "streams.update", api.Params{
		"id": "work-sub", "update": map[string]interface{}{"parentId": "archive"},
	})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	moved := resultStream(t, r)
	if moved.ParentID == nil || *moved.ParentID != "archive" {
		t.Fatalf("parentId = %v", moved.ParentID)
	}

	// An explicit null parent moves to the root.
	r, err = runMethod(t, f.service, callCtx(f, personal), "streams.update", api.Params{
		"id": "work-sub", "update": map[string]interface{}{"parentId": nil},
	})
	if err != nil {
		t.Fatalf("move to root: %v", err)
	}
	if moved := resultStream(t, r); moved.ParentID != nil {
		t.Fatalf("parentId = %v, want root", *moved.ParentID)
	}

	if _, err := runMethod(t, f.service, callCtx(f, personal), "streams.update", api.Params{
		"id": "work-sub", "update": map[string]interface{}{"parentId": "nowhere"},
	}); errID(t, err) != apierr.IDUnknownReferencedResource {
		t.Errorf("unknown new parent: got %v, want unknown-referenced-resource", err)
	}
}

func TestStreamsUpdateMovePermissions(t *testing.T) {
	f := newFixture(t, true)
	f.seedForest(t)
	f.seedStream(t, &model.Stream{ID: "archive", Name: "Archive"})

	oneSided := &model.Access{ID: "app1", Token: "t-1", Type: model.AccessApp, Name: "half",
		Permissions: []model.Permission{{StreamID: "work", Level: model.LevelManage}}}
	if _, err := runMethod(t, f.service, callCtx(f, oneSided), "streams.update", api.Params{
		"id": "work-sub", "update": map[string]interface{}{"parentId": "archive"},
	}); errID(t, err) != apierr.IDForbidden {
		t.Errorf("manage on one side only: got %v, want forbidden", err)
	}

	bothSides := &model.Access{ID: "app2", Token: "t-2", Type: model.AccessApp, Name: "full",
		Permissions: []model.Permission{
			{StreamID: "work", Level: model.LevelManage},
			{StreamID: "archive", Level: model.LevelManage},
		}}
	if _, err := runMethod(t, f.service, callCtx(f, bothSides), "streams.update", api.Params{
		"id": "work-sub", "update": map[string]interface{}{"parentId": "archive"},
	}); err != nil {
		t.Errorf("manage on both parents refused: %v", err)
	}
}

func TestStreamsDeleteTwoPhase(t *testing.T) {
	f := newFixture(t, true)
	f.seedForest(t)
	personal := personalAccess()
	ctx := context.Background()

	f.seedEvent(t, &model.Event{ID: "e1", StreamIDs: []string{"work-sub"}, Type: "note/txt"})
	f.seedEvent(t, &model.Event{ID: "e2", StreamIDs: []string{"work-sub", "home"}, Type: "note/txt"})
	f.seedEvent(t, &model.Event{ID: "e3", StreamIDs: []string{"work"}, Type: "note/txt"})
	if err := f.store.Events().AddHistory(ctx, f.user.ID, &model.Event{ID: "e1h", HeadID: "e1", Type: "note/txt"}); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	r, err := runMethod(t, f.service, callCtx(f, personal), "streams.delete", api.Params{"id": "work"})
	if err != nil {
		t.Fatalf("first delete: %v", err)
	}
	trashed := resultStream(t, r)
	if !trashed.Trashed {
		t.Fatal("first delete must trash, not remove")
	}
	if stored, _ := f.store.Streams().Get(ctx, f.user.ID, "work"); stored == nil || !stored.Trashed {
		t.Fatal("trashed flag not persisted")
	}

	r, err = runMethod(t, f.service, callCtx(f, personal), "streams.delete", api.Params{"id": "work"})
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	v, ok := r.Get("streamDeletion")
	if !ok {
		t.Fatal("result has no streamDeletion")
	}
	deletion := v.(*model.Deletion)
	if deletion.ID != "work" || deletion.Deleted == 0 || deletion.Integrity == "" {
		t.Fatalf("streamDeletion = %+v", deletion)
	}
	if v, _ := r.Get("updatedEvents"); v != 1 {
		t.Errorf("updatedEvents = %v, want 1", v)
	}

	// The whole subtree is gone, each node leaving a tombstone.
	for _, sid := range []string{"work", "work-sub"} {
		if _, err := f.store.Streams().Get(ctx, f.user.ID, sid); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("stream %s still present: %v", sid, err)
		}
	}
	tombstones, _ := f.store.Streams().GetDeletions(ctx, f.user.ID, 0)
	if len(tombstones) != 2 {
		t.Errorf("got %d stream tombstones, want one per subtree node", len(tombstones))
	}
	if _, err := f.store.Streams().Get(ctx, f.user.ID, "home"); err != nil {
		t.Errorf("unrelated stream harmed: %v", err)
	}

	// e1 and e3 lived only in the subtree: purged with tombstones and
	// history. e2 survives with its membership stripped.
	for _, eid := range []string{"e1", "e3"} {
		if _, err := f.store.Events().Get(ctx, f.user.ID, eid); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("event %s still present: %v", eid, err)
		}
		if has, _ := f.store.Events().HasDeletion(ctx, f.user.ID, eid); !has {
			t.Errorf("event %s left no tombstone", eid)
		}
	}
	if snapshots, _ := f.store.Events().History(ctx, f.user.ID, "e1"); len(snapshots) != 0 {
		t.Errorf("purged event kept %d history snapshots", len(snapshots))
	}
	e2, err := f.store.Events().Get(ctx, f.user.ID, "e2")
	if err != nil {
		t.Fatalf("e2: %v", err)
	}
	if len(e2.StreamIDs) != 1 || e2.StreamIDs[0] != "home" {
		t.Errorf("e2 streamIds = %v, want [home]", e2.StreamIDs)
	}
}

func TestStreamsDeleteMergesEvents(t *testing.T) {
	f := newFixture(t, true)
	f.seedForest(t)
	personal := personalAccess()
	ctx := context.Background()

	f.seedEvent(t, &model.Event{ID: "e1", StreamIDs: []string{"work-sub"}, Type: "note/txt"})
	f.seedEvent(t, &model.Event{ID: "e2", StreamIDs: []string{"work-sub", "work"}, Type: "note/txt"})

	if _, err := runMethod(t, f.service, callCtx(f, personal), "streams.delete",
		api.Params{"id": "work-sub"}); err != nil {
		t.Fatalf("trash: %v", err)
	}
	r, err := runMethod(t, f.service, callCtx(f, personal), "streams.delete",
		api.Params{"id": "work-sub", "mergeEventsWithParent": true})
	if err != nil {
		t.Fatalf("purge with merge: %v", err)
	}
	if v, _ := r.Get("updatedEvents"); v != 2 {
		t.Errorf("updatedEvents = %v, want 2", v)
	}

	e1, _ := f.store.Events().Get(ctx, f.user.ID, "e1")
	if len(e1.StreamIDs) != 1 || e1.StreamIDs[0] != "work" {
		t.Errorf("e1 streamIds = %v, want [work]", e1.StreamIDs)
	}
	e2, _ := f.store.Events().Get(ctx, f.user.ID, "e2")
	if len(e2.StreamIDs) != 1 || e2.StreamIDs[0] != "work" {
		t.Errorf("e2 streamIds = %v, want deduplicated [work]", e2.StreamIDs)
	}

	// Merging from a root stream has no parent to merge into.
	if _, err := runMethod(t, f.service, callCtx(f, personal), "streams.delete",
		api.Params{"id": "home"}); err != nil {
		t.Fatalf("trash home: %v", err)
	}
	if _, err := runMethod(t, f.service, callCtx(f, personal), "streams.delete",
		api.Params{"id": "home", "mergeEventsWithParent": true}); errID(t, err) != apierr.IDInvalidOperation {
		t.Errorf("merge on root: got %v, want invalid-operation", err)
	}
}

func TestStreamsDeletePurgeReleasesAttachments(t *testing.T) {
	f := newFixture(t, true)
	f.seedForest(t)
	personal := personalAccess()
	ctx := context.Background()

	user, err := f.store.Users().GetByID(ctx, f.user.ID)
	if err != nil {
		t.Fatal(err)
	}
	user.StorageUsed.AttachedFiles = 2048
	if err := f.store.Users().Update(ctx, user); err != nil {
		t.Fatal(err)
	}

	f.seedEvent(t, &model.Event{ID: "e1", StreamIDs: []string{"work-sub"}, Type: "picture/attached",
		Attachments: []model.Attachment{{ID: "att1", FileName: "pic.jpg", Type: "image/jpeg", Size: 2048}}})

	if _, err := runMethod(t, f.service, callCtx(f, personal), "streams.delete",
		api.Params{"id": "work-sub"}); err != nil {
		t.Fatalf("trash: %v", err)
	}
	if _, err := runMethod(t, f.service, callCtx(f, personal), "streams.delete",
		api.Params{"id": "work-sub"}); err != nil {
		t.Fatalf("purge: %v", err)
	}

	if len(f.files.deleted) != 1 || f.files.deleted[0] != "u1/e1" {
		t.Errorf("file deletions = %v", f.files.deleted)
	}
	user, _ = f.store.Users().GetByID(ctx, f.user.ID)
	if user.StorageUsed.AttachedFiles != 0 {
		t.Errorf("attachedFiles = %d, want 0 after purge", user.StorageUsed.AttachedFiles)
	}
}

func TestStreamsDeleteRequiresManage(t *testing.T) {
	f := newFixture(t, true)
	f.seedForest(t)

	contributor := &model.Access{ID: "app1", Token: "t-1", Type: model.AccessApp, Name: "contributor",
		Permissions: []model.Permission{{StreamID: "work", Level: model.LevelContribute}}}
	if _, err := runMethod(t, f.service, callCtx(f, contributor), "streams.delete",
		api.Params{"id": "work-sub"}); errID(t, err) != apierr.IDForbidden {
		t.Errorf("contribute deleting a stream: got %v, want forbidden", err)
	}

	personal := personalAccess()
	if _, err := runMethod(t, f.service, callCtx(f, personal), "streams.delete",
		api.Params{"id": "nowhere"}); errID(t, err) != apierr.IDUnknownResource {
		t.Errorf("unknown id: got %v, want unknown-resource", err)
	}
	if _, err := runMethod(t, f.service, callCtx(f, personal), "streams.delete",
		api.Params{"id": model.AccountStreamID}); errID(t, err) != apierr.IDInvalidOperation {
		t.Errorf("synthetic id: got %v, want invalid-operation", err)
	}
}
