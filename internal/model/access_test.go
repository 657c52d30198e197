package model

import "testing"

func strPtr(s string) *string { return &s }

func testIndex() *StreamIndex {
	return NewStreamIndex([]*Stream{
		{ID: "work", Name: "Work", Tracked: Tracked{Created: 1}},
		{ID: "work-notes", Name: "Notes", ParentID: strPtr("work"), Tracked: Tracked{Created: 2}},
		{ID: "work-notes-old", Name: "Old", ParentID: strPtr("work-notes"), Tracked: Tracked{Created: 3}},
		{ID: "home", Name: "Home", Tracked: Tracked{Created: 4}},
	})
}

func TestPersonalAccessBypassesPermissions(t *testing.T) {
	a := &Access{ID: "a1", Type: AccessPersonal}
	idx := testIndex()

	if !a.CanManageStream("home", idx) {
		t.Error("personal access denied manage")
	}
	if !a.CanCreateEventsOnAllOf([]string{"work", "home"}, idx) {
		t.Error("personal access denied multi-stream create")
	}
}

func TestPermissionAncestryWalk(t *testing.T) {
	a := &Access{
		ID:   "a1",
		Type: AccessApp,
		Permissions: []Permission{
			{StreamID: "work", Level: LevelContribute},
		},
	}
	idx := testIndex()

	if !a.CanContributeToStream("work-notes-old", idx) {
		t.Error("grant on ancestor did not reach descendant")
	}
	if !a.CanReadStream("work", idx) {
		t.Error("contribute does not satisfy read")
	}
	if a.CanManageStream("work-notes", idx) {
		t.Error("contribute satisfied manage")
	}
	if a.CanReadStream("home", idx) {
		t.Error("grant leaked to a sibling tree")
	}
}

func TestWildcardPermission(t *testing.T) {
	a := &Access{
		ID:          "a1",
		Type:        AccessShared,
		Permissions: []Permission{{StreamID: "*", Level: LevelRead}},
	}
	idx := testIndex()

	if !a.CanReadStream("home", idx) || !a.CanReadStream("work-notes-old", idx) {
		t.Error("wildcard read denied")
	}
	if a.CanContributeToStream("home", idx) {
		t.Error("wildcard read granted contribute")
	}
}

func TestCreateOnlySemantics(t *testing.T) {
	a := &Access{
		ID:          "a1",
		Type:        AccessApp,
		Permissions: []Permission{{StreamID: "work", Level: LevelCreateOnly}},
	}
	idx := testIndex()

	if !a.CanCreateEventsOnStream("work-notes", idx) {
		t.Error("create-only denied event creation under its scope")
	}
	if !a.CanCreateChildStream("work", idx) {
		t.Error("create-only denied child stream creation")
	}
	if a.CanReadStream("work", idx) {
		t.Error("create-only granted read")
	}
	if a.CanContributeToStream("work", idx) {
		t.Error("create-only granted contribute")
	}
	if a.CanManageStream("work", idx) {
		t.Error("create-only granted manage")
	}
}

func TestMultiStreamRules(t *testing.T) {
	idx := testIndex()

	oneStream := &Access{
		ID:          "a1",
		Type:        AccessApp,
		Permissions: []Permission{{StreamID: "work", Level: LevelContribute}},
	}
	// Creation requires the level on every listed stream.
	if oneStream.CanCreateEventsOnAllOf([]string{"work", "home"}, idx) {
		t.Error("create allowed with a grant on only one of two streams")
	}
	// Reading requires it on at least one.
	if !oneStream.CanReadAnyOf([]string{"work", "home"}, idx) {
		t.Error("read denied despite one readable stream")
	}

	bothStreams := &Access{
		ID:   "a2",
		Type: AccessApp,
		Permissions: []Permission{
			{StreamID: "work", Level: LevelContribute},
			{StreamID: "home", Level: LevelContribute},
		},
	}
	if !bothStreams.CanCreateEventsOnAllOf([]string{"work", "home"}, idx) {
		t.Error("create denied with grants on both streams")
	}
}

func TestSyntheticStreamsExemptFromAllOfRules(t *testing.T) {
	a := &Access{
		ID:          "a1",
		Type:        AccessApp,
		Permissions: []Permission{{StreamID: "work", Level: LevelContribute}},
	}
	idx := testIndex()

	ids := []string{"work", TagStreamID("hop")}
	if !a.CanCreateEventsOnAllOf(ids, idx) {
		t.Error("tag stream blocked creation for a stream-scoped access")
	}
}

func TestTagPermissionGrantsTagStream(t *testing.T) {
	a := &Access{
		ID:          "a1",
		Type:        AccessShared,
		Permissions: []Permission{{Tag: "health", Level: LevelRead}},
	}
	idx := testIndex()

	if !a.CanReadAnyOf([]string{TagStreamID("health")}, idx) {
		t.Error("tag grant did not apply to its synthetic stream")
	}
	if a.CanReadAnyOf([]string{TagStreamID("other")}, idx) {
		t.Error("tag grant leaked to another tag")
	}
}

func TestFeatureForbidden(t *testing.T) {
	a := &Access{
		ID:   "a1",
		Type: AccessApp,
		Permissions: []Permission{
			{StreamID: "*", Level: LevelManage},
			{Feature: "selfRevoke", Setting: "forbidden"},
		},
	}
	if !a.FeatureForbidden("selfRevoke") {
		t.Error("selfRevoke not reported forbidden")
	}
	if a.FeatureForbidden("other") {
		t.Error("unrelated feature reported forbidden")
	}
}

func TestIsExpired(t *testing.T) {
	now := NowSeconds()
	past := now - 10
	future := now + 10

	if (&Access{Expires: &past}).IsExpired(now) != true {
		t.Error("past expiry not detected")
	}
	if (&Access{Expires: &future}).IsExpired(now) {
		t.Error("future expiry reported expired")
	}
	if (&Access{}).IsExpired(now) {
		t.Error("nil expiry reported expired")
	}
}
